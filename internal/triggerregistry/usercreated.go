package triggerregistry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/store"
)

// disposableDomains is the policy table ShouldExecute consults to
// reject disposable-domain signups.
var disposableDomains = map[string]bool{
	"mailinator.com":    true,
	"tempmail.com":      true,
	"10minutemail.com":  true,
	"guerrillamail.com": true,
}

// UserCreatedPoller implements user_created: uses the
// reserved global cursor (store.GlobalCursorWorkflowID) so a fan-out
// per-workflow refire never happens for this trigger type.
type UserCreatedPoller struct {
	db        *sql.DB
	logger    *zap.Logger
	batchSize int
	dialect   Dialect
}

func NewUserCreatedPoller(db *sql.DB, logger *zap.Logger, batchSize int) *UserCreatedPoller {
	return &UserCreatedPoller{db: db, logger: logger, batchSize: batchSize}
}

// NewMySQLUserCreatedPoller is the alternate backend over go-sql-driver/mysql.
func NewMySQLUserCreatedPoller(db *sql.DB, logger *zap.Logger, batchSize int) *UserCreatedPoller {
	return &UserCreatedPoller{db: db, logger: logger, batchSize: batchSize, dialect: DialectMySQL}
}

func (p *UserCreatedPoller) TriggerType() string { return "user_created" }

// Poll queries against the global cursor watermark regardless of
// workflowID (this trigger type must not fan out its
// cursor per workflow), but each returned TriggerContext still carries the
// real bound workflowID — GetWorkflowID's sentinel is a cursor-lookup key
// only, not the Execution's workflow id.
func (p *UserCreatedPoller) Poll(ctx context.Context, workflowID string, cursor int64) ([]TriggerContext, error) {
	since := time.Unix(0, cursor)
	query := fmt.Sprintf(`
		SELECT id, email, is_active, created_at
		FROM users
		WHERE created_at > %s AND is_active = true
		ORDER BY created_at ASC
		LIMIT %s`, p.dialect.placeholder(1), p.dialect.placeholder(2))
	rows, err := p.db.QueryContext(ctx, query, since, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("triggerregistry: poll users: %w", err)
	}
	defer rows.Close()

	var out []TriggerContext
	for rows.Next() {
		var id, email string
		var isActive bool
		var createdAt time.Time
		if err := rows.Scan(&id, &email, &isActive, &createdAt); err != nil {
			return nil, fmt.Errorf("triggerregistry: scan user row: %w", err)
		}
		out = append(out, TriggerContext{
			WorkflowID:  workflowID,
			UserID:      id,
			TriggerType: p.TriggerType(),
			TriggerID:   id,
			EntityData: map[string]interface{}{
				"userId":    id,
				"email":     email,
				"isActive":  isActive,
				"createdAt": createdAt,
			},
			OccurredAt: createdAt.UnixNano(),
		})
	}
	return out, rows.Err()
}

func (p *UserCreatedPoller) Validate(raw map[string]interface{}) (TriggerContext, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return TriggerContext{}, fmt.Errorf("triggerregistry: user row missing id")
	}
	return TriggerContext{TriggerType: p.TriggerType(), TriggerID: id, EntityData: raw}, nil
}

func (p *UserCreatedPoller) GetWorkflowID(tc TriggerContext) string {
	return store.GlobalCursorWorkflowID
}

// ShouldExecute rejects disposable-domain emails.
func (p *UserCreatedPoller) ShouldExecute(tc TriggerContext) bool {
	email, _ := tc.EntityData["email"].(string)
	parts := strings.SplitN(email, "@", 2)
	if len(parts) != 2 {
		return true
	}
	return !disposableDomains[strings.ToLower(parts[1])]
}
