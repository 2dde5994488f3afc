package triggerregistry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// NewsletterPoller implements newsletter_subscribed,
// identical shape to SubscriptionPoller over subscribedAt instead of
// createdAt.
type NewsletterPoller struct {
	db        *sql.DB
	logger    *zap.Logger
	batchSize int
	dialect   Dialect
}

func NewNewsletterPoller(db *sql.DB, logger *zap.Logger, batchSize int) *NewsletterPoller {
	return &NewsletterPoller{db: db, logger: logger, batchSize: batchSize}
}

// NewMySQLNewsletterPoller is the alternate backend over go-sql-driver/mysql.
func NewMySQLNewsletterPoller(db *sql.DB, logger *zap.Logger, batchSize int) *NewsletterPoller {
	return &NewsletterPoller{db: db, logger: logger, batchSize: batchSize, dialect: DialectMySQL}
}

func (p *NewsletterPoller) TriggerType() string { return "newsletter_subscribed" }

func (p *NewsletterPoller) Poll(ctx context.Context, workflowID string, cursor int64) ([]TriggerContext, error) {
	since := time.Unix(0, cursor)
	query := fmt.Sprintf(`
		SELECT id, user_id, email, status, subscribed_at
		FROM newsletter_subscriptions
		WHERE subscribed_at >= %s AND workflow_processed = false AND status = 'active'
		ORDER BY subscribed_at ASC
		LIMIT %s`, p.dialect.placeholder(1), p.dialect.placeholder(2))
	rows, err := p.db.QueryContext(ctx, query, since, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("triggerregistry: poll newsletter subscriptions: %w", err)
	}
	defer rows.Close()

	var out []TriggerContext
	for rows.Next() {
		var id, userID, email, status string
		var subscribedAt time.Time
		if err := rows.Scan(&id, &userID, &email, &status, &subscribedAt); err != nil {
			return nil, fmt.Errorf("triggerregistry: scan newsletter row: %w", err)
		}
		out = append(out, TriggerContext{
			WorkflowID:  workflowID,
			UserID:      userID,
			TriggerType: p.TriggerType(),
			TriggerID:   id,
			EntityData: map[string]interface{}{
				"newsletterId": id,
				"userId":       userID,
				"email":        email,
				"status":       status,
				"subscribedAt": subscribedAt,
			},
			OccurredAt: subscribedAt.UnixNano(),
		})
	}
	return out, rows.Err()
}

func (p *NewsletterPoller) Validate(raw map[string]interface{}) (TriggerContext, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return TriggerContext{}, fmt.Errorf("triggerregistry: newsletter row missing id")
	}
	return TriggerContext{TriggerType: p.TriggerType(), TriggerID: id, EntityData: raw}, nil
}

func (p *NewsletterPoller) GetWorkflowID(tc TriggerContext) string { return tc.WorkflowID }

func (p *NewsletterPoller) ShouldExecute(tc TriggerContext) bool { return true }
