package triggerregistry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SubscriptionPoller implements the subscription_created trigger:
// new active, unprocessed subscription rows since the cursor, joined
// against the users table so ctx.entityData carries the full user +
// subscription fields
// downstream action steps template against — notably the
// recipient email a send_email action needs.
type SubscriptionPoller struct {
	db         *sql.DB
	logger     *zap.Logger
	workflowID string
	batchSize  int
	dialect    Dialect
}

func NewSubscriptionPoller(db *sql.DB, logger *zap.Logger, workflowID string, batchSize int) *SubscriptionPoller {
	return &SubscriptionPoller{db: db, logger: logger, workflowID: workflowID, batchSize: batchSize}
}

// NewMySQLSubscriptionPoller is the alternate backend over
// go-sql-driver/mysql, identical query shape with `?` placeholders.
func NewMySQLSubscriptionPoller(db *sql.DB, logger *zap.Logger, workflowID string, batchSize int) *SubscriptionPoller {
	return &SubscriptionPoller{db: db, logger: logger, workflowID: workflowID, batchSize: batchSize, dialect: DialectMySQL}
}

func (p *SubscriptionPoller) TriggerType() string { return "subscription_created" }

func (p *SubscriptionPoller) Poll(ctx context.Context, workflowID string, cursor int64) ([]TriggerContext, error) {
	since := time.Unix(0, cursor)
	query := fmt.Sprintf(`
		SELECT s.id, s.user_id, s.product_package, s.status, s.created_at, u.email, u.name
		FROM subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE s.created_at >= %s AND s.workflow_processed = false AND s.status = 'active'
		ORDER BY s.created_at ASC
		LIMIT %s`, p.dialect.placeholder(1), p.dialect.placeholder(2))
	rows, err := p.db.QueryContext(ctx, query, since, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("triggerregistry: poll subscriptions: %w", err)
	}
	defer rows.Close()

	var out []TriggerContext
	for rows.Next() {
		var id, userID, productPackage, status, email, name string
		var createdAt time.Time
		if err := rows.Scan(&id, &userID, &productPackage, &status, &createdAt, &email, &name); err != nil {
			return nil, fmt.Errorf("triggerregistry: scan subscription row: %w", err)
		}
		out = append(out, TriggerContext{
			WorkflowID:  workflowID,
			UserID:      userID,
			TriggerType: p.TriggerType(),
			TriggerID:   id,
			EntityData: map[string]interface{}{
				"subscriptionId":  id,
				"userId":          userID,
				"product_package": productPackage,
				"status":          status,
				"createdAt":       createdAt,
				"email":           email,
				"name":            name,
			},
			OccurredAt: createdAt.UnixNano(),
		})
	}
	return out, rows.Err()
}

func (p *SubscriptionPoller) Validate(raw map[string]interface{}) (TriggerContext, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return TriggerContext{}, fmt.Errorf("triggerregistry: subscription row missing id")
	}
	userID, _ := raw["user_id"].(string)
	return TriggerContext{TriggerType: p.TriggerType(), TriggerID: id, UserID: userID, EntityData: raw}, nil
}

func (p *SubscriptionPoller) GetWorkflowID(tc TriggerContext) string { return tc.WorkflowID }

func (p *SubscriptionPoller) ShouldExecute(tc TriggerContext) bool { return true }
