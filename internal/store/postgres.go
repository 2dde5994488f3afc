package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// Postgres is the production Store. Table names follow the logical
// schema (workflow_executions, workflow_delays,
// workflow_executions_schedule, workflow). The CAS claim pattern in
// ClaimDueDelays uses `FOR UPDATE SKIP LOCKED` with the claim performed in
// one transaction, over database/sql + lib/pq.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a Postgres-backed Store. Callers own connection pool
// tuning (SetMaxOpenConns, etc.) on the returned *sql.DB via DB().
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// DB exposes the underlying pool for migration tooling and health checks.
func (p *Postgres) DB() *sql.DB { return p.db }

// Schema is the reference DDL a deploy-time migration tool can apply;
// running migrations is the deployment's concern, not this package's.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	rule           JSONB NOT NULL,
	compiled_steps JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflow_executions (
	execution_id        TEXT PRIMARY KEY,
	workflow_id         TEXT NOT NULL,
	user_id             TEXT NOT NULL,
	trigger_type        TEXT NOT NULL,
	trigger_id          TEXT NOT NULL,
	status              TEXT NOT NULL,
	current_step        TEXT NOT NULL DEFAULT '',
	workflow_definition JSONB NOT NULL,
	state               JSONB NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at        TIMESTAMPTZ,
	failed_at           TIMESTAMPTZ,
	error               TEXT NOT NULL DEFAULT '',
	retry_count         INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_executions_natural_key
	ON workflow_executions (workflow_id, user_id, trigger_type, trigger_id);

CREATE TABLE IF NOT EXISTS workflow_delays (
	id                  TEXT PRIMARY KEY,
	execution_id        TEXT NOT NULL,
	step_id             TEXT NOT NULL,
	delay_type          TEXT NOT NULL,
	delay_ms            BIGINT NOT NULL,
	scheduled_at        TIMESTAMPTZ NOT NULL,
	execute_at          TIMESTAMPTZ NOT NULL,
	status              TEXT NOT NULL,
	context             JSONB NOT NULL,
	original_delay_type TEXT NOT NULL DEFAULT '',
	result              JSONB,
	error               TEXT NOT NULL DEFAULT '',
	retry_count         INT NOT NULL DEFAULT 0,
	executed_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_delays_execute_at_status ON workflow_delays (execute_at, status);

CREATE TABLE IF NOT EXISTS workflow_executions_schedule (
	workflow_id         TEXT NOT NULL,
	trigger_type        TEXT NOT NULL,
	last_execution_time TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (workflow_id, trigger_type)
);
`

func (p *Postgres) SaveWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error {
	steps, err := json.Marshal(def.CompiledSteps)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflow (id, name, rule, compiled_steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			rule = EXCLUDED.rule,
			compiled_steps = EXCLUDED.compiled_steps,
			updated_at = now()`,
		def.ID, def.Name, []byte(def.Rule), steps)
	if err != nil {
		return fmt.Errorf("store: save workflow definition: %w", err)
	}
	return nil
}

func (p *Postgres) GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	var rule, steps []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, rule, compiled_steps, created_at, updated_at
		FROM workflow WHERE id = $1`, id).
		Scan(&def.ID, &def.Name, &rule, &steps, &def.CreatedAt, &def.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get workflow definition: %w", err)
	}
	def.Rule = rule
	if err := json.Unmarshal(steps, &def.CompiledSteps); err != nil {
		return nil, fmt.Errorf("store: decode compiled steps: %w", err)
	}
	return &def, nil
}

func (p *Postgres) ListWorkflowDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, rule, compiled_steps, created_at, updated_at FROM workflow`)
	if err != nil {
		return nil, fmt.Errorf("store: list workflow definitions: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowDefinition
	for rows.Next() {
		var def WorkflowDefinition
		var rule, steps []byte
		if err := rows.Scan(&def.ID, &def.Name, &rule, &steps, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan workflow definition: %w", err)
		}
		def.Rule = rule
		if err := json.Unmarshal(steps, &def.CompiledSteps); err != nil {
			return nil, fmt.Errorf("store: decode compiled steps: %w", err)
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateExecution(ctx context.Context, exec *Execution) (*Execution, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := p.findActiveTx(ctx, tx, exec.WorkflowID, exec.UserID, exec.TriggerType, exec.TriggerID)
	if err != nil && err != ErrNotFound {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, tx.Commit()
	}

	steps, err := json.Marshal(exec.WorkflowDefinition)
	if err != nil {
		return nil, false, err
	}
	state, err := json.Marshal(exec.State)
	if err != nil {
		return nil, false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_executions
			(execution_id, workflow_id, user_id, trigger_type, trigger_id, status,
			 current_step, workflow_definition, state, created_at, updated_at, retry_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now(), now(), $10)`,
		exec.ExecutionID, exec.WorkflowID, exec.UserID, exec.TriggerType, exec.TriggerID,
		string(exec.Status), exec.CurrentStep, steps, state, exec.RetryCount)
	if err != nil {
		return nil, false, fmt.Errorf("store: create execution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return exec, true, nil
}

func (p *Postgres) findActiveTx(ctx context.Context, tx *sql.Tx, workflowID, userID, triggerType, triggerID string) (*Execution, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT execution_id, workflow_id, user_id, trigger_type, trigger_id, status,
		       current_step, workflow_definition, state, created_at, updated_at,
		       completed_at, failed_at, error, retry_count
		FROM workflow_executions
		WHERE workflow_id=$1 AND user_id=$2 AND trigger_type=$3 AND trigger_id=$4
		  AND status <> 'completed'
		FOR UPDATE`,
		workflowID, userID, triggerType, triggerID)
	return scanExecution(row)
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var steps, state []byte
	err := row.Scan(&e.ExecutionID, &e.WorkflowID, &e.UserID, &e.TriggerType, &e.TriggerID,
		&e.Status, &e.CurrentStep, &steps, &state, &e.CreatedAt, &e.UpdatedAt,
		&e.CompletedAt, &e.FailedAt, &e.Error, &e.RetryCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan execution: %w", err)
	}
	if err := json.Unmarshal(steps, &e.WorkflowDefinition); err != nil {
		return nil, fmt.Errorf("store: decode workflow_definition: %w", err)
	}
	if err := json.Unmarshal(state, &e.State); err != nil {
		return nil, fmt.Errorf("store: decode state: %w", err)
	}
	return &e, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *Postgres) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT execution_id, workflow_id, user_id, trigger_type, trigger_id, status,
		       current_step, workflow_definition, state, created_at, updated_at,
		       completed_at, failed_at, error, retry_count
		FROM workflow_executions WHERE execution_id = $1`, executionID)
	return scanExecution(row)
}

func (p *Postgres) FindActiveExecution(ctx context.Context, workflowID, userID, triggerType, triggerID string) (*Execution, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT execution_id, workflow_id, user_id, trigger_type, trigger_id, status,
		       current_step, workflow_definition, state, created_at, updated_at,
		       completed_at, failed_at, error, retry_count
		FROM workflow_executions
		WHERE workflow_id=$1 AND user_id=$2 AND trigger_type=$3 AND trigger_id=$4
		  AND status <> 'completed'`,
		workflowID, userID, triggerType, triggerID)
	return scanExecution(row)
}

func (p *Postgres) UpdateExecution(ctx context.Context, exec *Execution) error {
	steps, err := json.Marshal(exec.WorkflowDefinition)
	if err != nil {
		return err
	}
	state, err := json.Marshal(exec.State)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_executions SET
			status = $2, current_step = $3, workflow_definition = $4, state = $5,
			updated_at = now(), completed_at = $6, failed_at = $7, error = $8, retry_count = $9
		WHERE execution_id = $1`,
		exec.ExecutionID, string(exec.Status), exec.CurrentStep, steps, state,
		exec.CompletedAt, exec.FailedAt, exec.Error, exec.RetryCount)
	if err != nil {
		return fmt.Errorf("store: update execution: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.WorkflowID != "" {
		add("workflow_id = $%d", f.WorkflowID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.TriggerType != "" {
		add("trigger_type = $%d", f.TriggerType)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT execution_id, workflow_id, user_id, trigger_type, trigger_id, status,
		       current_step, workflow_definition, state, created_at, updated_at,
		       completed_at, failed_at, error, retry_count
		FROM workflow_executions
		WHERE %s
		ORDER BY created_at ASC
		LIMIT $%d OFFSET $%d`, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateDelay(ctx context.Context, d *Delay) error {
	ctxJSON, err := json.Marshal(d.Context)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflow_delays
			(id, execution_id, step_id, delay_type, delay_ms, scheduled_at, execute_at,
			 status, context, original_delay_type, retry_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.ExecutionID, d.StepID, d.DelayType, d.DelayMs, d.ScheduledAt, d.ExecuteAt,
		string(d.Status), ctxJSON, d.OriginalDelayType, d.RetryCount)
	if err != nil {
		return fmt.Errorf("store: create delay: %w", err)
	}
	return nil
}

func scanDelay(row rowScanner) (*Delay, error) {
	var d Delay
	var ctxJSON, result []byte
	err := row.Scan(&d.ID, &d.ExecutionID, &d.StepID, &d.DelayType, &d.DelayMs,
		&d.ScheduledAt, &d.ExecuteAt, &d.Status, &ctxJSON, &d.OriginalDelayType,
		&result, &d.Error, &d.RetryCount, &d.ExecutedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan delay: %w", err)
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &d.Context); err != nil {
			return nil, fmt.Errorf("store: decode delay context: %w", err)
		}
	}
	d.Result = result
	return &d, nil
}

func (p *Postgres) GetDelay(ctx context.Context, id string) (*Delay, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, execution_id, step_id, delay_type, delay_ms, scheduled_at, execute_at,
		       status, context, original_delay_type, result, error, retry_count, executed_at
		FROM workflow_delays WHERE id = $1`, id)
	return scanDelay(row)
}

// ClaimDueDelays selects with FOR UPDATE SKIP LOCKED inside a transaction,
// flips status, and commits. Two replicas racing this tick never see the
// same row.
func (p *Postgres) ClaimDueDelays(ctx context.Context, now time.Time, limit int) ([]*Delay, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, execution_id, step_id, delay_type, delay_ms, scheduled_at, execute_at,
		       status, context, original_delay_type, result, error, retry_count, executed_at
		FROM workflow_delays
		WHERE status = 'pending' AND execute_at <= $1
		ORDER BY execute_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: claim due delays: %w", err)
	}
	var claimed []*Delay
	for rows.Next() {
		d, err := scanDelay(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, d := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_delays SET status = 'processing' WHERE id = $1 AND status = 'pending'`, d.ID); err != nil {
			return nil, fmt.Errorf("store: promote delay %s: %w", d.ID, err)
		}
		d.Status = DelayProcessing
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (p *Postgres) CompleteDelay(ctx context.Context, id string, final DelayStatus, result []byte, errMsg string, executedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_delays
		SET status = $2, result = $3, error = $4, executed_at = $5
		WHERE id = $1 AND status = 'processing'`,
		id, string(final), result, errMsg, executedAt)
	if err != nil {
		return fmt.Errorf("store: complete delay: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrCASConflict
	}
	return nil
}

func (p *Postgres) CancelPendingDelays(ctx context.Context, executionID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE workflow_delays SET status = 'cancelled'
		WHERE execution_id = $1 AND status IN ('pending', 'processing')`, executionID)
	if err != nil {
		return fmt.Errorf("store: cancel pending delays: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteOldFailedDelays(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM workflow_delays WHERE status = 'failed' AND executed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: delete old failed delays: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) GetTriggerCursor(ctx context.Context, workflowID, triggerType string) (*TriggerCursor, error) {
	var c TriggerCursor
	err := p.db.QueryRowContext(ctx, `
		SELECT workflow_id, trigger_type, last_execution_time
		FROM workflow_executions_schedule WHERE workflow_id = $1 AND trigger_type = $2`,
		workflowID, triggerType).Scan(&c.WorkflowID, &c.TriggerType, &c.LastExecutionTime)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get trigger cursor: %w", err)
	}
	return &c, nil
}

func (p *Postgres) AdvanceTriggerCursor(ctx context.Context, workflowID, triggerType string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workflow_executions_schedule (workflow_id, trigger_type, last_execution_time)
		VALUES ($1, $2, $3)
		ON CONFLICT (workflow_id, trigger_type) DO UPDATE SET last_execution_time = EXCLUDED.last_execution_time`,
		workflowID, triggerType, at)
	if err != nil {
		return fmt.Errorf("store: advance trigger cursor: %w", err)
	}
	return nil
}

func (p *Postgres) FailStaleRunningExecutions(ctx context.Context, olderThan time.Time, cause string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = 'failed', error = $2, failed_at = now()
		WHERE status = 'running' AND updated_at < $1`, olderThan, cause)
	if err != nil {
		return 0, fmt.Errorf("store: fail stale running executions: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) DeleteOldTerminalExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM workflow_executions
		WHERE status IN ('completed', 'cancelled') AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: delete old terminal executions: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) ListOverduePendingDelays(ctx context.Context, now time.Time) ([]*Delay, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, execution_id, step_id, delay_type, delay_ms, scheduled_at, execute_at,
		       status, context, original_delay_type, result, error, retry_count, executed_at
		FROM workflow_delays WHERE status = 'pending' AND execute_at <= $1
		ORDER BY execute_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("store: list overdue pending delays: %w", err)
	}
	defer rows.Close()

	var out []*Delay
	for rows.Next() {
		d, err := scanDelay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
