package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinicore/task-engine/internal/domain/rule"
)

// ExecutionLog is the append-only audit record of rule evaluation attempts
// and the idempotency ledger over at-least-once event delivery. Rows are
// never updated or deleted by the engine.
type ExecutionLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewExecutionLog creates an execution log over the given pool.
func NewExecutionLog(pool *pgxpool.Pool, logger *zap.Logger) *ExecutionLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionLog{pool: pool, logger: logger}
}

// Exists reports whether an attempt for (rule, dedupe key) was already
// recorded. Redelivered events probe here and skip silently on a hit.
func (l *ExecutionLog) Exists(ctx context.Context, ruleID, dedupeKey string) (bool, error) {
	var one int
	err := l.pool.QueryRow(ctx,
		`SELECT 1 FROM task_assignment_rule_executions WHERE rule_id = $1 AND dedupe_key = $2`,
		ruleID, dedupeKey,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe execution: %w", err)
	}
	return true, nil
}

// Record appends one execution row. The (rule_id, dedupe_key) unique
// constraint backs the exactly-once contract; a conflicting insert from a
// concurrent redelivery is reported as an error and the row is left as-is.
func (l *ExecutionLog) Record(ctx context.Context, exec *rule.Execution) error {
	query := `
		INSERT INTO task_assignment_rule_executions
			(id, rule_id, dedupe_key, trigger_event, trigger_data,
			 success, task_id, error_message, executed_at, execution_time_ms)
		VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
	`
	_, err := l.pool.Exec(ctx, query,
		exec.ID, exec.RuleID, exec.DedupeKey, exec.TriggerEvent, exec.TriggerData,
		exec.Success, exec.TaskID, exec.ErrorMessage, exec.ExecutedAt, exec.ExecutionTimeMs,
	)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// RecentFailures lists failed executions for operator replay, newest first.
func (l *ExecutionLog) RecentFailures(ctx context.Context, orgID string, limit int) ([]*rule.Execution, error) {
	query := `
		SELECT e.id, e.rule_id, e.dedupe_key, e.trigger_event, e.trigger_data,
		       e.success, COALESCE(e.task_id, ''), COALESCE(e.error_message, ''),
		       e.executed_at, e.execution_time_ms
		FROM task_assignment_rule_executions e
		JOIN task_assignment_rules r ON r.id = e.rule_id
		WHERE r.org_id = $1 AND e.success = FALSE
		ORDER BY e.executed_at DESC
		LIMIT $2
	`

	rows, err := l.pool.Query(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var execs []*rule.Execution
	for rows.Next() {
		e := &rule.Execution{}
		err := rows.Scan(
			&e.ID, &e.RuleID, &e.DedupeKey, &e.TriggerEvent, &e.TriggerData,
			&e.Success, &e.TaskID, &e.ErrorMessage, &e.ExecutedAt, &e.ExecutionTimeMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// Release deletes one failed execution row so the event can be replayed
// for that rule, returning the row and the owning rule's org id. Operator
// tooling only: successful rows are immutable, and the engine itself never
// deletes.
func (l *ExecutionLog) Release(ctx context.Context, executionID string) (*rule.Execution, string, error) {
	query := `
		WITH released AS (
			DELETE FROM task_assignment_rule_executions
			WHERE id = $1 AND success = FALSE
			RETURNING id, rule_id, dedupe_key, trigger_event, trigger_data,
			          success, task_id, error_message, executed_at, execution_time_ms
		)
		SELECT released.id, released.rule_id, released.dedupe_key,
		       released.trigger_event, released.trigger_data, released.success,
		       COALESCE(released.task_id, ''), COALESCE(released.error_message, ''),
		       released.executed_at, released.execution_time_ms, r.org_id
		FROM released
		JOIN task_assignment_rules r ON r.id = released.rule_id
	`

	e := &rule.Execution{}
	var orgID string
	err := l.pool.QueryRow(ctx, query, executionID).Scan(
		&e.ID, &e.RuleID, &e.DedupeKey, &e.TriggerEvent, &e.TriggerData,
		&e.Success, &e.TaskID, &e.ErrorMessage, &e.ExecutedAt, &e.ExecutionTimeMs, &orgID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("no failed execution with id %s", executionID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("release execution: %w", err)
	}
	return e, orgID, nil
}

// Stats aggregates success rate and latency for one rule.
func (l *ExecutionLog) Stats(ctx context.Context, ruleID string) (*rule.ExecutionStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(AVG(execution_time_ms), 0)
		FROM task_assignment_rule_executions
		WHERE rule_id = $1
	`

	stats := &rule.ExecutionStats{RuleID: ruleID}
	err := l.pool.QueryRow(ctx, query, ruleID).Scan(
		&stats.Total, &stats.Succeeded, &stats.Failed, &stats.AvgDurationMs,
	)
	if err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}
	return stats, nil
}
