package rule

import (
	"encoding/json"
	"time"
)

// Execution is one immutable audit row for a rule-evaluation attempt that
// reached the matched state. Unmatched rules produce no row. It doubles as
// the idempotency ledger: at most one row exists per (rule, dedupe key).
type Execution struct {
	ID              string          `json:"id"`
	RuleID          string          `json:"rule_id"`
	DedupeKey       string          `json:"dedupe_key"`
	TriggerEvent    string          `json:"trigger_event"`
	TriggerData     json.RawMessage `json:"trigger_data"`
	Success         bool            `json:"success"`
	TaskID          string          `json:"task_id,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ExecutedAt      time.Time       `json:"executed_at"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
}

// ExecutionStats aggregates the audit trail for one rule, the operational
// observability surface for success rate and latency.
type ExecutionStats struct {
	RuleID        string  `json:"rule_id"`
	Total         int64   `json:"total"`
	Succeeded     int64   `json:"succeeded"`
	Failed        int64   `json:"failed"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}
