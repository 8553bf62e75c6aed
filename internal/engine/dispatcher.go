package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clinicore/task-engine/internal/domain/rule"
	"github.com/clinicore/task-engine/internal/observability/metrics"
)

// ExecutionLog is the append-only audit record and idempotency ledger.
// Exists probes for a prior attempt of (rule, dedupe key); Record writes
// exactly one row per attempt that reached the matched state.
type ExecutionLog interface {
	Exists(ctx context.Context, ruleID, dedupeKey string) (bool, error)
	Record(ctx context.Context, exec *rule.Execution) error
}

// DispatcherConfig bounds the dispatcher's external calls.
type DispatcherConfig struct {
	// CallTimeout caps each rule's resolution + materialization phase.
	// A timeout is a failed execution, never retried inline.
	CallTimeout time.Duration
}

// DefaultDispatcherConfig returns the 3s bound used in production.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{CallTimeout: 3 * time.Second}
}

// Dispatcher orchestrates one inbound trigger event: fetch candidates,
// evaluate, resolve, materialize, log. All matching rules execute; priority
// controls evaluation and log ordering only, never mutual exclusion.
type Dispatcher struct {
	source       rule.Source
	execLog      ExecutionLog
	resolver     *Resolver
	materializer *Materializer
	config       DispatcherConfig
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewDispatcher wires the engine components together. metrics may be nil.
func NewDispatcher(source rule.Source, execLog ExecutionLog, resolver *Resolver, materializer *Materializer, cfg DispatcherConfig, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg = DefaultDispatcherConfig()
	}
	return &Dispatcher{
		source:       source,
		execLog:      execLog,
		resolver:     resolver,
		materializer: materializer,
		config:       cfg,
		metrics:      m,
		logger:       logger,
		tracer:       otel.Tracer("trigger-dispatcher"),
	}
}

// Dispatch processes one trigger event. Candidate rules are evaluated
// sequentially in priority order; a failure of one rule never prevents
// evaluation of the remaining candidates. The returned error covers only
// infrastructure failures before any rule ran (the event can be
// redelivered safely thanks to the dedupe ledger).
func (d *Dispatcher) Dispatch(ctx context.Context, event *rule.TriggerEvent) error {
	ctx, span := d.tracer.Start(ctx, "dispatch_trigger",
		trace.WithAttributes(
			attribute.String("org_id", event.OrgID),
			attribute.String("event_type", event.EventType),
			attribute.String("dedupe_key", event.DedupeKey),
		))
	defer span.End()

	payload, err := event.PayloadMap()
	if err != nil {
		// Poison payload: redelivery cannot fix it, so drop with a trace.
		d.logger.Error("undecodable trigger payload",
			zap.String("org_id", event.OrgID),
			zap.String("event_type", event.EventType),
			zap.String("dedupe_key", event.DedupeKey),
			zap.Error(err))
		span.RecordError(err)
		return nil
	}

	candidates, err := d.source.CandidateRules(ctx, event.OrgID, event.EventType)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("candidate_rules", len(candidates)))

	for _, rl := range candidates {
		d.dispatchRule(ctx, rl, event, payload)
	}
	return nil
}

// dispatchRule runs one candidate rule in isolation. Every error past the
// matched state is caught here and logged as a failed execution.
func (d *Dispatcher) dispatchRule(ctx context.Context, rl *rule.Rule, event *rule.TriggerEvent, payload map[string]any) {
	exists, err := d.execLog.Exists(ctx, rl.ID, event.DedupeKey)
	if err != nil {
		// Without the probe we cannot guarantee idempotence, so skip the
		// rule this delivery; the event will come around again.
		d.logger.Error("idempotency probe failed",
			zap.String("rule_id", rl.ID),
			zap.String("dedupe_key", event.DedupeKey),
			zap.Error(err))
		return
	}
	if exists {
		if d.metrics != nil {
			d.metrics.DuplicatesSkipped.Inc()
		}
		return
	}

	start := time.Now()

	matched, err := EvaluateConditions(rl.TriggerConditions, payload)
	if err != nil {
		d.recordOutcome(ctx, rl, event, start, "", err)
		return
	}
	if !matched {
		// Not applicable: no execution row at all.
		return
	}
	if d.metrics != nil {
		d.metrics.RulesMatched.Inc()
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
	defer cancel()

	assignee, err := d.resolver.Resolve(callCtx, rl, payload)
	if err != nil {
		d.recordOutcome(ctx, rl, event, start, "", err)
		return
	}

	taskID, err := d.materializer.Materialize(callCtx, rl, assignee, payload, start)
	d.recordOutcome(ctx, rl, event, start, taskID, err)
}

// recordOutcome writes the execution row, win or lose, before the
// dispatcher moves to the next candidate.
func (d *Dispatcher) recordOutcome(ctx context.Context, rl *rule.Rule, event *rule.TriggerEvent, start time.Time, taskID string, execErr error) {
	exec := &rule.Execution{
		ID:              uuid.New().String(),
		RuleID:          rl.ID,
		DedupeKey:       event.DedupeKey,
		TriggerEvent:    event.EventType,
		TriggerData:     event.Payload,
		Success:         execErr == nil,
		TaskID:          taskID,
		ExecutedAt:      start,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	if execErr != nil {
		exec.ErrorMessage = execErr.Error()
	}

	if d.metrics != nil {
		d.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
		if execErr == nil {
			d.metrics.ExecutionsSucceeded.Inc()
		} else {
			d.metrics.ExecutionsFailed.Inc()
		}
	}

	if err := d.execLog.Record(ctx, exec); err != nil {
		// Accepted gap: a task may exist without its audit row. The
		// periodic reconciliation job picks these up.
		d.logger.Error("execution log write failed",
			zap.String("rule_id", rl.ID),
			zap.String("dedupe_key", event.DedupeKey),
			zap.Error(err))
		return
	}

	if execErr != nil {
		d.logger.Warn("rule execution failed",
			zap.String("rule_id", rl.ID),
			zap.String("rule_name", rl.Name),
			zap.String("trigger_event", event.EventType),
			zap.Error(execErr))
		return
	}

	d.logger.Info("rule executed",
		zap.String("rule_id", rl.ID),
		zap.String("rule_name", rl.Name),
		zap.String("trigger_event", event.EventType),
		zap.String("task_id", taskID),
		zap.Int64("duration_ms", exec.ExecutionTimeMs))
}
