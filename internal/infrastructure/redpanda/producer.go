package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/clinicore/task-engine/internal/engine"
)

// ProducerConfig holds configuration for the task-event producer.
type ProducerConfig struct {
	Brokers      []string
	Linger       time.Duration
	RequiredAcks string // "all" or "leader"
}

// DefaultProducerConfig returns durable defaults; task notifications are
// low volume, so durability wins over batching throughput.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Linger:       10 * time.Millisecond,
		RequiredAcks: "all",
	}
}

// Producer publishes task lifecycle events for downstream notification
// consumers (in-app, email, webhooks).
type Producer struct {
	client *kgo.Client
	logger *zap.Logger

	// onPublish, when set, is invoked after each successful publish.
	onPublish func()
}

// NewProducer creates a task-event producer. onPublish may be nil; it hooks
// the notifications-published metric.
func NewProducer(cfg ProducerConfig, onPublish func(), logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
	}
	if cfg.RequiredAcks == "leader" {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()))
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Producer{client: client, logger: logger, onPublish: onPublish}, nil
}

// TaskCreatedEvent is the notification payload published after a rule
// successfully materializes a task.
type TaskCreatedEvent struct {
	Event        string    `json:"event"`
	OrgID        string    `json:"org_id"`
	TaskID       string    `json:"task_id"`
	RuleID       string    `json:"rule_id"`
	TriggerEvent string    `json:"trigger_event"`
	AssigneeType string    `json:"assignee_type"`
	AssigneeID   string    `json:"assignee_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// TaskCreated publishes a task-created notification, keyed by org so one
// organization's notifications stay ordered. Failures are logged and
// dropped: a lost notification must never fail the rule execution behind it.
func (p *Producer) TaskCreated(ctx context.Context, orgID, taskID, ruleID, triggerEvent string, assignee engine.Assignee) {
	payload, err := json.Marshal(TaskCreatedEvent{
		Event:        "task.created",
		OrgID:        orgID,
		TaskID:       taskID,
		RuleID:       ruleID,
		TriggerEvent: triggerEvent,
		AssigneeType: assignee.Type,
		AssigneeID:   assignee.ID,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		p.logger.Error("marshal task notification", zap.Error(err))
		return
	}

	record := &kgo.Record{
		Topic: TopicTaskEvents,
		Key:   []byte(orgID),
		Value: payload,
	}

	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("task notification publish failed",
				zap.String("task_id", taskID),
				zap.String("rule_id", ruleID),
				zap.Error(err))
			return
		}
		if p.onPublish != nil {
			p.onPublish()
		}
	})
}

// Publish sends one record synchronously; used by operational tooling such
// as the event replay command.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}

	var produceErr error
	var wg sync.WaitGroup
	wg.Add(1)
	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		defer wg.Done()
		produceErr = err
	})
	wg.Wait()

	if produceErr != nil {
		return fmt.Errorf("produce to %s: %w", topic, produceErr)
	}
	return nil
}

// Close flushes and closes the producer.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
}

var _ engine.Notifier = (*Producer)(nil)
