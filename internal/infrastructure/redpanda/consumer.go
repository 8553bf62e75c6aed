package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clinicore/task-engine/internal/domain/rule"
	"github.com/clinicore/task-engine/pkg/workerpool"
)

// ConsumerConfig holds configuration for the trigger-event consumer.
type ConsumerConfig struct {
	Brokers           []string
	GroupID           string
	Topic             string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	// StartOffset is "earliest" or "latest".
	StartOffset string
}

// DefaultConsumerConfig returns defaults for trigger processing. Offsets
// are committed manually, and only after the handler has accepted the
// record; redelivery duplicates are absorbed by the execution log's dedupe
// probe.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "task-rule-engine",
		Topic:             TopicTriggerEvents,
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		StartOffset:       "earliest",
	}
}

// TriggerHandler processes one decoded trigger event to completion. A
// returned error leaves the offset at this record so it is redelivered.
type TriggerHandler func(ctx context.Context, event *rule.TriggerEvent) error

// Consumer reads trigger events from Redpanda and hands them to the engine.
// Each fetched partition batch becomes one worker-pool job, so partitions
// process in parallel while records within a partition stay ordered. A
// record's offset is marked only after its handler returns, never before.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	handler TriggerHandler
	pool    *workerpool.Pool
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a trigger-event consumer dispatching through pool.
func NewConsumer(cfg ConsumerConfig, pool *workerpool.Pool, handler TriggerHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("trigger handler is required")
	}
	if pool == nil {
		return nil, errors.New("worker pool is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.DisableAutoCommit(),
	}

	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	opts = append(opts,
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		pool:    pool,
		logger:  logger,
		tracer:  otel.Tracer("trigger-consumer"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming trigger events.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop drains the consumer and commits offsets marked so far.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				c.logger.Error("fetch error",
					zap.String("topic", err.Topic),
					zap.Int32("partition", err.Partition),
					zap.Error(err.Err))
			}
			continue
		}

		// One job per partition: partitions fan out across the pool,
		// records within a partition stay in order.
		var batch sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			records := p.Records
			if len(records) == 0 {
				return
			}
			batch.Add(1)
			job := &workerpool.Job{
				ID:      fmt.Sprintf("%s/%d", p.Topic, p.Partition),
				Context: c.ctx,
				Run: func(ctx context.Context) error {
					defer batch.Done()
					c.processPartition(ctx, records, func(r *kgo.Record) {
						c.client.MarkCommitRecords(r)
					})
					return nil
				},
			}
			if err := c.pool.Submit(job); err != nil {
				c.logger.Warn("pool rejected partition batch, processing inline",
					zap.String("job_id", job.ID),
					zap.Error(err))
				job.Run(c.ctx)
			}
		})
		batch.Wait()

		// Commit everything marked in this batch. Records past an unmarked
		// failure stay uncommitted and come back on redelivery.
		if err := c.client.CommitUncommittedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
	}
}

// processPartition handles one partition's records in order. Marking stops
// at the first failed record: neither it nor anything after it in the
// partition may be committed, or the failure would be silently dropped.
func (c *Consumer) processPartition(ctx context.Context, records []*kgo.Record, mark func(*kgo.Record)) {
	for _, record := range records {
		if !c.handleRecord(ctx, record) {
			return
		}
		mark(record)
	}
}

// handleRecord decodes and dispatches one record, reporting whether the
// offset may advance past it.
func (c *Consumer) handleRecord(ctx context.Context, record *kgo.Record) bool {
	ctx, span := c.tracer.Start(ctx, "consume_trigger",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	var event rule.TriggerEvent
	if err := json.Unmarshal(record.Value, &event); err != nil {
		// Undecodable record: advance past it, redelivery cannot fix it.
		c.logger.Error("undecodable trigger record",
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		return true
	}
	span.SetAttributes(
		attribute.String("org_id", event.OrgID),
		attribute.String("event_type", event.EventType),
	)

	if err := c.handler(ctx, &event); err != nil {
		c.logger.Error("trigger handler failed",
			zap.String("org_id", event.OrgID),
			zap.String("event_type", event.EventType),
			zap.String("dedupe_key", event.DedupeKey),
			zap.Error(err))
		span.RecordError(err)
		return false
	}
	return true
}
