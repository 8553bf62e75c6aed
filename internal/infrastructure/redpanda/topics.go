// Package redpanda provides the Kafka-compatible event transport for the
// rule engine: the trigger-event consumer and the task-event producer.
package redpanda

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topics used by the engine. Producer modules (lab, imaging, scheduling,
// forms) publish trigger events; the engine publishes task notifications.
const (
	TopicTriggerEvents = "clinical.trigger-events"
	TopicTaskEvents    = "clinical.task-events"
)

// TopicSpec describes one topic to ensure at startup.
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// DefaultTopics partitions trigger events by org so per-org ordering is
// preserved within a partition while orgs process in parallel.
func DefaultTopics() []TopicSpec {
	return []TopicSpec{
		{Name: TopicTriggerEvents, Partitions: 12, ReplicationFactor: 1},
		{Name: TopicTaskEvents, Partitions: 6, ReplicationFactor: 1},
	}
}

// EnsureTopics creates any missing topics. Existing topics are left alone.
func EnsureTopics(ctx context.Context, brokers []string, specs []TopicSpec, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer client.Close()

	admin := kadm.NewClient(client)

	existing, err := admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, spec := range specs {
		if existing.Has(spec.Name) {
			continue
		}
		if _, err := admin.CreateTopic(ctx, spec.Partitions, spec.ReplicationFactor, nil, spec.Name); err != nil {
			return fmt.Errorf("create topic %s: %w", spec.Name, err)
		}
		logger.Info("topic created",
			zap.String("topic", spec.Name),
			zap.Int32("partitions", spec.Partitions))
	}
	return nil
}
