package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names for the medication domain.
const (
	TopicPrescriptionEvents   = "medication.prescription.events"
	TopicAdministrationEvents = "medication.administration.events"
	TopicInventoryMovements   = "inventory.movements"
	TopicReconciliationEvents = "reconciliation.events"
	TopicAuditTrail           = "audit.trail"
	TopicDeadLetter           = "dead.letter"
)

// TopicConfig holds configuration for one topic.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the medication topic set. Retention on the
// audit and inventory topics is long because downstream compliance tooling
// replays them.
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }

	eventConfig := func(retentionMS string) map[string]*string {
		return map[string]*string{
			"retention.ms":        ptr(retentionMS),
			"cleanup.policy":      ptr("delete"),
			"compression.type":    ptr("snappy"),
			"min.insync.replicas": ptr("1"), // set to 2 in production
		}
	}

	return []TopicConfig{
		{
			Name:              TopicPrescriptionEvents,
			Partitions:        6,
			ReplicationFactor: 1,                        // set to 3 in production
			Configs:           eventConfig("604800000"), // 7 days
		},
		{
			Name:              TopicAdministrationEvents,
			Partitions:        6,
			ReplicationFactor: 1,
			Configs:           eventConfig("2592000000"), // 30 days
		},
		{
			Name:              TopicInventoryMovements,
			Partitions:        3,
			ReplicationFactor: 1,
			Configs:           eventConfig("2592000000"), // 30 days
		},
		{
			Name:              TopicReconciliationEvents,
			Partitions:        3,
			ReplicationFactor: 1,
			Configs:           eventConfig("2592000000"),
		},
		{
			Name:              TopicAuditTrail,
			Partitions:        6,
			ReplicationFactor: 1,
			Configs:           eventConfig("2592000000"),
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        3,
			ReplicationFactor: 1,
			Configs:           eventConfig("604800000"),
		},
	}
}

// Admin provides topic administration for Redpanda.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the given topics, tolerating ones that already exist.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
		for _, r := range resp {
			if r.Err != nil {
				if r.Err.Error() == "TOPIC_ALREADY_EXISTS" {
					a.logger.Info("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics creates every medication topic that does not exist yet.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// ListTopics lists all topic names.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	var names []string
	for _, t := range topics {
		names = append(names, t.Topic)
	}
	return names, nil
}

// GetConsumerGroupLag returns per-topic, per-partition lag for a group.
func (a *Admin) GetConsumerGroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("consumer group lag: %w", err)
	}

	result := make(map[string]map[int32]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if result[topic] == nil {
				result[topic] = make(map[int32]int64)
			}
			for partition, lag := range partitions {
				result[topic][partition] = lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client.
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies broker connectivity.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
