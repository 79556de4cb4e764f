package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaNotifier publishes notices to a Kafka topic, keyed by patient ID so
// notices for one patient stay ordered within a partition.
type KafkaNotifier struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

func NewKafkaNotifier(brokers []string, topic string, logger *slog.Logger) (*KafkaNotifier, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaNotifier{
		client: client,
		topic:  topic,
		logger: logger.With("component", "notifier"),
	}, nil
}

// Publish produces asynchronously. Delivery failures are logged; notices are
// best effort and must not fail the originating operation.
func (n *KafkaNotifier) Publish(ctx context.Context, notice Notice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	record := &kgo.Record{
		Topic: n.topic,
		Key:   []byte(notice.PatientID),
		Value: payload,
	}
	n.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			n.logger.Error("publish notice failed", "kind", string(notice.Kind), "error", err)
		}
	})
	return nil
}

// Close flushes pending records and releases the client.
func (n *KafkaNotifier) Close(ctx context.Context) error {
	if err := n.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush kafka client: %w", err)
	}
	n.client.Close()
	return nil
}
