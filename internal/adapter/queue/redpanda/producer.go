// Package redpanda carries job dispatch between the API server and the
// worker over Kafka with transactional, exactly-once publishing.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/genomeops/amr-service/internal/domain"
)

const (
	// TopicAMR carries prediction, aggregation, and visualization tasks.
	TopicAMR = "amr-jobs"
	// TopicBakta carries annotation orchestration tasks.
	TopicBakta = "bakta-jobs"
)

// Producer implements domain.Queue over a transactional Kafka client.
type Producer struct {
	client *kgo.Client
	// txn serializes transactions; franz-go allows one per client.
	txn chan struct{}
}

// NewProducer constructs a Producer and ensures both topics exist.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "amr-service-producer")
}

// NewProducerWithTransactionalID allows tests to isolate transactional ids.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	ctx := context.Background()
	for _, topic := range []string{TopicAMR, TopicBakta} {
		if err := createTopicIfNotExists(ctx, client, topic, 8, 1); err != nil {
			slog.Warn("topic creation failed, assuming it exists",
				slog.String("topic", topic), slog.Any("error", err))
		}
	}
	return &Producer{client: client, txn: make(chan struct{}, 1)}, nil
}

// EnqueueAMR publishes an AMR task keyed by job id.
func (p *Producer) EnqueueAMR(ctx context.Context, payload domain.AMRTaskPayload) error {
	return p.produce(ctx, TopicAMR, payload.JobID, payload)
}

// EnqueueBakta publishes a Bakta task keyed by job id.
func (p *Producer) EnqueueBakta(ctx context.Context, payload domain.BaktaTaskPayload) error {
	return p.produce(ctx, TopicBakta, payload.JobID, payload)
}

func (p *Producer) produce(ctx context.Context, topic, key string, payload any) error {
	select {
	case p.txn <- struct{}{}:
		defer func() { <-p.txn }()
	case <-ctx.Done():
		return ctx.Err()
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=queue.begin: %w", err)
	}
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: b}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("transaction abort failed", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=queue.produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=queue.commit: %w", err)
	}
	slog.Debug("task enqueued", slog.String("topic", topic), slog.String("job_id", key))
	return nil
}

// Close flushes and releases the underlying client.
func (p *Producer) Close() { p.client.Close() }
