package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/genomeops/amr-service/internal/domain"
)

// maxInFlight caps concurrent record handlers per consumer. Matches the
// topic partition count so one worker can saturate its assignment.
const maxInFlight = 8

// AMRHandler runs one AMR task to completion.
type AMRHandler interface {
	Execute(ctx context.Context, payload domain.AMRTaskPayload) error
}

// BaktaHandler drives one annotation job to a terminal status.
type BaktaHandler interface {
	Run(ctx context.Context, jobID string) error
}

// Consumer polls both job topics and dispatches records to the handlers.
// Offsets are marked after a handler returns and auto-committed on an
// interval, so a handler may run for hours (annotation jobs poll a remote
// for up to a day) without holding any broker-side transaction open. A
// crashed worker redelivers unmarked records; handlers are idempotent on
// terminal jobs.
type Consumer struct {
	client *kgo.Client
	amr    AMRHandler
	bakta  BaktaHandler

	workers chan struct{}
	wg      sync.WaitGroup
}

// NewConsumer constructs a Consumer subscribed to both topics.
func NewConsumer(brokers []string, groupID string, amr AMRHandler, bakta BaktaHandler) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}

	ctx := context.Background()
	boot, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("bootstrap client: %w", err)
	}
	for _, topic := range []string{TopicAMR, TopicBakta} {
		if err := createTopicIfNotExists(ctx, boot, topic, 8, 1); err != nil {
			slog.Warn("topic creation failed, assuming it exists",
				slog.String("topic", topic), slog.Any("error", err))
		}
	}
	boot.Close()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(TopicAMR, TopicBakta),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("consumer client: %w", err)
	}
	return &Consumer{
		client:  client,
		amr:     amr,
		bakta:   bakta,
		workers: make(chan struct{}, maxInFlight),
	}, nil
}

// Run polls until ctx is cancelled. Blocking; call from its own goroutine.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("queue consumer started")
	defer c.wg.Wait()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if fe.Err == context.Canceled {
					return context.Canceled
				}
				slog.Error("fetch error", slog.String("topic", fe.Topic), slog.Any("error", fe.Err))
			}
			continue
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			select {
			case c.workers <- struct{}{}:
			case <-ctx.Done():
				return
			}
			c.wg.Add(1)
			go func(rec *kgo.Record) {
				defer c.wg.Done()
				defer func() { <-c.workers }()
				c.consume(ctx, rec)
			}(rec)
		})
	}
}

// consume runs the handler for one record and marks its offset for the
// next auto-commit. Handler failures still mark: the job row already
// carries the failure, and replaying the record cannot improve on it.
func (c *Consumer) consume(ctx context.Context, rec *kgo.Record) {
	c.dispatch(ctx, rec)
	if c.client != nil {
		c.client.MarkCommitRecords(rec)
	}
}

// dispatch decodes one record and hands it to the matching handler.
// Undecodable records are logged and dropped; retrying cannot fix them.
func (c *Consumer) dispatch(ctx context.Context, rec *kgo.Record) {
	switch rec.Topic {
	case TopicAMR:
		var payload domain.AMRTaskPayload
		if err := json.Unmarshal(rec.Value, &payload); err != nil {
			slog.Error("undecodable amr task dropped", slog.Any("error", err))
			return
		}
		if err := c.amr.Execute(ctx, payload); err != nil {
			slog.Error("amr task failed", slog.String("job_id", payload.JobID), slog.Any("error", err))
		}
	case TopicBakta:
		var payload domain.BaktaTaskPayload
		if err := json.Unmarshal(rec.Value, &payload); err != nil {
			slog.Error("undecodable bakta task dropped", slog.Any("error", err))
			return
		}
		if err := c.bakta.Run(ctx, payload.JobID); err != nil {
			slog.Error("bakta task failed", slog.String("job_id", payload.JobID), slog.Any("error", err))
		}
	default:
		slog.Warn("record on unexpected topic", slog.String("topic", rec.Topic))
	}
}

// Close releases the underlying client.
func (c *Consumer) Close() { c.client.Close() }
