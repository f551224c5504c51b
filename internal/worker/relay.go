package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmehdipour/ingest-gateway/internal/kafka"
	"github.com/jmehdipour/ingest-gateway/internal/metrics"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"go.uber.org/zap"
)

// OutboxStore is the relay's view of the outbox table.
type OutboxStore interface {
	FetchUnpublished(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
	IncrementAttempts(ctx context.Context, ids []string, at time.Time) error
}

// Publisher is implemented by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// OutboxRelay copies committed outbox rows to Kafka. A row is marked
// published only after the broker acknowledged it, so delivery is at least
// once; consumers dedupe on the event id.
type OutboxRelay struct {
	Outbox    OutboxStore
	Publisher Publisher
	Log       *zap.Logger

	// Topics maps outbox topics to broker topic names; unmapped topics pass through.
	Topics       map[string]string
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   uint64
	Now          func() time.Time
}

func NewOutboxRelay(outbox OutboxStore, pub Publisher, log *zap.Logger) *OutboxRelay {
	return &OutboxRelay{
		Outbox:       outbox,
		Publisher:    pub,
		Log:          log,
		PollInterval: 500 * time.Millisecond,
		BatchSize:    200,
		MaxRetries:   3,
		Now:          time.Now,
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll.
func (r *OutboxRelay) Run(ctx context.Context) error {
	if r.PollInterval <= 0 {
		r.PollInterval = 500 * time.Millisecond
	}
	if r.Log == nil {
		r.Log = zap.NewNop()
	}

	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.Log.Warn("outbox relay pass failed", zap.Error(err))
		}
		if n >= r.batchSize() && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.PollInterval):
		}
	}
}

func (r *OutboxRelay) batchSize() int {
	if r.BatchSize <= 0 {
		return 200
	}
	return r.BatchSize
}

// RunOnce relays one batch and returns how many rows were published.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	now := r.now
	rows, err := r.Outbox.FetchUnpublished(ctx, r.batchSize())
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, kafka.Message{
			Topic: r.topicFor(row.Topic),
			Key:   []byte(row.AggregateID),
			Value: row.Payload,
			Headers: []kafka.Header{
				{Key: "outbox_id", Value: []byte(row.ID)},
				{Key: "aggregate", Value: []byte(row.Aggregate)},
			},
		})
		ids = append(ids, row.ID)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxElapsedTime = 0
	bkoff := backoff.WithContext(backoff.WithMaxRetries(eb, r.MaxRetries), ctx)

	err = backoff.Retry(func() error {
		return r.Publisher.Publish(ctx, msgs...)
	}, bkoff)
	if err != nil {
		for _, row := range rows {
			metrics.OutboxRelayedTotal.WithLabelValues(row.Topic, "failed").Inc()
		}
		if aerr := r.Outbox.IncrementAttempts(ctx, ids, now()); aerr != nil {
			err = errors.Join(err, aerr)
		}
		return 0, err
	}

	if err := r.Outbox.MarkPublished(ctx, ids, now()); err != nil {
		// rows will be published again on the next pass
		return 0, err
	}
	for _, row := range rows {
		metrics.OutboxRelayedTotal.WithLabelValues(row.Topic, "ok").Inc()
	}
	r.Log.Debug("outbox relayed", zap.Int("rows", len(rows)))
	return len(rows), nil
}

func (r *OutboxRelay) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

func (r *OutboxRelay) topicFor(topic string) string {
	if t, ok := r.Topics[topic]; ok && t != "" {
		return t
	}
	return topic
}
