package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/kafka"
	"github.com/jmehdipour/ingest-gateway/internal/metrics"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"go.uber.org/zap"
)

// MessageSource is implemented by *kafka.Consumer.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// EventSink is implemented by repository.CHEventsRepository.
type EventSink interface {
	InsertBatch(ctx context.Context, events []model.Event) error
}

// EventProjector:
// - fetches event envelopes from Kafka,
// - buffers them into size/time bounded batches,
// - writes each batch to ClickHouse, then commits its offsets.
// Messages are handled in fetch order so a commit never skips an unwritten
// offset.
type EventProjector struct {
	Source MessageSource
	Sink   EventSink
	Log    *zap.Logger

	BatchSize int           // max buffered events per flush
	BatchWait time.Duration // max time to wait before flush
	RetryWait time.Duration // pause after a failed flush
}

func NewEventProjector(src MessageSource, sink EventSink, log *zap.Logger) *EventProjector {
	return &EventProjector{
		Source:    src,
		Sink:      sink,
		Log:       log,
		BatchSize: 500,
		BatchWait: time.Second,
		RetryWait: time.Second,
	}
}

type projected struct {
	event model.Event
	msg   kafka.Message
	skip  bool // poison message, commit only
}

// Run starts the projector and blocks until ctx is cancelled.
func (w *EventProjector) Run(ctx context.Context) error {
	if w.BatchSize <= 0 {
		w.BatchSize = 500
	}
	if w.BatchWait <= 0 {
		w.BatchWait = time.Second
	}
	if w.RetryWait <= 0 {
		w.RetryWait = time.Second
	}
	if w.Log == nil {
		w.Log = zap.NewNop()
	}

	in := make(chan projected, w.BatchSize)

	// Fetcher goroutine
	go func() {
		defer close(in)
		for {
			m, err := w.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.Log.Warn("projector kafka fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case in <- w.decode(m):
			case <-ctx.Done():
				return
			}
		}
	}()

	w.runBatchWriter(ctx, in)
	return nil
}

func (w *EventProjector) decode(m kafka.Message) projected {
	var env model.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.ID == "" {
		w.Log.Warn("projector dropping bad envelope",
			zap.String("topic", m.Topic),
			zap.Int64("offset", m.Offset),
			zap.Error(err),
		)
		return projected{msg: m, skip: true}
	}
	e := env.Event
	e.ID = env.ID
	return projected{event: e, msg: m}
}

func (w *EventProjector) runBatchWriter(ctx context.Context, in <-chan projected) {
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	var (
		events []model.Event
		msgs   []kafka.Message
	)

	// flush reports whether the buffer was persisted and committed.
	flush := func(ctx context.Context) bool {
		if len(msgs) == 0 {
			return true
		}
		if len(events) > 0 {
			if err := w.Sink.InsertBatch(ctx, events); err != nil {
				w.Log.Error("projector insert batch failed", zap.Int("events", len(events)), zap.Error(err))
				return false
			}
		}
		if err := w.Source.Commit(ctx, msgs...); err != nil {
			// rows are in ClickHouse; a replay is collapsed by the table engine
			w.Log.Warn("projector commit failed", zap.Error(err))
		}
		metrics.ProjectedEventsTotal.Add(float64(len(events)))
		w.Log.Debug("projector flushed", zap.Int("events", len(events)), zap.Int("messages", len(msgs)))
		events = events[:0]
		msgs = msgs[:0]
		return true
	}

	for {
		select {
		case <-ctx.Done():
			// best effort with a short deadline
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(fctx)
			cancel()
			return

		case p, ok := <-in:
			if !ok {
				fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				flush(fctx)
				cancel()
				return
			}
			if !p.skip {
				events = append(events, p.event)
			}
			msgs = append(msgs, p.msg)

			for len(msgs) >= w.BatchSize && !flush(ctx) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.RetryWait):
				}
			}

		case <-tick.C:
			flush(ctx)
		}
	}
}
