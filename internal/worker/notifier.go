package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/dispatcher"
	"github.com/jmehdipour/ingest-gateway/internal/kafka"
	"github.com/jmehdipour/ingest-gateway/internal/metrics"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"go.uber.org/zap"
)

// AlertDeliverer is implemented by *dispatcher.Dispatcher.
type AlertDeliverer interface {
	Deliver(ctx context.Context, alert model.UsageAlert) (string, error)
}

// AlertNotifier fans usage alerts from Kafka out to a pool of processors
// that deliver them through the dispatcher.
type AlertNotifier struct {
	Source   MessageSource
	Dispatch AlertDeliverer
	Log      *zap.Logger

	Workers int // number of goroutines delivering alerts
}

func NewAlertNotifier(src MessageSource, d AlertDeliverer, log *zap.Logger) *AlertNotifier {
	return &AlertNotifier{Source: src, Dispatch: d, Log: log, Workers: 8}
}

// Run starts the notifier and blocks until ctx is cancelled and in-flight
// deliveries have finished.
func (w *AlertNotifier) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 8
	}
	if w.Log == nil {
		w.Log = zap.NewNop()
	}

	msgCh := make(chan kafka.Message, w.Workers*2)

	// Fetcher goroutine
	go func() {
		defer close(msgCh)
		for {
			m, err := w.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.Log.Warn("notifier kafka fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgCh {
				w.processOne(ctx, m)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (w *AlertNotifier) processOne(ctx context.Context, m kafka.Message) {
	var alert model.UsageAlert
	if err := json.Unmarshal(m.Value, &alert); err != nil || alert.SubscriptionID == "" {
		w.Log.Warn("notifier dropping bad alert", zap.Int64("offset", m.Offset), zap.Error(err))
		w.commit(ctx, m) // poison → commit, skip
		return
	}

	endpoint, err := w.Dispatch.Deliver(ctx, alert)
	if err != nil {
		if ctx.Err() != nil {
			// leave uncommitted for the next run
			return
		}
		metrics.AlertsTotal.WithLabelValues("none", "failed").Inc()
		w.Log.Error("usage alert not delivered",
			zap.String("alert", dispatcher.AlertKey(alert)),
			zap.String("owner_id", alert.OwnerID),
			zap.Error(err),
		)
	} else {
		metrics.AlertsTotal.WithLabelValues(endpoint, "delivered").Inc()
		w.Log.Info("usage alert delivered",
			zap.String("alert", dispatcher.AlertKey(alert)),
			zap.String("endpoint", endpoint),
		)
	}

	// Always commit; an undeliverable alert is logged and counted
	w.commit(ctx, m)
}

func (w *AlertNotifier) commit(ctx context.Context, m kafka.Message) {
	if err := w.Source.Commit(ctx, m); err != nil && ctx.Err() == nil {
		w.Log.Warn("notifier commit failed", zap.Error(err))
	}
}
