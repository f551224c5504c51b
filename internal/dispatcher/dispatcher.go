package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jmehdipour/ingest-gateway/internal/model"
)

var (
	ErrNoHealthy = fmt.Errorf("no healthy endpoints")
	ErrNoAcquire = fmt.Errorf("endpoint not acquired")
)

// Dispatcher delivers usage alerts to the first healthy sink, round robin,
// retrying on another sink up to maxAttempts times.
type Dispatcher struct {
	sinks             []Sink
	roundRobinCounter atomic.Uint64
	maxAttempts       int
}

func NewDispatcher(sinks []Sink, maxAttempts int) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 3
	}

	return &Dispatcher{sinks: sinks, maxAttempts: maxAttempts}
}

func (d *Dispatcher) selectSink() (Sink, error) {
	healthy := make([]Sink, 0, len(d.sinks))
	for _, s := range d.sinks {
		if s.Ready() {
			healthy = append(healthy, s)
		}
	}

	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := d.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

func (d *Dispatcher) tryOnce(ctx context.Context, alert model.UsageAlert) (string, error) {
	s, err := d.selectSink()
	if err != nil {
		return "", err
	}

	if !s.Acquire() {
		return s.Name(), ErrNoAcquire
	}

	return s.Name(), s.Deliver(ctx, alert)
}

// Deliver returns the name of the sink that accepted the alert.
func (d *Dispatcher) Deliver(ctx context.Context, alert model.UsageAlert) (string, error) {
	var last error
	for i := 0; i < d.maxAttempts; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		name, err := d.tryOnce(ctx, alert)
		if err == nil {
			return name, nil
		}
		last = err
	}

	if last == nil {
		last = fmt.Errorf("deliver alert failed")
	}

	return "", last
}
