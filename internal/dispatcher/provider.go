package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/model"
)

// Sink receives usage alerts.
type Sink interface {
	Name() string
	Ready() bool
	Acquire() bool
	Deliver(ctx context.Context, alert model.UsageAlert) error
}

// HTTPSink posts alerts as JSON to a webhook URL behind a circuit breaker.
type HTTPSink struct {
	name   string
	url    string
	client *http.Client
	br     *MicroBreaker
}

func NewHTTPSink(name, url string, timeoutMs, failThreshold, openForMs int) *HTTPSink {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}

	if failThreshold <= 0 {
		failThreshold = 3
	}

	if openForMs <= 0 {
		openForMs = 15000
	}

	return &HTTPSink{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:     NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (s *HTTPSink) Name() string  { return s.name }
func (s *HTTPSink) Ready() bool   { return s.br.Ready() }
func (s *HTTPSink) Acquire() bool { return s.br.TryAcquire() }

func (s *HTTPSink) Deliver(ctx context.Context, alert model.UsageAlert) error {
	if err := s.post(ctx, alert); err != nil {
		s.br.OnFailure()
		return err
	}

	s.br.OnSuccess()

	return nil
}

// AlertKey identifies one threshold crossing; receivers can dedupe on it.
func AlertKey(a model.UsageAlert) string {
	return a.SubscriptionID + ":" + strconv.Itoa(a.Threshold)
}

func (s *HTTPSink) post(ctx context.Context, alert model.UsageAlert) error {
	b, _ := json.Marshal(alert)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", AlertKey(alert))

	res, err := s.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("endpoint=%s status=%d", s.name, res.StatusCode)
	}

	return nil
}
