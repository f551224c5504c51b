package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/metrics"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"github.com/jmehdipour/ingest-gateway/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// PlanLookup reads plans inside the subscribe transaction.
type PlanLookup interface {
	Get(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Plan, error)
}

// Service admits events against the owner's subscription. The event row,
// the counter increment and the outbox rows commit together or not at all.
type Service struct {
	db     *sqlx.DB
	subs   repository.SubscriptionsRepository
	events repository.EventsRepository
	outbox repository.OutboxRepository
	plans  PlanLookup

	now func() time.Time
	log *zap.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithLogger(l *zap.Logger) Option       { return func(s *Service) { s.log = l } }

// New constructs the metering service.
func New(
	db *sqlx.DB,
	subsRepo repository.SubscriptionsRepository,
	eventsRepo repository.EventsRepository,
	outboxRepo repository.OutboxRepository,
	plans PlanLookup,
	opts ...Option,
) *Service {
	s := &Service{
		db:     db,
		subs:   subsRepo,
		events: eventsRepo,
		outbox: outboxRepo,
		plans:  plans,
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type AdmitRequest struct {
	OwnerID   string
	ProjectID string
	APIKeyID  string
	Event     model.Event
	// IdempotencyKey deduplicates retries per owner. A fresh ULID is used
	// when empty.
	IdempotencyKey string
}

type AdmitResult struct {
	EventID   string
	Duplicate bool
	Consumed  int64
	Limit     int64
}

// Admit charges one event to the owner's active subscription and records it.
func (s *Service) Admit(ctx context.Context, req AdmitRequest) (*AdmitResult, error) {
	res, err := s.admit(ctx, req)
	switch {
	case err == nil && res.Duplicate:
		metrics.EventsTotal.WithLabelValues("duplicate").Inc()
	case err == nil:
		metrics.EventsTotal.WithLabelValues("admitted").Inc()
	case errors.Is(err, ErrNoActiveSubscription):
		metrics.EventsTotal.WithLabelValues("no_subscription").Inc()
	case errors.Is(err, ErrQuotaExceeded):
		metrics.EventsTotal.WithLabelValues("quota_exceeded").Inc()
	default:
		metrics.EventsTotal.WithLabelValues("error").Inc()
	}
	return res, err
}

func (s *Service) admit(ctx context.Context, req AdmitRequest) (*AdmitResult, error) {
	now := s.now().UTC()
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = util.NewIDAt(now)
	}

	e := req.Event
	e.ID = util.NewIDAt(now)
	e.OwnerID = req.OwnerID
	e.ProjectID = req.ProjectID
	e.APIKeyID = req.APIKeyID
	e.IdempotencyKey = req.IdempotencyKey
	e.CreatedAt = now
	if e.Type == "" {
		e.Type = model.EventTypeLog
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.OccurredAt = e.OccurredAt.UTC()

	payload, err := json.Marshal(model.Envelope{ID: e.ID, OwnerID: e.OwnerID, ProjectID: e.ProjectID, Event: e})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, repository.Transient(err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := s.subs.GetActiveByOwner(ctx, tx, req.OwnerID)
	if err != nil {
		return nil, repository.Transient(fmt.Errorf("get subscription: %w", err))
	}
	if sub == nil || !sub.InPeriod(now) {
		return nil, ErrNoActiveSubscription
	}

	dup, err := s.events.GetByIdem(ctx, tx, req.OwnerID, req.IdempotencyKey)
	if err != nil {
		return nil, repository.Transient(fmt.Errorf("idempotency lookup: %w", err))
	}
	if dup != nil {
		return &AdmitResult{EventID: dup.ID, Duplicate: true, Consumed: sub.Consumed, Limit: sub.EventLimit}, nil
	}

	ok, err := s.subs.IncrementConsumed(ctx, tx, sub.ID, 1, now)
	if err != nil {
		return nil, repository.Transient(fmt.Errorf("increment consumed: %w", err))
	}
	if !ok {
		// sub was read before the guarded update; report the count it lost to
		current, err := s.subs.GetConsumed(ctx, tx, sub.ID)
		if err != nil {
			current = sub.EventLimit
		}
		return nil, &QuotaError{SubscriptionID: sub.ID, Limit: sub.EventLimit, Consumed: current}
	}

	consumed, err := s.subs.GetConsumed(ctx, tx, sub.ID)
	if err != nil {
		return nil, repository.Transient(fmt.Errorf("read consumed: %w", err))
	}

	if err := s.events.Insert(ctx, tx, e); err != nil {
		_ = tx.Rollback()
		// a concurrent request with the same key may have won the unique index
		if prior, lerr := s.events.GetByIdem(ctx, s.db, req.OwnerID, req.IdempotencyKey); lerr == nil && prior != nil {
			return &AdmitResult{EventID: prior.ID, Duplicate: true, Consumed: sub.Consumed, Limit: sub.EventLimit}, nil
		}
		return nil, repository.Transient(fmt.Errorf("insert event: %w", err))
	}

	if err := s.outbox.Insert(ctx, tx, model.OutboxEvent{
		ID:          util.NewIDAt(now),
		Aggregate:   "event",
		AggregateID: e.ID,
		Topic:       model.TopicEventsIngested,
		Payload:     payload,
		CreatedAt:   now,
	}); err != nil {
		return nil, repository.Transient(fmt.Errorf("insert outbox: %w", err))
	}

	for _, pct := range sub.ThresholdsReached(consumed) {
		alert, err := json.Marshal(model.UsageAlert{
			SubscriptionID: sub.ID,
			OwnerID:        sub.OwnerID,
			ProjectID:      e.ProjectID,
			Threshold:      pct,
			Consumed:       consumed,
			Limit:          sub.EventLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal usage alert: %w", err)
		}
		if err := s.outbox.Insert(ctx, tx, model.OutboxEvent{
			ID:          util.NewIDAt(now),
			Aggregate:   "subscription",
			AggregateID: sub.ID,
			Topic:       model.TopicUsageAlerts,
			Payload:     alert,
			CreatedAt:   now,
		}); err != nil {
			return nil, repository.Transient(fmt.Errorf("insert alert outbox: %w", err))
		}
		s.log.Info("usage threshold reached",
			zap.String("subscription_id", sub.ID),
			zap.Int("threshold", pct),
			zap.Int64("consumed", consumed),
			zap.Int64("limit", sub.EventLimit),
		)
	}

	if err := tx.Commit(); err != nil {
		return nil, repository.Transient(err)
	}
	return &AdmitResult{EventID: e.ID, Consumed: consumed, Limit: sub.EventLimit}, nil
}

// Usage returns the owner's subscription for the current period.
func (s *Service) Usage(ctx context.Context, ownerID string) (*model.Subscription, error) {
	sub, err := s.subs.GetActiveByOwner(ctx, s.db, ownerID)
	if err != nil {
		return nil, repository.Transient(err)
	}
	if sub == nil || !sub.InPeriod(s.now().UTC()) {
		return nil, ErrNoActiveSubscription
	}
	return sub, nil
}

// Subscribe supersedes the owner's active subscription with a fresh one on
// planID. The plan's limit and thresholds are copied; consumed starts at 0.
func (s *Service) Subscribe(ctx context.Context, ownerID, planID string, start, end time.Time) (*model.Subscription, error) {
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return nil, ErrInvalidPeriod
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, repository.Transient(err)
	}
	defer func() { _ = tx.Rollback() }()

	plan, err := s.plans.Get(ctx, tx, planID)
	if err != nil {
		return nil, repository.Transient(fmt.Errorf("get plan: %w", err))
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}

	if err := s.subs.DeactivateByOwner(ctx, tx, ownerID, now); err != nil {
		return nil, repository.Transient(fmt.Errorf("deactivate subscriptions: %w", err))
	}

	sub := model.Subscription{
		ID:              util.NewIDAt(now),
		OwnerID:         ownerID,
		PlanID:          plan.ID,
		EventLimit:      plan.EventLimit,
		AlertThresholds: plan.AlertThresholds,
		PeriodStart:     start,
		PeriodEnd:       end,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.subs.Insert(ctx, tx, sub); err != nil {
		return nil, repository.Transient(fmt.Errorf("insert subscription: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, repository.Transient(err)
	}

	s.log.Info("subscription created",
		zap.String("owner_id", ownerID),
		zap.String("plan_id", plan.ID),
		zap.Int64("event_limit", plan.EventLimit),
	)
	return &sub, nil
}
