package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmehdipour/ingest-gateway/internal/config"
	"github.com/jmehdipour/ingest-gateway/internal/http/middleware"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"github.com/jmehdipour/ingest-gateway/internal/service/metering"
	"github.com/jmehdipour/ingest-gateway/internal/util"
	"github.com/labstack/echo/v4"
)

// Meter is implemented by *metering.Service.
type Meter interface {
	Admit(ctx context.Context, req metering.AdmitRequest) (*metering.AdmitResult, error)
	Usage(ctx context.Context, ownerID string) (*model.Subscription, error)
}

type ingestEventReq struct {
	ProjectID  string         `json:"project_id"  validate:"required,max=64"`
	Type       string         `json:"type"        validate:"omitempty,oneof=log crash custom"`
	Level      string         `json:"level"       validate:"omitempty,oneof=debug info warn error fatal"`
	Message    string         `json:"message"     validate:"required,max=8192"`
	Attributes map[string]any `json:"attributes"  validate:"max=64"`
	OccurredAt *time.Time     `json:"occurred_at"`
}

const maxIdempotencyKeyLen = 128

func ingestEventsHandler(v middleware.KeyValidator, limiter *middleware.RateLimiter, meter Meter, retry config.MeteringConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req ingestEventReq
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "bad request")
		}
		req.ProjectID = strings.TrimSpace(req.ProjectID)
		req.Message = strings.TrimSpace(req.Message)
		if err := c.Validate(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, validationMessage(err))
		}

		idem := strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))
		if len(idem) > maxIdempotencyKeyLen {
			return echo.NewHTTPError(http.StatusBadRequest, "idempotency key too long")
		}

		p, err := middleware.Authorize(c, v, req.ProjectID, model.CapabilityWrite)
		if err != nil {
			return err
		}
		if err := limiter.Check(c); err != nil {
			return err
		}

		if idem == "" {
			// server-side retries below must hit the same key
			idem = util.NewID()
		}

		typ, _ := model.ParseEventType(req.Type)
		ev := model.Event{
			Type:       typ,
			Level:      model.Level(req.Level),
			Message:    req.Message,
			Attributes: req.Attributes,
		}
		if req.OccurredAt != nil {
			ev.OccurredAt = *req.OccurredAt
		}

		res, err := admitWithRetry(c.Request().Context(), meter, retry, metering.AdmitRequest{
			OwnerID:        p.OwnerID,
			ProjectID:      p.ProjectID,
			APIKeyID:       p.KeyID,
			Event:          ev,
			IdempotencyKey: idem,
		})
		if err != nil {
			var qe *metering.QuotaError
			switch {
			case errors.As(err, &qe):
				return c.JSON(http.StatusPaymentRequired, map[string]any{
					"error":       "event_limit_exceeded",
					"description": "event limit exceeded",
					"limit":       qe.Limit,
					"consumed":    qe.Consumed,
				})
			case errors.Is(err, metering.ErrNoActiveSubscription):
				return c.JSON(http.StatusPaymentRequired, map[string]any{
					"error":       "no_active_subscription",
					"description": "the account has no active subscription for the current period",
				})
			case errors.Is(err, repository.ErrTransient):
				c.Logger().Errorf("admit failed: %v", err)
				return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable")
			default:
				return err
			}
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"id":        res.EventID,
			"duplicate": res.Duplicate,
		})
	}
}

// admitWithRetry retries transient failures with exponential backoff. The
// idempotency key makes a retried admission that already committed a no-op.
func admitWithRetry(ctx context.Context, meter Meter, cfg config.MeteringConfig, req metering.AdmitRequest) (*metering.AdmitResult, error) {
	eb := backoff.NewExponentialBackOff()
	if cfg.RetryInitialInterval > 0 {
		eb.InitialInterval = cfg.RetryInitialInterval
	}
	if cfg.RetryMaxInterval > 0 {
		eb.MaxInterval = cfg.RetryMaxInterval
	}
	eb.MaxElapsedTime = 0

	attempts := cfg.RetryAttempts
	if attempts < 0 {
		attempts = 0
	}
	bkoff := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts)), ctx)

	var res *metering.AdmitResult
	err := backoff.Retry(func() error {
		r, err := meter.Admit(ctx, req)
		if err != nil {
			if errors.Is(err, repository.ErrTransient) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}, bkoff)
	return res, err
}
