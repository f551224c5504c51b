package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/ingest-gateway/internal/http/middleware"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"github.com/jmehdipour/ingest-gateway/internal/service/metering"
	echo "github.com/labstack/echo/v4"
)

func usageHandler(meter Meter) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, ok := middleware.PrincipalFromCtx(c)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
		}

		sub, err := meter.Usage(c.Request().Context(), p.OwnerID)
		switch {
		case errors.Is(err, metering.ErrNoActiveSubscription):
			return c.JSON(http.StatusPaymentRequired, map[string]any{
				"error":       "no_active_subscription",
				"description": "the account has no active subscription for the current period",
			})
		case errors.Is(err, repository.ErrTransient):
			return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable")
		case err != nil:
			return err
		}

		return c.JSON(http.StatusOK, map[string]any{
			"subscription_id": sub.ID,
			"plan_id":         sub.PlanID,
			"event_limit":     sub.EventLimit,
			"consumed":        sub.Consumed,
			"remaining":       sub.Remaining(),
			"period_start":    sub.PeriodStart,
			"period_end":      sub.PeriodEnd,
		})
	}
}
