package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/apikey"
	"github.com/jmehdipour/ingest-gateway/internal/http/middleware"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
)

// KeyIssuer is implemented by *apikey.Issuer.
type KeyIssuer interface {
	Issue(ctx context.Context, req apikey.IssueRequest) (string, *model.APIKey, error)
	Revoke(ctx context.Context, projectID, keyID string) error
	List(ctx context.Context, projectID string) ([]model.APIKey, error)
}

type createKeyReq struct {
	Name         string     `json:"name"           validate:"max=128"`
	Capabilities []string   `json:"capabilities"   validate:"required,min=1,dive,oneof=read write admin"`
	ExpiresAt    *time.Time `json:"expires_at"`
	AllowedIPs   []string   `json:"allowed_ips"    validate:"max=32,dive,cidr|ip"`
	RateLimitRPS *int       `json:"rate_limit_rps" validate:"omitempty,min=1"`
}

type keyView struct {
	ID           string              `json:"id"`
	ProjectID    string              `json:"project_id"`
	Name         string              `json:"name"`
	Capabilities model.CapabilitySet `json:"capabilities"`
	Status       string              `json:"status"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
	AllowedIPs   []string            `json:"allowed_ips,omitempty"`
	RateLimitRPS *int                `json:"rate_limit_rps,omitempty"`
	LastUsedAt   *time.Time          `json:"last_used_at,omitempty"`
	TotalUses    int64               `json:"total_uses"`
	CreatedAt    time.Time           `json:"created_at"`
}

func toKeyView(k model.APIKey, now time.Time) keyView {
	return keyView{
		ID:           k.ID,
		ProjectID:    k.ProjectID,
		Name:         k.Name,
		Capabilities: k.Capabilities,
		Status:       k.Status(now),
		ExpiresAt:    k.ExpiresAt,
		AllowedIPs:   k.AllowedIPs,
		RateLimitRPS: k.RateLimitRPS,
		LastUsedAt:   k.LastUsedAt,
		TotalUses:    k.TotalUses,
		CreatedAt:    k.CreatedAt,
	}
}

func createKeyHandler(issuer KeyIssuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, ok := middleware.PrincipalFromCtx(c)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
		}

		var req createKeyReq
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "bad request")
		}
		if err := c.Validate(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, validationMessage(err))
		}

		caps, err := model.ParseCapabilitySet(strings.Join(req.Capabilities, ","))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		raw, k, err := issuer.Issue(c.Request().Context(), apikey.IssueRequest{
			OwnerID:      p.OwnerID,
			ProjectID:    c.Param("project"),
			Name:         strings.TrimSpace(req.Name),
			Capabilities: caps,
			ExpiresAt:    req.ExpiresAt,
			AllowedIPs:   req.AllowedIPs,
			RateLimitRPS: req.RateLimitRPS,
		})
		if err != nil {
			return issuerError(err)
		}

		return c.JSON(http.StatusCreated, map[string]any{
			"key":     raw,
			"api_key": toKeyView(*k, k.CreatedAt),
		})
	}
}

func listKeysHandler(issuer KeyIssuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		keys, err := issuer.List(c.Request().Context(), c.Param("project"))
		if err != nil {
			return issuerError(err)
		}
		now := time.Now()
		out := make([]keyView, 0, len(keys))
		for _, k := range keys {
			out = append(out, toKeyView(k, now))
		}
		return c.JSON(http.StatusOK, map[string]any{"count": len(out), "results": out})
	}
}

func revokeKeyHandler(issuer KeyIssuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := issuer.Revoke(c.Request().Context(), c.Param("project"), c.Param("id")); err != nil {
			return issuerError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func issuerError(err error) error {
	switch {
	case errors.Is(err, apikey.ErrInvalidKeySpec):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, apikey.ErrKeyNotFound), errors.Is(err, apikey.ErrProjectNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable")
	}
}
