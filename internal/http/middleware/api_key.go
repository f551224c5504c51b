package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jmehdipour/ingest-gateway/internal/apikey"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
)

const ctxPrincipal = "principal"

// KeyValidator is implemented by *apikey.Validator.
type KeyValidator interface {
	Validate(ctx context.Context, req apikey.ValidateRequest) (*apikey.Principal, error)
}

// PrincipalFromCtx returns the principal stored by RequireAPIKey or Authorize.
func PrincipalFromCtx(c echo.Context) (*apikey.Principal, bool) {
	p, ok := c.Get(ctxPrincipal).(*apikey.Principal)
	return p, ok && p != nil
}

// APIKeyFromRequest reads X-API-Key, falling back to a Bearer token.
func APIKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := strings.TrimSpace(r.Header.Get(echo.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// ScopeFunc extracts the project the request targets.
type ScopeFunc func(c echo.Context) string

func ScopeParam(name string) ScopeFunc { return func(c echo.Context) string { return c.Param(name) } }
func ScopeQuery(name string) ScopeFunc {
	return func(c echo.Context) string { return c.QueryParam(name) }
}

// RequireAPIKey authorizes the request for capability on the scope returned
// by scope and stores the principal in the context.
func RequireAPIKey(v KeyValidator, capability model.Capability, scope ScopeFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, err := Authorize(c, v, scope(c), capability); err != nil {
				return err
			}
			return next(c)
		}
	}
}

// Authorize validates the request's key for capability on scopeID. Handlers
// that learn the scope from the body call it directly after binding.
// The returned error is an *echo.HTTPError safe to return as is.
func Authorize(c echo.Context, v KeyValidator, scopeID string, capability model.Capability) (*apikey.Principal, error) {
	p, err := v.Validate(c.Request().Context(), apikey.ValidateRequest{
		Key:        APIKeyFromRequest(c.Request()),
		ScopeID:    scopeID,
		Capability: capability,
		RemoteIP:   c.RealIP(),
	})
	if err != nil {
		return nil, authError(c, err)
	}
	c.Set(ctxPrincipal, p)
	return p, nil
}

func authError(c echo.Context, err error) *echo.HTTPError {
	var ae *apikey.Error
	switch {
	case errors.As(err, &ae) && ae.Class == apikey.ClassAuthorization:
		return echo.NewHTTPError(http.StatusForbidden, ae.PublicMessage())
	case errors.As(err, &ae):
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="ingest"`)
		return echo.NewHTTPError(http.StatusUnauthorized, ae.PublicMessage())
	case errors.Is(err, repository.ErrTransient):
		c.Logger().Errorf("api key lookup failed: %v", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable")
	default:
		c.Logger().Errorf("api key validation failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "auth error")
	}
}
