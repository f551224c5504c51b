package middleware

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig config for Redis-based RPS limiter.
type RateLimitConfig struct {
	Redis          *redis.Client
	DefaultRPS     int           // fallback if the key has no rate_limit_rps
	KeyPrefix      string        // e.g. "rl:key:"
	Window         time.Duration // usually 1s
	RetryAfterHint bool          // set Retry-After header when limited
	Now            func() time.Time
}

// RateLimiter is a fixed-window per-API-key limiter.
type RateLimiter struct {
	cfg RateLimitConfig
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:key:"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RateLimiter{cfg: cfg}
}

// Middleware applies Check after RequireAPIKey has run.
func (l *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := l.Check(c); err != nil {
				return err
			}
			return next(c)
		}
	}
}

// Check counts the request against the principal's window and returns a 429
// HTTPError once the limit is passed. Requests without a principal, and all
// requests while Redis is unavailable, are let through.
func (l *RateLimiter) Check(c echo.Context) error {
	p, ok := PrincipalFromCtx(c)
	if !ok {
		return nil
	}

	max := l.cfg.DefaultRPS
	if p.RateLimitRPS > 0 {
		max = p.RateLimitRPS
	}
	if max <= 0 || l.cfg.Redis == nil {
		// no limit configured or redis missing (dev): allow
		return nil
	}

	// fixed-window key: rl:key:{id}:{window index}
	now := l.cfg.Now()
	window := now.UnixNano() / int64(l.cfg.Window)
	key := l.cfg.KeyPrefix + p.KeyID + ":" + strconv.FormatInt(window, 10)

	ctx := c.Request().Context()
	pipe := l.cfg.Redis.Pipeline()
	cnt := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.cfg.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		c.Logger().Warnf("rate limit redis: %v", err)
		return nil
	}

	if cnt.Val() <= int64(max) {
		return nil
	}
	if l.cfg.RetryAfterHint {
		remain := l.cfg.Window - time.Duration(now.UnixNano()%int64(l.cfg.Window))
		secs := int(remain.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	}
	return echo.NewHTTPError(http.StatusTooManyRequests, "rate limited")
}
