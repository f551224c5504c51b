package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/apikey"
	"github.com/jmehdipour/ingest-gateway/internal/config"
	"github.com/jmehdipour/ingest-gateway/internal/http/middleware"
	"github.com/jmehdipour/ingest-gateway/internal/metrics"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"github.com/jmehdipour/ingest-gateway/internal/service/metering"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps are the collaborators the router needs.
type Deps struct {
	Validator middleware.KeyValidator
	Issuer    KeyIssuer
	Metering  Meter
	Reports   repository.CHEventsRepository
	Limiter   *middleware.RateLimiter
	Retry     config.MeteringConfig
	// TrustedProxies are CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string
	Log            *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client, logger *zap.Logger) *Server {
	// repos (MySQL)
	keysRepo := repository.NewCachedAPIKeysRepository(
		repository.NewAPIKeysRepository(mysqlDB), rds, cfg.APIKey.CacheTTL, logger,
	)
	projectsRepo := repository.NewProjectsRepository(mysqlDB)
	plansRepo := repository.NewPlansRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)

	// repos (ClickHouse)
	chEventsRepo := repository.NewCHEventsRepository(clickhouseDB)

	// services
	hasher := apikey.NewHasher(cfg.APIKey.BcryptCost)
	keyOpts := []apikey.Option{apikey.WithPrefix(cfg.APIKey.Prefix), apikey.WithLogger(logger)}
	meteringSvc := metering.New(
		mysqlDB,
		repository.NewSubscriptionsRepository(),
		repository.NewEventsRepository(),
		outboxRepo,
		plansRepo,
		metering.WithLogger(logger),
	)

	e := NewRouter(Deps{
		Validator: apikey.NewValidator(keysRepo, hasher, keyOpts...),
		Issuer:    apikey.NewIssuer(keysRepo, projectsRepo, hasher, keyOpts...),
		Metering:  meteringSvc,
		Reports:   chEventsRepo,
		Limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{
			Redis:          rds,
			DefaultRPS:     cfg.RateLimit.RPS,
			KeyPrefix:      "rl:key:",
			Window:         time.Second,
			RetryAfterHint: true,
		}),
		Retry:          cfg.Metering,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		Log:            logger,
	})

	metrics.MustRegister(prometheus.DefaultRegisterer)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{e: e, log: logger}
}

// NewRouter wires routes and middleware without touching global state.
func NewRouter(d Deps) *echo.Echo {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Limiter == nil {
		d.Limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{})
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.OFF)
	e.IPExtractor = clientIPExtractor(d.TrustedProxies, d.Log)
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = errorHandler(d.Log)
	e.Use(echoMid.Recover(), requestLogger(d.Log))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	v1 := e.Group("/v1")

	// scope comes from the body, so the handler authorizes after binding
	v1.POST("/events", ingestEventsHandler(d.Validator, d.Limiter, d.Metering, d.Retry))

	read := func(scope middleware.ScopeFunc) []echo.MiddlewareFunc {
		return []echo.MiddlewareFunc{middleware.RequireAPIKey(d.Validator, model.CapabilityRead, scope), d.Limiter.Middleware()}
	}
	v1.GET("/projects/:project/events", listEventsHandler(d.Reports), read(middleware.ScopeParam("project"))...)
	v1.GET("/usage", usageHandler(d.Metering), read(middleware.ScopeQuery("project"))...)

	admin := v1.Group("/projects/:project/keys",
		middleware.RequireAPIKey(d.Validator, model.CapabilityAdmin, middleware.ScopeParam("project")),
		d.Limiter.Middleware(),
	)
	admin.POST("", createKeyHandler(d.Issuer))
	admin.GET("", listKeysHandler(d.Issuer))
	admin.DELETE("/:id", revokeKeyHandler(d.Issuer))

	return e
}

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
