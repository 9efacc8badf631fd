// Package http serves the gate, the trial ledger and pattern analytics over
// a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/analytics"
	"github.com/fyrsmithlabs/patterngate/internal/gate"
	"github.com/fyrsmithlabs/patterngate/internal/logging"
	"github.com/fyrsmithlabs/patterngate/internal/model"
	"github.com/fyrsmithlabs/patterngate/internal/trial"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = "1M"

// Gate is the protocol surface behind /api/v1/gate.
type Gate interface {
	Discover(ctx context.Context, req gate.DiscoverRequest) (*gate.DiscoverResponse, error)
	FetchByName(ctx context.Context, req gate.FetchRequest) (*gate.FetchResponse, error)
	Validate(ctx context.Context, req gate.ValidateRequest) (*gate.ValidateResponse, error)
	SessionStatus(ctx context.Context, req gate.StatusRequest) (*gate.StatusResponse, error)
}

// Trials is the ledger surface behind /api/v1/trials.
type Trials interface {
	Start(ctx context.Context, deviceHash string, meta model.TrialMeta) (*model.TrialRecord, error)
	Extend(ctx context.Context, deviceHash string) (*model.TrialRecord, error)
	MarkConverted(ctx context.Context, deviceHash, ref string) (*model.TrialRecord, error)
	Flag(ctx context.Context, deviceHash, reason string) (*model.TrialRecord, error)
	Status(ctx context.Context, deviceHash string) (*trial.Status, error)
	StatusOf(rec *model.TrialRecord) *trial.Status
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string

	// AdminToken guards operator routes. Empty disables them.
	AdminToken string

	// TrialStartPerMinute and TrialStartBurst limit trial starts per client IP.
	TrialStartPerMinute float64
	TrialStartBurst     int
}

// Deps are the services the server exposes. Trials and Analytics are optional.
type Deps struct {
	Gate      Gate
	Trials    Trials
	Analytics *analytics.Aggregator
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	config  *Config
	logger  *logging.Logger
	limiter *ipLimiter
	metrics *HTTPMetrics
}

// NewServer creates a Server and registers its routes.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	if deps.Gate == nil {
		return nil, errors.New("gate is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
	}
	if cfg.TrialStartPerMinute <= 0 {
		cfg.TrialStartPerMinute = 10
	}
	if cfg.TrialStartBurst <= 0 {
		cfg.TrialStartBurst = 3
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		deps:    deps,
		config:  cfg,
		logger:  logger.Named("http"),
		limiter: newIPLimiter(cfg.TrialStartPerMinute, cfg.TrialStartBurst),
		metrics: NewHTTPMetrics(logger.Underlying()),
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodyBytes))
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	g := v1.Group("/gate", s.credentials)
	g.POST("/discover", s.handleDiscover)
	g.POST("/patterns", s.handleFetch)
	g.POST("/validate", s.handleValidate)
	g.GET("/sessions/:token", s.handleSessionStatus)

	if s.deps.Trials != nil {
		t := v1.Group("/trials")
		t.POST("", s.handleTrialStart, s.rateLimited)
		t.GET("/:deviceHash", s.handleTrialStatus)
		t.POST("/:deviceHash/extend", s.handleTrialExtend)
		t.POST("/:deviceHash/convert", s.handleTrialConvert, s.adminOnly)
		t.POST("/:deviceHash/flag", s.handleTrialFlag, s.adminOnly)
	}

	if s.deps.Analytics != nil {
		v1.GET("/analytics/patterns", s.handlePatternStats, s.adminOnly)
	}
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
