// Package httpapi exposes the orchestrator over HTTP so several workers can
// coordinate on one store.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jorge-barreto/stepwise/internal/fault"
	"github.com/jorge-barreto/stepwise/internal/manifest"
	"github.com/jorge-barreto/stepwise/internal/metrics"
	"github.com/jorge-barreto/stepwise/internal/orchestrator"
	"github.com/jorge-barreto/stepwise/internal/store"
)

// Server provides the /v1 API plus health and metrics endpoints.
type Server struct {
	echo    *echo.Echo
	orch    *orchestrator.Orchestrator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// maxBodySize caps request bodies; manifests and outputs maps are small.
const maxBodySize = "1M"

type options struct {
	ratePerSecond float64
	burst         int
}

// Option configures a Server.
type Option func(*options)

// WithRateLimit limits each client IP to perSecond requests with the given
// burst. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.ratePerSecond = perSecond
		o.burst = burst
	}
}

// NewServer wires routes onto a fresh echo instance. m may be nil, in which
// case /metrics is not served.
func NewServer(orch *orchestrator.Orchestrator, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodySize))
	if o.ratePerSecond > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool { return c.Path() == "/healthz" },
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(o.ratePerSecond),
				Burst:     o.burst,
				ExpiresIn: 10 * time.Minute,
			}),
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				logger.Warn("rate limit exceeded", zap.String("ip", identifier))
				return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
			},
		}))
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, orch: orch, metrics: m, logger: logger}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.echo.Group("/v1")
	v1.GET("/definitions", s.handleDefinitions)
	v1.GET("/plan", s.handlePlan)
	v1.POST("/features", s.handleStart)
	v1.GET("/features", s.handleList)
	v1.GET("/features/:id", s.handleGet)
	v1.GET("/features/:id/next", s.handleNext)
	v1.POST("/features/:id/steps/:step/begin", s.handleBegin)
	v1.POST("/features/:id/steps/:step/complete", s.handleComplete)
	v1.POST("/features/:id/steps/:step/await-gate", s.handleAwaitGate)
	v1.POST("/features/:id/steps/:step/fail", s.handleFail)
	v1.POST("/features/:id/steps/:step/reset", s.handleReset)
	v1.POST("/features/:id/steps/:step/gate", s.handleGate)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting http server", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// ErrorResponse is the body of every non-2xx reply. Manifest is set when
// the request was committed but still reported an error (RetryExhausted).
type ErrorResponse struct {
	Error    string             `json:"error"`
	Kind     string             `json:"kind,omitempty"`
	Manifest *manifest.Manifest `json:"manifest,omitempty"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, store.ErrInvalidFeatureID) {
		return http.StatusBadRequest
	}
	switch fault.KindOf(err) {
	case fault.DefinitionError:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.DuplicateFeature, fault.IllegalTransition, fault.NoPendingGate, fault.VersionConflict:
		return http.StatusConflict
	case fault.MissingOutputs:
		return http.StatusUnprocessableEntity
	case fault.RetryExhausted:
		return http.StatusLocked
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c echo.Context, err error, m *manifest.Manifest) error {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}
	resp := ErrorResponse{Error: err.Error(), Manifest: m}
	if k := fault.KindOf(err); k != "" {
		resp.Kind = string(k)
	}
	return c.JSON(status, resp)
}
