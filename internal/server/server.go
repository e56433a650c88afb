// Package server exposes the pipeline over HTTP with server-sent events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/spigell/fitcheck/internal/logger"
	"github.com/spigell/fitcheck/internal/pipeline"
	"github.com/spigell/fitcheck/internal/stream"
)

// Analyzer starts a pipeline run. *pipeline.Orchestrator implements it.
type Analyzer interface {
	Stream(ctx context.Context, query string) (*stream.Bridge, <-chan pipeline.Result)
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	analyzer Analyzer
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// NewServer wires the routes. gatherer backs GET /metrics and may be nil.
func NewServer(analyzer Analyzer, gatherer prometheus.Gatherer, log *zap.Logger, cfg *Config) (*Server, error) {
	if analyzer == nil {
		return nil, fmt.Errorf("analyzer cannot be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			log.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String(logger.FieldRequestID, c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		analyzer: analyzer,
		logger:   log,
		config:   cfg,
	}

	s.registerRoutes(gatherer)

	return s, nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/analyze", s.handleAnalyze)
}

// AnalyzeRequest is the request body for POST /api/v1/analyze.
type AnalyzeRequest struct {
	Query string `json:"query"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleAnalyze validates the query and streams the run as text/event-stream.
// Once streaming has started every failure is reported as an error event.
func (s *Server) handleAnalyze(c echo.Context) error {
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid analyze request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	query, err := pipeline.ValidateQuery(req.Query)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	bridge, done := s.analyzer.Stream(ctx, query)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	err = bridge.Drain(ctx, func(ev stream.Event) error {
		if err := stream.WriteSSE(res, ev); err != nil {
			return err
		}
		res.Flush()
		return nil
	})
	if err != nil {
		// The client went away; the run stops with the request context.
		s.logger.Info("analyze stream closed early",
			zap.String(logger.FieldRequestID, res.Header().Get(echo.HeaderXRequestID)),
			zap.Error(err),
		)
		return nil
	}

	result := <-done
	s.logger.Info("analyze finished",
		zap.String("run_id", result.RequestID),
		zap.String("terminal", string(result.Terminal)),
		zap.String("code", result.Code),
		zap.Duration("duration", result.Duration),
	)

	return nil
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
