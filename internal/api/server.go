package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/bl4ck0w1/certlynx/internal/batch"
	"github.com/bl4ck0w1/certlynx/internal/service"
	"github.com/bl4ck0w1/certlynx/internal/storage"
	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/bl4ck0w1/certlynx/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
)

const (
	BasePath    = "/api/v1/domains"
	ServiceName = "certlynx"
)

type Server struct {
	app     *fiber.App
	monitor *service.Monitor
	jobs    *JobRegistry
	config  models.APIConfig
	logger  *logrus.Logger
	metrics *utils.MetricsCollector
}

// NewServer wires the HTTP routes around monitor. metrics may be nil, in
// which case /metrics is not mounted.
func NewServer(cfg models.APIConfig, monitor *service.Monitor, logger *logrus.Logger, metrics *utils.MetricsCollector) (*Server, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = storage.DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = cfg.DefaultPageSize
	}
	// the cap wins over the default
	if cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = cfg.MaxPageSize
	}

	jobs, err := NewJobRegistry(cfg.JobCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create job registry: %w", err)
	}

	s := &Server{
		monitor: monitor,
		jobs:    jobs,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               ServiceName,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		UnescapePath:          true,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.app.Use(requestID())
	s.app.Use(accessLog(s.logger, s.metrics))
	s.app.Use(recover.New())

	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	g := s.app.Group(BasePath)
	g.Get("/health", s.health)
	g.Post("/check", s.checkDomains)
	g.Post("/check-async", s.checkDomainsAsync)
	g.Get("/jobs/:id", s.getJob)
	g.Get("/expiring", s.expiringSoon)
	g.Get("/:domain/history", s.history)
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	if addr == "" {
		addr = s.config.Listen
	}
	s.logger.WithField("addr", addr).Info("HTTP API listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	msg := err.Error()
	if code == fiber.StatusInternalServerError {
		utils.WithRequestID(s.logger, requestIDFrom(c)).WithError(err).Error("Unhandled API error")
		msg = "internal server error"
	}
	return c.Status(code).JSON(errorResponse{Error: msg})
}

func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, storage.ErrDomainNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrEmptyDomainList),
		errors.Is(err, service.ErrBlankDomain),
		errors.Is(err, service.ErrInvalidDays),
		errors.Is(err, models.ErrInvalidDomain):
		return fiber.StatusBadRequest
	case errors.Is(err, batch.ErrCoordinatorClosed),
		errors.Is(err, service.ErrMonitorClosed):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
