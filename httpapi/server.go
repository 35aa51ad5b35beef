package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/isdmx/runmeter/config"
	"github.com/isdmx/runmeter/metrics"
	"github.com/isdmx/runmeter/sandbox"
)

const healthTimeout = 2 * time.Second

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Pinger reports whether the container runtime is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the REST front end of the executor.
type Server struct {
	app      *fiber.App
	logger   *zap.Logger
	executor sandbox.Executor
	registry *sandbox.Registry
	runtime  Pinger
	addr     string

	limiter   *clientLimiter
	sweepCtx  context.Context
	stopSweep context.CancelFunc
}

// New builds the fiber app and registers every route.
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor, registry *sandbox.Registry, rt Pinger, m *metrics.Metrics) *Server {
	s := &Server{
		logger:   logger,
		executor: executor,
		registry: registry,
		runtime:  rt,
		addr:     fmt.Sprintf(":%d", cfg.Server.HTTPPort),
	}
	s.sweepCtx, s.stopSweep = context.WithCancel(context.Background())
	s.app = fiber.New(fiber.Config{
		AppName:               "runmeter",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(s.logRequest)

	execute := []fiber.Handler{s.handleExecute}
	if cfg.Server.RateLimitRPS > 0 {
		var onLimit func()
		if m != nil {
			onLimit = m.ObserveRateLimited
		}
		s.limiter = newClientLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, onLimit)
		execute = append([]fiber.Handler{s.limiter.middleware}, execute...)
	}

	s.app.Post("/execute", execute...)
	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/languages", s.handleLanguages)
	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown is called. Idle rate limit buckets are swept
// while the server runs.
func (s *Server) Listen() error {
	if s.limiter != nil {
		go s.limiter.run(s.sweepCtx, limiterSweepInterval)
	}
	s.logger.Info("starting REST server", zap.String("addr", s.addr))
	return s.app.Listen(s.addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopSweep()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleExecute(c *fiber.Ctx) error {
	var req ExecuteRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Code == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Missing code")
	}

	res, err := s.executor.Execute(c.UserContext(), sandbox.Submission{Language: req.Language, Code: req.Code})
	payload := sandbox.Assemble(res, err)
	if payload.Status >= http.StatusInternalServerError {
		s.logger.Error("execution failed", zap.String("language", req.Language), zap.Error(err))
	}
	return c.Status(payload.Status).JSON(payload)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()
	if err := s.runtime.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unavailable",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleLanguages(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"languages": s.registry.Languages()})
}

// handleError renders every error in the same {"error": ...} shape as
// execution failures.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	msg := err.Error()
	if fe != nil {
		msg = fe.Message
	}
	return c.Status(code).JSON(sandbox.ErrorPayload{Error: msg})
}

func (s *Server) logRequest(c *fiber.Ctx) error {
	began := time.Now()
	err := c.Next()
	s.logger.Debug("request handled",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("duration", time.Since(began)))
	return err
}
