package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/config"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/logger"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/modules"
)

// Enqueuer publishes a task payload under a routing key.
type Enqueuer interface {
	Enqueue(ctx context.Context, routingKey string, payload []byte) (string, error)
}

type MetricsSource interface {
	GetMetrics() map[string]modules.TaskMetrics
}

type APIServer struct {
	addr      string
	routes    *modules.RoutingTable
	publisher Enqueuer
	reporter  MetricsSource
	inFlight  func() int64
	app       *fiber.App
	logger    *logger.Logger
}

// APIError represents an error response
type APIError struct {
	Error string `json:"error"`
}

// APIResponse represents a success response
type APIResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type Option func(*APIServer)

// WithMetrics serves the reporter's daily metrics on /metrics.
func WithMetrics(m MetricsSource) Option {
	return func(s *APIServer) { s.reporter = m }
}

// WithInFlight adds the consumer's in-flight handler count to /health.
func WithInFlight(fn func() int64) Option {
	return func(s *APIServer) { s.inFlight = fn }
}

func NewAPIServer(cfg config.ServerConfig, routes *modules.RoutingTable, publisher Enqueuer, log *logger.Logger, opts ...Option) *APIServer {
	s := &APIServer{
		addr:      cfg.Address(),
		routes:    routes,
		publisher: publisher,
		logger:    log.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(s.logRequest)

	s.app.Get("/health", s.handleHealth)
	s.app.Get("/routes", s.handleRoutes)
	s.app.Get("/metrics", s.handleMetrics)
	s.app.Post("/tasks/:key", s.handleEnqueue)
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *APIServer) App() *fiber.App {
	return s.app
}

func (s *APIServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("API server starting", "addr", s.addr)
		errCh <- s.app.Listen(s.addr)
	}()

	// Wait for context cancellation to stop server
	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return err
	}
}

func (s *APIServer) Stop() error {
	s.logger.Infow("shutting down API server")
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

// Middleware for logging requests
func (s *APIServer) logRequest(c *fiber.Ctx) error {
	start := time.Now()
	reqID := c.Get(fiber.HeaderXRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	c.Set(fiber.HeaderXRequestID, reqID)

	err := c.Next()
	s.logger.Infow("http_access",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"latency_ms", time.Since(start).Milliseconds(),
		"request_id", reqID,
	)
	return err
}

func (s *APIServer) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Errorw("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(APIError{Error: err.Error()})
}

// Health check handler
func (s *APIServer) handleHealth(c *fiber.Ctx) error {
	data := fiber.Map{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	}
	if s.inFlight != nil {
		data["in_flight"] = s.inFlight()
	}
	return c.JSON(APIResponse{Message: "OK", Data: data})
}

func (s *APIServer) handleRoutes(c *fiber.Ctx) error {
	return c.JSON(APIResponse{
		Message: "Routes retrieved successfully",
		Data:    s.routes.Keys(),
	})
}

// Metrics handler
func (s *APIServer) handleMetrics(c *fiber.Ctx) error {
	if s.reporter == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "Metrics not available")
	}
	return c.JSON(APIResponse{
		Message: "Metrics retrieved successfully",
		Data:    s.reporter.GetMetrics(),
	})
}

// handleEnqueue publishes the request body as a task under :key. Only keys
// the worker has a handler for are accepted.
func (s *APIServer) handleEnqueue(c *fiber.Ctx) error {
	key := c.Params("key")
	if _, ok := s.routes.Lookup(key); !ok {
		return fiber.NewError(fiber.StatusNotFound, "no handler for routing key "+key)
	}

	body := c.Body()
	if !json.Valid(body) {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	// fiber reuses the request buffer once the handler returns.
	payload := append([]byte(nil), body...)

	msgID, err := s.publisher.Enqueue(c.UserContext(), key, payload)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(APIResponse{
		Message: "Task enqueued",
		Data: fiber.Map{
			"routing_key": key,
			"msg_id":      msgID,
		},
	})
}
