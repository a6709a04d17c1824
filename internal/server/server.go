// Package server exposes the gateway over HTTP: completion endpoints,
// SSE and websocket streaming, usage monitoring, and runtime settings.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"aibridge/internal/config"
	"aibridge/internal/models"
	"aibridge/internal/provider"
	"aibridge/internal/router"
	"aibridge/internal/runtime"
	"aibridge/internal/usage"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readHeaderTimeout   = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// Server wires the orchestrator, usage tracker, and runtime settings into
// an echo application.
type Server struct {
	cfg      config.Config
	router   *router.Router
	tracker  *usage.Tracker
	settings *runtime.Settings
	app      *echo.Echo
	address  string
}

// New constructs the HTTP server with routing and middleware.
func New(cfg config.Config, rt *router.Router, tracker *usage.Tracker, settings *runtime.Settings) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if tracker == nil {
		return nil, errors.New("usage tracker must not be nil")
	}
	if settings == nil {
		return nil, errors.New("runtime settings must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))

	srv := &Server{
		cfg:      cfg,
		router:   rt,
		tracker:  tracker,
		settings: settings,
		app:      e,
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:              s.address,
		Handler:           s.app,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.GET("/healthz", s.handleHealth)
	s.app.POST("/chat/completions", s.handleChatCompletion)
	s.app.POST("/chat/completions/stream", s.handleChatCompletionStream)
	s.app.GET("/ws/chat", s.handleChatSocket)
	s.app.GET("/models", s.handleListModels)
	s.app.GET("/usage", s.handleUsage)
	s.app.GET("/ws/usage", s.handleUsageSocket)
	s.app.GET("/settings", s.handleGetSettings)
	s.app.PUT("/settings", s.handleUpdateSettings)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletion(c echo.Context) error {
	var req models.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.router.Complete(c.Request().Context(), req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleChatCompletionStream relays chunks as server-sent events. Failures
// after the stream has opened are delivered as a single error event on the
// open connection rather than an abrupt disconnect.
func (s *Server) handleChatCompletionStream(c echo.Context) error {
	var req models.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	events, err := s.router.Stream(ctx, req)
	if err != nil {
		return toHTTPError(err)
	}

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	for ev := range events {
		payload := any(ev.Chunk)
		if ev.Err != nil {
			payload = map[string]string{"error": errorMessage(ev.Err)}
		}
		if err := writeSSEData(writer, payload); err != nil {
			return nil // caller went away; the context cancels the stream
		}
		flusher.Flush()
		if ev.Err != nil {
			return nil
		}
	}
	return nil
}

func (s *Server) handleListModels(c echo.Context) error {
	list := s.router.ListModels(c.Request().Context())
	if list == nil {
		list = []models.ModelInfo{}
	}
	return c.JSON(http.StatusOK, map[string]any{"models": list})
}

func (s *Server) handleUsage(c echo.Context) error {
	return c.JSON(http.StatusOK, s.tracker.Current())
}

func (s *Server) handleGetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, s.settings.View())
}

func (s *Server) handleUpdateSettings(c echo.Context) error {
	var upd models.SettingsUpdate
	if err := decodeRequestBody(c, &upd); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.settings.Update(upd))
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	return c.JSON(status, payload)
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		_ = writeError(c, echoErr.Code, fmt.Sprintf("%v", echoErr.Message), "invalid_request_error")
		return
	}

	slog.Error("unhandled error", "error", err)
	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error")
}

// toHTTPError maps the provider error taxonomy onto response statuses: an
// unknown provider or malformed schema is the client's fault, a missing
// credential is a server configuration fault, and an upstream failure keeps
// the backend's own status code.
func toHTTPError(err error) error {
	if errors.Is(err, provider.ErrUnknownProvider) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}
	if errors.Is(err, provider.ErrMalformedSchema) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}

	var cfgErr *provider.ConfigError
	if errors.As(err, &cfgErr) {
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: cfgErr.Error(),
			Type:    "configuration_error",
		}
	}

	var upErr *provider.UpstreamError
	if errors.As(err, &upErr) {
		status := upErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return requestError{
			Status:  status,
			Message: upErr.Message,
			Type:    "upstream_error",
		}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}

func errorMessage(err error) string {
	var upErr *provider.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Message
	}
	return err.Error()
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
