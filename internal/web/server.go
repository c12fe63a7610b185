// Package web serves the dashboard, the live WebSocket and event-stream
// endpoints, the historical JSON API and the operational endpoints.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"procodus.dev/sensor-monitor/internal/device"
	"procodus.dev/sensor-monitor/internal/history"
	"procodus.dev/sensor-monitor/internal/hub"
	"procodus.dev/sensor-monitor/internal/session"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

// Hub is what the web server needs from the broadcast hub.
type Hub interface {
	session.Subscriber
	Count(channel hub.Channel) int
}

// DeviceStatus reports the device link state.
type DeviceStatus interface {
	State() device.State
}

// SensorInfo describes the monitored sensor on the dashboard.
type SensorInfo struct {
	ID       string
	Name     string
	Location string
}

// Server is the HTTP front of the monitor.
type Server struct {
	logger   *slog.Logger
	config   *ServerConfig
	history  *history.Handlers
	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger
	Hub    Hub
	Store  store.Gateway
	Device DeviceStatus
	Sensor SensorInfo

	// HTTPPort is only required by Run.
	HTTPPort int

	// WebSocket keep-alive tuning; zero values take the session defaults.
	WebSocket session.WebSocketOptions

	// Metrics and SessionMetrics are optional.
	Metrics        *metrics.HTTPMetrics
	SessionMetrics *metrics.SessionMetrics
}

// NewServer creates a new Server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Device == nil {
		return nil, errors.New("device status cannot be nil")
	}
	if cfg.HTTPPort < 0 {
		return nil, errors.New("HTTP port cannot be negative")
	}

	log := logger.ForComponent(cfg.Logger, "web")
	h, err := history.NewHandlers(log, cfg.Store)
	if err != nil {
		return nil, err
	}

	return &Server{
		logger:  log,
		config:  cfg,
		history: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}, nil
}

// Handler returns the routed handler wrapped in the metrics middleware.
func (s *Server) Handler() http.Handler {
	return s.instrument(s.setupRoutes())
}

// Run serves on HTTPPort until ctx is canceled, then shuts down gracefully.
// Live sessions end with ctx because request contexts derive from it.
func (s *Server) Run(ctx context.Context) error {
	if s.config.HTTPPort <= 0 {
		return errors.New("HTTP port must be positive")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", "address", srv.Addr)

	httpErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-httpErr:
		return err
	}
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown HTTP server", "error", err)
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/historical-data/", s.history.Readings)
	mux.HandleFunc("GET /api/security-events/", s.history.Alerts)

	mux.HandleFunc("GET /ws/sensors/", s.handleWebSocket(hub.Telemetry))
	mux.HandleFunc("GET /ws/alerts/", s.handleWebSocket(hub.Alerts))
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /{$}", s.handleIndex)

	return mux
}
