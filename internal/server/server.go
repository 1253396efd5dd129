package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/Tyrowin/fanout/internal/config"
	"github.com/Tyrowin/fanout/internal/metrics"
)

// Server holds the HTTP surface in front of a Hub.
type Server struct {
	hub      *Hub
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	origins  *originPolicy
	ingress  *ingressLimiter
	upgrader websocket.Upgrader
	proc     *process.Process
}

// NewServer builds the HTTP surface for hub. A nil gatherer serves the
// default Prometheus registry.
func NewServer(hub *Hub, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		hub:      hub,
		cfg:      *cfg,
		logger:   logger,
		metrics:  m,
		gatherer: gatherer,
		origins:  newOriginPolicy(cfg.Server.AllowedOrigins, logger),
		ingress:  newIngressLimiter(cfg.Ingress),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	} else {
		logger.Warn("process stats unavailable", "error", err)
	}
	return s
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	logger.Info("HTTP server shutdown completed")
	return nil
}
