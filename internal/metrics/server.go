package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foxzi/sendgate/internal/ipfilter"
)

// Server serves Prometheus metrics over HTTP
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	addr       string
	path       string
	filter     *ipfilter.Filter
	logger     *slog.Logger
}

// NewServer creates a metrics HTTP server. filter may be nil.
func NewServer(m *Metrics, addr, path string, filter *ipfilter.Filter, logger *slog.Logger) *Server {
	if addr == "" {
		addr = ":9090"
	}
	if path == "" {
		path = "/metrics"
	}
	if filter == nil {
		filter = ipfilter.New(nil, false, logger)
	}
	if filter.Enabled() {
		logger.Info("metrics IP filtering enabled", "allowed_networks", filter.Count())
	}

	return &Server{
		metrics: m,
		addr:    addr,
		path:    path,
		filter:  filter,
		logger:  logger,
	}
}

// Handler returns the metrics mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	handler := promhttp.HandlerFor(
		s.metrics.Registry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)
	mux.Handle(s.path, s.filter.Middleware(handler))

	// No IP filtering, load balancers poll this
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return mux
}

// ListenAndServe starts the metrics HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting metrics server", "addr", s.addr, "path", s.path)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}
