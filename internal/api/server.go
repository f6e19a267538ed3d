package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/sendgate/internal/auth"
	"github.com/foxzi/sendgate/internal/config"
	"github.com/foxzi/sendgate/internal/dnscheck"
	"github.com/foxzi/sendgate/internal/events"
	"github.com/foxzi/sendgate/internal/gate"
	"github.com/foxzi/sendgate/internal/health"
	"github.com/foxzi/sendgate/internal/ipfilter"
	"github.com/foxzi/sendgate/internal/metrics"
	"github.com/foxzi/sendgate/internal/presend"
	"github.com/foxzi/sendgate/internal/quota"
	"github.com/foxzi/sendgate/internal/suppression"
)

// Services are the components exposed over HTTP. Quotas, DNS and Auth
// may be nil; their routes then answer 501.
type Services struct {
	Checker      *presend.Checker
	Gate         *gate.Gate
	Suppressions *suppression.Registry
	Domains      health.Store
	Events       *events.Processor
	Quotas       *quota.Limiter
	DNS          *dnscheck.Checker
	Auth         *auth.Authenticator

	DKIMSelector string
	Version      string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	svc        Services
	config     *config.APIConfig
	filter     *ipfilter.Filter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	startTime  time.Time
	now        func() time.Time
}

// NewServer creates a new API server. m may be nil.
func NewServer(svc Services, cfg *config.APIConfig, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		svc:       svc,
		config:    cfg,
		filter:    ipfilter.New(cfg.AllowedIPs, cfg.TrustProxy, logger),
		metrics:   m,
		logger:    logger,
		startTime: time.Now(),
		now:       time.Now,
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware(s.metrics))

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware)
		r.Use(s.bodyLimitMiddleware)

		// Provider callbacks carry their own secret
		r.With(s.webhookAuthMiddleware).Post("/webhooks/events", s.handleWebhookEvent)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/presend", s.handlePreSend)
			r.Post("/presend/admit", s.handleAdmit)
			r.Post("/spam/score", s.handleSpamScore)

			r.Route("/suppressions", func(r chi.Router) {
				r.Get("/", s.handleSuppressionsList)
				r.Post("/", s.handleSuppressionsAdd)
				r.Post("/check", s.handleSuppressionsCheck)
				r.Delete("/{tenant}/{email}", s.handleSuppressionsRemove)
			})

			r.Route("/domains/{id}", func(r chi.Router) {
				r.Get("/", s.handleDomainGet)
				r.Get("/warmup", s.handleDomainWarmup)
				r.Post("/verify", s.handleDomainVerify)
				r.Post("/unsuspend", s.handleDomainUnsuspend)
			})

			r.Post("/quota/{domain}", s.handleQuotaCheck)
			r.Get("/quota/{level}/{key}", s.handleQuotaStats)

			r.Post("/auth/login", s.handleLogin)
		})
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
