package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/sendgate/internal/api"
	"github.com/foxzi/sendgate/internal/auth"
	"github.com/foxzi/sendgate/internal/config"
	"github.com/foxzi/sendgate/internal/dns"
	"github.com/foxzi/sendgate/internal/dnscheck"
	"github.com/foxzi/sendgate/internal/events"
	"github.com/foxzi/sendgate/internal/gate"
	"github.com/foxzi/sendgate/internal/health"
	"github.com/foxzi/sendgate/internal/ipfilter"
	"github.com/foxzi/sendgate/internal/metrics"
	"github.com/foxzi/sendgate/internal/presend"
	"github.com/foxzi/sendgate/internal/quota"
	"github.com/foxzi/sendgate/internal/ratelimit"
	"github.com/foxzi/sendgate/internal/storage"
	"github.com/foxzi/sendgate/internal/suppression"
)

// App is the main application
type App struct {
	config        *config.Config
	stores        *storage.Stores
	metrics       *metrics.Metrics
	apiServer     *api.Server
	metricsServer *metrics.Server
	sweeper       *health.Sweeper
	quotas        *quota.Limiter
	limiters      []*ratelimit.Limiter
	redis         *redis.Client
	logger        *slog.Logger
}

// New creates a new application
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging, os.Stdout)
	m := metrics.New()

	stores, err := storage.Open(ctx, storage.Options{
		Backend:      cfg.Storage.Backend,
		Path:         cfg.Storage.Path,
		DSN:          cfg.Storage.DSN,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &App{
		config:  cfg,
		stores:  stores,
		metrics: m,
		logger:  logger,
	}

	if err := a.build(ctx, version); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, version string) error {
	cfg, logger, m := a.config, a.logger, a.metrics

	quotas, err := quota.NewLimiter(a.stores.Bolt(), cfg.Quota)
	if err != nil {
		return fmt.Errorf("failed to create quota limiter: %w", err)
	}
	a.quotas = quotas

	guard, err := a.loginGuard(ctx)
	if err != nil {
		return err
	}

	registry := suppression.NewRegistry(a.stores.Suppressions, logger.With("component", "suppression"))
	checker := presend.NewChecker(a.stores.Health, registry, cfg.PreSend, m, logger.With("component", "presend"))
	resolver := dns.NewResolver(nil, cfg.DNS.CacheTTL)

	a.apiServer = api.NewServer(api.Services{
		Checker:      checker,
		Gate:         gate.New(checker, quotas, a.stores.Health, m, logger.With("component", "gate")),
		Suppressions: registry,
		Domains:      a.stores.Health,
		Events:       events.NewProcessor(registry, a.stores.Health, m, logger.With("component", "events")),
		Quotas:       quotas,
		DNS:          dnscheck.New(resolver),
		Auth:         auth.New(cfg.Auth.Users, guard, logger.With("component", "auth")),
		DKIMSelector: cfg.DNS.DKIMSelector,
		Version:      version,
	}, &cfg.API, m, logger.With("component", "api"))

	a.sweeper = health.NewSweeper(a.stores.Health, health.SweeperConfig{
		Interval:  cfg.Health.SweepInterval,
		MinVolume: cfg.Health.MinVolume,
	}, m, logger.With("component", "health_sweeper"))

	if cfg.Metrics.Enabled {
		metricsLogger := logger.With("component", "metrics")
		filter := ipfilter.New(cfg.Metrics.AllowedIPs, false, metricsLogger)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, filter, metricsLogger)
	}

	return nil
}

// loginGuard builds the email and IP limiters on the configured backend
func (a *App) loginGuard(ctx context.Context) (*ratelimit.LoginGuard, error) {
	cfg := a.config.RateLimit
	logger := a.logger.With("component", "ratelimit")

	emailCfg := limiterConfig(cfg.Email)
	ipCfg := limiterConfig(cfg.IP)
	hook := func(scope string) ratelimit.Option {
		return ratelimit.WithLockoutHook(func(key string, until time.Time) {
			a.metrics.IncLockout(scope)
			logger.Warn("login identifier locked out", "scope", scope, "key", key, "until", until)
		})
	}

	var email, ip ratelimit.Guard
	switch cfg.Backend {
	case "redis":
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		email = ratelimit.NewRedisLimiter(client, cfg.KeyPrefix+":"+ratelimit.ScopeEmail, emailCfg, hook(ratelimit.ScopeEmail))
		ip = ratelimit.NewRedisLimiter(client, cfg.KeyPrefix+":"+ratelimit.ScopeIP, ipCfg, hook(ratelimit.ScopeIP))
		logger.Info("login rate limiting on redis")
	default:
		emailLimiter := ratelimit.New(emailCfg, ratelimit.WithSweepInterval(cfg.SweepInterval), hook(ratelimit.ScopeEmail))
		ipLimiter := ratelimit.New(ipCfg, ratelimit.WithSweepInterval(cfg.SweepInterval), hook(ratelimit.ScopeIP))
		a.limiters = append(a.limiters, emailLimiter, ipLimiter)
		email, ip = emailLimiter, ipLimiter
	}

	return ratelimit.NewLoginGuard(email, ip, a.metrics, logger), nil
}

func limiterConfig(c config.LimitConfig) ratelimit.Config {
	return ratelimit.Config{
		MaxRequests:       c.MaxRequests,
		Window:            c.Window,
		LockoutMultiplier: c.LockoutMultiplier,
	}
}

// Handler returns the API handler
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting sendgate",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Backend,
		"rate_limit", a.config.RateLimit.Backend,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, l := range a.limiters {
		l.Start()
	}
	a.sweeper.Start(ctx)

	// Channel to collect errors
	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.sweeper.Stop()
	a.close()

	a.logger.Info("shutdown complete")
	return nil
}

// close releases limiters and storage
func (a *App) close() {
	for _, l := range a.limiters {
		l.Stop()
	}

	// Stop quota limiter (persists counters)
	if a.quotas != nil {
		if err := a.quotas.Stop(); err != nil {
			a.logger.Error("quota limiter stop error", "error", err)
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}

	if err := a.stores.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
