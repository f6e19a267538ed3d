package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/sendgate/internal/metrics"
)

// SweeperConfig contains health sweep settings
type SweeperConfig struct {
	Interval time.Duration
	// Domains with fewer sends are never suspended automatically
	MinVolume int64
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Reset     int      `json:"reset"`
	Suspended []string `json:"suspended"`
}

// Sweeper resets daily counters and suspends critical domains.
// It never lifts a suspension.
type Sweeper struct {
	store   Store
	cfg     SweeperConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex

	wg        sync.WaitGroup
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSweeper creates a sweeper. m may be nil.
func NewSweeper(store Store, cfg SweeperConfig, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start sweeps once, then on every interval until Stop is called or ctx
// is done. Calling Start again has no effect.
func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop(ctx)

		s.logger.Info("health sweeper started",
			"interval", s.cfg.Interval,
			"min_volume", s.cfg.MinVolume,
		)
	})
}

// Stop stops the loop and waits for it to exit
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.logger.Info("health sweeper stopped")
	})
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Counters left from before a restart are reset without waiting a full interval
	if _, err := s.Run(ctx); err != nil {
		s.logger.Error("health sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.Error("health sweep failed", "error", err)
			}
		}
	}
}

// Run performs one sweep. Daily counters kept for an earlier UTC day are
// reset.
func (s *Sweeper) Run(ctx context.Context) (*SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	result := &SweepResult{}

	n, err := s.store.ResetDaily(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to reset daily counters: %w", err)
	}
	result.Reset = n
	if n > 0 {
		s.logger.Info("daily send counters reset", "domains", n)
	}

	domains, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	for _, d := range domains {
		if d.IsSuspended || d.Classify() != StatusCritical {
			continue
		}
		if d.TotalEmailsSent+d.HardBounces+d.SoftBounces < s.cfg.MinVolume {
			continue
		}

		reason := fmt.Sprintf("automatic: reputation %d, bounce rate %.2f%%, complaint rate %.2f%%",
			d.ReputationScore, d.BounceRate(), d.ComplaintRate())
		if err := s.store.SetSuspended(ctx, d.ID, true, reason, now); err != nil {
			s.logger.Error("failed to suspend domain", "domain", d.Name, "error", err)
			continue
		}

		result.Suspended = append(result.Suspended, d.ID)
		s.metrics.DomainSuspended()
		s.logger.Warn("domain suspended", "domain", d.Name, "id", d.ID, "reason", reason)
	}

	return result, nil
}
