// Package ratelimit implements a sliding-window request limiter with
// exponential lockout, and the login guard built on top of it.
package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// Config contains sliding-window settings
type Config struct {
	MaxRequests       int           `yaml:"max_requests"`
	Window            time.Duration `yaml:"window"`
	LockoutMultiplier float64       `yaml:"lockout_multiplier"`
}

// DefaultSweepInterval is how often idle keys are evicted
const DefaultSweepInterval = 60 * time.Second

// LockoutDuration returns how long a key is locked once it has count
// requests in the window: window * multiplier^floor(count/max).
func (c Config) LockoutDuration(count int) time.Duration {
	if c.MaxRequests <= 0 {
		return c.Window
	}
	k := count / c.MaxRequests
	return time.Duration(float64(c.Window) * math.Pow(c.LockoutMultiplier, float64(k)))
}

// Result is the outcome of one attempt
type Result struct {
	Success     bool       `json:"success"`
	Limit       int        `json:"limit"`
	Remaining   int        `json:"remaining"`
	Reset       time.Time  `json:"reset"`
	Locked      bool       `json:"locked"`
	LockoutEnds *time.Time `json:"lockout_ends,omitempty"`
}

// Guard is a keyed limiter. Limiter and RedisLimiter implement it.
type Guard interface {
	// Allow records an attempt for id and reports whether it may proceed
	Allow(ctx context.Context, id string) (Result, error)
	// Peek reports the state of id without recording an attempt
	Peek(ctx context.Context, id string) (Result, error)
	// Clear forgets everything about id
	Clear(ctx context.Context, id string) error
}

// LockoutHook is called when a key enters lockout
type LockoutHook func(key string, until time.Time)

type record struct {
	requests    []time.Time
	lockedUntil time.Time
}

// Limiter is the in-process sliding-window limiter. State is local to the
// process; use RedisLimiter when several instances share traffic.
type Limiter struct {
	cfg       Config
	sweep     time.Duration
	now       func() time.Time
	onLockout LockoutHook

	mu      sync.Mutex
	records map[string]*record

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// options are shared by Limiter and RedisLimiter
type options struct {
	now       func() time.Time
	sweep     time.Duration
	onLockout LockoutHook
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, sweep: DefaultSweepInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Limiter or RedisLimiter
type Option func(*options)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSweepInterval overrides DefaultSweepInterval. RedisLimiter has no
// sweep and ignores it.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweep = d
		}
	}
}

// WithLockoutHook registers fn to run when a key is locked
func WithLockoutHook(fn LockoutHook) Option {
	return func(o *options) { o.onLockout = fn }
}

func (c Config) normalize() Config {
	if c.LockoutMultiplier <= 0 {
		c.LockoutMultiplier = 1
	}
	return c
}

// New creates a limiter. Call Start to enable background eviction.
func New(cfg Config, opts ...Option) *Limiter {
	o := buildOptions(opts)
	return &Limiter{
		cfg:       cfg.normalize(),
		sweep:     o.sweep,
		now:       o.now,
		onLockout: o.onLockout,
		records:   make(map[string]*record),
		stopCh:    make(chan struct{}),
	}
}

// Config returns the limiter settings
func (l *Limiter) Config() Config {
	return l.cfg
}

func normalizeKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Limit records an attempt for id. An active lockout is checked before the
// window is pruned, and rejected attempts are not recorded.
func (l *Limiter) Limit(id string) Result {
	key := normalizeKey(id)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[key]
	if !ok {
		rec = &record{}
		l.records[key] = rec
	}

	if !rec.lockedUntil.IsZero() {
		if rec.lockedUntil.After(now) {
			return l.lockedResult(rec.lockedUntil)
		}
		rec.lockedUntil = time.Time{}
	}

	rec.requests = prune(rec.requests, now.Add(-l.cfg.Window))

	if count := len(rec.requests); count >= l.cfg.MaxRequests {
		rec.lockedUntil = now.Add(l.cfg.LockoutDuration(count))
		if l.onLockout != nil {
			l.onLockout(key, rec.lockedUntil)
		}
		return l.lockedResult(rec.lockedUntil)
	}

	rec.requests = append(rec.requests, now)
	return Result{
		Success:   true,
		Limit:     l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - len(rec.requests),
		Reset:     now.Add(l.cfg.Window),
	}
}

// Status reports the state of id without recording an attempt
func (l *Limiter) Status(id string) Result {
	key := normalizeKey(id)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[key]
	if !ok {
		return Result{Success: true, Limit: l.cfg.MaxRequests, Remaining: l.cfg.MaxRequests, Reset: now}
	}
	if rec.lockedUntil.After(now) {
		return l.lockedResult(rec.lockedUntil)
	}

	cutoff := now.Add(-l.cfg.Window)
	count := 0
	for _, t := range rec.requests {
		if !t.Before(cutoff) {
			count++
		}
	}
	remaining := l.cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Success:   remaining > 0,
		Limit:     l.cfg.MaxRequests,
		Remaining: remaining,
		Reset:     now.Add(l.cfg.Window),
	}
}

func (l *Limiter) lockedResult(until time.Time) Result {
	ends := until
	return Result{
		Success:     false,
		Limit:       l.cfg.MaxRequests,
		Remaining:   0,
		Reset:       until,
		Locked:      true,
		LockoutEnds: &ends,
	}
}

// prune drops timestamps older than cutoff in place
func prune(requests []time.Time, cutoff time.Time) []time.Time {
	kept := requests[:0]
	for _, t := range requests {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Reset clears the full record of id
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	delete(l.records, normalizeKey(id))
	l.mu.Unlock()
}

// Allow implements Guard
func (l *Limiter) Allow(ctx context.Context, id string) (Result, error) {
	return l.Limit(id), nil
}

// Peek implements Guard
func (l *Limiter) Peek(ctx context.Context, id string) (Result, error) {
	return l.Status(id), nil
}

// Clear implements Guard
func (l *Limiter) Clear(ctx context.Context, id string) error {
	l.Reset(id)
	return nil
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Sweep prunes stale requests and evicts keys that have no requests left
// and no active lockout. It returns the number of evicted keys.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)
	evicted := 0
	for key, rec := range l.records {
		rec.requests = prune(rec.requests, cutoff)
		if len(rec.requests) == 0 && !rec.lockedUntil.After(now) {
			delete(l.records, key)
			evicted++
		}
	}
	return evicted
}

// Start launches the sweep loop. Calling it more than once has no effect.
func (l *Limiter) Start() {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.sweepLoop()
	})
}

// Stop halts the sweep loop and waits for it to exit. Safe to call twice
// and safe to call without Start.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
	})
}

// sweepLoop runs sweeps on one goroutine so they never overlap
func (l *Limiter) sweepLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
