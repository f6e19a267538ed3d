// Package quota enforces hourly and daily send volumes per tenant and
// sending domain. Counters live in memory and are flushed to BoltDB.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketQuotas = []byte("send_quotas")

// Level is the scope a quota applies to
type Level string

const (
	LevelGlobal Level = "global"
	LevelTenant Level = "tenant"
	LevelDomain Level = "domain"
)

// Config contains quota configuration
type Config struct {
	// Global limits across all tenants
	Global *LimitConfig `yaml:"global,omitempty"`

	// Default limits for tenants
	DefaultTenant *LimitConfig `yaml:"default_tenant,omitempty"`

	// Default limits for sending domains without specific config
	DefaultDomain *LimitConfig `yaml:"default_domain,omitempty"`

	// Per-domain overrides keyed by domain name
	Domains map[string]*LimitConfig `yaml:"domains,omitempty"`

	// Persistence settings
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig contains quota values. Zero disables a limit.
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Counter tracks quota usage for one key
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Request describes a send to be counted
type Request struct {
	TenantID string
	Domain   string
	// Messages to count, defaults to 1
	Count int
}

// Result contains the quota decision
type Result struct {
	Allowed    bool          `json:"allowed"`
	DeniedBy   Level         `json:"denied_by,omitempty"`
	DeniedKey  string        `json:"denied_key,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Stats contains quota usage for one key
type Stats struct {
	Level       Level        `json:"level"`
	Key         string       `json:"key"`
	HourlyCount int          `json:"hourly_count"`
	DailyCount  int          `json:"daily_count"`
	HourStart   time.Time    `json:"hour_start"`
	DayStart    time.Time    `json:"day_start"`
	Limit       *LimitConfig `json:"limit,omitempty"`
}

// Limiter enforces quotas at global, tenant and domain level
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*Counter
	mu       sync.RWMutex
	now      func() time.Time

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewLimiter creates a quota limiter and starts its flush loop
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuotas)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	l.wg.Add(1)
	go l.persistLoop()

	return l, nil
}

// Allow checks every applicable quota and, if all pass, counts the request
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := req.count()
	checks := l.getChecks(req)

	for _, check := range checks {
		counter := l.getOrCreateCounter(check.key, now)
		resetExpiredCounters(counter, now)

		if res := evaluate(check, counter.HourlyCount, counter.DailyCount, counter, n, now); res != nil {
			return res, nil
		}
	}

	for _, check := range checks {
		counter := l.counters[check.key]
		counter.HourlyCount += n
		counter.DailyCount += n
	}

	return &Result{Allowed: true}, nil
}

// Check reports whether the request would be allowed without counting it
func (l *Limiter) Check(ctx context.Context, req *Request) (*Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	n := req.count()

	for _, check := range l.getChecks(req) {
		counter, exists := l.counters[check.key]
		if !exists {
			counter = &Counter{HourStart: now, DayStart: now}
		}

		hourly, daily := counter.HourlyCount, counter.DailyCount
		if now.Sub(counter.HourStart) >= time.Hour {
			hourly = 0
		}
		if now.Sub(counter.DayStart) >= 24*time.Hour {
			daily = 0
		}

		if res := evaluate(check, hourly, daily, counter, n, now); res != nil {
			return res, nil
		}
	}

	return &Result{Allowed: true}, nil
}

func evaluate(check limitCheck, hourly, daily int, counter *Counter, n int, now time.Time) *Result {
	if check.limit.MessagesPerHour > 0 && hourly+n > check.limit.MessagesPerHour {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.key,
			RetryAfter: counter.HourStart.Add(time.Hour).Sub(now),
		}
	}
	if check.limit.MessagesPerDay > 0 && daily+n > check.limit.MessagesPerDay {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.key,
			RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now),
		}
	}
	return nil
}

// GetStats returns current usage for a key
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Stats{Level: level, Key: key, Limit: l.limitFor(level, key)}

	counter, exists := l.counters[makeKey(level, key)]
	if !exists {
		return stats, nil
	}

	now := l.now()
	stats.HourlyCount = counter.HourlyCount
	stats.DailyCount = counter.DailyCount
	stats.HourStart = counter.HourStart
	stats.DayStart = counter.DayStart

	if now.Sub(counter.HourStart) >= time.Hour {
		stats.HourlyCount = 0
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		stats.DailyCount = 0
	}

	return stats, nil
}

// Stop stops the flush loop and persists counters. Safe to call twice.
func (l *Limiter) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
		err = l.persistCounters()
	})
	return err
}

func (r *Request) count() int {
	if r.Count <= 0 {
		return 1
	}
	return r.Count
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

func (l *Limiter) limitFor(level Level, key string) *LimitConfig {
	switch level {
	case LevelGlobal:
		return l.config.Global
	case LevelTenant:
		return l.config.DefaultTenant
	case LevelDomain:
		if lc, ok := l.config.Domains[key]; ok {
			return lc
		}
		return l.config.DefaultDomain
	}
	return nil
}

func (l *Limiter) getChecks(req *Request) []limitCheck {
	var checks []limitCheck

	if lc := l.limitFor(LevelGlobal, ""); lc != nil {
		checks = append(checks, limitCheck{LevelGlobal, makeKey(LevelGlobal, "global"), lc})
	}
	if req.TenantID != "" {
		if lc := l.limitFor(LevelTenant, req.TenantID); lc != nil {
			checks = append(checks, limitCheck{LevelTenant, makeKey(LevelTenant, req.TenantID), lc})
		}
	}
	if req.Domain != "" {
		if lc := l.limitFor(LevelDomain, req.Domain); lc != nil {
			checks = append(checks, limitCheck{LevelDomain, makeKey(LevelDomain, req.Domain), lc})
		}
	}

	return checks
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{HourStart: now, DayStart: now}
		l.counters[key] = counter
	}
	return counter
}

func resetExpiredCounters(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuotas).ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuotas)
		for key, counter := range l.counters {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
