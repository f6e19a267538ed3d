package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/sendgate/internal/metrics"
)

// Scopes of the login guard
const (
	ScopeEmail = "email"
	ScopeIP    = "ip"
)

// Login limiter defaults
var (
	DefaultEmailConfig = Config{MaxRequests: 3, Window: 30 * time.Minute, LockoutMultiplier: 2}
	DefaultIPConfig    = Config{MaxRequests: 10, Window: 30 * time.Minute, LockoutMultiplier: 2}
)

// LockedError is returned when an identifier is rejected by a limiter
type LockedError struct {
	Scope      string
	Identifier string
	Until      time.Time
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many attempts for %s %q, retry after %s",
		e.Scope, e.Identifier, e.RetryAfter.Round(time.Second))
}

// LoginGuard composes an email-keyed and an IP-keyed limiter. An attempt
// must pass both; the email limiter is consulted first and short-circuits.
type LoginGuard struct {
	email   Guard
	ip      Guard
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewLoginGuard creates a login guard. m may be nil.
func NewLoginGuard(email, ip Guard, m *metrics.Metrics, logger *slog.Logger) *LoginGuard {
	return &LoginGuard{
		email:   email,
		ip:      ip,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Check records a login attempt. It returns a *LockedError when either
// limiter rejects it, or the backend error if a limiter is unavailable.
func (g *LoginGuard) Check(ctx context.Context, email, ip string) error {
	if err := g.check(ctx, g.email, ScopeEmail, email); err != nil {
		return err
	}
	if ip == "" {
		return nil
	}
	return g.check(ctx, g.ip, ScopeIP, ip)
}

func (g *LoginGuard) check(ctx context.Context, guard Guard, scope, id string) error {
	res, err := guard.Allow(ctx, id)
	if err != nil {
		return fmt.Errorf("%s rate limit: %w", scope, err)
	}
	if res.Success {
		return nil
	}

	g.metrics.IncRateLimitRejected(scope, res.Locked)
	retry := res.Reset.Sub(g.now())
	if retry < 0 {
		retry = 0
	}
	g.logger.Warn("login attempt rate limited",
		"scope", scope,
		"identifier", id,
		"retry_after", retry,
	)
	return &LockedError{
		Scope:      scope,
		Identifier: id,
		Until:      res.Reset,
		RetryAfter: retry,
	}
}

// Succeeded forgives earlier failed attempts for email
func (g *LoginGuard) Succeeded(ctx context.Context, email string) error {
	return g.email.Clear(ctx, email)
}

// Status returns the current state of both keys without recording anything
func (g *LoginGuard) Status(ctx context.Context, email, ip string) (emailRes, ipRes Result, err error) {
	if emailRes, err = g.email.Peek(ctx, email); err != nil {
		return
	}
	if ip != "" {
		ipRes, err = g.ip.Peek(ctx, ip)
	}
	return
}
