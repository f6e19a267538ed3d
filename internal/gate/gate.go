// Package gate admits a send: it runs the pre-send check, drops suppressed
// recipients, charges the send quotas and counts the send against the
// domain's daily volume.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/sendgate/internal/health"
	"github.com/foxzi/sendgate/internal/metrics"
	"github.com/foxzi/sendgate/internal/presend"
	"github.com/foxzi/sendgate/internal/quota"
)

// Checker is the pre-send check
type Checker interface {
	Run(ctx context.Context, req *presend.Request) (*presend.Decision, error)
}

// QuotaLimiter charges send volume
type QuotaLimiter interface {
	Allow(ctx context.Context, req *quota.Request) (*quota.Result, error)
}

// Counter records admitted volume on a domain
type Counter interface {
	Increment(ctx context.Context, id string, c health.Counters) error
}

// Result is the outcome of an admission
type Result struct {
	Admitted   bool              `json:"admitted"`
	Decision   *presend.Decision `json:"decision"`
	Recipients []string          `json:"recipients"`
	Quota      *quota.Result     `json:"quota,omitempty"`
}

// Gate admits sends
type Gate struct {
	checker Checker
	quotas  QuotaLimiter
	counter Counter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a gate. quotas and m may be nil.
func New(checker Checker, quotas QuotaLimiter, counter Counter, m *metrics.Metrics, logger *slog.Logger) *Gate {
	return &Gate{
		checker: checker,
		quotas:  quotas,
		counter: counter,
		metrics: m,
		logger:  logger,
	}
}

// Admit decides whether req may be dispatched and to whom. Only the
// recipients in the result may be sent to.
func (g *Gate) Admit(ctx context.Context, req *presend.Request) (*Result, error) {
	d, err := g.checker.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &Result{Decision: d, Recipients: []string{}}
	if !d.Allowed {
		return res, nil
	}

	active := d.ActiveRecipients()
	if len(active) == 0 {
		return res, nil
	}

	if g.quotas != nil {
		domain := d.Domain
		if domain == "" {
			domain = req.DomainID
		}
		qr, err := g.quotas.Allow(ctx, &quota.Request{
			TenantID: req.TenantID,
			Domain:   domain,
			Count:    len(active),
		})
		if err != nil {
			return nil, fmt.Errorf("quota check failed: %w", err)
		}
		res.Quota = qr
		if !qr.Allowed {
			g.metrics.IncQuotaDenied(string(qr.DeniedBy))
			g.logger.Warn("send quota exceeded",
				"decision_id", d.ID,
				"tenant_id", req.TenantID,
				"domain", domain,
				"denied_by", qr.DeniedBy,
				"retry_after", qr.RetryAfter,
			)
			d.Allowed = false
			d.Errors = append(d.Errors, fmt.Sprintf("Send quota exceeded (%s), retry in %s",
				qr.DeniedBy, qr.RetryAfter.Round(time.Second)))
			return res, nil
		}
	}

	if err := g.counter.Increment(ctx, req.DomainID, health.Counters{SentToday: int64(len(active))}); err != nil {
		// Quota is already charged; the daily counter is advisory
		g.logger.Error("failed to count admitted send", "domain_id", req.DomainID, "error", err)
	}

	res.Admitted = true
	res.Recipients = active
	return res, nil
}
