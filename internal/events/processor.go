package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/foxzi/sendgate/internal/health"
	"github.com/foxzi/sendgate/internal/metrics"
	"github.com/foxzi/sendgate/internal/suppression"
)

const complaintDetail = "User reported email as spam"

// Suppressor records suppressions
type Suppressor interface {
	Add(ctx context.Context, tenantID, addr string, reason suppression.Reason, details map[string]string) (*suppression.Entry, error)
	AddGlobalBounce(ctx context.Context, addr string, bounceType suppression.BounceType, reason string) error
}

// Counter updates domain volume counters
type Counter interface {
	Increment(ctx context.Context, id string, c health.Counters) error
}

// Processor applies events
type Processor struct {
	suppressions Suppressor
	counter      Counter
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewProcessor creates a processor. m may be nil.
func NewProcessor(suppressions Suppressor, counter Counter, m *metrics.Metrics, logger *slog.Logger) *Processor {
	return &Processor{
		suppressions: suppressions,
		counter:      counter,
		metrics:      m,
		logger:       logger,
	}
}

// Apply records ev. Every recipient is processed even when one fails; the
// failures are joined into the returned error.
func (p *Processor) Apply(ctx context.Context, ev Event) error {
	meta := ev.Meta()
	var errs []error

	switch e := ev.(type) {
	case Delivered:
		errs = append(errs, p.count(ctx, meta, health.Counters{Sent: int64(len(meta.Recipients))}))

	case Bounced:
		for _, addr := range meta.Recipients {
			if e.Type == suppression.BounceHard {
				errs = append(errs, p.suppress(ctx, meta, addr, suppression.ReasonBounced, map[string]string{
					"bounce_type": string(e.Type),
					"reason":      e.Reason,
				}))
			}
			if err := p.suppressions.AddGlobalBounce(ctx, addr, e.Type, e.Reason); err != nil {
				errs = append(errs, fmt.Errorf("global bounce %s: %w", addr, err))
			}
		}
		c := health.Counters{SoftBounces: int64(len(meta.Recipients))}
		if e.Type == suppression.BounceHard {
			c = health.Counters{HardBounces: int64(len(meta.Recipients))}
		}
		errs = append(errs, p.count(ctx, meta, c))

	case Complained:
		for _, addr := range meta.Recipients {
			errs = append(errs, p.suppress(ctx, meta, addr, suppression.ReasonComplained, map[string]string{
				"reason": complaintDetail,
			}))
		}
		errs = append(errs, p.count(ctx, meta, health.Counters{Complaints: int64(len(meta.Recipients))}))

	case Unsubscribed:
		for _, addr := range meta.Recipients {
			errs = append(errs, p.suppress(ctx, meta, addr, suppression.ReasonUnsubscribed, nil))
		}

	case Opened, Clicked:
		// Engagement is only counted

	default:
		return fmt.Errorf("unsupported event type %T", ev)
	}

	p.metrics.IncEvent(ev.Kind())

	err := errors.Join(errs...)
	if err != nil {
		p.logger.Error("event processed with errors", "event_id", meta.ID, "kind", ev.Kind(), "error", err)
		return err
	}
	p.logger.Debug("event processed",
		"event_id", meta.ID,
		"kind", ev.Kind(),
		"tenant_id", meta.TenantID,
		"recipients", len(meta.Recipients),
	)
	return nil
}

func (p *Processor) suppress(ctx context.Context, meta Meta, addr string, reason suppression.Reason, details map[string]string) error {
	if meta.TenantID == "" {
		p.logger.Warn("event without tenant, skipping tenant suppression", "event_id", meta.ID, "reason", reason)
		return nil
	}
	if _, err := p.suppressions.Add(ctx, meta.TenantID, addr, reason, details); err != nil {
		return fmt.Errorf("suppress %s: %w", addr, err)
	}
	return nil
}

func (p *Processor) count(ctx context.Context, meta Meta, c health.Counters) error {
	if meta.DomainID == "" {
		return nil
	}
	if err := p.counter.Increment(ctx, meta.DomainID, c); err != nil {
		if errors.Is(err, health.ErrNotFound) {
			p.logger.Warn("event for unknown domain", "event_id", meta.ID, "domain_id", meta.DomainID)
			return nil
		}
		return fmt.Errorf("update domain counters: %w", err)
	}
	return nil
}
