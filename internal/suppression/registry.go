// Package suppression maintains per-tenant and global block lists of
// addresses that must not receive mail.
package suppression

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/sendgate/internal/email"
)

// Store persists suppression data. Implementations must upsert on
// (tenant, email) for entries and on email for global bounces.
type Store interface {
	FindEntries(ctx context.Context, q EntryQuery) ([]*Entry, error)
	UpsertEntry(ctx context.Context, e *Entry) error
	DeleteEntry(ctx context.Context, tenantID, email string) (bool, error)
	FindGlobalBounces(ctx context.Context, emails []string) ([]*GlobalBounce, error)
	RecordGlobalBounce(ctx context.Context, email, reason string, at time.Time) error
}

// Registry answers whether an address may be contacted for a tenant
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a registry on top of store
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Check returns a status for every input address, keyed by its normalized
// form. Tenant entries are applied first; a global hard bounce only marks
// addresses that have no tenant entry.
func (r *Registry) Check(ctx context.Context, tenantID string, emails []string) (map[string]Status, error) {
	normalized := email.NormalizeAll(emails)
	result := make(map[string]Status, len(normalized))
	for _, e := range normalized {
		result[e] = Status{}
	}
	if len(normalized) == 0 {
		return result, nil
	}

	if tenantID != "" {
		entries, err := r.store.FindEntries(ctx, EntryQuery{TenantID: tenantID, Emails: normalized})
		if err != nil {
			return nil, fmt.Errorf("failed to query tenant suppressions: %w", err)
		}
		for _, e := range entries {
			at := e.CreatedAt
			result[e.Email] = Status{Suppressed: true, Reason: e.Reason, SuppressedAt: &at}
		}
	}

	bounces, err := r.store.FindGlobalBounces(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to query global bounces: %w", err)
	}
	for _, b := range bounces {
		if result[b.Email].Suppressed {
			continue
		}
		at := b.LastBounceAt
		result[b.Email] = Status{Suppressed: true, Reason: ReasonBounced, SuppressedAt: &at, Global: true}
	}

	return result, nil
}

// Add upserts a tenant-scoped suppression. Re-adding an address replaces
// its reason, details and timestamp.
func (r *Registry) Add(ctx context.Context, tenantID, addr string, reason Reason, details map[string]string) (*Entry, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	normalized, err := email.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, addr)
	}

	entry := &Entry{
		TenantID:  tenantID,
		Email:     normalized,
		Reason:    reason,
		Details:   details,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.UpsertEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to save suppression: %w", err)
	}

	r.logger.Info("address suppressed",
		"tenant_id", tenantID,
		"email", normalized,
		"reason", reason,
	)
	return entry, nil
}

// AddGlobalBounce records a hard bounce on the cross-tenant list.
// Soft bounces are ignored here; they only matter per tenant.
func (r *Registry) AddGlobalBounce(ctx context.Context, addr string, bounceType BounceType, reason string) error {
	if bounceType != BounceHard {
		return nil
	}
	normalized, err := email.Parse(addr)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, addr)
	}
	if err := r.store.RecordGlobalBounce(ctx, normalized, reason, r.now().UTC()); err != nil {
		return fmt.Errorf("failed to record global bounce: %w", err)
	}
	r.logger.Info("global hard bounce recorded", "email", normalized)
	return nil
}

// Remove deletes a tenant entry. The global bounce list is never touched.
func (r *Registry) Remove(ctx context.Context, tenantID, addr string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	normalized := email.Normalize(addr)
	removed, err := r.store.DeleteEntry(ctx, tenantID, normalized)
	if err != nil {
		return fmt.Errorf("failed to remove suppression: %w", err)
	}
	if !removed {
		return ErrNotFound
	}
	r.logger.Info("suppression removed", "tenant_id", tenantID, "email", normalized)
	return nil
}

// List returns tenant entries matching q, newest first
func (r *Registry) List(ctx context.Context, q EntryQuery) ([]*Entry, error) {
	if len(q.Emails) > 0 {
		q.Emails = email.NormalizeAll(q.Emails)
	}
	entries, err := r.store.FindEntries(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list suppressions: %w", err)
	}
	return entries, nil
}
