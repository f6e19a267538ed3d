// Package dns provides cached TXT and MX lookups.
package dns

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a name has no records of the requested type
var ErrNotFound = errors.New("no such record")

// DefaultCacheTTL applies when NewResolver is given zero
const DefaultCacheTTL = 5 * time.Minute

// MXRecord represents an MX record
type MXRecord struct {
	Host     string
	Priority uint16
}

// Lookuper performs uncached lookups. *net.Resolver implements it.
type Lookuper interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Resolver performs DNS lookups with caching. Only successful answers are
// cached.
type Resolver struct {
	lookup Lookuper
	ttl    time.Duration
	now    func() time.Time

	mu  sync.RWMutex
	txt map[string]txtEntry
	mx  map[string]mxEntry
}

type txtEntry struct {
	records   []string
	expiresAt time.Time
}

type mxEntry struct {
	records   []MXRecord
	expiresAt time.Time
}

// NewResolver creates a caching resolver on top of lookup. A nil lookup
// uses net.DefaultResolver.
func NewResolver(lookup Lookuper, cacheTTL time.Duration) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	if cacheTTL == 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Resolver{
		lookup: lookup,
		ttl:    cacheTTL,
		now:    time.Now,
		txt:    make(map[string]txtEntry),
		mx:     make(map[string]mxEntry),
	}
}

// LookupTXT returns the TXT records of name
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	name = normalizeName(name)

	r.mu.RLock()
	entry, ok := r.txt[name]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expiresAt) {
		return entry.records, nil
	}

	records, err := r.lookup.LookupTXT(ctx, name)
	if err != nil {
		return nil, translate(err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}

	r.mu.Lock()
	r.txt[name] = txtEntry{records: records, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return records, nil
}

// LookupMX returns MX records sorted by priority
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]MXRecord, error) {
	domain = normalizeName(domain)

	r.mu.RLock()
	entry, ok := r.mx[domain]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expiresAt) {
		return entry.records, nil
	}

	mxRecords, err := r.lookup.LookupMX(ctx, domain)
	if err != nil {
		return nil, translate(err)
	}
	if len(mxRecords) == 0 {
		return nil, ErrNotFound
	}

	records := make([]MXRecord, len(mxRecords))
	for i, mx := range mxRecords {
		records[i] = MXRecord{
			Host:     strings.TrimSuffix(mx.Host, "."),
			Priority: mx.Pref,
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})

	r.mu.Lock()
	r.mx[domain] = mxEntry{records: records, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return records, nil
}

// Flush drops every cached answer
func (r *Resolver) Flush() {
	r.mu.Lock()
	r.txt = make(map[string]txtEntry)
	r.mx = make(map[string]mxEntry)
	r.mu.Unlock()
}

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

func translate(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return ErrNotFound
	}
	return err
}
