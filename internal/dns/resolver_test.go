package dns

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type fakeLookuper struct {
	txt   map[string][]string
	mx    map[string][]*net.MX
	err   error
	calls int
}

func (f *fakeLookuper) LookupTXT(ctx context.Context, name string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	records, ok := f.txt[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return records, nil
}

func (f *fakeLookuper) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	records, ok := f.mx[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return records, nil
}

func TestLookupTXTCaches(t *testing.T) {
	fake := &fakeLookuper{txt: map[string][]string{"example.com": {"v=spf1 -all"}}}
	r := NewResolver(fake, time.Hour)
	ctx := context.Background()

	for _, name := range []string{"example.com", "EXAMPLE.COM", "example.com."} {
		records, err := r.LookupTXT(ctx, name)
		if err != nil {
			t.Fatalf("LookupTXT(%q) failed: %v", name, err)
		}
		if len(records) != 1 || records[0] != "v=spf1 -all" {
			t.Errorf("LookupTXT(%q) = %v", name, records)
		}
	}
	if fake.calls != 1 {
		t.Errorf("lookups = %d, want 1", fake.calls)
	}
}

func TestLookupTXTExpires(t *testing.T) {
	fake := &fakeLookuper{txt: map[string][]string{"example.com": {"x"}}}
	r := NewResolver(fake, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	r.LookupTXT(ctx, "example.com")
	now = now.Add(2 * time.Minute)
	r.LookupTXT(ctx, "example.com")

	if fake.calls != 2 {
		t.Errorf("lookups = %d, want 2", fake.calls)
	}
}

func TestLookupNotFound(t *testing.T) {
	fake := &fakeLookuper{}
	r := NewResolver(fake, time.Hour)
	ctx := context.Background()

	if _, err := r.LookupTXT(ctx, "missing.example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.LookupMX(ctx, "missing.example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Negative answers are not cached
	r.LookupTXT(ctx, "missing.example.com")
	if fake.calls != 3 {
		t.Errorf("lookups = %d, want 3", fake.calls)
	}
}

func TestLookupError(t *testing.T) {
	boom := errors.New("server failure")
	r := NewResolver(&fakeLookuper{err: boom}, time.Hour)

	if _, err := r.LookupTXT(context.Background(), "example.com"); !errors.Is(err, boom) {
		t.Errorf("expected server failure, got %v", err)
	}
}

func TestLookupMXSorted(t *testing.T) {
	fake := &fakeLookuper{mx: map[string][]*net.MX{
		"example.com": {
			{Host: "mx2.example.com.", Pref: 20},
			{Host: "mx1.example.com.", Pref: 10},
		},
	}}
	r := NewResolver(fake, time.Hour)

	records, err := r.LookupMX(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LookupMX failed: %v", err)
	}
	if len(records) != 2 || records[0].Host != "mx1.example.com" || records[1].Priority != 20 {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestFlush(t *testing.T) {
	fake := &fakeLookuper{txt: map[string][]string{"example.com": {"x"}}}
	r := NewResolver(fake, time.Hour)
	ctx := context.Background()

	r.LookupTXT(ctx, "example.com")
	r.Flush()
	r.LookupTXT(ctx, "example.com")

	if fake.calls != 2 {
		t.Errorf("lookups = %d, want 2", fake.calls)
	}
}
