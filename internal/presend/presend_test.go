package presend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	dto "github.com/prometheus/client_model/go"

	"github.com/foxzi/sendgate/internal/health"
	"github.com/foxzi/sendgate/internal/metrics"
	"github.com/foxzi/sendgate/internal/suppression"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

const (
	cleanSubject = "Your order has shipped"
	cleanText    = "Hi {{first_name}}, your package left our warehouse this morning and should arrive within three business days. Track it from your account page."
	cleanHTML    = "<!DOCTYPE html><html><body><p>" + cleanText + "</p></body></html>"
	unsubFooter  = `<p><a href="https://example.com/unsubscribe?u=1">Unsubscribe</a></p>`
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDomains struct {
	domains map[string]*health.Domain
	err     error
}

func (f *fakeDomains) Get(ctx context.Context, id string) (*health.Domain, error) {
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.domains[id]
	if !ok {
		return nil, health.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

type fakeSuppressions struct {
	suppressed map[string]suppression.Reason
	err        error
	block      bool
}

func (f *fakeSuppressions) Check(ctx context.Context, tenantID string, emails []string) (map[string]suppression.Status, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]suppression.Status, len(emails))
	for _, e := range emails {
		if r, ok := f.suppressed[e]; ok {
			out[e] = suppression.Status{Suppressed: true, Reason: r}
		} else {
			out[e] = suppression.Status{}
		}
	}
	return out, nil
}

func healthyDomain() *health.Domain {
	return &health.Domain{
		ID:              "dom-1",
		Name:            "mail.example.com",
		TenantID:        "t1",
		ReputationScore: 100,
		SendingEnabled:  true,
		Verified:        true,
		SPFVerified:     true,
		DKIMVerified:    true,
		DMARCVerified:   true,
		WarmupCompleted: true,
		CreatedAt:       testNow.AddDate(0, -6, 0),
	}
}

func newTestChecker(domains DomainSource, sup SuppressionChecker, cfg Config, m *metrics.Metrics) *Checker {
	c := NewChecker(domains, sup, cfg, m, testLogger())
	c.now = func() time.Time { return testNow }
	return c
}

func cleanRequest() *Request {
	return &Request{
		TenantID:    "t1",
		DomainID:    "dom-1",
		Recipients:  []string{"alice@example.org", "Bob@Example.org"},
		Subject:     cleanSubject,
		HTMLContent: cleanHTML,
		TextContent: cleanText,
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func TestRunAllowsCleanTransactionalEmail(t *testing.T) {
	c := newTestChecker(
		&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}},
		&fakeSuppressions{},
		Config{}, nil,
	)

	d, err := c.Run(context.Background(), cleanRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allowed, errors: %v", d.Errors)
	}
	if len(d.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", d.Warnings)
	}
	if len(d.Suggestions) != 0 {
		t.Errorf("unexpected suggestions: %v", d.Suggestions)
	}
	if d.SpamScore != 0 {
		t.Errorf("SpamScore = %d, want 0", d.SpamScore)
	}
	if d.ID == "" {
		t.Error("decision should have an ID")
	}
	if d.DomainStatus != health.StatusHealthy {
		t.Errorf("DomainStatus = %s, want healthy", d.DomainStatus)
	}
	if len(d.RecipientStatus) != 2 || d.RecipientStatus[1].Email != "bob@example.org" {
		t.Errorf("unexpected recipient status: %+v", d.RecipientStatus)
	}
}

func TestRunDomainChecks(t *testing.T) {
	dom := healthyDomain()
	dom.Verified = false
	dom.SPFVerified = false
	dom.DKIMVerified = false
	dom.DMARCVerified = false
	dom.SendingEnabled = false
	dom.IsSuspended = true
	dom.SuspendReason = "manual review"

	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": dom}}, &fakeSuppressions{}, Config{}, nil)

	d, err := c.Run(context.Background(), cleanRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected blocked decision")
	}
	for _, want := range []string{
		MsgDomainNotVerified,
		"Sending domain is suspended: manual review",
		MsgSendingDisabled,
		MsgSPFMissing,
		MsgDKIMMissing,
	} {
		if !contains(d.Errors, want) {
			t.Errorf("missing error %q in %v", want, d.Errors)
		}
	}
	if contains(d.Errors, MsgDMARCMissing) {
		t.Error("missing DMARC must not block")
	}
	if !contains(d.Warnings, MsgDMARCMissing) {
		t.Error("missing DMARC should warn")
	}
	if d.DomainStatus != health.StatusSuspended {
		t.Errorf("DomainStatus = %s, want suspended", d.DomainStatus)
	}
}

func TestRunDomainOfOtherTenant(t *testing.T) {
	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}}, &fakeSuppressions{}, Config{}, nil)

	req := cleanRequest()
	req.TenantID = "t2"
	d, _ := c.Run(context.Background(), req)
	if d.Allowed || !contains(d.Errors, MsgDomainWrongTenant) {
		t.Errorf("expected tenant mismatch error, got %v", d.Errors)
	}
}

func TestRunDomainNotFoundStillChecksEverything(t *testing.T) {
	c := newTestChecker(
		&fakeDomains{domains: map[string]*health.Domain{}},
		&fakeSuppressions{suppressed: map[string]suppression.Reason{"alice@example.org": suppression.ReasonBounced}},
		Config{}, nil,
	)

	req := cleanRequest()
	req.IsMarketingEmail = true
	d, err := c.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !contains(d.Errors, MsgDomainNotFound) {
		t.Errorf("missing domain-not-found error: %v", d.Errors)
	}
	if !contains(d.Errors, MsgCANSPAM) {
		t.Error("later steps must still run after a domain failure")
	}
	if d.SuppressedCount() != 1 {
		t.Errorf("SuppressedCount = %d, want 1", d.SuppressedCount())
	}
	if d.Warmup != nil {
		t.Error("warm-up cannot be evaluated without a domain")
	}
}

func TestRunDomainStoreErrorFailsClosed(t *testing.T) {
	m := metrics.New()
	c := newTestChecker(&fakeDomains{err: errors.New("connection refused")}, &fakeSuppressions{}, Config{}, m)

	d, _ := c.Run(context.Background(), cleanRequest())
	if d.Allowed || !contains(d.Errors, MsgDomainUnverifiable) {
		t.Errorf("expected fail-closed domain error, got %v", d.Errors)
	}
	if v := counterValue(t, m.DecisionErrorsTotal.WithLabelValues("domain")); v != 1 {
		t.Errorf("store error counter = %v, want 1", v)
	}
}

func TestRunPartialSuppressionWarns(t *testing.T) {
	c := newTestChecker(
		&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}},
		&fakeSuppressions{suppressed: map[string]suppression.Reason{"bob@example.org": suppression.ReasonUnsubscribed}},
		Config{}, nil,
	)

	d, _ := c.Run(context.Background(), cleanRequest())
	if !d.Allowed {
		t.Fatalf("partial suppression must not block: %v", d.Errors)
	}
	if !contains(d.Warnings, "1 recipient(s) on suppression list will be skipped") {
		t.Errorf("missing suppression warning: %v", d.Warnings)
	}
	active := d.ActiveRecipients()
	if len(active) != 1 || active[0] != "alice@example.org" {
		t.Errorf("ActiveRecipients = %v", active)
	}
	if d.RecipientStatus[1].Reason != suppression.ReasonUnsubscribed {
		t.Errorf("Reason = %s, want unsubscribed", d.RecipientStatus[1].Reason)
	}
}

func TestRunAllSuppressedBlocks(t *testing.T) {
	c := newTestChecker(
		&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}},
		&fakeSuppressions{suppressed: map[string]suppression.Reason{
			"alice@example.org": suppression.ReasonBounced,
			"bob@example.org":   suppression.ReasonComplained,
		}},
		Config{}, nil,
	)

	d, _ := c.Run(context.Background(), cleanRequest())
	if d.Allowed {
		t.Fatal("all-suppressed send must be blocked")
	}
	if !contains(d.Errors, MsgAllSuppressed) {
		t.Errorf("missing all-suppressed error: %v", d.Errors)
	}
	if !contains(d.Warnings, "2 recipient(s) on suppression list will be skipped") {
		t.Errorf("missing suppression warning: %v", d.Warnings)
	}
}

func TestRunSuppressionErrorFailsClosed(t *testing.T) {
	m := metrics.New()
	c := newTestChecker(
		&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}},
		&fakeSuppressions{err: errors.New("query failed")},
		Config{}, m,
	)

	d, err := c.Run(context.Background(), cleanRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("suppression store error must never allow")
	}
	if !contains(d.Errors, MsgSuppressionFailed) {
		t.Errorf("missing suppression error: %v", d.Errors)
	}
	if v := counterValue(t, m.DecisionsTotal.WithLabelValues("false")); v != 1 {
		t.Errorf("blocked decisions = %v, want 1", v)
	}
}

func TestRunSuppressionTimeoutFailsClosed(t *testing.T) {
	c := newTestChecker(
		&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}},
		&fakeSuppressions{block: true},
		Config{StoreTimeout: 20 * time.Millisecond}, nil,
	)

	d, err := c.Run(context.Background(), cleanRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if d.Allowed || !contains(d.Errors, MsgSuppressionFailed) {
		t.Errorf("timeout must fail closed, errors: %v", d.Errors)
	}
}

func TestRunCancelledContext(t *testing.T) {
	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{}}, &fakeSuppressions{}, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Run(ctx, cleanRequest()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRunCANSPAM(t *testing.T) {
	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}}, &fakeSuppressions{}, Config{}, nil)

	req := cleanRequest()
	req.IsMarketingEmail = true
	d, _ := c.Run(context.Background(), req)
	if d.Allowed || !contains(d.Errors, MsgCANSPAM) {
		t.Errorf("marketing email without unsubscribe must be blocked: %v", d.Errors)
	}
	if d.SpamScore != 3 {
		t.Errorf("SpamScore = %d, want 3 for missing unsubscribe", d.SpamScore)
	}

	req.HTMLContent = "<!DOCTYPE html><html><body><p>" + cleanText + "</p>" + unsubFooter + "</body></html>"
	d, _ = c.Run(context.Background(), req)
	if !d.Allowed {
		t.Errorf("marketing email with unsubscribe link should pass: %v", d.Errors)
	}
}

func TestRunListUnsubscribeCounts(t *testing.T) {
	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}}, &fakeSuppressions{}, Config{}, nil)

	req := cleanRequest()
	req.IsMarketingEmail = true
	req.TextContent = cleanText + "\nList-Unsubscribe: <mailto:leave@example.com>"
	d, _ := c.Run(context.Background(), req)
	if contains(d.Errors, MsgCANSPAM) {
		t.Error("List-Unsubscribe should satisfy the unsubscribe rule")
	}
}

func spammyRequest() *Request {
	req := cleanRequest()
	req.Subject = "URGENT FREE CASH NOW!!!"
	req.TextContent = strings.Repeat("click here buy now guarantee ", 5) + "{{first_name}}"
	return req
}

func TestRunHighSpamScoreBlocks(t *testing.T) {
	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}}, &fakeSuppressions{}, Config{}, nil)

	d, _ := c.Run(context.Background(), spammyRequest())
	if d.SpamScore < 60 {
		t.Fatalf("SpamScore = %d, want >= 60", d.SpamScore)
	}
	if d.Allowed {
		t.Fatal("high spam score must block")
	}
	if !containsSubstring(d.Errors, "Spam score too high") {
		t.Errorf("missing spam error: %v", d.Errors)
	}
	if !containsSubstring(d.Errors, `"click here" 5 times`) {
		t.Errorf("itemized issues should be reported: %v", d.Errors)
	}
}

func TestRunSpamWarningThreshold(t *testing.T) {
	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}}, &fakeSuppressions{},
		Config{SpamErrorThreshold: 101, SpamWarningThreshold: 10}, nil)

	d, _ := c.Run(context.Background(), spammyRequest())
	if !d.Allowed {
		t.Fatalf("score below error threshold must not block: %v", d.Errors)
	}
	if !containsSubstring(d.Warnings, "Elevated spam score") {
		t.Errorf("missing spam warning: %v", d.Warnings)
	}
}

func TestRunWarmupOverflowWarns(t *testing.T) {
	dom := healthyDomain()
	dom.WarmupCompleted = false
	dom.CreatedAt = testNow.Add(-36 * time.Hour)
	dom.EmailsSentToday = 15

	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": dom}}, &fakeSuppressions{}, Config{}, nil)

	req := cleanRequest()
	req.Recipients = nil
	for i := 0; i < 10; i++ {
		req.Recipients = append(req.Recipients, fmt.Sprintf("user%d@example.org", i))
	}

	d, _ := c.Run(context.Background(), req)
	if !d.Allowed {
		t.Fatalf("warm-up must not block: %v", d.Errors)
	}
	if d.Warmup == nil || !d.Warmup.InWarmup || d.Warmup.RecommendedDailyLimit != 20 {
		t.Fatalf("unexpected warm-up status: %+v", d.Warmup)
	}
	if !containsSubstring(d.Warnings, "remaining warm-up allowance of 5") {
		t.Errorf("missing warm-up warning: %v", d.Warnings)
	}
	if !containsSubstring(d.Suggestions, "day 1/42") {
		t.Errorf("missing warm-up suggestion: %v", d.Suggestions)
	}
}

func TestRunWarmupWithinAllowance(t *testing.T) {
	dom := healthyDomain()
	dom.WarmupCompleted = false
	dom.CreatedAt = testNow.Add(-36 * time.Hour)

	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": dom}}, &fakeSuppressions{}, Config{}, nil)

	d, _ := c.Run(context.Background(), cleanRequest())
	if containsSubstring(d.Warnings, "warm-up allowance") {
		t.Errorf("2 recipients fit in a limit of 20: %v", d.Warnings)
	}
}

func TestRunContentSuggestions(t *testing.T) {
	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}}, &fakeSuppressions{}, Config{}, nil)

	req := cleanRequest()
	req.HTMLContent = "<p>Your receipt is attached to this message.</p>"
	req.TextContent = "Your receipt is attached to this message."
	d, _ := c.Run(context.Background(), req)

	for _, want := range []string{MsgAddHTMLWrapper, MsgShortText, MsgNoPersonalization} {
		if !contains(d.Suggestions, want) {
			t.Errorf("missing suggestion %q in %v", want, d.Suggestions)
		}
	}
	if !d.Allowed {
		t.Errorf("suggestions must not block: %v", d.Errors)
	}
}

func TestRunExtractsTextFromHTML(t *testing.T) {
	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}}, &fakeSuppressions{}, Config{}, nil)

	req := cleanRequest()
	req.TextContent = ""
	d, _ := c.Run(context.Background(), req)
	if contains(d.Suggestions, MsgShortText) {
		t.Errorf("text derived from HTML is long enough: %v", d.Suggestions)
	}
}

func TestRunRecipientValidation(t *testing.T) {
	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}}, &fakeSuppressions{}, Config{}, nil)

	req := cleanRequest()
	req.Recipients = nil
	d, _ := c.Run(context.Background(), req)
	if d.Allowed || !contains(d.Errors, MsgNoRecipients) {
		t.Errorf("empty recipients must be blocked: %v", d.Errors)
	}

	req.Recipients = []string{"alice@example.org", "not-an-address", "ALICE@example.org"}
	d, _ = c.Run(context.Background(), req)
	if d.Allowed || !contains(d.Errors, "Invalid recipient address: not-an-address") {
		t.Errorf("invalid address must be blocked: %v", d.Errors)
	}
	if len(d.RecipientStatus) != 2 {
		t.Fatalf("want one valid and one invalid entry, got %+v", d.RecipientStatus)
	}
	if rs := d.RecipientStatus[0]; rs.Email != "alice@example.org" || rs.Invalid {
		t.Errorf("duplicates should collapse into a valid entry: %+v", rs)
	}
}

func TestRunReportsInvalidRecipients(t *testing.T) {
	sup := &fakeSuppressions{}
	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}}, sup, Config{}, nil)

	req := cleanRequest()
	req.Recipients = []string{"not-an-address"}
	d, err := c.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if d.Allowed || !contains(d.Errors, "Invalid recipient address: not-an-address") {
		t.Errorf("invalid address must block: %v", d.Errors)
	}
	if contains(d.Errors, MsgNoRecipients) {
		t.Errorf("an invalid address is not a missing recipient list: %v", d.Errors)
	}
	if len(d.RecipientStatus) != 1 {
		t.Fatalf("RecipientStatus = %+v, want one entry", d.RecipientStatus)
	}
	rs := d.RecipientStatus[0]
	if rs.Email != "not-an-address" || !rs.Invalid || rs.Suppressed {
		t.Errorf("unexpected status for invalid address: %+v", rs)
	}
}

func TestRunWithBoltRegistry(t *testing.T) {
	dir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dir, "test.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	store, err := suppression.NewBoltStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	reg := suppression.NewRegistry(store, testLogger())
	ctx := context.Background()

	if err := reg.AddGlobalBounce(ctx, "bob@example.org", suppression.BounceHard, "mailbox does not exist"); err != nil {
		t.Fatalf("AddGlobalBounce failed: %v", err)
	}

	c := newTestChecker(&fakeDomains{domains: map[string]*health.Domain{"dom-1": healthyDomain()}}, reg, Config{}, nil)
	d, err := c.Run(ctx, cleanRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("one bounced recipient should not block: %v", d.Errors)
	}
	if !d.RecipientStatus[1].Suppressed || d.RecipientStatus[1].Reason != suppression.ReasonBounced {
		t.Errorf("global bounce should suppress bob: %+v", d.RecipientStatus[1])
	}
}

func TestHasUnsubscribe(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{`<a href="/unsubscribe">Unsubscribe</a>`, true},
		{"List-Unsubscribe: <mailto:x@example.com>", true},
		{"UNSUBSCRIBE here", true},
		{"Manage your preferences", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := HasUnsubscribe(tc.content); got != tc.want {
			t.Errorf("HasUnsubscribe(%q) = %v, want %v", tc.content, got, tc.want)
		}
	}
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}
