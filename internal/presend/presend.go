// Package presend combines domain status, suppression, spam and warm-up
// signals into the single allow/deny decision made before a send.
package presend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/foxzi/sendgate/internal/email"
	"github.com/foxzi/sendgate/internal/health"
	"github.com/foxzi/sendgate/internal/metrics"
	"github.com/foxzi/sendgate/internal/spam"
	"github.com/foxzi/sendgate/internal/suppression"
	"github.com/foxzi/sendgate/internal/warmup"
)

// Blocking and advisory messages
const (
	MsgNoRecipients       = "No recipients specified"
	MsgDomainNotFound     = "Sending domain not found"
	MsgDomainUnverifiable = "Unable to verify sending domain — aborting"
	MsgDomainWrongTenant  = "Sending domain does not belong to this tenant"
	MsgDomainNotVerified  = "Sending domain is not verified"
	MsgSendingDisabled    = "Sending is disabled for this domain"
	MsgSPFMissing         = "SPF record is not verified for this domain"
	MsgDKIMMissing        = "DKIM record is not verified for this domain"
	MsgDMARCMissing       = "DMARC record is not configured; receivers may treat mail from this domain with suspicion"
	MsgSuppressionFailed  = "Unable to verify suppression list — aborting"
	MsgAllSuppressed      = "All recipients are on the suppression list: no emails would be sent"
	MsgCANSPAM            = "Marketing emails must include an unsubscribe link (CAN-SPAM)"
	MsgAddHTMLWrapper     = "Add a <!DOCTYPE html> declaration and <html> wrapper to the HTML body"
	MsgShortText          = "Add more text content: messages with under 100 characters of text are often filtered"
	MsgNoPersonalization  = "Personalize the message (for example {{first_name}}) to improve engagement"
)

// Checker defaults
const (
	DefaultStoreTimeout         = 5 * time.Second
	DefaultSpamErrorThreshold   = 60
	DefaultSpamWarningThreshold = 30
)

const (
	minTextLength = 100

	storeLabelSuppressions = "suppression"
	storeLabelDomains      = "domain"
)

// DomainSource looks up domain health records
type DomainSource interface {
	Get(ctx context.Context, id string) (*health.Domain, error)
}

// SuppressionChecker reports per-address suppression status
type SuppressionChecker interface {
	Check(ctx context.Context, tenantID string, emails []string) (map[string]suppression.Status, error)
}

// Config contains checker settings
type Config struct {
	// StoreTimeout bounds each store round trip. A timeout counts as a store error.
	StoreTimeout time.Duration `yaml:"store_timeout"`
	// SpamErrorThreshold blocks sends scoring at or above it
	SpamErrorThreshold int `yaml:"spam_error_threshold"`
	// SpamWarningThreshold warns for sends scoring at or above it
	SpamWarningThreshold int `yaml:"spam_warning_threshold"`
}

// Request is the message about to be sent
type Request struct {
	TenantID         string   `json:"tenant_id"`
	DomainID         string   `json:"domain_id"`
	Recipients       []string `json:"recipients"`
	Subject          string   `json:"subject"`
	HTMLContent      string   `json:"html_content"`
	TextContent      string   `json:"text_content"`
	IsMarketingEmail bool     `json:"is_marketing_email"`
}

// RecipientStatus is the suppression verdict for one recipient
type RecipientStatus struct {
	Email      string             `json:"email"`
	Suppressed bool               `json:"suppressed"`
	Reason     suppression.Reason `json:"reason,omitempty"`
	// Set for addresses that failed to parse; they are never looked up
	Invalid bool `json:"invalid,omitempty"`
}

// Decision is the outcome of a pre-send check. Allowed is true only when
// Errors is empty.
type Decision struct {
	ID              string            `json:"id"`
	Allowed         bool              `json:"allowed"`
	Errors          []string          `json:"errors"`
	Warnings        []string          `json:"warnings"`
	Suggestions     []string          `json:"suggestions"`
	SpamScore       int               `json:"spam_score"`
	RecipientStatus []RecipientStatus `json:"recipient_status"`
	Domain          string            `json:"domain,omitempty"`
	DomainStatus    health.Status     `json:"domain_status,omitempty"`
	Warmup          *warmup.Status    `json:"warmup,omitempty"`
	CheckedAt       time.Time         `json:"checked_at"`
}

// ActiveRecipients returns recipients that are not suppressed
func (d *Decision) ActiveRecipients() []string {
	var out []string
	for _, rs := range d.RecipientStatus {
		if !rs.Suppressed {
			out = append(out, rs.Email)
		}
	}
	return out
}

// SuppressedCount returns the number of suppressed recipients
func (d *Decision) SuppressedCount() int {
	n := 0
	for _, rs := range d.RecipientStatus {
		if rs.Suppressed {
			n++
		}
	}
	return n
}

func (d *Decision) addError(msg string)      { d.Errors = append(d.Errors, msg) }
func (d *Decision) addWarning(msg string)    { d.Warnings = append(d.Warnings, msg) }
func (d *Decision) addSuggestion(msg string) { d.Suggestions = append(d.Suggestions, msg) }

// Checker runs pre-send checks
type Checker struct {
	domains      DomainSource
	suppressions SuppressionChecker
	cfg          Config
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewChecker creates a checker. m may be nil.
func NewChecker(domains DomainSource, suppressions SuppressionChecker, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Checker {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.SpamErrorThreshold <= 0 {
		cfg.SpamErrorThreshold = DefaultSpamErrorThreshold
	}
	if cfg.SpamWarningThreshold <= 0 {
		cfg.SpamWarningThreshold = DefaultSpamWarningThreshold
	}
	return &Checker{
		domains:      domains,
		suppressions: suppressions,
		cfg:          cfg,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// Run evaluates req. Every step runs regardless of earlier findings. Store
// failures become blocking errors in the decision rather than a returned
// error; the returned error is reserved for a cancelled ctx.
func (c *Checker) Run(ctx context.Context, req *Request) (*Decision, error) {
	d := &Decision{
		ID:          uuid.NewString(),
		Errors:      []string{},
		Warnings:    []string{},
		Suggestions: []string{},
		CheckedAt:   c.now(),
	}

	recipients, invalid := normalizeRecipients(req.Recipients)
	for _, addr := range invalid {
		d.addError(fmt.Sprintf("Invalid recipient address: %s", addr))
	}
	if len(recipients) == 0 && len(invalid) == 0 {
		d.addError(MsgNoRecipients)
	}

	// Both lookups are independent store round trips
	var (
		dom       *health.Domain
		domErr    error
		statuses  map[string]suppression.Status
		statusErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		defer cancel()
		dom, domErr = c.domains.Get(sctx, req.DomainID)
		return nil
	})
	g.Go(func() error {
		if len(recipients) == 0 {
			return nil
		}
		sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		defer cancel()
		statuses, statusErr = c.suppressions.Check(sctx, req.TenantID, recipients)
		return nil
	})
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 1. Domain status
	c.checkDomain(d, req, dom, domErr)

	// 2. Suppression
	c.checkSuppression(d, recipients, statuses, statusErr)
	for _, addr := range invalid {
		d.RecipientStatus = append(d.RecipientStatus, RecipientStatus{Email: addr, Invalid: true})
	}

	// 3. Spam score
	text := req.TextContent
	if strings.TrimSpace(text) == "" {
		text = spam.ExtractText(req.HTMLContent)
	}
	hasUnsubscribe := HasUnsubscribe(req.HTMLContent) || HasUnsubscribe(req.TextContent)
	c.checkSpam(d, req.Subject, req.HTMLContent, text, hasUnsubscribe || !req.IsMarketingEmail)

	// 4. Warm-up
	if dom != nil {
		st := warmup.Check(dom, d.CheckedAt)
		d.Warmup = &st
		d.Suggestions = append(d.Suggestions, st.Suggestions...)
		active := int64(len(recipients) - d.SuppressedCount())
		if st.InWarmup && active > st.Remaining() {
			d.addWarning(fmt.Sprintf(
				"Sending to %d recipients exceeds the remaining warm-up allowance of %d for today; consider splitting this send",
				active, st.Remaining()))
		}
	}

	// 5. Content quality
	checkContent(d, req.Subject, req.HTMLContent, text)

	// 6. CAN-SPAM
	if req.IsMarketingEmail && !hasUnsubscribe {
		d.addError(MsgCANSPAM)
	}

	d.Allowed = len(d.Errors) == 0
	c.metrics.RecordDecision(d.Allowed, d.SpamScore, d.SuppressedCount())

	c.logger.Info("pre-send check completed",
		"decision_id", d.ID,
		"tenant_id", req.TenantID,
		"domain_id", req.DomainID,
		"recipients", len(recipients),
		"suppressed", d.SuppressedCount(),
		"spam_score", d.SpamScore,
		"allowed", d.Allowed,
		"errors", len(d.Errors),
		"warnings", len(d.Warnings),
	)

	return d, nil
}

func (c *Checker) checkDomain(d *Decision, req *Request, dom *health.Domain, err error) {
	if err != nil {
		if errors.Is(err, health.ErrNotFound) {
			d.addError(MsgDomainNotFound)
			return
		}
		c.metrics.IncStoreError(storeLabelDomains)
		c.logger.Error("domain lookup failed", "domain_id", req.DomainID, "error", err)
		d.addError(MsgDomainUnverifiable)
		return
	}

	d.Domain = dom.Name
	d.DomainStatus = dom.Classify()

	if dom.TenantID != "" && req.TenantID != "" && dom.TenantID != req.TenantID {
		d.addError(MsgDomainWrongTenant)
	}
	if !dom.Verified {
		d.addError(MsgDomainNotVerified)
	}
	if dom.IsSuspended {
		msg := "Sending domain is suspended"
		if dom.SuspendReason != "" {
			msg += ": " + dom.SuspendReason
		}
		d.addError(msg)
	}
	if !dom.SendingEnabled {
		d.addError(MsgSendingDisabled)
	}
	if !dom.SPFVerified {
		d.addError(MsgSPFMissing)
	}
	if !dom.DKIMVerified {
		d.addError(MsgDKIMMissing)
	}
	if !dom.DMARCVerified {
		d.addWarning(MsgDMARCMissing)
	}
}

func (c *Checker) checkSuppression(d *Decision, recipients []string, statuses map[string]suppression.Status, err error) {
	if err != nil {
		c.metrics.IncStoreError(storeLabelSuppressions)
		c.logger.Error("suppression check failed", "recipients", len(recipients), "error", err)
		d.addError(MsgSuppressionFailed)
		// Unknown status is reported as not suppressed; the error above blocks the send
		for _, r := range recipients {
			d.RecipientStatus = append(d.RecipientStatus, RecipientStatus{Email: r})
		}
		return
	}

	d.RecipientStatus = make([]RecipientStatus, 0, len(recipients))
	suppressed := 0
	for _, r := range recipients {
		st := statuses[r]
		d.RecipientStatus = append(d.RecipientStatus, RecipientStatus{
			Email:      r,
			Suppressed: st.Suppressed,
			Reason:     st.Reason,
		})
		if st.Suppressed {
			suppressed++
		}
	}

	if suppressed == 0 {
		return
	}
	d.addWarning(fmt.Sprintf("%d recipient(s) on suppression list will be skipped", suppressed))
	if suppressed == len(recipients) {
		d.addError(MsgAllSuppressed)
	}
}

func (c *Checker) checkSpam(d *Decision, subject, html, text string, hasUnsubscribe bool) {
	res := spam.Score(subject, html, text, hasUnsubscribe)
	d.SpamScore = res.Score

	switch {
	case res.Score >= c.cfg.SpamErrorThreshold:
		d.addError(fmt.Sprintf("Spam score too high (%d/100): message is likely to be filtered", res.Score))
		d.Errors = append(d.Errors, res.Issues...)
	case res.Score >= c.cfg.SpamWarningThreshold:
		d.addWarning(fmt.Sprintf("Elevated spam score (%d/100)", res.Score))
		d.Warnings = append(d.Warnings, res.Issues...)
	}
}

func checkContent(d *Decision, subject, html, text string) {
	lower := strings.ToLower(html)
	if html != "" && (!strings.Contains(lower, "<!doctype") || !strings.Contains(lower, "<html")) {
		d.addSuggestion(MsgAddHTMLWrapper)
	}
	if len(strings.TrimSpace(text)) < minTextLength {
		d.addSuggestion(MsgShortText)
	}
	if !hasPersonalization(subject) && !hasPersonalization(html) && !hasPersonalization(text) {
		d.addSuggestion(MsgNoPersonalization)
	}
}

// HasUnsubscribe reports whether content carries an unsubscribe mechanism.
// List-Unsubscribe matches as well.
func HasUnsubscribe(content string) bool {
	return strings.Contains(strings.ToLower(content), "unsubscribe")
}

func hasPersonalization(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "{name}")
}

// normalizeRecipients lowercases and deduplicates addresses, preserving
// first-seen order, and returns unparseable inputs separately
func normalizeRecipients(in []string) (valid, invalid []string) {
	seen := make(map[string]bool, len(in))
	for _, raw := range in {
		addr, err := email.Parse(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		valid = append(valid, addr)
	}
	return valid, invalid
}
