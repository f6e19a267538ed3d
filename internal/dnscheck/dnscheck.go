// Package dnscheck verifies the SPF, DKIM, DMARC and MX records of a
// sending domain.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-msgauth/dmarc"

	"github.com/foxzi/sendgate/internal/dns"
	"github.com/foxzi/sendgate/internal/health"
)

// Domain validation errors
var (
	ErrInvalidDomain   = errors.New("invalid domain name")
	ErrInvalidSelector = errors.New("invalid selector format")
)

// DefaultSelector is used when no DKIM selector is given
const DefaultSelector = "sendgate"

// Check statuses
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

// Check kinds
const (
	KindMX    = "mx"
	KindSPF   = "spf"
	KindDKIM  = "dkim"
	KindDMARC = "dmarc"
)

// domainRegex validates domain name format (RFC 1035)
var domainRegex = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

var selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks if DKIM selector is valid
func ValidateSelector(selector string) error {
	if selector == "" {
		return nil // Empty selector will use default
	}
	if len(selector) > 63 || !selectorRegex.MatchString(selector) {
		return ErrInvalidSelector
	}
	return nil
}

// Resolver answers TXT and MX queries. *dns.Resolver implements it.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, domain string) ([]dns.MXRecord, error)
}

// CheckResult represents a single DNS check result. Valid reports whether
// the record counts as configured for sending.
type CheckResult struct {
	Kind    string `json:"kind"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Valid   bool   `json:"valid"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// DomainCheckResult contains all DNS check results for a domain
type DomainCheckResult struct {
	Domain  string        `json:"domain"`
	Results []CheckResult `json:"results"`
	Summary Summary       `json:"summary"`
}

// Summary contains check statistics
type Summary struct {
	OK       int `json:"ok"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	NotFound int `json:"not_found"`
}

// Verification maps the results onto domain authentication flags
func (r *DomainCheckResult) Verification() health.Verification {
	var v health.Verification
	for _, res := range r.Results {
		switch res.Kind {
		case KindSPF:
			v.SPF = res.Valid
		case KindDKIM:
			v.DKIM = res.Valid
		case KindDMARC:
			v.DMARC = res.Valid
		}
	}
	return v
}

// CheckOptions specifies which checks to perform. No flags means all.
type CheckOptions struct {
	MX       bool   `json:"mx"`
	SPF      bool   `json:"spf"`
	DKIM     bool   `json:"dkim"`
	DMARC    bool   `json:"dmarc"`
	Selector string `json:"selector"`
}

// VerificationStore persists verification flags
type VerificationStore interface {
	SetVerification(ctx context.Context, id string, v health.Verification) error
}

// Checker runs DNS checks through a resolver
type Checker struct {
	resolver Resolver
}

// New creates a checker
func New(resolver Resolver) *Checker {
	return &Checker{resolver: resolver}
}

// CheckDomain performs DNS checks for a domain
func (c *Checker) CheckDomain(ctx context.Context, domain string, opts CheckOptions) (*DomainCheckResult, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if err := ValidateSelector(opts.Selector); err != nil {
		return nil, err
	}
	if opts.Selector == "" {
		opts.Selector = DefaultSelector
	}

	result := &DomainCheckResult{
		Domain:  domain,
		Results: make([]CheckResult, 0, 4),
	}

	checkAll := !opts.MX && !opts.SPF && !opts.DKIM && !opts.DMARC
	if checkAll || opts.MX {
		result.Results = append(result.Results, c.CheckMX(ctx, domain))
	}
	if checkAll || opts.SPF {
		result.Results = append(result.Results, c.CheckSPF(ctx, domain))
	}
	if checkAll || opts.DKIM {
		result.Results = append(result.Results, c.CheckDKIM(ctx, domain, opts.Selector))
	}
	if checkAll || opts.DMARC {
		result.Results = append(result.Results, c.CheckDMARC(ctx, domain))
	}

	for _, r := range result.Results {
		switch r.Status {
		case StatusOK:
			result.Summary.OK++
		case StatusWarning:
			result.Summary.Warnings++
		case StatusError:
			result.Summary.Errors++
		case StatusNotFound:
			result.Summary.NotFound++
		}
	}

	return result, nil
}

// Verify checks d's records and stores the resulting verification flags
func (c *Checker) Verify(ctx context.Context, store VerificationStore, d *health.Domain, selector string) (*DomainCheckResult, error) {
	result, err := c.CheckDomain(ctx, d.Name, CheckOptions{Selector: selector})
	if err != nil {
		return nil, err
	}
	if err := store.SetVerification(ctx, d.ID, result.Verification()); err != nil {
		return nil, fmt.Errorf("failed to save verification: %w", err)
	}
	return result, nil
}

func lookupFailed(result CheckResult, err error, notFound string) CheckResult {
	if errors.Is(err, dns.ErrNotFound) {
		result.Status = StatusNotFound
		result.Message = notFound
		return result
	}
	result.Status = StatusError
	result.Message = fmt.Sprintf("Lookup failed: %v", err)
	return result
}

// CheckMX checks MX records for a domain
func (c *Checker) CheckMX(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Kind: KindMX, Type: "MX Records"}

	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil {
		return lookupFailed(result, err, "No MX records found")
	}

	values := make([]string, 0, len(records))
	for _, mx := range records {
		values = append(values, fmt.Sprintf("%s (priority %d)", mx.Host, mx.Priority))
	}
	result.Status = StatusOK
	result.Valid = true
	result.Value = strings.Join(values, ", ")
	result.Message = fmt.Sprintf("%d MX record(s) found", len(records))
	return result
}

// CheckSPF checks SPF record for a domain
func (c *Checker) CheckSPF(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Kind: KindSPF, Type: "SPF Record"}

	txtRecords, err := c.resolver.LookupTXT(ctx, domain)
	if err != nil {
		return lookupFailed(result, err, "No SPF record found")
	}

	var spf []string
	for _, txt := range txtRecords {
		if txt == "v=spf1" || strings.HasPrefix(txt, "v=spf1 ") {
			spf = append(spf, txt)
		}
	}
	switch len(spf) {
	case 0:
		result.Status = StatusNotFound
		result.Message = "No SPF record found"
		return result
	case 1:
	default:
		result.Status = StatusError
		result.Value = strings.Join(spf, " | ")
		result.Message = "Multiple SPF records found: receivers will treat this as a permanent error"
		return result
	}

	txt := spf[0]
	result.Status = StatusOK
	result.Valid = true
	result.Value = txt
	switch {
	case strings.Contains(txt, "+all"):
		result.Status = StatusWarning
		result.Message = "SPF uses +all (allows any sender): consider ~all or -all"
	case strings.Contains(txt, "-all"):
		result.Message = "SPF configured with strict policy (-all)"
	case strings.Contains(txt, "~all"):
		result.Message = "SPF configured with soft fail (~all)"
	default:
		result.Status = StatusWarning
		result.Message = "SPF record has no all mechanism"
	}
	return result
}

// CheckDKIM checks the DKIM key published under selector
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector string) CheckResult {
	result := CheckResult{Kind: KindDKIM, Type: fmt.Sprintf("DKIM Record (%s._domainkey)", selector)}

	txtRecords, err := c.resolver.LookupTXT(ctx, selector+"._domainkey."+domain)
	if err != nil {
		return lookupFailed(result, err, fmt.Sprintf("No DKIM record found for selector '%s'", selector))
	}

	// Long keys are split over several strings
	record := strings.Join(txtRecords, "")
	result.Value = truncateString(record, 100)

	tags := parseTags(record)
	if v, ok := tags["v"]; ok && v != "DKIM1" {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DKIM record"
		return result
	}
	key, ok := tags["p"]
	if !ok {
		result.Status = StatusWarning
		result.Message = "DKIM record missing public key (p=)"
		return result
	}
	if key == "" {
		result.Status = StatusError
		result.Message = "DKIM key has been revoked (empty p=)"
		return result
	}

	result.Status = StatusOK
	result.Valid = true
	switch tags["k"] {
	case "", "rsa":
		result.Message = "DKIM configured with RSA key"
	case "ed25519":
		result.Message = "DKIM configured with Ed25519 key"
	default:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("DKIM key type %q is not widely supported", tags["k"])
	}
	return result
}

// CheckDMARC checks DMARC record for a domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Kind: KindDMARC, Type: "DMARC Record"}

	txtRecords, err := c.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return lookupFailed(result, err, "No DMARC record found (recommended to add)")
	}

	var raw string
	for _, txt := range txtRecords {
		if strings.HasPrefix(txt, "v=DMARC1") {
			raw = txt
			break
		}
	}
	if raw == "" {
		result.Status = StatusWarning
		result.Value = strings.Join(txtRecords, "")
		result.Message = "TXT record found but doesn't appear to be a valid DMARC record"
		return result
	}
	result.Value = raw

	rec, err := dmarc.Parse(raw)
	if err != nil {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("DMARC record could not be parsed: %v", err)
		return result
	}

	result.Valid = true
	switch rec.Policy {
	case dmarc.PolicyReject:
		result.Status = StatusOK
		result.Message = "DMARC configured with reject policy (strict)"
	case dmarc.PolicyQuarantine:
		result.Status = StatusOK
		result.Message = "DMARC configured with quarantine policy"
	default:
		result.Status = StatusWarning
		result.Message = "DMARC configured with none policy (monitoring only)"
	}
	if rec.Percent != nil && *rec.Percent < 100 {
		result.Message += fmt.Sprintf(", applied to %d%% of mail", *rec.Percent)
	}
	return result
}

// parseTags splits a tag=value; list as used by DKIM records
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(k)] = strings.Join(strings.Fields(v), "")
	}
	return tags
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
