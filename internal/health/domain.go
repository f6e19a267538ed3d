// Package health tracks sending-domain reputation and classifies domains
// by their bounce and complaint history.
package health

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a domain has no health record
var ErrNotFound = errors.New("domain not found")

// Status is the health classification of a domain
type Status string

const (
	StatusSuspended Status = "suspended"
	StatusCritical  Status = "critical"
	StatusWarning   Status = "warning"
	StatusHealthy   Status = "healthy"
)

// Classification thresholds. Rates are percentages.
const (
	CriticalReputation    = 30
	CriticalBounceRate    = 10.0
	CriticalComplaintRate = 0.5

	WarningReputation    = 60
	WarningBounceRate    = 5.0
	WarningComplaintRate = 0.2
)

// Domain is the health record of a sending domain
type Domain struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TenantID string `json:"tenant_id"`

	ReputationScore int   `json:"reputation_score"`
	TotalEmailsSent int64 `json:"total_emails_sent"`
	HardBounces     int64 `json:"hard_bounces"`
	SoftBounces     int64 `json:"soft_bounces"`
	SpamComplaints  int64 `json:"spam_complaints"`
	EmailsSentToday int64 `json:"emails_sent_today"`
	// UTC day (YYYY-MM-DD) EmailsSentToday counts; empty means the current day
	SentTodayDate string `json:"sent_today_date,omitempty"`

	IsSuspended    bool       `json:"is_suspended"`
	SuspendReason  string     `json:"suspend_reason,omitempty"`
	SuspendedAt    *time.Time `json:"suspended_at,omitempty"`
	SendingEnabled bool       `json:"sending_enabled"`

	Verified      bool `json:"verified"`
	SPFVerified   bool `json:"spf_verified"`
	DKIMVerified  bool `json:"dkim_verified"`
	DMARCVerified bool `json:"dmarc_verified"`

	WarmupCompleted bool      `json:"warmup_completed"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BounceRate is the share of attempts that bounced, in percent
func (d *Domain) BounceRate() float64 {
	bounces := d.HardBounces + d.SoftBounces
	attempts := d.TotalEmailsSent + bounces
	if attempts == 0 {
		return 0
	}
	return float64(bounces) / float64(attempts) * 100
}

// ComplaintRate is complaints per sent email, in percent
func (d *Domain) ComplaintRate() float64 {
	if d.TotalEmailsSent == 0 {
		return 0
	}
	return float64(d.SpamComplaints) / float64(d.TotalEmailsSent) * 100
}

// DeliveryRate is the share of attempts that were delivered, in percent
func (d *Domain) DeliveryRate() float64 {
	attempts := d.TotalEmailsSent + d.HardBounces + d.SoftBounces
	if attempts == 0 {
		return 100
	}
	return float64(d.TotalEmailsSent) / float64(attempts) * 100
}

// Classify returns the first matching status, checked from worst to best
func (d *Domain) Classify() Status {
	bounce := d.BounceRate()
	complaint := d.ComplaintRate()

	switch {
	case d.IsSuspended:
		return StatusSuspended
	case d.ReputationScore < CriticalReputation || bounce > CriticalBounceRate || complaint > CriticalComplaintRate:
		return StatusCritical
	case d.ReputationScore < WarningReputation || bounce > WarningBounceRate || complaint > WarningComplaintRate:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// Report is a read-only view of a domain with its derived metrics
type Report struct {
	Domain        *Domain `json:"domain"`
	Status        Status  `json:"status"`
	BounceRate    float64 `json:"bounce_rate"`
	ComplaintRate float64 `json:"complaint_rate"`
	DeliveryRate  float64 `json:"delivery_rate"`
}

// NewReport derives the metrics of d
func NewReport(d *Domain) Report {
	return Report{
		Domain:        d,
		Status:        d.Classify(),
		BounceRate:    d.BounceRate(),
		ComplaintRate: d.ComplaintRate(),
		DeliveryRate:  d.DeliveryRate(),
	}
}

// Counters are deltas applied to a domain's volume counters
type Counters struct {
	Sent        int64
	SentToday   int64
	HardBounces int64
	SoftBounces int64
	Complaints  int64
}

// Verification holds DNS authentication results
type Verification struct {
	SPF   bool
	DKIM  bool
	DMARC bool
}

// DayLayout formats SentTodayDate
const DayLayout = "2006-01-02"

// Day returns the UTC day of t in DayLayout
func Day(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// SentOn returns the sends counted for the UTC day of now. A counter kept
// for an earlier day reads as zero.
func (d *Domain) SentOn(now time.Time) int64 {
	if d.SentTodayDate != "" && d.SentTodayDate != Day(now) {
		return 0
	}
	return d.EmailsSentToday
}

// staleDay reports whether the daily counter belongs to a day other than today
func (d *Domain) staleDay(today string) bool {
	return d.SentTodayDate != today
}

func (d *Domain) apply(c Counters, now time.Time) {
	d.TotalEmailsSent += c.Sent
	if c.SentToday != 0 {
		today := Day(now)
		if d.staleDay(today) {
			d.EmailsSentToday = 0
			d.SentTodayDate = today
		}
		d.EmailsSentToday += c.SentToday
	}
	d.HardBounces += c.HardBounces
	d.SoftBounces += c.SoftBounces
	d.SpamComplaints += c.Complaints
}

func (d *Domain) applyVerification(v Verification) {
	d.SPFVerified = v.SPF
	d.DKIMVerified = v.DKIM
	d.DMARCVerified = v.DMARC
	d.Verified = v.SPF && v.DKIM
}
