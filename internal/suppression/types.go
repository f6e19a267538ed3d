package suppression

import (
	"errors"
	"fmt"
	"time"
)

// Reason explains why an address is suppressed
type Reason string

const (
	ReasonUnsubscribed Reason = "unsubscribed"
	ReasonBounced      Reason = "bounced"
	ReasonComplained   Reason = "complained"
)

// Valid reports whether r is one of the known reasons
func (r Reason) Valid() bool {
	switch r {
	case ReasonUnsubscribed, ReasonBounced, ReasonComplained:
		return true
	}
	return false
}

// ParseReason converts user input into a Reason
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, s)
	}
	return r, nil
}

// BounceType distinguishes permanent from transient bounces
type BounceType string

const (
	BounceHard BounceType = "hard"
	BounceSoft BounceType = "soft"
)

var (
	ErrInvalidReason  = errors.New("invalid suppression reason")
	ErrInvalidEmail   = errors.New("invalid email address")
	ErrTenantRequired = errors.New("tenant id is required")
	ErrNotFound       = errors.New("suppression not found")
)

// Entry is a tenant-scoped suppression
type Entry struct {
	TenantID  string            `json:"tenant_id"`
	Email     string            `json:"email"`
	Reason    Reason            `json:"reason"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// GlobalBounce is a cross-tenant hard-bounce record
type GlobalBounce struct {
	Email        string    `json:"email"`
	BounceCount  int       `json:"bounce_count"`
	LastBounceAt time.Time `json:"last_bounce_at"`
	Reason       string    `json:"reason,omitempty"`
}

// Status is the verdict for a single address
type Status struct {
	Suppressed   bool       `json:"suppressed"`
	Reason       Reason     `json:"reason,omitempty"`
	SuppressedAt *time.Time `json:"suppressed_at,omitempty"`
	Global       bool       `json:"global,omitempty"`
}

// EntryQuery selects tenant entries. Zero-valued fields do not filter.
type EntryQuery struct {
	TenantID string   // equals
	Emails   []string // in
	Reason   Reason   // equals
	Limit    int
	Offset   int
}
