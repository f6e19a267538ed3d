// Package events applies delivery feedback (bounces, complaints,
// unsubscribes, deliveries) to the suppression lists and domain counters.
package events

import (
	"time"

	"github.com/foxzi/sendgate/internal/suppression"
)

// Event kinds
const (
	KindDelivered    = "delivered"
	KindBounced      = "bounced"
	KindComplained   = "complained"
	KindUnsubscribed = "unsubscribed"
	KindOpened       = "opened"
	KindClicked      = "clicked"
)

// Event is one of Delivered, Bounced, Complained, Unsubscribed, Opened or
// Clicked. The set is closed.
type Event interface {
	Kind() string
	Meta() Meta
	sealed()
}

// Meta is common to every event
type Meta struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	DomainID   string    `json:"domain_id"`
	Recipients []string  `json:"recipients"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Meta returns m
func (m Meta) Meta() Meta { return m }

func (Meta) sealed() {}

type Delivered struct{ Meta }

type Bounced struct {
	Meta
	Type   suppression.BounceType `json:"bounce_type"`
	Reason string                 `json:"reason,omitempty"`
}

type Complained struct{ Meta }

type Unsubscribed struct{ Meta }

type Opened struct{ Meta }

type Clicked struct {
	Meta
	URL string `json:"url,omitempty"`
}

func (Delivered) Kind() string    { return KindDelivered }
func (Bounced) Kind() string      { return KindBounced }
func (Complained) Kind() string   { return KindComplained }
func (Unsubscribed) Kind() string { return KindUnsubscribed }
func (Opened) Kind() string       { return KindOpened }
func (Clicked) Kind() string      { return KindClicked }
