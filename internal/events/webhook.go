package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/sendgate/internal/email"
	"github.com/foxzi/sendgate/internal/suppression"
)

var (
	ErrUnknownType  = errors.New("unknown event type")
	ErrNoRecipients = errors.New("event has no recipients")
)

// Tag names carrying routing information
const (
	TagTenantID  = "tenant_id"
	TagCompanyID = "company_id"
	TagDomainID  = "domain_id"
)

type webhookPayload struct {
	Type      string      `json:"type"`
	CreatedAt string      `json:"created_at"`
	Data      webhookData `json:"data"`
}

type webhookData struct {
	ID           string        `json:"id"`
	EmailID      string        `json:"email_id"`
	To           addressList   `json:"to"`
	Tags         []webhookTag  `json:"tags"`
	BounceType   string        `json:"bounce_type"`
	BounceReason string        `json:"bounce_reason"`
	Error        *webhookError `json:"error"`
	Click        *webhookClick `json:"click"`
}

type webhookTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type webhookError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type webhookClick struct {
	Link string `json:"link"`
}

// addressList accepts ["a@x"] as well as [{"email":"a@x"}]
type addressList []string

func (l *addressList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		var single string
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return err
		}
		*l = addressList{single}
		return nil
	}

	out := make(addressList, 0, len(raw))
	for _, item := range raw {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				return err
			}
			out = append(out, s)
			continue
		}
		var obj struct {
			Email string `json:"email"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return err
		}
		out = append(out, obj.Email)
	}
	*l = out
	return nil
}

// ParseWebhook decodes a provider webhook body into an Event
func ParseWebhook(body []byte) (Event, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}

	meta := Meta{
		ID:         p.Data.ID,
		Recipients: email.NormalizeAll(p.Data.To),
	}
	if meta.ID == "" {
		meta.ID = p.Data.EmailID
	}
	for _, tag := range p.Data.Tags {
		switch tag.Name {
		case TagTenantID:
			meta.TenantID = tag.Value
		case TagCompanyID:
			if meta.TenantID == "" {
				meta.TenantID = tag.Value
			}
		case TagDomainID:
			meta.DomainID = tag.Value
		}
	}
	if p.CreatedAt != "" {
		at, err := time.Parse(time.RFC3339, p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid created_at %q: %w", p.CreatedAt, err)
		}
		meta.OccurredAt = at
	}

	kind := strings.TrimPrefix(p.Type, "email.")
	switch kind {
	case KindDelivered, KindBounced, KindComplained, KindUnsubscribed:
		if len(meta.Recipients) == 0 {
			return nil, fmt.Errorf("%s: %w", p.Type, ErrNoRecipients)
		}
	}

	switch kind {
	case KindDelivered:
		return Delivered{meta}, nil
	case KindBounced:
		bt := suppression.BounceSoft
		if p.Data.BounceType == string(suppression.BounceHard) {
			bt = suppression.BounceHard
		}
		reason := p.Data.BounceReason
		if reason == "" && p.Data.Error != nil {
			reason = p.Data.Error.Message
		}
		return Bounced{Meta: meta, Type: bt, Reason: reason}, nil
	case KindComplained:
		return Complained{meta}, nil
	case KindUnsubscribed:
		return Unsubscribed{meta}, nil
	case KindOpened:
		return Opened{meta}, nil
	case KindClicked:
		ev := Clicked{Meta: meta}
		if p.Data.Click != nil {
			ev.URL = p.Data.Click.Link
		}
		return ev, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
}
