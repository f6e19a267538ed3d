package events

import (
	"errors"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/foxzi/sendgate/internal/suppression"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestParseWebhookBounce(t *testing.T) {
	body := `{
		"type": "email.bounced",
		"created_at": "2026-02-01T10:00:00Z",
		"data": {
			"id": "re_123",
			"to": ["User@Example.org"],
			"tags": [{"name": "tenant_id", "value": "t1"}, {"name": "domain_id", "value": "dom-1"}],
			"bounce_type": "hard",
			"error": {"message": "550 no such user"}
		}
	}`

	ev, err := ParseWebhook([]byte(body))
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	b, ok := ev.(Bounced)
	if !ok {
		t.Fatalf("expected Bounced, got %T", ev)
	}
	if b.Type != suppression.BounceHard {
		t.Errorf("Type = %s, want hard", b.Type)
	}
	if b.Reason != "550 no such user" {
		t.Errorf("Reason = %q", b.Reason)
	}
	if b.TenantID != "t1" || b.DomainID != "dom-1" || b.ID != "re_123" {
		t.Errorf("unexpected meta: %+v", b.Meta)
	}
	if len(b.Recipients) != 1 || b.Recipients[0] != "user@example.org" {
		t.Errorf("Recipients = %v", b.Recipients)
	}
	if b.OccurredAt.IsZero() {
		t.Error("OccurredAt should be parsed")
	}
}

func TestParseWebhookObjectRecipients(t *testing.T) {
	body := `{"type":"email.complained","data":{"email_id":"e1","to":[{"email":"a@example.org"},{"email":"b@example.org"}],"tags":[{"name":"company_id","value":"c9"}]}}`

	ev, err := ParseWebhook([]byte(body))
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	c, ok := ev.(Complained)
	if !ok {
		t.Fatalf("expected Complained, got %T", ev)
	}
	if len(c.Recipients) != 2 {
		t.Errorf("Recipients = %v", c.Recipients)
	}
	if c.TenantID != "c9" || c.ID != "e1" {
		t.Errorf("unexpected meta: %+v", c.Meta)
	}
}

func TestParseWebhookKinds(t *testing.T) {
	tests := []struct {
		typ  string
		kind string
	}{
		{"email.delivered", KindDelivered},
		{"email.bounced", KindBounced},
		{"email.complained", KindComplained},
		{"email.unsubscribed", KindUnsubscribed},
		{"email.opened", KindOpened},
		{"email.clicked", KindClicked},
	}
	for _, tc := range tests {
		ev, err := ParseWebhook([]byte(`{"type":"` + tc.typ + `","data":{"to":["a@example.org"]}}`))
		if err != nil {
			t.Errorf("%s: %v", tc.typ, err)
			continue
		}
		if ev.Kind() != tc.kind {
			t.Errorf("%s: Kind = %s, want %s", tc.typ, ev.Kind(), tc.kind)
		}
	}
}

func TestParseWebhookSoftBounceDefault(t *testing.T) {
	ev, err := ParseWebhook([]byte(`{"type":"email.bounced","data":{"to":["a@example.org"],"bounce_reason":"mailbox full"}}`))
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	if b := ev.(Bounced); b.Type != suppression.BounceSoft || b.Reason != "mailbox full" {
		t.Errorf("unexpected bounce: %+v", b)
	}
}

func TestParseWebhookClickLink(t *testing.T) {
	ev, err := ParseWebhook([]byte(`{"type":"email.clicked","data":{"to":"a@example.org","click":{"link":"https://example.com/x"}}}`))
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	if c := ev.(Clicked); c.URL != "https://example.com/x" || len(c.Recipients) != 1 {
		t.Errorf("unexpected click: %+v", c)
	}
}

func TestParseWebhookErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"unknown type", `{"type":"email.received","data":{"to":["a@example.org"]}}`, ErrUnknownType},
		{"no recipients", `{"type":"email.bounced","data":{}}`, ErrNoRecipients},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseWebhook([]byte(tc.body)); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := ParseWebhook([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ParseWebhook([]byte(`{"type":"email.opened","created_at":"yesterday","data":{}}`)); err == nil {
		t.Error("expected error for invalid created_at")
	}
}
