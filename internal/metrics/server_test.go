package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxzi/sendgate/internal/ipfilter"
)

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.IncEvent("delivered")

	tests := []struct {
		name       string
		allowed    []string
		remoteAddr string
		path       string
		wantStatus int
	}{
		{"no filtering when empty", nil, "1.2.3.4:12345", "/metrics", http.StatusOK},
		{"allowed IP", []string{"192.168.1.0/24"}, "192.168.1.100:12345", "/metrics", http.StatusOK},
		{"denied IP", []string{"192.168.1.0/24"}, "10.0.0.1:12345", "/metrics", http.StatusForbidden},
		{"health is never filtered", []string{"192.168.1.0/24"}, "10.0.0.1:12345", "/health", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter := ipfilter.New(tt.allowed, false, logger)
			s := NewServer(m, ":9090", "/metrics", filter, logger)

			req := httptest.NewRequest("GET", tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestServerExposesMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.IncEvent("complained")

	s := NewServer(m, "", "", nil, logger)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `sendgate_delivery_events_total{kind="complained"} 1`) {
		t.Errorf("metrics output missing event counter:\n%s", rec.Body.String())
	}
}
