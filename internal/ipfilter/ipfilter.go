// Package ipfilter restricts HTTP endpoints to a list of networks
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Filter checks client addresses against allowed networks
type Filter struct {
	allowedNets []*net.IPNet
	trustProxy  bool
	logger      *slog.Logger
}

// New creates a filter from a list of IPs and CIDRs. An empty list allows
// everything. When trustProxy is set, X-Forwarded-For and X-Real-IP are
// consulted before RemoteAddr.
func New(allowed []string, trustProxy bool, logger *slog.Logger) *Filter {
	f := &Filter{
		trustProxy: trustProxy,
		logger:     logger,
	}

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ipNet, err := parseNet(entry)
		if err != nil {
			logger.Warn("invalid entry in allowed_ips", "entry", entry, "error", err)
			continue
		}
		f.allowedNets = append(f.allowedNets, ipNet)
	}

	return f
}

func parseNet(s string) (*net.IPNet, error) {
	if strings.Contains(s, "/") {
		_, ipNet, err := net.ParseCIDR(s)
		return ipNet, err
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, &net.ParseError{Type: "IP address", Text: s}
	}
	// Single IP becomes /32 or /128
	bits := 128
	if ip.To4() != nil {
		ip = ip.To4()
		bits = 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Enabled returns true if filtering is active
func (f *Filter) Enabled() bool {
	return len(f.allowedNets) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	return len(f.allowedNets)
}

// IsAllowed reports whether ip may pass
func (f *Filter) IsAllowed(ip net.IP) bool {
	if !f.Enabled() {
		return true
	}
	for _, ipNet := range f.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP extracts the client address from r
func (f *Filter) ClientIP(r *http.Request) net.IP {
	if f.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// Middleware rejects requests from addresses outside the allowed networks
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := f.ClientIP(r)
		if clientIP == nil {
			f.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if !f.IsAllowed(clientIP) {
			f.logger.Warn("access denied by IP filter", "ip", clientIP.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
