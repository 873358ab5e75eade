// SPDX-License-Identifier: MIT

package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sitewarden/sitewarden/internal/store"
)

// RegisterBuiltins adds the default probe set to the registry.
func RegisterBuiltins(r *Registry, client *http.Client) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	r.Register(&HTTPStatusProbe{client: client})
	r.Register(&SSLCertificateProbe{})
	r.Register(&SecurityHeadersProbe{client: client})
}

// HTTPStatusProbe checks that the target answers with an expected status.
type HTTPStatusProbe struct {
	client *http.Client
}

func (p *HTTPStatusProbe) Name() string { return "http_status" }

func (p *HTTPStatusProbe) Run(ctx context.Context, target Target, cfg map[string]any) (Finding, error) {
	expected := intOption(cfg, "expected_status", 200)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return Finding{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Finding{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	return Finding{
		Passed:  resp.StatusCode == expected,
		Message: fmt.Sprintf("status %d (expected %d)", resp.StatusCode, expected),
		Evidence: map[string]any{
			"status_code": resp.StatusCode,
			"expected":    expected,
		},
	}, nil
}

// SSLCertificateProbe verifies the TLS chain and remaining certificate
// lifetime.
type SSLCertificateProbe struct{}

func (p *SSLCertificateProbe) Name() string { return "ssl_certificate" }

func (p *SSLCertificateProbe) Run(ctx context.Context, target Target, cfg map[string]any) (Finding, error) {
	minDays := intOption(cfg, "min_days_remaining", 14)

	u, err := url.Parse(target.URL)
	if err != nil {
		return Finding{}, err
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	dialer := &tls.Dialer{Config: &tls.Config{ServerName: host}}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return Finding{}, err
	}
	defer func() { _ = conn.Close() }()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return Finding{Passed: false, Message: "no peer certificate presented", Severity: store.SeverityCritical}, nil
	}
	leaf := state.PeerCertificates[0]
	remaining := time.Until(leaf.NotAfter)
	days := int(remaining.Hours() / 24)

	f := Finding{
		Passed:  days >= minDays,
		Message: fmt.Sprintf("certificate for %s expires in %d days", host, days),
		Evidence: map[string]any{
			"not_after":      leaf.NotAfter.UTC().Format(time.RFC3339),
			"days_remaining": days,
			"issuer":         leaf.Issuer.CommonName,
		},
	}
	if days < 0 {
		f.Message = fmt.Sprintf("certificate for %s expired %d days ago", host, -days)
		f.Severity = store.SeverityCritical
	}
	return f, nil
}

// SecurityHeadersProbe checks the presence of baseline security headers.
type SecurityHeadersProbe struct {
	client *http.Client
}

func (p *SecurityHeadersProbe) Name() string { return "security_headers" }

var requiredHeaders = []string{
	"Strict-Transport-Security",
	"X-Content-Type-Options",
	"X-Frame-Options",
	"Content-Security-Policy",
}

func (p *SecurityHeadersProbe) Run(ctx context.Context, target Target, cfg map[string]any) (Finding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return Finding{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Finding{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var missing []string
	for _, h := range requiredHeaders {
		if resp.Header.Get(h) == "" {
			missing = append(missing, h)
		}
	}
	if len(missing) == 0 {
		return Finding{Passed: true, Message: "all baseline security headers present"}, nil
	}
	return Finding{
		Passed:   false,
		Message:  "missing security headers: " + strings.Join(missing, ", "),
		Evidence: map[string]any{"missing": missing},
	}, nil
}

func intOption(cfg map[string]any, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
