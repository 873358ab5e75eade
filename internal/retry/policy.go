// SPDX-License-Identifier: MIT

// Package retry decides whether and when a failed scan target is tried
// again. Failures are classified into categories; each category carries a
// backoff multiplier, and the computed delay is jittered so a fleet of
// failing targets does not retry in lockstep.
package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sitewarden/sitewarden/internal/config"
)

// Category classifies why a scan failed.
type Category string

const (
	CategoryTimeout           Category = "timeout"
	CategoryConnectionRefused Category = "connection_refused"
	CategoryDNSError          Category = "dns_error"
	CategorySSLError          Category = "ssl_error"
	CategoryServerError       Category = "server_error"
	CategoryNotFound          Category = "not_found"
	CategoryForbidden         Category = "forbidden"
	CategoryUnknown           Category = "unknown"
)

// multiplier returns the backoff growth factor for the category.
// Unlisted categories back off like unknown.
func (c Category) multiplier() float64 {
	switch c {
	case CategoryTimeout:
		return 1.5
	case CategoryConnectionRefused:
		return 2.0
	case CategoryServerError:
		return 1.2
	case CategoryDNSError:
		return 3.0
	case CategorySSLError:
		return 2.5
	default:
		return 1.5
	}
}

// Retryable reports whether the category permits another attempt at all.
// Targets that answer 404 or 403 are misconfigured, not flaky.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNotFound, CategoryForbidden:
		return false
	default:
		return true
	}
}

// Classify maps an error to a failure category. Typed errors win over
// string sniffing; the string fallback covers errors that cross process
// boundaries as plain text.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryDNSError
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return CategoryConnectionRefused
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
		return CategoryDNSError
	case strings.Contains(msg, "certificate") || strings.Contains(msg, "tls") || strings.Contains(msg, "ssl"):
		return CategorySSLError
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return CategoryTimeout
	case strings.Contains(msg, "status 404") || strings.Contains(msg, "not found"):
		return CategoryNotFound
	case strings.Contains(msg, "status 403") || strings.Contains(msg, "forbidden"):
		return CategoryForbidden
	case strings.Contains(msg, "status 5") || strings.Contains(msg, "server error") || strings.Contains(msg, "bad gateway"):
		return CategoryServerError
	default:
		return CategoryUnknown
	}
}

// ClassifyHTTPStatus maps an HTTP status code observed by a probe to a
// failure category.
func ClassifyHTTPStatus(code int) Category {
	switch {
	case code == 404:
		return CategoryNotFound
	case code == 403:
		return CategoryForbidden
	case code >= 500:
		return CategoryServerError
	default:
		return CategoryUnknown
	}
}

// Decision is the outcome of a retry evaluation.
type Decision struct {
	// GiveUp means the target should be parked for manual review instead
	// of retried.
	GiveUp bool
	// ReviewUntil is set when GiveUp is true.
	ReviewUntil time.Time
	// RetryAt is the next attempt instant when GiveUp is false.
	RetryAt time.Time
	// Delay is the jittered backoff that produced RetryAt.
	Delay time.Duration
}

// Policy computes retry decisions from configuration.
type Policy struct {
	cfg config.RetrySettings
	// jitter returns a factor in [-1, 1); swappable for deterministic tests.
	jitter func() float64
}

// New returns a Policy using the given settings.
func New(cfg config.RetrySettings) *Policy {
	return &Policy{
		cfg:    cfg,
		jitter: func() float64 { return rand.Float64()*2 - 1 },
	}
}

// Decide evaluates what to do after a failed attempt. attempts is the
// consecutive failure count including the one that just happened.
func (p *Policy) Decide(category Category, attempts int, now time.Time) Decision {
	if !category.Retryable() || attempts >= p.cfg.MaxRetriesPerDay {
		return Decision{GiveUp: true, ReviewUntil: now.Add(p.cfg.ReviewBackoff)}
	}
	delay := p.Delay(category, attempts)
	return Decision{RetryAt: now.Add(delay), Delay: delay}
}

// Delay computes the jittered, clamped backoff for the given attempt.
// Exponent growth is capped so long-failing targets plateau instead of
// overflowing.
func (p *Policy) Delay(category Category, attempts int) time.Duration {
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 4 {
		exp = 4
	}
	base := float64(p.cfg.BaseDelay) * math.Pow(category.multiplier(), float64(exp))
	jittered := base * (1 + 0.2*p.jitter())
	d := time.Duration(jittered)
	if d < p.cfg.MinDelay {
		d = p.cfg.MinDelay
	}
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}
