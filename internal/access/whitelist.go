// Package access decides which targets may be proxied and who may use the proxy.
package access

import (
	"errors"
	"strings"
)

// ErrDomainNotAllowed is returned when the target host is not whitelisted.
var ErrDomainNotAllowed = errors.New("target domain is not whitelisted")

// DeniedError names the rejected host. It matches ErrDomainNotAllowed.
type DeniedError struct {
	Host string
}

func (e *DeniedError) Error() string {
	return "domain " + e.Host + " is not whitelisted"
}

func (e *DeniedError) Unwrap() error { return ErrDomainNotAllowed }

// Whitelist is an ordered list of domain patterns. A pattern is either an
// exact hostname or "*.suffix". An empty whitelist allows every host.
type Whitelist struct {
	exact    map[string]bool
	suffixes []string
	patterns []string
}

// NewWhitelist normalizes patterns (trim, lowercase, drop empties).
func NewWhitelist(patterns []string) *Whitelist {
	w := &Whitelist{exact: make(map[string]bool)}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		w.patterns = append(w.patterns, p)
		if strings.HasPrefix(p, "*.") {
			w.suffixes = append(w.suffixes, p[1:])
			continue
		}
		w.exact[p] = true
	}
	return w
}

// Open reports whether the whitelist allows all hosts. A nil Whitelist is open.
func (w *Whitelist) Open() bool {
	return w == nil || len(w.patterns) == 0
}

// Patterns returns the normalized patterns in configuration order.
func (w *Whitelist) Patterns() []string {
	if w == nil {
		return nil
	}
	out := make([]string, len(w.patterns))
	copy(out, w.patterns)
	return out
}

// Allowed reports whether host may be proxied. Ports are not part of host.
func (w *Whitelist) Allowed(host string) bool {
	if w.Open() {
		return true
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if w.exact[host] {
		return true
	}
	for _, s := range w.suffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

// Check returns a *DeniedError when host is rejected.
func (w *Whitelist) Check(host string) error {
	if !w.Allowed(host) {
		return &DeniedError{Host: host}
	}
	return nil
}
