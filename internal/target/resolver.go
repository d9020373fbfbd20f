// Package target turns the inbound request path into the URL to forward to.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformed is returned when the path cannot be turned into an http(s) URL.
var ErrMalformed = errors.New("malformed target URL")

// Error describes a candidate string that did not resolve.
type Error struct {
	Candidate string
	Reason    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid target URL %q: %s", e.Candidate, e.Reason)
}

func (e *Error) Unwrap() error { return ErrMalformed }

// Resolve builds the target URL from the escaped request path (leading slash
// included), the raw query and the fragment.
//
// The percent-decoded form of the path is preferred; the raw form is only
// tried when decoding fails or the decoded form does not resolve.
func Resolve(escapedPath, rawQuery, fragment string) (*url.URL, error) {
	raw := strings.TrimPrefix(escapedPath, "/")

	var candidates []string
	if decoded, err := url.PathUnescape(raw); err == nil {
		candidates = append(candidates, decoded)
	}
	if len(candidates) == 0 || candidates[0] != raw {
		candidates = append(candidates, raw)
	}

	suffix := ""
	if rawQuery != "" {
		suffix += "?" + rawQuery
	}
	if fragment != "" {
		suffix += "#" + fragment
	}

	reason := "not an absolute URL"
	for _, c := range candidates {
		u, err := resolveCandidate(c + suffix)
		if err == nil {
			return u, nil
		}
		reason = err.Error()
	}
	return nil, &Error{Candidate: raw + suffix, Reason: reason}
}

func resolveCandidate(s string) (*url.URL, error) {
	if s == "" {
		return nil, errors.New("empty target")
	}
	s = repairScheme(s)

	u, err := parseAbsolute(s)
	if err != nil {
		if !looksLikeBareDomain(s) {
			return nil, err
		}
		u, err = parseAbsolute("https://" + s)
		if err != nil {
			return nil, fmt.Errorf("still invalid with https:// prefix: %w", err)
		}
	}

	switch u.Scheme {
	case "http", "https":
		return u, nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// parseAbsolute accepts only URLs with both a scheme and a host.
func parseAbsolute(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("missing scheme or host")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// looksLikeBareDomain reports whether s is plausibly a host without a scheme,
// e.g. "example.com/page".
func looksLikeBareDomain(s string) bool {
	return strings.Contains(s, ".") &&
		!strings.Contains(s, "://") &&
		!strings.HasPrefix(s, "/")
}

// repairScheme restores "https:/host" to "https://host". Some intermediaries
// merge consecutive slashes in the request path.
func repairScheme(s string) string {
	lower := strings.ToLower(s)
	for _, scheme := range []string{"http:", "https:"} {
		if strings.HasPrefix(lower, scheme) && !strings.HasPrefix(lower, scheme+"//") {
			rest := strings.TrimLeft(s[len(scheme):], "/")
			return s[:len(scheme)] + "//" + rest
		}
	}
	return s
}
