package rewrite

import (
	"strings"
)

// rewritable reports whether v is an absolute http(s) URL.
func rewritable(v string) bool {
	return hasPrefixFold(v, "http://") || hasPrefixFold(v, "https://")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// prefix is what every proxied URL starts with: "<root>/".
func (rw *Rewriter) prefix() string {
	return rw.root + "/"
}

// proxied reports whether v already points at this proxy.
func (rw *Rewriter) proxied(v string) bool {
	if rw.root == "" {
		// Root-relative proxied values never start with a scheme.
		return false
	}
	return hasPrefixFold(v, rw.prefix())
}

// RewriteURL maps an absolute http(s) URL to its proxied form. Values that
// are relative, use another scheme, or are already proxied are returned
// unchanged with ok=false.
func (rw *Rewriter) RewriteURL(v string) (string, bool) {
	t := strings.TrimSpace(v)
	if !rewritable(t) || rw.proxied(t) {
		return v, false
	}
	return rw.prefix() + t, true
}

// RewriteSrcset rewrites every candidate URL of a srcset value. Width and
// density descriptors are kept as written.
func (rw *Rewriter) RewriteSrcset(v string) (string, bool) {
	parts := strings.Split(v, ",")
	changed := false
	for i, part := range parts {
		trimmed := strings.TrimLeft(part, asciiSpace)
		lead := part[:len(part)-len(trimmed)]
		end := strings.IndexAny(trimmed, asciiSpace)
		if end < 0 {
			end = len(trimmed)
		}
		if u, ok := rw.RewriteURL(trimmed[:end]); ok {
			parts[i] = lead + u + trimmed[end:]
			changed = true
		}
	}
	if !changed {
		return v, false
	}
	return strings.Join(parts, ","), true
}

const asciiSpace = " \t\n\f\r"

// Unwrap recovers the target URL from a proxied value. ok is false when v
// does not point through this proxy.
func (rw *Rewriter) Unwrap(v string) (string, bool) {
	if !hasPrefixFold(v, rw.prefix()) {
		return v, false
	}
	inner := v[len(rw.prefix()):]
	if !rewritable(inner) {
		return v, false
	}
	return inner, true
}
