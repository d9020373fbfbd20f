// Package headers sanitizes outbound request headers and applies per-host rules.
package headers

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"link-proxy-go/internal/access"
)

// Action is what a rule does to one header. Implementations are Keep, Delete
// and SetValue; the interface is sealed.
type Action interface {
	apply(dst, orig http.Header, name string)
	fmt.Stringer
}

// Keep retains the client's original value for the header, restoring it if
// the unconditional strip removed it.
type Keep struct{}

// Delete removes the header.
type Delete struct{}

// SetValue overwrites the header with a literal value.
type SetValue struct {
	Value string
}

func (Keep) apply(dst, orig http.Header, name string) {
	vals := orig.Values(name)
	if name == "Cookie" {
		vals = withoutSessionCookie(vals)
	}
	if len(vals) > 0 {
		dst[name] = append([]string(nil), vals...)
	}
}

// withoutSessionCookie drops the proxy's own session cookie so a KEEP rule
// never hands it to the target.
func withoutSessionCookie(vals []string) []string {
	var out []string
	for _, v := range vals {
		cookies, err := http.ParseCookie(v)
		if err != nil {
			continue
		}
		var kept []string
		for _, c := range cookies {
			if c.Name != access.SessionCookieName {
				kept = append(kept, c.String())
			}
		}
		if len(kept) > 0 {
			out = append(out, strings.Join(kept, "; "))
		}
	}
	return out
}

func (Delete) apply(dst, _ http.Header, name string) {
	dst.Del(name)
}

func (s SetValue) apply(dst, _ http.Header, name string) {
	dst.Set(name, s.Value)
}

func (Keep) String() string       { return "KEEP" }
func (Delete) String() string     { return "DELETE" }
func (s SetValue) String() string { return s.Value }

// ParseAction maps the configuration notation onto an Action. "KEEP" and
// "DELETE" are matched case-insensitively; anything else is a literal value.
func ParseAction(s string) Action {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "KEEP":
		return Keep{}
	case "DELETE":
		return Delete{}
	default:
		return SetValue{Value: s}
	}
}

// Wildcard is the host key used when no exact host entry exists.
const Wildcard = "*"

// Rules maps canonical header names to actions.
type Rules map[string]Action

// RuleSet maps lowercase hostnames (or Wildcard) to rules.
type RuleSet map[string]Rules

// DefaultRuleSet mirrors the stock behaviour: drop Origin and Referer everywhere.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Wildcard: {
			"Origin":  Delete{},
			"Referer": Delete{},
		},
	}
}

// ParseRuleSet converts the raw host → header → action table from
// configuration.
func ParseRuleSet(raw map[string]map[string]string) RuleSet {
	rs := make(RuleSet, len(raw))
	for host, table := range raw {
		rules := make(Rules, len(table))
		for name, action := range table {
			rules[http.CanonicalHeaderKey(name)] = ParseAction(action)
		}
		rs[strings.ToLower(strings.TrimSpace(host))] = rules
	}
	return rs
}

// LoadRuleFile reads a YAML document of the same shape as the TOML
// [header_rules] table:
//
//	"*":
//	  Origin: DELETE
//	example.com:
//	  User-Agent: Mozilla/5.0
func LoadRuleFile(path string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("header rules: read %s: %w", path, err)
	}
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("header rules: parse %s: %w", path, err)
	}
	return raw, nil
}

// For returns the rules for host: exact entry, else the wildcard, else none.
func (rs RuleSet) For(host string) Rules {
	if r, ok := rs[strings.ToLower(host)]; ok {
		return r
	}
	if r, ok := rs[Wildcard]; ok {
		return r
	}
	return nil
}

// BuildRuleSet merges the inline table with the optional rules file. File
// entries override inline ones header by header. With neither configured
// the default rule set applies.
func BuildRuleSet(inline map[string]map[string]string, file string) (RuleSet, error) {
	raw := make(map[string]map[string]string, len(inline))
	merge := func(src map[string]map[string]string) {
		for host, table := range src {
			key := strings.ToLower(strings.TrimSpace(host))
			if raw[key] == nil {
				raw[key] = make(map[string]string, len(table))
			}
			for name, action := range table {
				raw[key][http.CanonicalHeaderKey(name)] = action
			}
		}
	}
	merge(inline)

	if file != "" {
		fromFile, err := LoadRuleFile(file)
		if err != nil {
			return nil, err
		}
		merge(fromFile)
	}

	if len(raw) == 0 {
		return DefaultRuleSet(), nil
	}
	return ParseRuleSet(raw), nil
}
