// internal/browser/csp/csp.go
package csp

import (
	"regexp"
	"slices"
	"strings"
)

// Directive is one parsed policy directive. Values keep their original order.
type Directive struct {
	Name   string
	Values []string
	// raw holds the untouched text of a directive whose name could not be
	// parsed. Such directives are emitted verbatim.
	raw string
}

// Policy is an ordered directive set.
type Policy []Directive

var (
	directiveName = regexp.MustCompile(`^[A-Za-z-]+$`)
	scriptNonce   = regexp.MustCompile(`(?i)script-src[^;]*?'nonce-([^'"\s;]+)'`)
)

const (
	unsafeEval   = "'unsafe-eval'"
	unsafeInline = "'unsafe-inline'"
	self         = "'self'"
	none         = "'none'"
	wildcard     = "*"
)

// Parse splits a policy into directives. Empty directives are dropped and
// directives with an unparseable name are kept as raw text.
func Parse(policy string) Policy {
	var out Policy
	for _, part := range strings.Split(policy, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		if !directiveName.MatchString(fields[0]) {
			out = append(out, Directive{raw: part})
			continue
		}
		out = append(out, Directive{Name: fields[0], Values: fields[1:]})
	}
	return out
}

// String renders the policy with "; " separators.
func (p Policy) String() string {
	parts := make([]string, 0, len(p))
	for _, d := range p {
		parts = append(parts, d.String())
	}
	return strings.Join(parts, "; ")
}

func (d Directive) String() string {
	if d.raw != "" {
		return d.raw
	}
	if len(d.Values) == 0 {
		return d.Name
	}
	return d.Name + " " + strings.Join(d.Values, " ")
}

// Valid reports whether the directive name was parseable.
func (d Directive) Valid() bool { return d.raw == "" }

// Rewrite relaxes a Content-Security-Policy so injected scripts can run. An
// empty nonce means no nonce is in play. Input without any parseable
// directive is returned unchanged.
func Rewrite(policy, nonce string) string {
	parsed := Parse(policy)
	if !parsed.hasValid() {
		return policy
	}

	hasScriptSrc := false
	for i, d := range parsed {
		if !d.Valid() {
			continue
		}
		switch strings.ToLower(d.Name) {
		case "script-src":
			hasScriptSrc = true
			parsed[i].Values = rewriteScriptSrc(d.Values, nonce)
		case "style-src":
			parsed[i].Values = ensure(d.Values, unsafeInline)
		case "img-src", "font-src":
			if !contains(d.Values, wildcard) {
				parsed[i].Values = ensure(d.Values, "data:")
			}
		case "connect-src":
			if !coversWebSockets(d.Values) {
				parsed[i].Values = ensure(ensure(d.Values, "ws:"), "wss:")
			}
		case "frame-ancestors":
			if len(d.Values) == 1 && strings.EqualFold(d.Values[0], none) {
				parsed[i].Values = []string{self}
			}
		}
	}

	if !hasScriptSrc {
		values := []string{self, unsafeEval}
		if nonce != "" {
			values = append(values, nonceToken(nonce))
		} else {
			values = append(values, unsafeInline)
		}
		parsed = append(parsed, Directive{Name: "script-src", Values: append(values, wildcard)})
	}
	return parsed.String()
}

// ExtractNonce returns the first script-src nonce in the policy, or "".
func ExtractNonce(policy string) string {
	m := scriptNonce.FindStringSubmatch(policy)
	if m == nil {
		return ""
	}
	return m[1]
}

func rewriteScriptSrc(values []string, nonce string) []string {
	out := append([]string(nil), values...)
	// Nonces are case-sensitive, unlike keywords.
	if token := nonceToken(nonce); nonce != "" && !slices.Contains(out, token) {
		out = append(out, token)
	}
	out = ensure(out, unsafeEval)
	if nonce == "" {
		out = ensure(out, unsafeInline)
	}
	if !contains(out, wildcard) && !contains(out, self) && !hasHTTPSSource(out) {
		out = append(out, wildcard)
	}
	return out
}

func nonceToken(nonce string) string { return "'nonce-" + nonce + "'" }

func (p Policy) hasValid() bool {
	for _, d := range p {
		if d.Valid() {
			return true
		}
	}
	return false
}

// ensure appends v when it is not already present. Keywords compare
// case-insensitively.
func ensure(values []string, v string) []string {
	if contains(values, v) {
		return values
	}
	return append(values, v)
}

func contains(values []string, v string) bool {
	for _, existing := range values {
		if strings.EqualFold(existing, v) {
			return true
		}
	}
	return false
}

func hasHTTPSSource(values []string) bool {
	for _, v := range values {
		if strings.HasPrefix(strings.ToLower(v), "https:") {
			return true
		}
	}
	return false
}

func coversWebSockets(values []string) bool {
	for _, v := range values {
		lv := strings.ToLower(v)
		if lv == wildcard || strings.HasPrefix(lv, "ws:") || strings.HasPrefix(lv, "wss:") {
			return true
		}
	}
	return false
}
