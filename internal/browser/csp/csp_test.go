// internal/browser/csp/csp_test.go
package csp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestRewrite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy string
		nonce  string
		want   string
	}{
		{
			name:   "missing script-src is synthesized last",
			policy: "default-src 'self'",
			want:   "default-src 'self'; script-src 'self' 'unsafe-eval' 'unsafe-inline' *",
		},
		{
			name:   "synthesized script-src carries the nonce",
			policy: "default-src 'none'",
			nonce:  "n1",
			want:   "default-src 'none'; script-src 'self' 'unsafe-eval' 'nonce-n1' *",
		},
		{
			name:   "nonce suppresses unsafe-inline and frame-ancestors none becomes self",
			policy: "script-src 'self'; frame-ancestors 'none'",
			nonce:  "abc123",
			want:   "script-src 'self' 'nonce-abc123' 'unsafe-eval'; frame-ancestors 'self'",
		},
		{
			name:   "script-src without self or https gets a wildcard",
			policy: "script-src 'none'",
			want:   "script-src 'none' 'unsafe-eval' 'unsafe-inline' *",
		},
		{
			name:   "https source suppresses the wildcard",
			policy: "script-src https://cdn.example.com",
			want:   "script-src https://cdn.example.com 'unsafe-eval' 'unsafe-inline'",
		},
		{
			name:   "existing nonce is not duplicated",
			policy: "script-src 'nonce-abc'",
			nonce:  "abc",
			want:   "script-src 'nonce-abc' 'unsafe-eval' *",
		},
		{
			name:   "style-src gains unsafe-inline",
			policy: "style-src 'self'; script-src *",
			want:   "style-src 'self' 'unsafe-inline'; script-src * 'unsafe-eval' 'unsafe-inline'",
		},
		{
			name:   "img-src and font-src gain data",
			policy: "img-src 'self'; font-src https://fonts.example; script-src 'self'",
			want:   "img-src 'self' data:; font-src https://fonts.example data:; script-src 'self' 'unsafe-eval' 'unsafe-inline'",
		},
		{
			name:   "wildcard img-src is left alone",
			policy: "img-src *; script-src 'self'",
			want:   "img-src *; script-src 'self' 'unsafe-eval' 'unsafe-inline'",
		},
		{
			name:   "connect-src gains websocket schemes",
			policy: "connect-src 'self'; script-src 'self'",
			want:   "connect-src 'self' ws: wss:; script-src 'self' 'unsafe-eval' 'unsafe-inline'",
		},
		{
			name:   "connect-src with a websocket source is left alone",
			policy: "connect-src wss://socket.example; script-src 'self'",
			want:   "connect-src wss://socket.example; script-src 'self' 'unsafe-eval' 'unsafe-inline'",
		},
		{
			name:   "frame-ancestors with more than none is left alone",
			policy: "frame-ancestors 'none' https://a.example; script-src 'self'",
			want:   "frame-ancestors 'none' https://a.example; script-src 'self' 'unsafe-eval' 'unsafe-inline'",
		},
		{
			name:   "directive names are case-insensitive",
			policy: "SCRIPT-SRC 'SELF'",
			want:   "SCRIPT-SRC 'SELF' 'unsafe-eval' 'unsafe-inline'",
		},
		{
			name:   "whitespace and empty directives are tolerated",
			policy: "  script-src\t'self'   https://a.example ;; ",
			want:   "script-src 'self' https://a.example 'unsafe-eval' 'unsafe-inline'",
		},
		{
			name:   "valueless directives pass through",
			policy: "upgrade-insecure-requests",
			want:   "upgrade-insecure-requests; script-src 'self' 'unsafe-eval' 'unsafe-inline' *",
		},
		{
			name:   "unparseable directive passes through verbatim",
			policy: "default-src 'self'; @bad  x",
			want:   "default-src 'self'; @bad  x; script-src 'self' 'unsafe-eval' 'unsafe-inline' *",
		},
		{name: "empty input is unchanged", policy: "", want: ""},
		{name: "blank input is unchanged", policy: "   ", want: "   "},
		{name: "separators only are unchanged", policy: ";;", want: ";;"},
		{name: "wholly malformed input is unchanged", policy: "!!! nope", want: "!!! nope"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Rewrite(tt.policy, tt.nonce))
		})
	}
}

func TestRewriteIsStable(t *testing.T) {
	t.Parallel()

	policies := []string{
		"default-src 'self'",
		"script-src 'self'; frame-ancestors 'none'",
		"script-src 'none'; style-src 'self'; img-src 'self'; connect-src 'self'",
		"script-src https://cdn.example.com 'nonce-zz'",
		"upgrade-insecure-requests; font-src data:",
	}
	for _, nonce := range []string{"", "abc123"} {
		for _, p := range policies {
			once := Rewrite(p, nonce)
			twice := Rewrite(once, nonce)
			assert.Equal(t, once, twice, "rewriting %q twice with nonce %q must not add tokens", p, nonce)
		}
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	got := Parse("default-src 'self' ; ; script-src  'nonce-a'  * ;1nvalid x")
	want := Policy{
		{Name: "default-src", Values: []string{"'self'"}},
		{Name: "script-src", Values: []string{"'nonce-a'", "*"}},
		{raw: "1nvalid x"},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(Directive{})); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, got[2].Valid())
	assert.Equal(t, "default-src 'self'; script-src 'nonce-a' *; 1nvalid x", got.String())
}

func TestExtractNonce(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "r4nd0m", ExtractNonce("default-src 'self'; script-src 'nonce-r4nd0m' 'strict-dynamic'"))
	assert.Equal(t, "first", ExtractNonce("script-src 'nonce-first' 'nonce-second'"))
	assert.Equal(t, "abc", ExtractNonce("Script-Src 'NONCE-abc'"))
	assert.Empty(t, ExtractNonce("style-src 'nonce-x'; script-src 'self'"))
	assert.Empty(t, ExtractNonce(""))
}
