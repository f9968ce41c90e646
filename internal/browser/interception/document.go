// internal/browser/interception/document.go
package interception

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/chromedp/cdproto/fetch"

	"github.com/xkilldash9x/veil/internal/browser/csp"
	"github.com/xkilldash9x/veil/internal/browser/inject"
)

// Response is a synthesized reply for Fetch.fulfillRequest.
type Response struct {
	Status  int64
	Phrase  string
	Headers []*fetch.HeaderEntry
	// Body is nil when the original body should be used.
	Body []byte
	// Mutated is set when the body or headers were rewritten.
	Mutated bool
}

var cspHeaders = map[string]bool{
	"content-security-policy":             true,
	"content-security-policy-report-only": true,
}

// BuildDocument prepares the fulfillment for a document response. HTML
// bodies get one self-removing script tag per init script, and every CSP in
// headers or meta tags is relaxed to let them run. Anything else passes
// through unmodified.
func BuildDocument(x *Exchange, body []byte, scripts []string, marker string) (Response, error) {
	resp := Response{
		Status:  x.StatusCode,
		Phrase:  x.StatusText,
		Headers: splitSetCookie(x.Headers),
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	if resp.Phrase == "" {
		resp.Phrase = http.StatusText(int(resp.Status))
	}

	contentType, _ := headerValue(x.Headers, "content-type")
	if !strings.Contains(strings.ToLower(contentType), "text/html") || len(scripts) == 0 {
		return resp, nil
	}

	nonce := ""
	for _, h := range resp.Headers {
		if cspHeaders[strings.ToLower(h.Name)] {
			if nonce = csp.ExtractNonce(h.Value); nonce != "" {
				break
			}
		}
	}

	headers := make([]*fetch.HeaderEntry, 0, len(resp.Headers))
	for _, h := range resp.Headers {
		name := strings.ToLower(h.Name)
		switch {
		case cspHeaders[name]:
			headers = append(headers, &fetch.HeaderEntry{Name: h.Name, Value: csp.Rewrite(h.Value, nonce)})
		case name == "content-length", name == "content-encoding":
			// The body handed to us is already decoded and is about to grow.
		default:
			headers = append(headers, h)
		}
	}

	doc, nonce := csp.RewriteMeta(string(body), nonce)
	tags, err := inject.Tags(scripts, marker, nonce)
	if err != nil {
		return Response{}, fmt.Errorf("failed to build init script tags: %w", err)
	}

	resp.Headers = headers
	resp.Body = []byte(inject.Insert(doc, tags))
	resp.Mutated = true
	return resp, nil
}

// splitSetCookie expands Set-Cookie values joined by newlines into separate
// header entries.
func splitSetCookie(headers []*fetch.HeaderEntry) []*fetch.HeaderEntry {
	out := make([]*fetch.HeaderEntry, 0, len(headers))
	for _, h := range headers {
		if !strings.EqualFold(h.Name, "set-cookie") || !strings.Contains(h.Value, "\n") {
			out = append(out, h)
			continue
		}
		for _, v := range strings.Split(h.Value, "\n") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, &fetch.HeaderEntry{Name: h.Name, Value: v})
			}
		}
	}
	return out
}

func headerValue(headers []*fetch.HeaderEntry, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}
