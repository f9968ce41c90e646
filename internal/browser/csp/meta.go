// internal/browser/csp/meta.go
package csp

import (
	"errors"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var contentAttr = regexp.MustCompile(`(?i)(\scontent\s*=\s*)("[^"]*"|'[^']*'|[^\s"'>]+)`)

var attrEscaper = strings.NewReplacer(`&`, "&amp;", `'`, "&#x27;", `"`, "&#x22;")

// RewriteMeta rewrites every <meta http-equiv="Content-Security-Policy"> in
// doc. If nonce is empty, the first nonce found in a meta policy is adopted
// and used for the rest of the document. It returns the new document and the
// nonce in effect. Bytes outside the rewritten tags are preserved.
func RewriteMeta(doc, nonce string) (string, string) {
	if !strings.Contains(strings.ToLower(doc), "content-security-policy") {
		return doc, nonce
	}

	var (
		out      strings.Builder
		consumed int
		changed  bool
	)
	out.Grow(len(doc))
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		raw := string(z.Raw())
		consumed += len(raw)
		if tt == html.ErrorToken {
			out.WriteString(raw)
			if err := z.Err(); !errors.Is(err, io.EOF) {
				// Unreachable for an in-memory reader; keep the input intact.
				return doc, nonce
			}
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			out.WriteString(raw)
			continue
		}

		policy, ok := metaPolicy(z)
		if !ok {
			out.WriteString(raw)
			continue
		}
		if nonce == "" {
			nonce = ExtractNonce(policy)
		}
		rewritten := Rewrite(policy, nonce)
		out.WriteString(replaceContent(raw, rewritten))
		changed = true
	}
	if consumed < len(doc) {
		out.WriteString(doc[consumed:])
	}
	if !changed {
		return doc, nonce
	}
	return out.String(), nonce
}

// metaPolicy reports the decoded content of a CSP meta tag. The tokenizer
// already resolves character references in attribute values.
func metaPolicy(z *html.Tokenizer) (string, bool) {
	name, hasAttr := z.TagName()
	if string(name) != "meta" || !hasAttr {
		return "", false
	}
	var (
		isCSP   bool
		content string
		found   bool
	)
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		switch string(key) {
		case "http-equiv":
			isCSP = strings.EqualFold(strings.TrimSpace(string(val)), "content-security-policy")
		case "content":
			content, found = string(val), true
		}
	}
	return content, isCSP && found
}

func replaceContent(tag, policy string) string {
	loc := contentAttr.FindStringSubmatchIndex(tag)
	if loc == nil {
		return tag
	}
	return tag[:loc[3]] + `"` + attrEscaper.Replace(policy) + `"` + tag[loc[5]:]
}
