// internal/browser/inject/inject.go
package inject

import "strings"

// Point is where a payload is spliced into a document.
type Point struct {
	Offset int
	// WrapHead is set when the document has an <html> tag but no head, in
	// which case the payload is wrapped in a synthetic <head> element.
	WrapHead bool
}

// Locate chooses the injection point for doc. Matching is case-insensitive.
// In order of preference:
//   - before the first <script> inside <head>...</head> that is not commented out,
//     or before </head> when there is none
//   - after an unclosed <head> open tag
//   - after a leading <!doctype> declaration
//   - after the <html> open tag, inside a synthetic head
//   - at the very start of the document
func Locate(doc string) Point {
	lower := asciiLower(doc)

	if openStart := findTag(lower, "<head", 0); openStart >= 0 {
		if openEnd := tagEnd(lower, openStart); openEnd >= 0 {
			if closeStart := strings.Index(lower[openEnd:], "</head"); closeStart >= 0 {
				closeStart += openEnd
				if script := firstScript(lower[openEnd:closeStart]); script >= 0 {
					return Point{Offset: openEnd + script}
				}
				return Point{Offset: closeStart}
			}
			return Point{Offset: openEnd}
		}
	}

	trimmed := strings.TrimLeft(lower, " \t\r\n\ufeff")
	if strings.HasPrefix(trimmed, "<!doctype") {
		start := len(lower) - len(trimmed)
		if end := tagEnd(lower, start); end >= 0 {
			return Point{Offset: end}
		}
	}

	if htmlStart := findTag(lower, "<html", 0); htmlStart >= 0 {
		if end := tagEnd(lower, htmlStart); end >= 0 {
			return Point{Offset: end, WrapHead: true}
		}
	}
	return Point{}
}

// Insert splices payload into doc at the point chosen by Locate.
func Insert(doc, payload string) string {
	p := Locate(doc)
	if p.WrapHead {
		payload = "<head>" + payload + "</head>"
	}
	return doc[:p.Offset] + payload + doc[p.Offset:]
}

// firstScript returns the offset of the first <script tag in s that is not
// inside an HTML comment, or -1. An unterminated comment ends the scan.
func firstScript(s string) int {
	pos := 0
	for pos < len(s) {
		script := findTag(s, "<script", pos)
		comment := strings.Index(s[pos:], "<!--")
		if comment >= 0 {
			comment += pos
		}
		if comment < 0 || (script >= 0 && script < comment) {
			return script
		}
		closing := strings.Index(s[comment+4:], "-->")
		if closing < 0 {
			return -1
		}
		pos = comment + 4 + closing + 3
	}
	return -1
}

// findTag finds name (e.g. "<head") at or after from, requiring it to be a
// whole tag name so that "<header" does not match "<head".
func findTag(s, name string, from int) int {
	for from <= len(s) {
		i := strings.Index(s[from:], name)
		if i < 0 {
			return -1
		}
		i += from
		next := i + len(name)
		if next == len(s) || isTagNameEnd(s[next]) {
			return i
		}
		from = next
	}
	return -1
}

func isTagNameEnd(c byte) bool {
	switch c {
	case '>', '/', ' ', '\t', '\r', '\n', '\f':
		return true
	}
	return false
}

// tagEnd returns the offset just past the '>' closing the tag at start.
func tagEnd(s string, start int) int {
	i := strings.IndexByte(s[start:], '>')
	if i < 0 {
		return -1
	}
	return start + i + 1
}

// asciiLower lowercases ASCII letters only, keeping byte offsets aligned with
// the input.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
