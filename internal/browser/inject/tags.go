// internal/browser/inject/tags.go
package inject

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var closingScript = regexp.MustCompile(`(?i)</script`)

// NewMarker returns a random class name used to find injected tags again
// after navigation.
func NewMarker() (string, error) {
	return randomHex(20)
}

// Tag renders a script element that removes itself from the DOM before the
// source runs. The nonce attribute is emitted only when nonce is non-empty.
func Tag(source, marker, nonce string) (string, error) {
	id, err := randomHex(22)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(`<script class="`)
	b.WriteString(marker)
	b.WriteString(`"`)
	if nonce != "" {
		b.WriteString(` nonce="`)
		b.WriteString(nonce)
		b.WriteString(`"`)
	}
	fmt.Fprintf(&b, ` id="%s" type="text/javascript">document.getElementById("%s")?.remove();`, id, id)
	b.WriteString(closingScript.ReplaceAllStringFunc(source, func(m string) string {
		return m[:1] + `\` + m[1:]
	}))
	b.WriteString("</script>")
	return b.String(), nil
}

// Tags renders one tag per source, concatenated in order.
func Tags(sources []string, marker, nonce string) (string, error) {
	var b strings.Builder
	for _, src := range sources {
		tag, err := Tag(src, marker, nonce)
		if err != nil {
			return "", err
		}
		b.WriteString(tag)
	}
	return b.String(), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
