// internal/browser/inject/tags_test.go
package inject

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tagPattern = regexp.MustCompile(`^<script class="([^"]+)"(?: nonce="([^"]+)")? id="([0-9a-f]{44})" type="text/javascript">document\.getElementById\("([0-9a-f]{44})"\)\?\.remove\(\);(.*)</script>$`)

func TestNewMarker(t *testing.T) {
	t.Parallel()

	a, err := NewMarker()
	require.NoError(t, err)
	b, err := NewMarker()
	require.NoError(t, err)

	assert.Len(t, a, 40)
	assert.Regexp(t, `^[0-9a-f]+$`, a)
	assert.NotEqual(t, a, b)
}

func TestTag(t *testing.T) {
	t.Parallel()

	t.Run("without nonce", func(t *testing.T) {
		t.Parallel()
		tag, err := Tag("window.x = 1;", "mark", "")
		require.NoError(t, err)

		m := tagPattern.FindStringSubmatch(tag)
		require.NotNil(t, m, "unexpected tag shape: %s", tag)
		assert.Equal(t, "mark", m[1])
		assert.Empty(t, m[2])
		assert.Equal(t, m[3], m[4], "the tag must remove itself by its own id")
		assert.Equal(t, "window.x = 1;", m[5])
	})

	t.Run("with nonce", func(t *testing.T) {
		t.Parallel()
		tag, err := Tag("run()", "mark", "abc")
		require.NoError(t, err)

		m := tagPattern.FindStringSubmatch(tag)
		require.NotNil(t, m)
		assert.Equal(t, "abc", m[2])
	})

	t.Run("closing script sequences are neutralized", func(t *testing.T) {
		t.Parallel()
		tag, err := Tag(`s = "</script><SCRIPT>"; t = "</SCRIPT>";`, "mark", "")
		require.NoError(t, err)
		assert.Contains(t, tag, `s = "<\/script><SCRIPT>"; t = "<\/SCRIPT>";</script>`)
	})
}

func TestTags(t *testing.T) {
	t.Parallel()

	out, err := Tags([]string{"a()", "b()"}, "mark", "")
	require.NoError(t, err)

	all := regexp.MustCompile(`<script class="mark" id="([0-9a-f]{44})"`).FindAllStringSubmatch(out, -1)
	require.Len(t, all, 2)
	assert.NotEqual(t, all[0][1], all[1][1], "every tag has its own id")
	assert.Regexp(t, `a\(\)</script><script.*b\(\)</script>$`, out)

	empty, err := Tags(nil, "mark", "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
