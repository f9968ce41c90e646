// internal/browser/manager_test.go
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/veil/internal/config"
)

func TestAllocatorFlags(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		flags := AllocatorFlags(config.BrowserConfig{})
		assert.Equal(t, true, flags["no-sandbox"])
		assert.Equal(t, true, flags["enable-automation"])
		assert.NotContains(t, flags, "headless")
		assert.NotContains(t, flags, "window-size")
	})

	t.Run("Headless", func(t *testing.T) {
		flags := AllocatorFlags(config.BrowserConfig{Headless: true})
		assert.Equal(t, true, flags["headless"])
		assert.Equal(t, true, flags["hide-scrollbars"])
	})

	t.Run("IgnoreTLSErrors", func(t *testing.T) {
		flags := AllocatorFlags(config.BrowserConfig{IgnoreTLSErrors: true})
		assert.Contains(t, flags, "ignore-certificate-errors")
		assert.Contains(t, flags, "allow-insecure-localhost")
	})

	t.Run("WithCustomArgs", func(t *testing.T) {
		flags := AllocatorFlags(config.BrowserConfig{
			Args: []string{"--custom-arg1", "custom-arg2", "--proxy-server=http://127.0.0.1:8080", "--", ""},
		})
		assert.Equal(t, true, flags["custom-arg1"])
		assert.Equal(t, true, flags["custom-arg2"])
		assert.Equal(t, "http://127.0.0.1:8080", flags["proxy-server"])
		assert.NotContains(t, flags, "")
	})

	t.Run("WithViewport", func(t *testing.T) {
		flags := AllocatorFlags(config.BrowserConfig{Viewport: map[string]int{"width": 1280, "height": 720}})
		assert.Equal(t, "1280,720", flags["window-size"])

		flags = AllocatorFlags(config.BrowserConfig{Viewport: map[string]int{"width": 1280}})
		assert.NotContains(t, flags, "window-size")
	})
}

func TestAllocatorOptions(t *testing.T) {
	cfg := config.BrowserConfig{Headless: true, ExecPath: "/usr/bin/chromium", UserAgent: "UA/1.0"}
	opts := AllocatorOptions(cfg)
	assert.Len(t, opts, len(AllocatorFlags(cfg))+2)
}

func TestManager_ShutdownWithoutLaunch(t *testing.T) {
	m := NewManager(testConfig(), zaptest.NewLogger(t))
	assert.NotNil(t, m.BrowserContext())
	assert.NoError(t, m.Shutdown(context.Background()))
}

// TestManager_Integration drives a real Chrome. It runs only when
// VEIL_BROWSER_TESTS is set.
func TestManager_Integration(t *testing.T) {
	if os.Getenv("VEIL_BROWSER_TESTS") == "" {
		t.Skip("set VEIL_BROWSER_TESTS=1 to run against a local Chrome")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Security-Policy", "script-src 'self'")
		fmt.Fprint(w, `<!doctype html><html><head><title>t</title></head><body>ok</body></html>`)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.BrowserCfg.Headless = true
	m := NewManager(cfg, zaptest.NewLogger(t))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		assert.NoError(t, m.Shutdown(ctx))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	p, tabCtx, err := m.NewPage(ctx)
	require.NoError(t, err)
	p.AddInitScript(`window.__veilInjected = 42;`)

	var injected int
	require.NoError(t, chromedp.Run(tabCtx,
		chromedp.Navigate(server.URL),
		chromedp.Evaluate(`window.__veilInjected`, &injected),
	))
	assert.Equal(t, 42, injected)
	require.NoError(t, p.WaitNetworkIdle(ctx, 200*time.Millisecond))
}
