// internal/browser/stealth/stealth_test.go
package stealth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/veil/internal/browser/jsexec"
	"github.com/xkilldash9x/veil/internal/browser/transport"
	"github.com/xkilldash9x/veil/internal/config"
	"github.com/xkilldash9x/veil/internal/mocks"
)

// navigatorStub mimics the prototype layout of a real Navigator.
const navigatorStub = `
function Navigator() {}
Navigator.prototype = { webdriver: true, platform: "Linux x86_64", languages: ["xx"], language: "xx" };
var navigator = new Navigator();
`

type navigatorSnapshot struct {
	Webdriver bool     `json:"webdriver"`
	Platform  string   `json:"platform"`
	Languages []string `json:"languages"`
	Language  string   `json:"language"`
	Chrome    string   `json:"chrome"`
	Frozen    bool     `json:"frozen"`
}

func runEvasions(t *testing.T, p Persona) navigatorSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	script, err := Script(p)
	require.NoError(t, err)
	require.NoError(t, jsexec.Check("evasions.js", script))

	rt := jsexec.NewRuntime(zaptest.NewLogger(t))
	_, err = rt.ExecuteScript(ctx, navigatorStub)
	require.NoError(t, err)
	_, err = rt.ExecuteScript(ctx, script)
	require.NoError(t, err)

	out, err := rt.ExecuteScript(ctx, `JSON.stringify({
		webdriver: navigator.webdriver,
		platform: navigator.platform,
		languages: navigator.languages,
		language: navigator.language,
		chrome: typeof globalThis.chrome,
		frozen: Object.isFrozen(navigator.languages),
	})`)
	require.NoError(t, err)

	var snap navigatorSnapshot
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(out.(string), &snap))
	return snap
}

func TestScript(t *testing.T) {
	t.Run("ShouldMaskAutomationSignals", func(t *testing.T) {
		snap := runEvasions(t, DefaultPersona)
		assert.False(t, snap.Webdriver)
		assert.Equal(t, "Win32", snap.Platform)
		assert.Equal(t, []string{"en-US", "en"}, snap.Languages)
		assert.Equal(t, "en-US", snap.Language)
		assert.Equal(t, "object", snap.Chrome)
		assert.True(t, snap.Frozen)
	})

	t.Run("ShouldKeepNativeValuesWhenPersonaIsSparse", func(t *testing.T) {
		snap := runEvasions(t, Persona{})
		assert.False(t, snap.Webdriver)
		assert.Equal(t, "Linux x86_64", snap.Platform)
		assert.Equal(t, []string{"xx"}, snap.Languages)
	})

	t.Run("ShouldReplaceThePlaceholder", func(t *testing.T) {
		script, err := Script(DefaultPersona)
		require.NoError(t, err)
		assert.NotContains(t, script, PersonaPlaceholder)
		assert.True(t, strings.Contains(script, `"platform":"Win32"`))
	})
}

func TestPersonaFromConfig(t *testing.T) {
	t.Run("ShouldFallBackToDefaults", func(t *testing.T) {
		assert.Equal(t, DefaultPersona, PersonaFromConfig(config.BrowserConfig{}))
	})

	t.Run("ShouldOverlayConfiguredIdentity", func(t *testing.T) {
		p := PersonaFromConfig(config.BrowserConfig{
			UserAgent: "UA/1.0",
			Locale:    "de-DE",
			Timezone:  "Europe/Berlin",
		})
		assert.Equal(t, "UA/1.0", p.UserAgent)
		assert.Equal(t, "Europe/Berlin", p.Timezone)
		assert.Equal(t, "de-DE", p.Locale)
		assert.Equal(t, []string{"de-DE", "de"}, p.Languages)
	})

	t.Run("ShouldNotAliasDefaultLanguages", func(t *testing.T) {
		p := PersonaFromConfig(config.BrowserConfig{})
		p.Languages[0] = "changed"
		assert.Equal(t, "en-US", DefaultPersona.Languages[0])
	})
}

func TestApply(t *testing.T) {
	exec := mocks.NewExecutor()
	client := transport.NewClient(exec, zaptest.NewLogger(t), time.Second)

	require.NoError(t, client.Run(context.Background(), Apply(DefaultPersona, zaptest.NewLogger(t))))

	assert.Equal(t, []string{
		emulation.CommandSetUserAgentOverride,
		emulation.CommandSetTimezoneOverride,
		emulation.CommandSetLocaleOverride,
	}, exec.Methods())

	ua := exec.CallsTo(emulation.CommandSetUserAgentOverride)[0].Params.(*emulation.SetUserAgentOverrideParams)
	assert.Equal(t, DefaultPersona.UserAgent, ua.UserAgent)
	assert.Equal(t, "Win32", ua.Platform)
	assert.Equal(t, "en-US,en;q=0.9", ua.AcceptLanguage)

	t.Run("ShouldSkipEmptyOverrides", func(t *testing.T) {
		exec.Reset()
		require.NoError(t, Run(cdpContext(exec), Persona{UserAgent: "UA"}, nil))
		assert.Equal(t, []string{emulation.CommandSetUserAgentOverride}, exec.Methods())
	})
}

func cdpContext(exec *mocks.Executor) context.Context {
	return cdp.WithExecutor(context.Background(), exec)
}
