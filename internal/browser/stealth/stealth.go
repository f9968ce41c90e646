// internal/browser/stealth/stealth.go
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veil/internal/config"
)

// PersonaPlaceholder is replaced in the evasions template with the persona as JSON.
const PersonaPlaceholder = "/*{{VEIL_PERSONA}}*/"

//go:embed evasions.js
var evasionsTemplate string

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string   `json:"userAgent"`
	Platform  string   `json:"platform"`
	Languages []string `json:"languages"`
	Timezone  string   `json:"timezone"`
	Locale    string   `json:"locale"`
}

// DefaultPersona provides a realistic default browser profile.
var DefaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
	Platform:  "Win32",
	Languages: []string{"en-US", "en"},
	Timezone:  "America/Los_Angeles",
	Locale:    "en-US",
}

// PersonaFromConfig overlays the configured browser identity on DefaultPersona.
func PersonaFromConfig(cfg config.BrowserConfig) Persona {
	p := DefaultPersona
	p.Languages = append([]string(nil), DefaultPersona.Languages...)
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	if cfg.Timezone != "" {
		p.Timezone = cfg.Timezone
	}
	if cfg.Locale != "" {
		p.Locale = cfg.Locale
		base, _, _ := strings.Cut(cfg.Locale, "-")
		p.Languages = []string{cfg.Locale}
		if base != cfg.Locale {
			p.Languages = append(p.Languages, base)
		}
	}
	return p
}

// Script returns the evasions as an init script for p. It is injected like
// any other init script, so no Page.addScriptToEvaluateOnNewDocument trace
// is left behind.
func Script(p Persona) (string, error) {
	if !strings.Contains(evasionsTemplate, PersonaPlaceholder) {
		return "", fmt.Errorf("embedded evasions.js does not contain the required placeholder: %s", PersonaPlaceholder)
	}
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode persona: %w", err)
	}
	return strings.Replace(evasionsTemplate, PersonaPlaceholder, data, 1), nil
}

// Apply constructs the emulation overrides that keep network-visible
// identity consistent with the persona.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
	)

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(acceptLanguage(p.Languages)),
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	return tasks
}

// Run applies p through the executor carried by ctx.
func Run(ctx context.Context, p Persona, logger *zap.Logger) error {
	return Apply(p, logger).Do(ctx)
}

func acceptLanguage(langs []string) string {
	var b strings.Builder
	for i, l := range langs {
		if i > 0 {
			fmt.Fprintf(&b, ",%s;q=%.1f", l, 1-float64(i)/10)
			continue
		}
		b.WriteString(l)
	}
	return b.String()
}
