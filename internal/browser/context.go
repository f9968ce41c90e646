// internal/browser/context.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veil/internal/browser/contexts"
	"github.com/xkilldash9x/veil/internal/browser/jsexec"
	"github.com/xkilldash9x/veil/internal/browser/shim"
	"github.com/xkilldash9x/veil/internal/config"
)

// ErrBindingExists is returned when a binding name is exposed twice in the
// same scope, or on a page when its browser context already exposes it.
var ErrBindingExists = errors.New("binding already exposed")

// BrowserContext holds the init scripts and bindings shared by every page
// opened in it.
type BrowserContext struct {
	cfg    config.Interface
	logger *zap.Logger

	mu       sync.RWMutex
	scripts  []contexts.InitScript
	bindings []contexts.Binding
	handlers map[string]BindingFunc
	pages    map[string]*Page
}

// NewBrowserContext creates an empty browser context.
func NewBrowserContext(cfg config.Interface, logger *zap.Logger) *BrowserContext {
	return &BrowserContext{
		cfg:      cfg,
		logger:   logger.Named("browser_context"),
		handlers: make(map[string]BindingFunc),
		pages:    make(map[string]*Page),
	}
}

// NewPage opens a page on exec that inherits this context's scripts and bindings.
func (c *BrowserContext) NewPage(exec cdp.Executor, opts ...PageOption) (*Page, error) {
	p, err := NewPage(exec, c.cfg, c.logger, append(opts, withBrowserContext(c))...)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.pages[p.ID()] = p
	c.mu.Unlock()
	return p, nil
}

// Pages returns the open pages.
func (c *BrowserContext) Pages() []*Page {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Page, 0, len(c.pages))
	for _, p := range c.pages {
		out = append(out, p)
	}
	return out
}

func (c *BrowserContext) removePage(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pages, id)
}

// AddInitScript registers source for every new document of every page.
func (c *BrowserContext) AddInitScript(source string) {
	if err := jsexec.Check("init script", source); err != nil {
		c.logger.Warn("Init script may not parse; adding it anyway.", zap.Error(err))
	}
	script := contexts.InitScript{Source: source}
	c.mu.Lock()
	c.scripts = append(c.scripts, script)
	c.mu.Unlock()

	for _, p := range c.Pages() {
		p.queueScript(script)
	}
}

// RemoveInitScripts drops the context's scripts and every page's pending scripts.
func (c *BrowserContext) RemoveInitScripts() {
	c.mu.Lock()
	c.scripts = nil
	c.mu.Unlock()

	for _, p := range c.Pages() {
		p.RemoveInitScripts()
	}
}

// ExposeBinding makes fn callable as globalThis[name] in every page.
func (c *BrowserContext) ExposeBinding(ctx context.Context, name string, fn BindingFunc) error {
	b, err := newBinding(name, fn)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if _, exists := c.handlers[name]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBindingExists, name)
	}
	c.handlers[name] = fn
	c.bindings = append(c.bindings, b)
	c.mu.Unlock()

	var errs []error
	for _, p := range c.Pages() {
		errs = append(errs, p.installBinding(ctx, b))
	}
	return errors.Join(errs...)
}

// RemoveExposedBindings drops every binding without the internal prefix from
// the context and its pages.
func (c *BrowserContext) RemoveExposedBindings(ctx context.Context) {
	prefix := c.cfg.Injection().InternalBindingPrefix
	c.mu.Lock()
	c.bindings, c.handlers = retainInternal(c.bindings, c.handlers, prefix)
	c.mu.Unlock()

	for _, p := range c.Pages() {
		p.RemoveExposedBindings(ctx)
	}
}

func (c *BrowserContext) snapshot() ([]contexts.Binding, []contexts.InitScript) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]contexts.Binding(nil), c.bindings...), append([]contexts.InitScript(nil), c.scripts...)
}

func (c *BrowserContext) handler(name string) (BindingFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.handlers[name]
	return fn, ok
}

func newBinding(name string, fn BindingFunc) (contexts.Binding, error) {
	if fn == nil {
		return contexts.Binding{}, fmt.Errorf("binding %q has no handler", name)
	}
	source, err := shim.Binding(name)
	if err != nil {
		return contexts.Binding{}, fmt.Errorf("failed to build binding %q: %w", name, err)
	}
	return contexts.Binding{Name: name, Source: source}, nil
}

func retainInternal(bindings []contexts.Binding, handlers map[string]BindingFunc, prefix string) ([]contexts.Binding, map[string]BindingFunc) {
	kept := bindings[:0]
	for _, b := range bindings {
		if strings.HasPrefix(b.Name, prefix) {
			kept = append(kept, b)
			continue
		}
		delete(handlers, b.Name)
	}
	return kept, handlers
}
