// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veil/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// Manager launches Chrome through chromedp and opens pages in a single
// browser context.
type Manager struct {
	logger *zap.Logger
	cfg    config.Interface
	bctx   *BrowserContext

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu   sync.Mutex
	tabs map[string]*tab
	wg   sync.WaitGroup

	// Initialization state management
	initOnce sync.Once
	initErr  error
}

// tab ties a page to the chromedp context that owns its target.
type tab struct {
	page   *Page
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager. The browser is launched on the first NewPage.
func NewManager(cfg config.Interface, logger *zap.Logger) *Manager {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
		tabs:   make(map[string]*tab),
	}
	m.bctx = NewBrowserContext(cfg, logger)
	m.logger.Debug("Browser manager created (initialization deferred).")
	return m
}

// BrowserContext returns the context every page is opened in.
func (m *Manager) BrowserContext() *BrowserContext { return m.bctx }

// AllocatorFlags computes the command line switches for cfg. Leading dashes
// on configured args are stripped and "name=value" args become valued flags.
func AllocatorFlags(cfg config.BrowserConfig) map[string]any {
	flags := map[string]any{
		"no-sandbox":                          true,
		"disable-gpu":                         true,
		"disable-dev-shm-usage":               true,
		"no-first-run":                        true,
		"no-default-browser-check":            true,
		"enable-automation":                   true,
		"disable-background-timer-throttling": true,
	}
	if cfg.Headless {
		flags["headless"] = true
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", w, h)
	}
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(arg, "-")
		if arg == "" {
			continue
		}
		if name, value, ok := strings.Cut(arg, "="); ok {
			flags[name] = value
			continue
		}
		flags[arg] = true
	}
	return flags
}

// AllocatorOptions turns cfg into chromedp exec allocator options.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	flags := AllocatorFlags(cfg)
	opts := make([]chromedp.ExecAllocatorOption, 0, len(flags)+2)
	for name, value := range flags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// initialize starts the browser process.
func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser...")
		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), AllocatorOptions(m.cfg.Browser())...)

		sugar := m.logger.Sugar()
		ctxOpts := []chromedp.ContextOption{chromedp.WithLogf(sugar.Debugf), chromedp.WithErrorf(sugar.Debugf)}
		if m.cfg.Browser().Debug {
			ctxOpts = append(ctxOpts, chromedp.WithDebugf(sugar.Debugf))
		}
		m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx, ctxOpts...)

		startCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		stop := context.AfterFunc(startCtx, func() {
			if startCtx.Err() == context.DeadlineExceeded {
				m.browserCancel()
			}
		})
		defer stop()

		if err := chromedp.Run(m.browserCtx); err != nil {
			m.browserCancel()
			m.allocCancel()
			m.initErr = fmt.Errorf("failed to launch browser instance: %w", err)
			return
		}
		m.logger.Info("Browser launched.")
	})
	return m.initErr
}

// NewPage opens a tab, attaches a Page to it and starts event dispatch. The
// returned context carries the tab's chromedp target for chromedp.Run.
func (m *Manager) NewPage(ctx context.Context) (*Page, context.Context, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, nil, err
	}

	tabCtx, cancel := chromedp.NewContext(m.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to open tab: %w", err)
	}

	c := chromedp.FromContext(tabCtx)
	p, err := m.bctx.NewPage(c.Target, WithWorkerAttacher(workerAttacher(tabCtx)))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	p.Listen(tabCtx)
	if err := p.Attach(tabCtx); err != nil {
		_ = p.Close(context.Background())
		cancel()
		return nil, nil, fmt.Errorf("failed to attach page: %w", err)
	}

	m.mu.Lock()
	m.tabs[p.ID()] = &tab{page: p, ctx: tabCtx, cancel: cancel}
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("New page opened.", zap.String("page_id", p.ID()))
	return p, tabCtx, nil
}

// workerAttacher attaches chromedp to a worker target as a child of the tab.
func workerAttacher(tabCtx context.Context) WorkerAttacher {
	return func(ctx context.Context, ev *target.EventAttachedToTarget) (cdp.Executor, error) {
		wctx, _ := chromedp.NewContext(tabCtx, chromedp.WithTargetID(ev.TargetInfo.TargetID))
		if err := chromedp.Run(wctx); err != nil {
			return nil, err
		}
		return chromedp.FromContext(wctx).Target, nil
	}
}

// ClosePage stops dispatch for p and closes its tab.
func (m *Manager) ClosePage(ctx context.Context, p *Page) error {
	m.mu.Lock()
	t, ok := m.tabs[p.ID()]
	delete(m.tabs, p.ID())
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("page %s is not managed", p.ID())
	}
	defer m.wg.Done()

	err := p.Close(ctx)
	t.cancel()
	m.logger.Debug("Page closed.", zap.String("page_id", p.ID()))
	return err
}

// Shutdown closes every page and the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")
	if m.browserCtx == nil {
		m.logger.Info("Manager not fully initialized, skipping full shutdown sequence.")
		return nil
	}

	m.mu.Lock()
	pages := make([]*Page, 0, len(m.tabs))
	for _, t := range m.tabs {
		pages = append(pages, t.page)
	}
	m.mu.Unlock()

	for _, p := range pages {
		go func(p *Page) {
			if err := m.ClosePage(ctx, p); err != nil {
				m.logger.Warn("Error during page close in shutdown.", zap.String("page_id", p.ID()), zap.Error(err))
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("All pages closed gracefully.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for pages to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cleanupCancel()

	var shutdownErr error
	if err := chromedp.Cancel(m.browserCtx); err != nil && cleanupCtx.Err() == nil {
		m.logger.Error("Failed to close browser instance.", zap.Error(err))
		shutdownErr = fmt.Errorf("failed to close browser: %w", err)
	}
	m.browserCancel()
	m.allocCancel()

	m.logger.Info("Browser manager shutdown complete.")
	return shutdownErr
}
