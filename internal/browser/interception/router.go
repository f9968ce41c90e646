// internal/browser/interception/router.go
package interception

import (
	"context"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veil/internal/browser/transport"
	"github.com/xkilldash9x/veil/internal/config"
)

// ScriptSource supplies the init scripts to inject into documents and the
// class marker their tags carry.
type ScriptSource interface {
	InitScripts() []string
	Marker() string
}

// Router decides the fate of every paused fetch on one page.
type Router struct {
	client  *transport.Client
	tracker *NetworkTracker
	scripts ScriptSource
	cfg     config.InterceptionConfig
	logger  *zap.Logger

	mu     sync.Mutex
	routes map[network.RequestID]*Route
}

// NewRouter creates a router sharing tracker with the page's network recorder.
func NewRouter(client *transport.Client, tracker *NetworkTracker, scripts ScriptSource, cfg config.InterceptionConfig, logger *zap.Logger) *Router {
	return &Router{
		client:  client,
		tracker: tracker,
		scripts: scripts,
		cfg:     cfg,
		logger:  logger.Named("interception"),
		routes:  make(map[network.RequestID]*Route),
	}
}

// Enable turns on request-stage interception for every URL. Responses are
// only paused when a continue asks for them.
func (r *Router) Enable(ctx context.Context) error {
	if !r.cfg.Enabled {
		return nil
	}
	patterns := []*fetch.RequestPattern{{URLPattern: "*", RequestStage: fetch.RequestStageRequest}}
	if err := r.client.Run(ctx, fetch.Enable().WithPatterns(patterns)); err != nil {
		return err
	}
	// Cached documents skip the network and would never reach the body rewrite.
	r.client.MayFail(ctx, "Network.setCacheDisabled", network.SetCacheDisabled(false))
	return nil
}

// Disable stops interception. Exchanges still paused are released by the browser.
func (r *Router) Disable(ctx context.Context) {
	r.client.MayFail(ctx, "Fetch.disable", fetch.Disable())
}

// NewRoute creates an untracked route for networkID.
func (r *Router) NewRoute(networkID network.RequestID) *Route {
	return &Route{router: r, networkID: networkID, logger: r.logger}
}

// RouteFor returns the tracked route for networkID, if any.
func (r *Router) RouteFor(networkID network.RequestID) (*Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[networkID]
	return rt, ok
}

// track claims the route's network id and registers it so the response
// stage finds it. Registration happens before the continue is sent.
func (r *Router) track(rt *Route) {
	r.tracker.Claim(rt.networkID)
	r.mu.Lock()
	r.routes[rt.networkID] = rt
	r.mu.Unlock()
}

func (r *Router) untrack(rt *Route) {
	r.mu.Lock()
	if r.routes[rt.networkID] == rt {
		delete(r.routes, rt.networkID)
	}
	r.mu.Unlock()
}

// HandleRequestPaused processes one Fetch.requestPaused event.
func (r *Router) HandleRequestPaused(ctx context.Context, ev *fetch.EventRequestPaused) {
	x := NewExchange(ev)
	if r.tracker.IsClaimed(x.NetworkID) {
		r.handleTracked(ctx, x)
		return
	}

	rt := r.NewRoute(x.NetworkID)
	if r.wantsBody(x) {
		r.logger.Debug("Bootstrapping document interception.", zap.String("url", x.URL), zap.String("network_id", string(x.NetworkID)))
		r.ignoreResolved(rt.Continue(ctx, x, &Overrides{URL: r.cfg.SentinelURLs[0]}))
		return
	}
	r.ignoreResolved(rt.Continue(ctx, x, nil))
}

// wantsBody reports whether a fresh exchange is a document whose response
// should be paused for injection.
func (r *Router) wantsBody(x *Exchange) bool {
	return r.cfg.Enabled &&
		x.Stage == StageRequest &&
		x.IsDocument() &&
		len(r.cfg.SentinelURLs) > 0 &&
		len(r.scripts.InitScripts()) > 0 &&
		!r.isPrivileged(x.URL)
}

func (r *Router) handleTracked(ctx context.Context, x *Exchange) {
	if !x.IsDocument() {
		r.ignoreResolved(r.NewRoute(x.NetworkID).Continue(ctx, x, nil))
		return
	}
	rt, ok := r.RouteFor(x.NetworkID)
	if !ok || rt.networkID != x.NetworkID {
		// No document processing for it. It is still released so the page
		// cannot stall on a pause nobody owns.
		r.logger.Debug("Passing through exchange without a matching route.", zap.String("network_id", string(x.NetworkID)))
		r.ignoreResolved(r.NewRoute(x.NetworkID).Continue(ctx, x, nil))
		return
	}

	switch {
	case x.IsRedirect():
		r.ignoreResolved(rt.continueIntercepting(ctx, x))
		return
	case r.isPrivileged(x.URL):
		r.untrack(rt)
		r.ignoreResolved(rt.Continue(ctx, x, nil))
		return
	case x.Stage == StageRequest:
		r.ignoreResolved(rt.continueIntercepting(ctx, x))
		return
	}

	body, err := transport.Call(ctx, r.client, "Fetch.getResponseBody", func(ctx context.Context) ([]byte, error) {
		return fetch.GetResponseBody(x.ID).Do(ctx)
	})
	if err != nil {
		r.logger.Debug("Could not read document body, continuing.", zap.String("url", x.URL), zap.Error(err))
		r.untrack(rt)
		r.ignoreResolved(rt.Continue(ctx, x, nil))
		return
	}

	resp, err := BuildDocument(x, body, r.scripts.InitScripts(), r.scripts.Marker())
	if err != nil {
		r.logger.Warn("Could not build document response, continuing.", zap.String("url", x.URL), zap.Error(err))
		r.untrack(rt)
		r.ignoreResolved(rt.Continue(ctx, x, nil))
		return
	}

	r.untrack(rt)
	if !resp.Mutated {
		// The paused response is still the original, so continuing
		// delivers its body and encoding headers untouched.
		r.logger.Debug("Document left unmodified, continuing.", zap.String("url", x.URL))
		r.ignoreResolved(rt.Continue(ctx, x, nil))
		return
	}
	r.ignoreResolved(rt.Fulfill(ctx, x, resp))
	r.logger.Debug("Fulfilled document.",
		zap.String("url", x.URL),
		zap.Int64("status", resp.Status))
}

func (r *Router) isSentinel(url string) bool {
	for _, s := range r.cfg.SentinelURLs {
		if url == s {
			return true
		}
	}
	return false
}

func (r *Router) isPrivileged(url string) bool {
	for _, p := range r.cfg.PrivilegedURLPrefixes {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}

func (r *Router) ignoreResolved(err error) {
	if err != nil {
		r.logger.Debug("Exchange was already resolved.", zap.Error(err))
	}
}
