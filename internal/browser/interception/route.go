// internal/browser/interception/route.go
package interception

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"
)

// Overrides are the caller-supplied changes for a continued request.
type Overrides struct {
	URL      string
	Method   string
	Headers  []*fetch.HeaderEntry
	PostData []byte
}

// Route follows one logical request across its paused exchanges, including
// redirect hops that share a network id.
type Route struct {
	router    *Router
	networkID network.RequestID
	logger    *zap.Logger

	mu   sync.Mutex
	last *Overrides
}

// NetworkID is the id the route was created for.
func (rt *Route) NetworkID() network.RequestID { return rt.networkID }

// LastOverrides returns the overrides of the most recent Continue.
func (rt *Route) LastOverrides() *Overrides {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.last
}

// Continue lets x proceed. Continuing to a sentinel URL does not navigate
// anywhere; it claims the request's network id and asks for the response to
// be paused too, so the document body reaches the router.
func (rt *Route) Continue(ctx context.Context, x *Exchange, o *Overrides) error {
	if err := x.resolve(Continued); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.last = o
	rt.mu.Unlock()

	if o != nil && rt.router.isSentinel(o.URL) {
		rt.router.track(rt)
		rt.router.client.MayFail(ctx, "Fetch.continueRequest",
			fetch.ContinueRequest(x.ID).WithInterceptResponse(true))
		return nil
	}

	p := fetch.ContinueRequest(x.ID)
	if o != nil {
		if o.URL != "" {
			p = p.WithURL(o.URL)
		}
		if o.Method != "" {
			p = p.WithMethod(o.Method)
		}
		if len(o.Headers) > 0 {
			p = p.WithHeaders(o.Headers)
		}
		if o.PostData != nil {
			p = p.WithPostData(base64.StdEncoding.EncodeToString(o.PostData))
		}
	}
	rt.router.client.MayFail(ctx, "Fetch.continueRequest", p)
	return nil
}

// continueIntercepting continues x and asks for its response to be paused.
func (rt *Route) continueIntercepting(ctx context.Context, x *Exchange) error {
	if err := x.resolve(Continued); err != nil {
		return err
	}
	rt.router.client.MayFail(ctx, "Fetch.continueRequest",
		fetch.ContinueRequest(x.ID).WithInterceptResponse(true))
	return nil
}

// Fulfill answers x with resp. If the browser rejects the fulfillment for a
// reason other than the request having vanished, the exchange degrades to a
// plain continue so the navigation cannot hang.
func (rt *Route) Fulfill(ctx context.Context, x *Exchange, resp Response) error {
	if err := x.resolve(Fulfilled); err != nil {
		return err
	}
	p := fetch.FulfillRequest(x.ID, resp.Status).WithResponseHeaders(resp.Headers)
	if resp.Phrase != "" {
		p = p.WithResponsePhrase(resp.Phrase)
	}
	if len(resp.Body) > 0 {
		p = p.WithBody(base64.StdEncoding.EncodeToString(resp.Body))
	}
	if err := rt.router.client.Run(ctx, p); err != nil {
		rt.logger.Debug("Fulfill failed, falling back to continue.", zap.String("url", x.URL), zap.Error(err))
		x.state.Store(int32(Continued))
		rt.router.client.MayFail(ctx, "Fetch.continueRequest", fetch.ContinueRequest(x.ID))
	}
	return nil
}

// Fail aborts x with reason.
func (rt *Route) Fail(ctx context.Context, x *Exchange, reason network.ErrorReason) error {
	if err := x.resolve(Failed); err != nil {
		return err
	}
	rt.router.client.MayFail(ctx, "Fetch.failRequest", fetch.FailRequest(x.ID, reason))
	return nil
}
