// internal/browser/interception/exchange.go
package interception

import (
	"errors"
	"sync/atomic"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
)

// ErrAlreadyResolved is returned when an exchange that was already continued,
// failed or fulfilled is resolved again.
var ErrAlreadyResolved = errors.New("interception: exchange already resolved")

// State is the lifecycle position of an Exchange.
type State int32

const (
	Paused State = iota
	Continued
	Failed
	Fulfilled
)

func (s State) String() string {
	switch s {
	case Paused:
		return "paused"
	case Continued:
		return "continued"
	case Failed:
		return "failed"
	case Fulfilled:
		return "fulfilled"
	}
	return "unknown"
}

// Stage tells whether a request was paused before it was sent or after the
// response headers arrived.
type Stage int

const (
	StageRequest Stage = iota
	StageResponse
)

// Exchange is one paused fetch. It is resolved exactly once.
type Exchange struct {
	ID                  fetch.RequestID
	NetworkID           network.RequestID
	FrameID             string
	URL                 string
	ResourceType        network.ResourceType
	Stage               Stage
	StatusCode          int64
	StatusText          string
	Headers             []*fetch.HeaderEntry
	RedirectedRequestID fetch.RequestID

	state atomic.Int32
}

// NewExchange captures a Fetch.requestPaused event.
func NewExchange(ev *fetch.EventRequestPaused) *Exchange {
	x := &Exchange{
		ID:                  ev.RequestID,
		NetworkID:           ev.NetworkID,
		FrameID:             ev.FrameID.String(),
		ResourceType:        ev.ResourceType,
		StatusCode:          ev.ResponseStatusCode,
		StatusText:          ev.ResponseStatusText,
		Headers:             ev.ResponseHeaders,
		RedirectedRequestID: ev.RedirectedRequestID,
	}
	if ev.Request != nil {
		x.URL = ev.Request.URL
	}
	if ev.ResponseStatusCode != 0 || ev.ResponseErrorReason != "" {
		x.Stage = StageResponse
	}
	return x
}

// State returns the current state.
func (x *Exchange) State() State { return State(x.state.Load()) }

// resolve moves the exchange out of Paused.
func (x *Exchange) resolve(to State) error {
	if !x.state.CompareAndSwap(int32(Paused), int32(to)) {
		return ErrAlreadyResolved
	}
	return nil
}

// IsDocument reports whether the request loads a document.
func (x *Exchange) IsDocument() bool {
	return x.ResourceType == network.ResourceTypeDocument
}

// IsRedirect reports a 3xx redirect response, or the first pause of the hop
// that follows one.
func (x *Exchange) IsRedirect() bool {
	if x.StatusCode >= 301 && x.StatusCode <= 308 {
		return true
	}
	return x.RedirectedRequestID != "" && x.StatusCode == 0
}

// Header returns the first value of the named response header.
func (x *Exchange) Header(name string) (string, bool) {
	return headerValue(x.Headers, name)
}
