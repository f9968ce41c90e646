// internal/browser/harvester.go
package browser

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veil/internal/browser/interception"
)

const networkIdleCheckFrequency = 250 * time.Millisecond

// requestState holds what the harvester knows about one request.
type requestState struct {
	request   *network.Request
	resType   network.ResourceType
	frameID   cdp.FrameID
	response  *network.Response
	redirects int
	err       error
	finished  bool
	isDataURL bool
	wallTime  time.Time
	order     int
}

// Entry is a snapshot of one recorded request.
type Entry struct {
	RequestID network.RequestID
	URL       string
	Method    string
	Type      network.ResourceType
	FrameID   cdp.FrameID
	Status    int64
	MimeType  string
	Redirects int
	Finished  bool
	Err       error
	Started   time.Time
}

// Harvester records the raw network event stream of a page. Requests the
// interception router already owns are left out.
type Harvester struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	tracker *interception.NetworkTracker

	mu            sync.RWMutex
	requests      map[network.RequestID]*requestState
	seq           int
	activeReqs    int64
	startTime     time.Time
	onLoadTime    float64
	onContentLoad float64
}

// NewHarvester creates a harvester that consults tracker before recording.
func NewHarvester(ctx context.Context, logger *zap.Logger, tracker *interception.NetworkTracker) *Harvester {
	if tracker == nil {
		panic("Harvester created with nil NetworkTracker reference")
	}
	hCtx, hCancel := context.WithCancel(ctx)
	return &Harvester{
		ctx:      hCtx,
		cancel:   hCancel,
		logger:   logger.Named("harvester"),
		tracker:  tracker,
		requests: make(map[network.RequestID]*requestState),
	}
}

// Stop ends any pending WaitNetworkIdle.
func (h *Harvester) Stop() { h.cancel() }

// WaitNetworkIdle blocks until no request has been in flight for quietPeriod.
func (h *Harvester) WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	h.logger.Debug("Waiting for network to become idle.")

	timer := time.NewTimer(quietPeriod)
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	defer timer.Stop()

	isIdle := false

	ticker := time.NewTicker(networkIdleCheckFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.ctx.Done():
			return h.ctx.Err()
		case <-ticker.C:
			h.mu.RLock()
			active := h.activeReqs
			h.mu.RUnlock()

			if active > 0 {
				if isIdle {
					// Drain in case the timer fired while we were checking.
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					isIdle = false
				}
			} else if !isIdle {
				timer.Reset(quietPeriod)
				isIdle = true
			}
		case <-timer.C:
			h.logger.Debug("Network is idle.")
			return nil
		}
	}
}

// -- Event Handlers --

// OnRequestWillBeSent records a request unless the interception router
// has claimed its initiating request.
func (h *Harvester) OnRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	if ev.Initiator != nil && ev.Initiator.RequestID != "" && h.tracker.IsClaimed(ev.Initiator.RequestID) {
		h.logger.Debug("Skipping request owned by interception.",
			zap.String("request_id", ev.RequestID.String()),
			zap.String("initiator", ev.Initiator.RequestID.String()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	req, exists := h.requests[ev.RequestID]
	if !exists {
		h.seq++
		req = &requestState{order: h.seq, isDataURL: strings.HasPrefix(ev.Request.URL, "data:")}
		h.requests[ev.RequestID] = req
		h.activeReqs++
	} else if ev.RedirectResponse != nil {
		req.redirects++
	}

	req.request = ev.Request
	req.resType = ev.Type
	req.frameID = ev.FrameID
	if ev.WallTime != nil {
		req.wallTime = ev.WallTime.Time()
	}
}

// OnResponseReceived attaches the final response to its request.
func (h *Harvester) OnResponseReceived(ev *network.EventResponseReceived) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if req, ok := h.requests[ev.RequestID]; ok {
		req.response = ev.Response
	}
}

// OnLoadingFinished marks a request complete.
func (h *Harvester) OnLoadingFinished(ev *network.EventLoadingFinished) {
	h.finish(ev.RequestID, nil)
}

// OnLoadingFailed marks a request failed.
func (h *Harvester) OnLoadingFailed(ev *network.EventLoadingFailed) {
	h.finish(ev.RequestID, fmt.Errorf("request failed: %s", ev.ErrorText))
}

func (h *Harvester) finish(id network.RequestID, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	req, ok := h.requests[id]
	if !ok || req.finished {
		return
	}
	req.finished = true
	req.err = err
	if h.activeReqs > 0 {
		h.activeReqs--
	}
}

// OnLifecycleEvent records load timings for the top frame.
func (h *Harvester) OnLifecycleEvent(ev *page.EventLifecycleEvent, isMain bool) {
	if !isMain || ev.Timestamp == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Name == "init" {
		h.startTime = ev.Timestamp.Time()
		return
	}
	if h.startTime.IsZero() {
		return
	}
	delta := ev.Timestamp.Time().Sub(h.startTime).Seconds() * 1000
	switch ev.Name {
	case "DOMContentLoaded":
		h.onContentLoad = delta
	case "load":
		h.onLoadTime = delta
	}
}

// Active returns the number of requests in flight.
func (h *Harvester) Active() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.activeReqs
}

// Timings returns milliseconds from navigation start to DOMContentLoaded and load.
func (h *Harvester) Timings() (contentLoad, load float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onContentLoad, h.onLoadTime
}

// Entries returns every recorded request in arrival order. Data URLs are omitted.
func (h *Harvester) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	states := make([]*requestState, 0, len(h.requests))
	ids := make(map[*requestState]network.RequestID, len(h.requests))
	for id, req := range h.requests {
		if req.isDataURL || req.request == nil {
			continue
		}
		states = append(states, req)
		ids[req] = id
	}
	sort.Slice(states, func(i, j int) bool { return states[i].order < states[j].order })

	entries := make([]Entry, 0, len(states))
	for _, req := range states {
		e := Entry{
			RequestID: ids[req],
			URL:       req.request.URL,
			Method:    req.request.Method,
			Type:      req.resType,
			FrameID:   req.frameID,
			Redirects: req.redirects,
			Finished:  req.finished,
			Err:       req.err,
			Started:   req.wallTime,
		}
		if req.response != nil {
			e.Status = req.response.Status
			e.MimeType = req.response.MimeType
		}
		entries = append(entries, e)
	}
	return entries
}
