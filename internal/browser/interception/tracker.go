// internal/browser/interception/tracker.go
package interception

import (
	"sync"

	"github.com/chromedp/cdproto/network"
)

// NetworkTracker is the set of network ids claimed by the fetch interceptor.
// Both the raw network hook and the paused-request hook consult it, so a
// request observed by both is only processed once. Ids are never released;
// the tracker lives and dies with its page.
type NetworkTracker struct {
	mu  sync.Mutex
	ids map[network.RequestID]struct{}
}

// NewNetworkTracker returns an empty tracker.
func NewNetworkTracker() *NetworkTracker {
	return &NetworkTracker{ids: make(map[network.RequestID]struct{})}
}

// Claim adds id and reports whether it was newly claimed. The empty id is
// never claimable.
func (t *NetworkTracker) Claim(id network.RequestID) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ids[id]; ok {
		return false
	}
	t.ids[id] = struct{}{}
	return true
}

// IsClaimed reports whether id has been claimed.
func (t *NetworkTracker) IsClaimed(id network.RequestID) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ids[id]
	return ok
}
