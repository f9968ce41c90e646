// internal/browser/transport/errors.go
package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/chromedp/cdproto/cdp"
)

// benignMessages are protocol error texts that mean the target of a command
// no longer exists.
var benignMessages = []string{
	"no resource with given",
	"invalid interceptionid",
	"invalid state for continueinterceptedrequest",
	"target closed",
	"session closed",
	"session with given id not found",
	"cannot find context with specified id",
	"execution context was destroyed",
	"no frame with given id",
	"no node with given id",
	"could not find node with given id",
	"inspected target navigated or closed",
}

// IsBenign reports whether err is a race with the browser rather than a bug:
// the request, context, frame or session was gone when the command arrived.
func IsBenign(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, cdp.ErrInvalidContext) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range benignMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsContextGone reports whether err says the execution context a command
// named no longer exists.
func IsContextGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cannot find context with specified id") ||
		strings.Contains(msg, "execution context was destroyed")
}
