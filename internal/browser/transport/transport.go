// internal/browser/transport/transport.go
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Client issues protocol commands against one target session. Every command
// runs under its own timeout and through cdp.WithExecutor, so a fake executor
// can stand in for the browser.
type Client struct {
	exec    cdp.Executor
	logger  *zap.Logger
	timeout time.Duration
}

// NewClient wraps exec. A non-positive timeout disables the per-command deadline.
func NewClient(exec cdp.Executor, logger *zap.Logger, timeout time.Duration) *Client {
	return &Client{exec: exec, logger: logger, timeout: timeout}
}

// Executor returns the underlying executor.
func (c *Client) Executor() cdp.Executor { return c.exec }

// With returns a copy that sends commands through exec. Used for child
// sessions such as workers.
func (c *Client) With(exec cdp.Executor) *Client {
	return &Client{exec: exec, logger: c.logger, timeout: c.timeout}
}

// Bind returns ctx carrying the executor. The caller must release it with the
// returned cancel func.
func (c *Client) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		return cdp.WithExecutor(ctx, c.exec), cancel
	}
	ctx, cancel := context.WithCancel(ctx)
	return cdp.WithExecutor(ctx, c.exec), cancel
}

// Run executes actions in order, stopping at the first error.
func (c *Client) Run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := c.Bind(ctx)
	defer cancel()
	for _, a := range actions {
		if err := a.Do(opCtx); err != nil {
			return err
		}
	}
	return nil
}

// MayFail runs actions and swallows any error. The target request, context
// or frame may have gone away concurrently, which is an expected race. It
// reports whether every action succeeded.
func (c *Client) MayFail(ctx context.Context, what string, actions ...chromedp.Action) bool {
	err := c.Run(ctx, actions...)
	c.Dropped(what, err)
	return err == nil
}

// Dropped logs a swallowed command error: benign races at Debug, anything
// else at Warn. A nil err is ignored.
func (c *Client) Dropped(what string, err error) {
	switch {
	case err == nil:
	case IsBenign(err):
		c.logger.Debug("Ignoring benign protocol failure.", zap.String("command", what), zap.Error(err))
	default:
		c.logger.Warn("Protocol command failed; continuing.", zap.String("command", what), zap.Error(err))
	}
}

// Call runs a single value-returning command, wrapping its error with what.
func Call[T any](ctx context.Context, c *Client, what string, fn func(ctx context.Context) (T, error)) (T, error) {
	opCtx, cancel := c.Bind(ctx)
	defer cancel()
	v, err := fn(opCtx)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", what, err)
	}
	return v, nil
}
