// internal/browser/transport/transport_test.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/veil/internal/mocks"
)

func TestIsBenign(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, true},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{"invalid context", cdp.ErrInvalidContext, true},
		{"no resource", errors.New("No resource with given identifier found (-32602)"), true},
		{"interception id", errors.New("Invalid InterceptionId."), true},
		{"target closed", errors.New("Target closed"), true},
		{"session closed", errors.New("Session closed."), true},
		{"missing context", errors.New("Cannot find context with specified id"), true},
		{"real failure", errors.New("Invalid parameters: body: string value expected"), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsBenign(tt.err))
		})
	}
}

func TestIsContextGone(t *testing.T) {
	t.Parallel()

	assert.False(t, IsContextGone(nil))
	assert.True(t, IsContextGone(fmt.Errorf("Runtime.evaluate: %w", errors.New("Cannot find context with specified id"))))
	assert.True(t, IsContextGone(errors.New("Execution context was destroyed.")))
	assert.False(t, IsContextGone(errors.New("Target closed")), "a closed session says nothing about one context")
	assert.False(t, IsContextGone(context.Canceled))
}

func TestClientRun(t *testing.T) {
	exec := mocks.NewExecutor()
	c := NewClient(exec, zaptest.NewLogger(t), time.Second)

	err := c.Run(context.Background(), fetch.ContinueRequest("a"), fetch.ContinueRequest("b"))
	require.NoError(t, err)
	assert.Equal(t, 2, exec.Count(fetch.CommandContinueRequest))

	t.Run("stops at the first error", func(t *testing.T) {
		exec := mocks.NewExecutor().Fail(fetch.CommandContinueRequest, errors.New("boom"))
		c := NewClient(exec, zaptest.NewLogger(t), 0)

		err := c.Run(context.Background(), fetch.ContinueRequest("a"), fetch.FailRequest("a", "Failed"))
		assert.EqualError(t, err, "boom")
		assert.Equal(t, 0, exec.Count(fetch.CommandFailRequest))
	})

	t.Run("applies the command timeout", func(t *testing.T) {
		c := NewClient(mocks.NewExecutor(), zaptest.NewLogger(t), 50*time.Millisecond)
		err := c.Run(context.Background(), chromedp.ActionFunc(func(ctx context.Context) error {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			assert.NotNil(t, cdp.ExecutorFromContext(ctx))
			return nil
		}))
		require.NoError(t, err)
	})
}

func TestClientMayFail(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	exec := mocks.NewExecutor()
	c := NewClient(exec, zap.New(core), time.Second)

	assert.True(t, c.MayFail(context.Background(), "continue", fetch.ContinueRequest("a")))

	exec.Fail(fetch.CommandContinueRequest, errors.New("Invalid InterceptionId."))
	assert.False(t, c.MayFail(context.Background(), "continue", fetch.ContinueRequest("a")))

	exec.Fail(fetch.CommandContinueRequest, errors.New("Invalid parameters"))
	assert.False(t, c.MayFail(context.Background(), "continue", fetch.ContinueRequest("a")))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level, "races log quietly")
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "continue", entries[1].ContextMap()["command"])
}

func TestCall(t *testing.T) {
	exec := mocks.NewExecutor().Handle(page.CommandCreateIsolatedWorld,
		mocks.Returns(page.CreateIsolatedWorldReturns{ExecutionContextID: 9}))
	c := NewClient(exec, zaptest.NewLogger(t), time.Second)

	id, err := Call(context.Background(), c, "create world", page.CreateIsolatedWorld("f").Do)
	require.NoError(t, err)
	assert.EqualValues(t, 9, id)

	exec.Fail(page.CommandCreateIsolatedWorld, errors.New("No frame with given id found"))
	_, err = Call(context.Background(), c, "create world", page.CreateIsolatedWorld("f").Do)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create world: No frame")
	assert.True(t, IsBenign(err))
}

func TestClientWith(t *testing.T) {
	first, second := mocks.NewExecutor(), mocks.NewExecutor()
	c := NewClient(first, zaptest.NewLogger(t), time.Second)
	child := c.With(second)

	require.NoError(t, child.Run(context.Background(), fetch.ContinueRequest("a")))
	assert.Equal(t, 0, first.Count(fetch.CommandContinueRequest))
	assert.Equal(t, 1, second.Count(fetch.CommandContinueRequest))
	assert.Same(t, second, child.Executor())
}
