// File: internal/mocks/executor.go
package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
)

// HandlerFunc answers one protocol command. res is the typed *...Returns
// pointer the caller decodes into, or nil for commands without a result.
type HandlerFunc func(params, res any) error

// Call is one recorded protocol command.
type Call struct {
	Method string
	Params any
}

// Executor is an in-memory cdp.Executor. Every command is recorded. Commands
// without a handler succeed with an empty result.
type Executor struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]HandlerFunc
	errs     map[string]error
}

var _ cdp.Executor = (*Executor)(nil)

// NewExecutor returns an empty fake.
func NewExecutor() *Executor {
	return &Executor{handlers: map[string]HandlerFunc{}, errs: map[string]error{}}
}

// Handle installs h for method, replacing any previous handler.
func (e *Executor) Handle(method string, h HandlerFunc) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[method] = h
	return e
}

// Fail makes every call to method return err.
func (e *Executor) Fail(method string, err error) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs[method] = err
	return e
}

// Execute implements cdp.Executor.
func (e *Executor) Execute(ctx context.Context, method string, params, res any) error {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Method: method, Params: params})
	h := e.handlers[method]
	err := e.errs[method]
	e.mu.Unlock()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return err
	}
	if h != nil {
		return h(params, res)
	}
	return nil
}

// Calls returns a copy of every recorded command in order.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Methods returns the recorded method names in order.
func (e *Executor) Methods() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	for i, c := range e.calls {
		out[i] = c.Method
	}
	return out
}

// CallsTo returns the recorded commands for method.
func (e *Executor) CallsTo(method string) []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Call
	for _, c := range e.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times method was called.
func (e *Executor) Count(method string) int {
	return len(e.CallsTo(method))
}

// Reset forgets recorded calls but keeps handlers.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

// Returns builds a handler that copies v into the command's result.
func Returns[T any](v T) HandlerFunc {
	return func(_, res any) error {
		dst, ok := res.(*T)
		if !ok {
			return fmt.Errorf("mocks: result is %T, want *%T", res, v)
		}
		*dst = v
		return nil
	}
}
