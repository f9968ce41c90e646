// internal/browser/jsexec/runtime.go
package jsexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// DefaultTimeout is the fallback execution timeout if the context has no deadline.
const DefaultTimeout = 30 * time.Second

// SyntaxError reports a script that does not parse.
type SyntaxError struct {
	Name string
	Err  error
}

func (e *SyntaxError) Error() string { return fmt.Sprintf("%s: %v", e.Name, e.Err) }
func (e *SyntaxError) Unwrap() error { return e.Err }

// Check parses source without running it. The engine lags behind browsers
// on the newest syntax, so callers treat a failure as a warning.
func Check(name, source string) error {
	if _, err := goja.Compile(name, source, false); err != nil {
		return &SyntaxError{Name: name, Err: err}
	}
	return nil
}

// Runtime is an offline JavaScript VM for exercising page scripts against
// stand-in browser objects.
type Runtime struct {
	vm        *goja.Runtime
	logger    *zap.Logger
	execMutex sync.Mutex
}

// NewRuntime creates an empty VM.
func NewRuntime(logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{vm: goja.New(), logger: logger.Named("jsexec")}
}

// Set defines a global.
func (r *Runtime) Set(name string, value any) error {
	r.execMutex.Lock()
	defer r.execMutex.Unlock()
	return r.vm.Set(name, value)
}

// ExecuteScript runs script and exports its completion value. Execution is
// interrupted when ctx ends. Promise jobs queued by the script run before it
// returns.
func (r *Runtime) ExecuteScript(ctx context.Context, script string) (any, error) {
	r.execMutex.Lock()
	defer r.execMutex.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	defer r.vm.ClearInterrupt()
	stop := context.AfterFunc(ctx, func() { r.vm.Interrupt(ctx.Err()) })
	defer stop()

	result, err := r.vm.RunString(script)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("javascript execution interrupted by context: %w", ctx.Err())
		}
		var jsErr *goja.Exception
		if errors.As(err, &jsErr) {
			return nil, fmt.Errorf("javascript exception: %s", jsErr.String())
		}
		return nil, fmt.Errorf("javascript error: %w", err)
	}
	if result == nil {
		return nil, nil
	}
	return result.Export(), nil
}
