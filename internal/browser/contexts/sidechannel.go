// internal/browser/contexts/sidechannel.go
package contexts

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/veil/internal/browser/transport"
)

// addBindingParams is Runtime.addBinding scoped to a single context. The
// generated builder only offers the context name, which is ambiguous across
// frames. A zero id installs the binding globally.
type addBindingParams struct {
	Name               string                     `json:"name"`
	ExecutionContextID runtime.ExecutionContextID `json:"executionContextId,omitempty,omitzero"`
}

var _ chromedp.Action = (*addBindingParams)(nil)

func (p *addBindingParams) Do(ctx context.Context) error {
	return cdp.Execute(ctx, runtime.CommandAddBinding, p, nil)
}

// DefaultContextID finds the target's default execution context without
// Runtime.enable. It evaluates globalThis with id-only serialization and
// reads the context out of the returned object id.
func DefaultContextID(ctx context.Context, client *transport.Client) (runtime.ExecutionContextID, error) {
	obj, err := transport.Call(ctx, client, "Runtime.evaluate", func(ctx context.Context) (*runtime.RemoteObject, error) {
		res, exc, err := runtime.Evaluate("globalThis").
			WithSerializationOptions(&runtime.SerializationOptions{
				Serialization: runtime.SerializationOptionsSerializationIDOnly,
			}).
			Do(ctx)
		if err != nil {
			return nil, err
		}
		if exc != nil {
			return nil, fmt.Errorf("globalThis lookup threw: %s", exc.Text)
		}
		return res, nil
	})
	if err != nil {
		return 0, err
	}
	if obj == nil || obj.ObjectID == "" {
		return 0, fmt.Errorf("contexts: globalThis has no object id")
	}
	return ParseContextID(obj.ObjectID)
}

// evaluate runs expr in context id, awaiting promises. A thrown exception is
// returned as an error.
func evaluate(ctx context.Context, client *transport.Client, id runtime.ExecutionContextID, expr string) (*runtime.RemoteObject, error) {
	return transport.Call(ctx, client, "Runtime.evaluate", func(ctx context.Context) (*runtime.RemoteObject, error) {
		p := runtime.Evaluate(expr).WithAwaitPromise(true).WithReturnByValue(true)
		if id != 0 {
			p = p.WithContextID(id)
		}
		res, exc, err := p.Do(ctx)
		if err != nil {
			return nil, err
		}
		if exc != nil {
			return nil, &EvaluationError{Details: exc}
		}
		return res, nil
	})
}

// EvaluationError reports an exception thrown by evaluated script.
type EvaluationError struct {
	Details *runtime.ExceptionDetails
}

func (e *EvaluationError) Error() string {
	msg := e.Details.Text
	if e.Details.Exception != nil && e.Details.Exception.Description != "" {
		msg = e.Details.Exception.Description
	}
	return "evaluation threw: " + msg
}
