// internal/browser/contexts/worker.go
package contexts

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veil/internal/browser/transport"
)

// Worker is a dedicated or service worker attached to a page. Its single
// execution context is discovered through the same side channel as a
// frame's main world, so Runtime.enable is never sent to it.
type Worker struct {
	TargetID  target.ID
	URL       string
	contextID runtime.ExecutionContextID
	client    *transport.Client
	logger    *zap.Logger
}

// AttachWorker resolves the execution context of the worker reachable
// through client.
func AttachWorker(ctx context.Context, client *transport.Client, info *target.Info, logger *zap.Logger) (*Worker, error) {
	if info == nil {
		return nil, fmt.Errorf("contexts: worker target info is missing")
	}
	client.MayFail(ctx, "Runtime.runIfWaitingForDebugger", runtime.RunIfWaitingForDebugger())

	id, err := DefaultContextID(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worker context for %s: %w", info.TargetID, err)
	}
	w := &Worker{
		TargetID:  info.TargetID,
		URL:       info.URL,
		contextID: id,
		client:    client,
		logger:    logger.Named("worker").With(zap.String("target_id", string(info.TargetID))),
	}
	w.logger.Debug("Worker attached.", zap.String("url", info.URL), zap.Int64("context_id", int64(id)))
	return w, nil
}

// ContextID is the worker's execution context.
func (w *Worker) ContextID() runtime.ExecutionContextID { return w.contextID }

// Evaluate runs expr in the worker and returns the result by value.
func (w *Worker) Evaluate(ctx context.Context, expr string) (*runtime.RemoteObject, error) {
	return evaluate(ctx, w.client, w.contextID, expr)
}
