// internal/browser/contexts/world.go
package contexts

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/tidwall/gjson"
)

// ErrWorkerContext is returned when a worker realm reaches frame-level
// context handling. It points at a routing bug, not a race.
var ErrWorkerContext = errors.New("contexts: execution context is a worker")

// World identifies the kind of realm an execution context belongs to.
type World int

const (
	// ForeignWorld is an isolated world created by someone else. It is not
	// tracked but still receives bindings.
	ForeignWorld World = iota
	MainWorld
	UtilityWorld
	WorkerWorld
)

func (w World) String() string {
	switch w {
	case MainWorld:
		return "main"
	case UtilityWorld:
		return "utility"
	case WorkerWorld:
		return "worker"
	}
	return "foreign"
}

// ExecutionContext is one realm known to a frame session.
type ExecutionContext struct {
	ID      runtime.ExecutionContextID
	World   World
	FrameID cdp.FrameID
}

// Binding is a host function exposed to page script under Name. Source is
// the page-side shim evaluated into every context.
type Binding struct {
	Name   string
	Source string
}

// InitScript runs in every new document before page scripts.
type InitScript struct {
	Source string
}

// Classify decides the world of a freshly created context. It is called once
// per context.
func Classify(desc *runtime.ExecutionContextDescription, utilityName string) World {
	aux := gjson.ParseBytes(auxBytes(desc.AuxData))
	switch {
	case aux.Get("type").String() == "worker":
		return WorkerWorld
	case aux.Get("isDefault").Bool():
		return MainWorld
	case desc.Name == utilityName:
		return UtilityWorld
	}
	return ForeignWorld
}

// FrameOf returns the frame id carried in the context's auxData.
func FrameOf(desc *runtime.ExecutionContextDescription) cdp.FrameID {
	return cdp.FrameID(gjson.GetBytes(auxBytes(desc.AuxData), "frameId").String())
}

func auxBytes(v []byte) []byte {
	if len(v) == 0 {
		return []byte("{}")
	}
	return v
}

// ParseContextID extracts the execution context id from a remote object id.
// Object ids have the form "<isolate>.<context>.<object>".
func ParseContextID(id runtime.RemoteObjectID) (runtime.ExecutionContextID, error) {
	parts := strings.Split(string(id), ".")
	if len(parts) < 2 {
		return 0, fmt.Errorf("contexts: malformed object id %q", id)
	}
	n, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("contexts: malformed object id %q: %w", id, err)
	}
	return runtime.ExecutionContextID(n), nil
}
