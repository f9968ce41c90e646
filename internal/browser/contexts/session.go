// internal/browser/contexts/session.go
package contexts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/veil/internal/browser/transport"
	"github.com/xkilldash9x/veil/internal/config"
)

// globalScope keys bindings installed without a context id.
const globalScope runtime.ExecutionContextID = 0

type installKey struct {
	context runtime.ExecutionContextID
	name    string
}

// Replay is what a frame session must bring into a page that already has
// documents loaded: every binding and init script of the browser context and
// of the page.
type Replay struct {
	Bindings []Binding
	Scripts  []InitScript
}

// FrameSession keeps the bindings, pending init scripts and known execution
// contexts of one frame, and pushes bindings into every context the frame
// creates.
type FrameSession struct {
	frameID cdp.FrameID
	isMain  bool
	marker  string
	client  *transport.Client
	cfg     config.InjectionConfig
	logger  *zap.Logger

	mu        sync.Mutex
	bindings  []Binding
	scripts   []InitScript
	contexts  map[runtime.ExecutionContextID]ExecutionContext
	live      map[runtime.ExecutionContextID]struct{}
	installed map[installKey]struct{}
	mainID    runtime.ExecutionContextID
	utilityID runtime.ExecutionContextID
}

// NewFrameSession creates the session for frameID. marker is the class
// carried by injected script tags.
func NewFrameSession(frameID cdp.FrameID, isMain bool, marker string, client *transport.Client, cfg config.InjectionConfig, logger *zap.Logger) *FrameSession {
	return &FrameSession{
		frameID:   frameID,
		isMain:    isMain,
		marker:    marker,
		client:    client,
		cfg:       cfg,
		logger:    logger.Named("contexts").With(zap.String("frame_id", frameID.String())),
		contexts:  make(map[runtime.ExecutionContextID]ExecutionContext),
		live:      make(map[runtime.ExecutionContextID]struct{}),
		installed: make(map[installKey]struct{}),
	}
}

// FrameID returns the frame this session serves.
func (s *FrameSession) FrameID() cdp.FrameID { return s.frameID }

// IsMain reports whether this is the page's top frame.
func (s *FrameSession) IsMain() bool { return s.isMain }

// Initialize brings the frame up to date when the session starts after
// documents may already have loaded. Replay failures are logged and dropped.
func (s *FrameSession) Initialize(ctx context.Context, replay Replay) {
	s.ensureUtility(ctx)

	if id, ok := s.mainContext(ctx); ok {
		var g errgroup.Group
		for _, b := range replay.Bindings {
			g.Go(func() error { s.evaluateMayFail(ctx, id, b.Source); return nil })
		}
		for _, sc := range replay.Scripts {
			g.Go(func() error { s.evaluateMayFail(ctx, id, sc.Source); return nil })
		}
		_ = g.Wait()
	}

	for _, b := range replay.Bindings {
		if err := s.InitBinding(ctx, b); err != nil {
			s.logger.Warn("Skipping invalid binding.", zap.String("binding", b.Name), zap.Error(err))
		}
	}
	for _, sc := range replay.Scripts {
		s.EvaluateOnNewDocument(sc)
	}

	if s.isMain && !s.cfg.FocusControl {
		s.client.MayFail(ctx, "Emulation.setFocusEmulationEnabled", emulation.SetFocusEmulationEnabled(true))
	}
}

// InitBinding exposes b in this frame: globally, in the main world and in
// the utility world, and in every other context already known. Each
// (context, name) pair is installed at most once.
func (s *FrameSession) InitBinding(ctx context.Context, b Binding) error {
	if b.Name == "" {
		return errors.New("contexts: binding name is empty")
	}
	utilityID, _ := s.ensureUtility(ctx)
	mainID, _ := s.mainContext(ctx)

	// Recording and snapshotting share the lock with context announcement,
	// so a context created concurrently is covered by one side or the other.
	targets := append([]runtime.ExecutionContextID{globalScope}, s.record(b)...)
	for _, id := range []runtime.ExecutionContextID{mainID, utilityID} {
		if id != 0 && !slices.Contains(targets, id) {
			targets = append(targets, id)
		}
	}

	var g errgroup.Group
	for _, id := range targets {
		g.Go(func() error { s.addBinding(ctx, id, b.Name); return nil })
	}
	return g.Wait()
}

// record adds b unless a binding of that name is already known and returns
// the live contexts at that instant.
func (s *FrameSession) record(b Binding) []runtime.ExecutionContextID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.ContainsFunc(s.bindings, func(have Binding) bool { return have.Name == b.Name }) {
		s.bindings = append(s.bindings, b)
	}
	ids := make([]runtime.ExecutionContextID, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	return ids
}

// addBinding installs name into context id unless that pair was already
// installed. A failed install releases the pair so a later attempt can retry.
func (s *FrameSession) addBinding(ctx context.Context, id runtime.ExecutionContextID, name string) {
	key := installKey{context: id, name: name}
	s.mu.Lock()
	if _, ok := s.installed[key]; ok {
		s.mu.Unlock()
		return
	}
	s.installed[key] = struct{}{}
	s.mu.Unlock()

	if !s.client.MayFail(ctx, "Runtime.addBinding", &addBindingParams{Name: name, ExecutionContextID: id}) {
		s.mu.Lock()
		delete(s.installed, key)
		s.mu.Unlock()
	}
}

// Bindings returns the exposed bindings in registration order.
func (s *FrameSession) Bindings() []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Binding(nil), s.bindings...)
}

// RemoveExposedBindings removes every binding except the internal ones,
// which keep working across navigations.
func (s *FrameSession) RemoveExposedBindings(ctx context.Context) {
	s.mu.Lock()
	var retain []Binding
	var remove []string
	for _, b := range s.bindings {
		if strings.HasPrefix(b.Name, s.cfg.InternalBindingPrefix) {
			retain = append(retain, b)
		} else {
			remove = append(remove, b.Name)
		}
	}
	s.bindings = retain
	for key := range s.installed {
		for _, name := range remove {
			if key.name == name {
				delete(s.installed, key)
			}
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, name := range remove {
		g.Go(func() error {
			s.client.MayFail(ctx, "Runtime.removeBinding", runtime.RemoveBinding(name))
			return nil
		})
	}
	_ = g.Wait()
}

// OnExecutionContextCreated installs every binding into the new context and
// replays their sources there. Worker contexts are rejected with
// ErrWorkerContext.
func (s *FrameSession) OnExecutionContextCreated(ctx context.Context, ev *runtime.EventExecutionContextCreated) error {
	desc := ev.Context
	if desc == nil {
		return nil
	}
	s.mu.Lock()
	s.live[desc.ID] = struct{}{}
	bindings := append([]Binding(nil), s.bindings...)
	s.mu.Unlock()

	var g errgroup.Group
	for _, b := range bindings {
		g.Go(func() error { s.addBinding(ctx, desc.ID, b.Name); return nil })
	}
	_ = g.Wait()

	world := Classify(desc, s.cfg.UtilityWorldName)
	if world == WorkerWorld {
		s.logger.Error("Worker context routed to a frame session.",
			zap.Int64("context_id", int64(desc.ID)),
			zap.String("origin", desc.Origin))
		s.OnExecutionContextDestroyed(desc.ID)
		return ErrWorkerContext
	}

	s.mu.Lock()
	switch world {
	case MainWorld:
		s.mainID = desc.ID
		s.contexts[desc.ID] = ExecutionContext{ID: desc.ID, World: world, FrameID: s.frameID}
	case UtilityWorld:
		s.utilityID = desc.ID
		s.contexts[desc.ID] = ExecutionContext{ID: desc.ID, World: world, FrameID: s.frameID}
	}
	s.mu.Unlock()

	var replay errgroup.Group
	for _, b := range bindings {
		replay.Go(func() error { s.evaluateMayFail(ctx, desc.ID, b.Source); return nil })
	}
	_ = replay.Wait()

	s.logger.Debug("Execution context ready.",
		zap.Int64("context_id", int64(desc.ID)),
		zap.Stringer("world", world),
		zap.Int("bindings", len(bindings)))
	return nil
}

// OnExecutionContextDestroyed forgets context id.
func (s *FrameSession) OnExecutionContextDestroyed(id runtime.ExecutionContextID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forget(id)
}

// OnExecutionContextsCleared forgets every context of the frame.
func (s *FrameSession) OnExecutionContextsCleared() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.contexts)
	clear(s.live)
	for key := range s.installed {
		if key.context != globalScope {
			delete(s.installed, key)
		}
	}
	s.mainID, s.utilityID = 0, 0
}

// forget requires s.mu.
func (s *FrameSession) forget(id runtime.ExecutionContextID) {
	delete(s.contexts, id)
	delete(s.live, id)
	for key := range s.installed {
		if key.context == id {
			delete(s.installed, key)
		}
	}
	if s.mainID == id {
		s.mainID = 0
	}
	if s.utilityID == id {
		s.utilityID = 0
	}
}

// OnNavigated runs after the frame committed a new document. Worlds of the
// previous document are forgotten once the browser confirms they are gone.
// Contexts the new document announced before this event are kept.
func (s *FrameSession) OnNavigated(ctx context.Context) {
	s.pruneStale(ctx)
	s.cleanup(ctx)
}

// pruneStale checks every known context with a trivial evaluate and
// forgets the ones the browser no longer has.
func (s *FrameSession) pruneStale(ctx context.Context) {
	s.mu.Lock()
	ids := make([]runtime.ExecutionContextID, 0, len(s.live)+2)
	for id := range s.live {
		ids = append(ids, id)
	}
	for _, id := range []runtime.ExecutionContextID{s.mainID, s.utilityID} {
		if id != 0 && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := evaluate(ctx, s.client, id, "0")
			if !transport.IsContextGone(err) {
				return nil
			}
			s.mu.Lock()
			s.forget(id)
			s.mu.Unlock()
			s.logger.Debug("Forgot context of previous document.", zap.Int64("context_id", int64(id)))
			return nil
		})
	}
	_ = g.Wait()
}

// OnLifecycleEvent runs on every lifecycle event of the frame.
func (s *FrameSession) OnLifecycleEvent(ctx context.Context) {
	s.cleanup(ctx)
}

// cleanup releases a target paused on start, strips injected script tags the
// document may still carry, and makes sure the utility world exists.
func (s *FrameSession) cleanup(ctx context.Context) {
	s.client.MayFail(ctx, "Runtime.runIfWaitingForDebugger", runtime.RunIfWaitingForDebugger())
	s.removeMarkers(ctx)
	s.client.MayFail(ctx, "Runtime.runIfWaitingForDebugger", runtime.RunIfWaitingForDebugger())
	s.ensureUtility(ctx)
}

func (s *FrameSession) removeMarkers(ctx context.Context) {
	if s.marker == "" {
		return
	}
	root, err := transport.Call(ctx, s.client, "DOM.getDocument", func(ctx context.Context) (*cdp.Node, error) {
		return dom.GetDocument().Do(ctx)
	})
	if err != nil || root == nil {
		s.client.Dropped("DOM.getDocument", err)
		return
	}
	ids, err := transport.Call(ctx, s.client, "DOM.querySelectorAll", func(ctx context.Context) ([]cdp.NodeID, error) {
		return dom.QuerySelectorAll(root.NodeID, `[class="`+s.marker+`"]`).Do(ctx)
	})
	if err != nil {
		s.client.Dropped("DOM.querySelectorAll", err)
		return
	}
	for _, id := range ids {
		s.client.MayFail(ctx, "DOM.removeNode", dom.RemoveNode(id))
	}
	if len(ids) > 0 {
		s.logger.Debug("Removed stale injected script tags.", zap.Int("count", len(ids)))
	}
}

// ensureUtility creates the utility world if none is known.
func (s *FrameSession) ensureUtility(ctx context.Context) (runtime.ExecutionContextID, bool) {
	s.mu.Lock()
	id := s.utilityID
	s.mu.Unlock()
	if id != 0 {
		return id, true
	}
	return s.createUtility(ctx)
}

func (s *FrameSession) createUtility(ctx context.Context) (runtime.ExecutionContextID, bool) {
	id, err := transport.Call(ctx, s.client, "Page.createIsolatedWorld", func(ctx context.Context) (runtime.ExecutionContextID, error) {
		return page.CreateIsolatedWorld(s.frameID).
			WithWorldName(s.cfg.UtilityWorldName).
			WithGrantUniveralAccess(true).
			Do(ctx)
	})
	if err != nil || id == 0 {
		s.client.Dropped("Page.createIsolatedWorld", err)
		return 0, false
	}
	s.mu.Lock()
	s.utilityID = id
	s.contexts[id] = ExecutionContext{ID: id, World: UtilityWorld, FrameID: s.frameID}
	s.live[id] = struct{}{}
	s.mu.Unlock()
	return id, true
}

// mainContext returns the main world id. The top frame always asks the
// browser, which stays correct when no context events are delivered; other
// frames rely on what they have seen.
func (s *FrameSession) mainContext(ctx context.Context) (runtime.ExecutionContextID, bool) {
	if !s.isMain {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.mainID, s.mainID != 0
	}
	id, err := DefaultContextID(ctx, s.client)
	if err != nil {
		s.client.Dropped("Runtime.evaluate", err)
		return 0, false
	}
	s.mu.Lock()
	s.mainID = id
	s.contexts[id] = ExecutionContext{ID: id, World: MainWorld, FrameID: s.frameID}
	s.live[id] = struct{}{}
	s.mu.Unlock()
	return id, true
}

// MainContextID resolves the main world id of the frame.
func (s *FrameSession) MainContextID(ctx context.Context) (runtime.ExecutionContextID, error) {
	id, ok := s.mainContext(ctx)
	if !ok {
		return 0, fmt.Errorf("contexts: no main context for frame %s", s.frameID)
	}
	return id, nil
}

// ContextFor returns the tracked context with id.
func (s *FrameSession) ContextFor(id runtime.ExecutionContextID) (ExecutionContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	return c, ok
}

// EvaluateOnNewDocument queues script for every new document of the frame.
func (s *FrameSession) EvaluateOnNewDocument(script InitScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, script)
}

// RemoveEvaluatesOnNewDocument drops every queued script.
func (s *FrameSession) RemoveEvaluatesOnNewDocument() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = nil
}

// PendingScripts returns the queued scripts in order.
func (s *FrameSession) PendingScripts() []InitScript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]InitScript(nil), s.scripts...)
}

// EvaluateExpression evaluates expr in the utility world when isolated is
// set, otherwise in the main world.
func (s *FrameSession) EvaluateExpression(ctx context.Context, expr string, isolated bool) (*runtime.RemoteObject, error) {
	var (
		id runtime.ExecutionContextID
		ok bool
	)
	if isolated {
		id, ok = s.ensureUtility(ctx)
	} else {
		id, ok = s.mainContext(ctx)
	}
	if !ok {
		return nil, fmt.Errorf("contexts: frame %s has no usable execution context", s.frameID)
	}
	return evaluate(ctx, s.client, id, expr)
}

// EvaluateIn evaluates expr in context id.
func (s *FrameSession) EvaluateIn(ctx context.Context, id runtime.ExecutionContextID, expr string) (*runtime.RemoteObject, error) {
	return evaluate(ctx, s.client, id, expr)
}

func (s *FrameSession) evaluateMayFail(ctx context.Context, id runtime.ExecutionContextID, source string) {
	if _, err := evaluate(ctx, s.client, id, source); err != nil {
		s.client.Dropped("Runtime.evaluate", err)
	}
}
