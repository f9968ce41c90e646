// internal/browser/page.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veil/internal/browser/contexts"
	"github.com/xkilldash9x/veil/internal/browser/inject"
	"github.com/xkilldash9x/veil/internal/browser/interception"
	"github.com/xkilldash9x/veil/internal/browser/jsexec"
	"github.com/xkilldash9x/veil/internal/browser/shim"
	"github.com/xkilldash9x/veil/internal/browser/transport"
	"github.com/xkilldash9x/veil/internal/config"
)

// BindingCall is one invocation of an exposed binding from the page.
type BindingCall struct {
	Name      string
	FrameID   cdp.FrameID
	ContextID runtime.ExecutionContextID
	Args      []jsoniter.RawMessage
	// Heuristic is set when the calling context was unknown and the page's
	// main world was assumed.
	Heuristic bool
}

// BindingFunc serves a binding. The result is JSON encoded back to the caller.
type BindingFunc func(ctx context.Context, call BindingCall) (any, error)

// WorkerAttacher returns an executor for the worker session announced by ev.
type WorkerAttacher func(ctx context.Context, ev *target.EventAttachedToTarget) (cdp.Executor, error)

// PageOption configures a Page.
type PageOption func(*Page)

// WithWorkerAttacher enables worker tracking.
func WithWorkerAttacher(a WorkerAttacher) PageOption {
	return func(p *Page) { p.attachWorker = a }
}

func withBrowserContext(c *BrowserContext) PageOption {
	return func(p *Page) { p.bctx = c }
}

var workerTypes = map[string]bool{"worker": true, "service_worker": true, "shared_worker": true}

// Page owns the interception router, the network recorder and one frame
// session per frame of a single target, and routes protocol events to them.
type Page struct {
	id           string
	cfg          config.Interface
	logger       *zap.Logger
	client       *transport.Client
	bctx         *BrowserContext
	tracker      *interception.NetworkTracker
	router       *interception.Router
	harvester    *Harvester
	marker       string
	attachWorker WorkerAttacher

	lifeMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.RWMutex
	mainFrame     cdp.FrameID
	sessions      map[cdp.FrameID]*contexts.FrameSession
	contextFrames map[runtime.ExecutionContextID]cdp.FrameID
	workers       map[target.ID]*contexts.Worker
	scripts       []contexts.InitScript
	bindings      []contexts.Binding
	handlers      map[string]BindingFunc
}

// NewPage creates a page that sends commands through exec. Nothing is sent
// until Attach.
func NewPage(exec cdp.Executor, cfg config.Interface, logger *zap.Logger, opts ...PageOption) (*Page, error) {
	if exec == nil {
		return nil, errors.New("browser: page executor is nil")
	}
	marker, err := inject.NewMarker()
	if err != nil {
		return nil, fmt.Errorf("failed to generate script marker: %w", err)
	}
	id := uuid.NewString()
	logger = logger.Named("page").With(zap.String("page_id", id))
	ctx, cancel := context.WithCancel(context.Background())

	p := &Page{
		id:            id,
		cfg:           cfg,
		logger:        logger,
		client:        transport.NewClient(exec, logger, cfg.Interception().CommandTimeout),
		tracker:       interception.NewNetworkTracker(),
		marker:        marker,
		ctx:           ctx,
		cancel:        cancel,
		sessions:      make(map[cdp.FrameID]*contexts.FrameSession),
		contextFrames: make(map[runtime.ExecutionContextID]cdp.FrameID),
		workers:       make(map[target.ID]*contexts.Worker),
		handlers:      make(map[string]BindingFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.router = interception.NewRouter(p.client, p.tracker, p, cfg.Interception(), logger)
	p.harvester = NewHarvester(ctx, logger, p.tracker)
	return p, nil
}

// ID is a random identifier used in logs.
func (p *Page) ID() string { return p.id }

// Marker is the class carried by injected script tags.
func (p *Page) Marker() string { return p.marker }

// Harvester returns the page's network recorder.
func (p *Page) Harvester() *Harvester { return p.harvester }

// Tracker returns the network ids claimed by interception.
func (p *Page) Tracker() *interception.NetworkTracker { return p.tracker }

// Listen dispatches every event of the target bound to ctx. Each event is
// handled on its own goroutine.
func (p *Page) Listen(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev any) {
		p.Go(ev)
	})
}

// Go dispatches ev asynchronously unless the page is closed.
func (p *Page) Go(ev any) {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.ctx.Err() != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Dispatch(p.ctx, ev)
	}()
}

// Attach enables the domains the page depends on and brings every existing
// frame up to date.
func (p *Page) Attach(ctx context.Context) error {
	if err := p.client.Run(ctx,
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		network.Enable(),
	); err != nil {
		return fmt.Errorf("failed to enable page domains: %w", err)
	}
	if err := p.router.Enable(ctx); err != nil {
		return fmt.Errorf("failed to enable interception: %w", err)
	}

	tree, err := transport.Call(ctx, p.client, "Page.getFrameTree", page.GetFrameTree().Do)
	if err != nil {
		return err
	}
	var frames []*page.FrameTree
	var walk func(*page.FrameTree)
	walk = func(t *page.FrameTree) {
		if t == nil || t.Frame == nil {
			return
		}
		frames = append(frames, t)
		for _, c := range t.ChildFrames {
			walk(c)
		}
	}
	walk(tree)
	if len(frames) == 0 {
		return errors.New("browser: frame tree is empty")
	}

	p.mu.Lock()
	p.mainFrame = frames[0].Frame.ID
	// A session created by an early event could not know it was the top frame.
	if s, ok := p.sessions[p.mainFrame]; ok && !s.IsMain() {
		delete(p.sessions, p.mainFrame)
	}
	p.mu.Unlock()

	for _, f := range frames {
		p.session(ctx, f.Frame.ID)
	}
	p.logger.Debug("Page attached.", zap.Int("frames", len(frames)))
	return nil
}

// Close stops event handling and waits for in-flight handlers.
func (p *Page) Close(ctx context.Context) error {
	p.lifeMu.Lock()
	p.cancel()
	p.lifeMu.Unlock()
	p.harvester.Stop()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	if p.bctx != nil {
		p.bctx.removePage(p.id)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for page handlers: %w", ctx.Err())
	}
}

// session returns the frame session for id, creating and initializing it
// on first use.
func (p *Page) session(ctx context.Context, id cdp.FrameID) *contexts.FrameSession {
	p.mu.Lock()
	if s, ok := p.sessions[id]; ok {
		p.mu.Unlock()
		return s
	}
	s := contexts.NewFrameSession(id, id == p.mainFrame, p.marker, p.client, p.cfg.Injection(), p.logger)
	p.sessions[id] = s
	p.mu.Unlock()

	s.Initialize(ctx, p.replay())
	return s
}

func (p *Page) existingSession(id cdp.FrameID) (*contexts.FrameSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}

func (p *Page) mainSession() (*contexts.FrameSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[p.mainFrame]
	return s, ok
}

// Sessions returns every frame session.
func (p *Page) Sessions() []*contexts.FrameSession {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*contexts.FrameSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// Workers returns the attached workers.
func (p *Page) Workers() []*contexts.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*contexts.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

func (p *Page) replay() contexts.Replay {
	var r contexts.Replay
	if p.bctx != nil {
		r.Bindings, r.Scripts = p.bctx.snapshot()
	}
	p.mu.RLock()
	r.Bindings = append(r.Bindings, p.bindings...)
	r.Scripts = append(r.Scripts, p.scripts...)
	p.mu.RUnlock()
	return r
}

// InitScripts returns every source injected into new documents: binding
// shims first, then init scripts, browser context before page.
func (p *Page) InitScripts() []string {
	r := p.replay()
	out := make([]string, 0, len(r.Bindings)+len(r.Scripts))
	for _, b := range r.Bindings {
		out = append(out, b.Source)
	}
	for _, s := range r.Scripts {
		out = append(out, s.Source)
	}
	return out
}

// AddInitScript registers source for every new document of this page.
func (p *Page) AddInitScript(source string) {
	if err := jsexec.Check("init script", source); err != nil {
		p.logger.Warn("Init script may not parse; adding it anyway.", zap.Error(err))
	}
	script := contexts.InitScript{Source: source}
	p.mu.Lock()
	p.scripts = append(p.scripts, script)
	p.mu.Unlock()
	p.queueScript(script)
}

func (p *Page) queueScript(script contexts.InitScript) {
	for _, s := range p.Sessions() {
		s.EvaluateOnNewDocument(script)
	}
}

// RemoveInitScripts drops the page's scripts and every session's pending scripts.
func (p *Page) RemoveInitScripts() {
	p.mu.Lock()
	p.scripts = nil
	p.mu.Unlock()
	for _, s := range p.Sessions() {
		s.RemoveEvaluatesOnNewDocument()
	}
}

// ExposeBinding makes fn callable as globalThis[name] in every frame of the page.
func (p *Page) ExposeBinding(ctx context.Context, name string, fn BindingFunc) error {
	b, err := newBinding(name, fn)
	if err != nil {
		return err
	}
	if p.bctx != nil {
		if _, exists := p.bctx.handler(name); exists {
			return fmt.Errorf("%w: %s", ErrBindingExists, name)
		}
	}
	p.mu.Lock()
	if _, exists := p.handlers[name]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBindingExists, name)
	}
	p.handlers[name] = fn
	p.bindings = append(p.bindings, b)
	p.mu.Unlock()

	return p.installBinding(ctx, b)
}

// installBinding pushes b into every frame and runs its shim in each main world.
func (p *Page) installBinding(ctx context.Context, b contexts.Binding) error {
	var errs []error
	for _, s := range p.Sessions() {
		if err := s.InitBinding(ctx, b); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.EvaluateExpression(ctx, b.Source, false); err != nil {
			p.client.Dropped("binding shim", err)
		}
	}
	return errors.Join(errs...)
}

// RemoveExposedBindings drops every binding without the internal prefix.
func (p *Page) RemoveExposedBindings(ctx context.Context) {
	prefix := p.cfg.Injection().InternalBindingPrefix
	p.mu.Lock()
	p.bindings, p.handlers = retainInternal(p.bindings, p.handlers, prefix)
	p.mu.Unlock()
	for _, s := range p.Sessions() {
		s.RemoveExposedBindings(ctx)
	}
}

func (p *Page) handler(name string) (BindingFunc, bool) {
	p.mu.RLock()
	fn, ok := p.handlers[name]
	p.mu.RUnlock()
	if ok || p.bctx == nil {
		return fn, ok
	}
	return p.bctx.handler(name)
}

// EvaluateExpression evaluates expr in the top frame, in the utility world
// when isolated is set.
func (p *Page) EvaluateExpression(ctx context.Context, expr string, isolated bool) (*runtime.RemoteObject, error) {
	s, ok := p.mainSession()
	if !ok {
		return nil, errors.New("browser: page is not attached")
	}
	return s.EvaluateExpression(ctx, expr, isolated)
}

// Run executes actions against the page's target.
func (p *Page) Run(ctx context.Context, actions ...chromedp.Action) error {
	return p.client.Run(ctx, actions...)
}

// WaitNetworkIdle blocks until no request has been in flight for quietPeriod.
func (p *Page) WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	return p.harvester.WaitNetworkIdle(ctx, quietPeriod)
}

// Dispatch routes one protocol event to its owner.
func (p *Page) Dispatch(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	// -- Interception --
	case *fetch.EventRequestPaused:
		p.router.HandleRequestPaused(ctx, ev)

	// -- Network --
	case *network.EventRequestWillBeSent:
		p.harvester.OnRequestWillBeSent(ev)
	case *network.EventResponseReceived:
		p.harvester.OnResponseReceived(ev)
	case *network.EventLoadingFinished:
		p.harvester.OnLoadingFinished(ev)
	case *network.EventLoadingFailed:
		p.harvester.OnLoadingFailed(ev)

	// -- Runtime --
	case *runtime.EventExecutionContextCreated:
		p.onContextCreated(ctx, ev)
	case *runtime.EventExecutionContextDestroyed:
		p.onContextDestroyed(ev.ExecutionContextID)
	case *runtime.EventExecutionContextsCleared:
		p.onContextsCleared()
	case *runtime.EventBindingCalled:
		p.onBindingCalled(ctx, ev)

	// -- Page --
	case *page.EventFrameNavigated:
		p.onFrameNavigated(ctx, ev)
	case *page.EventFrameDetached:
		p.mu.Lock()
		delete(p.sessions, ev.FrameID)
		p.mu.Unlock()
	case *page.EventLifecycleEvent:
		p.harvester.OnLifecycleEvent(ev, p.isMainFrame(ev.FrameID))
		if s, ok := p.existingSession(ev.FrameID); ok {
			s.OnLifecycleEvent(ctx)
		}

	// -- Target --
	case *target.EventAttachedToTarget:
		p.onAttachedToTarget(ctx, ev)
	case *target.EventTargetDestroyed:
		p.mu.Lock()
		delete(p.workers, ev.TargetID)
		p.mu.Unlock()
	}
}

func (p *Page) isMainFrame(id cdp.FrameID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return id == p.mainFrame
}

func (p *Page) onContextCreated(ctx context.Context, ev *runtime.EventExecutionContextCreated) {
	if ev.Context == nil {
		return
	}
	frame := contexts.FrameOf(ev.Context)
	p.mu.Lock()
	if frame == "" {
		frame = p.mainFrame
	}
	if frame == "" {
		p.mu.Unlock()
		p.logger.Debug("Ignoring execution context without a frame.", zap.Int64("context_id", int64(ev.Context.ID)))
		return
	}
	p.contextFrames[ev.Context.ID] = frame
	p.mu.Unlock()

	// The session logs worker contexts; the page only forgets them.
	if err := p.session(ctx, frame).OnExecutionContextCreated(ctx, ev); errors.Is(err, contexts.ErrWorkerContext) {
		p.onContextDestroyed(ev.Context.ID)
	}
}

func (p *Page) onContextDestroyed(id runtime.ExecutionContextID) {
	p.mu.Lock()
	frame, ok := p.contextFrames[id]
	delete(p.contextFrames, id)
	s := p.sessions[frame]
	p.mu.Unlock()
	if ok && s != nil {
		s.OnExecutionContextDestroyed(id)
	}
}

func (p *Page) onContextsCleared() {
	p.mu.Lock()
	clear(p.contextFrames)
	p.mu.Unlock()
	for _, s := range p.Sessions() {
		s.OnExecutionContextsCleared()
	}
}

func (p *Page) onFrameNavigated(ctx context.Context, ev *page.EventFrameNavigated) {
	if ev.Frame == nil {
		return
	}
	if ev.Frame.ParentID == "" {
		p.mu.Lock()
		if p.mainFrame == "" {
			p.mainFrame = ev.Frame.ID
		}
		p.mu.Unlock()
	}
	p.session(ctx, ev.Frame.ID).OnNavigated(ctx)
}

func (p *Page) onAttachedToTarget(ctx context.Context, ev *target.EventAttachedToTarget) {
	if ev.TargetInfo == nil || !workerTypes[ev.TargetInfo.Type] || p.attachWorker == nil {
		return
	}
	exec, err := p.attachWorker(ctx, ev)
	if err != nil {
		p.logger.Warn("Failed to attach to worker.", zap.String("target_id", string(ev.TargetInfo.TargetID)), zap.Error(err))
		return
	}
	w, err := contexts.AttachWorker(ctx, p.client.With(exec), ev.TargetInfo, p.logger)
	if err != nil {
		p.client.Dropped("worker attach", err)
		return
	}
	p.mu.Lock()
	p.workers[w.TargetID] = w
	p.mu.Unlock()
}

func (p *Page) onBindingCalled(ctx context.Context, ev *runtime.EventBindingCalled) {
	call := BindingCall{Name: ev.Name, ContextID: ev.ExecutionContextID}

	p.mu.RLock()
	frame, known := p.contextFrames[ev.ExecutionContextID]
	s := p.sessions[frame]
	p.mu.RUnlock()

	if !known || s == nil {
		main, ok := p.mainSession()
		if !ok {
			p.logger.Warn("Dropping binding call before the page is attached.", zap.String("binding", ev.Name))
			return
		}
		id, err := main.MainContextID(ctx)
		if err != nil {
			p.logger.Warn("Dropping binding call from an unknown context.", zap.String("binding", ev.Name), zap.Error(err))
			return
		}
		p.logger.Info("Binding called from an unknown context; assuming the main world of the top frame.",
			zap.String("binding", ev.Name),
			zap.Int64("reported_context_id", int64(ev.ExecutionContextID)),
			zap.Int64("assumed_context_id", int64(id)),
			zap.Bool("heuristic", true))
		s, call.ContextID, call.Heuristic = main, id, true
	}
	call.FrameID = s.FrameID()

	fn, ok := p.handler(ev.Name)
	if !ok {
		p.logger.Debug("No handler for binding.", zap.String("binding", ev.Name))
		return
	}
	parsed := shim.ParseCall(ev.Payload)
	call.Args = parsed.Args

	result, callErr := fn(ctx, call)
	if parsed.Seq == 0 {
		if callErr != nil {
			p.logger.Warn("Binding handler failed.", zap.String("binding", ev.Name), zap.Error(callErr))
		}
		return
	}
	expr, err := shim.Deliver(ev.Name, parsed.Seq, result, callErr)
	if err != nil {
		p.logger.Warn("Failed to encode binding result.", zap.String("binding", ev.Name), zap.Error(err))
		if expr, err = shim.Deliver(ev.Name, parsed.Seq, nil, err); err != nil {
			return
		}
	}
	if _, err := s.EvaluateIn(ctx, call.ContextID, expr); err != nil {
		p.client.Dropped("binding delivery", err)
	}
}
