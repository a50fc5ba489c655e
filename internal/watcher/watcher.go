// Package watcher recompiles templates into mirrored output files as their
// sources change on disk.
package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/hyte/internal/build"
	"github.com/conneroisu/hyte/internal/config"
	herrors "github.com/conneroisu/hyte/internal/errors"
	"github.com/conneroisu/hyte/internal/logging"
	"github.com/conneroisu/hyte/internal/store"
)

// EventType is the kind of filesystem change.
type EventType int

const (
	EventAdded EventType = iota
	EventChanged
	EventRemoved
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one filesystem notification.
type Event struct {
	Type EventType
	Path string
}

// IgnoreFunc reports whether a path should be dropped before debouncing.
type IgnoreFunc func(path string) bool

// Subscriber delivers change notifications for a directory. Both channels
// are closed once ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, dir string, ignore IgnoreFunc) (<-chan Event, <-chan error, error)
}

// CompiledFunc is called after every handled event.
type CompiledFunc func(id, outputPath string, err error)

// Watcher debounces change events per path and rewrites the compiled
// module for each source that settles.
type Watcher struct {
	cfg        *config.Config
	engine     *build.Engine
	subscriber Subscriber
	logger     logging.Logger
	onCompiled CompiledFunc

	mutex   sync.Mutex
	pending map[string]*pendingEvent
	running bool
	cancel  context.CancelFunc
	loop    chan struct{}
	ctx     context.Context

	locks    *keyedMutex
	inflight sync.WaitGroup
}

type pendingEvent struct {
	timer *time.Timer
	typ   EventType
	gen   uint64
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// OnCompiled registers a hook run after each handled event.
func OnCompiled(fn CompiledFunc) Option {
	return func(w *Watcher) { w.onCompiled = fn }
}

// New creates a stopped watcher.
func New(cfg *config.Config, engine *build.Engine, subscriber Subscriber, options ...Option) *Watcher {
	w := &Watcher{
		cfg:        cfg,
		engine:     engine,
		subscriber: subscriber,
		logger:     logging.NewNop(),
		pending:    make(map[string]*pendingEvent),
		locks:      newKeyedMutex(),
	}
	for _, option := range options {
		option(w)
	}
	w.logger = w.logger.WithComponent("watcher")

	return w
}

// Ignore drops dotfiles, files outside the template directory, names not
// containing the source extension, compiled outputs and the configured
// wrapper files. Other *.mustache files are dropped unless .mustache is
// the source extension.
func (w *Watcher) Ignore(path string) bool {
	if _, ok := w.engine.Store().IDFromPath(path); !ok {
		return true
	}
	if w.isWrapper(path) {
		return true
	}

	base := filepath.Base(path)
	ext := w.cfg.Templates.Extension
	if compiled := w.cfg.Templates.CompiledExtension; compiled != "" && compiled != ext && strings.HasSuffix(base, compiled) {
		return true
	}
	if strings.HasSuffix(base, wrapperExtension) && !strings.HasSuffix(base, ext) {
		return true
	}

	return false
}

const wrapperExtension = ".mustache"

func (w *Watcher) isWrapper(path string) bool {
	clean := filepath.Clean(path)
	for _, wrapper := range []string{w.cfg.Compile.ModuleWrapper, w.cfg.Compile.BundleWrapper} {
		if wrapper == "" || strings.HasPrefix(wrapper, config.BuiltinPrefix) {
			continue
		}
		if filepath.Clean(wrapper) == clean {
			return true
		}
	}

	return false
}

// Start subscribes to the template directory and begins handling events.
func (w *Watcher) Start(ctx context.Context) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.running {
		return herrors.NewWatchError("watcher already running", nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	events, errs, err := w.subscriber.Subscribe(runCtx, w.cfg.Templates.Dir, w.Ignore)
	if err != nil {
		cancel()
		return herrors.NewWatchError("subscribe to "+w.cfg.Templates.Dir, err)
	}

	w.running = true
	w.ctx = runCtx
	w.cancel = cancel
	w.loop = make(chan struct{})
	go w.run(runCtx, events, errs, w.loop)

	w.logger.Info(ctx, "Watching templates",
		"dir", w.cfg.Templates.Dir,
		"extension", w.cfg.Templates.Extension,
		"debounce", w.cfg.Watch.Debounce.String())

	return nil
}

// Stop cancels the subscription and pending timers, then waits for
// in-flight handlers. No event is handled after Stop returns.
func (w *Watcher) Stop() {
	w.mutex.Lock()
	if !w.running {
		w.mutex.Unlock()
		return
	}
	w.running = false
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.cancel()
	loop := w.loop
	w.mutex.Unlock()

	<-loop
	w.inflight.Wait()
}

func (w *Watcher) run(ctx context.Context, events <-chan Event, errs <-chan error, done chan struct{}) {
	defer close(done)

	for events != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.schedule(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Error(ctx, herrors.NewWatchError("notification failure", err), "File watcher error")
		}
	}
}

// schedule resets the debounce timer for ev.Path; only the latest event
// kind for a path is handled when its timer fires.
func (w *Watcher) schedule(ev Event) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.running {
		return
	}

	p, ok := w.pending[ev.Path]
	if !ok {
		p = &pendingEvent{}
		w.pending[ev.Path] = p
	} else {
		p.timer.Stop()
	}
	p.typ = ev.Type
	p.gen++
	gen := p.gen
	path := ev.Path
	p.timer = time.AfterFunc(w.cfg.Watch.Debounce, func() {
		w.fire(path, gen)
	})
}

func (w *Watcher) fire(path string, gen uint64) {
	w.mutex.Lock()
	p, ok := w.pending[path]
	if !w.running || !ok || p.gen != gen {
		w.mutex.Unlock()
		return
	}
	delete(w.pending, path)
	typ := p.typ
	ctx := w.ctx
	w.inflight.Add(1)
	w.mutex.Unlock()

	defer w.inflight.Done()
	w.handle(ctx, Event{Type: typ, Path: path})
}

// handle processes one settled event. Errors are logged and reported to
// the hook, never returned.
func (w *Watcher) handle(ctx context.Context, ev Event) {
	unlock := w.locks.Lock(ev.Path)
	defer unlock()

	id, ok := w.engine.Store().IDFromPath(ev.Path)
	if !ok {
		id = store.IDFromName(ev.Path)
	}
	output := w.cfg.CompiledPath(ev.Path)
	logger := w.logger.With("template", id, "event", ev.Type.String(), "source", ev.Path)

	w.engine.Cache().Invalidate(ev.Path)

	var err error
	switch ev.Type {
	case EventRemoved:
		if w.cfg.Watch.RemoveStale {
			err = w.engine.RemoveOutput(output)
			if err == nil {
				logger.Info(ctx, "Removed stale output", "output", output)
			}
		} else {
			logger.Info(ctx, "Template removed, leaving compiled output", "output", output)
		}
	default:
		perf := logging.StartOperation(logger, "write_module")
		err = w.engine.WriteModule(ctx, ev.Path, output)
		if err == nil {
			perf.End(ctx, "output", output)
			logger.Info(ctx, "Compiled template", "output", output)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(ctx, err, "Template not compiled", herrors.Fields(err)...)
	}

	if w.onCompiled != nil {
		w.onCompiled(id, output, err)
	}
}

// keyedMutex serializes work per key while letting distinct keys proceed
// in parallel. Entries are dropped once no holder or waiter remains.
type keyedMutex struct {
	mutex sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mutex.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mutex.Unlock()

	m.Lock()

	return func() {
		m.Unlock()
		k.mutex.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mutex.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	return len(k.locks)
}
