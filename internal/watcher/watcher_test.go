package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/hyte/internal/build"
	"github.com/conneroisu/hyte/internal/config"
	"github.com/conneroisu/hyte/internal/store"
)

// fakeSubscriber feeds events pushed by the test.
type fakeSubscriber struct {
	events chan Event
	errs   chan error
	ignore IgnoreFunc
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{events: make(chan Event, 16), errs: make(chan error, 4)}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, dir string, ignore IgnoreFunc) (<-chan Event, <-chan error, error) {
	f.ignore = ignore
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.events:
				if ignore(ev.Path) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, f.errs, nil
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(context.Context, string, IgnoreFunc) (<-chan Event, <-chan error, error) {
	return nil, nil, errors.New("no inotify")
}

// countingWriter records writes per path and the peak concurrency per path.
type countingWriter struct {
	inner   build.OutputWriter
	delay   time.Duration
	started chan string

	mutex   sync.Mutex
	writes  map[string]int
	active  map[string]int
	overlap bool
}

func newCountingWriter(inner build.OutputWriter) *countingWriter {
	return &countingWriter{inner: inner, writes: map[string]int{}, active: map[string]int{}}
}

func (c *countingWriter) WriteFile(path string, data []byte) error {
	c.mutex.Lock()
	c.active[path]++
	if c.active[path] > 1 {
		c.overlap = true
	}
	c.mutex.Unlock()

	if c.started != nil {
		c.started <- path
	}
	time.Sleep(c.delay)
	err := c.inner.WriteFile(path, data)

	c.mutex.Lock()
	c.active[path]--
	c.writes[path]++
	c.mutex.Unlock()

	return err
}

func (c *countingWriter) Remove(path string) error {
	return c.inner.Remove(path)
}

func (c *countingWriter) count(path string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.writes[path]
}

type compiled struct {
	id, output string
	err        error
}

type harness struct {
	watcher *Watcher
	sub     *fakeSubscriber
	fs      afero.Fs
	writer  *countingWriter
	results chan compiled
	cfg     *config.Config
}

func newHarness(t *testing.T, files map[string]string, mutate func(*config.Config)) *harness {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("views", 0o755))
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fsys, filepath.Join("views", name), []byte(content), 0o644))
	}

	cfg := &config.Config{
		Templates: config.TemplatesConfig{Dir: "views", Extension: ".html", CompiledExtension: ".js"},
		Compile: config.CompileConfig{
			BundleOutput:  "out/all.js",
			BundleWrapper: "builtin:set",
			ModuleWrapper: "builtin:amd",
		},
		Watch: config.WatchConfig{Enabled: true, Debounce: 30 * time.Millisecond},
	}
	if mutate != nil {
		mutate(cfg)
	}

	writer := newCountingWriter(build.FsWriter{Fs: fsys})
	s := store.New("views", cfg.Templates.Extension, store.WithFs(fsys))
	engine := build.NewEngine(cfg, s, build.WithWriter(writer), build.WithCache(build.NewProgramCache(1<<20, 0)))

	h := &harness{
		sub:     newFakeSubscriber(),
		fs:      fsys,
		writer:  writer,
		results: make(chan compiled, 16),
		cfg:     cfg,
	}
	h.watcher = New(cfg, engine, h.sub, OnCompiled(func(id, output string, err error) {
		h.results <- compiled{id, output, err}
	}))
	require.NoError(t, h.watcher.Start(context.Background()))
	t.Cleanup(h.watcher.Stop)

	return h
}

func (h *harness) send(typ EventType, name string) {
	h.sub.events <- Event{Type: typ, Path: filepath.Join("views", name)}
}

func (h *harness) next(t *testing.T) compiled {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for compile")
		return compiled{}
	}
}

func (h *harness) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case r := <-h.results:
		t.Fatalf("unexpected compile of %s", r.id)
	case <-time.After(d):
	}
}

func TestRapidEventsCoalesce(t *testing.T) {
	h := newHarness(t, map[string]string{"home.html": "<p>{{message}}</p>"}, nil)

	h.send(EventChanged, "home.html")
	h.send(EventChanged, "home.html")
	h.send(EventChanged, "home.html")

	r := h.next(t)
	require.NoError(t, r.err)
	assert.Equal(t, "home", r.id)
	assert.Equal(t, filepath.Join("views", "home.js"), r.output)
	h.expectQuiet(t, 100*time.Millisecond)

	assert.Equal(t, 1, h.writer.count(filepath.Join("views", "home.js")))
	out, err := afero.ReadFile(h.fs, filepath.Join("views", "home.js"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "define(function() {")
}

func TestLastEventKindWins(t *testing.T) {
	h := newHarness(t, map[string]string{"home.html": "x"}, func(c *config.Config) {
		c.Watch.RemoveStale = true
	})
	require.NoError(t, afero.WriteFile(h.fs, "views/home.js", []byte("old"), 0o644))

	h.send(EventChanged, "home.html")
	h.send(EventRemoved, "home.html")

	r := h.next(t)
	require.NoError(t, r.err)
	exists, _ := afero.Exists(h.fs, "views/home.js")
	assert.False(t, exists)
	assert.Zero(t, h.writer.count(filepath.Join("views", "home.js")))
}

func TestFailuresAreAbsorbed(t *testing.T) {
	h := newHarness(t, map[string]string{
		"bad.html":  "{{#open}}",
		"good.html": "ok",
	}, nil)

	h.send(EventChanged, "bad.html")
	r := h.next(t)
	require.Error(t, r.err)
	assert.Equal(t, "bad", r.id)

	h.send(EventAdded, "good.html")
	r = h.next(t)
	require.NoError(t, r.err)
	assert.Equal(t, "good", r.id)
}

func TestRemovedLeavesStaleOutputByDefault(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, afero.WriteFile(h.fs, "views/gone.js", []byte("old"), 0o644))

	h.send(EventRemoved, "gone.html")
	r := h.next(t)
	require.NoError(t, r.err)

	content, err := afero.ReadFile(h.fs, "views/gone.js")
	require.NoError(t, err)
	assert.Equal(t, "old", string(content))
}

func TestIgnoredPaths(t *testing.T) {
	h := newHarness(t, map[string]string{"home.html": "x"}, nil)

	for _, name := range []string{".home.html.swp", "home.js", "notes.txt", "wrapper.html.mustache"} {
		h.send(EventChanged, name)
	}
	h.sub.events <- Event{Type: EventChanged, Path: filepath.Join("views", "nested", "home.html")}

	h.expectQuiet(t, 100*time.Millisecond)
}

func TestIgnore(t *testing.T) {
	h := newHarness(t, nil, nil)
	w := h.watcher

	assert.False(t, w.Ignore("views/home.html"))
	assert.True(t, w.Ignore("views/.home.html"))
	assert.True(t, w.Ignore("views/home.html.js"))
	assert.True(t, w.Ignore("views/home.txt"))
	assert.True(t, w.Ignore("other/home.html"))
	assert.True(t, w.Ignore("views/layout.html.mustache"))
}

func TestMustacheSourcesAreWatched(t *testing.T) {
	h := newHarness(t, map[string]string{
		"home.mustache":   "<p>{{message}}</p>",
		"module.mustache": "define({{{compiledPayload}}});",
	}, func(c *config.Config) {
		c.Templates.Extension = ".mustache"
		c.Compile.ModuleWrapper = filepath.Join("views", "module.mustache")
	})
	w := h.watcher

	assert.False(t, w.Ignore(filepath.Join("views", "home.mustache")))
	assert.True(t, w.Ignore(filepath.Join("views", "module.mustache")))
	assert.True(t, w.Ignore(filepath.Join("views", "home.js")))

	h.send(EventChanged, "module.mustache")
	h.send(EventChanged, "home.mustache")

	got := h.next(t)
	require.NoError(t, got.err)
	assert.Equal(t, "home", got.id)
	assert.Equal(t, filepath.Join("views", "home.js"), got.output)

	out, err := afero.ReadFile(h.fs, filepath.Join("views", "home.js"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "define({"))
	h.expectQuiet(t, 100*time.Millisecond)
}

func TestSamePathHandlersDoNotOverlap(t *testing.T) {
	h := newHarness(t, map[string]string{"a.html": "a", "b.html": "b"}, func(c *config.Config) {
		c.Watch.Debounce = 5 * time.Millisecond
	})
	h.writer.delay = 40 * time.Millisecond

	h.send(EventChanged, "a.html")
	time.Sleep(15 * time.Millisecond)
	h.send(EventChanged, "a.html")
	h.send(EventChanged, "b.html")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.next(t).err)
	}

	h.writer.mutex.Lock()
	assert.False(t, h.writer.overlap)
	assert.Equal(t, 2, h.writer.writes[filepath.Join("views", "a.js")])
	h.writer.mutex.Unlock()

	assert.Eventually(t, func() bool { return h.watcher.locks.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscriptionErrorsDoNotStopLoop(t *testing.T) {
	h := newHarness(t, map[string]string{"home.html": "x"}, nil)

	h.sub.errs <- errors.New("queue overflow")
	h.send(EventChanged, "home.html")

	require.NoError(t, h.next(t).err)
}

func TestStopWaitsAndDropsEvents(t *testing.T) {
	h := newHarness(t, map[string]string{"home.html": "x"}, nil)
	h.writer.delay = 50 * time.Millisecond
	h.writer.started = make(chan string, 1)

	h.send(EventChanged, "home.html")
	select {
	case <-h.writer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("write never started")
	}

	h.watcher.Stop()
	assert.Equal(t, 1, h.writer.count(filepath.Join("views", "home.js")))

	select {
	case h.sub.events <- Event{Type: EventChanged, Path: "views/home.html"}:
	default:
	}
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, h.writer.count(filepath.Join("views", "home.js")))

	// Stop is idempotent
	h.watcher.Stop()
}

func TestStopCancelsPendingTimers(t *testing.T) {
	h := newHarness(t, map[string]string{"home.html": "x"}, func(c *config.Config) {
		c.Watch.Debounce = 50 * time.Millisecond
	})

	h.send(EventChanged, "home.html")
	time.Sleep(10 * time.Millisecond)
	h.watcher.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, h.writer.count(filepath.Join("views", "home.js")))
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, nil, nil)
	assert.Error(t, h.watcher.Start(context.Background()))
}

func TestStartSubscribeFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	w := New(h.cfg, h.watcher.engine, failingSubscriber{})
	assert.Error(t, w.Start(context.Background()))
	w.Stop()
}

func TestCacheInvalidatedOnChange(t *testing.T) {
	h := newHarness(t, map[string]string{"home.html": "v1"}, nil)

	h.send(EventChanged, "home.html")
	require.NoError(t, h.next(t).err)

	require.NoError(t, afero.WriteFile(h.fs, "views/home.html", []byte("v2"), 0o644))
	h.send(EventChanged, "home.html")
	require.NoError(t, h.next(t).err)

	out, err := afero.ReadFile(h.fs, "views/home.js")
	require.NoError(t, err)
	assert.Contains(t, string(out), `"t":"v2"`)
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		want EventType
		keep bool
	}{
		{fsnotify.Create, EventAdded, true},
		{fsnotify.Write, EventChanged, true},
		{fsnotify.Remove, EventRemoved, true},
		{fsnotify.Rename, EventRemoved, true},
		{fsnotify.Chmod, 0, false},
	}
	for _, tt := range tests {
		ev, keep := translate(fsnotify.Event{Name: "views/a.html", Op: tt.op})
		assert.Equal(t, tt.keep, keep, tt.op.String())
		if keep {
			assert.Equal(t, tt.want, ev.Type)
		}
	}
}

func TestFSNotifySubscriber(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ignore := func(path string) bool { return filepath.Ext(path) != ".html" }
	events, _, err := FSNotifySubscriber{}.Subscribe(ctx, dir, ignore)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page.html"), []byte("x"), 0o644))

	seen := false
	deadline := time.After(3 * time.Second)
	for !seen {
		select {
		case ev := <-events:
			assert.Equal(t, ".html", filepath.Ext(ev.Path))
			if filepath.Base(ev.Path) == "page.html" {
				seen = true
			}
		case <-deadline:
			t.Fatal("no event for page.html")
		}
	}

	cancel()
	for range events {
	}
}
