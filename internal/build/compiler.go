package build

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/hyte/internal/config"
	herrors "github.com/conneroisu/hyte/internal/errors"
	"github.com/conneroisu/hyte/internal/logging"
	"github.com/conneroisu/hyte/internal/mustache"
	"github.com/conneroisu/hyte/internal/store"
)

//go:embed wrappers/*.mustache
var builtinWrappers embed.FS

//go:embed wrappers/runtime.js
var runtimeSource string

// Runtime returns the browser runtime for compiled payloads: a JavaScript
// expression evaluating to {version, template(payload, partials)}, where
// template returns an object with render(data, partials). Wrappers see it
// as {{{runtime}}}.
func Runtime() string {
	return strings.TrimSpace(runtimeSource)
}

// Artifact is one compiled template. It is never mutated once built.
type Artifact struct {
	ID      string
	Path    string
	Program *mustache.Program
	Payload []byte
}

// Engine compiles templates from a store and renders them through the
// configured module and bundle wrappers.
type Engine struct {
	cfg       *config.Config
	store     *store.Store
	cache     *ProgramCache
	writer    OutputWriter
	wrapperFs afero.Fs
	logger    logging.Logger
	metrics   *Metrics

	// beforeCompile runs ahead of every bundle compile task; tests use it
	// to perturb scheduling.
	beforeCompile func(id string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the compiled-program cache. Without one every call compiles.
func WithCache(cache *ProgramCache) Option {
	return func(e *Engine) { e.cache = cache }
}

// WithWriter overrides the output writer, OSWriter by default.
func WithWriter(w OutputWriter) Option {
	return func(e *Engine) { e.writer = w }
}

// WithWrapperFs sets where wrapper files are read from; defaults to the
// store's filesystem.
func WithWrapperFs(fsys afero.Fs) Option {
	return func(e *Engine) { e.wrapperFs = fsys }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a compiler engine for cfg reading sources from s.
func NewEngine(cfg *config.Config, s *store.Store, options ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     s,
		writer:    OSWriter{},
		wrapperFs: s.Fs(),
		logger:    logging.NewNop(),
		metrics:   NewMetrics(),
	}
	for _, option := range options {
		option(e)
	}
	e.logger = e.logger.WithComponent("compiler")

	return e
}

// Store returns the template store the engine reads from.
func (e *Engine) Store() *store.Store { return e.store }

// Cache returns the compiled-program cache, possibly nil.
func (e *Engine) Cache() *ProgramCache { return e.cache }

// Metrics returns the compile counters.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// CompileOne compiles a single source. Equal sources always produce equal
// payloads.
func (e *Engine) CompileOne(src store.TemplateSource) (Artifact, error) {
	start := time.Now()

	if program, payload, ok := e.cache.Get(src.Content); ok {
		e.metrics.RecordCompile(time.Since(start), true, nil)
		return Artifact{ID: src.ID, Path: src.Path, Program: program, Payload: payload}, nil
	}

	program, err := mustache.Compile(string(src.Content))
	if err != nil {
		e.metrics.RecordCompile(time.Since(start), false, err)
		return Artifact{}, annotate(err, src)
	}
	payload, err := program.Marshal()
	if err != nil {
		e.metrics.RecordCompile(time.Since(start), false, err)
		return Artifact{}, err
	}

	e.cache.Set(src.Path, src.Content, program, payload)
	e.metrics.RecordCompile(time.Since(start), false, nil)

	return Artifact{ID: src.ID, Path: src.Path, Program: program, Payload: payload}, nil
}

// CompileModule loads id and renders it through the module wrapper.
func (e *Engine) CompileModule(ctx context.Context, id string) ([]byte, error) {
	src, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.module(src)
}

// WriteModule compiles the source at sourcePath and atomically replaces
// outputPath with its module.
func (e *Engine) WriteModule(ctx context.Context, sourcePath, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := e.store.LoadPath(sourcePath)
	if err != nil {
		return err
	}
	out, err := e.module(src)
	if err != nil {
		return err
	}

	return e.writer.WriteFile(outputPath, out)
}

// RemoveOutput deletes a compiled output. A missing file is not an error.
func (e *Engine) RemoveOutput(outputPath string) error {
	return e.writer.Remove(outputPath)
}

func (e *Engine) module(src store.TemplateSource) ([]byte, error) {
	wrapper, err := e.loadWrapper(e.cfg.Compile.ModuleWrapper)
	if err != nil {
		return nil, err
	}
	artifact, err := e.CompileOne(src)
	if err != nil {
		return nil, err
	}

	payload := string(artifact.Payload)
	idJSON, err := quoteID(artifact.ID)
	if err != nil {
		return nil, err
	}

	return renderWrapper(wrapper, e.cfg.Compile.ModuleWrapper, map[string]interface{}{
		"id":              artifact.ID,
		"idJSON":          idJSON,
		"compiledPayload": payload,
		"content":         payload,
		"payload":         payload,
		"runtime":         Runtime(),
	})
}

// CompileBundle compiles every template in parallel, assembles them in id
// order through the bundle wrapper and atomically replaces the bundle
// output. On any failure nothing is written.
func (e *Engine) CompileBundle(ctx context.Context) ([]byte, error) {
	perf := logging.StartOperation(e.logger, "compile_bundle")

	wrapper, err := e.loadWrapper(e.cfg.Compile.BundleWrapper)
	if err != nil {
		perf.EndWithError(ctx, err)
		return nil, err
	}

	artifacts, err := e.compileAll(ctx)
	if err != nil {
		perf.EndWithError(ctx, err)
		return nil, err
	}

	entries := make([]map[string]interface{}, len(artifacts))
	for i, artifact := range artifacts {
		idJSON, err := quoteID(artifact.ID)
		if err != nil {
			perf.EndWithError(ctx, err)
			return nil, err
		}
		payload := string(artifact.Payload)
		entries[i] = map[string]interface{}{
			"id":              artifact.ID,
			"idJSON":          idJSON,
			"compiledPayload": payload,
			"script":          payload,
		}
	}

	out, err := renderWrapper(wrapper, e.cfg.Compile.BundleWrapper, map[string]interface{}{
		"templates": entries,
		"runtime":   Runtime(),
	})
	if err != nil {
		perf.EndWithError(ctx, err)
		return nil, err
	}

	if err := e.writer.WriteFile(e.cfg.Compile.BundleOutput, out); err != nil {
		perf.EndWithError(ctx, err)
		return nil, err
	}
	e.metrics.RecordBundle(time.Now())
	perf.End(ctx, "templates", len(artifacts), "output", e.cfg.Compile.BundleOutput)

	return out, nil
}

// compileAll fans compile tasks out over a bounded errgroup and returns the
// artifacts sorted by id. The first failure cancels the rest.
func (e *Engine) compileAll(ctx context.Context) ([]Artifact, error) {
	workers := e.cfg.Compile.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var (
		mu        sync.Mutex
		artifacts []Artifact
		listErr   error
	)

	for src, err := range e.store.List(gctx) {
		if err != nil {
			listErr = err
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if e.beforeCompile != nil {
				e.beforeCompile(src.ID)
			}
			artifact, err := e.CompileOne(src)
			if err != nil {
				return err
			}
			mu.Lock()
			artifacts = append(artifacts, artifact)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if listErr != nil {
		return nil, listErr
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].ID < artifacts[j].ID
	})

	return artifacts, nil
}

// loadWrapper reads and compiles a wrapper on every call so edits to the
// file apply to the next compile.
func (e *Engine) loadWrapper(name string) (*mustache.Program, error) {
	var (
		content []byte
		err     error
	)
	if builtin, ok := strings.CutPrefix(name, config.BuiltinPrefix); ok {
		content, err = builtinWrappers.ReadFile("wrappers/" + builtin + ".mustache")
		if err != nil {
			return nil, herrors.NewConfigError(herrors.ErrCodeWrapper, "unknown builtin wrapper "+name)
		}
	} else {
		content, err = afero.ReadFile(e.wrapperFs, name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, herrors.NewConfigError(herrors.ErrCodeWrapper, "wrapper template not found").
					WithLocation(name, 0, 0)
			}
			return nil, herrors.NewIOError(herrors.ErrCodeWrapper, "read wrapper template", err).
				WithLocation(name, 0, 0)
		}
	}

	program, err := mustache.Compile(string(content))
	if err != nil {
		var he *herrors.HyteError
		if errors.As(err, &he) {
			he.FilePath = name
		}
		return nil, err
	}

	return program, nil
}

func renderWrapper(wrapper *mustache.Program, name string, data interface{}) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := (&mustache.Renderer{}).Render(buf, wrapper, data); err != nil {
		return nil, herrors.Wrap(err, herrors.ErrorTypeInternal, herrors.ErrCodeWrapper, "render wrapper "+name)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())

	return out, nil
}

// BuiltinWrapper returns the source of an embedded wrapper, e.g. "amd".
func BuiltinWrapper(name string) ([]byte, error) {
	return builtinWrappers.ReadFile("wrappers/" + name + ".mustache")
}

// quoteID encodes id as a JavaScript string literal. <, > and & are
// escaped, so the literal is safe inside a <script> element.
func quoteID(id string) (string, error) {
	b, err := json.Marshal(id)
	if err != nil {
		return "", herrors.WrapInternal(err, herrors.ErrCodeInternalError, "encode template id")
	}

	return string(b), nil
}

func annotate(err error, src store.TemplateSource) error {
	var he *herrors.HyteError
	if errors.As(err, &he) {
		he.TemplateID = src.ID
		he.FilePath = src.Path
	}

	return err
}
