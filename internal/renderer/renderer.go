// Package renderer turns templates into HTML, either against inline data or
// against JSON fetched from a remote endpoint.
package renderer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/conneroisu/hyte/internal/build"
	herrors "github.com/conneroisu/hyte/internal/errors"
	"github.com/conneroisu/hyte/internal/logging"
	"github.com/conneroisu/hyte/internal/mustache"
)

// Doer is the subset of *http.Client used for remote data.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Renderer renders templates compiled by an Engine. Partials resolve
// through the engine's store.
type Renderer struct {
	engine       *build.Engine
	client       Doer
	timeout      time.Duration
	maxBodyBytes int64
	executor     mustache.Renderer
	logger       logging.Logger
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithClient overrides the HTTP client used by RenderRemote.
func WithClient(client Doer) Option {
	return func(r *Renderer) { r.client = client }
}

// WithTimeout bounds each remote fetch.
func WithTimeout(d time.Duration) Option {
	return func(r *Renderer) { r.timeout = d }
}

// WithMaxBodyBytes bounds how much of a remote response is read.
func WithMaxBodyBytes(n int64) Option {
	return func(r *Renderer) { r.maxBodyBytes = n }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Renderer) { r.logger = logger }
}

// New creates a renderer over engine.
func New(engine *build.Engine, options ...Option) *Renderer {
	r := &Renderer{
		engine:       engine,
		client:       http.DefaultClient,
		timeout:      10 * time.Second,
		maxBodyBytes: 10 << 20,
		logger:       logging.NewNop(),
	}
	for _, option := range options {
		option(r)
	}
	r.logger = r.logger.WithComponent("renderer")
	r.executor = mustache.Renderer{Partials: &storePartials{engine: engine}}

	return r
}

// RenderInline renders template id against data. Missing keys render
// empty. It compiles first and then executes the program, so its output is
// identical to executing the compiled payload.
func (r *Renderer) RenderInline(ctx context.Context, id string, data interface{}) (string, error) {
	src, err := r.engine.Store().Load(ctx, id)
	if err != nil {
		return "", err
	}
	artifact, err := r.engine.CompileOne(src)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := r.executor.Render(&sb, artifact.Program, data); err != nil {
		return "", err
	}

	return sb.String(), nil
}

// RenderRemote fetches JSON from dataURI with a single GET and renders id
// against it.
func (r *Renderer) RenderRemote(ctx context.Context, id, dataURI string) (string, error) {
	data, err := r.Fetch(ctx, dataURI)
	if err != nil {
		return "", err
	}

	return r.RenderInline(ctx, id, data)
}

// Fetch performs one GET against dataURI and decodes the JSON body. No
// retries.
func (r *Renderer) Fetch(ctx context.Context, dataURI string) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dataURI, nil)
	if err != nil {
		return nil, herrors.NewEndpointError(dataURI, 0, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, herrors.NewTimeoutError(fmt.Sprintf("endpoint %s did not respond within %s", dataURI, r.timeout), err)
		}
		return nil, herrors.NewEndpointError(dataURI, 0, err)
	}
	defer resp.Body.Close()

	r.logger.Debug(ctx, "Fetched remote data",
		"uri", dataURI,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, herrors.NewEndpointError(dataURI, resp.StatusCode, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBodyBytes+1))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, herrors.NewTimeoutError(fmt.Sprintf("reading %s exceeded %s", dataURI, r.timeout), err)
		}
		return nil, herrors.NewEndpointError(dataURI, resp.StatusCode, err)
	}
	if int64(len(body)) > r.maxBodyBytes {
		return nil, herrors.NewEndpointError(dataURI, resp.StatusCode,
			fmt.Errorf("response body exceeds %d bytes", r.maxBodyBytes))
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, herrors.NewParseError("endpoint "+dataURI+" returned invalid JSON", err)
	}

	return data, nil
}

// ExecutePayload runs a serialized compiled payload against data.
func (r *Renderer) ExecutePayload(w io.Writer, payload []byte, data interface{}) error {
	return r.executor.Execute(w, payload, data)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}

// storePartials resolves {{> name}} against the template store. Unknown
// names render empty.
type storePartials struct {
	engine *build.Engine
}

func (p *storePartials) LoadPartial(name string) (*mustache.Program, error) {
	src, err := p.engine.Store().Load(context.Background(), name)
	if err != nil {
		if errors.Is(err, herrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	artifact, err := p.engine.CompileOne(src)
	if err != nil {
		return nil, err
	}

	return artifact.Program, nil
}
