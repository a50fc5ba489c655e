// Package server exposes compilation and rendering over HTTP, and pushes
// live-reload notifications to connected browsers.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/conneroisu/hyte/internal/build"
	"github.com/conneroisu/hyte/internal/config"
	herrors "github.com/conneroisu/hyte/internal/errors"
	"github.com/conneroisu/hyte/internal/logging"
	"github.com/conneroisu/hyte/internal/renderer"
	"github.com/conneroisu/hyte/internal/websocket"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server is the hyte HTTP front end.
type Server struct {
	cfg            *config.Config
	engine         *build.Engine
	renderer       *renderer.Renderer
	hub            *websocket.Hub
	logger         logging.Logger
	allowedOrigins []string
	startedAt      time.Time

	serverMutex  sync.RWMutex
	httpServer   *http.Server
	shutdownOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithHub enables the /ws live-reload endpoint.
func WithHub(hub *websocket.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAllowedOrigins lists origins that receive CORS headers.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// New creates a server. It does not listen until Start is called.
func New(cfg *config.Config, engine *build.Engine, rend *renderer.Renderer, options ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		engine:    engine,
		renderer:  rend,
		logger:    logging.NewNop(),
		startedAt: time.Now(),
	}
	for _, option := range options {
		option(s)
	}
	s.logger = s.logger.WithComponent("server")

	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /compile/{id}", s.handleCompile)
	mux.HandleFunc("GET /render/{id}", s.handleRenderRemote)
	mux.HandleFunc("GET /render/{id}/{dataURI...}", s.handleRenderRemote)
	mux.HandleFunc("POST /render/{id}", s.handleRenderPost)
	mux.HandleFunc("GET /recompile", s.handleRecompile)
	mux.HandleFunc("GET /runtime.js", s.handleRuntime)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.hub != nil {
		mux.Handle("GET /ws", s.hub)
	}
	if s.cfg.Server.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.Server.StaticDir)))
	}

	return s.addMiddleware(mux)
}

// Start listens on the configured address and serves until ctx is done or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return herrors.WrapIO(err, "ERR_LISTEN", "listen on "+s.cfg.Address())
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, err, "Server shutdown failed")
		}
	})
	defer stop()

	s.logger.Info(ctx, "Server listening", "address", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return herrors.WrapInternal(err, herrors.ErrCodeInternalError, "server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down server")

		if s.hub != nil {
			if err := s.hub.Shutdown(ctx); err != nil {
				shutdownErr = err
			}
		}

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()

		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// NotifyCompiled forwards a watcher result to connected browsers. It has
// the watcher.CompiledFunc signature.
func (s *Server) NotifyCompiled(id, outputPath string, err error) {
	if s.hub == nil {
		return
	}

	msg := websocket.Message{Type: websocket.MessageCompiled, Target: id, Content: outputPath}
	if err != nil {
		msg.Type = websocket.MessageError
		msg.Content = err.Error()
	}
	s.hub.Broadcast(msg)
}

// statusFor maps an error's type onto an HTTP status code.
func statusFor(err error) int {
	switch herrors.GetType(err) {
	case herrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case herrors.ErrorTypeSyntax:
		return http.StatusUnprocessableEntity
	case herrors.ErrorTypeEndpoint, herrors.ErrorTypeParse:
		return http.StatusBadGateway
	case herrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case herrors.ErrorTypeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func etag(body []byte) string {
	return strconv.Quote(strconv.FormatUint(build.Key(body), 16))
}
