package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/conneroisu/hyte/internal/build"
	herrors "github.com/conneroisu/hyte/internal/errors"
	"github.com/conneroisu/hyte/internal/version"
)

const (
	msgNotCompiled   = "Template not compiled."
	msgNotRendered   = "Template not rendered."
	msgNotRecompiled = "Templates not recompiled."
)

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	script, err := s.engine.CompileModule(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, msgNotCompiled, "template", id)
		return
	}

	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	_, _ = w.Write(script)
}

// handleRenderRemote serves both /render/{id}/{dataURI...} with an encoded
// URI in the path and /render/{id}?data=<uri>.
func (s *Server) handleRenderRemote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dataURI := r.PathValue("dataURI")
	if dataURI == "" {
		dataURI = r.URL.Query().Get("data")
	}
	if dataURI == "" {
		s.fail(w, r, herrors.NewValidationError(herrors.ErrCodeValidationFailed, "missing data URI"), msgNotRendered, "template", id)
		return
	}

	html, err := s.renderer.RenderRemote(r.Context(), id, dataURI)
	if err != nil {
		s.fail(w, r, err, msgNotRendered, "template", id, "data_uri", dataURI)
		return
	}

	writeHTML(w, html)
}

func (s *Server) handleRenderPost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	data, err := s.decodeBody(w, r)
	if err != nil {
		s.fail(w, r, err, msgNotRendered, "template", id)
		return
	}

	html, err := s.renderer.RenderInline(r.Context(), id, data)
	if err != nil {
		s.fail(w, r, err, msgNotRendered, "template", id)
		return
	}

	writeHTML(w, html)
}

func (s *Server) handleRecompile(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.engine.CompileBundle(r.Context())
	if err != nil {
		s.fail(w, r, err, msgNotRecompiled)
		return
	}

	tag := etag(bundle)
	w.Header().Set("ETag", tag)
	if r.Header.Get("If-None-Match") == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	_, _ = w.Write(bundle)
}

// handleRuntime serves the payload runtime as window.hyte for pages whose
// wrappers do not inline it.
func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	script := []byte("window.hyte = window.hyte || " + build.Runtime() + ";\n")

	tag := etag(script)
	w.Header().Set("ETag", tag)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	_, _ = w.Write(script)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"version":   version.GetShortVersion(),
		"templates": map[string]interface{}{
			"dir":       s.cfg.Templates.Dir,
			"extension": s.cfg.Templates.Extension,
		},
		"compile": s.engine.Metrics().Snapshot(),
		"cache":   s.engine.Cache().Stats(),
	}
	if s.hub != nil {
		health["clients"] = s.hub.Clients()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Error(r.Context(), err, "Failed to encode health response")
	}
}

// decodeBody reads a JSON document, or a url-encoded or multipart form
// flattened to its first value per key.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Render.MaxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var data interface{}
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			return nil, bodyError(err)
		}
		return data, nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(s.cfg.Render.MaxBodyBytes); err != nil {
			return nil, bodyError(err)
		}
	default:
		if err := r.ParseForm(); err != nil {
			return nil, bodyError(err)
		}
	}

	data := make(map[string]interface{}, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) > 0 {
			data[key] = values[0]
		}
	}

	return data, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return herrors.NewValidationError(herrors.ErrCodeValidationFailed, "request body too large").
			WithContext("limit", tooLarge.Limit)
	}

	return herrors.Wrap(err, herrors.ErrorTypeValidation, herrors.ErrCodeInvalidJSON, "invalid request body")
}

// fail logs err and writes the plain-text failure body with the mapped
// status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, body string, fields ...interface{}) {
	status := statusFor(err)
	fields = append(fields, "status", status)
	fields = append(fields, herrors.Fields(err)...)
	requestLogger(r, s.logger).Error(r.Context(), err, body, fields...)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeHTML(w http.ResponseWriter, html string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}
