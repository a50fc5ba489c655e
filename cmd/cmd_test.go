package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herrors "github.com/conneroisu/hyte/internal/errors"
)

// project lays out a template directory in a fresh working directory.
func project(t *testing.T, templates map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(EnvConfigFile, "")

	require.NoError(t, os.MkdirAll(filepath.Join("public", "views"), 0o755))
	for name, content := range templates {
		require.NoError(t, os.WriteFile(filepath.Join("public", "views", name), []byte(content), 0o644))
	}

	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

func TestBuildCommand(t *testing.T) {
	project(t, map[string]string{
		"a.html": "Hello {{name}}!",
		"b.html": "<b>{{name}}</b>",
	})

	out, err := run(t, "build")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote public/compiled.js")

	bundle, err := os.ReadFile(filepath.Join("public", "compiled.js"))
	require.NoError(t, err)
	assert.Contains(t, string(bundle), `window.app.templates["a"]`)
	assert.Contains(t, string(bundle), `window.app.templates["b"]`)

	out, err = run(t, "build", "-o", "dist/all.js", "--stdout")
	require.NoError(t, err)
	written, err := os.ReadFile(filepath.Join("dist", "all.js"))
	require.NoError(t, err)
	assert.Equal(t, string(written), out)
}

func TestBuildCommandFailureWritesNothing(t *testing.T) {
	project(t, map[string]string{
		"good.html": "{{x}}",
		"bad.html":  "{{#open}}",
	})

	_, err := run(t, "build")
	require.Error(t, err)
	assert.True(t, errors.Is(err, herrors.ErrSyntax))
	assert.NoFileExists(t, filepath.Join("public", "compiled.js"))
}

func TestCompileCommand(t *testing.T) {
	project(t, nil)
	require.NoError(t, os.MkdirAll("tpl", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join("tpl", "card.mst"), []byte("<p>{{message}}</p>"), 0o644))

	out, err := run(t, "compile", "card", "-d", "tpl", "-e", ".mst")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "define(function() {"))
	assert.Contains(t, out, `"n":"message"`)

	_, err = run(t, "compile", "missing")
	assert.True(t, errors.Is(err, herrors.ErrNotFound))

	_, err = run(t, "compile")
	assert.Error(t, err)
}

func TestRenderCommand(t *testing.T) {
	project(t, map[string]string{"test.html": "<p>{{message}}</p>"})

	out, err := run(t, "render", "test", "--data", `{"message":"My test text."}`)
	require.NoError(t, err)
	assert.Equal(t, "<p>My test text.</p>\n", out)

	out, err = run(t, "render", "test")
	require.NoError(t, err)
	assert.Equal(t, "<p></p>\n", out)

	require.NoError(t, os.WriteFile("data.json", []byte(`{"message":"from a file"}`), 0o644))
	out, err = run(t, "render", "test", "--data", "@data.json")
	require.NoError(t, err)
	assert.Equal(t, "<p>from a file</p>\n", out)

	_, err = run(t, "render", "test", "--data", `{"message":`)
	assert.True(t, errors.Is(err, herrors.ErrValidation))

	_, err = run(t, "render", "test", "--data", "@missing.json")
	assert.True(t, errors.Is(err, herrors.ErrIO))

	_, err = run(t, "render", "test", "--data", "{}", "--data-uri", "http://localhost")
	assert.Error(t, err)
}

func TestRenderCommandRemote(t *testing.T) {
	project(t, map[string]string{"test.html": "<p>{{message}}</p>"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"This is data in a JSON resource."}`))
	}))
	defer srv.Close()

	out, err := run(t, "render", "test", "--data-uri", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<p>This is data in a JSON resource.</p>\n", out)
}

func TestConfigSources(t *testing.T) {
	project(t, nil)

	out, err := run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "dir: public/views")
	assert.Contains(t, out, "module_wrapper: builtin:amd")
	assert.Contains(t, out, "port: 3000")
	assert.Contains(t, out, "timeout: 10s")

	require.NoError(t, os.WriteFile(".hyte.yml", []byte("server:\n  port: 4000\ntemplates:\n  dir: views\n"), 0o644))
	out, err = run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 4000")
	assert.Contains(t, out, "dir: views")

	t.Setenv("HYTE_SERVER_PORT", "5000")
	out, err = run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 5000")

	out, err = run(t, "config", "show", "-d", "flagged")
	require.NoError(t, err)
	assert.Contains(t, out, "dir: flagged")

	require.NoError(t, os.WriteFile("custom.yml", []byte("log:\n  format: json\n"), 0o644))
	t.Setenv(EnvConfigFile, "custom.yml")
	out, err = run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "format: json")
	assert.Contains(t, out, "dir: public/views")
}

func TestConfigValidate(t *testing.T) {
	project(t, nil)

	out, err := run(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")

	_, err = run(t, "config", "validate", "-e", "html")
	require.Error(t, err)
	assert.True(t, errors.Is(err, herrors.ErrConfig))
	assert.Contains(t, err.Error(), "templates.extension")

	_, err = run(t, "config", "validate", "--config", "nope.yml")
	assert.True(t, errors.Is(err, herrors.ErrConfig))

	_, err = run(t, "config", "validate", "--log-level", "loud")
	assert.True(t, errors.Is(err, herrors.ErrConfig))
}

func TestVersionCommand(t *testing.T) {
	project(t, nil)
	require.NoError(t, os.WriteFile(".hyte.yml", []byte("templates: ["), 0o644))

	out, err := run(t, "version", "--short")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))

	out, err = run(t, "version", "--format", "json")
	require.NoError(t, err)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "go_version")

	_, err = run(t, "version", "--format", "xml")
	assert.Error(t, err)
}

func TestParseData(t *testing.T) {
	data, err := parseData("")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{}, data)

	data, err = parseData(`[1,2]`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{float64(1), float64(2)}, data)
}
