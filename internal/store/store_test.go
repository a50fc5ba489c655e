package store

import (
	"context"
	"errors"
	"testing"

	herrors "github.com/conneroisu/hyte/internal/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, files map[string]string) *Store {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("templates", 0o755))
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fsys, name, []byte(content), 0o644))
	}

	return New("templates", ".html", WithFs(fsys))
}

func TestListFiltersAndSorts(t *testing.T) {
	s := newTestStore(t, map[string]string{
		"templates/b.html":       "<b>{{x}}</b>",
		"templates/a.html":       "<a>{{x}}</a>",
		"templates/notes.txt":    "ignored",
		"templates/.hidden.html": "ignored",
		"templates/c.html.bak":   "substring match",
	})

	var ids []string
	for src, err := range s.List(context.Background()) {
		require.NoError(t, err)
		ids = append(ids, src.ID)
	}

	assert.Equal(t, []string{"a", "b", "c.html"}, ids)
}

func TestListEmptyDirectory(t *testing.T) {
	s := newTestStore(t, nil)
	count := 0
	for _, err := range s.List(context.Background()) {
		require.NoError(t, err)
		count++
	}
	assert.Zero(t, count)
}

func TestListMissingDirectory(t *testing.T) {
	s := New("nope", ".html", WithFs(afero.NewMemMapFs()))
	for _, err := range s.List(context.Background()) {
		require.Error(t, err)
		assert.True(t, errors.Is(err, herrors.ErrIO))
	}
}

func TestListStopsEarly(t *testing.T) {
	s := newTestStore(t, map[string]string{
		"templates/a.html": "a",
		"templates/b.html": "b",
	})
	seen := 0
	for range s.List(context.Background()) {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestNamesDuplicateID(t *testing.T) {
	s := newTestStore(t, map[string]string{
		"templates/page.html":    "a",
		"templates/page.v2.html": "b",
	})
	_, err := s.Names()
	require.NoError(t, err)

	s = newTestStore(t, map[string]string{
		"templates/page.html":  "a",
		"templates/page.htmlx": "b",
	})
	_, err = s.Names()
	require.Error(t, err)
	assert.True(t, errors.Is(err, herrors.ErrValidation))
}

func TestLoad(t *testing.T) {
	s := newTestStore(t, map[string]string{
		"templates/test.html": "<p>{{message}}</p>",
	})

	src, err := s.Load(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, "test", src.ID)
	assert.Equal(t, "<p>{{message}}</p>", string(src.Content))
	assert.Equal(t, ".html", src.Extension)
}

func TestLoadNotFound(t *testing.T) {
	s := newTestStore(t, nil)

	for _, id := range []string{"missing", "", "../etc/passwd", "a/b", `a\b`, ".."} {
		t.Run(id, func(t *testing.T) {
			_, err := s.Load(context.Background(), id)
			require.Error(t, err)
			assert.True(t, errors.Is(err, herrors.ErrNotFound))
		})
	}
}

func TestLoadCancelled(t *testing.T) {
	s := newTestStore(t, map[string]string{"templates/a.html": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Load(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIDFromPath(t *testing.T) {
	s := newTestStore(t, nil)

	id, ok := s.IDFromPath("templates/home.html")
	assert.True(t, ok)
	assert.Equal(t, "home", id)

	_, ok = s.IDFromPath("templates/nested/home.html")
	assert.False(t, ok)

	_, ok = s.IDFromPath("templates/.home.html.swp")
	assert.False(t, ok)

	_, ok = s.IDFromPath("templates/readme.md")
	assert.False(t, ok)
}

func TestIDFromName(t *testing.T) {
	assert.Equal(t, "test", IDFromName("test.html"))
	assert.Equal(t, "page.v2", IDFromName("/x/page.v2.html"))
	assert.Equal(t, "noext", IDFromName("noext"))
}
