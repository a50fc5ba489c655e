package build

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herrors "github.com/conneroisu/hyte/internal/errors"
)

func TestOSWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.js")
	w := OSWriter{}

	require.NoError(t, w.WriteFile(path, []byte("first")))
	require.NoError(t, w.WriteFile(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, w.Remove(path))
	assert.NoFileExists(t, path)
	assert.NoError(t, w.Remove(path))
}

func TestOSWriterFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	err := OSWriter{}.WriteFile(filepath.Join(blocker, "out.js"), []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, herrors.ErrIO))
}

func TestFsWriter(t *testing.T) {
	fsys := afero.NewMemMapFs()
	w := FsWriter{Fs: fsys}

	require.NoError(t, w.WriteFile("out/a.js", []byte("a")))
	data, err := afero.ReadFile(fsys, "out/a.js")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	infos, err := afero.ReadDir(fsys, "out")
	require.NoError(t, err)
	assert.Len(t, infos, 1)

	require.NoError(t, w.Remove("out/a.js"))
	require.NoError(t, w.Remove("out/a.js"))
	exists, err := afero.Exists(fsys, "out/a.js")
	require.NoError(t, err)
	assert.False(t, exists)
}
