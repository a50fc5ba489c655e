package build

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/spf13/afero"

	herrors "github.com/conneroisu/hyte/internal/errors"
)

// OutputWriter replaces files in one step so readers never observe a
// partially written artifact.
type OutputWriter interface {
	WriteFile(path string, data []byte) error
	Remove(path string) error
}

// OSWriter writes to the local disk through natefinch/atomic.
type OSWriter struct{}

// WriteFile implements OutputWriter.
func (OSWriter) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return herrors.NewIOError(herrors.ErrCodeWriteFailed, "create output directory", err).WithLocation(path, 0, 0)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return herrors.NewIOError(herrors.ErrCodeWriteFailed, "write output", err).WithLocation(path, 0, 0)
	}

	return nil
}

// Remove implements OutputWriter. Removing a missing file is not an error.
func (OSWriter) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return herrors.NewIOError(herrors.ErrCodeWriteFailed, "remove output", err).WithLocation(path, 0, 0)
	}

	return nil
}

// FsWriter writes through an afero filesystem using a temp file and rename.
type FsWriter struct {
	Fs afero.Fs
}

// WriteFile implements OutputWriter.
func (w FsWriter) WriteFile(path string, data []byte) error {
	if err := w.Fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return herrors.NewIOError(herrors.ErrCodeWriteFailed, "create output directory", err).WithLocation(path, 0, 0)
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	if err := afero.WriteFile(w.Fs, tmp, data, 0o644); err != nil {
		return herrors.NewIOError(herrors.ErrCodeWriteFailed, "write output", err).WithLocation(path, 0, 0)
	}
	if err := w.Fs.Rename(tmp, path); err != nil {
		_ = w.Fs.Remove(tmp)
		return herrors.NewIOError(herrors.ErrCodeWriteFailed, "replace output", err).WithLocation(path, 0, 0)
	}

	return nil
}

// Remove implements OutputWriter.
func (w FsWriter) Remove(path string) error {
	if err := w.Fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return herrors.NewIOError(herrors.ErrCodeWriteFailed, "remove output", err).WithLocation(path, 0, 0)
	}

	return nil
}
