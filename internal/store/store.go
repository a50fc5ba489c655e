// Package store enumerates and loads template source files from a flat
// directory.
package store

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	herrors "github.com/conneroisu/hyte/internal/errors"
	"github.com/spf13/afero"
)

// TemplateSource is one template file read in a single call.
type TemplateSource struct {
	ID        string
	Path      string
	Content   []byte
	Extension string
	ModTime   time.Time
}

// Store reads templates from Dir on an afero filesystem.
type Store struct {
	fs  afero.Fs
	dir string
	ext string
}

// Option configures a Store.
type Option func(*Store)

// WithFs overrides the filesystem, afero.NewOsFs by default.
func WithFs(fsys afero.Fs) Option {
	return func(s *Store) {
		s.fs = fsys
	}
}

// New creates a store for dir filtered by ext.
func New(dir, ext string, options ...Option) *Store {
	s := &Store{
		fs:  afero.NewOsFs(),
		dir: dir,
		ext: ext,
	}
	for _, option := range options {
		option(s)
	}

	return s
}

// Dir returns the template directory.
func (s *Store) Dir() string { return s.dir }

// Extension returns the configured source extension.
func (s *Store) Extension() string { return s.ext }

// Fs returns the backing filesystem.
func (s *Store) Fs() afero.Fs { return s.fs }

// IDFromName strips the extension from a file name. Everything after the
// last dot is dropped, so "a.b.html" becomes "a.b".
func IDFromName(name string) string {
	base := filepath.Base(name)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		return base[:i]
	}

	return base
}

// Matches reports whether a file name is a template under this store's
// extension filter.
func (s *Store) Matches(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}

	return strings.Contains(base, s.ext)
}

// IDFromPath derives the template id for a path inside the store directory.
func (s *Store) IDFromPath(path string) (string, bool) {
	if filepath.Clean(filepath.Dir(path)) != filepath.Clean(s.dir) || !s.Matches(path) {
		return "", false
	}

	return IDFromName(path), true
}

// Names lists matching file names in lexicographic order. Reads the
// directory only, not the files.
func (s *Store) Names() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, herrors.NewIOError(herrors.ErrCodeReadFailed, "read template directory", err).
			WithLocation(s.dir, 0, 0)
	}

	names := make([]string, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !s.Matches(entry.Name()) {
			continue
		}
		id := IDFromName(entry.Name())
		if other, dup := seen[id]; dup {
			return nil, herrors.NewValidationError(herrors.ErrCodeDuplicateID, "duplicate template id").
				WithTemplate(id).
				WithContext("files", []string{other, entry.Name()})
		}
		seen[id] = entry.Name()
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	return names, nil
}

// List lazily yields every template in the directory. The directory is read
// when iteration starts; each file is read as the consumer advances. A
// failure is yielded once and ends the sequence.
func (s *Store) List(ctx context.Context) iter.Seq2[TemplateSource, error] {
	return func(yield func(TemplateSource, error) bool) {
		names, err := s.Names()
		if err != nil {
			yield(TemplateSource{}, err)
			return
		}

		for _, name := range names {
			if err := ctx.Err(); err != nil {
				yield(TemplateSource{}, err)
				return
			}
			src, err := s.read(filepath.Join(s.dir, name))
			if err != nil {
				yield(TemplateSource{}, err)
				return
			}
			if !yield(src, nil) {
				return
			}
		}
	}
}

// Load reads the template with the given id.
func (s *Store) Load(ctx context.Context, id string) (TemplateSource, error) {
	if err := ctx.Err(); err != nil {
		return TemplateSource{}, err
	}
	if !validID(id) {
		return TemplateSource{}, herrors.NewNotFoundError(id)
	}

	src, err := s.read(filepath.Join(s.dir, id+s.ext))
	if err != nil {
		var he *herrors.HyteError
		if errors.As(err, &he) && he.Type == herrors.ErrorTypeNotFound {
			he.TemplateID = id
		}
		return TemplateSource{}, err
	}

	return src, nil
}

// LoadPath reads a template by file path, used for watcher events.
func (s *Store) LoadPath(path string) (TemplateSource, error) {
	return s.read(path)
}

func (s *Store) read(path string) (TemplateSource, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return TemplateSource{}, classify(path, err)
	}
	if info.IsDir() {
		return TemplateSource{}, herrors.NewNotFoundError(IDFromName(path)).WithLocation(path, 0, 0)
	}

	content, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return TemplateSource{}, classify(path, err)
	}

	return TemplateSource{
		ID:        IDFromName(path),
		Path:      path,
		Content:   content,
		Extension: s.ext,
		ModTime:   info.ModTime(),
	}, nil
}

func classify(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
		return herrors.NewNotFoundError(IDFromName(path)).WithLocation(path, 0, 0)
	}

	return herrors.NewIOError(herrors.ErrCodeReadFailed, "read template", err).WithLocation(path, 0, 0)
}

func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}

	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}
