// Package storage gives the downloads code a filesystem rooted at the
// downloads directory. Paths passed to it are slash separated and relative
// to the root.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
	"github.com/vrsandeep/mangarr-go/internal/util"
)

// Storage wraps an afero filesystem whose "/" is the downloads root.
type Storage struct {
	fs   afero.Fs
	root string
}

// NewDisk opens root on the local disk, creating it if needed.
func NewDisk(root string) (*Storage, error) {
	if err := util.ValidateRootDir(root); err != nil {
		return nil, fmt.Errorf("invalid downloads root: %w", err)
	}
	return &Storage{fs: afero.NewBasePathFs(afero.NewOsFs(), root), root: root}, nil
}

// NewMemory returns an in-memory storage for tests.
func NewMemory() *Storage {
	return &Storage{fs: afero.NewMemMapFs(), root: "/"}
}

// New wraps an existing filesystem.
func New(fsys afero.Fs, root string) *Storage {
	return &Storage{fs: fsys, root: root}
}

func (s *Storage) Root() string { return s.root }

func (s *Storage) Fs() afero.Fs { return s.fs }

// clean anchors rel to the root so it can never walk above it.
func clean(rel string) string {
	return path.Clean("/" + strings.TrimLeft(strings.ReplaceAll(rel, "\\", "/"), "/"))
}

func (s *Storage) MkdirAll(rel string) error {
	return s.fs.MkdirAll(clean(rel), 0755)
}

// Create opens rel for writing, truncating any existing file.
func (s *Storage) Create(rel string) (afero.File, error) {
	return s.fs.OpenFile(clean(rel), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

func (s *Storage) Open(rel string) (afero.File, error) {
	return s.fs.Open(clean(rel))
}

func (s *Storage) Rename(oldRel, newRel string) error {
	return s.fs.Rename(clean(oldRel), clean(newRel))
}

// Remove deletes a file. A missing file is not an error.
func (s *Storage) Remove(rel string) error {
	err := s.fs.Remove(clean(rel))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveAll deletes rel and everything below it. The root itself is never
// removed.
func (s *Storage) RemoveAll(rel string) error {
	p := clean(rel)
	if p == "/" {
		return fmt.Errorf("refusing to remove downloads root")
	}
	return s.fs.RemoveAll(p)
}

// Size returns the size of a regular file and whether it exists.
func (s *Storage) Size(rel string) (int64, bool, error) {
	info, err := s.fs.Stat(clean(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if info.IsDir() {
		return 0, false, nil
	}
	return info.Size(), true, nil
}

// WriteFile copies r into rel and returns the number of bytes written.
func (s *Storage) WriteFile(rel string, r io.Reader) (int64, error) {
	f, err := s.Create(rel)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Stat describes rel.
func (s *Storage) Stat(rel string) (fs.FileInfo, error) {
	return s.fs.Stat(clean(rel))
}
