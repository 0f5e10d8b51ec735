// Package blob stores remote file bytes on the local filesystem.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store writes objects under a root directory. Keys may contain "/" to form
// subdirectories; they may not escape the root.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Writer is an object being written. The object only becomes visible under
// its key when Commit succeeds; Abort discards it.
type Writer struct {
	f    *os.File
	dest string
}

func (w *Writer) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *Writer) Commit() error {
	if err := w.f.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("syncing blob: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("closing blob: %w", err)
	}
	if err := os.Rename(w.f.Name(), w.dest); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("publishing blob: %w", err)
	}
	return nil
}

func (w *Writer) Abort() {
	w.f.Close()
	os.Remove(w.f.Name())
}

// Create opens a Writer for key.
func (s *Store) Create(_ context.Context, key string) (*Writer, error) {
	dest, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating blob: %w", err)
	}
	return &Writer{f: f, dest: dest}, nil
}

// Open returns a reader for key.
func (s *Store) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Delete removes key. A missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob %s: %w", key, err)
	}
	return nil
}

func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}
