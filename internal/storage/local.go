// Package storage persists result artifacts, one ndjson file per
// successful query. The local filesystem store is the default; an
// S3-compatible store is available for deployments that keep results on
// object storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"grepr/internal/domain"
)

var _ domain.ArtifactStore = (*LocalStore)(nil)

// LocalStore writes artifacts into a results directory on local disk.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the results directory if absent and returns a store
// rooted there.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create results dir %q: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

// Create opens a fresh artifact file named deterministically from the
// query id.
func (s *LocalStore) Create(_ context.Context, id string) (domain.ArtifactWriter, error) {
	path := filepath.Join(s.dir, id+".ndjson")
	f, err := os.Create(path) //nolint:gosec // path is derived from a generated id
	if err != nil {
		return nil, fmt.Errorf("create artifact %q: %w", path, err)
	}
	return &localWriter{f: f, path: path}, nil
}

// Open returns a sequential reader over a previously committed artifact.
func (s *LocalStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the state store
	if err != nil {
		return nil, fmt.Errorf("open artifact %q: %w", path, err)
	}
	return f, nil
}

// Remove deletes an artifact. Missing files are not an error.
func (s *LocalStore) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact %q: %w", path, err)
	}
	return nil
}

type localWriter struct {
	f    *os.File
	path string
	done bool
}

func (w *localWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *localWriter) Path() string { return w.path }

// Commit fsyncs and closes the file. The terminal SUCCEEDED transition may
// only be recorded after Commit returns.
func (w *localWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("sync artifact %q: %w", w.path, err)
	}
	return w.f.Close()
}

// Abort closes and deletes the partial file.
func (w *localWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
