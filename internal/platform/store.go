// Package platform provides the persistence capability the vault and the
// agent/user registries depend on. The core depends on the Store
// interface, not on a file backend directly — this is what lets tests
// swap in an in-memory backend instead of touching disk.
package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Store is a single-blob snapshot capability: the whole logical dataset is
// loaded at startup and re-written wholesale after every mutation. The
// format inside the blob is opaque to Store itself.
type Store interface {
	// LoadAll returns the last persisted blob, or (nil, nil) if nothing has
	// ever been persisted.
	LoadAll(ctx context.Context) ([]byte, error)
	// Persist atomically replaces the stored blob.
	Persist(ctx context.Context, blob []byte) error
}

// FileStore persists a single JSON (or any opaque) blob to a path on disk,
// using a write-to-temp-then-rename so a crash mid-write can never leave a
// half-written file behind — a successful load followed by a successful
// save is a round-trip identity.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore rooted at path. The parent directory is
// created if it doesn't exist.
func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return &FileStore{path: path}, nil
}

// LoadAll reads the snapshot file. A missing file is not an error — it
// means nothing has been persisted yet.
func (f *FileStore) LoadAll(_ context.Context) ([]byte, error) {
	blob, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	return blob, nil
}

// Persist writes blob to a temp file in the same directory and renames it
// over the snapshot path, so readers never observe a partial write.
func (f *FileStore) Persist(_ context.Context, blob []byte) error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, f.path, err)
	}
	return nil
}

// MemStore is an in-memory Store used by tests (design note "this permits
// an in-memory backend for tests").
type MemStore struct {
	blob []byte
}

// NewMemStore creates an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// LoadAll returns the last blob passed to Persist.
func (m *MemStore) LoadAll(_ context.Context) ([]byte, error) {
	return m.blob, nil
}

// Persist replaces the stored blob.
func (m *MemStore) Persist(_ context.Context, blob []byte) error {
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.blob = cp
	return nil
}
