package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the record in a JSON file. Writes go to a temporary file
// in the same directory followed by a rename, so a crash never leaves a
// half-written record behind.
type FileStore struct {
	recordStore
	path string
}

// NewFileStore creates a FileStore at path. The parent directory is created
// on first write.
func NewFileStore(path string, opts ...Option) *FileStore {
	return &FileStore{
		recordStore: newRecordStore(fileBackend{path: path}, opts),
		path:        path,
	}
}

// DefaultPath returns <user config dir>/billingsync/<name>.json.
func DefaultPath(name string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cache: failed to resolve config dir: %w", err)
	}
	return filepath.Join(dir, "billingsync", name+".json"), nil
}

// Path returns the file backing the store.
func (s *FileStore) Path() string {
	return s.path
}

type fileBackend struct {
	path string
}

func (b fileBackend) load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (b fileBackend) save(_ context.Context, data []byte) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".subscription-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, b.path)
}

func (b fileBackend) remove(context.Context) error {
	err := os.Remove(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
