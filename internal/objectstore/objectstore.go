package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists assembled image bytes and returns a stable URL for
// retrieval.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// FileStore stores objects on the local filesystem under a base
// directory, mapping each key to a file path.
type FileStore struct {
	dir     string
	baseURL string
}

// NewFileStore creates a filesystem-backed object store
func NewFileStore(dir, baseURL string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Put writes the object and returns its URL
func (f *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	path, err := f.path(key)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	// Write-then-rename so readers never see a partial object
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalize object: %w", err)
	}

	if f.baseURL == "" {
		return path, nil
	}
	return f.baseURL + "/" + key, nil
}

// Get reads an object's bytes
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// path maps a key to a filesystem path, rejecting traversal
func (f *FileStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(f.dir, clean), nil
}
