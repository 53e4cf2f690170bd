package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ryuqq/fileflow/internal/common"
)

// BlobStore abstracts object access for stages. The wire mechanics of a
// real object store live outside this module; the daemon runs on a local
// directory.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// DirBlobStore stores blobs under a root directory, key = relative path.
type DirBlobStore struct {
	root string
}

func NewDirBlobStore(root string) *DirBlobStore {
	return &DirBlobStore{root: root}
}

func (s *DirBlobStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", common.ErrInvalidInput
	}
	return filepath.Join(s.root, clean), nil
}

func (s *DirBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *DirBlobStore) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// MemBlobStore is a map-backed BlobStore for tests.
type MemBlobStore struct {
	blobs map[string][]byte
}

func NewMemBlobStore() *MemBlobStore {
	return &MemBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := s.blobs[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	return data, nil
}

func (s *MemBlobStore) Put(_ context.Context, key string, data []byte) error {
	s.blobs[key] = data
	return nil
}
