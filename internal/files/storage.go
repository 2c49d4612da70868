package files

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/agencydesk/chatcore/internal/domain"
)

// BlobStore is the byte storage behind the file registry. Keys are
// opaque to callers; the registry records them on the file document.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// DiskStore is a BlobStore on the local filesystem. Keys shard into
// two-level directories off the key prefix to keep directory fanout sane.
type DiskStore struct {
	root string
}

// NewDiskStore creates the storage root if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", root, err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return "", domain.Validationf("invalid storage key %q", key)
	}
	shard := "00"
	if len(key) >= 2 {
		shard = strings.ToLower(key[:2])
	}
	return filepath.Join(s.root, shard, key), nil
}

// Put streams r into the blob for key, returning the byte count.
// Writes go to a temp file first so a crashed upload never leaves a
// partial blob under the final key.
func (s *DiskStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	dst, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if err := ctx.Err(); err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), dst)
}

func (s *DiskStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, domain.ErrNotFound
	}
	return f, err
}

func (s *DiskStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
