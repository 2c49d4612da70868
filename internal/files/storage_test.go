package files

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agencydesk/chatcore/internal/domain"
)

func newTestStore(t *testing.T) *DiskStore {
	t.Helper()
	s, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Put(ctx, "abc123", strings.NewReader("hello blob"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if n != 10 {
		t.Fatalf("Put wrote %d bytes, want 10", n)
	}

	rc, err := s.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "hello blob" {
		t.Fatalf("Get = %q, want %q", data, "hello blob")
	}

	if err := s.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "abc123"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}

	// Deleting a missing blob is a no-op.
	if err := s.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("repeat Delete failed: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nothere"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestInvalidKeysRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "a/b", `a\b`, "..", "x..y"} {
		if _, err := s.Put(ctx, key, strings.NewReader("x")); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Put(%q) = %v, want ErrValidation", key, err)
		}
		if _, err := s.Get(ctx, key); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Get(%q) = %v, want ErrValidation", key, err)
		}
	}
}

func TestKeysShardByPrefix(t *testing.T) {
	root := t.TempDir()
	s, err := NewDiskStore(root)
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}

	if _, err := s.Put(context.Background(), "ABcdef", strings.NewReader("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "ab", "ABcdef")); err != nil {
		t.Fatalf("blob not under lowercase two-char shard: %v", err)
	}
}

func TestPutOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "key1", strings.NewReader("first")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.Put(ctx, "key1", strings.NewReader("second")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	rc, err := s.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "second" {
		t.Fatalf("Get = %q, want %q", data, "second")
	}
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	root := t.TempDir()
	s, err := NewDiskStore(root)
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	if _, err := s.Put(context.Background(), "key1", strings.NewReader("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var strays []string
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasPrefix(d.Name(), ".upload-") {
			strays = append(strays, path)
		}
		return nil
	})
	if len(strays) != 0 {
		t.Fatalf("temp files left behind: %v", strays)
	}
}
