package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get(missing) = ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "a", "2"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	if v, ok, err := s.Get(ctx, "a"); !ok || err != nil || v != "2" {
		t.Fatalf("Get(a) = %q ok=%v err=%v", v, ok, err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete missing should be nil, got %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatalf("expected a to be gone")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore_Contract(t *testing.T) {
	fs, err := OpenFile(filepath.Join(t.TempDir(), "state.toml"))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	exerciseStore(t, fs)
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.toml")
	ctx := context.Background()

	fs, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	value := `[{"id":1,"endpoint":"/qr/process"}]` + "\nline two"
	if err := fs.Set(ctx, "queue.records", value); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_ = fs.Close()

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := reopened.Get(ctx, "queue.records")
	if err != nil || !ok || got != value {
		t.Fatalf("persisted value = %q ok=%v err=%v", got, ok, err)
	}

	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), "queue.records") {
		t.Fatalf("expected key in toml document, got:\n%s", raw)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("entries = [not toml"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := OpenFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFileStore_Closed(t *testing.T) {
	fs, err := OpenFile(filepath.Join(t.TempDir(), "c.toml"))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	_ = fs.Close()
	if err := fs.Set(context.Background(), "k", "v"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, _, err := fs.Get(context.Background(), "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOpenFile_EmptyPath(t *testing.T) {
	if _, err := OpenFile("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
