package fs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stoqscore/internal/blob/blobtest"
	"stoqscore/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStoreContract(t *testing.T) {
	blobtest.Run(t, func(t *testing.T) core.Store { return newTempStore(t) })
}

func TestStoreWritesSidecar(t *testing.T) {
	store := newTempStore(t)
	ctx := context.Background()
	info, err := store.Put(ctx, "activities/a/1.json", bytes.NewReader([]byte("{}")), core.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(info.ETag) != 64 {
		t.Fatalf("expected sha256 etag, got %q", info.ETag)
	}
	data := filepath.Join(store.Root(), "activities", "a", "1.json")
	if _, err := os.Stat(data); err != nil {
		t.Fatalf("data file: %v", err)
	}
	meta, err := os.ReadFile(data + metaSuffix)
	if err != nil {
		t.Fatalf("sidecar: %v", err)
	}
	if !strings.Contains(string(meta), "application/json") {
		t.Fatalf("sidecar missing content type: %s", meta)
	}
	entries, _ := os.ReadDir(filepath.Dir(data))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestStoreRejectsReservedSuffix(t *testing.T) {
	store := newTempStore(t)
	if _, err := store.Put(context.Background(), "x.meta", bytes.NewReader(nil), core.PutOptions{}); err == nil {
		t.Fatalf("expected reserved suffix rejection")
	}
}

func TestPresignURL(t *testing.T) {
	store := newTempStore(t)
	ctx := context.Background()
	u, err := store.PresignURL(ctx, "activities/a/1.json", core.SignedURLOptions{})
	if err != nil || !strings.HasPrefix(u, "file://") {
		t.Fatalf("unexpected url %q (%v)", u, err)
	}
	if _, err := store.PresignURL(ctx, "k", core.SignedURLOptions{Method: "PUT"}); err != core.ErrUnsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestNewDefaultsRoot(t *testing.T) {
	wd, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	store, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.Root() != "./blobdata" {
		t.Fatalf("root %q", store.Root())
	}
}
