package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")

	w, err := New(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info, err := os.Stat(w.Root)
	if err != nil || !info.IsDir() {
		t.Fatalf("workspace root not created: %v", err)
	}

	contexts := w.ContextsDir()
	if info, err := os.Stat(contexts); err != nil || !info.IsDir() {
		t.Errorf("contexts dir not created: %v", err)
	}
	if filepath.Dir(contexts) != w.Root {
		t.Errorf("contexts dir %s not under workspace root %s", contexts, w.Root)
	}
}

func TestSweepContexts(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	dir := w.ContextsDir()

	stale := filepath.Join(dir, "ctx-stale")
	fresh := filepath.Join(dir, "ctx-fresh")
	unrelated := filepath.Join(dir, "notes")
	for _, p := range []string{stale, fresh, unrelated} {
		if err := os.Mkdir(p, 0750); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(unrelated, old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := w.SweepContexts(24 * time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale context dir survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh context dir removed by the sweep")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("non-context dir removed by the sweep")
	}
}

func TestSweepContexts_MissingDir(t *testing.T) {
	w := &Workspace{Root: filepath.Join(t.TempDir(), "never-created")}

	removed, err := w.SweepContexts(time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}
