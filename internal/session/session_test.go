package session

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/jkaninda/shellbox/internal/config"
	"github.com/jkaninda/shellbox/internal/engine"
)

func newTestManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.NewProcessEngine(engine.ProcessConfig{BaseDir: t.TempDir()}, logger)
	m := NewManager(cfg, eng, logger)
	t.Cleanup(m.Reset)
	return m
}

func TestManager_ReusesPersistentContext(t *testing.T) {
	m := newTestManager(t, &config.Config{})

	a, err := m.GetOrCreate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := m.GetOrCreate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID() != b.ID() {
		t.Errorf("got two different contexts (%s, %s), want the same slot", a.ID(), b.ID())
	}

	if err := a.WriteFile("/state.txt", "kept"); err != nil {
		t.Fatal(err)
	}
	got, err := b.ReadFile("/state.txt")
	if err != nil || got != "kept" {
		t.Errorf("filesystem state not shared across calls: %q, %v", got, err)
	}
}

func TestManager_ResetDiscardsState(t *testing.T) {
	m := newTestManager(t, &config.Config{})

	a, err := m.GetOrCreate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.WriteFile("/state.txt", "old"); err != nil {
		t.Fatal(err)
	}

	m.Reset()
	if m.Active() {
		t.Error("slot still active after reset")
	}

	b, err := m.GetOrCreate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if b.ID() == a.ID() {
		t.Error("reset returned the same context")
	}
	if _, err := b.ReadFile("/state.txt"); err == nil {
		t.Error("pre-reset filesystem state survived")
	}
}

func TestManager_ResetOnEmptySlot(t *testing.T) {
	m := newTestManager(t, &config.Config{})

	m.Reset()
	m.Reset()
	if m.Active() {
		t.Error("empty slot reports active after no-op resets")
	}
}

func TestManager_ConstructionFailureLeavesSlotEmpty(t *testing.T) {
	m := newTestManager(t, &config.Config{ReadWriteRoot: "/no/such/root"})

	if _, err := m.GetOrCreate(context.Background()); err == nil {
		t.Fatal("expected construction error for missing read-write root")
	}
	if m.Active() {
		t.Error("failed construction left a context in the slot")
	}
	if _, err := m.GetOrCreate(context.Background()); err == nil {
		t.Error("retry against the same bad config must fail again")
	}
}

func TestEphemeralFactory_IsolatedContexts(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.NewProcessEngine(engine.ProcessConfig{BaseDir: t.TempDir()}, logger)
	f := NewEphemeralFactory(&config.Config{}, eng, logger)

	a, err := f.Create(context.Background(), map[string]string{"in.txt": "seed"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := f.Create(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if a.ID() == b.ID() {
		t.Error("ephemeral contexts share an identity")
	}
	if got, err := a.ReadFile("/in.txt"); err != nil || got != "seed" {
		t.Errorf("seed file = %q, %v", got, err)
	}
	if _, err := b.ReadFile("/in.txt"); err == nil {
		t.Error("seed file leaked into a sibling ephemeral context")
	}
	if a.Lifecycle() != engine.Ephemeral {
		t.Errorf("lifecycle = %s, want ephemeral", a.Lifecycle())
	}
}
