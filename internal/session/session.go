// Package session owns execution-context lifecycle: the single persistent
// slot reused across tool calls, and the factory for one-shot ephemeral
// contexts. Both derive policy and filesystem binding from configuration
// through the same rules, so a reset-then-recreate behaves exactly like
// initial creation.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jkaninda/shellbox/internal/config"
	"github.com/jkaninda/shellbox/internal/engine"
	"github.com/jkaninda/shellbox/internal/fsbind"
	"github.com/jkaninda/shellbox/internal/policy"
)

// Manager holds the process-wide persistent execution context.
//
// At most one persistent context exists at any time. The slot is guarded by
// a mutex and the existence check and store happen in one critical section,
// so concurrent callers cannot race to create duplicates. A construction
// failure leaves the slot empty; the next call retries construction.
type Manager struct {
	cfg    *config.Config
	engine engine.Engine
	logger *slog.Logger

	mu      sync.Mutex
	current engine.Context
}

// NewManager creates a session manager with an empty persistent slot.
func NewManager(cfg *config.Config, eng engine.Engine, logger *slog.Logger) *Manager {
	return &Manager{cfg: cfg, engine: eng, logger: logger}
}

// GetOrCreate returns the persistent context, lazily creating it on first
// use. Environment variables and working-directory overrides never survive
// across calls — only the context's filesystem state persists.
func (m *Manager) GetOrCreate(ctx context.Context) (engine.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.current, nil
	}

	c, err := m.engine.CreateContext(ctx, buildSpec(m.cfg, nil, engine.Persistent))
	if err != nil {
		return nil, err
	}
	m.current = c
	m.logger.Info("persistent session created", slog.String("context", c.ID()))
	return c, nil
}

// Reset unconditionally discards the persistent context. Resetting an
// empty slot is a successful no-op. After reset, all prior filesystem
// state of the persistent slot is unreachable.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}
	id := m.current.ID()
	if err := m.current.Close(); err != nil {
		m.logger.Warn("closing persistent context",
			slog.String("context", id),
			slog.String("error", err.Error()),
		)
	}
	m.current = nil
	m.logger.Info("persistent session reset", slog.String("context", id))
}

// Active reports whether a persistent context currently exists.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// EphemeralFactory creates fully isolated one-shot contexts. Each context
// shares no mutable state with any other, including the persistent one;
// the caller owns it for the duration of one call and must Close it.
type EphemeralFactory struct {
	cfg    *config.Config
	engine engine.Engine
	logger *slog.Logger
}

// NewEphemeralFactory creates an ephemeral context factory.
func NewEphemeralFactory(cfg *config.Config, eng engine.Engine, logger *slog.Logger) *EphemeralFactory {
	return &EphemeralFactory{cfg: cfg, engine: eng, logger: logger}
}

// Create builds a fresh isolated context. Seed files, when supplied, are
// materialized before the caller's command runs, so provisioning inputs
// and consuming them is atomic from the caller's perspective.
func (f *EphemeralFactory) Create(ctx context.Context, seedFiles map[string]string) (engine.Context, error) {
	c, err := f.engine.CreateContext(ctx, buildSpec(f.cfg, seedFiles, engine.Ephemeral))
	if err != nil {
		return nil, err
	}
	f.logger.Debug("ephemeral context created",
		slog.String("context", c.ID()),
		slog.Int("seed_files", len(seedFiles)),
	)
	return c, nil
}

// buildSpec assembles the context spec from configuration: filesystem
// binding by precedence, policy from the pure builders, and the binding's
// default working directory.
func buildSpec(cfg *config.Config, seedFiles map[string]string, lifecycle engine.Lifecycle) engine.ContextSpec {
	binding := fsbind.Select(cfg)
	return engine.ContextSpec{
		Policy:    policy.Build(cfg),
		Binding:   binding,
		WorkDir:   fsbind.DefaultWorkDir(binding, cfg),
		SeedFiles: seedFiles,
		Lifecycle: lifecycle,
	}
}
