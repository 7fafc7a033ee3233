// Package engine defines the execution engine contract consumed by the
// session and tool layers, plus the process-backed implementation. The
// rest of the system treats the engine as a black box: it creates contexts
// and executes commands, and everything else — policy derivation, context
// lifecycle, result shaping — happens above this interface.
package engine

import (
	"context"
	"time"

	"github.com/jkaninda/shellbox/internal/fsbind"
	"github.com/jkaninda/shellbox/internal/policy"
)

// Lifecycle tags a context as one-shot or process-wide.
type Lifecycle int

const (
	// Ephemeral contexts are privately owned by one in-flight call and
	// discarded when it completes.
	Ephemeral Lifecycle = iota

	// Persistent contexts are held in the single process-wide session slot
	// and reused across calls until explicitly reset.
	Persistent
)

// String returns the string representation of a Lifecycle.
func (l Lifecycle) String() string {
	switch l {
	case Ephemeral:
		return "ephemeral"
	case Persistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// ContextSpec describes the context to create: which filesystem to bind,
// under which policy, where to start, and which files to seed before the
// first command runs.
type ContextSpec struct {
	Policy    policy.ExecutionPolicy
	Binding   fsbind.Binding
	WorkDir   string // Sandbox-absolute initial working directory.
	SeedFiles map[string]string
	Lifecycle Lifecycle
}

// ExecOptions are per-call overrides. They never persist on the context:
// the next call starts again from the context's own working directory and
// base environment.
type ExecOptions struct {
	WorkDir string // Sandbox-absolute working directory override. Empty = context default.
	Env     map[string]string
}

// RawResult is the unnormalized outcome of one command execution. Env
// reflects the variables exported by the command at the time it finished.
type RawResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Env      map[string]string
	Duration time.Duration
}

// Context is a live sandbox instance bound to one filesystem and one policy.
type Context interface {
	// ID returns the context's unique identifier.
	ID() string

	// Lifecycle returns whether the context is ephemeral or persistent.
	Lifecycle() Lifecycle

	// WorkDir returns the sandbox-absolute initial working directory.
	WorkDir() string

	// Execute runs a shell command. Ordinary command failure is signaled
	// via a non-zero exit code in the result, never as an error; an error
	// return means an engine-level fault (timeout, malformed input,
	// internal failure).
	Execute(ctx context.Context, command string, opts ExecOptions) (*RawResult, error)

	// WriteFile materializes content at a sandbox-absolute path, creating
	// parent directories as needed.
	WriteFile(path, content string) error

	// ReadFile returns the content at a sandbox-absolute path.
	ReadFile(path string) (string, error)

	// ListFiles lists entries under a sandbox-absolute path. Directories
	// carry a trailing slash. Hidden entries are skipped unless showHidden.
	ListFiles(path string, recursive, showHidden bool) ([]string, error)

	// Close releases the context. Engine-owned scratch state is removed;
	// caller-owned host roots are never touched.
	Close() error
}

// Engine creates sandbox contexts. Creation may fail with a construction
// error, e.g. an inaccessible binding root.
type Engine interface {
	CreateContext(ctx context.Context, spec ContextSpec) (Context, error)
}
