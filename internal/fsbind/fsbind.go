// Package fsbind selects which filesystem backend a new sandbox context is
// bound to. The binding is a tagged variant; the engine switches on the
// kind when materializing the context's filesystem.
package fsbind

import "github.com/jkaninda/shellbox/internal/config"

// Kind tags the filesystem backend variant.
type Kind int

const (
	// InMemory is a fresh, empty, context-private filesystem.
	InMemory Kind = iota

	// Overlay exposes a host directory copy-on-write at a mount point.
	Overlay

	// ReadWrite exposes a host directory directly, writes included.
	ReadWrite

	// Mounted combines multiple overlay and readwrite entries.
	Mounted
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case InMemory:
		return "in-memory"
	case Overlay:
		return "overlay"
	case ReadWrite:
		return "readwrite"
	case Mounted:
		return "mounted"
	default:
		return "unknown"
	}
}

// MountEntry is one resolved entry of a Mounted binding.
type MountEntry struct {
	MountPoint string
	Root       string
	Mode       Kind // Overlay or ReadWrite.
}

// Binding describes the filesystem backend for one context. Exactly one
// variant is active, identified by Kind; the remaining fields are only
// meaningful for that variant.
type Binding struct {
	Kind       Kind
	Root       string       // Host root for Overlay and ReadWrite.
	MountPoint string       // Sandbox mount point for Overlay.
	Entries    []MountEntry // Ordered entries for Mounted.
}

// Select resolves the active filesystem binding from configuration.
// Precedence: ReadWrite > Overlay > Mounted > InMemory. Root accessibility
// is not checked here — the engine verifies it at context construction so
// a missing root surfaces as a setup failure, not a later execution error.
func Select(cfg *config.Config) Binding {
	switch {
	case cfg.ReadWriteRoot != "":
		return Binding{Kind: ReadWrite, Root: cfg.ReadWriteRoot}

	case cfg.OverlayRoot != "":
		return Binding{
			Kind:       Overlay,
			Root:       cfg.OverlayRoot,
			MountPoint: cfg.OverlayMountPoint,
		}

	case len(cfg.Mounts) > 0:
		entries := make([]MountEntry, len(cfg.Mounts))
		for i, m := range cfg.Mounts {
			mode := Overlay
			if m.Mode == "readwrite" {
				mode = ReadWrite
			}
			entries[i] = MountEntry{MountPoint: m.MountPoint, Root: m.Root, Mode: mode}
		}
		return Binding{Kind: Mounted, Entries: entries}

	default:
		return Binding{Kind: InMemory}
	}
}

// DefaultWorkDir returns the initial working directory for a context bound
// to b: the root itself for ReadWrite, the mount point for Overlay, and the
// configured initial working directory otherwise.
func DefaultWorkDir(b Binding, cfg *config.Config) string {
	switch b.Kind {
	case ReadWrite:
		return "/"
	case Overlay:
		return b.MountPoint
	default:
		return cfg.WorkDir
	}
}
