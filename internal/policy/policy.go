// Package policy derives the immutable execution policy for a sandbox
// context from configuration. Builders are pure: same config in, same
// policy out, no side effects and no failure modes — malformed numeric
// configuration is repaired to defaults at the config boundary before it
// ever reaches this package.
package policy

import (
	"time"

	"github.com/jkaninda/shellbox/internal/config"
)

// NetworkMode determines how network access is handled inside the sandbox.
type NetworkMode int

const (
	// NetworkDisabled denies all network access from within the sandbox.
	NetworkDisabled NetworkMode = iota

	// NetworkAllowListed restricts network access to configured URL
	// prefixes and HTTP methods.
	NetworkAllowListed

	// NetworkFullAccess permits unrestricted network access, bounded only
	// by the redirect cap and timeout.
	NetworkFullAccess
)

// String returns the string representation of a NetworkMode.
func (m NetworkMode) String() string {
	switch m {
	case NetworkDisabled:
		return "disabled"
	case NetworkAllowListed:
		return "allowlist"
	case NetworkFullAccess:
		return "full"
	default:
		return "unknown"
	}
}

// NetworkPolicy is the network half of an execution policy. Prefixes and
// Methods are only meaningful when Mode is NetworkAllowListed; MaxRedirects
// and Timeout apply to every enabled mode.
type NetworkPolicy struct {
	Mode         NetworkMode
	URLPrefixes  []string
	Methods      []string
	MaxRedirects int
	Timeout      time.Duration
}

// ExecutionLimits constrains the shell interpreter. All fields are positive.
type ExecutionLimits struct {
	MaxCallDepth      int
	MaxCommandCount   int
	MaxLoopIterations int
	MaxAwkIterations  int
	MaxSedIterations  int
	MaxJqIterations   int
}

// ExecutionPolicy combines the network policy and the interpreter limits.
// Built once per context creation and never mutated afterwards.
type ExecutionPolicy struct {
	Network NetworkPolicy
	Limits  ExecutionLimits
}

// BuildNetworkPolicy derives the network policy from configuration.
//
// The decision is three-way: disabled when the network flag is off,
// allow-listed when at least one URL prefix is configured, full access
// otherwise. An enabled network with an empty prefix list deliberately
// degrades to full access — explicit prefixes always win over unrestricted
// access, but their absence is not treated as a lockdown.
func BuildNetworkPolicy(cfg *config.Config) NetworkPolicy {
	if !cfg.NetworkEnabled {
		return NetworkPolicy{Mode: NetworkDisabled}
	}

	timeout := time.Duration(cfg.NetworkTimeoutMs) * time.Millisecond
	if len(cfg.AllowedURLPrefixes) > 0 {
		return NetworkPolicy{
			Mode:         NetworkAllowListed,
			URLPrefixes:  append([]string(nil), cfg.AllowedURLPrefixes...),
			Methods:      append([]string(nil), cfg.AllowedMethods...),
			MaxRedirects: cfg.MaxRedirects,
			Timeout:      timeout,
		}
	}

	return NetworkPolicy{
		Mode:         NetworkFullAccess,
		MaxRedirects: cfg.MaxRedirects,
		Timeout:      timeout,
	}
}

// BuildExecutionLimits derives the interpreter limits from configuration.
// Config defaulting guarantees every field is positive and that the awk,
// sed, and jq caps inherit the loop cap unless independently overridden.
func BuildExecutionLimits(cfg *config.Config) ExecutionLimits {
	return ExecutionLimits{
		MaxCallDepth:      cfg.MaxCallDepth,
		MaxCommandCount:   cfg.MaxCommandCount,
		MaxLoopIterations: cfg.MaxLoopIterations,
		MaxAwkIterations:  cfg.MaxAwkIterations,
		MaxSedIterations:  cfg.MaxSedIterations,
		MaxJqIterations:   cfg.MaxJqIterations,
	}
}

// Build assembles the full execution policy for a new context.
func Build(cfg *config.Config) ExecutionPolicy {
	return ExecutionPolicy{
		Network: BuildNetworkPolicy(cfg),
		Limits:  BuildExecutionLimits(cfg),
	}
}
