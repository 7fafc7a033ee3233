// Package config handles loading and validating Shellbox configuration.
//
// Configuration is environment-first: every setting has a documented default
// and a SHELLBOX_* environment variable. An optional JSON or YAML file can
// provide the same settings; environment variables take precedence over it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Defaults for the configuration surface. Malformed numeric environment
// values fall back to these rather than erroring.
const (
	DefaultWorkDir             = "/"
	DefaultOverlayMountPoint   = "/workspace"
	DefaultMaxRedirects        = 3
	DefaultNetworkTimeoutMs    = 30000
	DefaultMaxOutputLength     = 1 << 20 // 1 MB
	DefaultMaxCallDepth        = 100
	DefaultMaxCommandCount     = 1000
	DefaultMaxLoopIterations   = 10000
	DefaultMaxExecutionSeconds = 120
	DefaultMaxCPUSeconds       = 60
	DefaultMaxMemoryMB         = 512
	DefaultSweepSchedule       = "@hourly"
)

// DefaultAllowedMethods is the HTTP method set used when the allow-listed
// network policy has no explicit method configuration.
var DefaultAllowedMethods = []string{"GET", "HEAD", "OPTIONS"}

// MountSpec is one entry of the multi-mount specification: a sandbox mount
// point backed by a host directory, either copied in (overlay) or bound
// directly (readwrite).
type MountSpec struct {
	MountPoint string `json:"mount_point" yaml:"mount_point"`
	Root       string `json:"root" yaml:"root"`
	Mode       string `json:"mode" yaml:"mode"` // "overlay" or "readwrite"
}

// Config is the root configuration for Shellbox.
type Config struct {
	// Filesystem selection. Precedence: ReadWriteRoot > OverlayRoot > Mounts > in-memory.
	WorkDir           string      `json:"workdir,omitempty" yaml:"workdir,omitempty"`                         // Initial working directory inside the sandbox. Default: "/".
	OverlayRoot       string      `json:"overlay_root,omitempty" yaml:"overlay_root,omitempty"`               // Host dir exposed read-only with copy-on-write.
	OverlayMountPoint string      `json:"overlay_mount_point,omitempty" yaml:"overlay_mount_point,omitempty"` // Sandbox path of the overlay. Default: "/workspace".
	ReadWriteRoot     string      `json:"rw_root,omitempty" yaml:"rw_root,omitempty"`                         // Host dir exposed read-write, direct.
	Mounts            []MountSpec `json:"mounts,omitempty" yaml:"mounts,omitempty"`                           // Ordered multi-mount specification.

	// Network policy inputs.
	NetworkEnabled     bool     `json:"network_enabled" yaml:"network_enabled"`
	AllowedURLPrefixes []string `json:"allowed_url_prefixes,omitempty" yaml:"allowed_url_prefixes,omitempty"`
	AllowedMethods     []string `json:"allowed_methods,omitempty" yaml:"allowed_methods,omitempty"`
	MaxRedirects       int      `json:"max_redirects" yaml:"max_redirects"`           // Default: 3.
	NetworkTimeoutMs   int      `json:"network_timeout_ms" yaml:"network_timeout_ms"` // Default: 30000.

	// Output and interpreter limits.
	MaxOutputLength   int `json:"max_output_length" yaml:"max_output_length"`     // Per-stream cap in bytes. Default: 1 MB.
	MaxCallDepth      int `json:"max_call_depth" yaml:"max_call_depth"`           // Default: 100.
	MaxCommandCount   int `json:"max_command_count" yaml:"max_command_count"`     // Default: 1000.
	MaxLoopIterations int `json:"max_loop_iterations" yaml:"max_loop_iterations"` // Default: 10000.
	MaxAwkIterations  int `json:"max_awk_iterations" yaml:"max_awk_iterations"`   // 0 = inherit loop cap.
	MaxSedIterations  int `json:"max_sed_iterations" yaml:"max_sed_iterations"`   // 0 = inherit loop cap.
	MaxJqIterations   int `json:"max_jq_iterations" yaml:"max_jq_iterations"`     // 0 = inherit loop cap.

	// Process engine limits.
	MaxExecutionSeconds int `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Wall clock per call. Default: 120.
	MaxCPUSeconds       int `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`             // ulimit -t. Default: 60.
	MaxMemoryMB         int `json:"max_memory_mb" yaml:"max_memory_mb"`                 // ulimit -v. Default: 512.

	// Server runtime.
	Workspace     string `json:"workspace,omitempty" yaml:"workspace,omitempty"`           // Runtime dir root. Default: ~/.shellbox/workspace.
	MetricsAddr   string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`     // e.g. ":9090". Empty = metrics listener disabled.
	SweepSchedule string `json:"sweep_schedule,omitempty" yaml:"sweep_schedule,omitempty"` // Cron spec for stale-context sweeping. Default: "@hourly".
	LogLevel      string `json:"log_level,omitempty" yaml:"log_level,omitempty"`           // "debug", "info", "warn", "error". Default: "info".
	LogFormat     string `json:"log_format,omitempty" yaml:"log_format,omitempty"`         // "text" or "json". Default: "text".
}

// FromEnv builds a Config entirely from environment variables.
// The only failure mode is a malformed mount specification — all other
// malformed values silently fall back to their defaults.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Load reads a JSON or YAML config file, applies environment overrides on
// top, and returns a validated Config. The format is detected by file
// extension: .yml/.yaml for YAML, everything else for JSON.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variables take precedence over file values.
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays SHELLBOX_* environment variables onto the config.
func (c *Config) applyEnv() error {
	c.WorkDir = goutils.Env("SHELLBOX_WORKDIR", c.WorkDir)
	c.OverlayRoot = goutils.Env("SHELLBOX_OVERLAY_ROOT", c.OverlayRoot)
	c.OverlayMountPoint = goutils.Env("SHELLBOX_OVERLAY_MOUNT_POINT", c.OverlayMountPoint)
	c.ReadWriteRoot = goutils.Env("SHELLBOX_RW_ROOT", c.ReadWriteRoot)

	if raw := os.Getenv("SHELLBOX_MOUNTS"); raw != "" {
		mounts, err := ParseMounts(raw)
		if err != nil {
			return err
		}
		c.Mounts = mounts
	}

	c.NetworkEnabled = envBool("SHELLBOX_NETWORK_ENABLED", c.NetworkEnabled)
	c.AllowedURLPrefixes = envList("SHELLBOX_ALLOWED_URL_PREFIXES", c.AllowedURLPrefixes)
	c.AllowedMethods = envList("SHELLBOX_ALLOWED_METHODS", c.AllowedMethods)
	c.MaxRedirects = envInt("SHELLBOX_MAX_REDIRECTS", c.MaxRedirects)
	c.NetworkTimeoutMs = envInt("SHELLBOX_NETWORK_TIMEOUT_MS", c.NetworkTimeoutMs)

	c.MaxOutputLength = envInt("SHELLBOX_MAX_OUTPUT_LENGTH", c.MaxOutputLength)
	c.MaxCallDepth = envInt("SHELLBOX_MAX_CALL_DEPTH", c.MaxCallDepth)
	c.MaxCommandCount = envInt("SHELLBOX_MAX_COMMANDS", c.MaxCommandCount)
	c.MaxLoopIterations = envInt("SHELLBOX_MAX_LOOP_ITERATIONS", c.MaxLoopIterations)
	c.MaxAwkIterations = envInt("SHELLBOX_MAX_AWK_ITERATIONS", c.MaxAwkIterations)
	c.MaxSedIterations = envInt("SHELLBOX_MAX_SED_ITERATIONS", c.MaxSedIterations)
	c.MaxJqIterations = envInt("SHELLBOX_MAX_JQ_ITERATIONS", c.MaxJqIterations)

	c.MaxExecutionSeconds = envInt("SHELLBOX_MAX_EXECUTION_SECONDS", c.MaxExecutionSeconds)
	c.MaxCPUSeconds = envInt("SHELLBOX_MAX_CPU_SECONDS", c.MaxCPUSeconds)
	c.MaxMemoryMB = envInt("SHELLBOX_MAX_MEMORY_MB", c.MaxMemoryMB)

	c.Workspace = goutils.Env("SHELLBOX_WORKSPACE", c.Workspace)
	c.MetricsAddr = goutils.Env("SHELLBOX_METRICS_ADDR", c.MetricsAddr)
	c.SweepSchedule = goutils.Env("SHELLBOX_SWEEP_SCHEDULE", c.SweepSchedule)
	c.LogLevel = goutils.Env("SHELLBOX_LOG_LEVEL", c.LogLevel)
	c.LogFormat = goutils.Env("SHELLBOX_LOG_FORMAT", c.LogFormat)

	return nil
}

// applyDefaults fills every unset field with its documented default.
func (c *Config) applyDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.OverlayMountPoint == "" {
		c.OverlayMountPoint = DefaultOverlayMountPoint
	}
	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = append([]string(nil), DefaultAllowedMethods...)
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.NetworkTimeoutMs <= 0 {
		c.NetworkTimeoutMs = DefaultNetworkTimeoutMs
	}
	if c.MaxOutputLength <= 0 {
		c.MaxOutputLength = DefaultMaxOutputLength
	}
	if c.MaxCallDepth <= 0 {
		c.MaxCallDepth = DefaultMaxCallDepth
	}
	if c.MaxCommandCount <= 0 {
		c.MaxCommandCount = DefaultMaxCommandCount
	}
	if c.MaxLoopIterations <= 0 {
		c.MaxLoopIterations = DefaultMaxLoopIterations
	}
	// Awk/sed/jq iteration caps inherit the loop cap unless set independently.
	if c.MaxAwkIterations <= 0 {
		c.MaxAwkIterations = c.MaxLoopIterations
	}
	if c.MaxSedIterations <= 0 {
		c.MaxSedIterations = c.MaxLoopIterations
	}
	if c.MaxJqIterations <= 0 {
		c.MaxJqIterations = c.MaxLoopIterations
	}
	if c.MaxExecutionSeconds <= 0 {
		c.MaxExecutionSeconds = DefaultMaxExecutionSeconds
	}
	if c.MaxCPUSeconds <= 0 {
		c.MaxCPUSeconds = DefaultMaxCPUSeconds
	}
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = DefaultMaxMemoryMB
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = DefaultSweepSchedule
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// validate rejects configuration shapes that cannot be repaired by defaults.
func (c *Config) validate() error {
	for i, m := range c.Mounts {
		if m.MountPoint == "" || m.Root == "" {
			return fmt.Errorf("mount %d: mount_point and root are required", i)
		}
		if m.Mode != "overlay" && m.Mode != "readwrite" {
			return fmt.Errorf("mount %d: mode must be \"overlay\" or \"readwrite\", got %q", i, m.Mode)
		}
	}
	return nil
}

// ParseMounts parses the JSON multi-mount specification eagerly, so a
// malformed shape fails at the configuration boundary instead of surfacing
// during command execution.
func ParseMounts(raw string) ([]MountSpec, error) {
	var mounts []MountSpec
	if err := json.Unmarshal([]byte(raw), &mounts); err != nil {
		return nil, fmt.Errorf("parsing mount specification: %w", err)
	}
	for i, m := range mounts {
		if m.MountPoint == "" || m.Root == "" {
			return nil, fmt.Errorf("mount %d: mount_point and root are required", i)
		}
		switch m.Mode {
		case "overlay", "readwrite":
		case "":
			mounts[i].Mode = "overlay"
		default:
			return nil, fmt.Errorf("mount %d: mode must be \"overlay\" or \"readwrite\", got %q", i, m.Mode)
		}
	}
	return mounts, nil
}

// envInt reads an integer environment variable, keeping the current value
// when the variable is unset or malformed.
func envInt(key string, current int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return current
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return current
	}
	return n
}

// envBool reads a boolean environment variable ("true", "1", "yes" are
// truthy), keeping the current value when unset or malformed.
func envBool(key string, current bool) bool {
	raw := strings.ToLower(os.Getenv(key))
	switch raw {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return current
	}
}

// envList reads a comma-separated environment variable, trimming whitespace
// and dropping empty entries.
func envList(key string, current []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return current
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return current
	}
	return out
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
