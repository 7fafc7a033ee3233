package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/shellbox/internal/fsbind"
	"github.com/jkaninda/shellbox/internal/policy"
)

const (
	// maxCaptureBytes caps stdout/stderr at the engine level to prevent OOM
	// from chatty commands. The normalizer applies the configured, smaller
	// per-stream cap on top of this.
	maxCaptureBytes = 8 << 20 // 8 MB

	defaultExecTimeout = 120 * time.Second
	defaultCPUSeconds  = 60
	defaultMemoryMB    = 512

	// envOutVar names the variable carrying the path of the exported-env
	// dump file inside the child process.
	envOutVar = "SHELLBOX_ENV_OUT"
)

// ProcessConfig configures the process-backed engine.
type ProcessConfig struct {
	// BaseDir is where per-context directories are created.
	BaseDir string

	// ExecTimeout is the wall-clock limit per command. Zero = 120s.
	ExecTimeout time.Duration

	// CPUSeconds and MemoryMB are enforced via ulimit in the child shell.
	// Zero values use the defaults (60s, 512MB).
	CPUSeconds int
	MemoryMB   int
}

// ProcessEngine executes commands as isolated OS processes.
//
// Each context owns a private directory under BaseDir holding its sandbox
// filesystem root and scratch space. Commands run through /bin/sh with:
//   - no environment inheritance from the host — only a minimal safe set
//   - ulimit-enforced CPU and memory caps
//   - their own process group, killed wholesale on timeout or cancel
//   - capped stdout/stderr capture
//   - the execution policy projected into the child environment
type ProcessEngine struct {
	baseDir     string
	execTimeout time.Duration
	cpuSeconds  int
	memoryMB    int
	logger      *slog.Logger
}

// NewProcessEngine creates a process-backed engine rooted at cfg.BaseDir.
func NewProcessEngine(cfg ProcessConfig, logger *slog.Logger) *ProcessEngine {
	timeout := cfg.ExecTimeout
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	cpu := cfg.CPUSeconds
	if cpu == 0 {
		cpu = defaultCPUSeconds
	}
	mem := cfg.MemoryMB
	if mem == 0 {
		mem = defaultMemoryMB
	}
	return &ProcessEngine{
		baseDir:     cfg.BaseDir,
		execTimeout: timeout,
		cpuSeconds:  cpu,
		memoryMB:    mem,
		logger:      logger,
	}
}

// CreateContext materializes a new sandbox context for the given spec.
// An inaccessible binding root fails here, at construction time, never
// during a later command execution.
func (e *ProcessEngine) CreateContext(_ context.Context, spec ContextSpec) (Context, error) {
	if err := checkBindingRoots(spec.Binding); err != nil {
		return nil, err
	}

	id := "ctx-" + uuid.NewString()
	dir := filepath.Join(e.baseDir, id)
	for _, sub := range []string{"home", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0750); err != nil {
			return nil, fmt.Errorf("creating context dir: %w", err)
		}
	}

	c := &processContext{
		id:        id,
		dir:       dir,
		lifecycle: spec.Lifecycle,
		policy:    spec.Policy,
		binding:   spec.Binding,
		engine:    e,
	}

	if err := c.materialize(spec); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	e.logger.Info("context created",
		slog.String("context", id),
		slog.String("lifecycle", spec.Lifecycle.String()),
		slog.String("binding", spec.Binding.Kind.String()),
		slog.String("workdir", c.workDir),
	)
	return c, nil
}

// checkBindingRoots verifies every host root the binding references.
func checkBindingRoots(b fsbind.Binding) error {
	check := func(root string) error {
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("filesystem root %s: %w", root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("filesystem root %s: not a directory", root)
		}
		return nil
	}
	switch b.Kind {
	case fsbind.Overlay, fsbind.ReadWrite:
		return check(b.Root)
	case fsbind.Mounted:
		for _, entry := range b.Entries {
			if err := check(entry.Root); err != nil {
				return err
			}
		}
	}
	return nil
}

// processContext is one live sandbox instance.
type processContext struct {
	id        string
	dir       string // Engine-owned scratch directory (removed on Close).
	fsRoot    string // Host path backing the sandbox "/".
	workDir   string // Sandbox-absolute initial working directory.
	lifecycle Lifecycle
	policy    policy.ExecutionPolicy
	binding   fsbind.Binding
	engine    *ProcessEngine
	closed    bool
}

// materialize builds the sandbox filesystem and seeds the caller's files.
func (c *processContext) materialize(spec ContextSpec) error {
	switch spec.Binding.Kind {
	case fsbind.ReadWrite:
		// Direct binding: the sandbox root is the host directory itself.
		c.fsRoot = spec.Binding.Root

	case fsbind.Overlay:
		c.fsRoot = filepath.Join(c.dir, "fs")
		dest, err := resolveUnder(c.fsRoot, spec.Binding.MountPoint)
		if err != nil {
			return err
		}
		if err := copyTree(spec.Binding.Root, dest); err != nil {
			return fmt.Errorf("copying overlay root %s: %w", spec.Binding.Root, err)
		}

	case fsbind.Mounted:
		c.fsRoot = filepath.Join(c.dir, "fs")
		for _, entry := range spec.Binding.Entries {
			dest, err := resolveUnder(c.fsRoot, entry.MountPoint)
			if err != nil {
				return err
			}
			switch entry.Mode {
			case fsbind.ReadWrite:
				if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
					return fmt.Errorf("preparing mount point %s: %w", entry.MountPoint, err)
				}
				if err := os.Symlink(entry.Root, dest); err != nil {
					return fmt.Errorf("binding mount %s: %w", entry.MountPoint, err)
				}
			default:
				if err := copyTree(entry.Root, dest); err != nil {
					return fmt.Errorf("copying mount %s: %w", entry.MountPoint, err)
				}
			}
		}

	default: // InMemory
		c.fsRoot = filepath.Join(c.dir, "fs")
		if err := os.MkdirAll(c.fsRoot, 0750); err != nil {
			return fmt.Errorf("creating sandbox root: %w", err)
		}
	}

	c.workDir = spec.WorkDir
	if c.workDir == "" {
		c.workDir = "/"
	}
	hostWD, err := c.resolve(c.workDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(hostWD, 0750); err != nil {
		return fmt.Errorf("creating working directory %s: %w", c.workDir, err)
	}

	// Seed files land before the first command runs, so one invocation can
	// provision inputs and consume them atomically.
	paths := make([]string, 0, len(spec.SeedFiles))
	for p := range spec.SeedFiles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := c.WriteFile(p, spec.SeedFiles[p]); err != nil {
			return fmt.Errorf("seeding %s: %w", p, err)
		}
	}
	return nil
}

func (c *processContext) ID() string           { return c.id }
func (c *processContext) Lifecycle() Lifecycle { return c.lifecycle }
func (c *processContext) WorkDir() string      { return c.workDir }

// Execute runs a shell command inside the context.
func (c *processContext) Execute(ctx context.Context, command string, opts ExecOptions) (*RawResult, error) {
	if c.closed {
		return nil, fmt.Errorf("context %s is closed", c.id)
	}
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("empty command")
	}

	e := c.engine
	ctx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()

	// Working directory: per-call override or the context default.
	// Overrides never persist on the context.
	wd := c.workDir
	if opts.WorkDir != "" {
		wd = opts.WorkDir
	}
	hostWD, err := c.resolve(wd)
	if err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(hostWD); statErr != nil || !info.IsDir() {
		return nil, fmt.Errorf("working directory %s: not accessible", wd)
	}

	// Exported variables are captured through an EXIT trap so an explicit
	// `exit` inside the command still yields the env snapshot.
	envOut := filepath.Join(c.dir, "tmp", "env-"+uuid.NewString())
	script := fmt.Sprintf("trap 'export -p > \"$%s\" 2>/dev/null' EXIT\n%s", envOutVar, command)

	// The command is wrapped: the outer sh applies ulimit resource caps and
	// execs the inner sh via positional parameters, so the user's command is
	// never interpolated into the outer shell string.
	memKB := e.memoryMB * 1024
	ulimitScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, e.cpuSeconds,
	)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", ulimitScript, "_", "/bin/sh", "-c", script)
	cmd.Dir = hostWD

	// Process group isolation: the child and everything it spawns die
	// together on timeout or cancel.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	cmd.Env = c.buildEnv(envOut, opts.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxCaptureBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxCaptureBytes}

	e.logger.Info("executing command",
		slog.String("context", c.id),
		slog.String("workdir", wd),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			e.logger.Warn("execution timed out",
				slog.String("context", c.id),
				slog.Duration("timeout", e.execTimeout),
			)
			_ = os.Remove(envOut)
			return nil, fmt.Errorf("execution timed out after %s", e.execTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			_ = os.Remove(envOut)
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	env := parseExportedEnv(envOut)
	_ = os.Remove(envOut)

	e.logger.Info("execution completed",
		slog.String("context", c.id),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &RawResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Env:      env,
		Duration: duration,
	}, nil
}

// buildEnv constructs the child environment: a minimal safe base, the
// policy projection, and the caller's per-call additions. The host
// process's environment is never inherited.
func (c *processContext) buildEnv(envOut string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + filepath.Join(c.dir, "home"),
		"TMPDIR=" + filepath.Join(c.dir, "tmp"),
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		envOutVar + "=" + envOut,
	}
	env = append(env, networkEnv(c.policy.Network)...)
	env = append(env, limitsEnv(c.policy.Limits)...)

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// networkEnv projects the network policy into child environment variables.
// A disabled policy additionally points the conventional proxy variables at
// a blackhole so proxy-aware tools fail fast.
func networkEnv(p policy.NetworkPolicy) []string {
	switch p.Mode {
	case policy.NetworkDisabled:
		const blackhole = "http://127.0.0.1:9"
		return []string{
			"SHELLBOX_NETWORK=disabled",
			"http_proxy=" + blackhole,
			"https_proxy=" + blackhole,
			"HTTP_PROXY=" + blackhole,
			"HTTPS_PROXY=" + blackhole,
			"no_proxy=",
		}
	case policy.NetworkAllowListed:
		return []string{
			"SHELLBOX_NETWORK=allowlist",
			"SHELLBOX_NET_ALLOWED_PREFIXES=" + strings.Join(p.URLPrefixes, ","),
			"SHELLBOX_NET_ALLOWED_METHODS=" + strings.Join(p.Methods, ","),
			"SHELLBOX_NET_MAX_REDIRECTS=" + strconv.Itoa(p.MaxRedirects),
			"SHELLBOX_NET_TIMEOUT_MS=" + strconv.FormatInt(p.Timeout.Milliseconds(), 10),
		}
	default:
		return []string{
			"SHELLBOX_NETWORK=full",
			"SHELLBOX_NET_MAX_REDIRECTS=" + strconv.Itoa(p.MaxRedirects),
			"SHELLBOX_NET_TIMEOUT_MS=" + strconv.FormatInt(p.Timeout.Milliseconds(), 10),
		}
	}
}

// limitsEnv projects the interpreter limits into child environment variables.
func limitsEnv(l policy.ExecutionLimits) []string {
	return []string{
		"SHELLBOX_MAX_CALL_DEPTH=" + strconv.Itoa(l.MaxCallDepth),
		"SHELLBOX_MAX_COMMANDS=" + strconv.Itoa(l.MaxCommandCount),
		"SHELLBOX_MAX_LOOP_ITERATIONS=" + strconv.Itoa(l.MaxLoopIterations),
		"SHELLBOX_MAX_AWK_ITERATIONS=" + strconv.Itoa(l.MaxAwkIterations),
		"SHELLBOX_MAX_SED_ITERATIONS=" + strconv.Itoa(l.MaxSedIterations),
		"SHELLBOX_MAX_JQ_ITERATIONS=" + strconv.Itoa(l.MaxJqIterations),
	}
}

// baseEnvKeys are variables the engine itself sets; they are stripped from
// the reported exported-env snapshot along with all SHELLBOX_* variables.
var baseEnvKeys = map[string]bool{
	"PATH": true, "HOME": true, "TMPDIR": true, "LANG": true, "TERM": true,
	"PWD": true, "OLDPWD": true, "SHLVL": true, "IFS": true, "OPTIND": true,
	"PS1": true, "PS2": true, "PS4": true, "_": true,
}

// parseExportedEnv reads an `export -p` dump. Both POSIX sh styles are
// handled: export KEY='value' and export KEY="value", plus bash's
// declare -x form. A missing dump (command never reached the trap) yields
// an empty map.
func parseExportedEnv(path string) map[string]string {
	env := make(map[string]string)
	data, err := os.ReadFile(path)
	if err != nil {
		return env
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "export "):
			line = strings.TrimPrefix(line, "export ")
		case strings.HasPrefix(line, "declare -x "):
			line = strings.TrimPrefix(line, "declare -x ")
		default:
			continue
		}
		key, rawVal, found := strings.Cut(line, "=")
		if !found || key == "" {
			continue
		}
		if baseEnvKeys[key] || strings.HasPrefix(key, "SHELLBOX_") {
			continue
		}
		env[key] = unquoteShell(rawVal)
	}
	return env
}

// unquoteShell strips one level of shell quoting from an export value.
func unquoteShell(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		inner := s[1 : len(s)-1]
		return strings.ReplaceAll(inner, `'\''`, "'")
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		inner := s[1 : len(s)-1]
		inner = strings.ReplaceAll(inner, `\"`, `"`)
		inner = strings.ReplaceAll(inner, `\\`, `\`)
		return inner
	}
	return s
}

// --- File operations ---

// WriteFile materializes content at a sandbox-absolute path.
func (c *processContext) WriteFile(path, content string) error {
	host, err := c.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0750); err != nil {
		return fmt.Errorf("creating parent of %s: %w", path, err)
	}
	if err := os.WriteFile(host, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ReadFile returns the content at a sandbox-absolute path.
func (c *processContext) ReadFile(path string) (string, error) {
	host, err := c.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// ListFiles lists entries under a sandbox-absolute path.
func (c *processContext) ListFiles(path string, recursive, showHidden bool) ([]string, error) {
	if path == "" {
		path = "/"
	}
	host, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	var out []string
	if !recursive {
		entries, err := os.ReadDir(host)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", path, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if !showHidden && strings.HasPrefix(name, ".") {
				continue
			}
			if entry.IsDir() {
				name += "/"
			}
			out = append(out, name)
		}
		return out, nil
	}

	err = filepath.WalkDir(host, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == host {
			return nil
		}
		name := d.Name()
		if !showHidden && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(host, p)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			rel += "/"
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	return out, nil
}

// Close releases the context's scratch directory. For a direct read-write
// binding the host root is caller-owned and is never removed.
func (c *processContext) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.engine.logger.Info("context closed",
		slog.String("context", c.id),
		slog.String("lifecycle", c.lifecycle.String()),
	)
	return os.RemoveAll(c.dir)
}

// resolve maps a sandbox-absolute path onto the host filesystem,
// lexically confined to the sandbox root.
func (c *processContext) resolve(path string) (string, error) {
	return resolveUnder(c.fsRoot, path)
}

// resolveUnder joins a sandbox path under root, rejecting any path that
// would escape it. The check is lexical: "/../x" cleans to "/x" and stays
// inside, while a crafted relative traversal is caught by the prefix test.
func resolveUnder(root, path string) (string, error) {
	joined := filepath.Join(root, filepath.Clean("/"+path))
	if joined != root && !strings.HasPrefix(joined, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %s escapes the sandbox", path)
	}
	return joined, nil
}

// copyTree copies src into dest, preserving file modes. Symlinks in the
// source are recreated as symlinks.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			in, err := os.Open(p)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		}
	})
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	chunk := p
	if len(chunk) > lw.remaining {
		chunk = chunk[:lw.remaining]
	}
	n, err := lw.w.Write(chunk)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
