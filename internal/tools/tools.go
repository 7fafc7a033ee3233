// Package tools exposes the sandbox over the MCP tool surface. Every tool
// call is mediated here: context acquisition (ephemeral or persistent),
// execution through the engine, and result normalization.
//
// Error handling follows a strict taxonomy. Configuration errors (bad
// filesystem roots) and engine faults are converted into textual error
// results at this boundary — the protocol layer never observes a crash.
// A non-zero exit code from the command itself is not an error: the
// normalized payload is still returned, flagged as a failed call, so the
// client can inspect stdout, stderr, and the exit code directly.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/shellbox/internal/config"
	"github.com/jkaninda/shellbox/internal/engine"
	"github.com/jkaninda/shellbox/internal/fsbind"
	"github.com/jkaninda/shellbox/internal/observability"
	"github.com/jkaninda/shellbox/internal/output"
	"github.com/jkaninda/shellbox/internal/policy"
	"github.com/jkaninda/shellbox/internal/session"
)

// Service wires the sandbox components behind the tool surface.
type Service struct {
	cfg       *config.Config
	manager   *session.Manager
	ephemeral *session.EphemeralFactory
	metrics   *observability.MetricsCollector
	logger    *slog.Logger
}

// NewService creates the tool service. metrics may be nil (disabled).
func NewService(
	cfg *config.Config,
	manager *session.Manager,
	ephemeral *session.EphemeralFactory,
	metrics *observability.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		manager:   manager,
		ephemeral: ephemeral,
		metrics:   metrics,
		logger:    logger,
	}
}

// Register adds every tool to the MCP server.
func (s *Service) Register(srv *server.MCPServer) {
	srv.AddTool(mcp.NewTool("execute-isolated",
		mcp.WithDescription("Execute a shell command in a fresh, fully isolated sandbox that is discarded when the call completes. Optionally seed files into the sandbox before the command runs."),
		mcp.WithString("command", mcp.Required(), mcp.Description("The shell command to execute")),
		mcp.WithString("cwd", mcp.Description("Working directory inside the sandbox")),
		mcp.WithObject("env", mcp.Description("Extra environment variables (string values)")),
		mcp.WithObject("files", mcp.Description("Files to create before execution: path to content (string values)")),
	), s.handleExecuteIsolated)

	srv.AddTool(mcp.NewTool("execute-persistent",
		mcp.WithDescription("Execute a shell command in the persistent sandbox session. Filesystem state survives across calls until reset-persistent; environment variables and working-directory changes do not."),
		mcp.WithString("command", mcp.Required(), mcp.Description("The shell command to execute")),
		mcp.WithString("cwd", mcp.Description("Working directory inside the sandbox for this call only")),
		mcp.WithObject("env", mcp.Description("Extra environment variables for this call only (string values)")),
	), s.handleExecutePersistent)

	srv.AddTool(mcp.NewTool("reset-persistent",
		mcp.WithDescription("Discard the persistent sandbox session and all of its filesystem state. The next persistent call starts from a clean sandbox."),
	), s.handleResetPersistent)

	srv.AddTool(mcp.NewTool("write-file",
		mcp.WithDescription("Write a file into the persistent sandbox, creating parent directories as needed."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Sandbox-absolute file path")),
		mcp.WithString("content", mcp.Required(), mcp.Description("File content")),
	), s.handleWriteFile)

	srv.AddTool(mcp.NewTool("read-file",
		mcp.WithDescription("Read a file from the persistent sandbox."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Sandbox-absolute file path")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleReadFile)

	srv.AddTool(mcp.NewTool("list-files",
		mcp.WithDescription("List files in the persistent sandbox. Directories carry a trailing slash."),
		mcp.WithString("path", mcp.Description("Sandbox-absolute directory path. Default: /")),
		mcp.WithBoolean("recursive", mcp.Description("Recurse into subdirectories")),
		mcp.WithBoolean("showHidden", mcp.Description("Include dotfiles")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListFiles)

	srv.AddTool(mcp.NewTool("describe-environment",
		mcp.WithDescription("Describe the sandbox environment: filesystem binding, working directory, network policy, and execution limits."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleDescribeEnvironment)
}

// --- Execution tools ---

func (s *Service) handleExecuteIsolated(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	command, err := req.RequireString("command")
	if err != nil {
		return s.fail("execute-isolated", start, err.Error()), nil
	}
	env, err := stringMapArg(req, "env")
	if err != nil {
		return s.fail("execute-isolated", start, err.Error()), nil
	}
	files, err := stringMapArg(req, "files")
	if err != nil {
		return s.fail("execute-isolated", start, err.Error()), nil
	}

	sbx, err := s.ephemeral.Create(ctx, files)
	if err != nil {
		return s.fail("execute-isolated", start, "creating execution context: "+err.Error()), nil
	}
	defer func() {
		if closeErr := sbx.Close(); closeErr != nil {
			s.logger.Warn("closing ephemeral context", slog.String("error", closeErr.Error()))
		}
	}()
	s.countContext(engine.Ephemeral)

	return s.execute(ctx, "execute-isolated", start, sbx, command, engine.ExecOptions{
		WorkDir: req.GetString("cwd", ""),
		Env:     env,
	}), nil
}

func (s *Service) handleExecutePersistent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	command, err := req.RequireString("command")
	if err != nil {
		return s.fail("execute-persistent", start, err.Error()), nil
	}
	env, err := stringMapArg(req, "env")
	if err != nil {
		return s.fail("execute-persistent", start, err.Error()), nil
	}

	sbx, err := s.persistent(ctx)
	if err != nil {
		return s.fail("execute-persistent", start, "creating execution context: "+err.Error()), nil
	}

	return s.execute(ctx, "execute-persistent", start, sbx, command, engine.ExecOptions{
		WorkDir: req.GetString("cwd", ""),
		Env:     env,
	}), nil
}

func (s *Service) handleResetPersistent(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	s.manager.Reset()
	if s.metrics != nil {
		s.metrics.PersistentActive.Set(0)
	}
	s.observe("reset-persistent", start, "ok")
	return mcp.NewToolResultText("persistent session reset"), nil
}

// execute runs the command on the given context and shapes the result.
// Command failure stays in-band: the payload is returned with the error
// flag set so the caller sees stdout, stderr, and the exit code.
func (s *Service) execute(ctx context.Context, tool string, start time.Time, sbx engine.Context, command string, opts engine.ExecOptions) *mcp.CallToolResult {
	raw, err := sbx.Execute(ctx, command, opts)
	if err != nil {
		s.countExecution(sbx.Lifecycle(), "fault", 0)
		return s.fail(tool, start, "execution failed: "+err.Error())
	}

	res := output.Normalize(raw, s.cfg.MaxOutputLength)
	s.countTruncations(raw, res)

	status := "ok"
	if res.ExitCode != 0 {
		status = "command_failed"
	}
	s.countExecution(sbx.Lifecycle(), status, raw.Duration)
	s.observe(tool, start, status)

	payload, err := json.Marshal(res)
	if err != nil {
		return s.fail(tool, start, "encoding result: "+err.Error())
	}
	result := mcp.NewToolResultText(string(payload))
	result.IsError = res.ExitCode != 0
	return result
}

// --- File tools (persistent sandbox) ---

func (s *Service) handleWriteFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	path, err := req.RequireString("path")
	if err != nil {
		return s.fail("write-file", start, err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return s.fail("write-file", start, err.Error()), nil
	}

	sbx, err := s.persistent(ctx)
	if err != nil {
		return s.fail("write-file", start, "creating execution context: "+err.Error()), nil
	}
	if err := sbx.WriteFile(path, content); err != nil {
		return s.fail("write-file", start, err.Error()), nil
	}

	s.observe("write-file", start, "ok")
	return mcp.NewToolResultText(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

func (s *Service) handleReadFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	path, err := req.RequireString("path")
	if err != nil {
		return s.fail("read-file", start, err.Error()), nil
	}

	sbx, err := s.persistent(ctx)
	if err != nil {
		return s.fail("read-file", start, "creating execution context: "+err.Error()), nil
	}
	content, err := sbx.ReadFile(path)
	if err != nil {
		return s.fail("read-file", start, err.Error()), nil
	}

	s.observe("read-file", start, "ok")
	return mcp.NewToolResultText(content), nil
}

func (s *Service) handleListFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	path := req.GetString("path", "/")

	sbx, err := s.persistent(ctx)
	if err != nil {
		return s.fail("list-files", start, "creating execution context: "+err.Error()), nil
	}
	entries, err := sbx.ListFiles(path, req.GetBool("recursive", false), req.GetBool("showHidden", false))
	if err != nil {
		return s.fail("list-files", start, err.Error()), nil
	}

	s.observe("list-files", start, "ok")
	if len(entries) == 0 {
		return mcp.NewToolResultText("(empty)"), nil
	}
	return mcp.NewToolResultText(strings.Join(entries, "\n")), nil
}

// --- Environment description ---

// environmentDescription is the JSON payload of describe-environment.
type environmentDescription struct {
	Filesystem      string                 `json:"filesystem"`
	WorkDir         string                 `json:"workdir"`
	Network         networkDescription     `json:"network"`
	Limits          policy.ExecutionLimits `json:"limits"`
	MaxOutputLength int                    `json:"max_output_length"`
}

type networkDescription struct {
	Mode         string   `json:"mode"`
	URLPrefixes  []string `json:"url_prefixes,omitempty"`
	Methods      []string `json:"methods,omitempty"`
	MaxRedirects int      `json:"max_redirects,omitempty"`
	TimeoutMs    int64    `json:"timeout_ms,omitempty"`
	Commands     []string `json:"commands"`
}

func (s *Service) handleDescribeEnvironment(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()

	binding := fsbind.Select(s.cfg)
	pol := policy.Build(s.cfg)

	desc := environmentDescription{
		Filesystem:      binding.Kind.String(),
		WorkDir:         fsbind.DefaultWorkDir(binding, s.cfg),
		Limits:          pol.Limits,
		MaxOutputLength: s.cfg.MaxOutputLength,
		Network: networkDescription{
			Mode:     pol.Network.Mode.String(),
			Commands: networkCommands(pol.Network),
		},
	}
	if pol.Network.Mode != policy.NetworkDisabled {
		desc.Network.URLPrefixes = pol.Network.URLPrefixes
		desc.Network.Methods = pol.Network.Methods
		desc.Network.MaxRedirects = pol.Network.MaxRedirects
		desc.Network.TimeoutMs = pol.Network.Timeout.Milliseconds()
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		return s.fail("describe-environment", start, "encoding description: "+err.Error()), nil
	}
	s.observe("describe-environment", start, "ok")
	return mcp.NewToolResultText(string(payload)), nil
}

// networkCommands returns the network-capable commands advertised to the
// client. With the network disabled, none are advertised.
func networkCommands(p policy.NetworkPolicy) []string {
	if p.Mode == policy.NetworkDisabled {
		return []string{}
	}
	return []string{"curl", "wget"}
}

// --- Helpers ---

// persistent returns the persistent context, lazily creating it.
func (s *Service) persistent(ctx context.Context) (engine.Context, error) {
	existed := s.manager.Active()
	sbx, err := s.manager.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	if !existed {
		s.countContext(engine.Persistent)
		if s.metrics != nil {
			s.metrics.PersistentActive.Set(1)
		}
	}
	return sbx, nil
}

// fail records the failed call and converts the message into a textual
// error result, keeping the protocol layer fault-free.
func (s *Service) fail(tool string, start time.Time, msg string) *mcp.CallToolResult {
	s.logger.Warn("tool call failed",
		slog.String("tool", tool),
		slog.String("error", msg),
	)
	s.observe(tool, start, "error")
	return mcp.NewToolResultError(msg)
}

func (s *Service) observe(tool string, start time.Time, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	s.metrics.ToolCallDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
}

func (s *Service) countContext(lifecycle engine.Lifecycle) {
	if s.metrics == nil {
		return
	}
	s.metrics.ContextsCreatedTotal.WithLabelValues(lifecycle.String()).Inc()
}

func (s *Service) countExecution(lifecycle engine.Lifecycle, status string, d time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.ExecutionsTotal.WithLabelValues(lifecycle.String(), status).Inc()
	if status != "fault" {
		s.metrics.ExecutionDuration.WithLabelValues(lifecycle.String()).Observe(d.Seconds())
	}
}

func (s *Service) countTruncations(raw *engine.RawResult, res *output.Result) {
	if s.metrics == nil {
		return
	}
	if len(res.Stdout) != len(raw.Stdout) {
		s.metrics.TruncationsTotal.WithLabelValues("stdout").Inc()
	}
	if len(res.Stderr) != len(raw.Stderr) {
		s.metrics.TruncationsTotal.WithLabelValues("stderr").Inc()
	}
}

// stringMapArg extracts an optional object argument whose values must all
// be strings. Loosely-typed shapes are rejected here, at the boundary,
// rather than deferred into execution.
func stringMapArg(req mcp.CallToolRequest, key string) (map[string]string, error) {
	args := req.GetArguments()
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parameter %s must be an object, got %T", key, raw)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("parameter %s: value of %q must be a string, got %T", key, k, v)
		}
		out[k] = str
	}
	return out, nil
}
