package main

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/okapi"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jkaninda/shellbox/internal/config"
	"github.com/jkaninda/shellbox/internal/engine"
	"github.com/jkaninda/shellbox/internal/observability"
	"github.com/jkaninda/shellbox/internal/session"
	"github.com/jkaninda/shellbox/internal/tools"
	"github.com/jkaninda/shellbox/internal/workspace"
)

// contextMaxAge is how long an orphaned context directory may linger
// before the sweep removes it. Live contexts are touched on creation and
// removed on Close; only crash leftovers ever get this old.
const contextMaxAge = 24 * time.Hour

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sandbox tools over MCP stdio",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to a JSON or YAML config file (optional; env vars take precedence)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// stdout carries the MCP transport — all logging goes to stderr.
	logger := newLogger(cfg)

	ws, err := newWorkspace(cfg)
	if err != nil {
		return err
	}

	metrics := observability.NewMetricsCollector()

	eng := engine.NewProcessEngine(engine.ProcessConfig{
		BaseDir:     ws.ContextsDir(),
		ExecTimeout: time.Duration(cfg.MaxExecutionSeconds) * time.Second,
		CPUSeconds:  cfg.MaxCPUSeconds,
		MemoryMB:    cfg.MaxMemoryMB,
	}, logger)

	manager := session.NewManager(cfg, eng, logger)
	defer manager.Reset()
	ephemeral := session.NewEphemeralFactory(cfg, eng, logger)

	svc := tools.NewService(cfg, manager, ephemeral, metrics, logger)

	srv := server.NewMCPServer("shellbox", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Sandboxed shell execution. Use execute-isolated for one-shot commands, execute-persistent to carry filesystem state across calls, and reset-persistent to start over."),
	)
	svc.Register(srv)

	// Sweep orphaned context directories left behind by crashed processes.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.SweepSchedule, func() {
		removed, sweepErr := ws.SweepContexts(contextMaxAge)
		if sweepErr != nil {
			logger.Warn("context sweep failed", slog.String("error", sweepErr.Error()))
			return
		}
		if removed > 0 {
			logger.Info("context sweep", slog.Int("removed", removed))
		}
	}); err != nil {
		logger.Warn("invalid sweep schedule, sweeping disabled",
			slog.String("schedule", cfg.SweepSchedule),
			slog.String("error", err.Error()),
		)
	} else {
		sweeper.Start()
		defer sweeper.Stop()
	}

	if cfg.MetricsAddr != "" {
		go startMetricsServer(cfg.MetricsAddr, metrics.Registry, logger)
	}

	logger.Info("shellbox serving",
		slog.String("version", version),
		slog.String("workspace", ws.Root),
	)
	return server.ServeStdio(srv)
}

// loadConfig builds configuration from the optional file plus environment.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("SHELLBOX_CONFIG", serveConfigPath)
	if path != "" {
		return config.Load(path)
	}
	return config.FromEnv()
}

// newWorkspace resolves the runtime directory root.
func newWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace != "" {
		return workspace.New(cfg.Workspace)
	}
	return workspace.Default()
}

// newLogger builds the slog logger per config, writing to stderr.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// startMetricsServer exposes /healthz and /metrics on a side listener.
func startMetricsServer(addr string, registry *prometheus.Registry, logger *slog.Logger) {
	o := okapi.New()
	o.Get("/healthz", func(c *okapi.Context) error {
		return c.OK(okapi.M{"status": "ok"})
	})
	o.HandleStd("GET", "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP)

	srv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("metrics listener starting", slog.String("addr", addr))
	if err := o.StartServer(srv); err != nil {
		logger.Error("metrics listener stopped", slog.String("error", err.Error()))
	}
}
