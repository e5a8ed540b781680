package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moonbitlang/submission-orchestrator/internal/admission"
	"github.com/moonbitlang/submission-orchestrator/internal/config"
	"github.com/moonbitlang/submission-orchestrator/internal/httpapi"
	"github.com/moonbitlang/submission-orchestrator/internal/materialiser"
	"github.com/moonbitlang/submission-orchestrator/internal/pipeline"
	"github.com/moonbitlang/submission-orchestrator/pkg/logging"
	"github.com/moonbitlang/submission-orchestrator/pkg/metrics"
)

var (
	serveConfigPath string
	serveDebug      bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the submission orchestrator HTTP service",
		Long: `Starts the long-lived HTTP service that accepts coding-agent submissions,
materialises each project's working copy under the workspace root, and drives it through the
build-then-test pipeline.

Configuration is layered: compiled-in defaults, an optional YAML file given with --config-path,
then environment-variable overrides (GRACE_PERIOD, BUILD_TIMEOUT, MOON_TEST_TIMEOUT,
CDCL_TEST_TIMEOUT, PER_TEST_TIMEOUT, SSE_KEEPALIVE_INTERVAL, ORCHESTRATOR_ADDR,
ORCHESTRATOR_WORKSPACE). When running under systemd socket activation, the provided listener is
used in place of binding ORCHESTRATOR_ADDR directly.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Path to a YAML configuration file")
	cmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug-level logging")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg.Debug = cfg.Debug || serveDebug

	reg := admission.NewRegistry()
	m := metrics.New()
	mat := materialiser.New()
	driver := pipeline.NewDriver(reg, mat, cfg.WorkspaceRoot, cfg.Timeouts, m)
	server := httpapi.New(reg, driver, m, cfg.Addr)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if serveConfigPath != "" {
		if err := config.Watch(ctx, serveConfigPath, func(newCfg config.Config) {
			driver.Timeouts = newCfg.Timeouts
		}); err != nil {
			logging.Warn("serve", "configuration watch not started: %v", err)
		}
	}

	logging.Info("serve", "starting on %s (workspace=%s)", cfg.Addr, cfg.WorkspaceRoot)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("serve", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}
