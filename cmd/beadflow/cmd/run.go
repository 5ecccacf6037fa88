package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/beadflow/internal/api"
	"github.com/hugo-lorenzo-mato/beadflow/internal/beads"
	"github.com/hugo-lorenzo-mato/beadflow/internal/config"
	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/beadflow/internal/dispatch"
	"github.com/hugo-lorenzo-mato/beadflow/internal/events"
	"github.com/hugo-lorenzo-mato/beadflow/internal/git"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
	"github.com/hugo-lorenzo-mato/beadflow/internal/metrics"
	"github.com/hugo-lorenzo-mato/beadflow/internal/notify"
	"github.com/hugo-lorenzo-mato/beadflow/internal/runner"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the dispatcher",
	Long: `Start the dispatcher loop: recover stale worktrees, then continuously
admit ready work items from the configured projects and drive them
through their agent pipelines.

The dispatcher runs until interrupted. The first SIGINT or SIGTERM
stops admissions and waits for in-flight agent steps to finish; a
second signal aborts running agents and releases their slots.`,
	RunE: runDispatcher,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDispatcher(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	monitor := diagnostics.NewResourceMonitor(diagnostics.MonitorConfig{
		FDThresholdPercent: 80,
		GoroutineThreshold: 5000,
	}, logger)
	dumps := diagnostics.NewCrashDumpWriter(crashDumpDir, 10, true, false, logger, monitor)
	safeExec := diagnostics.NewSafeExecutor(monitor, dumps, true, 10)

	deps, cleanup, err := buildDeps(cfg, safeExec, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	d, err := dispatch.New(*deps)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	monitor.SetSlotCounter(d.ActiveSlots)
	monitor.Start(ctx)
	defer monitor.Stop()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	logger.Info("dispatcher started",
		slog.Int("projects", len(cfg.Projects)),
		slog.Int("max_total", cfg.Dispatcher.MaxTotal),
		slog.Int("max_per_project", cfg.Dispatcher.MaxPerProject))

	var httpSrv *http.Server
	if cfg.API.Enabled {
		srv := api.NewServer(d, deps.Metrics, deps.Bus, logger,
			api.WithCORSOrigins(cfg.API.CORSOrigins))
		httpSrv = &http.Server{
			Addr:              cfg.API.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("api listening", slog.String("addr", cfg.API.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server failed", slog.String("error", err.Error()))
			}
		}()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info("shutting down, waiting for in-flight steps",
		slog.String("signal", sig.String()))

	done := make(chan error, 1)
	go func() { done <- d.Stop(false) }()

	select {
	case err = <-done:
	case sig = <-sigCh:
		logger.Warn("forcing shutdown, aborting running agents",
			slog.String("signal", sig.String()))
		err = d.Stop(true)
		<-done
	}

	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}

	logger.Info("dispatcher stopped")
	return err
}

// buildDeps assembles the dispatcher's collaborators from configuration.
// The returned cleanup closes resources that outlive construction.
func buildDeps(cfg *config.Config, safeExec *diagnostics.SafeExecutor, logger *logging.Logger) (*dispatch.Deps, func(), error) {
	projects := make([]core.Project, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projects = append(projects, core.Project{
			Name:       p.Name,
			RepoPath:   p.Repo,
			BaseBranch: p.BaseBranch,
			AgentsPath: p.AgentsPath,
			BeadsMode:  p.BeadsMode,
		})
	}

	// All projects share one agent chain definition; the first project's
	// pipeline file is authoritative.
	pipeline, err := config.LoadPipeline(cfg.Projects[0].Pipeline)
	if err != nil {
		return nil, nil, err
	}
	if err := pipeline.ResolvePrompts(cfg.Projects[0].AgentsPath); err != nil {
		return nil, nil, err
	}
	for _, p := range cfg.Projects[1:] {
		if p.Pipeline != cfg.Projects[0].Pipeline {
			logger.Warn("project pipeline differs from first project, using first",
				slog.String("project", p.Name),
				slog.String("pipeline", p.Pipeline))
		}
	}

	agentRunner, err := runner.New(cfg.Runner, safeExec, logger)
	if err != nil {
		return nil, nil, err
	}

	store := beads.NewStore(projects, logger)

	metricsStore, err := metrics.NewSQLiteStore(cfg.Metrics.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening metrics store: %w", err)
	}
	cleanup := func() {
		if err := metricsStore.Close(); err != nil {
			logger.Warn("closing metrics store", slog.String("error", err.Error()))
		}
	}

	var notifiers []core.Notifier
	if cfg.Notify.Console {
		notifiers = append(notifiers, notify.NewConsole(logger))
	}
	notifier := notify.NewMulti(logger, notifiers...)

	worktrees := make(map[string]dispatch.WorktreeManager, len(projects))
	for _, p := range projects {
		client, err := git.NewClient(p.RepoPath)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("project %s: %w", p.Name, err)
		}
		worktrees[p.Name] = git.NewWorktrees(client, filepath.Join(cfg.Dispatcher.WorktreesDir, p.Name), p.BaseBranch)
	}

	return &dispatch.Deps{
		Config:    *cfg,
		Pipeline:  pipeline,
		Store:     store,
		Runner:    agentRunner,
		Metrics:   metricsStore,
		Notifier:  notifier,
		Bus:       events.New(0),
		Worktrees: worktrees,
		Projects:  projects,
		Logger:    logger,
	}, cleanup, nil
}
