package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/config"
	"github.com/haasonsaas/swarmcore/internal/facade"
	"github.com/haasonsaas/swarmcore/internal/fanout"
	"github.com/haasonsaas/swarmcore/internal/modelclient"
	"github.com/haasonsaas/swarmcore/internal/obs"
	"github.com/haasonsaas/swarmcore/internal/runner"
	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/internal/supervisor"
	"github.com/haasonsaas/swarmcore/internal/tooling"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the swarmcore runtime",
		Long: `Start the swarmcore runtime: connect to the store, bootstrap every
auto-run agent's runner, rehydrate in-flight task runs, and serve health
and metrics over HTTP until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func openStore(cfg config.Config) (store.Store, func() error, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(store.DefaultPostgresConfig(cfg.Store.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return store.NewMemoryStore(), func() error { return nil }, nil
	}
}

// seedDevDefaultProfile provisions cfg.DefaultModel as the workspace's
// default model profile when running against the in-memory store. A
// Postgres deployment provisions profiles out of band (spec §1 places
// the storage schema for rows the core does not itself manage out of
// scope), so this is a local/dev convenience only.
func seedDevDefaultProfile(s store.Store, cfg config.Config) {
	mem, ok := s.(*store.MemoryStore)
	if !ok || cfg.DefaultModel.Model == "" {
		return
	}
	mem.PutModelProfile(models.ModelProfile{
		WorkspaceID:  cfg.WorkspaceID,
		Provider:     cfg.DefaultModel.Provider,
		Model:        cfg.DefaultModel.Model,
		BaseURL:      cfg.DefaultModel.BaseURL,
		APIKey:       cfg.DefaultModel.APIKey,
		ExtraHeaders: cfg.DefaultModel.ExtraHeaders,
		Default:      true,
	})
}

func unavailableSkill(name string) (string, error) {
	return "", obs.NewError(obs.KindNotFound, "skills.Get", fmt.Errorf("skill %q: loader not wired in this build", name))
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := obs.NewLogger(obs.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format, AddSource: cfg.Logging.AddSource})
	slog.SetDefault(logger)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	seedDevDefaultProfile(st, cfg)

	if _, err := st.EnsureWorkspaceDefaults(ctx, cfg.WorkspaceID); err != nil {
		return fmt.Errorf("ensure workspace defaults: %w", err)
	}

	b := bus.New(cfg.BusRingSize)

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)

	dialect := modelclient.DialectFor(cfg.DefaultModel.Provider)
	client, err := modelclient.NewClient(nil, dialect)
	if err != nil {
		return fmt.Errorf("build model client: %w", err)
	}
	clients := map[modelclient.Dialect]modelclient.Client{dialect: client}

	f := facade.New(facade.Deps{Store: st, Metrics: metrics})

	sup := supervisor.New(supervisor.Deps{
		Store:          st,
		Bus:            b,
		Interrupt:      f,
		Clients:        clients,
		Now:            time.Now,
		NewID:          uuid.NewString,
		TickInterval:   cfg.TaskBudget.TickInterval(),
		EvaluationCron: cfg.TaskBudget.EvaluationCron,
	})
	f.SetSupervisor(sup)

	taskGuard := func(workspaceID, groupID string) bool {
		run, ok := sup.ActiveRun(workspaceID)
		return ok && run.Status == models.TaskRunning && run.RootGroupID == groupID
	}

	fo := fanout.New(st, f, f, b)

	dispatcher := tooling.NewDispatcher(tooling.Deps{
		Store:       st,
		Fanout:      fo,
		Bus:         b,
		Skills:      unavailableSkill,
		Shell:       toolingShellPolicy(cfg),
		Now:         time.Now,
		NewID:       uuid.NewString,
		ContentType: "text",
	}, taskGuard)

	f.SetRunnerDeps(runner.Deps{
		Store:      st,
		Dispatcher: dispatcher,
		Streams:    bus.NewAgentStreams(),
		Clients:    clients,
		Skills:     func() string { return "" },
		Now:        time.Now,
		NewID:      uuid.NewString,
	})

	if err := f.Bootstrap(ctx, cfg.WorkspaceID); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	slog.Info("swarmcored bootstrapped", "workspace_id", cfg.WorkspaceID)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	healthSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() { errCh <- healthSrv.ListenAndServe() }()
	go func() { errCh <- metricsSrv.ListenAndServe() }()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

func toolingShellPolicy(cfg config.Config) tooling.ShellPolicy {
	return tooling.ShellPolicy{
		WorkspaceRoot:  cfg.Shell.WorkspaceRoot,
		DefaultTimeout: time.Duration(cfg.Shell.DefaultTimeoutMs) * time.Millisecond,
		MaxOutputBytes: cfg.Shell.MaxOutputBytes,
		Shell:          cfg.Shell.Shell,
	}
}
