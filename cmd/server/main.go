package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"keelci/internal/audit"
	"keelci/internal/catalog"
	"keelci/internal/config"
	"keelci/internal/core"
	"keelci/internal/credentials"
	"keelci/internal/deploy"
	"keelci/internal/intake"
	"keelci/internal/logging"
	"keelci/internal/metrics"
	"keelci/internal/registry"
	"keelci/internal/security"
	"keelci/internal/server"
	"keelci/internal/storage"
	"keelci/internal/toolchain"
)

const pruneInterval = time.Hour

func main() {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "keelci-server",
		Short:         "Run the keelci orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default ./keelci.yaml)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pub, priv, err := security.EnsureKeyPair(cfg.Audit.PublicKey, cfg.Audit.PrivateKey)
	if err != nil {
		return fmt.Errorf("ledger keys: %w", err)
	}
	ledger, err := audit.Open(cfg.Audit.Ledger, priv, logger.Named("audit"))
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	if err := ledger.Verify(pub); err != nil {
		// keep serving; the operator sees it on /ledger/verify too
		logger.Error("audit ledger failed verification", zap.Error(err))
	}

	var backend credentials.Backend
	if cfg.Credentials.File != "" {
		identity, err := credentials.EnsureIdentity(cfg.Credentials.Identity)
		if err != nil {
			return fmt.Errorf("credential identity: %w", err)
		}
		backend = credentials.NewFileBackend(cfg.Credentials.File, identity)
	}
	creds, err := credentials.Open(backend, ledger, logger.Named("credentials"))
	if err != nil {
		return err
	}
	if cfg.Credentials.File != "" {
		go func() {
			if err := creds.Watch(ctx, cfg.Credentials.File); err != nil {
				logger.Error("credential watcher stopped", zap.Error(err))
			}
		}()
	}

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	runs := registry.New(store, logger.Named("registry"))
	defer runs.Close()

	logs := storage.NewLogStorage(cfg.Storage.LogDir)
	docker := toolchain.Docker{Binary: cfg.Docker.Binary}
	executor := core.NewExecutor(core.ExecutorConfig{
		OutputLimit:    cfg.Engine.OutputLimit,
		DefaultTimeout: cfg.Engine.StageTimeout,
		GracePeriod:    cfg.Engine.GracePeriod,
	}, creds, logs, logger.Named("executor"),
		core.WithTool(core.KindBuild, docker.BuildTool()),
		core.WithTool(core.KindPush, docker.PushTool()),
		core.WithTool(core.KindDeploy, deploy.NewTool(deploy.NewApplier(&http.Client{Timeout: 2 * time.Minute}))),
		core.WithRemote(func(agent string) core.Tool {
			tool := core.NewRemoteTool(agent)
			tool.Token = cfg.Engine.AgentToken
			return tool
		}),
	)

	m := metrics.New()
	engine := core.NewEngine(core.EngineConfig{
		Workers:          cfg.Engine.Workers,
		WorkspaceRoot:    cfg.Engine.Workspace,
		CleanupWorkspace: cfg.Engine.CleanupWorkspace,
	}, runs, executor, logger.Named("engine"), ledger, m)

	unfinished, err := runs.Unfinished()
	if err != nil {
		return fmt.Errorf("loading unfinished runs: %w", err)
	}
	// every recovered run reports RunFinished exactly once, interrupted ones included
	for range unfinished {
		m.RunQueued()
	}
	engine.Recover(unfinished)

	pipelines, err := loadPipelines(cfg.Pipelines.Dir, logger.Named("catalog"))
	if err != nil {
		return err
	}
	if cfg.Pipelines.Watch {
		go func() {
			if err := pipelines.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("pipeline watcher stopped", zap.Error(err))
			}
		}()
	}

	in := intake.New(pipelines, runs, engine, intake.Secrets{
		HMACSecret: []byte(cfg.Webhook.Secret),
		Token:      cfg.Webhook.Token,
	}, logger.Named("intake"))

	api := server.New(server.Options{
		APIToken:     cfg.Server.APIToken,
		CORSOrigins:  cfg.Server.CORSOrigins,
		WebhookRate:  cfg.Webhook.Rate,
		WebhookBurst: cfg.Webhook.Burst,
	}, server.Deps{
		Intake:    in,
		Runs:      runs,
		Engine:    engine,
		Logs:      logs,
		Pipelines: pipelines,
		Ledger:    ledger,
		LedgerKey: pub,
		Metrics:   m,
	}, logger.Named("http"))

	if cfg.Storage.Retention > 0 {
		go prune(ctx, runs, logs, cfg.Storage.Retention, logger)
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.Info("keelci listening",
			zap.String("addr", cfg.Server.Addr),
			zap.Int("pipelines", len(pipelines.List())),
			zap.Int64("workers", cfg.Engine.Workers),
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdown, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := engine.Shutdown(shutdown); err != nil {
		logger.Warn("runs still active at exit", zap.Error(err))
	}
	return nil
}

func openStore(cfg config.StorageConfig, logger *zap.Logger) (registry.Store, error) {
	if cfg.Backend == "memory" {
		return registry.NewMemoryStore(), nil
	}
	dir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return registry.OpenBadger(dir, logger.Named("badger"))
}

// loadPipelines tolerates invalid definitions, which Load has already
// logged, and fails only when the directory itself cannot be read.
func loadPipelines(dir string, logger *zap.Logger) (*catalog.Catalog, error) {
	pipelines, err := catalog.Load(dir, logger)
	if err != nil && !errors.Is(err, catalog.ErrInvalidPipelines) {
		return nil, err
	}
	return pipelines, nil
}

func prune(ctx context.Context, runs *registry.Registry, logs *storage.LogStorage, keep int, logger *zap.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		pruneOnce(runs, logs, keep, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pruneOnce trims run history and the stored logs of every removed run.
func pruneOnce(runs *registry.Registry, logs *storage.LogStorage, keep int, logger *zap.Logger) {
	pruned, err := runs.Prune(keep)
	if err != nil {
		logger.Warn("pruning run history", zap.Error(err))
	}
	for _, number := range pruned {
		if err := logs.RemoveRun(number); err != nil {
			logger.Warn("removing run logs", zap.Uint64("run", number), zap.Error(err))
		}
	}
	if len(pruned) > 0 {
		logger.Info("pruned run history", zap.Int("removed", len(pruned)))
	}
}
