package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"keelci/internal/core"
	"keelci/internal/credentials"
	"keelci/internal/deploy"
	"keelci/internal/logging"
	"keelci/internal/registry"
	"keelci/internal/server"
	"keelci/internal/storage"
	"keelci/internal/toolchain"
)

// progress prints stage results as the engine reports them.
type progress struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *progress) StageFinished(_ *core.Run, res core.StageResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := fmt.Sprintf("%-8s %s", res.Status, res.Name)
	if res.Reason != core.ReasonNone {
		line += " (" + string(res.Reason) + ")"
	}
	if !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
		line += " " + res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond).String()
	}
	fmt.Fprintln(p.w, line)
}

func (p *progress) RunFinished(*core.Run) {}

func newExecCmd(opts *options) *cobra.Command {
	var (
		workspace string
		branch    string
		sha       string
		docker    string
		showLogs  bool
	)
	cmd := &cobra.Command{
		Use:   "exec <file>",
		Short: "Run a pipeline file on this machine without an orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := core.LoadPipeline(args[0])
			if err != nil {
				return exitWith(exitFailed, err)
			}
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			logger, err := logging.New(level, "console")
			if err != nil {
				return exitWith(exitUsage, err)
			}
			defer func() { _ = logger.Sync() }()

			if workspace == "" {
				if workspace, err = os.MkdirTemp("", "keelci-exec-"); err != nil {
					return exitWith(exitUsage, err)
				}
				defer os.RemoveAll(workspace)
			}
			logDir, err := os.MkdirTemp("", "keelci-logs-")
			if err != nil {
				return exitWith(exitUsage, err)
			}
			defer os.RemoveAll(logDir)

			var creds *credentials.Store
			if opts.config != "" {
				creds, err = openCredentials(opts)
			} else {
				creds, err = credentials.Open(nil, nil, logger)
			}
			if err != nil {
				return exitWith(exitUsage, err)
			}

			runs := registry.New(registry.NewMemoryStore(), logger)
			logs := storage.NewLogStorage(logDir)
			tools := toolchain.Docker{Binary: docker}
			executor := core.NewExecutor(core.ExecutorConfig{}, creds, logs, logger,
				core.WithTool(core.KindBuild, tools.BuildTool()),
				core.WithTool(core.KindPush, tools.PushTool()),
				core.WithTool(core.KindDeploy, deploy.NewTool(deploy.NewApplier(nil))),
			)
			engine := core.NewEngine(core.EngineConfig{Workers: 1, WorkspaceRoot: workspace}, runs, executor, logger,
				&progress{w: cmd.OutOrStdout()})

			run, err := runs.CreateRun(*def, core.TriggerEvent{
				Kind:       "manual",
				Repository: def.Trigger.Repository,
				Branch:     branch,
				CommitSHA:  sha,
				ReceivedAt: time.Now(),
			})
			if err != nil {
				return exitWith(exitUsage, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			finished := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					if err := engine.Cancel(run.Number); err != nil {
						logger.Debug("cancel", zap.Error(err))
					}
				case <-finished:
				}
			}()

			engine.Enqueue(run)
			engine.Wait()
			close(finished)

			final, err := runs.Get(run.Number)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out)
			printRun(out, server.NewRunView(final))
			if showLogs {
				if f := final.FirstFailure(); f != nil {
					if data, err := logs.ReadLog(final.Number, f.Name); err == nil {
						fmt.Fprintf(out, "\n--- %s output ---\n%s", f.Name, data)
					}
				}
			}
			return exitForStatus(final.Status)
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace root (default a temporary directory)")
	cmd.Flags().StringVar(&branch, "branch", "", "branch exposed to the stages")
	cmd.Flags().StringVar(&sha, "sha", "", "commit exposed to the stages")
	cmd.Flags().StringVar(&docker, "docker", "docker", "docker-compatible binary for build and push stages")
	cmd.Flags().BoolVar(&showLogs, "show-logs", true, "print the output of the first failed stage")
	return cmd
}
