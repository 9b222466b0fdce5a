package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"keelci/internal/agent"
	"keelci/internal/logging"
)

func main() {
	var (
		addr        string
		workDir     string
		outputLimit int
		logLevel    string
		logFormat   string
		tlsCert     string
		tlsKey      string
	)
	cmd := &cobra.Command{
		Use:           "keelci-agent",
		Short:         "Execute keelci shell stages on this host",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logLevel, logFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a := agent.New(agent.Config{
				WorkDir:     workDir,
				OutputLimit: outputLimit,
				Token:       os.Getenv("KEELCI_AGENT_TOKEN"),
			}, logger)
			srv := &http.Server{Addr: addr, Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdown)
			}()

			logger.Info("agent listening", zap.String("addr", addr), zap.String("workdir", workDir), zap.Bool("tls", tlsCert != ""))
			if tlsCert != "" {
				err = srv.ListenAndServeTLS(tlsCert, tlsKey)
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "listen address")
	cmd.Flags().StringVar(&workDir, "workdir", "agent-workspace", "root directory for stage workspaces")
	cmd.Flags().IntVar(&outputLimit, "output-limit", 1<<20, "bytes of output kept per stage")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	cmd.Flags().StringVar(&logFormat, "log-format", "console", "log format: console or json")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "certificate file; serve HTTPS when set")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "private key file for --tls-cert")
	cmd.MarkFlagsRequiredTogether("tls-cert", "tls-key")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
