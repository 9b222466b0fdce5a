package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitSucceeded = 0
	exitFailed    = 1
	exitAborted   = 2
	exitPending   = 3
	exitUsage     = 4
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error { return &exitError{code: code, err: err} }

type options struct {
	server  string
	token   string
	config  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "keelci",
		Short:         "Operate a keelci orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("KEELCI_SERVER", "http://localhost:8080"), "orchestrator base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("KEELCI_API_TOKEN"), "operator API token")
	root.PersistentFlags().StringVar(&opts.config, "config", "", "server config file, for local commands")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newRunCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newCancelCmd(opts),
		newLogsCmd(opts),
		newValidateCmd(),
		newExecCmd(opts),
		newLedgerCmd(),
		newCredentialCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	os.Exit(execute(newRootCmd()))
}

func execute(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return exitSucceeded
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "error:", exit.err)
		}
		return exit.code
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
	return exitUsage
}
