package main

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"keelci/internal/audit"
	"keelci/internal/config"
	"keelci/internal/core"
	"keelci/internal/credentials"
	"keelci/internal/logging"
	"keelci/internal/security"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a pipeline definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := core.LoadPipeline(args[0])
			if err != nil {
				return exitWith(exitFailed, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (%d stages)\n", def.Name, len(def.Stages))
			for _, s := range def.Stages {
				needs := "-"
				if len(s.Needs) > 0 {
					needs = strings.Join(s.Needs, ",")
				}
				fmt.Fprintf(out, "  %s\t%s\tneeds %s\n", s.Name, s.Kind, needs)
			}
			return nil
		},
	}
}

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect an audit ledger file",
	}

	var pubKey string
	verify := &cobra.Command{
		Use:   "verify <file>",
		Short: "Check hashes, links and signatures of every entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := audit.Open(args[0], nil, nil)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			var trusted ed25519.PublicKey
			if pubKey != "" {
				if trusted, err = security.LoadPublicKey(pubKey); err != nil {
					return exitWith(exitUsage, err)
				}
			}
			if err := ledger.Verify(trusted); err != nil {
				return exitWith(exitFailed, fmt.Errorf("ledger verification failed: %w", err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger ok: %d entries, head %s\n", ledger.Len(), ledger.LastHash())
			return nil
		},
	}
	verify.Flags().StringVar(&pubKey, "pubkey", "", "only accept entries signed by this public key")

	inspect := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print every ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := audit.Open(args[0], nil, nil)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tTIME\tKIND\tRUN\tPIPELINE\tSTAGE\tSUBJECT\tSTATUS\tDETAIL")
			for _, e := range ledger.Entries() {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
					e.Index, e.Timestamp, e.Kind, e.Run, e.Pipeline, e.Stage, e.Subject, e.Status, e.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(verify, inspect)
	return cmd
}

func newCredentialCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the orchestrator's encrypted credential file",
	}

	var (
		kind      string
		username  string
		fromFile  string
		overwrite bool
	)
	put := &cobra.Command{
		Use:   "put <name>",
		Short: "Store a credential; the value is read from --from-file, stdin or a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := core.ParseCredentialKind(kind)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			if k == core.UsernamePassword && username == "" {
				return exitWith(exitUsage, fmt.Errorf("--username is required for %s", k))
			}
			value, err := readSecret(cmd, fromFile)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			store, err := openCredentials(opts)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			if err := store.Put(args[0], credentials.Record{Kind: k, Username: username, Value: value}, overwrite); err != nil {
				return exitWith(exitFailed, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s)\n", args[0], k)
			return nil
		},
	}
	put.Flags().StringVar(&kind, "kind", string(core.Token), "UsernamePassword, Token, File or SSHKey")
	put.Flags().StringVar(&username, "username", "", "username for UsernamePassword credentials")
	put.Flags().StringVar(&fromFile, "from-file", "", "read the value from this file")
	put.Flags().BoolVar(&overwrite, "overwrite", false, "replace a credential of a different kind")

	list := &cobra.Command{
		Use:   "list",
		Short: "List credential names and kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openCredentials(opts)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, info := range store.List() {
				fmt.Fprintf(tw, "%s\t%s\n", info.Name, info.Kind)
			}
			return tw.Flush()
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCredentials(opts)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			if err := store.Delete(args[0]); err != nil {
				return exitWith(exitFailed, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(put, list, del)
	return cmd
}

func openCredentials(opts *options) (*credentials.Store, error) {
	cfg, err := config.Load(opts.config)
	if err != nil {
		return nil, err
	}
	if cfg.Credentials.File == "" {
		return nil, fmt.Errorf("credentials.file is not configured")
	}
	identity, err := credentials.EnsureIdentity(cfg.Credentials.Identity)
	if err != nil {
		return nil, err
	}
	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		return nil, err
	}
	return credentials.Open(credentials.NewFileBackend(cfg.Credentials.File, identity), nil, logger)
}

// readSecret reads a credential value without echoing it on a terminal.
func readSecret(cmd *cobra.Command, fromFile string) ([]byte, error) {
	if fromFile != "" {
		return os.ReadFile(fromFile)
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "value: ")
		value, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return nil, err
		}
		if len(value) == 0 {
			return nil, fmt.Errorf("empty value")
		}
		return value, nil
	}
	value, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	value = bytes.TrimRight(value, "\r\n")
	if len(value) == 0 {
		return nil, fmt.Errorf("empty value on stdin")
	}
	return value, nil
}
