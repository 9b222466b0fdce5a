package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"keelci/internal/core"
	"keelci/internal/server"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		branch   string
		sha      string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Trigger a pipeline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c := newClient(opts)
			q, err := c.trigger(ctx, args[0], branch, sha)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run #%d queued for %s\n", q.RunID, q.Pipeline)
			if !wait {
				return exitWith(exitPending, nil)
			}
			view, err := waitFor(ctx, c, q.RunID, interval)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			printRun(cmd.OutOrStdout(), view)
			return exitForStatus(view.Status)
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch to build")
	cmd.Flags().StringVar(&sha, "sha", "", "commit to build")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to finish")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --wait")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <runId>",
		Short: "Show a run and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			view, err := newClient(opts).run(cmd.Context(), id)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			printRun(cmd.OutOrStdout(), view)
			return exitForStatus(view.Status)
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		limit    int
		pipeline string
		status   string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			views, err := newClient(opts).history(cmd.Context(), pipeline, status, limit)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tPIPELINE\tSTATUS\tTRIGGER\tBRANCH\tCREATED")
			for _, v := range views {
				status := string(v.Status)
				if v.FailedStage != "" {
					status += " (" + v.FailedStage + ")"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					v.Number, v.Pipeline, status, v.Trigger.Kind, v.Trigger.Branch, v.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "only this pipeline")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	return cmd
}

func newCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <runId>",
		Short: "Abort a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			view, err := newClient(opts).cancel(cmd.Context(), id)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for run #%d (%s)\n", view.Number, view.Status)
			return nil
		},
	}
}

func newLogsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <runId> <stage>",
		Short: "Print the captured output of a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			out, err := newClient(opts).stageLog(cmd.Context(), id, args[1])
			if err != nil {
				return exitWith(exitUsage, err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func parseRunID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, exitWith(exitUsage, fmt.Errorf("invalid run id %q", s))
	}
	return id, nil
}

// waitFor polls until the run reaches a terminal status.
func waitFor(ctx context.Context, c *apiClient, id uint64, interval time.Duration) (server.RunView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		view, err := c.run(ctx, id)
		if err != nil {
			return server.RunView{}, err
		}
		if view.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return server.RunView{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func exitForStatus(status core.RunStatus) error {
	code := status.ExitCode()
	if code == exitSucceeded {
		return nil
	}
	return exitWith(code, nil)
}

func printRun(w io.Writer, v server.RunView) {
	header := fmt.Sprintf("run #%d %s %s", v.Number, v.Pipeline, v.Status)
	if v.Reason != core.ReasonNone {
		header += " (" + string(v.Reason) + ")"
	}
	fmt.Fprintln(w, header)
	if v.Image != "" {
		fmt.Fprintln(w, "image:", v.Image)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range v.Stages {
		line := fmt.Sprintf("  %s\t%s", s.Name, s.Status)
		if s.Reason != core.ReasonNone {
			line += "\t" + string(s.Reason)
		} else {
			line += "\t"
		}
		if s.Status == core.StageFailed && s.ExitCode > 0 {
			line += fmt.Sprintf("\texit=%d", s.ExitCode)
		}
		fmt.Fprintln(tw, line)
	}
	_ = tw.Flush()

	if v.FailedStage != "" {
		fmt.Fprintf(w, "failed stage: %s (%s)\n", v.FailedStage, v.FailedReason)
	}
	if len(v.Warnings) > 0 {
		fmt.Fprintf(w, "continued past failures in: %v\n", v.Warnings)
	}
}
