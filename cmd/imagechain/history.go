package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/imagechain/internal/store"
	"github.com/rendis/imagechain/pkg/schema"
)

// runsOptions defines flags for the `runs` command.
type runsOptions struct {
	global *globalOptions

	status string
	limit  int
}

func newRunsOptions(global *globalOptions) *runsOptions {
	return &runsOptions{global: global}
}

func (o *runsOptions) addFlags(cmd *cobra.Command) {
	if o == nil {
		return
	}

	cmd.Flags().StringVar(&o.status, "status", "", "only runs with this status (idle, running, completed, cancelled, failed)")
	cmd.Flags().IntVar(&o.limit, "limit", 20, "maximum runs to list")
}

// run lists persisted runs, newest first.
func (o *runsOptions) run(ctx context.Context, cmd *cobra.Command) error {
	s, err := o.global.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	filter := store.RunFilter{Limit: o.limit}
	if o.status != "" {
		rs := schema.RunStatus(o.status)
		filter.Status = &rs
	}
	runs, err := s.ListRuns(ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tIMAGES\tOUTPUTS\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.Name, r.Status, r.ImageCount, r.OutputCount, r.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// newCmdRuns creates the `runs` command.
func newCmdRuns(global *globalOptions) *cobra.Command {
	o := newRunsOptions(global)

	command := &cobra.Command{
		Use:   "runs",
		Short: "List past runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), cmd)
		},
	}

	o.addFlags(command)

	return command
}

// recordsOptions defines the `records` command.
type recordsOptions struct {
	global *globalOptions
}

// run prints a run's execution records and their totals.
func (o *recordsOptions) run(ctx context.Context, cmd *cobra.Command, runID string) error {
	s, err := o.global.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	records, err := s.ListRecords(ctx, runID)
	if err != nil {
		return err
	}
	totals, err := store.Summarize(runID, records)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tIMAGE\tSTEP\tOUTCOME\tBACKEND\tCOST\tDURATION\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.3f\t%dms\t%s\n",
			r.Sequence, r.ImageName, r.StepName, r.Outcome, r.Backend, r.Cost, r.DurationMs, r.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d attempts, %d succeeded, %d failed, cost %.3f USD, %d credits\n",
		totals.Attempts, totals.Successes, totals.Failures, totals.Cost, totals.Credits)
	return nil
}

// newCmdRecords creates the `records` command.
func newCmdRecords(global *globalOptions) *cobra.Command {
	o := &recordsOptions{global: global}

	return &cobra.Command{
		Use:   "records RUN_ID",
		Short: "Show a run's execution records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), cmd, args[0])
		},
	}
}
