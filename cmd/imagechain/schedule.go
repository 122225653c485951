package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/imagechain/internal/backend"
	"github.com/rendis/imagechain/internal/engine"
	"github.com/rendis/imagechain/internal/scheduler"
	"github.com/rendis/imagechain/pkg/schema"
)

// scheduleOptions defines flags for the `schedule` command.
type scheduleOptions struct {
	global *globalOptions

	cron      string
	graphFile string
	inDir     string
	outDir    string
	name      string
	once      bool
}

func newScheduleOptions(global *globalOptions) *scheduleOptions {
	return &scheduleOptions{global: global}
}

func (o *scheduleOptions) addFlags(cmd *cobra.Command) {
	if o == nil {
		return
	}

	cmd.Flags().StringVar(&o.cron, "cron", "*/5 * * * *", "cron expression (5 or 6 fields, or a descriptor such as @hourly)")
	cmd.Flags().StringVar(&o.graphFile, "graph", "", "graph document (JSON or YAML)")
	cmd.Flags().StringVar(&o.inDir, "in", "", "hot folder watched for input images")
	cmd.Flags().StringVar(&o.outDir, "out", "", "directory finished images are written to")
	cmd.Flags().StringVar(&o.name, "name", "", "folder name used in logs and metrics (default: the input directory)")
	cmd.Flags().BoolVar(&o.once, "once", false, "process the folder once and exit")
	_ = cmd.MarkFlagRequired("graph")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
}

// run processes the hot folder on every cron tick until a signal arrives.
func (o *scheduleOptions) run(ctx context.Context, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := readGraph(o.graphFile)
	if err != nil {
		return err
	}
	if _, err := engine.Order(g, o.global.cfg.validationOptions()); err != nil {
		return err
	}

	s, err := o.global.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	backends, err := backendsFactory(o.global.cfg, backend.ClientOptions{Logger: o.global.logger})
	if err != nil {
		return err
	}

	runner := o.global.newRunner(s, nil)
	sched := scheduler.NewScheduler(batchRunner(runner, backends), o.global.logger, scheduler.Options{})

	folder := scheduler.Folder{Name: o.name, Cron: o.cron, Graph: g, InDir: o.inDir, OutDir: o.outDir}
	if err := sched.AddFolder(folder); err != nil {
		return err
	}
	if folder.Name == "" {
		folder.Name = folder.InDir
	}

	if o.once {
		report, err := sched.RunOnce(ctx, folder.Name)
		if report != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d images, %d written, %d skipped\n",
				report.Folder, report.Images, len(report.Written), len(report.Skipped))
		}
		return err
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	if next, ok := sched.NextRun(folder.Name); ok {
		o.global.logger.Info("watching hot folder", "folder", folder.Name, "next_run", next)
	}
	<-ctx.Done()
	return sched.Stop()
}

// batchRunner runs hot-folder batches through runner. A cancelled batch
// reports its partial outputs without an error.
func batchRunner(runner *engine.Runner, backends engine.BackendsFactory) scheduler.BatchRunner {
	return scheduler.BatchFunc(func(ctx context.Context, name string, g *schema.Graph, images []schema.Image) ([]schema.Output, error) {
		res, err := runner.RunGraph(ctx, g, &engine.ExecuteRequest{
			Name:     name,
			Images:   images,
			Backends: backends,
		})
		if res == nil {
			return nil, err
		}
		return res.Outputs, err
	})
}

// newCmdSchedule creates the `schedule` command.
func newCmdSchedule(global *globalOptions) *cobra.Command {
	o := newScheduleOptions(global)

	command := &cobra.Command{
		Use:   "schedule --graph FILE --in DIR --out DIR",
		Short: "Process a hot folder on a cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), cmd)
		},
	}

	o.addFlags(command)

	return command
}
