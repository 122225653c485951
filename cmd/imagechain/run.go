package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/rendis/imagechain/internal/backend"
	"github.com/rendis/imagechain/internal/engine"
	"github.com/rendis/imagechain/internal/imagefile"
	"github.com/rendis/imagechain/pkg/schema"
)

// runOptions defines flags for the `run` command.
type runOptions struct {
	global *globalOptions

	graphFile string
	outDir    string
	name      string
}

func newRunOptions(global *globalOptions) *runOptions {
	return &runOptions{global: global}
}

func (o *runOptions) addFlags(cmd *cobra.Command) {
	if o == nil {
		return
	}

	cmd.Flags().StringVar(&o.graphFile, "graph", "", "graph document (JSON or YAML)")
	cmd.Flags().StringVar(&o.outDir, "out", "out", "directory finished images are written to")
	cmd.Flags().StringVar(&o.name, "name", "", "run name (default: the graph name)")
	_ = cmd.MarkFlagRequired("graph")
}

// run executes one batch in the foreground. SIGINT and SIGTERM cancel the
// run, which still ends with a zero exit status. Outputs that could not be
// written make the command fail.
func (o *runOptions) run(ctx context.Context, cmd *cobra.Command, paths []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := readGraph(o.graphFile)
	if err != nil {
		return err
	}
	images, err := imagefile.LoadAll(paths)
	if err != nil {
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

	name := o.name
	if name == "" {
		name = g.Name
	}
	p := newProgressPrinter(cmd.OutOrStdout())
	var (
		writeMu   sync.Mutex
		writeErrs error
		unwritten int
	)
	res, err := o.global.newRunner(s, nil).RunGraph(ctx, g, &engine.ExecuteRequest{
		Name:       name,
		Images:     images,
		Backends:   backends,
		OnProgress: p.progress,
		OnRetry:    p.retry,
		OnOutput: func(out schema.Output) {
			path, err := imagefile.Write(o.outDir, out)
			if err != nil {
				p.printf("  write %s: %v\n", out.Name, err)
				writeMu.Lock()
				unwritten++
				writeErrs = multierr.Append(writeErrs, fmt.Errorf("write %s: %w", out.Name, err))
				writeMu.Unlock()
				return
			}
			p.printf("  wrote %s\n", path)
		},
	})
	if res != nil {
		summary := fmt.Sprintf("run %s %s: %d of %d images finished", res.RunID, res.Status, len(res.Outputs), len(images))
		if unwritten > 0 {
			summary += fmt.Sprintf(", %d not written", unwritten)
		}
		p.printf("%s\n", summary)
	}
	if err == nil && writeErrs != nil {
		return fmt.Errorf("%d of %d outputs not written: %w", unwritten, len(res.Outputs), writeErrs)
	}
	return err
}

// progressPrinter serializes progress lines from the run's callbacks.
type progressPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *progressPrinter) progress(pr engine.Progress) {
	p.printf("[%d/%d] %s: step %d/%d %s\n",
		pr.ImageIndex+1, pr.ImageTotal, pr.ImageName, pr.StepIndex+1, pr.StepTotal, pr.StepName)
}

func (p *progressPrinter) retry(n backend.RetryNotice) {
	p.printf("  %s attempt %d failed, retrying in %s: %v\n", n.Backend, n.Attempt, n.Delay, n.Err)
}

// newCmdRun creates the `run` command.
func newCmdRun(global *globalOptions) *cobra.Command {
	o := newRunOptions(global)

	command := &cobra.Command{
		Use:   "run --graph FILE [--out DIR] IMAGE...",
		Short: "Run a batch of images through a graph",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), cmd, args)
		},
	}

	o.addFlags(command)

	return command
}
