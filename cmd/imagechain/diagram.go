package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/imagechain/internal/diagram"
)

// diagramOptions defines flags for the `diagram` command.
type diagramOptions struct {
	global *globalOptions

	graphFile string
	runID     string
	format    string
	output    string
}

func newDiagramOptions(global *globalOptions) *diagramOptions {
	return &diagramOptions{global: global}
}

func (o *diagramOptions) addFlags(cmd *cobra.Command) {
	if o == nil {
		return
	}

	cmd.Flags().StringVar(&o.graphFile, "graph", "", "graph document (JSON or YAML)")
	cmd.Flags().StringVar(&o.runID, "run", "", "draw a stored run with its step statuses")
	cmd.Flags().StringVar(&o.format, "format", "ascii", "output format: ascii, mermaid, png or svg")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "write to this file instead of stdout")
	cmd.MarkFlagsOneRequired("graph", "run")
	cmd.MarkFlagsMutuallyExclusive("graph", "run")
}

// run renders the diagram of a graph file or a stored run.
func (o *diagramOptions) run(ctx context.Context, cmd *cobra.Command) error {
	var (
		model *diagram.DiagramModel
		err   error
	)
	if o.runID != "" {
		s, openErr := o.global.openStore(ctx)
		if openErr != nil {
			return openErr
		}
		defer s.Close()
		model, err = diagram.ForRun(ctx, s, o.runID)
	} else {
		g, readErr := readGraph(o.graphFile)
		if readErr != nil {
			return readErr
		}
		model, err = diagram.Build(g, o.global.cfg.validationOptions(), nil)
	}
	if err != nil {
		return err
	}

	var data []byte
	switch o.format {
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "png", "svg":
		if o.output == "" && o.format == "png" {
			return fmt.Errorf("png output needs --output")
		}
		if data, err = diagram.RenderImage(ctx, model, diagram.Format(o.format)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q", o.format)
	}

	if o.output != "" {
		return os.WriteFile(o.output, data, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// newCmdDiagram creates the `diagram` command.
func newCmdDiagram(global *globalOptions) *cobra.Command {
	o := newDiagramOptions(global)

	command := &cobra.Command{
		Use:   "diagram (--graph FILE | --run RUN_ID)",
		Short: "Draw a graph, or a run's progress through it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), cmd)
		},
	}

	o.addFlags(command)

	return command
}
