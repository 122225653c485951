package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/imagechain/internal/engine"
	"github.com/rendis/imagechain/internal/validation"
)

// validateOptions defines flags for the `validate` command.
type validateOptions struct {
	global *globalOptions

	graphFile string
}

func newValidateOptions(global *globalOptions) *validateOptions {
	return &validateOptions{global: global}
}

func (o *validateOptions) addFlags(cmd *cobra.Command) {
	if o == nil {
		return
	}

	cmd.Flags().StringVar(&o.graphFile, "graph", "", "graph document (JSON or YAML)")
	_ = cmd.MarkFlagRequired("graph")
}

// run prints the execution order of a valid graph, or every issue found.
func (o *validateOptions) run(_ context.Context, cmd *cobra.Command) error {
	g, err := readGraph(o.graphFile)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	opts := o.global.cfg.validationOptions()
	result := validation.ValidateGraph(g, opts)
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning %s: %s (%s)\n", w.Code, w.Message, w.Path)
	}
	if !result.Valid() {
		for _, e := range result.Errors {
			fmt.Fprintf(out, "error %s: %s (%s)\n", e.Code, e.Message, e.Path)
		}
		return result.ToError()
	}

	steps, err := engine.Order(g, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "graph %q is valid, %d steps:\n", g.Name, len(steps))
	for i, s := range steps {
		fmt.Fprintf(out, "%3d. %s\n", i+1, s.DisplayName())
	}
	return nil
}

// newCmdValidate creates the `validate` command.
func newCmdValidate(global *globalOptions) *cobra.Command {
	o := newValidateOptions(global)

	command := &cobra.Command{
		Use:   "validate",
		Short: "Check a graph document and print its execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), cmd)
		},
	}

	o.addFlags(command)

	return command
}
