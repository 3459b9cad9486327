// Package main run command: trigger one pipeline run and stream it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joss/atelier/internal/pipeline"
	"github.com/joss/atelier/internal/render"
)

func runCmd() *cobra.Command {
	var expectation string
	var background string
	var strategy string

	cmd := &cobra.Command{
		Use:   "run [title...]",
		Short: "Run the pipeline for a request",
		Long: `Plan, execute, and track a pipeline run for the given request,
streaming narration to the terminal until the run finishes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.Join(args, " ")
			if expectation == "" {
				expectation = title
			}

			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			if strategy == string(pipeline.StrategyBatch) {
				d.runner = d.runner.WithStrategy(pipeline.StrategyBatch)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			h, err := d.runner.Run(ctx, pipeline.RunRequest{
				Title:       title,
				Expectation: expectation,
				Background:  background,
			})
			if err != nil {
				return err
			}

			fmt.Printf("task %s\n", h.TaskID)
			r := render.New(pretty)
			for chunk := range h.Output {
				fmt.Print(r.Narration(chunk))
			}

			t, err := d.store.GetTask(context.Background(), h.TaskID)
			if err != nil {
				return err
			}
			if t.Status != "completed" {
				return fmt.Errorf("run failed: %s", t.ErrorMessage)
			}
			fmt.Printf("output: %s\n", t.OutputDirectory)
			return nil
		},
	}

	cmd.Flags().StringVarP(&expectation, "expect", "e", "", "expected outcome (defaults to the title)")
	cmd.Flags().StringVarP(&background, "background", "b", "", "background information for the planner")
	cmd.Flags().StringVar(&strategy, "strategy", "incremental", "plan strategy: incremental or batch")
	return cmd
}
