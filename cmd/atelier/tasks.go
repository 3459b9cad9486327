// Package main task inspection commands.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joss/atelier/internal/archive"
	"github.com/joss/atelier/internal/render"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect pipeline runs",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			tasks, err := d.store.ListTasks(context.Background(), limit)
			if err != nil {
				return err
			}
			fmt.Print(render.New(pretty).Tasks(tasks))
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "max tasks to show")

	showCmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			ctx := context.Background()
			t, err := d.store.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := d.store.ListSteps(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Print(render.New(pretty).Task(t, steps))
			return nil
		},
	}

	var out string
	downloadCmd := &cobra.Command{
		Use:   "download <task-id>",
		Short: "Bundle a run's output directory into a zip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			t, err := d.store.GetTask(context.Background(), args[0])
			if err != nil {
				return err
			}
			if t.OutputDirectory == "" {
				return fmt.Errorf("task %s has no output directory", t.ID)
			}
			if out == "" {
				out = t.ID + ".zip"
			}
			meta, err := archive.Bundle(t.OutputDirectory, out, t.ID)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d files, %d bytes)\n", out, meta.FileCount, meta.TotalSize)
			return nil
		},
	}
	downloadCmd.Flags().StringVarP(&out, "output", "o", "", "output zip path (default <task-id>.zip)")

	deleteCmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.store.DeleteTask(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd, downloadCmd, deleteCmd)
	return cmd
}
