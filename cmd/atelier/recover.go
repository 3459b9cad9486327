// Package main recover command: fail runs left over from a crash.
package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark interrupted runs as failed",
		Long: `Mark every task still pending or processing as failed. A run is
never resumed after a restart; this makes the interruption explicit in
the task records. Safe to invoke repeatedly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			n, err := d.store.MarkIncompleteAsFailed(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("marked %d task(s) as failed\n", n)
			return nil
		},
	}
}
