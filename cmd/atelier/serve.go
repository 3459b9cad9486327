// Package main serve command: expose the HTTP API.
package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joss/atelier/internal/runtime"
	"github.com/joss/atelier/internal/server"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task API and run trigger over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}

			// Runs interrupted by the previous shutdown are failed,
			// never resumed.
			n, err := d.store.MarkIncompleteAsFailed(context.Background())
			if err != nil {
				return err
			}
			if n > 0 {
				fmt.Printf("marked %d interrupted task(s) as failed\n", n)
			}

			shutdown := runtime.NewShutdownManager(runtime.DefaultShutdownTimeout)
			shutdown.RegisterSimple("task store", d.Close)
			shutdown.ListenForSignals()

			if addr == "" {
				addr = d.cfg.Server.Addr
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.New(d.store, d.runner, d.bus, addr).Start()
			}()

			select {
			case err := <-errCh:
				shutdown.Shutdown()
				shutdown.WaitForShutdown()
				return err
			case <-shutdown.Context().Done():
				shutdown.WaitForShutdown()
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
