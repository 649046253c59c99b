package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"diffido/internal/app"

	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var ov app.Overrides
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, root, ov)
		},
	}
	f := cmd.Flags()
	f.IntVar(&ov.Port, "port", 0, "run on the given port (default 3210)")
	f.StringVar(&ov.Address, "address", "", "bind the server at the given address")
	f.StringVar(&ov.SSLCert, "ssl-cert", "", "SSL certificate file")
	f.StringVar(&ov.SSLKey, "ssl-key", "", "SSL private key file")
	f.BoolVar(&ov.Debug, "debug", false, "run in debug mode")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, ov app.Overrides) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(ctx, root.configPath, root.required(cmd), ov)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("fatal start: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "diffido listening on %s\n", a.Addr())

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-ctx.Done():
		reason = app.StopAppStop
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
