package main

import (
	"fmt"

	"diffido/internal/config"

	"github.com/spf13/cobra"
)

func newCheckConfigCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, loaded, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			out := cmd.OutOrStdout()
			if !loaded {
				fmt.Fprintf(out, "%s not found; built-in defaults are valid\n", root.configPath)
				return nil
			}
			fmt.Fprintf(out, "%s: ok (store=%s, job_store=%s, port=%d)\n",
				root.configPath, cfg.Store.Driver, cfg.JobStore.URL, cfg.Server.Port)
			return nil
		},
	}
}
