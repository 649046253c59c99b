package main

import (
	"errors"
	"fmt"
	"os"

	"diffido/internal/config"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "conf/diffido.yaml"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "diffido",
		Short: "Diffido - scheduled job manager with an HTTP API",
		Long: `Diffido keeps a set of named schedules, fires each one when its trigger
says so and exposes the schedules over a small JSON API.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "read configuration file (json, yaml or toml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newCheckConfigCmd(opts),
		newSchedulesCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads the config file. The default path may be absent, in
// which case the built-in defaults apply; an explicit --config must exist.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	required := cmd.Flags().Changed("config")
	cfg, err := config.NewConfigManager(o.configPath).Load()
	if err == nil {
		return cfg, true, nil
	}
	if required || !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("load config %s: %w", o.configPath, err)
	}
	return config.Defaults(), false, nil
}

func (o *rootOptions) required(cmd *cobra.Command) bool {
	return cmd.Flags().Changed("config")
}
