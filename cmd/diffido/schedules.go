package main

import (
	"encoding/json"
	"fmt"

	"diffido/internal/schedule"
	"diffido/internal/storage"
	logx "diffido/pkg/logx"

	"github.com/spf13/cobra"
)

func newSchedulesCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect the schedule store without starting the daemon",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print every stored schedule",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				st, err := root.openStore(cmd)
				if err != nil {
					return err
				}
				defer st.Close()
				all, err := st.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, id := range schedule.SortedIDs(all) {
					sc := all[id]
					kind := "-"
					if sc.Trigger != nil {
						kind = string(sc.Trigger.Type)
					}
					state := "enabled"
					if !sc.IsEnabled() {
						state = "disabled"
					}
					fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", id, kind, state, sc.Name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print one schedule as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := root.openStore(cmd)
				if err != nil {
					return err
				}
				defer st.Close()
				sc, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sc)
			},
		},
	)
	return cmd
}

func (o *rootOptions) openStore(cmd *cobra.Command) (storage.Store, error) {
	cfg, _, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	loc, _ := cfg.Scheduler.Location()
	return storage.Open(storage.Config{
		Driver:   cfg.Store.Driver,
		Path:     cfg.Store.Path,
		Location: loc,
	}, logx.Nop())
}
