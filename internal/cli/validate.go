package cli

import (
	"fmt"

	"cronguard/internal/config"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(flagConfig).Load()
			if err != nil {
				return err
			}
			enabled := 0
			for _, t := range cfg.Tasks {
				if t.Enabled {
					enabled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d tasks, %d enabled)\n", flagConfig, len(cfg.Tasks), enabled)
			return nil
		},
	}
}
