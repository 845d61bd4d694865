package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var flagConfig string

// defaultConfig returns the config path, checking CRONGUARD_CONFIG first.
func defaultConfig() string {
	if p := os.Getenv("CRONGUARD_CONFIG"); p != "" {
		return p
	}
	return "./cronguard.yaml"
}

// NewRootCmd creates the root cobra command for the cronguard binary.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "cronguard",
		Short:        "Exactly-once periodic task runner for a cluster of nodes",
		Long:         "cronguard runs each task window once across every node sharing a store, backfilling windows missed while no node was up.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfig(), "config file (or CRONGUARD_CONFIG env)")

	root.AddCommand(
		newRunCmd(),
		newPlanCmd(),
		newValidateCmd(),
	)
	return root
}
