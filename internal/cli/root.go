package cli

import (
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDB     string
)

var rootCmd = &cobra.Command{
	Use:   "stratamem",
	Short: "Maintenance core for tiered agent memory",
	Long:  "Stratamem runs the background maintenance for a tiered memory store: decay, consolidation, capacity control, and index upkeep.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "override database path")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(integrityCmd)
	rootCmd.AddCommand(snapshotCmd)
}
