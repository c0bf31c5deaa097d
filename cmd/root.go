package cmd

import (
	"github.com/spf13/cobra"

	"edge-recorder/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{}
	rootCmd.AddCommand(agent(config))
	return rootCmd
}
