package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"edge-recorder/config"
	"edge-recorder/server"
)

func agent(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "run the recording and sync agent",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(server.RunAgent(config))
		},
	}
}
