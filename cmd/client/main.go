// Command pongnet is the playing peer: it finds an opponent through the
// rendezvous server and runs a rollback session in the terminal.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pongnet/internal/platform/config"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "pongnet",
		Short: "Two-player paddle game over peer-to-peer rollback netcode",
		Long: `pongnet joins a room on a rendezvous server, then exchanges inputs
directly with the opponent (or through the server's relay) and hides latency
by predicting and rolling back.

Configuration comes from PONGNET_* environment variables; flags override.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		playCmd(),
		replayCmd(),
		archiveCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		},
	)
	if err := rootCmd.Execute(); err != nil {
		config.Exitf("pongnet: %v", err)
	}
}
