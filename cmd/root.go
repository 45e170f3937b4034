package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/beacon/internal/meta"
)

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Beacon realtime messaging client",
	Long: `Beacon realtime messaging client

A console harness around the Beacon client library: subscribe to
channels, publish messages, and query history from the command line.
`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()
		fmt.Printf("beacon %s (%s %s) %s\n", info.Version, info.Branch, info.Build, info.Platform)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ListenCmd)
	rootCmd.AddCommand(PublishCmd)
	rootCmd.AddCommand(HistoryCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
