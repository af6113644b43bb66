package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "restrike",
	Short: "restrike - PSS scoreboard to OBS recording bridge",
	Long: `restrike listens for the WT PSS scoring feed over UDP, folds it into the
live match state and drives one or more OBS Studio instances over the OBS
WebSocket v5 protocol, naming each match recording from the scoreboard.

Configuration is layered: defaults, then the YAML file given by --config
(or RESTRIKE_CONFIG), then RESTRIKE_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalOpts.ConfigPath, "config", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&globalOpts.LogLevel, "log-level", "", "Override log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&globalOpts.LogJSON, "log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(obsCmd)
	rootCmd.AddCommand(tournamentCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}
