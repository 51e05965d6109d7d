package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "spikenet",
	Short: "spikenet - distributed spiking network simulation",
	Long: `spikenet runs a neural network simulation split across one worker
process per neuron group, with an archiver recording firing data.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "spikenet %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(archiverCmd)
	rootCmd.AddCommand(edgesCmd)
	rootCmd.AddCommand(seedCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
