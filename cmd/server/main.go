package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd runs the server when no subcommand is given
var rootCmd = &cobra.Command{
	Use:   "workflow-orchestrator",
	Short: "Run node-graph workflows on a remote GPU host",
	Long: `workflow-orchestrator uploads workflow definitions and input images to a remote
host over SSH, submits them to the job service there through a local tunnel,
tracks their progress and downloads the outputs.`,
	SilenceUsage: true,
	RunE:         serve,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
