package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// configPath is the extra search directory passed to config.LoadWithPath;
// an empty value falls back to config.Load's defaults (./config.yaml, /etc/hostd/).
var configPath string

var rootCmd = &cobra.Command{
	Use:   "hostd",
	Short: "hostd — source-control webhook orchestrator for sandboxed agent containers",
	Long: `hostd listens for source-control webhook deliveries, maps each one to a
canonical event, serializes work per repository, and runs a sandboxed agent
container for every admitted thread. Scheduled tasks and webhook-driven
messages share the same per-repository dispatch queue.

Common workflow:

  hostd migrate                                    # apply schema, then exit
  hostd repos register --prefix github:acme/widgets ...   # register a repository
  hostd repos list                                  # show registered repositories
  hostd serve                                       # run the daemon`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "directory to search for config.yaml (in addition to . and /etc/hostd/)")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("hostd: %w", err)
	}
	return nil
}
