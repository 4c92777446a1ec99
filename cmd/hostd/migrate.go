package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/config"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the store's schema and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logging.New(logging.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()

	st, err := store.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	log.Info("schema migrated", zap.String("path", cfg.Database.Path))
	return nil
}
