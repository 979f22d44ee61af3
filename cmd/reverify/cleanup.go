package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openhub/reverify/internal/config"
	"github.com/openhub/reverify/internal/janitor"
	"github.com/openhub/reverify/internal/logging"
	"github.com/openhub/reverify/internal/store"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run the maintenance pass once and exit",
	Long: "Remove trackers of verified accounts and purge unverified accounts " +
		"that exhausted the retry policy",
	RunE: runCleanup,
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Initialize(cfg.Logging)
	defer logging.Close()

	st, err := store.Factory(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := st.Connect(); err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer st.Close()

	jan := janitor.New(st, cfg.Janitor.Policy, time.Duration(cfg.Janitor.IntervalSeconds)*time.Second)
	return jan.Cleanup(context.Background())
}
