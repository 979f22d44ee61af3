package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openhub/reverify/internal/config"
	"github.com/openhub/reverify/internal/email"
	"github.com/openhub/reverify/internal/logging"
	"github.com/openhub/reverify/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sending service quota and bounce rate",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Initialize(cfg.Logging)
	defer logging.Close()

	var client email.Client
	if cfg.Email.Mock {
		client = email.NewMockClient()
	} else {
		client = email.NewHTTPClient(cfg.Email.HTTPClientConfig)
	}
	gateway := email.NewGateway(client)
	ctx := context.Background()

	quota, err := gateway.Quota(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch quota: %w", err)
	}

	rate, err := gateway.BounceRateLast24h(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch statistics: %w", err)
	}

	fmt.Printf("Sent last 24h:     %.0f\n", quota.SentLast24h)
	fmt.Printf("Max 24h send:      %.0f\n", quota.Max24hSend)
	fmt.Printf("Remaining quota:   %.0f\n", quota.Max24hSend-quota.SentLast24h)
	fmt.Printf("Bounce rate (24h): %.2f%%\n", rate)

	st, err := store.Factory(cfg.Store)
	if err == nil {
		if err := st.Connect(); err == nil {
			defer st.Close()
			if accounts, err := st.UnverifiedAccounts(ctx, 0); err == nil {
				fmt.Printf("Unverified accounts: %d\n", len(accounts))
			}
		}
	}

	if rate >= cfg.Gate.BounceRateThreshold {
		fmt.Printf("WARNING: bounce rate at or above the %.1f%% threshold, sends are gated\n",
			cfg.Gate.BounceRateThreshold)
	}

	return nil
}
