package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/archiveforge/git-archiver/internal/wire"
)

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Show the forge API's current rate-limit budget (get_rate_limit)",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx := context.Background()

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer cleanup()

		rl, err := app.Forge.RateLimitStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch rate limit: %w", err)
		}

		reset := time.Unix(rl.ResetEpoch, 0).Format(time.RFC3339)
		fmt.Printf("limit=%d remaining=%d reset=%s\n", rl.Limit, rl.Remaining, reset)
		return nil
	},
}
