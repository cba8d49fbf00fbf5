package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/archiveforge/git-archiver/internal/core"
	"github.com/archiveforge/git-archiver/internal/wire"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Enqueue an immediate status reconciliation pass (enqueue_reconcile)",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx := context.Background()

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer cleanup()

		if err := app.Tasks.Enqueue(core.NewReconcileAllTask()); err != nil {
			if errors.Is(err, core.ErrAlreadyInProgress) {
				fmt.Println("a reconciliation pass is already in progress")
				return nil
			}
			return fmt.Errorf("failed to enqueue reconcile: %w", err)
		}

		fmt.Println("enqueued status reconciliation")
		return nil
	},
}
