package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/archiveforge/git-archiver/internal/core"
	"github.com/archiveforge/git-archiver/internal/urlcanon"
	"github.com/archiveforge/git-archiver/internal/wire"
)

var addCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Track a new repository (add_repo)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()

		canon, err := urlcanon.Canonicalize(args[0])
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidURL, err)
		}

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer cleanup()

		repo := &core.Repository{
			Owner:  canon.Owner,
			Name:   canon.Name,
			URL:    canon.Canonical,
			Status: core.StatusPending,
		}
		if err := app.Store.CreateRepository(ctx, repo); err != nil {
			if errors.Is(err, core.ErrDuplicateRepo) {
				return fmt.Errorf("already tracked: %s", repo.FullName())
			}
			return fmt.Errorf("failed to add repository: %w", err)
		}

		fmt.Printf("added %s (id=%d)\n", repo.FullName(), repo.ID)
		return nil
	},
}
