package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/archiveforge/git-archiver/internal/core"
	"github.com/archiveforge/git-archiver/internal/wire"
)

var updateCmd = &cobra.Command{
	Use:   "update [id]",
	Short: "Enqueue a mirror/snapshot update for one repository (enqueue_update)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid repository id %q: %w", args[0], err)
		}

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer cleanup()

		if err := app.Tasks.Enqueue(core.NewEnsureMirroredTask(id)); err != nil {
			if errors.Is(err, core.ErrAlreadyInProgress) {
				fmt.Printf("repository %d already has an update in progress\n", id)
				return nil
			}
			return fmt.Errorf("failed to enqueue update: %w", err)
		}

		fmt.Printf("enqueued update for repository %d\n", id)
		return nil
	},
}

var updateAllIncludeArchived bool

var updateAllCmd = &cobra.Command{
	Use:   "update-all",
	Short: "Enqueue a mirror/snapshot update for every tracked repository (enqueue_update_all)",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx := context.Background()

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer cleanup()

		repos, err := app.Store.ListRepositories(ctx)
		if err != nil {
			return fmt.Errorf("failed to list repositories: %w", err)
		}

		enqueued := 0
		for _, repo := range repos {
			if !updateAllIncludeArchived && repo.Status == core.StatusArchived {
				continue
			}
			if repo.Status == core.StatusDeleted {
				continue
			}
			if err := app.Tasks.Enqueue(core.NewEnsureMirroredTask(repo.ID)); err != nil && !errors.Is(err, core.ErrAlreadyInProgress) {
				return fmt.Errorf("failed to enqueue update for %s: %w", repo.FullName(), err)
			}
			enqueued++
		}

		fmt.Printf("enqueued updates for %d repositories\n", enqueued)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Cancel every active and queued task (stop_all)",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx := context.Background()

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer cleanup()

		app.Tasks.CancelAll()
		fmt.Println("cancelled all active and queued tasks")
		return nil
	},
}

func init() { //nolint:gochecknoinits
	updateAllCmd.Flags().BoolVar(&updateAllIncludeArchived, "include-archived", false, "Also enqueue updates for archived repositories")
}
