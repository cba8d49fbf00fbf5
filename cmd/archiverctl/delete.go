package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/archiveforge/git-archiver/internal/wire"
)

var deleteRemoveFiles bool

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Stop tracking a repository (delete_repo)",
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

		repo, err := app.Store.GetRepository(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to look up repository %d: %w", id, err)
		}

		if deleteRemoveFiles {
			root := filepath.Join(app.Cfg.Storage.DataDir, repo.Owner+"_"+repo.Name)
			if err := os.RemoveAll(root); err != nil {
				return fmt.Errorf("failed to remove on-disk data for %s: %w", repo.FullName(), err)
			}
		}

		if err := app.Store.DeleteRepository(ctx, id, deleteRemoveFiles); err != nil {
			return fmt.Errorf("failed to delete repository %d: %w", id, err)
		}

		fmt.Printf("deleted %s\n", repo.FullName())
		return nil
	},
}

func init() { //nolint:gochecknoinits
	deleteCmd.Flags().BoolVar(&deleteRemoveFiles, "remove-files", false, "Also remove the on-disk mirror and archive files")
}
