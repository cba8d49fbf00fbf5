package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/archiveforge/git-archiver/internal/snapshot"
	"github.com/archiveforge/git-archiver/internal/wire"
)

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "Inspect and manage archive snapshots",
}

var archivesListCmd = &cobra.Command{
	Use:   "list [repo-id]",
	Short: "List archives for a repository (list_archives)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		repoID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid repository id %q: %w", args[0], err)
		}

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer cleanup()

		archives, err := app.Store.ListArchives(ctx, repoID)
		if err != nil {
			return fmt.Errorf("failed to list archives: %w", err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "FILENAME", "SIZE BYTES", "FILES", "INCREMENTAL", "CREATED")
		for _, a := range archives {
			_ = table.Append([]string{
				fmt.Sprintf("%d", a.ID),
				a.Filename,
				fmt.Sprintf("%d", a.SizeBytes),
				fmt.Sprintf("%d", a.FileCount),
				fmt.Sprintf("%t", a.Incremental),
				a.CreatedAt.Format("2006-01-02 15:04"),
			})
		}
		return table.Render()
	},
}

var archivesExtractCmd = &cobra.Command{
	Use:   "extract [archive-id] [destination]",
	Short: "Extract an archive to a destination directory (extract_archive)",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		archiveID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid archive id %q: %w", args[0], err)
		}
		destination := args[1]

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer cleanup()

		archive, err := app.Store.GetArchive(ctx, archiveID)
		if err != nil {
			return fmt.Errorf("failed to look up archive %d: %w", archiveID, err)
		}

		result, err := snapshot.Unpack(archive.FilePath, destination)
		if err != nil {
			return fmt.Errorf("failed to extract archive %d: %w", archiveID, err)
		}

		fmt.Printf("extracted %d files to %s\n", result.FileCount, destination)
		return nil
	},
}

var archivesDeleteCmd = &cobra.Command{
	Use:   "delete [archive-id]",
	Short: "Delete an archive row (delete_archive)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		archiveID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid archive id %q: %w", args[0], err)
		}

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer cleanup()

		if err := app.Store.DeleteArchive(ctx, archiveID); err != nil {
			return fmt.Errorf("failed to delete archive %d: %w", archiveID, err)
		}

		fmt.Printf("deleted archive %d (on-disk file untouched; cleanup is user-initiated)\n", archiveID)
		return nil
	},
}

func init() { //nolint:gochecknoinits
	archivesCmd.AddCommand(archivesListCmd)
	archivesCmd.AddCommand(archivesExtractCmd)
	archivesCmd.AddCommand(archivesDeleteCmd)
}
