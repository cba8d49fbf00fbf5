package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/archiveforge/git-archiver/internal/legacyimport"
	"github.com/archiveforge/git-archiver/internal/wire"
)

var importCmd = &cobra.Command{
	Use:   "import [path]",
	Short: "One-shot import of a legacy URL-to-metadata JSON export (import_legacy)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()

		blob, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer cleanup()

		result, err := legacyimport.Import(ctx, app.Store, blob)
		if err != nil {
			return fmt.Errorf("legacy import failed: %w", err)
		}

		fmt.Printf("imported=%d archives_found=%d\n", result.ImportedCount, result.ArchivesFound)
		for _, e := range result.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		return nil
	},
}
