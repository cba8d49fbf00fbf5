package main

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/archiveforge/git-archiver/internal/core"
	"github.com/archiveforge/git-archiver/internal/wire"
)

var listStatusFilter string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked repositories (list_repos)",
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

		filter := core.RepoStatus(listStatusFilter)
		if listStatusFilter != "" && !filter.Valid() {
			return fmt.Errorf("invalid status filter %q", listStatusFilter)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "REPOSITORY", "STATUS", "LAST UPDATED")
		for _, repo := range repos {
			if listStatusFilter != "" && repo.Status != filter {
				continue
			}
			lastUpdated := "-"
			if repo.LastUpdatedAt != nil {
				lastUpdated = repo.LastUpdatedAt.Format("2006-01-02 15:04")
			}
			_ = table.Append([]string{
				fmt.Sprintf("%d", repo.ID),
				repo.FullName(),
				string(repo.Status),
				lastUpdated,
			})
		}
		return table.Render()
	},
}

func init() { //nolint:gochecknoinits
	listCmd.Flags().StringVar(&listStatusFilter, "status", "", "Filter by lifecycle status (pending, active, archived, deleted, error)")
}
