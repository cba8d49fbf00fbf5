package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "archiverctl",
	Short: "archiverctl drives the local mirror-and-snapshot archival engine",
	Long:  `A command-line interface for adding repositories, enqueueing mirror/reconcile work, and managing archives and settings.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() { //nolint:gochecknoinits // cobra command registration
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(updateAllCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(archivesCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(rateLimitCmd)
	rootCmd.AddCommand(importCmd)
}
