package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/archiveforge/git-archiver/internal/core"
	"github.com/archiveforge/git-archiver/internal/wire"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and write runtime settings (get_settings / save_settings)",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Read one setting value",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer cleanup()

		value, err := app.Store.GetSetting(ctx, args[0])
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				fmt.Printf("%s is not set\n", args[0])
				return nil
			}
			return fmt.Errorf("failed to read setting %q: %w", args[0], err)
		}
		fmt.Println(value)
		return nil
	},
}

var settingsSaveTokenFlag string

var settingsSaveCmd = &cobra.Command{
	Use:   "save [key] [value]",
	Short: "Write one setting value, or the forge token via --token",
	Args:  cobra.RangeArgs(0, 2),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer cleanup()

		if settingsSaveTokenFlag != "" {
			if err := app.Secrets.Set(settingsSaveTokenFlag); err != nil {
				return fmt.Errorf("failed to store forge token: %w", err)
			}
			fmt.Println("forge token stored")
		}

		if len(args) == 2 {
			if err := app.Store.SaveSetting(ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("failed to save setting %q: %w", args[0], err)
			}
			fmt.Printf("saved %s = %s\n", args[0], args[1])
		} else if settingsSaveTokenFlag == "" {
			return fmt.Errorf("provide a [key] [value] pair, --token, or both")
		}
		return nil
	},
}

func init() { //nolint:gochecknoinits
	settingsSaveCmd.Flags().StringVar(&settingsSaveTokenFlag, "token", "", "Forge auth token to store in the Secret Keeper")
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSaveCmd)
}
