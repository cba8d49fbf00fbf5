// Code generated manually. DO NOT EDIT.

//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject
// +build !wireinject

package wire

import (
	"context"
	"fmt"

	"github.com/archiveforge/git-archiver/internal/app"
	"github.com/archiveforge/git-archiver/internal/config"
	"github.com/archiveforge/git-archiver/internal/logger"
)

// InitializeApp creates and wires all application dependencies.
func InitializeApp(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	loggerConfig := provideLoggerConfig(cfg)
	logWriter := provideLogWriter(cfg)
	slogLogger := logger.NewLogger(loggerConfig, logWriter)

	application, cleanup, err := app.NewApp(ctx, cfg, slogLogger)
	if err != nil {
		return nil, nil, err
	}
	return application, cleanup, nil
}
