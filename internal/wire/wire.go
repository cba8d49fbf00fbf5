//go:build wireinject
// +build wireinject

package wire

import (
	"context"

	"github.com/google/wire"

	"github.com/archiveforge/git-archiver/internal/app"
	"github.com/archiveforge/git-archiver/internal/config"
)

// InitializeApp builds a fully wired *app.App from configuration loaded off
// disk/environment. The real dependency graph lives in app.NewApp; this
// file only declares it to wire so wire_gen.go can be regenerated if the
// graph changes.
func InitializeApp(ctx context.Context) (*app.App, func(), error) {
	wire.Build(
		app.NewApp,
		provideConfig,
		provideLoggerConfig,
		provideLogWriter,
		provideSlogLogger,
	)
	return &app.App{}, nil, nil
}

func provideConfig() (*config.Config, error) {
	return config.LoadConfig()
}

