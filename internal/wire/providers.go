package wire

import (
	"io"
	"log/slog"

	"github.com/archiveforge/git-archiver/internal/app"
	"github.com/archiveforge/git-archiver/internal/config"
	"github.com/archiveforge/git-archiver/internal/logger"
)

func provideLoggerConfig(cfg *config.Config) logger.Config {
	return cfg.Logging
}

func provideLogWriter(cfg *config.Config) io.Writer {
	return app.LogWriter(cfg.Logging)
}

func provideSlogLogger(loggerConfig logger.Config, writer io.Writer) *slog.Logger {
	l := logger.NewLogger(loggerConfig, writer)
	slog.SetDefault(l)
	return l
}
