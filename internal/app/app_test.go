package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/archiveforge/git-archiver/internal/config"
	"github.com/archiveforge/git-archiver/internal/storage"
)

const settingsSchema = `
CREATE TABLE settings (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL
);
`

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(settingsSchema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewStore(db)
}

func TestApplySettingOverrides_ValidValuesOverrideConfig(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveSetting(ctx, "max_concurrency", "8"))
	require.NoError(t, store.SaveSetting(ctx, "default_mirror_depth", "50"))
	require.NoError(t, store.SaveSetting(ctx, "auto_poll_interval", "5m"))

	cfg := &config.Config{
		Concurrency: config.ConcurrencyConfig{MaxWorkers: 4, CloneDepth: 0},
		Poll:        config.PollConfig{Interval: 15 * time.Minute},
	}
	applySettingOverrides(ctx, store, cfg, slog.Default())

	require.Equal(t, 8, cfg.Concurrency.MaxWorkers)
	require.Equal(t, 50, cfg.Concurrency.CloneDepth)
	require.Equal(t, 5*time.Minute, cfg.Poll.Interval)
}

func TestApplySettingOverrides_InvalidValueKeepsConfigDefault(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveSetting(ctx, "max_concurrency", "not-a-number"))
	require.NoError(t, store.SaveSetting(ctx, "auto_poll_interval", "1s"))

	cfg := &config.Config{
		Concurrency: config.ConcurrencyConfig{MaxWorkers: 4, CloneDepth: 0},
		Poll:        config.PollConfig{Interval: 15 * time.Minute},
	}
	applySettingOverrides(ctx, store, cfg, slog.Default())

	require.Equal(t, 4, cfg.Concurrency.MaxWorkers, "unparseable override must not change config")
	require.Equal(t, 15*time.Minute, cfg.Poll.Interval, "an interval below the 1m floor must not change config")
}

func TestApplySettingOverrides_MissingSettingsLeaveConfigUntouched(t *testing.T) {
	store := newTestStore(t)
	cfg := &config.Config{
		Concurrency: config.ConcurrencyConfig{MaxWorkers: 4, CloneDepth: 0},
		Poll:        config.PollConfig{Interval: 15 * time.Minute},
	}
	applySettingOverrides(context.Background(), store, cfg, slog.Default())

	require.Equal(t, 4, cfg.Concurrency.MaxWorkers)
	require.Equal(t, 0, cfg.Concurrency.CloneDepth)
	require.Equal(t, 15*time.Minute, cfg.Poll.Interval)
}
