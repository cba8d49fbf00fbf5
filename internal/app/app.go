// Package app initializes and orchestrates the main components of the
// archiver: configuration, storage, the worker pool, and the background
// reconciler.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/archiveforge/git-archiver/internal/config"
	"github.com/archiveforge/git-archiver/internal/core"
	"github.com/archiveforge/git-archiver/internal/db"
	"github.com/archiveforge/git-archiver/internal/eventbus"
	"github.com/archiveforge/git-archiver/internal/forge"
	"github.com/archiveforge/git-archiver/internal/gitutil"
	"github.com/archiveforge/git-archiver/internal/logger"
	"github.com/archiveforge/git-archiver/internal/reconciler"
	"github.com/archiveforge/git-archiver/internal/secrets"
	"github.com/archiveforge/git-archiver/internal/storage"
	"github.com/archiveforge/git-archiver/internal/taskmanager"
	"github.com/archiveforge/git-archiver/internal/worker"
)

// App holds every long-lived component the CLI and any background run loop
// operate against.
type App struct {
	Store      storage.Store
	GitClient  *gitutil.Client
	Forge      *forge.Client
	Secrets    *secrets.Keeper
	Tasks      *taskmanager.Manager
	Events     *eventbus.Bus
	Reconciler *reconciler.Reconciler
	Cfg        *config.Config

	logger *slog.Logger
}

// NewApp wires every component described by the engine: the metadata store,
// the forge client, the worker loop behind the task manager, and the
// status reconciler's timer. The forge client is constructed lazily-ish:
// if no token is available from the Secret Keeper or config fallback, the
// client is still built (unauthenticated requests work against public
// repos, just at a lower rate limit).
func NewApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, func(), error) {
	if log == nil {
		log = slog.Default()
	}
	log.Info("initializing archiver",
		"data_dir", cfg.Storage.DataDir,
		"max_workers", cfg.Concurrency.MaxWorkers,
		"forge_base_url", cfg.Forge.BaseURL,
	)

	dbConn, dbCleanup, err := db.NewDatabase(&cfg.Storage)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(dbConn.DB)
	applySettingOverrides(ctx, store, cfg, log)

	gitClient := gitutil.NewClient(log.With("component", "gitutil"))
	keeper := secrets.NewKeeper("")

	token := resolveToken(keeper, cfg.Forge.Token, log)

	forgeClient, err := forge.NewClientWithEndpoint(ctx, token, cfg.Forge.BaseURL, "", false, log.With("component", "forge"))
	if err != nil {
		dbCleanup()
		return nil, nil, fmt.Errorf("failed to create forge client: %w", err)
	}

	bus := eventbus.New(log.With("component", "eventbus"))

	workerLoop := worker.New(store, gitClient, forgeClient, bus, func() string { return resolveToken(keeper, cfg.Forge.Token, log) },
		cfg.Storage.DataDir, cfg.Concurrency.CloneDepth, log.With("component", "worker"))

	tasks := taskmanager.New(cfg.Concurrency.MaxWorkers, workerLoop.Handle, log.With("component", "taskmanager"))

	recon := reconciler.New(tasks, cfg.Poll.Interval, log.With("component", "reconciler"))

	log.Info("archiver initialized successfully")
	return &App{
			Store:      store,
			GitClient:  gitClient,
			Forge:      forgeClient,
			Secrets:    keeper,
			Tasks:      tasks,
			Events:     bus,
			Reconciler: recon,
			Cfg:        cfg,
			logger:     log,
		}, func() {
			dbCleanup()
		}, nil
}

// applySettingOverrides reads the three runtime-tunable Settings (C1) over
// their config-file/env/default values, at process startup only: there is
// no live-reload mid-process, so a `settings save` after the process is
// already running takes effect on the next restart. Each value is
// re-validated against its own section's Validate() before being applied;
// an invalid or unparseable override is logged and the existing config
// value is kept rather than leaving cfg in an inconsistent state.
func applySettingOverrides(ctx context.Context, store storage.Store, cfg *config.Config, log *slog.Logger) {
	if v, err := store.GetSetting(ctx, "max_concurrency"); err == nil {
		n, perr := strconv.Atoi(v)
		candidate := config.ConcurrencyConfig{MaxWorkers: n, CloneDepth: cfg.Concurrency.CloneDepth}
		if perr == nil && candidate.Validate() == nil {
			cfg.Concurrency.MaxWorkers = n
		} else {
			log.Warn("ignoring invalid max_concurrency setting", "value", v)
		}
	}
	if v, err := store.GetSetting(ctx, "default_mirror_depth"); err == nil {
		n, perr := strconv.Atoi(v)
		candidate := config.ConcurrencyConfig{MaxWorkers: cfg.Concurrency.MaxWorkers, CloneDepth: n}
		if perr == nil && candidate.Validate() == nil {
			cfg.Concurrency.CloneDepth = n
		} else {
			log.Warn("ignoring invalid default_mirror_depth setting", "value", v)
		}
	}
	if v, err := store.GetSetting(ctx, "auto_poll_interval"); err == nil {
		d, perr := time.ParseDuration(v)
		candidate := config.PollConfig{Interval: d}
		if perr == nil && candidate.Validate() == nil {
			cfg.Poll.Interval = d
		} else {
			log.Warn("ignoring invalid auto_poll_interval setting", "value", v)
		}
	}
}

// resolveToken prefers the Secret Keeper; a keyring miss or unavailable
// backend falls back to the config-supplied token so hosts with no usable
// OS keyring still work, at the cost of a plaintext token in config.
func resolveToken(keeper *secrets.Keeper, fallback string, log *slog.Logger) string {
	token, err := keeper.Get()
	switch {
	case err == nil:
		return token
	case errors.Is(err, core.ErrNotFound):
		return fallback
	default:
		log.Warn("secret keeper unavailable, falling back to configured token", "error", err)
		return fallback
	}
}

// Start runs the Task Manager's dispatch loop and the reconciler's timer
// until ctx is cancelled. Both run in the caller's goroutine set; Start
// blocks until ctx is done.
func (a *App) Start(ctx context.Context) {
	a.logger.Info("starting archiver run loop", "max_workers", a.Cfg.Concurrency.MaxWorkers)

	done := make(chan struct{})
	go func() {
		a.Tasks.Run(ctx)
		close(done)
	}()
	go a.Reconciler.Run(ctx)

	<-done
	a.logger.Info("archiver run loop stopped")
}

// LogWriter resolves the configured log output target. The "file" case
// uses cfg.FilePath (set from storage.data_dir by config.LoadConfig's
// defaults), or "archiver.log" in the working directory when it is empty;
// if the file cannot be opened, output goes to stdout.
func LogWriter(cfg logger.Config) io.Writer {
	switch cfg.Output {
	case "stderr":
		return os.Stderr
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = "archiver.log"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return os.Stdout
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}
