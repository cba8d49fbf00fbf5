// Package worker implements the Worker Loop (C8): the state machines that
// turn a Task Manager dispatch into clone/fetch/hash/pack/commit work
// against a single Repository, or a batched reconcile pass over many.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/archiveforge/git-archiver/internal/core"
	"github.com/archiveforge/git-archiver/internal/eventbus"
	"github.com/archiveforge/git-archiver/internal/forge"
	"github.com/archiveforge/git-archiver/internal/gitutil"
	"github.com/archiveforge/git-archiver/internal/hashindex"
	"github.com/archiveforge/git-archiver/internal/snapshot"
	"github.com/archiveforge/git-archiver/internal/storage"
	"github.com/archiveforge/git-archiver/internal/taskmanager"
	"github.com/archiveforge/git-archiver/internal/urlcanon"
)

// mirrorDirName and versionsDirName make up the exclusion set (see
// exclusionSet) passed to the hash indexer and packer: the bare mirror itself and the versions directory never participate in
// the hashed/archived working set.
const (
	mirrorDirName   = ".mirror"
	versionsDirName = "versions"
)

func exclusionSet() map[string]struct{} {
	return map[string]struct{}{
		mirrorDirName:   {},
		versionsDirName: {},
	}
}

// TokenSource resolves the forge auth token to use for a clone/fetch; an
// empty return means "no token" rather than an error.
type TokenSource func() string

// Loop owns the component handles EnsureMirrored and ReconcileStatus orchestrate.
type Loop struct {
	store      storage.Store
	git        *gitutil.Client
	forge      *forge.Client
	bus        *eventbus.Bus
	token      TokenSource
	dataDir    string
	cloneDepth int
	logger     *slog.Logger
}

// New returns a Loop. dataDir is the root under which every repository gets
// a `<owner>_<name>/` directory containing its mirror and versions.
func New(store storage.Store, git *gitutil.Client, forgeClient *forge.Client, bus *eventbus.Bus, token TokenSource, dataDir string, cloneDepth int, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{store: store, git: git, forge: forgeClient, bus: bus, token: token, dataDir: dataDir, cloneDepth: cloneDepth, logger: logger}
}

// Handle is the taskmanager.Handler entry point, dispatching by task kind.
func (l *Loop) Handle(ctx context.Context, task core.Task) {
	switch task.Kind {
	case core.TaskEnsureMirrored:
		l.ensureMirrored(ctx, task.RepoID)
	case core.TaskReconcileStatus:
		l.reconcileStatus(ctx, task.RepoIDs)
	case core.TaskStopAll:
		// StopAll carries no independent body: taskmanager.CancelAll is
		// invoked directly by the caller that enqueued it, before this
		// handler would ever run.
	}
}

func (l *Loop) dataRoot(owner, name string) string {
	return filepath.Join(l.dataDir, owner+"_"+name)
}

func (l *Loop) ensureMirrored(ctx context.Context, repoID int64) {
	repo, err := l.store.GetRepository(ctx, repoID)
	if err != nil {
		l.logger.ErrorContext(ctx, "ensure_mirrored: repository lookup failed", "repo_id", repoID, "error", err)
		return
	}

	root := l.dataRoot(repo.Owner, repo.Name)
	mirrorPath := filepath.Join(root, mirrorDirName)

	l.bus.PublishProgress(core.TaskProgress{RepoID: repo.ID, RepoURL: repo.URL, Stage: core.StageCloning})

	mirror, advanced, ferr := l.syncMirror(ctx, repo, mirrorPath)
	if ferr != nil {
		if errors.Is(ferr, core.ErrCancelled) {
			l.finishCancelled(ctx, repo)
			return
		}
		l.finishFailed(ctx, repo, ferr)
		return
	}
	if !advanced {
		l.bus.PublishProgress(core.TaskProgress{RepoID: repo.ID, RepoURL: repo.URL, Stage: core.StageDone, Fraction: 1})
		return
	}

	l.bus.PublishProgress(core.TaskProgress{RepoID: repo.ID, RepoURL: repo.URL, Stage: core.StageArchiving})
	if err := l.snapshotRepo(ctx, repo, mirror, root, mirrorPath); err != nil {
		if errors.Is(err, core.ErrCancelled) {
			l.finishCancelled(ctx, repo)
			return
		}
		l.finishFailed(ctx, repo, err)
		return
	}

	l.bus.PublishProgress(core.TaskProgress{RepoID: repo.ID, RepoURL: repo.URL, Stage: core.StageDone, Fraction: 1})
}

// syncMirror clones if no mirror exists yet, else fetches and fast-forwards.
// It returns the open mirror handle and whether new content is now available
// to snapshot.
func (l *Loop) syncMirror(ctx context.Context, repo *core.Repository, mirrorPath string) (*git.Repository, bool, error) {
	token := l.tokenOrEmpty()

	if repo.MirrorPath == "" || !mirrorExists(mirrorPath) {
		onProgress := func(fraction float64, msg string) {
			l.bus.PublishProgress(core.TaskProgress{RepoID: repo.ID, RepoURL: repo.URL, Stage: core.StageCloning, Fraction: fraction, Message: msg})
		}
		cloned, err := l.git.CloneMirror(ctx, repo.URL, mirrorPath, token, l.cloneDepth, onProgress)
		if err != nil {
			if errors.Is(err, core.ErrCancelled) {
				return nil, false, err
			}
			if handled := l.handleCloneFailure(ctx, repo, err); handled {
				return nil, false, nil
			}
			return nil, false, err
		}
		now := time.Now().UTC()
		repo.MirrorPath = mirrorPath
		repo.LastClonedAt = &now
		repo.Status = core.StatusActive
		repo.ErrorMessage = ""
		if uerr := l.store.UpdateRepository(ctx, repo); uerr != nil {
			return nil, false, fmt.Errorf("persist clone result: %w", uerr)
		}
		l.bus.PublishRepoUpdated(*repo)
		return cloned, true, nil
	}

	repository, err := openMirror(mirrorPath)
	if err != nil {
		return nil, false, &core.GitError{Op: "open_mirror", Retriable: false, Err: err}
	}

	l.bus.PublishProgress(core.TaskProgress{RepoID: repo.ID, RepoURL: repo.URL, Stage: core.StageFetching})
	onProgress := func(fraction float64, msg string) {
		l.bus.PublishProgress(core.TaskProgress{RepoID: repo.ID, RepoURL: repo.URL, Stage: core.StageFetching, Fraction: fraction, Message: msg})
	}

	hasUpdates, err := l.git.FetchHasUpdates(ctx, repository, token, onProgress)
	if err != nil {
		return nil, false, err
	}
	if !hasUpdates {
		return nil, false, nil
	}

	// FetchHasUpdates has already moved the mirror's branch refs, so the pull
	// normally finds nothing left to advance; new content is there either way.
	if _, err := l.git.PullFastForward(ctx, repository, token, onProgress); err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	repo.LastUpdatedAt = &now
	if uerr := l.store.UpdateRepository(ctx, repo); uerr != nil {
		return nil, false, fmt.Errorf("persist fetch result: %w", uerr)
	}
	l.bus.PublishRepoUpdated(*repo)
	return repository, true, nil
}

// handleCloneFailure maps a non-retriable clone failure that reads as
// "repository not found" into the deleted lifecycle transition (no error
// reported), persisting and publishing the change itself. It returns false
// for every other failure, leaving the generic error path to the caller.
func (l *Loop) handleCloneFailure(ctx context.Context, repo *core.Repository, err error) bool {
	var gerr *core.GitError
	if !errors.As(err, &gerr) || gerr.Retriable {
		return false
	}
	if gerr.Err == nil || !strings.Contains(strings.ToLower(gerr.Err.Error()), "repository not found") {
		return false
	}
	repo.Status = core.StatusDeleted
	repo.ErrorMessage = ""
	if uerr := l.store.UpdateRepository(ctx, repo); uerr != nil {
		l.logger.ErrorContext(ctx, "failed to persist deleted state", "repo_id", repo.ID, "error", uerr)
		return false
	}
	l.bus.PublishRepoUpdated(*repo)
	return true
}

func (l *Loop) snapshotRepo(ctx context.Context, repo *core.Repository, mirror *git.Repository, root, mirrorPath string) error {
	if err := ctx.Err(); err != nil {
		return core.ErrCancelled
	}

	head, err := l.git.HeadCommit(mirror)
	if err != nil {
		return &core.GitError{Op: "head_commit", Retriable: false, Err: err}
	}
	commit, err := mirror.CommitObject(head)
	if err != nil {
		return &core.GitError{Op: "head_commit", Retriable: false, Err: err}
	}
	if err := gitutil.ExportWorktree(commit, root, mirrorDirName, versionsDirName); err != nil {
		return &core.GitError{Op: "export_worktree", Retriable: false, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return core.ErrCancelled
	}

	curr, err := hashindex.HashTree(root, exclusionSet())
	if err != nil {
		return err
	}

	prev, err := l.store.GetFileHashMap(ctx, repo.ID)
	if err != nil {
		return err
	}

	var fileList []string
	incremental := len(prev) > 0
	if incremental {
		diff := hashindex.DiffMaps(hashindex.DigestMap(prev), curr)
		if diff.Empty() {
			return nil
		}
		fileList = diff.ChangedPaths()
	}

	if err := ctx.Err(); err != nil {
		return core.ErrCancelled
	}

	versionsDir := filepath.Join(root, versionsDirName)
	filename := fmt.Sprintf("%s_%s__%s.tar.xz", repo.Owner, repo.Name, time.Now().UTC().Format("20060102T150405Z"))
	outputPath := filepath.Join(versionsDir, filename)

	result, err := snapshot.Pack(root, outputPath, fileList, exclusionSet())
	if err != nil {
		return err
	}

	archive := &core.Archive{
		RepositoryID: repo.ID,
		Filename:     filename,
		FilePath:     outputPath,
		SizeBytes:    result.SizeBytes,
		FileCount:    result.FileCount,
		Incremental:  incremental,
	}
	if err := l.store.CommitSnapshot(ctx, archive, curr); err != nil {
		_ = os.Remove(outputPath)
		return err
	}
	return nil
}

func (l *Loop) finishCancelled(ctx context.Context, repo *core.Repository) {
	l.bus.PublishProgress(core.TaskProgress{RepoID: repo.ID, RepoURL: repo.URL, Stage: core.StageCancelled})
}

func (l *Loop) finishFailed(ctx context.Context, repo *core.Repository, err error) {
	message := redactPath(err.Error(), l.dataDir)
	repo.Status = core.StatusError
	repo.ErrorMessage = message
	if uerr := l.store.UpdateRepository(ctx, repo); uerr != nil {
		l.logger.ErrorContext(ctx, "failed to persist error state", "repo_id", repo.ID, "error", uerr)
	}
	l.bus.PublishRepoUpdated(*repo)
	l.bus.PublishError(repo.ID, errorKind(err), message)
	l.bus.PublishProgress(core.TaskProgress{RepoID: repo.ID, RepoURL: repo.URL, Stage: core.StageFailed, Message: message})
}

func errorKind(err error) string {
	var (
		gerr  *core.GitError
		ferr  *core.ForgeError
		rlerr *core.RateLimitedError
		aerr  *core.ArchiveError
		serr  *core.StorageError
	)
	switch {
	case errors.As(err, &gerr):
		return "GitFailure"
	case errors.As(err, &rlerr):
		return "RateLimited"
	case errors.As(err, &ferr):
		return "ForgeApiFailure"
	case errors.As(err, &aerr):
		return "ArchiveFailure"
	case errors.As(err, &serr):
		return "StorageFailure"
	default:
		return "Unknown"
	}
}

// redactPath replaces any absolute-path occurrence of dataDir in msg with a
// data-root-relative marker, so published errors never leak host paths.
func redactPath(msg, dataDir string) string {
	if dataDir == "" {
		return msg
	}
	return strings.ReplaceAll(msg, dataDir, "<data_dir>")
}

func (l *Loop) tokenOrEmpty() string {
	if l.token == nil {
		return ""
	}
	return l.token()
}

// reconcileStatus batches repoIDs (or every tracked repository when empty)
// into chunks of at most 100, maps each forge result onto the lifecycle
// rule, and updates each affected row with its own UpdateRepository call;
// the rows of a chunk are not written in one transaction.
func (l *Loop) reconcileStatus(ctx context.Context, repoIDs []int64) {
	repos, err := l.reconcileSubjects(ctx, repoIDs)
	if err != nil {
		l.logger.ErrorContext(ctx, "reconcile: failed to load repositories", "error", err)
		return
	}
	if len(repos) == 0 {
		return
	}

	const chunkSize = 100
	for start := 0; start < len(repos); start += chunkSize {
		if ctx.Err() != nil {
			return
		}
		end := start + chunkSize
		if end > len(repos) {
			end = len(repos)
		}
		l.reconcileChunk(ctx, repos[start:end])
	}
}

func (l *Loop) reconcileSubjects(ctx context.Context, repoIDs []int64) ([]*core.Repository, error) {
	if len(repoIDs) == 0 {
		return l.store.ListRepositories(ctx)
	}
	out := make([]*core.Repository, 0, len(repoIDs))
	for _, id := range repoIDs {
		repo, err := l.store.GetRepository(ctx, id)
		if err != nil {
			// Per-subject failures degrade rather than aborting the whole pass.
			l.logger.WarnContext(ctx, "reconcile: repository lookup failed", "repo_id", id, "error", err)
			continue
		}
		out = append(out, repo)
	}
	return out, nil
}

func (l *Loop) reconcileChunk(ctx context.Context, repos []*core.Repository) {
	subjects := make([]forge.OwnerName, len(repos))
	for i, repo := range repos {
		subjects[i] = forge.OwnerName{Owner: repo.Owner, Name: repo.Name}
	}

	results, err := l.forge.BatchGetRepos(ctx, subjects)
	if err != nil {
		// RateLimited is informational: the client itself suspends further
		// calls until the advertised reset, so this chunk is skipped (its rows
		// keep their status) rather than publishing a failure against every
		// repo in it; the pass goes on with the next chunk.
		l.bus.Publish(core.Event{Error: &core.TaskError{Kind: errorKind(err), Message: err.Error()}})
		return
	}

	for i, repo := range repos {
		if i >= len(results) {
			break
		}
		l.applyReconcileResult(ctx, repo, results[i])
	}
}

func (l *Loop) applyReconcileResult(ctx context.Context, repo *core.Repository, meta forge.RepoMeta) {
	now := time.Now().UTC()
	repo.LastCheckedAt = &now

	switch {
	case meta.NotFound:
		repo.Status = core.StatusDeleted
	case meta.Archived:
		repo.Status = core.StatusArchived
		repo.Description = meta.Description
		repo.Private = meta.Private
	default:
		// Any subsequent successful poll overrides a prior deleted/archived
		// state: upstream reappearance is treated as a return to active.
		repo.Status = core.StatusActive
		repo.Description = meta.Description
		repo.Private = meta.Private
	}

	if err := l.store.UpdateRepository(ctx, repo); err != nil {
		l.logger.WarnContext(ctx, "reconcile: failed to persist repository", "repo_id", repo.ID, "error", err)
		return
	}
	l.bus.PublishRepoUpdated(*repo)
}

// EnsureMirroredTask is a convenience constructor kept alongside the loop so
// callers enqueueing work never need to import core for the common case.
func EnsureMirroredTask(repoID int64) core.Task {
	return core.NewEnsureMirroredTask(repoID)
}

// ValidateOwnerName re-exposes the canonicalizer's character-class check
// for callers validating subjects before they reach the forge client.
func ValidateOwnerName(owner, name string) bool {
	return urlcanon.ValidSegment(owner) && urlcanon.ValidSegment(name)
}

func mirrorExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func openMirror(path string) (*git.Repository, error) {
	return git.PlainOpen(path)
}

var _ taskmanager.Handler = (*Loop)(nil).Handle
