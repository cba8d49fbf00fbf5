// Package gitutil drives local bare mirrors of upstream Git repositories:
// cloning, fast-forward updates, and progress/cancellation plumbing.
package gitutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/archiveforge/git-archiver/internal/core"
)

// ProgressFunc receives periodic (fraction, message) updates during a clone
// or fetch. fraction is 0 when the underlying operation reports no usable
// object count yet.
type ProgressFunc func(fraction float64, message string)

// Client drives bare-mirror clone and fetch operations against go-git.
type Client struct {
	Logger *slog.Logger
}

// NewClient returns a new Client instance.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{Logger: logger}
}

// cancelAwareWriter feeds go-git's sideband progress stream: every write is
// treated as one "tick" and checked against ctx, since go-git does not take
// a context for the progress channel itself. On cancellation it returns
// errAbortProgress, which the callers map to core.ErrCancelled.
type cancelAwareWriter struct {
	ctx      context.Context
	onTick   ProgressFunc
	ticks    int64
	cancelFn func()
}

var errAbortProgress = errors.New("gitutil: operation cancelled")

func (w *cancelAwareWriter) Write(p []byte) (int, error) {
	n := atomic.AddInt64(&w.ticks, 1)
	if w.ctx.Err() != nil {
		return 0, errAbortProgress
	}
	if w.onTick != nil {
		line := strings.TrimSpace(string(p))
		// go-git's sideband writer does not expose a numeric fraction; we
		// surface the raw progress line and let the caller judge staleness
		// from tick count instead of a computed percentage.
		w.onTick(fractionFromTickCount(n), line)
	}
	return len(p), nil
}

func fractionFromTickCount(n int64) float64 {
	// Heuristic cap: most clones emit well under 200 sideband lines: beyond
	// that we pin at 0.95 until the operation actually completes.
	f := float64(n) / 200
	if f > 0.95 {
		f = 0.95
	}
	return f
}

// CloneMirror performs a bare mirror clone of url into destination. When
// depth > 0 the clone is shallow to that depth; otherwise full history is
// fetched. Cancellation via ctx aborts the clone at the next progress tick
// and removes the partial destination directory.
func (c *Client) CloneMirror(ctx context.Context, repoURL, destination, token string, depth int, onProgress ProgressFunc) (_ *git.Repository, retErr error) {
	authURL, auth, err := c.resolveAuth(repoURL, token)
	if err != nil {
		return nil, &core.GitError{Op: "clone", Retriable: false, Err: err}
	}

	progress := &cancelAwareWriter{ctx: ctx, onTick: onProgress}

	opts := &git.CloneOptions{
		URL:      authURL,
		Auth:     auth,
		Mirror:   true,
		Progress: progress,
	}
	if depth > 0 {
		opts.Depth = depth
	}

	c.Logger.InfoContext(ctx, "cloning mirror", "url", repoURL, "path", destination, "depth", depth)

	defer func() {
		if r := recover(); r != nil {
			_ = os.RemoveAll(destination)
			retErr = core.ErrCancelled
		}
	}()

	repo, err := git.PlainCloneContext(ctx, destination, true, opts)
	if err != nil {
		_ = os.RemoveAll(destination)
		if errors.Is(err, errAbortProgress) || ctx.Err() != nil {
			return nil, core.ErrCancelled
		}
		return nil, &core.GitError{Op: "clone", Retriable: classifyRetriable(err), Err: err}
	}
	return repo, nil
}

// FetchHasUpdates fetches the default remote's branches and reports whether
// any local branch ref moved. The fetch updates the mirror's branch refs
// itself, fast-forward only: a non-fast-forward upstream surfaces as a
// GitError.
func (c *Client) FetchHasUpdates(ctx context.Context, repo *git.Repository, token string, onProgress ProgressFunc) (bool, error) {
	before, err := headHashes(repo)
	if err != nil {
		return false, &core.GitError{Op: "fetch_has_updates", Retriable: false, Err: err}
	}

	progress := &cancelAwareWriter{ctx: ctx, onTick: onProgress}
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       basicAuth(token),
		Progress:   progress,
		DryRun:     false,
		RefSpecs: []config.RefSpec{
			config.RefSpec("refs/heads/*:refs/heads/*"),
		},
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return false, nil
		}
		if errors.Is(err, errAbortProgress) || ctx.Err() != nil {
			return false, core.ErrCancelled
		}
		return false, &core.GitError{Op: "fetch_has_updates", Retriable: classifyRetriable(err), Err: err}
	}

	after, err := headHashes(repo)
	if err != nil {
		return false, &core.GitError{Op: "fetch_has_updates", Retriable: false, Err: err}
	}
	return !hashSetsEqual(before, after), nil
}

// PullFastForward fetches and fast-forwards tracking refs, returning true
// iff any ref advanced. Non-fast-forward situations surface as a GitError;
// mirrors are never force-updated.
func (c *Client) PullFastForward(ctx context.Context, repo *git.Repository, token string, onProgress ProgressFunc) (bool, error) {
	before, err := headHashes(repo)
	if err != nil {
		return false, &core.GitError{Op: "pull_fast_forward", Retriable: false, Err: err}
	}

	progress := &cancelAwareWriter{ctx: ctx, onTick: onProgress}
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       basicAuth(token),
		Progress:   progress,
		RefSpecs: []config.RefSpec{
			config.RefSpec("refs/heads/*:refs/heads/*"),
		},
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return false, nil
		}
		if errors.Is(err, errAbortProgress) || ctx.Err() != nil {
			return false, core.ErrCancelled
		}
		return false, &core.GitError{Op: "pull_fast_forward", Retriable: classifyRetriable(err), Err: err}
	}

	after, err := headHashes(repo)
	if err != nil {
		return false, &core.GitError{Op: "pull_fast_forward", Retriable: false, Err: err}
	}
	return !hashSetsEqual(before, after), nil
}

// HeadCommit resolves the commit that "HEAD" (or, lacking a symbolic HEAD in
// a bare mirror, the default branch) points at.
func (c *Client) HeadCommit(repo *git.Repository) (plumbing.Hash, error) {
	ref, err := resolveHead(repo)
	if err != nil {
		return plumbing.ZeroHash, &core.GitError{Op: "head_commit", Retriable: false, Err: err}
	}
	return ref.Hash(), nil
}

func resolveHead(repo *git.Repository) (*plumbing.Reference, error) {
	ref, err := repo.Head()
	if err == nil {
		return ref, nil
	}
	// Bare mirrors frequently lack a resolvable symbolic HEAD immediately
	// after clone; fall back to scanning heads for the conventional default
	// branch names.
	for _, name := range []string{"refs/heads/main", "refs/heads/master"} {
		if r, rerr := repo.Reference(plumbing.ReferenceName(name), true); rerr == nil {
			return r, nil
		}
	}
	refs, iterErr := repo.References()
	if iterErr != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	var found *plumbing.Reference
	_ = refs.ForEach(func(r *plumbing.Reference) error {
		if found == nil && r.Name().IsBranch() {
			found = r
		}
		return nil
	})
	if found == nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	return found, nil
}

func headHashes(repo *git.Repository) (map[plumbing.ReferenceName]plumbing.Hash, error) {
	refs, err := repo.References()
	if err != nil {
		return nil, err
	}
	out := map[plumbing.ReferenceName]plumbing.Hash{}
	err = refs.ForEach(func(r *plumbing.Reference) error {
		if r.Type() == plumbing.HashReference && r.Name().IsBranch() {
			out[r.Name()] = r.Hash()
		}
		return nil
	})
	return out, err
}

func hashSetsEqual(a, b map[plumbing.ReferenceName]plumbing.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// classifyRetriable distinguishes transient failures (network, timeout) from
// permanent ones (auth rejected, repository not found) so callers can decide
// whether to set a Repository to status=error or simply retry next cycle.
func classifyRetriable(err error) bool {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication required"),
		strings.Contains(msg, "authorization failed"),
		strings.Contains(msg, "repository not found"):
		return false
	default:
		return true
	}
}

func (c *Client) resolveAuth(repoURL, token string) (string, *githttp.BasicAuth, error) {
	if !strings.HasPrefix(repoURL, "https://") && !strings.HasPrefix(repoURL, "http://") {
		// Non-HTTP transports (file://, used by tests and local mirrors of
		// already-cloned bundles) carry no token auth.
		return repoURL, nil, nil
	}
	if token == "" {
		return repoURL, nil, nil
	}
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return "", nil, fmt.Errorf("parse repo url: %w", err)
	}
	parsed.User = nil
	return parsed.String(), basicAuth(token), nil
}

func basicAuth(token string) *githttp.BasicAuth {
	if token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: token}
}

var _ io.Writer = (*cancelAwareWriter)(nil)
