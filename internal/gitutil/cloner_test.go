package gitutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

// newSourceRepo creates a normal (non-bare) repository with one commit and
// returns its path, suitable for cloning over the file:// transport.
func newSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	writeCommit(t, repo, dir, "a.txt", "hello")
	return dir
}

func writeCommit(t *testing.T, repo *git.Repository, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	_, err = wt.Commit("add "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(0, 0)},
	})
	require.NoError(t, err)
}

func TestCloneMirror_Succeeds(t *testing.T) {
	src := newSourceRepo(t)
	dst := filepath.Join(t.TempDir(), "mirror.git")

	c := NewClient(nil)
	var lastMsg string
	repo, err := c.CloneMirror(context.Background(), "file://"+src, dst, "", 0, func(f float64, msg string) {
		lastMsg = msg
	})
	require.NoError(t, err)
	require.NotNil(t, repo)

	head, err := c.HeadCommit(repo)
	require.NoError(t, err)
	require.False(t, head.IsZero())
	_ = lastMsg
}

func TestCloneMirror_CleansUpOnFailure(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "mirror.git")
	c := NewClient(nil)

	_, err := c.CloneMirror(context.Background(), "file:///nonexistent/path/does-not-exist", dst, "", 0, nil)
	require.Error(t, err)
	_, statErr := os.Stat(dst)
	require.True(t, os.IsNotExist(statErr))
}

func TestFetchHasUpdates_DetectsNewCommit(t *testing.T) {
	src := newSourceRepo(t)
	dst := filepath.Join(t.TempDir(), "mirror.git")

	c := NewClient(nil)
	repo, err := c.CloneMirror(context.Background(), "file://"+src, dst, "", 0, nil)
	require.NoError(t, err)

	has, err := c.FetchHasUpdates(context.Background(), repo, "", nil)
	require.NoError(t, err)
	require.False(t, has)

	srcRepo, err := git.PlainOpen(src)
	require.NoError(t, err)
	writeCommit(t, srcRepo, src, "b.txt", "world")

	has, err = c.FetchHasUpdates(context.Background(), repo, "", nil)
	require.NoError(t, err)
	require.True(t, has)
}

func TestPullFastForward_AdvancesRefs(t *testing.T) {
	src := newSourceRepo(t)
	dst := filepath.Join(t.TempDir(), "mirror.git")

	c := NewClient(nil)
	repo, err := c.CloneMirror(context.Background(), "file://"+src, dst, "", 0, nil)
	require.NoError(t, err)

	before, err := c.HeadCommit(repo)
	require.NoError(t, err)

	srcRepo, err := git.PlainOpen(src)
	require.NoError(t, err)
	writeCommit(t, srcRepo, src, "c.txt", "again")

	advanced, err := c.PullFastForward(context.Background(), repo, "", nil)
	require.NoError(t, err)
	require.True(t, advanced)

	after, err := c.HeadCommit(repo)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestClassifyRetriable(t *testing.T) {
	cases := map[string]bool{
		"authentication required":      false,
		"authorization failed":         false,
		"repository not found":         false,
		"connection reset by peer":     true,
		"unexpected EOF while cloning": true,
	}
	for msg, want := range cases {
		got := classifyRetriable(&testErr{msg})
		require.Equal(t, want, got, msg)
	}
}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }
