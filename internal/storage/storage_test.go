package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/archiveforge/git-archiver/internal/core"
)

const schema = `
CREATE TABLE repositories (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    owner            TEXT NOT NULL,
    name             TEXT NOT NULL,
    url              TEXT NOT NULL UNIQUE,
    description      TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'pending',
    private          INTEGER NOT NULL DEFAULT 0,
    mirror_path      TEXT,
    last_cloned_at   DATETIME,
    last_updated_at  DATETIME,
    last_checked_at  DATETIME,
    error_message    TEXT NOT NULL DEFAULT '',
    created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (owner, name)
);
CREATE TABLE archives (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    repository_id   INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    filename        TEXT NOT NULL,
    file_path       TEXT NOT NULL,
    size_bytes      INTEGER NOT NULL,
    file_count      INTEGER NOT NULL,
    incremental     INTEGER NOT NULL,
    created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE file_hashes (
    repository_id   INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    path            TEXT NOT NULL,
    digest          TEXT NOT NULL,
    last_seen       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (repository_id, path)
);
CREATE TABLE settings (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL
);
`

func newTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(schema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestCreateAndGetRepository(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := &core.Repository{
		Owner: "octocat", Name: "hello-world", URL: "https://github.com/octocat/hello-world",
		Status: core.StatusPending,
	}
	require.NoError(t, s.CreateRepository(ctx, repo))
	require.NotZero(t, repo.ID)
	require.False(t, repo.CreatedAt.IsZero())

	got, err := s.GetRepositoryByFullName(ctx, "octocat", "hello-world")
	require.NoError(t, err)
	require.Equal(t, repo.URL, got.URL)
	require.Equal(t, core.StatusPending, got.Status)
}

func TestCreateRepository_DuplicateURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := &core.Repository{Owner: "a", Name: "b", URL: "https://github.com/a/b", Status: core.StatusPending}
	require.NoError(t, s.CreateRepository(ctx, repo))

	dup := &core.Repository{Owner: "a", Name: "b", URL: "https://github.com/a/b", Status: core.StatusPending}
	err := s.CreateRepository(ctx, dup)
	require.ErrorIs(t, err, core.ErrDuplicateRepo)
}

func TestGetRepository_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRepository(context.Background(), 999)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestCommitSnapshot_AtomicAndReplacesFileHashes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := &core.Repository{Owner: "o", Name: "n", URL: "https://github.com/o/n", Status: core.StatusActive}
	require.NoError(t, s.CreateRepository(ctx, repo))

	archive := &core.Archive{RepositoryID: repo.ID, Filename: "snap1.tar.xz", FilePath: "/data/snap1.tar.xz", SizeBytes: 100, FileCount: 2}
	require.NoError(t, s.CommitSnapshot(ctx, archive, map[string]string{"a.txt": "d1", "b.txt": "d2"}))
	require.NotZero(t, archive.ID)

	hashes, err := s.GetFileHashMap(ctx, repo.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a.txt": "d1", "b.txt": "d2"}, hashes)

	archives, err := s.ListArchives(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, archives, 1)

	// Second snapshot replaces the set entirely, not a merge.
	archive2 := &core.Archive{RepositoryID: repo.ID, Filename: "snap2.tar.xz", FilePath: "/data/snap2.tar.xz", SizeBytes: 10, FileCount: 1, Incremental: true}
	require.NoError(t, s.CommitSnapshot(ctx, archive2, map[string]string{"a.txt": "d1-changed"}))

	hashes, err = s.GetFileHashMap(ctx, repo.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a.txt": "d1-changed"}, hashes)
}

func TestDeleteRepository_CascadesArchivesAndFileHashes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := &core.Repository{Owner: "o", Name: "n", URL: "https://github.com/o/n", Status: core.StatusActive}
	require.NoError(t, s.CreateRepository(ctx, repo))
	archive := &core.Archive{RepositoryID: repo.ID, Filename: "snap.tar.xz", FilePath: "/x", SizeBytes: 1, FileCount: 1}
	require.NoError(t, s.CommitSnapshot(ctx, archive, map[string]string{"a.txt": "d"}))

	require.NoError(t, s.DeleteRepository(ctx, repo.ID, true))

	_, err := s.GetRepository(ctx, repo.ID)
	require.ErrorIs(t, err, core.ErrNotFound)

	archives, err := s.ListArchives(ctx, repo.ID)
	require.NoError(t, err)
	require.Empty(t, archives)

	hashes, err := s.GetFileHashMap(ctx, repo.ID)
	require.NoError(t, err)
	require.Empty(t, hashes)
}

func TestImportArchive_InsertsRowWithoutTouchingFileHashesOrTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := &core.Repository{Owner: "o", Name: "n", URL: "https://github.com/o/n", Status: core.StatusActive}
	require.NoError(t, s.CreateRepository(ctx, repo))
	before, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)

	archive := &core.Archive{RepositoryID: repo.ID, Filename: "legacy1.tar.xz", FilePath: "/data/legacy1.tar.xz", SizeBytes: 50, FileCount: 0}
	require.NoError(t, s.ImportArchive(ctx, archive))
	require.NotZero(t, archive.ID)

	archives, err := s.ListArchives(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	require.Zero(t, archives[0].FileCount)

	hashes, err := s.GetFileHashMap(ctx, repo.ID)
	require.NoError(t, err)
	require.Empty(t, hashes)

	after, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	require.Equal(t, before.LastUpdatedAt, after.LastUpdatedAt)
}

func TestSettings_Allowlist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSetting(ctx, "max_concurrency", "4"))
	v, err := s.GetSetting(ctx, "max_concurrency")
	require.NoError(t, err)
	require.Equal(t, "4", v)

	err = s.SaveSetting(ctx, "not_allowed_key", "x")
	require.Error(t, err)

	var storageErr *core.StorageError
	require.False(t, errors.As(err, &storageErr), "allowlist rejection is a validation error, not a storage error")
}
