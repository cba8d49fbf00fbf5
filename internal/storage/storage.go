// Package storage implements the Metadata Store (C1): the embedded
// relational store for Repository, Archive, FileHash, and Setting rows.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/archiveforge/git-archiver/internal/core"
)

// allowedSettings is the closed allowlist Setting keys are validated
// against; any other key is rejected by SaveSetting.
var allowedSettings = map[string]struct{}{
	"data_dir":             {},
	"default_mirror_depth": {},
	"max_concurrency":      {},
	"auto_poll_interval":   {},
}

// Store is the full C1 contract: transactional access to every persisted
// entity, with cascade-delete ownership enforced at the Repository level.
type Store interface {
	CreateRepository(ctx context.Context, repo *core.Repository) error
	GetRepository(ctx context.Context, id int64) (*core.Repository, error)
	GetRepositoryByURL(ctx context.Context, url string) (*core.Repository, error)
	GetRepositoryByFullName(ctx context.Context, owner, name string) (*core.Repository, error)
	ListRepositories(ctx context.Context) ([]*core.Repository, error)
	UpdateRepository(ctx context.Context, repo *core.Repository) error
	DeleteRepository(ctx context.Context, id int64, removeFiles bool) error

	ListArchives(ctx context.Context, repoID int64) ([]*core.Archive, error)
	GetArchive(ctx context.Context, id int64) (*core.Archive, error)
	DeleteArchive(ctx context.Context, id int64) error

	// ImportArchive inserts a single Archive row with no FileHash or
	// timestamp side effects, for the legacy importer backfilling archive
	// history it has no digest set for.
	ImportArchive(ctx context.Context, archive *core.Archive) error

	// CommitSnapshot atomically inserts archive, replaces the FileHash set
	// for repositoryID with digests, and updates last_updated_at on the
	// owning Repository — all within one transaction.
	CommitSnapshot(ctx context.Context, archive *core.Archive, digests map[string]string) error

	GetFileHashMap(ctx context.Context, repoID int64) (map[string]string, error)

	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key, value string) error
}

type store struct {
	db *sqlx.DB
}

// NewStore wraps an open *sqlx.DB as a Store.
func NewStore(db *sqlx.DB) Store {
	return &store{db: db}
}

func (s *store) CreateRepository(ctx context.Context, repo *core.Repository) error {
	query := `
		INSERT INTO repositories (owner, name, url, description, status, private, mirror_path)
		VALUES (:owner, :name, :url, :description, :status, :private, :mirror_path)`
	res, err := s.db.NamedExecContext(ctx, query, repo)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrDuplicateRepo
		}
		return &core.StorageError{Err: fmt.Errorf("create repository: %w", err)}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return &core.StorageError{Err: err}
	}
	repo.ID = id
	return s.refreshRepository(ctx, repo)
}

func (s *store) refreshRepository(ctx context.Context, repo *core.Repository) error {
	got, err := s.GetRepository(ctx, repo.ID)
	if err != nil {
		return err
	}
	*repo = *got
	return nil
}

func (s *store) GetRepository(ctx context.Context, id int64) (*core.Repository, error) {
	var repo core.Repository
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE id = ?`, id)
	return scanRepoResult(&repo, err)
}

func (s *store) GetRepositoryByURL(ctx context.Context, url string) (*core.Repository, error) {
	var repo core.Repository
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE url = ?`, url)
	return scanRepoResult(&repo, err)
}

func (s *store) GetRepositoryByFullName(ctx context.Context, owner, name string) (*core.Repository, error) {
	var repo core.Repository
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE owner = ? AND name = ?`, owner, name)
	return scanRepoResult(&repo, err)
}

func scanRepoResult(repo *core.Repository, err error) (*core.Repository, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, &core.StorageError{Err: err}
	}
	return repo, nil
}

func (s *store) ListRepositories(ctx context.Context) ([]*core.Repository, error) {
	var repos []*core.Repository
	err := s.db.SelectContext(ctx, &repos, `SELECT * FROM repositories ORDER BY owner, name`)
	if err != nil {
		return nil, &core.StorageError{Err: err}
	}
	return repos, nil
}

func (s *store) UpdateRepository(ctx context.Context, repo *core.Repository) error {
	query := `
		UPDATE repositories SET
			description = :description,
			status = :status,
			private = :private,
			mirror_path = :mirror_path,
			last_cloned_at = :last_cloned_at,
			last_updated_at = :last_updated_at,
			last_checked_at = :last_checked_at,
			error_message = :error_message
		WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, query, repo)
	if err != nil {
		return &core.StorageError{Err: fmt.Errorf("update repository %d: %w", repo.ID, err)}
	}
	return nil
}

// DeleteRepository removes the Repository row; archives and file_hashes
// cascade via foreign key constraints. When removeFiles is true the caller
// is expected to have already removed the on-disk mirror and archive files
// before this call (DeleteRepository itself never touches the filesystem).
func (s *store) DeleteRepository(ctx context.Context, id int64, removeFiles bool) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return &core.StorageError{Err: fmt.Errorf("delete repository %d: %w", id, err)}
	}
	return nil
}

func (s *store) ListArchives(ctx context.Context, repoID int64) ([]*core.Archive, error) {
	var archives []*core.Archive
	err := s.db.SelectContext(ctx, &archives,
		`SELECT * FROM archives WHERE repository_id = ? ORDER BY created_at ASC`, repoID)
	if err != nil {
		return nil, &core.StorageError{Err: err}
	}
	return archives, nil
}

func (s *store) GetArchive(ctx context.Context, id int64) (*core.Archive, error) {
	var archive core.Archive
	err := s.db.GetContext(ctx, &archive, `SELECT * FROM archives WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, &core.StorageError{Err: err}
	}
	return &archive, nil
}

func (s *store) ImportArchive(ctx context.Context, archive *core.Archive) error {
	query := `
		INSERT INTO archives (repository_id, filename, file_path, size_bytes, file_count, incremental)
		VALUES (:repository_id, :filename, :file_path, :size_bytes, :file_count, :incremental)`
	res, err := s.db.NamedExecContext(ctx, query, archive)
	if err != nil {
		return &core.StorageError{Err: fmt.Errorf("import archive: %w", err)}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return &core.StorageError{Err: err}
	}
	archive.ID = id
	return nil
}

func (s *store) DeleteArchive(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM archives WHERE id = ?`, id)
	if err != nil {
		return &core.StorageError{Err: err}
	}
	return nil
}

// CommitSnapshot is the single atomic-commit point described by the engine:
// insert the Archive row, replace the FileHash set, and bump
// last_updated_at, observable together or not at all.
func (s *store) CommitSnapshot(ctx context.Context, archive *core.Archive, digests map[string]string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &core.StorageError{Err: err}
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "snapshot commit rollback failed", "error", rerr)
		}
	}()

	insertQuery := `
		INSERT INTO archives (repository_id, filename, file_path, size_bytes, file_count, incremental)
		VALUES (:repository_id, :filename, :file_path, :size_bytes, :file_count, :incremental)`
	res, err := tx.NamedExecContext(ctx, insertQuery, archive)
	if err != nil {
		return &core.StorageError{Err: fmt.Errorf("insert archive: %w", err)}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return &core.StorageError{Err: err}
	}
	archive.ID = id

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_hashes WHERE repository_id = ?`, archive.RepositoryID); err != nil {
		return &core.StorageError{Err: fmt.Errorf("clear file hashes: %w", err)}
	}

	insertHash, err := tx.PreparexContext(ctx, `INSERT INTO file_hashes (repository_id, path, digest) VALUES (?, ?, ?)`)
	if err != nil {
		return &core.StorageError{Err: err}
	}
	defer insertHash.Close()
	for path, digest := range digests {
		if _, err := insertHash.ExecContext(ctx, archive.RepositoryID, path, digest); err != nil {
			return &core.StorageError{Err: fmt.Errorf("insert file hash %s: %w", path, err)}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE repositories SET last_updated_at = CURRENT_TIMESTAMP WHERE id = ?`, archive.RepositoryID); err != nil {
		return &core.StorageError{Err: fmt.Errorf("update last_updated_at: %w", err)}
	}

	if err := tx.Commit(); err != nil {
		return &core.StorageError{Err: fmt.Errorf("commit snapshot: %w", err)}
	}
	return nil
}

func (s *store) GetFileHashMap(ctx context.Context, repoID int64) (map[string]string, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT path, digest FROM file_hashes WHERE repository_id = ?`, repoID)
	if err != nil {
		return nil, &core.StorageError{Err: err}
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var path, digest string
		if err := rows.Scan(&path, &digest); err != nil {
			return nil, &core.StorageError{Err: err}
		}
		out[path] = digest
	}
	if err := rows.Err(); err != nil {
		return nil, &core.StorageError{Err: err}
	}
	return out, nil
}

func (s *store) GetSetting(ctx context.Context, key string) (string, error) {
	if _, ok := allowedSettings[key]; !ok {
		return "", fmt.Errorf("setting %q is not in the allowlist", key)
	}
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", core.ErrNotFound
		}
		return "", &core.StorageError{Err: err}
	}
	return value, nil
}

func (s *store) SaveSetting(ctx context.Context, key, value string) error {
	if _, ok := allowedSettings[key]; !ok {
		return fmt.Errorf("setting %q is not in the allowlist", key)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return &core.StorageError{Err: err}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
