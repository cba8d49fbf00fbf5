// Package legacyimport implements the one-shot legacy import described for
// the engine's external interface: a JSON blob of repository URL to prior
// metadata, plus a best-effort scan of each repository's existing versions
// directory for archive files the new store does not yet know about.
package legacyimport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/archiveforge/git-archiver/internal/core"
	"github.com/archiveforge/git-archiver/internal/storage"
	"github.com/archiveforge/git-archiver/internal/urlcanon"
)

// legacyRecord is the shape of one value in the imported JSON object. All
// fields are optional; a legacy export that only ever recorded URLs still
// imports successfully with empty metadata.
type legacyRecord struct {
	LastCloned  *time.Time `json:"last_cloned"`
	LastUpdated *time.Time `json:"last_updated"`
	LocalPath   string     `json:"local_path"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
}

// Result reports the outcome of an import pass. Errors collects one message
// per URL that failed to import; the import itself continues past any
// single failure.
type Result struct {
	ImportedCount int
	ArchivesFound int
	Errors        []string
}

// canonicalStatuses is the set a legacy status string must belong to in
// order to be trusted; anything else is coerced to pending.
var canonicalStatuses = map[string]core.RepoStatus{
	string(core.StatusPending):  core.StatusPending,
	string(core.StatusActive):   core.StatusActive,
	string(core.StatusArchived): core.StatusArchived,
	string(core.StatusDeleted):  core.StatusDeleted,
	string(core.StatusError):    core.StatusError,
}

// Import parses blob as a JSON object keyed by repository URL, inserts one
// Repository per key, and scans each record's local_path/versions directory
// for *.tar.xz files to backfill Archive rows (file_count is recorded as 0:
// recovering it would require a full streaming scan of each archive, which
// import is specifically meant to avoid).
func Import(ctx context.Context, store storage.Store, blob []byte) (Result, error) {
	var records map[string]legacyRecord
	if err := json.Unmarshal(blob, &records); err != nil {
		return Result{}, fmt.Errorf("legacy import: invalid json: %w", err)
	}

	var result Result
	for rawURL, rec := range records {
		if err := importOne(ctx, store, rawURL, rec, &result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rawURL, err))
			continue
		}
		result.ImportedCount++
	}
	return result, nil
}

func importOne(ctx context.Context, store storage.Store, rawURL string, rec legacyRecord, result *Result) error {
	canon, err := urlcanon.Canonicalize(rawURL)
	if err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}

	status, ok := canonicalStatuses[strings.ToLower(rec.Status)]
	if !ok {
		status = core.StatusPending
	}

	repo := &core.Repository{
		Owner:       canon.Owner,
		Name:        canon.Name,
		URL:         canon.Canonical,
		Description: rec.Description,
		Status:      status,
		MirrorPath:  rec.LocalPath,
	}
	if rec.LastCloned != nil {
		t := rec.LastCloned.UTC()
		repo.LastClonedAt = &t
	}
	if rec.LastUpdated != nil {
		t := rec.LastUpdated.UTC()
		repo.LastUpdatedAt = &t
	}

	if err := store.CreateRepository(ctx, repo); err != nil {
		return err
	}

	if rec.LocalPath == "" {
		return nil
	}
	return importArchives(ctx, store, repo, rec.LocalPath, result)
}

func importArchives(ctx context.Context, store storage.Store, repo *core.Repository, localPath string, result *Result) error {
	versionsDir := filepath.Join(localPath, "versions")
	entries, err := os.ReadDir(versionsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan versions directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tar.xz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		archive := &core.Archive{
			RepositoryID: repo.ID,
			Filename:     entry.Name(),
			FilePath:     filepath.Join(versionsDir, entry.Name()),
			SizeBytes:    info.Size(),
			FileCount:    0,
			Incremental:  false,
		}
		if err := store.ImportArchive(ctx, archive); err != nil {
			return fmt.Errorf("import archive %s: %w", entry.Name(), err)
		}
		result.ArchivesFound++
	}
	return nil
}
