// Package core defines the domain types shared across the archival engine:
// the persisted entities, the event payloads published on the event bus, and
// the error taxonomy every component surfaces failures through.
package core

import "time"

// RepoStatus is the lifecycle state of a tracked Repository.
type RepoStatus string

const (
	StatusPending  RepoStatus = "pending"
	StatusActive   RepoStatus = "active"
	StatusArchived RepoStatus = "archived"
	StatusDeleted  RepoStatus = "deleted"
	StatusError    RepoStatus = "error"
)

// Valid reports whether s is one of the canonical lifecycle states.
func (s RepoStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusArchived, StatusDeleted, StatusError:
		return true
	default:
		return false
	}
}

// Repository is the primary aggregate: a tracked upstream project mirrored
// locally, with its canonical URL as the natural key.
type Repository struct {
	ID            int64      `db:"id" json:"id"`
	Owner         string     `db:"owner" json:"owner"`
	Name          string     `db:"name" json:"name"`
	URL           string     `db:"url" json:"url"`
	Description   string     `db:"description" json:"description,omitempty"`
	Status        RepoStatus `db:"status" json:"status"`
	Private       bool       `db:"private" json:"private"`
	MirrorPath    string     `db:"mirror_path" json:"mirror_path,omitempty"`
	LastClonedAt  *time.Time `db:"last_cloned_at" json:"last_cloned_at,omitempty"`
	LastUpdatedAt *time.Time `db:"last_updated_at" json:"last_updated_at,omitempty"`
	LastCheckedAt *time.Time `db:"last_checked_at" json:"last_checked_at,omitempty"`
	ErrorMessage  string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// FullName returns the "owner/name" identifier used for logging and paths.
func (r *Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Archive is an immutable record of a compressed snapshot taken of a
// Repository's working content at a point in time.
type Archive struct {
	ID            int64     `db:"id" json:"id"`
	RepositoryID  int64     `db:"repository_id" json:"repository_id"`
	Filename      string    `db:"filename" json:"filename"`
	FilePath      string    `db:"file_path" json:"file_path"`
	SizeBytes     int64     `db:"size_bytes" json:"size_bytes"`
	FileCount     int       `db:"file_count" json:"file_count"`
	Incremental   bool      `db:"incremental" json:"incremental"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// FileHash is a single entry in the digest set captured at the last
// successful snapshot for a Repository.
type FileHash struct {
	RepositoryID int64     `db:"repository_id"`
	Path         string    `db:"path"`
	Digest       string    `db:"digest"`
	LastSeen     time.Time `db:"last_seen"`
}
