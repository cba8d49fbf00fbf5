package urlcanon

import (
	"errors"
	"testing"

	"github.com/archiveforge/git-archiver/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_Accepts(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		canonical string
		owner     string
		repo      string
	}{
		{"bare host+path", "github.com/Owner/Repo", "https://github.com/owner/repo", "owner", "repo"},
		{"https with .git", "https://github.com/owner/repo.git", "https://github.com/owner/repo", "owner", "repo"},
		{"http upgraded", "http://github.com/owner/repo", "https://github.com/owner/repo", "owner", "repo"},
		{"www stripped", "https://www.github.com/owner/repo", "https://github.com/owner/repo", "owner", "repo"},
		{"trailing slash", "https://github.com/owner/repo/", "https://github.com/owner/repo", "owner", "repo"},
		{"self-hosted gitea", "https://git.example.com/org/proj", "https://git.example.com/org/proj", "org", "proj"},
		{"dots and hyphens", "https://gitlab.com/my-org/my.repo_name", "https://gitlab.com/my-org/my.repo_name", "my-org", "my.repo_name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := Canonicalize(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.canonical, r.Canonical)
			assert.Equal(t, tc.owner, r.Owner)
			assert.Equal(t, tc.repo, r.Name)
		})
	}
}

func TestCanonicalize_Rejects(t *testing.T) {
	cases := []string{
		"",
		"not a url",
		"ftp://github.com/owner/repo",
		"https://github.com/owner",
		"https://github.com/owner/repo/extra",
		"https://github.com//repo",
		"https://github.com/../repo",
		"https://github.com/owner/..",
		"https://github.com/own er/repo",
		"https://github.com/owner/re%2Fpo",
		"https://",
	}
	for _, raw := range cases {
		t.Run(raw, func(t *testing.T) {
			_, err := Canonicalize(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrInvalidURL))
		})
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	r, err := Canonicalize("HTTP://WWW.GitHub.com/Owner/Repo.git/")
	require.NoError(t, err)

	again, err := Canonicalize(r.Canonical)
	require.NoError(t, err)
	assert.Equal(t, r, again)
}
