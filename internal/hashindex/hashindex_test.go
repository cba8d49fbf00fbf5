package hashindex

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestHashTree_ExcludesConfiguredDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "sub/b.txt", "world")
	writeFile(t, root, "mirror.git/HEAD", "ref: refs/heads/main")
	writeFile(t, root, "versions/old.tar.xz", "binary")

	digests, err := HashTree(root, map[string]struct{}{"mirror.git": {}, "versions": {}})
	require.NoError(t, err)

	assert.Contains(t, digests, "a.txt")
	assert.Contains(t, digests, "sub/b.txt")
	assert.NotContains(t, digests, "mirror.git/HEAD")
	assert.NotContains(t, digests, "versions/old.tar.xz")
	assert.Len(t, digests, 2)
}

func TestHashTree_Deterministic(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "b.txt", "hello")

	d1, err := HashTree(root, nil)
	require.NoError(t, err)
	d2, err := HashTree(root, nil)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Equal(t, d1["a.txt"], d1["b.txt"], "identical content must hash identically")
}

func TestHashTree_Symlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require elevated privileges on windows")
	}
	root := t.TempDir()
	writeFile(t, root, "real.txt", "content")
	require.NoError(t, os.Symlink("real.txt", filepath.Join(root, "link.txt")))
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(root, "escape.txt")))

	digests, err := HashTree(root, nil)
	require.NoError(t, err)

	linkDigest, ok := digests["link.txt"]
	require.True(t, ok)
	assert.NotEqual(t, digests["real.txt"], linkDigest, "a symlink hashes its link text, never the target's content")

	escapeDigest, ok := digests["escape.txt"]
	require.True(t, ok)
	assert.NotEqual(t, linkDigest, escapeDigest)
}

func TestDiffMaps(t *testing.T) {
	prev := DigestMap{"a.txt": "1", "b.txt": "2", "c.txt": "3"}
	curr := DigestMap{"a.txt": "1", "b.txt": "22", "d.txt": "4"}

	diff := DiffMaps(prev, curr)
	assert.Equal(t, []string{"d.txt"}, diff.Added)
	assert.Equal(t, []string{"b.txt"}, diff.Modified)
	assert.Equal(t, []string{"c.txt"}, diff.Deleted)
	assert.False(t, diff.Empty())
	assert.Equal(t, []string{"b.txt", "d.txt"}, diff.ChangedPaths())
}

func TestDiffMaps_Empty(t *testing.T) {
	m := DigestMap{"a.txt": "1"}
	assert.True(t, DiffMaps(m, m).Empty())
}
