package snapshot

import (
	"archive/tar"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/archiveforge/git-archiver/internal/core"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestPack_Unpack_RoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"a.txt":        "hello",
		"sub/b.txt":    "world",
		"mirror.git/x": "excluded",
	})

	out := filepath.Join(t.TempDir(), "snap.tar.xz")
	res, err := Pack(src, out, nil, map[string]struct{}{"mirror.git": {}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.FileCount)
	assert.Greater(t, res.SizeBytes, int64(0))

	dest := t.TempDir()
	uRes, err := Unpack(out, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, uRes.FileCount)

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	got, err = os.ReadFile(filepath.Join(dest, "sub/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
	_, err = os.Stat(filepath.Join(dest, "mirror.git"))
	assert.True(t, os.IsNotExist(err))
}

func TestPack_Incremental_FileList(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"a.txt": "hello",
		"b.txt": "world",
		"c.txt": "unchanged",
	})

	out := filepath.Join(t.TempDir(), "snap.tar.xz")
	res, err := Pack(src, out, []string{"a.txt", "b.txt"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FileCount)

	dest := t.TempDir()
	_, err = Unpack(out, dest)
	require.NoError(t, err)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPack_AtomicOnFailure(t *testing.T) {
	src := t.TempDir()
	out := filepath.Join(t.TempDir(), "snap.tar.xz")

	// A path_list entry naming a file that does not exist forces a failure
	// partway through packing.
	_, err := Pack(src, out, []string{"does-not-exist.txt"}, nil)
	require.Error(t, err)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, entries, 0, "no temp file should survive a failed pack")
}

func TestUnpack_RefusesTarSlip(t *testing.T) {
	cases := []struct {
		name string
		hdr  tar.Header
	}{
		{"absolute path", tar.Header{Name: "/etc/passwd", Typeflag: tar.TypeReg, Mode: 0o644, Size: 0}},
		{"dot-dot escape", tar.Header{Name: "../../escape.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 0}},
		{"symlink target escape via name", tar.Header{Name: "../escape-link", Typeflag: tar.TypeSymlink, Linkname: "whatever"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			archivePath := filepath.Join(t.TempDir(), "evil.tar.xz")
			writeRawArchive(t, archivePath, tc.hdr)

			dest := t.TempDir()
			_, err := Unpack(archivePath, dest)
			require.Error(t, err)

			var archErr *core.ArchiveError
			require.True(t, errors.As(err, &archErr))
			assert.True(t, archErr.Security)
		})
	}
}

func writeRawArchive(t *testing.T, path string, hdr tar.Header) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	xw, err := xz.NewWriter(f)
	require.NoError(t, err)
	tw := tar.NewWriter(xw)

	require.NoError(t, tw.WriteHeader(&hdr))
	require.NoError(t, tw.Close())
	require.NoError(t, xw.Close())
}
