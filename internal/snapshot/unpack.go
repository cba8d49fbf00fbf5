package snapshot

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/archiveforge/git-archiver/internal/core"
)

// UnpackResult reports what an extraction wrote.
type UnpackResult struct {
	FileCount int
}

// Unpack extracts archivePath into destinationRoot. Every entry's resolved
// path must lie strictly within destinationRoot: an absolute path, a ".."
// segment, or a symlink/hardlink target that would resolve outside
// destinationRoot is refused and the whole extraction fails with a
// security-class ArchiveError, matching pack's tar-slip defense contract.
func Unpack(archivePath, destinationRoot string) (UnpackResult, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return UnpackResult{}, &core.ArchiveError{Err: err}
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return UnpackResult{}, &core.ArchiveError{Err: err}
	}
	tr := tar.NewReader(xr)

	destinationRoot = filepath.Clean(destinationRoot)
	if err := os.MkdirAll(destinationRoot, 0o755); err != nil {
		return UnpackResult{}, &core.ArchiveError{Err: err}
	}

	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return UnpackResult{}, &core.ArchiveError{Err: err}
		}

		target, err := resolveEntryPath(destinationRoot, hdr.Name)
		if err != nil {
			return UnpackResult{}, &core.ArchiveError{Security: true, Err: err}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return UnpackResult{}, &core.ArchiveError{Err: err}
			}
		case tar.TypeReg:
			if err := extractRegular(tr, target, hdr); err != nil {
				return UnpackResult{}, &core.ArchiveError{Err: err}
			}
			count++
		case tar.TypeSymlink:
			if err := extractSymlink(destinationRoot, target, hdr.Linkname); err != nil {
				return UnpackResult{}, &core.ArchiveError{Security: true, Err: err}
			}
			count++
		case tar.TypeLink:
			if err := extractHardlink(destinationRoot, target, hdr.Linkname); err != nil {
				return UnpackResult{}, &core.ArchiveError{Security: true, Err: err}
			}
			count++
		default:
			// Device nodes, fifos, and other special types are never
			// produced by Pack and are refused here.
			return UnpackResult{}, &core.ArchiveError{Security: true, Err: errUnsupportedEntry(hdr.Typeflag)}
		}
	}

	return UnpackResult{FileCount: count}, nil
}

func errUnsupportedEntry(t byte) error {
	return &unsupportedEntryError{t}
}

type unsupportedEntryError struct{ typeflag byte }

func (e *unsupportedEntryError) Error() string {
	return "unsupported tar entry type"
}

// resolveEntryPath rejects absolute paths and any entry whose cleaned,
// joined path does not remain within root.
func resolveEntryPath(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", &unsupportedEntryError{0}
	}
	cleaned := filepath.Clean(filepath.Join(root, name))
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(os.PathSeparator)) {
		return "", &unsupportedEntryError{0}
	}
	return cleaned, nil
}

func extractRegular(r io.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, r)
	return err
}

func extractSymlink(root, target, linkname string) error {
	// The link is restored as-is, never dereferenced, but its target must
	// still resolve within root: a relative target is resolved against the
	// link's own directory, matching how the filesystem would follow it.
	if filepath.IsAbs(linkname) {
		return &unsupportedEntryError{0}
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(target), linkname))
	if resolved != root && !strings.HasPrefix(resolved, root+string(os.PathSeparator)) {
		return &unsupportedEntryError{0}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	_ = os.Remove(target)
	return os.Symlink(linkname, target)
}

func extractHardlink(root, target, linkname string) error {
	source, err := resolveEntryPath(root, linkname)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Link(source, target); err == nil {
		return nil
	}
	// Cross-device or unsupported hard link: fall back to a byte-for-byte
	// copy of the already-extracted source file.
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
