// Package snapshot packs a working set into a streaming tar+xz archive and
// unpacks one back onto disk, defending against path-escaping ("tar-slip")
// entries during extraction.
package snapshot

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/archiveforge/git-archiver/internal/core"
)

// Result is the outcome of a successful pack.
type Result struct {
	SizeBytes int64
	FileCount int
}

// Pack writes a streaming tar archive, compressed with a streaming LZMA
// encoder, to a temporary sibling of outputPath and renames it into place on
// success. When fileList is empty every regular file and symlink under
// sourceRoot is packed except paths under an excluded top-level directory
// name; when fileList is non-empty, exactly those paths are packed
// (incremental snapshot). A failed pack leaves no partial file at
// outputPath.
func Pack(sourceRoot, outputPath string, fileList []string, exclusionSet map[string]struct{}) (_ Result, retErr error) {
	paths := fileList
	if len(paths) == 0 {
		discovered, err := discover(sourceRoot, exclusionSet)
		if err != nil {
			return Result{}, &core.ArchiveError{Err: err}
		}
		paths = discovered
	} else {
		sort.Strings(paths)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return Result{}, &core.ArchiveError{Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".tmp-snapshot-*")
	if err != nil {
		return Result{}, &core.ArchiveError{Err: err}
	}
	tmpPath := tmp.Name()
	defer func() {
		if retErr != nil {
			tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	xw, err := xz.NewWriter(tmp)
	if err != nil {
		return Result{}, &core.ArchiveError{Err: err}
	}
	tw := tar.NewWriter(xw)

	fileCount := 0
	for _, rel := range paths {
		full := filepath.Join(sourceRoot, filepath.FromSlash(rel))
		if err := addEntry(tw, full, rel); err != nil {
			return Result{}, &core.ArchiveError{Err: err}
		}
		fileCount++
	}

	if err := tw.Close(); err != nil {
		return Result{}, &core.ArchiveError{Err: err}
	}
	if err := xw.Close(); err != nil {
		return Result{}, &core.ArchiveError{Err: err}
	}
	if err := tmp.Close(); err != nil {
		return Result{}, &core.ArchiveError{Err: err}
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return Result{}, &core.ArchiveError{Err: err}
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return Result{}, &core.ArchiveError{Err: err}
	}

	return Result{SizeBytes: info.Size(), FileCount: fileCount}, nil
}

func discover(root string, exclusionSet map[string]struct{}) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		top := rel
		if idx := strings.IndexByte(rel, '/'); idx >= 0 {
			top = rel[:idx]
		}
		if _, excluded := exclusionSet[top]; excluded {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() || info.Mode()&os.ModeSymlink != 0 {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func addEntry(tw *tar.Writer, full, rel string) error {
	info, err := os.Lstat(full)
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		link, err = os.Readlink(full)
		if err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if info.Mode().IsRegular() {
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
	}
	return nil
}
