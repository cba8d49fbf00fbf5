package gitutil

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/archiveforge/git-archiver/internal/core"
)

// ExportWorktree materializes the tree at commit onto disk at dest,
// overwriting files that changed and removing files that no longer exist
// in the tree. Paths named in keepDirs (relative to dest) are left alone,
// so the bare mirror directory and the archives directory living alongside
// the exported content survive the sync untouched.
//
// Symbolic link entries are recreated as real symlinks; their target is
// never resolved against dest, so a link pointing outside the repository
// is written as-is but is not followed when hashIndex later walks dest.
func ExportWorktree(commit *object.Commit, dest string, keepDirs ...string) error {
	tree, err := commit.Tree()
	if err != nil {
		return &core.GitError{Op: "export_worktree", Retriable: false, Err: err}
	}

	wanted := map[string]struct{}{}
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, werr := walker.Next()
		if werr == io.EOF {
			break
		}
		if werr != nil {
			return &core.GitError{Op: "export_worktree", Retriable: false, Err: werr}
		}
		if entry.Mode == filemode.Dir || entry.Mode == filemode.Submodule {
			continue
		}
		wanted[filepath.FromSlash(name)] = struct{}{}

		target := filepath.Join(dest, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return &core.GitError{Op: "export_worktree", Retriable: false, Err: err}
		}

		blob, err := tree.TreeEntryFile(&entry)
		if err != nil {
			return &core.GitError{Op: "export_worktree", Retriable: false, Err: err}
		}

		if err := writeEntry(blob, target, entry.Mode); err != nil {
			return &core.GitError{Op: "export_worktree", Retriable: false, Err: err}
		}
	}

	if err := pruneStale(dest, wanted, keepDirs); err != nil {
		return &core.GitError{Op: "export_worktree", Retriable: false, Err: err}
	}
	return nil
}

func writeEntry(f *object.File, target string, mode filemode.FileMode) error {
	r, err := f.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	if mode == filemode.Symlink {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(string(data), target)
	}

	_ = os.Remove(target)
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm(mode))
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, r)
	return err
}

func filePerm(mode filemode.FileMode) os.FileMode {
	if mode == filemode.Executable {
		return 0o755
	}
	return 0o644
}

// pruneStale removes any regular file or symlink under dest that is not in
// wanted, skipping keepDirs entirely, then removes directories left empty.
func pruneStale(dest string, wanted map[string]struct{}, keepDirs []string) error {
	skip := make(map[string]struct{}, len(keepDirs))
	for _, d := range keepDirs {
		skip[filepath.Clean(d)] = struct{}{}
	}

	var toRemove []string
	err := filepath.Walk(dest, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, rerr := filepath.Rel(dest, path)
		if rerr != nil || rel == "." {
			return nil
		}
		top := strings.SplitN(rel, string(os.PathSeparator), 2)[0]
		if _, ok := skip[top]; ok {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if _, ok := wanted[rel]; !ok {
			toRemove = append(toRemove, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range toRemove {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return removeEmptyDirs(dest, skip)
}

func removeEmptyDirs(dest string, skip map[string]struct{}) error {
	var dirs []string
	err := filepath.Walk(dest, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() || path == dest {
			return nil
		}
		rel, _ := filepath.Rel(dest, path)
		top := strings.SplitN(rel, string(os.PathSeparator), 2)[0]
		if _, ok := skip[top]; ok {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return err
	}
	// Remove deepest-first so parents empty out in turn.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}
	return nil
}
