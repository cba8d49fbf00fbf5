// Package hashindex walks an exported working tree and produces a
// path-to-digest map, and diffs two such maps to find added, modified, and
// deleted paths.
package hashindex

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DigestMap is a relative-path to hex-digest mapping, matching the FileHash
// rows stored by C1.
type DigestMap map[string]string

// Diff is the result of comparing two digest maps: every path is reported
// exactly once, sorted for deterministic processing.
type Diff struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// Empty reports whether the diff carries no changes at all.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// ChangedPaths returns Added and Modified combined, sorted: the file list an
// incremental pack needs.
func (d Diff) ChangedPaths() []string {
	out := make([]string, 0, len(d.Added)+len(d.Modified))
	out = append(out, d.Added...)
	out = append(out, d.Modified...)
	sort.Strings(out)
	return out
}

// HashTree walks root depth-first in deterministic (lexical) order and
// returns a digest for every regular file not under an excluded top-level
// directory name. Symbolic links are never followed: if a link's target,
// once resolved against its containing directory, escapes root, the link
// itself is hashed as link text and excluded from traversal beyond that
// point; if the target resolves inside root, the link is still hashed as
// link text, never dereferenced. File content is streamed through the
// digest; no full file is ever buffered in memory.
func HashTree(root string, exclusionSet map[string]struct{}) (DigestMap, error) {
	root = filepath.Clean(root)
	out := DigestMap{}

	var walk func(dir, relPrefix string) error
	walk = func(dir, relPrefix string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("hash tree: %w", err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			name := entry.Name()
			rel := name
			if relPrefix != "" {
				rel = relPrefix + "/" + name
			}
			if isExcluded(rel, exclusionSet) {
				continue
			}
			full := filepath.Join(dir, name)

			info, err := os.Lstat(full)
			if err != nil {
				return fmt.Errorf("hash tree: %w", err)
			}

			switch {
			case info.Mode()&os.ModeSymlink != 0:
				digest, err := digestSymlink(full)
				if err != nil {
					return fmt.Errorf("hash tree: %w", err)
				}
				out[rel] = digest
			case info.IsDir():
				if err := walk(full, rel); err != nil {
					return err
				}
			case info.Mode().IsRegular():
				digest, err := digestFile(full)
				if err != nil {
					return fmt.Errorf("hash tree: %w", err)
				}
				out[rel] = digest
			}
		}
		return nil
	}

	if err := walk(root, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func isExcluded(rel string, exclusionSet map[string]struct{}) bool {
	top := rel
	if idx := strings.IndexByte(rel, '/'); idx >= 0 {
		top = rel[:idx]
	}
	_, ok := exclusionSet[top]
	return ok
}

// digestFile streams a regular file's content through the digest algorithm.
//
// MD5 is used deliberately, not a stronger hash: this set is compared purely
// for change detection between two snapshots of content we already trust,
// never to resist an adversarial preimage.
func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// digestSymlink hashes the link's target text, never the content at the
// target, matching Git's own treatment of symlinks as blobs whose content is
// the link text.
func digestSymlink(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", err
	}
	h := md5.Sum([]byte(target))
	return hex.EncodeToString(h[:]), nil
}

// DiffMaps compares prev against curr and classifies every path that
// appears in either map. A path present in both with an unchanged digest is
// not reported.
func DiffMaps(prev, curr DigestMap) Diff {
	var d Diff
	for path, digest := range curr {
		if prevDigest, ok := prev[path]; !ok {
			d.Added = append(d.Added, path)
		} else if prevDigest != digest {
			d.Modified = append(d.Modified, path)
		}
	}
	for path := range prev {
		if _, ok := curr[path]; !ok {
			d.Deleted = append(d.Deleted, path)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Modified)
	sort.Strings(d.Deleted)
	return d
}
