// Package materialiser implements the Workspace Materialiser collaborator the Pipeline Driver
// delegates to: it refreshes a project's server-owned working copy from the client-writable
// source tree while preserving private test artefacts across refreshes.
//
// Grounded in the original reference server's copy_project: destination content is scrubbed
// except for files and directories the client cannot legitimately overwrite, then the full
// source tree is copied over it. Errors are logged, never fatal — the pipeline proceeds and
// fails later in the build or test phase if something required went missing.
package materialiser

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/moonbitlang/submission-orchestrator/pkg/logging"
)

// privateTestSuffix marks both files (name ending "_priv_test.<ext>") and directories (name
// ending exactly "_priv_test") whose contents survive a refresh untouched.
const privateTestSuffix = "_priv_test"

// ignoredNames lists directory entries that are never copied from the source tree: version
// control metadata, build output, and dependency caches, mirroring copy_project's
// shutil.ignore_patterns(".git", "target", "_build", ".mooncakes").
var ignoredNames = map[string]bool{
	".git":       true,
	"target":     true,
	"_build":     true,
	".mooncakes": true,
}

// FS is a filesystem-based Materialiser.
type FS struct{}

// New returns the default filesystem-based Materialiser.
func New() *FS {
	return &FS{}
}

// Sync refreshes dst from src: every existing file under dst is removed unless it (or an
// ancestor directory) is a private test artefact, then the full src tree is copied over dst,
// skipping ignored directories. Errors during the scrub pass are logged only; errors creating
// dst or copying are logged and returned, but the caller is expected to treat them as
// non-fatal per §4.5.
func (FS) Sync(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		if err := scrub(dst); err != nil {
			logging.Warn("materialiser", "scrubbing %s: %v", dst, err)
		}
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("materialiser: mkdir %s: %w", dst, err)
	}

	if err := copyTree(src, dst); err != nil {
		logging.Warn("materialiser", "copying %s -> %s: %v", src, dst, err)
		return err
	}
	return nil
}

// isPrivateTestFile reports whether name is a private test artefact regardless of extension —
// "foo_priv_test.mbt", "foo_priv_test.txt", and bare "foo_priv_test" all qualify — so anything a
// grader drops under that name survives a refresh, not just MoonBit source.
func isPrivateTestFile(name string) bool {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.HasSuffix(stem, privateTestSuffix)
}

// isUnderPrivateTestDir reports whether any path component from dst down to path is a
// "*_priv_test" directory, meaning the whole subtree must be preserved.
func isUnderPrivateTestDir(root, path string) bool {
	cur := path
	for {
		if cur == root {
			return false
		}
		if strings.HasSuffix(filepath.Base(cur), privateTestSuffix) {
			return true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return false
		}
		cur = parent
	}
}

// scrub deletes every file under root except private test artefacts, then prunes directories
// left empty by that deletion — a two-pass walk mirroring copy_project's delete-then-prune
// structure, since removing a directory mid-walk would otherwise confuse filepath.Walk.
func scrub(root string) error {
	var toDelete []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			if isUnderPrivateTestDir(root, path) {
				return fs.SkipDir
			}
			return nil
		}
		if isPrivateTestFile(d.Name()) {
			return nil
		}
		if isUnderPrivateTestDir(root, filepath.Dir(path)) {
			return nil
		}
		toDelete = append(toDelete, path)
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range toDelete {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			logging.Warn("materialiser", "removing %s: %v", path, rmErr)
		}
	}

	return pruneEmptyDirs(root)
}

func pruneEmptyDirs(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root || !d.IsDir() {
			return nil
		}
		if isUnderPrivateTestDir(root, path) {
			return fs.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}
	return nil
}

// copyTree copies every file under src into dst, skipping ignoredNames directories.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ignoredNames[d.Name()] && d.IsDir() {
			return fs.SkipDir
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
