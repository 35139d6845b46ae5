package githttp

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// RepositoryManager resolves repository names to on-disk paths rooted
// under a configured directory, and creates bare repositories on demand
// (spec §4.6).
type RepositoryManager struct {
	rootDir string
}

// NewRepositoryManager constructs a manager rooted at rootDir.
func NewRepositoryManager(rootDir string) *RepositoryManager {
	return &RepositoryManager{rootDir: rootDir}
}

// containsInvalidSegment rejects ".." path segments and control characters
// before normalization, per the design note in spec §9.
func containsInvalidSegment(name string) bool {
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

// Resolve derives the on-disk path for repository name under rootDir,
// implementing spec §3's "Repository reference" and §4.1's traversal
// safety requirement. Per spec §4.1, a name that escapes the root (a
// pre-normalization ".."/control-character segment, or a normalized path
// without rootDir as a prefix) is treated the same as a non-matching
// route: ErrNotFound, which the router maps to 404.
func (m *RepositoryManager) Resolve(name string) (string, error) {
	if name == "" || containsInvalidSegment(name) {
		return "", ErrNotFound
	}
	joined := filepath.Join(m.rootDir, name)
	normalized, err := filepath.Abs(joined)
	if err != nil {
		return "", errors.Wrap(err, "normalizing repository path")
	}
	rootAbs, err := filepath.Abs(m.rootDir)
	if err != nil {
		return "", errors.Wrap(err, "normalizing root directory")
	}
	if normalized != rootAbs && !strings.HasPrefix(normalized, rootAbs+string(filepath.Separator)) {
		return "", ErrNotFound
	}
	return normalized, nil
}

// Exists reports whether path is present and is a directory.
func (m *RepositoryManager) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// EnsureRepository guarantees path exists as a bare repository, creating
// it via `git init --bare` if necessary and autoCreate is true. Concurrent
// calls racing to create the same missing repository are not serialized
// by this package: spec §1's Non-goals exclude any repository-level
// locking beyond what git itself enforces, and `git init --bare` run
// twice concurrently against the same path is already safe on its own.
func (m *RepositoryManager) EnsureRepository(path string, autoCreate bool) error {
	if m.Exists(path) {
		return nil
	}
	if !autoCreate {
		return ErrNotFound
	}
	return m.createRepo(path)
}

// createRepo recursively creates the directory and runs `git init --bare`
// in it, per spec §4.6.
func (m *RepositoryManager) createRepo(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return errors.Wrap(err, "creating repository directory")
	}
	cmd := exec.Command("git", "init", "--bare", path)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "git init --bare failed: %s", strings.TrimSpace(string(output)))
	}
	return nil
}
