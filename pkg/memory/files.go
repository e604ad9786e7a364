package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace layout. Relative paths stored in the index always use '/'.
const (
	// CuratedFileName is the shared curated note at the workspace root and
	// the per-user note under memory/users/<uid>/.
	CuratedFileName = "MEMORY.md"
	MemoryDirName   = "memory"
	UsersDirName    = "users"
	// IndexDirName holds the SQLite index; it is skipped by sync and watch.
	IndexDirName = "long-term"
)

// ErrPathOutsideWorkspace is returned for paths that resolve outside the workspace.
var ErrPathOutsideWorkspace = errors.New("path escapes workspace")

// EnsureMemoryDirectory creates <workspace>/memory and its index directory
// and returns the memory directory.
func EnsureMemoryDirectory(workspace string) (string, error) {
	memoryDir := filepath.Join(workspace, MemoryDirName)

	if info, err := os.Stat(memoryDir); err == nil && !info.IsDir() {
		return "", fmt.Errorf("memory path exists but is not a directory: %s", memoryDir)
	} else if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat memory directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(memoryDir, IndexDirName), 0755); err != nil {
		return "", fmt.Errorf("failed to create memory directory: %w", err)
	}
	return memoryDir, nil
}

// ValidateMemoryPath rejects empty, absolute, unclean and parent-relative paths.
func ValidateMemoryPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("path cannot be empty")
	case filepath.IsAbs(path):
		return fmt.Errorf("path must be relative, got absolute path: %s", path)
	case filepath.Clean(path) != path:
		return fmt.Errorf("path contains invalid components: %s", path)
	case path == ".." || strings.HasPrefix(path, ".."+string(filepath.Separator)):
		return fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, path)
	}
	return nil
}

// GetMemoryFilePath resolves relativePath against the workspace. Symlinked
// parents that lead outside the workspace are rejected too.
func GetMemoryFilePath(workspace, relativePath string) (string, error) {
	if err := ValidateMemoryPath(relativePath); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute workspace path: %w", err)
	}
	absFull := filepath.Join(absBase, relativePath)

	if !within(absBase, absFull) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, relativePath)
	}

	realBase, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		// workspace not created yet; nothing can be linked out of it
		return absFull, nil
	}
	if realDir, err := filepath.EvalSymlinks(existingParent(absFull)); err == nil && !within(realBase, realDir) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, relativePath)
	}

	return absFull, nil
}

func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// existingParent walks up from path to the nearest directory that exists.
func existingParent(path string) string {
	dir := filepath.Dir(path)
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// FileExists reports whether path exists.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
