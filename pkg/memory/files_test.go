package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureMemoryDirectory_CreatesLayout(t *testing.T) {
	workspace := t.TempDir()

	dir, err := EnsureMemoryDirectory(workspace)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workspace, MemoryDirName), dir)

	info, err := os.Stat(filepath.Join(dir, IndexDirName))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	again, err := EnsureMemoryDirectory(workspace)
	require.NoError(t, err, "second call is idempotent")
	assert.Equal(t, dir, again)
}

func TestEnsureMemoryDirectory_FileInTheWay(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, MemoryDirName), []byte("x"), 0644))

	_, err := EnsureMemoryDirectory(workspace)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestValidateMemoryPath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr string
		escapes bool
	}{
		{path: "MEMORY.md"},
		{path: "memory/daily/2024-01-29.md"},
		{path: "memory/users/alice/MEMORY.md"},
		{path: "", wantErr: "cannot be empty"},
		{path: "/etc/passwd", wantErr: "must be relative"},
		{path: "memory/./notes.md", wantErr: "invalid components"},
		{path: "memory/../../x.md", wantErr: "invalid components"},
		{path: "../escape.md", escapes: true},
		{path: "..", escapes: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := ValidateMemoryPath(tt.path)
			switch {
			case tt.escapes:
				assert.ErrorIs(t, err, ErrPathOutsideWorkspace)
			case tt.wantErr != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetMemoryFilePath(t *testing.T) {
	workspace := t.TempDir()

	path, err := GetMemoryFilePath(workspace, "memory/daily/2024-01-29.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workspace, "memory", "daily", "2024-01-29.md"), path)

	_, err = GetMemoryFilePath(workspace, "../outside.md")
	assert.ErrorIs(t, err, ErrPathOutsideWorkspace)
}

func TestGetMemoryFilePath_MissingWorkspace(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "not-yet")

	path, err := GetMemoryFilePath(workspace, CuratedFileName)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workspace, CuratedFileName), path)
}

func TestGetMemoryFilePath_SymlinkEscape(t *testing.T) {
	workspace := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, MemoryDirName), 0755))
	if err := os.Symlink(outside, filepath.Join(workspace, MemoryDirName, "linked")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := GetMemoryFilePath(workspace, "memory/linked/secrets.md")
	assert.ErrorIs(t, err, ErrPathOutsideWorkspace)

	_, err = GetMemoryFilePath(workspace, "memory/linked/deeper/secrets.md")
	assert.ErrorIs(t, err, ErrPathOutsideWorkspace, "missing children resolve through the linked parent")
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, CuratedFileName)
	require.NoError(t, os.WriteFile(file, []byte("# Memory\n"), 0644))

	ok, err := FileExists(file)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = FileExists(filepath.Join(dir, "absent.md"))
	require.NoError(t, err)
	assert.False(t, ok)
}
