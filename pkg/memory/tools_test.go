package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/mnemo/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSearchResults(t *testing.T) {
	assert.Equal(t, "No relevant memories found for query: otters", FormatSearchResults("otters", nil))

	out := FormatSearchResults("otters", []SearchResult{
		{Path: "memory/a.md", StartLine: 1, EndLine: 4, Score: 0.91234, Snippet: "otters hold hands"},
		{Path: "MEMORY.md", StartLine: 7, EndLine: 7, Score: 0.5, Snippet: "sea otter"},
	})

	want := "Found 2 relevant memories:\n" +
		"\n" +
		"\n1. memory/a.md (lines 1-4)\n" +
		"   Score: 0.912\n" +
		"   Snippet: otters hold hands\n" +
		"\n2. MEMORY.md (lines 7-7)\n" +
		"   Score: 0.500\n" +
		"   Snippet: sea otter"
	assert.Equal(t, want, out)
}

func TestMemorySearch(t *testing.T) {
	m, workspace := newTestManager(t, nil)
	ctx := context.Background()

	writeFile(t, workspace, "MEMORY.md", "Project codename is Bluebird")
	writeFile(t, workspace, "memory/users/alice/MEMORY.md", "Alice owns the Bluebird rollout")
	_, err := m.Sync(ctx, false)
	require.NoError(t, err)

	t.Run("missing query", func(t *testing.T) {
		out, err := MemorySearch(ctx, m, MemorySearchParams{})
		require.NoError(t, err)
		assert.Equal(t, "Error: query parameter is required", out)
	})

	t.Run("anonymous caller sees shared only", func(t *testing.T) {
		minScore := 0.0
		out, err := MemorySearch(ctx, m, MemorySearchParams{Query: "bluebird", MinScore: &minScore})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "Found 1 relevant memories:"))
		assert.Contains(t, out, "MEMORY.md (lines 1-1)")
		assert.NotContains(t, out, "alice")
	})

	t.Run("user from execution context", func(t *testing.T) {
		minScore := 0.0
		userCtx := toolexecutor.ContextWithExecContext(ctx, &toolexecutor.ExecutionContext{UserID: "alice"})
		out, err := MemorySearch(userCtx, m, MemorySearchParams{Query: "bluebird", MinScore: &minScore})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "Found 2 relevant memories:"))
		assert.Contains(t, out, "memory/users/alice/MEMORY.md")
	})

	t.Run("default min score filters keyword-only hits", func(t *testing.T) {
		// keyword-only fused scores are 0.3 and the tool default is 0.3
		out, err := MemorySearch(ctx, m, MemorySearchParams{Query: "bluebird"})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "Found 1 relevant memories:"))
	})

	t.Run("no results", func(t *testing.T) {
		out, err := MemorySearch(ctx, m, MemorySearchParams{Query: "zeppelin"})
		require.NoError(t, err)
		assert.Equal(t, "No relevant memories found for query: zeppelin", out)
	})
}

func TestMemoryGet(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, workspace, "memory/2024-01-29.md", "one\ntwo\nthree\nfour")
	ctx := context.Background()

	t.Run("whole file", func(t *testing.T) {
		out, err := MemoryGet(ctx, workspace, MemoryGetParams{Path: "memory/2024-01-29.md"})
		require.NoError(t, err)
		assert.Equal(t, "File: memory/2024-01-29.md\nLines: 1-4 (total: 4)\n\none\ntwo\nthree\nfour", out)
	})

	t.Run("line range", func(t *testing.T) {
		out, err := MemoryGet(ctx, workspace, MemoryGetParams{Path: "memory/2024-01-29.md", StartLine: 2, NumLines: 2})
		require.NoError(t, err)
		assert.Equal(t, "File: memory/2024-01-29.md\nLines: 2-3 (total: 4)\n\ntwo\nthree", out)
	})

	t.Run("range past end", func(t *testing.T) {
		out, err := MemoryGet(ctx, workspace, MemoryGetParams{Path: "memory/2024-01-29.md", StartLine: 3, NumLines: 10})
		require.NoError(t, err)
		assert.Equal(t, "File: memory/2024-01-29.md\nLines: 3-4 (total: 4)\n\nthree\nfour", out)
	})

	t.Run("missing file", func(t *testing.T) {
		out, err := MemoryGet(ctx, workspace, MemoryGetParams{Path: "memory/nope.md"})
		require.NoError(t, err)
		assert.Equal(t, "Error: File not found: memory/nope.md", out)
	})

	t.Run("escape rejected", func(t *testing.T) {
		out, err := MemoryGet(ctx, workspace, MemoryGetParams{Path: "../secret.md"})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "Error reading memory file:"))
	})
}

func TestMemoryGet_AccessControl(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, workspace, "memory/users/alice/MEMORY.md", "alice private")
	writeFile(t, workspace, "memory/users/bob/MEMORY.md", "bob private")
	writeFile(t, workspace, "memory/long-term/index.db", "binary")

	alice := toolexecutor.ContextWithExecContext(context.Background(), &toolexecutor.ExecutionContext{UserID: "alice"})

	tests := []struct {
		name    string
		ctx     context.Context
		path    string
		allowed bool
	}{
		{"own notes", alice, "memory/users/alice/MEMORY.md", true},
		{"other user's notes", alice, "memory/users/bob/MEMORY.md", false},
		{"index directory", alice, "memory/long-term/index.db", false},
		{"index directory without user", context.Background(), "memory/long-term/index.db", false},
		{"no user id reads any tree", context.Background(), "memory/users/bob/MEMORY.md", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MemoryGet(tt.ctx, workspace, MemoryGetParams{Path: tt.path})
			require.NoError(t, err)
			if tt.allowed {
				assert.True(t, strings.HasPrefix(out, "File: "+tt.path), out)
			} else {
				assert.Contains(t, out, ErrAccessDenied.Error())
			}
		})
	}
}

func TestMemoryWrite_AccessControl(t *testing.T) {
	m, workspace := newTestManager(t, nil)
	alice := toolexecutor.ContextWithExecContext(context.Background(), &toolexecutor.ExecutionContext{UserID: "alice"})

	_, err := MemoryWrite(alice, m, MemoryWriteParams{Path: "memory/users/bob/MEMORY.md", Content: "x"})
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = MemoryWrite(alice, m, MemoryWriteParams{Path: "memory/long-term/notes.md", Content: "x"})
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = os.Stat(filepath.Join(workspace, "memory", "users", "bob", "MEMORY.md"))
	assert.True(t, os.IsNotExist(err))

	_, err = MemoryWrite(alice, m, MemoryWriteParams{Path: "memory/users/alice/MEMORY.md", Content: "mine"})
	assert.NoError(t, err)
}

func TestMemoryWrite(t *testing.T) {
	m, workspace := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Sync(ctx, false)
	require.NoError(t, err)
	require.False(t, m.IsDirty())

	t.Run("create", func(t *testing.T) {
		res, err := MemoryWrite(ctx, m, MemoryWriteParams{Path: "memory/notes/new.md", Content: "hello"})
		require.NoError(t, err)
		assert.True(t, res.Created)
		assert.Equal(t, 5, res.BytesWritten)
		assert.True(t, m.IsDirty())

		content, err := os.ReadFile(filepath.Join(workspace, "memory", "notes", "new.md"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(content))
	})

	t.Run("append", func(t *testing.T) {
		res, err := MemoryWrite(ctx, m, MemoryWriteParams{Path: "memory/notes/new.md", Content: "\nworld", Append: true})
		require.NoError(t, err)
		assert.False(t, res.Created)

		content, err := os.ReadFile(filepath.Join(workspace, "memory", "notes", "new.md"))
		require.NoError(t, err)
		assert.Equal(t, "hello\nworld", string(content))
	})

	t.Run("replace", func(t *testing.T) {
		_, err := MemoryWrite(ctx, m, MemoryWriteParams{Path: "memory/notes/new.md", Content: "replaced"})
		require.NoError(t, err)

		content, err := os.ReadFile(filepath.Join(workspace, "memory", "notes", "new.md"))
		require.NoError(t, err)
		assert.Equal(t, "replaced", string(content))
	})

	t.Run("validation", func(t *testing.T) {
		_, err := MemoryWrite(ctx, m, MemoryWriteParams{Content: "x"})
		assert.Error(t, err)

		_, err = MemoryWrite(ctx, m, MemoryWriteParams{Path: "memory/notes.txt", Content: "x"})
		assert.Error(t, err)

		_, err = MemoryWrite(ctx, m, MemoryWriteParams{Path: "../outside.md", Content: "x"})
		assert.Error(t, err)
	})
}
