package memory

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/mnemo/internal/sqlitedb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

// newTestStore opens a store in a temp dir. Builds without FTS5 skip.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenStore(filepath.Join(t.TempDir(), "index.db"), testLogger())
	if sqlitedb.IsFTS5Unavailable(err) {
		t.Skip("SQLite built without FTS5; run with -tags sqlite_fts5")
	}
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

// newTestManager creates a manager over a fresh workspace. A nil embedder
// gives a keyword-only manager.
func newTestManager(t *testing.T, embedder EmbeddingProvider) (*Manager, string) {
	t.Helper()

	workspace := t.TempDir()
	store := newTestStore(t)

	cfg := Config{
		WorkspacePath: workspace,
		Store:         store,
		Logger:        testLogger(),
	}
	if embedder != nil {
		cfg.EmbeddingProvider = embedder
		cfg.ModelName = "mock"
	}

	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m, workspace
}

func writeFile(t *testing.T, workspace, rel, content string) {
	t.Helper()

	full := filepath.Join(workspace, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}
