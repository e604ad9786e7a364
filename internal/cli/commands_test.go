package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/internal/sqlitedb"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCLI runs the root command with args and returns what it wrote to stdout.
// Flag values live in package globals, so every flag is reset first.
func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return stdout.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// writeTestConfig saves a keyword-only config rooted in a temp dir.
func writeTestConfig(t *testing.T) (string, *config.Config) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Memory.WorkspaceRoot = filepath.Join(dir, "workspace")
	cfg.Logging.File = filepath.Join(dir, "data", "mnemo.log")
	cfg.Observability.MetricsAddr = "127.0.0.1:0"

	path := filepath.Join(dir, "mnemo.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))
	return path, cfg
}

func skipWithoutFTS5(t *testing.T, err error) {
	t.Helper()
	if sqlitedb.IsFTS5Unavailable(err) {
		t.Skip("SQLite built without FTS5; run with -tags sqlite_fts5")
	}
}

func writeWorkspaceFile(t *testing.T, cfg *config.Config, rel, content string) {
	t.Helper()
	path := filepath.Join(cfg.Memory.WorkspaceRoot, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func seedConversation(t *testing.T, cfg *config.Config, sessionID string) {
	t.Helper()

	store, err := session.OpenStore(cfg.ConversationDBPath(), zerolog.Nop())
	skipWithoutFTS5(t, err)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(context.Background(), sessionID, []session.Message{
		{Role: "user", Content: session.TextContent("where do we deploy?")},
		{Role: "assistant", Content: session.TextContent("to the staging cluster first")},
	}, "cli"))
}

func TestSyncSearchAndGet(t *testing.T) {
	cfgPath, cfg := writeTestConfig(t)
	writeWorkspaceFile(t, cfg, "MEMORY.md", "# Preferences\n\nThe team prefers PostgreSQL for analytics.\n")
	writeWorkspaceFile(t, cfg, "memory/2024-03-01.md", "# Notes\n\nDeployed the ingestion worker.\n")

	output, err := executeCLI(t, "--config", cfgPath, "sync")
	skipWithoutFTS5(t, err)
	require.NoError(t, err)
	assert.Contains(t, output, "Indexed: 2")

	t.Run("second sync skips unchanged files", func(t *testing.T) {
		output, err := executeCLI(t, "--config", cfgPath, "--json", "sync")
		require.NoError(t, err)

		var stats memory.SyncStats
		require.NoError(t, json.Unmarshal([]byte(output), &stats))
		assert.Equal(t, 0, stats.FilesIndexed)
		assert.Equal(t, 2, stats.FilesSkipped)
	})

	t.Run("search text", func(t *testing.T) {
		output, err := executeCLI(t, "--config", cfgPath, "search", "PostgreSQL", "analytics")
		require.NoError(t, err)
		assert.Contains(t, output, "MEMORY.md")
		assert.Contains(t, output, "Score:")
	})

	t.Run("search json", func(t *testing.T) {
		output, err := executeCLI(t, "--config", cfgPath, "--json", "search", "ingestion")
		require.NoError(t, err)

		var results []memory.SearchResult
		require.NoError(t, json.Unmarshal([]byte(output), &results))
		require.NotEmpty(t, results)
		assert.Equal(t, "memory/2024-03-01.md", results[0].Path)
	})

	t.Run("search without matches", func(t *testing.T) {
		output, err := executeCLI(t, "--config", cfgPath, "search", "kubernetes")
		require.NoError(t, err)
		assert.Contains(t, output, "No relevant memories found")
	})

	t.Run("get line range", func(t *testing.T) {
		output, err := executeCLI(t, "--config", cfgPath, "get", "MEMORY.md", "--start", "3", "--lines", "1")
		require.NoError(t, err)
		assert.Contains(t, output, "PostgreSQL")
		assert.NotContains(t, output, "# Preferences")
	})

	t.Run("get outside workspace", func(t *testing.T) {
		output, err := executeCLI(t, "--config", cfgPath, "get", "../secret.md")
		require.NoError(t, err)
		assert.Contains(t, output, "Error")
	})

	t.Run("files", func(t *testing.T) {
		output, err := executeCLI(t, "--config", cfgPath, "files")
		require.NoError(t, err)
		assert.Contains(t, output, "FILE")
		assert.Contains(t, output, "2024-03-01.md")
	})
}

func TestSessionsCommands(t *testing.T) {
	cfgPath, cfg := writeTestConfig(t)
	seedConversation(t, cfg, "chat-1")

	_, err := executeCLI(t, "--config", cfgPath, "sessions", "stats")
	skipWithoutFTS5(t, err)
	require.NoError(t, err)

	t.Run("stats", func(t *testing.T) {
		output, err := executeCLI(t, "--config", cfgPath, "sessions", "stats")
		require.NoError(t, err)
		assert.Contains(t, output, "Sessions: 1")
		assert.Contains(t, output, "Messages: 2")
	})

	t.Run("list", func(t *testing.T) {
		output, err := executeCLI(t, "--config", cfgPath, "--json", "sessions", "list")
		require.NoError(t, err)

		var sessions []session.Session
		require.NoError(t, json.Unmarshal([]byte(output), &sessions))
		require.Len(t, sessions, 1)
		assert.Equal(t, "chat-1", sessions[0].SessionID)
		assert.Equal(t, "cli", sessions[0].ChannelType)
	})

	t.Run("history", func(t *testing.T) {
		output, err := executeCLI(t, "--config", cfgPath, "sessions", "history", "chat-1")
		require.NoError(t, err)
		assert.Contains(t, output, "staging cluster")
		assert.Contains(t, output, "of 2 turns")
	})

	t.Run("prune keeps recent sessions", func(t *testing.T) {
		output, err := executeCLI(t, "--config", cfgPath, "sessions", "prune", "--days", "7")
		require.NoError(t, err)
		assert.Contains(t, output, "Pruned 0 sessions")
	})

	t.Run("clear", func(t *testing.T) {
		_, err := executeCLI(t, "--config", cfgPath, "sessions", "clear", "chat-1")
		require.NoError(t, err)

		output, err := executeCLI(t, "--config", cfgPath, "sessions", "stats")
		require.NoError(t, err)
		assert.Contains(t, output, "Sessions: 0")
	})
}

func TestFlushRequiresConsolidationKey(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	_, err := executeCLI(t, "--config", cfgPath, "flush", "chat-1")
	skipWithoutFTS5(t, err)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consolidation is disabled")
}

func TestConfigCommands(t *testing.T) {
	t.Run("init writes defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "mnemo.json")

		output, err := executeCLI(t, "--config", path, "config", "init")
		require.NoError(t, err)
		assert.Contains(t, output, "Configuration saved to")

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, 500, cfg.Memory.ChunkMaxTokens)
	})

	t.Run("init refuses to overwrite", func(t *testing.T) {
		cfgPath, _ := writeTestConfig(t)

		_, err := executeCLI(t, "--config", cfgPath, "config", "init")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")

		_, err = executeCLI(t, "--config", cfgPath, "config", "init", "--force")
		require.NoError(t, err)
	})

	t.Run("show masks secrets", func(t *testing.T) {
		t.Setenv("MNEMO_CONSOLIDATION_API_KEY", "sk-ant-abcdefghijklmnop")
		cfgPath, _ := writeTestConfig(t)

		output, err := executeCLI(t, "--config", cfgPath, "config", "show")
		require.NoError(t, err)
		assert.Contains(t, output, "sk-a***mnop")
		assert.NotContains(t, output, "abcdefghijklmnop")
	})

	t.Run("validate ok", func(t *testing.T) {
		cfgPath, _ := writeTestConfig(t)

		output, err := executeCLI(t, "--config", cfgPath, "config", "validate")
		require.NoError(t, err)
		assert.Contains(t, output, "Configuration is valid")
	})

	t.Run("validate reports errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mnemo.json")
		raw := `{"memory": {"chunk_max_tokens": 100, "chunk_overlap_tokens": 200}, "logging": {"level": "verbose"}}`
		require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

		output, err := executeCLI(t, "--config", path, "config", "validate")
		require.Error(t, err)
		assert.True(t, strings.Contains(output, "overlap"), output)
		assert.Contains(t, output, "log level")
	})
}
