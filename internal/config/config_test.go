package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "openai", cfg.Memory.EmbeddingProvider)
	assert.Equal(t, "text-embedding-3-small", cfg.Memory.EmbeddingModel)
	assert.Equal(t, 1536, cfg.Memory.EmbeddingDim)
	assert.Equal(t, 500, cfg.Memory.ChunkMaxTokens)
	assert.Equal(t, 50, cfg.Memory.ChunkOverlapTokens)
	assert.Equal(t, 10, cfg.Memory.MaxResults)
	assert.Equal(t, 0.1, cfg.Memory.MinScore)
	assert.Equal(t, 0.7, cfg.Memory.VectorWeight)
	assert.Equal(t, 0.3, cfg.Memory.KeywordWeight)
	assert.Equal(t, 50000, cfg.Memory.FlushTokenThreshold)
	assert.Equal(t, 20, cfg.Memory.FlushTurnThreshold)
	assert.True(t, cfg.Memory.SyncOnSearch)
	assert.True(t, cfg.Memory.EnableAutoSync)
	assert.Equal(t, 30, cfg.Conversation.MaxAgeDays)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unsupported provider", func(c *Config) { c.Memory.EmbeddingProvider = "cohere" }, "embedding_provider"},
		{"zero chunk size", func(c *Config) { c.Memory.ChunkMaxTokens = 0 }, "chunk_max_tokens"},
		{"overlap not smaller", func(c *Config) { c.Memory.ChunkOverlapTokens = 500 }, "chunk_overlap_tokens"},
		{"negative overlap", func(c *Config) { c.Memory.ChunkOverlapTokens = -1 }, "chunk_overlap_tokens"},
		{"negative weight", func(c *Config) { c.Memory.KeywordWeight = -0.1 }, "weights"},
		{"min score above one", func(c *Config) { c.Memory.MinScore = 1.5 }, "min_score"},
		{"zero token threshold", func(c *Config) { c.Memory.FlushTokenThreshold = 0 }, "flush_token_threshold"},
		{"zero turn threshold", func(c *Config) { c.Memory.FlushTurnThreshold = 0 }, "flush_turn_threshold"},
		{"unknown consolidation provider", func(c *Config) { c.Consolidation.Provider = "gemini" }, "consolidation provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("provider match is case insensitive", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Memory.EmbeddingProvider = "OpenAI"
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfigPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"

	assert.Equal(t, "/data/workspace", cfg.WorkspacePath())
	assert.Equal(t, "/data/workspace/memory/long-term/index.db", cfg.MemoryDBPath())
	assert.Equal(t, "/data/workspace/memory/long-term/index.db", cfg.ConversationDBPath())
	assert.Equal(t, "/data/mnemo.pid", cfg.PIDFile())

	cfg.Conversation.DBPath = "/data/conv.db"
	assert.Equal(t, "/data/conv.db", cfg.ConversationDBPath())
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.EmbeddingAPIKey = "sk-abcdefghijklmnop"
	cfg.Consolidation.APIKey = "short"

	s := cfg.String()
	assert.NotContains(t, s, "sk-abcdefghijklmnop")
	assert.Contains(t, s, "sk-a***mnop")
	assert.Contains(t, s, `"api_key": "***"`)

	// The receiver is not modified.
	assert.Equal(t, "sk-abcdefghijklmnop", cfg.Memory.EmbeddingAPIKey)
}
