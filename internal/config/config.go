package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Config represents the main mnemo configuration
type Config struct {
	// Memory engine
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Conversation log
	Conversation ConversationConfig `json:"conversation" mapstructure:"conversation"`

	// Consolidation turn
	Consolidation ConsolidationConfig `json:"consolidation" mapstructure:"consolidation"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Observability
	Observability ObservabilityConfig `json:"observability" mapstructure:"observability"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// MemoryConfig holds indexing, retrieval and flush settings.
type MemoryConfig struct {
	WorkspaceRoot string `json:"workspace_root" mapstructure:"workspace_root"`
	DBPath        string `json:"db_path" mapstructure:"db_path"` // defaults to <workspace>/memory/long-term/index.db

	EmbeddingProvider  string  `json:"embedding_provider" mapstructure:"embedding_provider"` // openai
	EmbeddingModel     string  `json:"embedding_model" mapstructure:"embedding_model"`
	EmbeddingDim       int     `json:"embedding_dim" mapstructure:"embedding_dim"`
	EmbeddingAPIKey    string  `json:"embedding_api_key" mapstructure:"embedding_api_key"`
	EmbeddingBaseURL   string  `json:"embedding_base_url" mapstructure:"embedding_base_url"`
	EmbeddingRPS       float64 `json:"embedding_rps" mapstructure:"embedding_rps"`
	EmbeddingCacheSize int     `json:"embedding_cache_size" mapstructure:"embedding_cache_size"`

	ChunkMaxTokens     int `json:"chunk_max_tokens" mapstructure:"chunk_max_tokens"`
	ChunkOverlapTokens int `json:"chunk_overlap_tokens" mapstructure:"chunk_overlap_tokens"`

	MaxResults    int     `json:"max_results" mapstructure:"max_results"`
	MinScore      float64 `json:"min_score" mapstructure:"min_score"`
	VectorWeight  float64 `json:"vector_weight" mapstructure:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight" mapstructure:"keyword_weight"`

	FlushTokenThreshold int `json:"flush_token_threshold" mapstructure:"flush_token_threshold"`
	FlushTurnThreshold  int `json:"flush_turn_threshold" mapstructure:"flush_turn_threshold"`

	SyncOnSearch   bool   `json:"sync_on_search" mapstructure:"sync_on_search"`
	EnableAutoSync bool   `json:"enable_auto_sync" mapstructure:"enable_auto_sync"`
	SyncSchedule   string `json:"sync_schedule" mapstructure:"sync_schedule"`
	Watch          bool   `json:"watch" mapstructure:"watch"`
}

// ConversationConfig holds conversation store settings
type ConversationConfig struct {
	DBPath        string `json:"db_path" mapstructure:"db_path"` // defaults to the memory index
	MaxAgeDays    int    `json:"max_age_days" mapstructure:"max_age_days"`
	PruneSchedule string `json:"prune_schedule" mapstructure:"prune_schedule"`
	HistoryTurns  int    `json:"history_turns" mapstructure:"history_turns"`
}

// ConsolidationConfig configures the LLM that runs flush turns.
type ConsolidationConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // openai, anthropic
	Model     string `json:"model" mapstructure:"model"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ObservabilityConfig holds metrics and tracing settings
type ObservabilityConfig struct {
	MetricsAddr string        `json:"metrics_addr" mapstructure:"metrics_addr"`
	Tracing     TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRate  float64 `json:"sample_rate" mapstructure:"sample_rate"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			EmbeddingProvider:   "openai",
			EmbeddingModel:      "text-embedding-3-small",
			EmbeddingDim:        1536,
			EmbeddingRPS:        5,
			EmbeddingCacheSize:  1000,
			ChunkMaxTokens:      500,
			ChunkOverlapTokens:  50,
			MaxResults:          10,
			MinScore:            0.1,
			VectorWeight:        0.7,
			KeywordWeight:       0.3,
			FlushTokenThreshold: 50000,
			FlushTurnThreshold:  20,
			SyncOnSearch:        true,
			EnableAutoSync:      true,
			SyncSchedule:        "@every 5m",
			Watch:               true,
		},
		Conversation: ConversationConfig{
			MaxAgeDays:    30,
			PruneSchedule: "@daily",
			HistoryTurns:  30,
		},
		Consolidation: ConsolidationConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			MaxTokens: 2048,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9464",
			Tracing: TracingConfig{
				ServiceName: "mnemo",
				SampleRate:  1.0,
			},
		},
	}
}

// Validate checks the settings the engine cannot run without.
func (c *Config) Validate() error {
	m := c.Memory

	if !strings.EqualFold(m.EmbeddingProvider, "openai") {
		return fmt.Errorf("unsupported embedding_provider: %q (only \"openai\" is supported)", m.EmbeddingProvider)
	}
	if m.ChunkMaxTokens <= 0 {
		return fmt.Errorf("memory.chunk_max_tokens must be > 0")
	}
	if m.ChunkOverlapTokens < 0 {
		return fmt.Errorf("memory.chunk_overlap_tokens must be >= 0")
	}
	if m.ChunkOverlapTokens >= m.ChunkMaxTokens {
		return fmt.Errorf("memory.chunk_overlap_tokens (%d) must be smaller than chunk_max_tokens (%d)",
			m.ChunkOverlapTokens, m.ChunkMaxTokens)
	}
	if m.VectorWeight < 0 || m.KeywordWeight < 0 {
		return fmt.Errorf("memory search weights must be >= 0")
	}
	if m.MinScore < 0 || m.MinScore > 1 {
		return fmt.Errorf("memory.min_score must be within [0, 1]")
	}
	if m.FlushTokenThreshold <= 0 {
		return fmt.Errorf("memory.flush_token_threshold must be > 0")
	}
	if m.FlushTurnThreshold <= 0 {
		return fmt.Errorf("memory.flush_turn_threshold must be > 0")
	}
	if m.MaxResults < 0 {
		return fmt.Errorf("memory.max_results must be >= 0")
	}
	if c.Conversation.MaxAgeDays < 0 {
		return fmt.Errorf("conversation.max_age_days must be >= 0")
	}

	switch strings.ToLower(c.Consolidation.Provider) {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported consolidation provider: %q", c.Consolidation.Provider)
	}

	return nil
}

// WorkspacePath returns the memory workspace, falling back to
// <data_dir>/workspace.
func (c *Config) WorkspacePath() string {
	if c.Memory.WorkspaceRoot != "" {
		return c.Memory.WorkspaceRoot
	}
	return filepath.Join(c.DataDir, "workspace")
}

// MemoryDBPath returns the index database location.
func (c *Config) MemoryDBPath() string {
	if c.Memory.DBPath != "" {
		return c.Memory.DBPath
	}
	return filepath.Join(c.WorkspacePath(), "memory", "long-term", "index.db")
}

// ConversationDBPath returns the conversation database location. Both stores
// share one file unless configured otherwise.
func (c *Config) ConversationDBPath() string {
	if c.Conversation.DBPath != "" {
		return c.Conversation.DBPath
	}
	return c.MemoryDBPath()
}

// PIDFile returns the daemon pid file location.
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "mnemo.pid")
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Memory.EmbeddingAPIKey = maskSecret(masked.Memory.EmbeddingAPIKey)
	masked.Consolidation.APIKey = maskSecret(masked.Consolidation.APIKey)

	data, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}
