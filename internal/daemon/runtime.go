package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/pkg/agent"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/session"
	"github.com/harun/mnemo/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// ErrConsolidationDisabled is returned by Flush when no consolidation API key
// is configured.
var ErrConsolidationDisabled = errors.New("consolidation is disabled: no api key configured")

// RuntimeOptions tunes what NewRuntime starts. One-shot CLI commands leave
// Watch off.
type RuntimeOptions struct {
	Watch bool
}

// Runtime wires the stores, the memory manager and the tool surface for one
// workspace. The daemon and the one-shot CLI commands share it.
type Runtime struct {
	Config        *config.Config
	Logger        zerolog.Logger
	MemoryStore   *memory.Store
	Conversations *session.Store
	Memory        *memory.Manager
	Files         *memory.Service
	Tools         *toolexecutor.ToolExecutor

	consolidator *agent.Runner
}

// FlushOutcome reports one consolidation attempt.
type FlushOutcome struct {
	Flushed bool
	Result  *agent.FlushResult
}

// newProvider is swapped in tests to avoid real LLM clients.
var newProvider = agent.NewProvider

// NewRuntime opens both stores and builds the manager. On error everything
// already opened is closed again.
func NewRuntime(cfg *config.Config, log zerolog.Logger, opts RuntimeOptions) (rt *Runtime, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rt = &Runtime{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	workspace := cfg.WorkspacePath()
	if _, err := memory.EnsureMemoryDirectory(workspace); err != nil {
		return nil, err
	}

	rt.MemoryStore, err = memory.OpenStore(cfg.MemoryDBPath(), log.With().Str("component", "memory_store").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	rt.Conversations, err = session.OpenStore(cfg.ConversationDBPath(), log.With().Str("component", "conversation_store").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}

	embedder, err := newEmbedder(cfg.Memory, log)
	if err != nil {
		return nil, err
	}

	rt.Memory, err = memory.NewManager(memory.Config{
		WorkspacePath:       workspace,
		Store:               rt.MemoryStore,
		Logger:              log.With().Str("component", "memory").Logger(),
		EmbeddingProvider:   embedder,
		ProviderName:        strings.ToLower(cfg.Memory.EmbeddingProvider),
		ModelName:           cfg.Memory.EmbeddingModel,
		ChunkMaxTokens:      cfg.Memory.ChunkMaxTokens,
		ChunkOverlapTokens:  cfg.Memory.ChunkOverlapTokens,
		MaxResults:          cfg.Memory.MaxResults,
		MinScore:            cfg.Memory.MinScore,
		VectorWeight:        cfg.Memory.VectorWeight,
		KeywordWeight:       cfg.Memory.KeywordWeight,
		FlushTokenThreshold: cfg.Memory.FlushTokenThreshold,
		FlushTurnThreshold:  cfg.Memory.FlushTurnThreshold,
		SyncOnSearch:        cfg.Memory.SyncOnSearch,
		Watch:               opts.Watch && cfg.Memory.Watch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory manager: %w", err)
	}

	rt.Files = memory.NewService(rt.Memory.Workspace(), log.With().Str("component", "memory_files").Logger())

	rt.Tools = toolexecutor.New()
	if err := memory.RegisterMemoryTools(rt.Tools, rt.Memory, rt.Files); err != nil {
		return nil, fmt.Errorf("failed to register memory tools: %w", err)
	}

	rt.consolidator, err = newConsolidator(cfg, rt, log)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("workspace", rt.Memory.Workspace()).
		Str("db", cfg.MemoryDBPath()).
		Bool("embeddings", embedder != nil).
		Bool("consolidation", rt.consolidator != nil).
		Int("tools", rt.Tools.GetToolCount()).
		Msg("Runtime initialized")

	return rt, nil
}

func newEmbedder(cfg config.MemoryConfig, log zerolog.Logger) (memory.EmbeddingProvider, error) {
	if strings.TrimSpace(cfg.EmbeddingAPIKey) == "" {
		log.Warn().Msg("No embedding API key configured, search runs keyword only")
		return nil, nil
	}

	embedder, err := memory.NewEmbeddingProvider(memory.EmbeddingProviderConfig{
		Provider:          cfg.EmbeddingProvider,
		Model:             cfg.EmbeddingModel,
		APIKey:            cfg.EmbeddingAPIKey,
		BaseURL:           cfg.EmbeddingBaseURL,
		Dimension:         cfg.EmbeddingDim,
		RequestsPerSecond: cfg.EmbeddingRPS,
		CacheSize:         cfg.EmbeddingCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	return embedder, nil
}

func newConsolidator(cfg *config.Config, rt *Runtime, log zerolog.Logger) (*agent.Runner, error) {
	if strings.TrimSpace(cfg.Consolidation.APIKey) == "" {
		return nil, nil
	}

	provider, err := newProvider(agent.ProviderConfig{
		Provider: cfg.Consolidation.Provider,
		APIKey:   cfg.Consolidation.APIKey,
		BaseURL:  cfg.Consolidation.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consolidation provider: %w", err)
	}

	runner, err := agent.NewRunner(agent.Config{
		Provider:     provider,
		Model:        cfg.Consolidation.Model,
		MaxTokens:    cfg.Consolidation.MaxTokens,
		Workspace:    rt.Memory.Workspace(),
		Transcripts:  rt.Conversations,
		Tools:        rt.Tools,
		HistoryTurns: cfg.Conversation.HistoryTurns,
		Logger:       log.With().Str("component", "consolidation").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consolidation runner: %w", err)
	}
	return runner, nil
}

// ConsolidationEnabled reports whether Flush can run.
func (r *Runtime) ConsolidationEnabled() bool {
	return r.consolidator != nil
}

// Flush runs the silent consolidation turn for sessionID. The daily and
// curated files are created first so the model can edit them in place.
func (r *Runtime) Flush(ctx context.Context, sessionID string, currentTokens int, userID string) (FlushOutcome, error) {
	if r.consolidator == nil {
		return FlushOutcome{}, ErrConsolidationDisabled
	}
	if err := session.ValidateSessionID(sessionID); err != nil {
		return FlushOutcome{}, err
	}
	if err := memory.EnsureMemoryFiles(r.Memory.Workspace(), userID, time.Now()); err != nil {
		return FlushOutcome{}, err
	}

	var (
		result *agent.FlushResult
		runErr error
	)
	exec := memory.FlushExecutorFunc(func(ctx context.Context, req memory.FlushRequest) error {
		result, runErr = r.consolidator.RunFlush(ctx, sessionID, req)
		return runErr
	})

	ok := r.Memory.ExecuteFlush(ctx, exec, currentTokens, userID)
	return FlushOutcome{Flushed: ok, Result: result}, runErr
}

// Close releases the manager and both stores.
func (r *Runtime) Close() error {
	var errs []error
	if r.Memory != nil {
		if err := r.Memory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close memory manager: %w", err))
		}
	}
	if r.Conversations != nil {
		if err := r.Conversations.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close conversation store: %w", err))
		}
	}
	if r.MemoryStore != nil {
		if err := r.MemoryStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close memory store: %w", err))
		}
	}
	return errors.Join(errs...)
}
