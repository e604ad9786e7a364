package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultMaxResults          = 10
	defaultVectorWeight        = 0.7
	defaultKeywordWeight       = 0.3
	defaultFlushTokenThreshold = 50000
	defaultFlushTurnThreshold  = 20
	defaultSyncConcurrency     = 4
)

// SearchOptions configures one search call.
type SearchOptions struct {
	UserID        string  `json:"user_id,omitempty"`
	MaxResults    int     `json:"max_results"`
	MinScore      float64 `json:"min_score"`
	IncludeShared bool    `json:"include_shared"`
}

// AddMemoryRequest describes content to store directly.
type AddMemoryRequest struct {
	Content  string
	UserID   string
	Scope    Scope
	Source   Source
	Path     string // workspace-relative; derived from the content when empty
	Metadata map[string]interface{}
}

// Status is a snapshot of the manager and its index.
type Status struct {
	Chunks            int        `json:"chunks"`
	Files             int        `json:"files"`
	Embedded          int        `json:"embedded"`
	Workspace         string     `json:"workspace"`
	Dirty             bool       `json:"dirty"`
	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
	EmbeddingEnabled  bool       `json:"embedding_enabled"`
	EmbeddingProvider string     `json:"embedding_provider"`
	EmbeddingModel    string     `json:"embedding_model"`
	SearchMode        string     `json:"search_mode"`
	CacheHitRate      *float64   `json:"embedding_cache_hit_rate,omitempty"`
	Flush             FlushState `json:"flush"`
}

// Config holds memory manager configuration
type Config struct {
	WorkspacePath string
	Store         *Store
	Logger        zerolog.Logger

	// EmbeddingProvider is optional; without it search is keyword only.
	EmbeddingProvider EmbeddingProvider
	ProviderName      string
	ModelName         string

	ChunkMaxTokens     int
	ChunkOverlapTokens int

	MaxResults    int
	MinScore      float64
	VectorWeight  float64
	KeywordWeight float64

	FlushTokenThreshold int
	FlushTurnThreshold  int

	SyncOnSearch    bool
	Watch           bool
	SyncConcurrency int
}

// Manager ties chunking, embedding, storage and flush scheduling together
// for one workspace.
type Manager struct {
	cfg       Config
	store     *Store
	workspace string
	logger    zerolog.Logger
	embedder  EmbeddingProvider
	chunker   *Chunker
	flush     *FlushScheduler
	watcher   *FileWatcher

	syncMu sync.Mutex

	mu         sync.RWMutex
	dirty      bool
	lastSyncAt *time.Time
}

// NewManager creates a new memory manager. The store stays owned by the
// caller and is not closed by Close.
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.WorkspacePath == "" {
		return nil, errors.New("workspace path is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("memory store is required")
	}

	workspace, err := filepath.Abs(cfg.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	cfg.WorkspacePath = workspace

	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.VectorWeight == 0 && cfg.KeywordWeight == 0 {
		cfg.VectorWeight = defaultVectorWeight
		cfg.KeywordWeight = defaultKeywordWeight
	}
	if cfg.FlushTokenThreshold <= 0 {
		cfg.FlushTokenThreshold = defaultFlushTokenThreshold
	}
	if cfg.FlushTurnThreshold <= 0 {
		cfg.FlushTurnThreshold = defaultFlushTurnThreshold
	}
	if cfg.SyncConcurrency <= 0 {
		cfg.SyncConcurrency = defaultSyncConcurrency
	}
	if cfg.EmbeddingProvider != nil && cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}

	if _, err := EnsureMemoryDirectory(workspace); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		store:     cfg.Store,
		workspace: workspace,
		logger:    cfg.Logger,
		embedder:  cfg.EmbeddingProvider,
		chunker:   NewChunker(cfg.ChunkMaxTokens, cfg.ChunkOverlapTokens),
		flush:     NewFlushScheduler(workspace, cfg.Logger),
		dirty:     true,
	}

	if cfg.Watch {
		watcher, err := NewFileWatcher(cfg.Logger, m.MarkDirty)
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		if err := watcher.WatchWorkspace(workspace); err != nil {
			watcher.Stop()
			return nil, fmt.Errorf("failed to watch workspace: %w", err)
		}
		m.watcher = watcher
	}

	m.logger.Info().
		Str("workspace", workspace).
		Bool("embeddings", m.embedder != nil).
		Msg("Memory manager initialized")

	return m, nil
}

// Workspace returns the absolute workspace root.
func (m *Manager) Workspace() string {
	return m.workspace
}

// DefaultSearchOptions returns the configured limits with shared memory included.
func (m *Manager) DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		MaxResults:    m.cfg.MaxResults,
		MinScore:      m.cfg.MinScore,
		IncludeShared: true,
	}
}

// Search runs vector and keyword retrieval and fuses them. Only an
// unavailable embedder degrades to keyword-only results; storage errors
// are returned.
func (m *Manager) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.memory",
		"memory.search",
		attribute.String("query", query),
		attribute.String("user_id", opts.UserID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}

	scopes := searchScopes(opts.UserID, opts.IncludeShared)
	if len(scopes) == 0 {
		return []SearchResult{}, nil
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = m.cfg.MaxResults
	}
	candidates := maxResults * 2

	if m.cfg.SyncOnSearch && m.IsDirty() {
		if _, err := m.Sync(ctx, false); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sync before search failed")
			return nil, fmt.Errorf("failed to sync before search: %w", err)
		}
	}

	var vectorResults []SearchResult
	if m.embedder != nil {
		res, err := m.vectorSearch(ctx, query, opts.UserID, scopes, candidates)
		switch {
		case errors.Is(err, ErrEmbeddingUnavailable):
			span.RecordError(err)
			logger.Warn().Err(err).Msg("Embedding unavailable, using keyword only")
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, "vector search failed")
			return nil, err
		default:
			vectorResults = res
		}
	}

	keywordResults, err := m.store.KeywordSearch(ctx, query, opts.UserID, scopes, candidates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "keyword search failed")
		return nil, err
	}

	results := filterResults(
		Fuse(vectorResults, keywordResults, m.cfg.VectorWeight, m.cfg.KeywordWeight),
		opts.MinScore,
		maxResults,
	)

	logger.Debug().
		Str("query", query).
		Int("vector", len(vectorResults)).
		Int("keyword", len(keywordResults)).
		Int("results", len(results)).
		Msg("Search completed")

	return results, nil
}

func (m *Manager) vectorSearch(ctx context.Context, query, userID string, scopes []Scope, limit int) ([]SearchResult, error) {
	vec, err := m.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		observability.RecordEmbeddingFailure()
		return nil, unavailable(fmt.Errorf("failed to embed query: %w", err))
	}
	return m.store.VectorSearch(ctx, vec, userID, scopes, limit)
}

// ErrScopeMismatch is returned by AddMemory when the target path lies in
// another user's tree.
var ErrScopeMismatch = errors.New("path does not match memory scope")

// AddMemory writes content to its file under the workspace and indexes it
// immediately with the requested scope, source and metadata.
func (m *Manager) AddMemory(ctx context.Context, req AddMemoryRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return nil
	}
	if req.Scope == "" {
		req.Scope = ScopeShared
	}
	if req.Source == "" {
		req.Source = SourceMemory
	}
	if req.Scope == ScopeUser && req.UserID == "" {
		return errors.New("user scope requires a user id")
	}
	if req.Path == "" {
		req.Path = defaultMemoryPath(req.Content, req.UserID, req.Scope)
	}
	if scope, owner := ClassifyPath(req.Path); scope == ScopeUser && (req.Scope != ScopeUser || req.UserID != owner) {
		return fmt.Errorf("%w: %s belongs to user %q", ErrScopeMismatch, req.Path, owner)
	}

	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.add",
		attribute.String("path", req.Path),
		attribute.String("scope", string(req.Scope)),
	)
	defer span.End()

	fullPath, err := GetMemoryFilePath(m.workspace, filepath.FromSlash(req.Path))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(fullPath, []byte(req.Content), 0644); err != nil {
		return fmt.Errorf("failed to write memory file: %w", err)
	}

	relPath := filepath.ToSlash(req.Path)
	prepared := m.prepareChunks(ctx, relPath, req.Content, req.Scope, req.UserID, req.Source, req.Metadata)

	meta := FileMetadata{
		Path:   relPath,
		Source: req.Source,
		Hash:   ContentHash(req.Content),
		MTime:  time.Now(),
		Size:   int64(len(req.Content)),
	}
	if prepared.embedFailed {
		meta.Hash = ""
	}

	if err := m.store.ReplaceFile(ctx, meta, prepared.chunks); err != nil {
		span.RecordError(err)
		return err
	}

	observability.RecordMemoryAudit(ctx, "memory_add", req.UserID, "success", map[string]interface{}{
		"path":   relPath,
		"chunks": len(prepared.chunks),
	})

	return nil
}

type preparedFile struct {
	chunks      []Chunk
	embedFailed bool
}

// prepareChunks chunks and embeds text without touching the store.
func (m *Manager) prepareChunks(ctx context.Context, relPath, text string, scope Scope, userID string, source Source, metadata map[string]interface{}) preparedFile {
	pieces := m.chunker.Chunk(text)
	if len(pieces) == 0 {
		return preparedFile{}
	}

	var embeddings [][]float32
	embedFailed := false
	if m.embedder != nil {
		texts := make([]string, len(pieces))
		for i, p := range pieces {
			texts[i] = p.Text
		}
		vecs, err := m.embedder.GenerateEmbeddings(ctx, texts)
		switch {
		case err != nil:
			embedFailed = true
			observability.RecordEmbeddingFailure()
			m.logger.Warn().Err(err).Str("file", relPath).Msg("Embedding failed, indexing without vectors")
		case len(vecs) != len(pieces):
			embedFailed = true
			m.logger.Warn().Int("want", len(pieces)).Int("got", len(vecs)).Str("file", relPath).Msg("Embedding count mismatch, indexing without vectors")
		default:
			embeddings = vecs
		}
	}

	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		c := Chunk{
			ID:        ChunkID(relPath, p.StartLine, p.EndLine),
			UserID:    userID,
			Scope:     scope,
			Source:    source,
			Path:      relPath,
			StartLine: p.StartLine,
			EndLine:   p.EndLine,
			Text:      p.Text,
			Hash:      ContentHash(p.Text),
			Metadata:  metadata,
		}
		if embeddings != nil {
			c.Embedding = embeddings[i]
		}
		chunks[i] = c
	}

	return preparedFile{chunks: chunks, embedFailed: embedFailed}
}

// ShouldFlush applies the configured token and turn thresholds.
func (m *Manager) ShouldFlush(currentTokens int) bool {
	return m.flush.ShouldFlush(currentTokens, m.cfg.FlushTokenThreshold, m.cfg.FlushTurnThreshold)
}

// ShouldFlushForContext applies the context-window trigger.
func (m *Manager) ShouldFlushForContext(currentTokens, contextWindow, reserveTokens, softThreshold int) bool {
	return m.flush.ShouldFlushForContext(currentTokens, contextWindow, reserveTokens, softThreshold)
}

// IncrementTurn counts one conversational exchange toward the turn trigger.
func (m *Manager) IncrementTurn() {
	m.flush.IncrementTurn()
}

// FlushState returns the scheduler state.
func (m *Manager) FlushState() FlushState {
	return m.flush.State()
}

// ExecuteFlush runs the consolidation turn and marks the index dirty on
// success so the next search picks up the new notes.
func (m *Manager) ExecuteFlush(ctx context.Context, exec FlushExecutor, currentTokens int, userID string) bool {
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.flush",
		attribute.Int("tokens", currentTokens),
		attribute.String("user_id", userID),
	)
	defer span.End()

	ok := m.flush.Execute(ctx, exec, currentTokens, userID)
	observability.RecordFlush(ok)

	status := "failure"
	if ok {
		status = "success"
		m.MarkDirty()
	} else {
		span.SetStatus(codes.Error, "flush failed")
	}
	observability.RecordMemoryAudit(ctx, "flush", userID, status, map[string]interface{}{
		"tokens": currentTokens,
	})

	return ok
}

// Status returns index counts and manager state.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}

	m.mu.RLock()
	st := Status{
		Chunks:     stats.Chunks,
		Files:      stats.Files,
		Embedded:   stats.Embedded,
		Workspace:  m.workspace,
		Dirty:      m.dirty,
		LastSyncAt: m.lastSyncAt,
	}
	m.mu.RUnlock()

	if m.embedder != nil {
		st.EmbeddingEnabled = true
		st.EmbeddingProvider = m.cfg.ProviderName
		st.EmbeddingModel = m.cfg.ModelName
		st.SearchMode = "hybrid (vector + keyword)"
		if cached, ok := m.embedder.(*CachedEmbeddingProvider); ok {
			if rate := cached.HitRate(); rate >= 0 {
				st.CacheHitRate = &rate
			}
		}
	} else {
		st.EmbeddingProvider = "disabled"
		st.EmbeddingModel = "N/A"
		st.SearchMode = "keyword only (FTS5)"
	}
	st.Flush = m.flush.State()

	return st, nil
}

// MarkDirty marks the index as needing sync
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
}

// IsDirty reports whether files may have changed since the last sync.
func (m *Manager) IsDirty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirty
}

// Close stops the file watcher. The store is left open.
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing memory manager")

	if m.watcher != nil {
		return m.watcher.Stop()
	}
	return nil
}
