package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// SyncStats summarizes one sync pass.
type SyncStats struct {
	FilesScanned      int           `json:"files_scanned"`
	FilesIndexed      int           `json:"files_indexed"`
	FilesSkipped      int           `json:"files_skipped"`
	FilesPruned       int           `json:"files_pruned"`
	ChunksWritten     int           `json:"chunks_written"`
	EmbeddingFailures int           `json:"embedding_failures"`
	Duration          time.Duration `json:"duration"`
}

type syncTarget struct {
	relPath string
	scope   Scope
	userID  string
}

// Sync indexes MEMORY.md at the workspace root and every markdown file under
// memory/. Unchanged files are skipped unless force is set, and files gone
// from disk are dropped from the index. A failing file does not stop the
// others; all file errors are returned joined.
func (m *Manager) Sync(ctx context.Context, force bool) (SyncStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.sync", attribute.Bool("force", force))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	start := time.Now()
	// Changes landing during the pass re-dirty the index.
	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()

	var stats SyncStats

	targets, err := m.collectTargets()
	if err != nil {
		m.MarkDirty()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stats, err
	}
	stats.FilesScanned = len(targets)

	var (
		mu       sync.Mutex
		fileErrs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.SyncConcurrency)

	for _, t := range targets {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := m.syncFile(gctx, t, force)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn().Err(err).Str("file", t.relPath).Msg("Failed to index file")
				fileErrs = append(fileErrs, fmt.Errorf("%s: %w", t.relPath, err))
				return nil
			}
			if !res.indexed {
				stats.FilesSkipped++
				return nil
			}
			stats.FilesIndexed++
			stats.ChunksWritten += res.chunks
			if res.embedFailed {
				stats.EmbeddingFailures++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		m.MarkDirty()
		span.RecordError(err)
		return stats, err
	}

	pruned, err := m.pruneDeleted(ctx, targets)
	stats.FilesPruned = pruned
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune deleted files")
		fileErrs = append(fileErrs, err)
	}

	stats.Duration = time.Since(start)
	observability.RecordMemorySync(stats.Duration)

	if len(fileErrs) > 0 || stats.EmbeddingFailures > 0 {
		// Retry failed files on the next pass.
		m.MarkDirty()
	}

	now := time.Now()
	m.mu.Lock()
	m.lastSyncAt = &now
	m.mu.Unlock()

	if st, err := m.store.Stats(ctx); err == nil {
		observability.SetMemoryIndexSize(st.Chunks, st.Files)
	}

	logger.Info().
		Int("files_indexed", stats.FilesIndexed).
		Int("files_skipped", stats.FilesSkipped).
		Int("files_pruned", stats.FilesPruned).
		Int("chunks_written", stats.ChunksWritten).
		Dur("duration", stats.Duration).
		Msg("Sync completed")

	if len(fileErrs) > 0 {
		err := errors.Join(fileErrs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync finished with errors")
		return stats, err
	}
	return stats, nil
}

// collectTargets lists the files a sync covers, sorted by path.
func (m *Manager) collectTargets() ([]syncTarget, error) {
	var targets []syncTarget

	root := filepath.Join(m.workspace, CuratedFileName)
	if info, err := os.Stat(root); err == nil && info.Mode().IsRegular() {
		targets = append(targets, syncTarget{relPath: CuratedFileName, scope: ScopeShared})
	}

	memoryDir := filepath.Join(m.workspace, MemoryDirName)
	indexDir := filepath.Join(memoryDir, IndexDirName)
	err := filepath.WalkDir(memoryDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == memoryDir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if path == indexDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}

		rel, err := filepath.Rel(m.workspace, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		scope, userID := ClassifyPath(rel)
		targets = append(targets, syncTarget{relPath: rel, scope: scope, userID: userID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk memory directory: %w", err)
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].relPath < targets[j].relPath })
	return targets, nil
}

type fileSyncResult struct {
	indexed     bool
	chunks      int
	embedFailed bool
}

func (m *Manager) syncFile(ctx context.Context, t syncTarget, force bool) (fileSyncResult, error) {
	fullPath := filepath.Join(m.workspace, filepath.FromSlash(t.relPath))

	info, err := os.Stat(fullPath)
	if err != nil {
		return fileSyncResult{}, fmt.Errorf("failed to stat file: %w", err)
	}
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return fileSyncResult{}, fmt.Errorf("failed to read file: %w", err)
	}

	text := string(content)
	hash := ContentHash(text)

	if !force {
		stored, ok, err := m.store.FileHash(ctx, t.relPath)
		if err != nil {
			return fileSyncResult{}, err
		}
		if ok && stored == hash {
			return fileSyncResult{}, nil
		}
	}

	scope, userID := t.scope, t.userID
	if scope == ScopeShared {
		// AddMemory may have placed a user or session note outside the
		// users/ tree; the scope it was indexed with wins over the path.
		stored, uid, ok, err := m.store.PathOwner(ctx, t.relPath)
		if err != nil {
			return fileSyncResult{}, err
		}
		if ok && stored != ScopeShared {
			scope, userID = stored, uid
		}
	}

	prepared := m.prepareChunks(ctx, t.relPath, text, scope, userID, SourceMemory, nil)

	meta := FileMetadata{
		Path:   t.relPath,
		Source: SourceMemory,
		Hash:   hash,
		MTime:  info.ModTime(),
		Size:   info.Size(),
	}
	if prepared.embedFailed {
		// An empty hash never matches, so the file is re-embedded next pass.
		meta.Hash = ""
	}

	if err := m.store.ReplaceFile(ctx, meta, prepared.chunks); err != nil {
		return fileSyncResult{}, err
	}

	return fileSyncResult{
		indexed:     true,
		chunks:      len(prepared.chunks),
		embedFailed: prepared.embedFailed,
	}, nil
}

// pruneDeleted drops indexed memory files that no longer exist on disk.
// Files indexed from other sources are left alone.
func (m *Manager) pruneDeleted(ctx context.Context, targets []syncTarget) (int, error) {
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		seen[t.relPath] = true
	}

	files, err := m.store.ListFiles(ctx)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, f := range files {
		if seen[f.Path] || f.Source != SourceMemory {
			continue
		}
		fullPath := filepath.Join(m.workspace, filepath.FromSlash(f.Path))
		if _, err := os.Stat(fullPath); err == nil || !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := m.store.DeleteFile(ctx, f.Path); err != nil {
			return pruned, err
		}
		pruned++
	}

	return pruned, nil
}
