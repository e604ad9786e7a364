package memory

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/sqlitedb"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationsTable tracks the memory store's schema version.
const MigrationsTable = "memory_schema_migrations"

const snippetMaxChars = 500

// Scope controls who can see a chunk.
type Scope string

const (
	ScopeShared  Scope = "shared"
	ScopeUser    Scope = "user"
	ScopeSession Scope = "session"
)

// Source names where a chunk came from.
type Source string

const (
	SourceMemory  Source = "memory"
	SourceSession Source = "session"
)

// Chunk is a content-addressed slice of a source file.
type Chunk struct {
	ID        string
	UserID    string
	Scope     Scope
	Source    Source
	Path      string
	StartLine int
	EndLine   int
	Text      string
	Embedding []float32
	Hash      string
	Metadata  map[string]interface{}
}

// FileMetadata is the change-detection record for an indexed file.
type FileMetadata struct {
	Path   string    `json:"path"`
	Source Source    `json:"source"`
	Hash   string    `json:"hash"`
	MTime  time.Time `json:"mtime"`
	Size   int64     `json:"size"`
}

// SearchResult is a ranked hit from the store.
type SearchResult struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	Snippet   string  `json:"snippet"`
	Source    Source  `json:"source"`
	UserID    string  `json:"user_id,omitempty"`
}

// StoreStats summarizes the store contents.
type StoreStats struct {
	Chunks   int `json:"chunks" db:"chunks"`
	Files    int `json:"files" db:"files"`
	Embedded int `json:"embedded" db:"embedded"`
}

// ChunkID derives the stable id of the chunk covering path[start:end].
func ChunkID(path string, startLine, endLine int) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%d", path, startLine, endLine)))
	return hex.EncodeToString(sum[:])
}

// ContentHash is the sha256 hex digest used for files and chunks.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Store holds chunks, the lexical index and file metadata in SQLite.
// Every operation holds the store lock for its duration.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger
	mu     sync.Mutex
}

// OpenStore opens the store at path and applies pending migrations.
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}

	if err := sqlitedb.Migrate(db, migrationFS, "migrations", MigrationsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Memory store opened")

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

const upsertChunkSQL = `
	INSERT INTO chunks (id, user_id, scope, source, path, start_line, end_line, text, tokens, embedding, hash, metadata, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		scope = excluded.scope,
		source = excluded.source,
		path = excluded.path,
		start_line = excluded.start_line,
		end_line = excluded.end_line,
		text = excluded.text,
		tokens = excluded.tokens,
		embedding = excluded.embedding,
		hash = excluded.hash,
		metadata = excluded.metadata,
		updated_at = excluded.updated_at
`

// Upsert writes chunks in one transaction, replacing rows with the same id.
func (s *Store) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertChunks(ctx, tx, chunks); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

func upsertChunks(ctx context.Context, tx *sqlx.Tx, chunks []Chunk) error {
	stmt, err := tx.PreparexContext(ctx, upsertChunkSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = ChunkID(c.Path, c.StartLine, c.EndLine)
		}
		if c.Hash == "" {
			c.Hash = ContentHash(c.Text)
		}
		if c.Scope == "" {
			c.Scope = ScopeShared
		}
		if c.Source == "" {
			c.Source = SourceMemory
		}

		blob, err := encodeEmbedding(c.Embedding)
		if err != nil {
			return err
		}
		var embedding interface{}
		if blob != nil {
			embedding = blob
		}

		var metadata sql.NullString
		if len(c.Metadata) > 0 {
			data, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal chunk metadata: %w", err)
			}
			metadata = sql.NullString{String: string(data), Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			c.ID, nullString(c.UserID), string(c.Scope), string(c.Source), c.Path,
			c.StartLine, c.EndLine, c.Text, indexText(c.Text), embedding, c.Hash, metadata,
			now, now,
		); err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", c.ID, err)
		}
	}

	return nil
}

// DeleteByPath removes every chunk belonging to path.
func (s *Store) DeleteByPath(ctx context.Context, path string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE path = ?", path)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks for %s: %w", path, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReplaceFile swaps the chunk set of a file and records its metadata in a
// single transaction, so a file's hash never disagrees with its chunks.
func (s *Store) ReplaceFile(ctx context.Context, meta FileMetadata, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE path = ?", meta.Path); err != nil {
		return fmt.Errorf("failed to delete chunks for %s: %w", meta.Path, err)
	}
	if err := upsertChunks(ctx, tx, chunks); err != nil {
		return err
	}
	if err := setFileMetadata(ctx, tx, meta); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit file %s: %w", meta.Path, err)
	}
	return nil
}

// FileHash returns the stored content hash of path.
func (s *Store) FileHash(ctx context.Context, path string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hash string
	err := s.db.GetContext(ctx, &hash, "SELECT hash FROM files WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read file hash: %w", err)
	}
	return hash, true, nil
}

// PathOwner returns the scope and user id recorded for path's chunks.
// ok is false when path has no chunks.
func (s *Store) PathOwner(ctx context.Context, path string) (scope Scope, userID string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row struct {
		Scope  string         `db:"scope"`
		UserID sql.NullString `db:"user_id"`
	}
	err = s.db.GetContext(ctx, &row, "SELECT scope, user_id FROM chunks WHERE path = ? ORDER BY start_line LIMIT 1", path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to read chunk owner: %w", err)
	}
	return Scope(row.Scope), row.UserID.String, true, nil
}

// SetFileMetadata records the sync state of a file.
func (s *Store) SetFileMetadata(ctx context.Context, meta FileMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setFileMetadata(ctx, s.db, meta)
}

func setFileMetadata(ctx context.Context, ex sqlx.ExecerContext, meta FileMetadata) error {
	if meta.Source == "" {
		meta.Source = SourceMemory
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO files (path, source, hash, mtime, size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			source = excluded.source,
			hash = excluded.hash,
			mtime = excluded.mtime,
			size = excluded.size,
			updated_at = excluded.updated_at
	`, meta.Path, string(meta.Source), meta.Hash, meta.MTime.Unix(), meta.Size, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write file metadata for %s: %w", meta.Path, err)
	}
	return nil
}

type fileRow struct {
	Path   string `db:"path"`
	Source string `db:"source"`
	Hash   string `db:"hash"`
	MTime  int64  `db:"mtime"`
	Size   int64  `db:"size"`
}

// ListFiles returns the metadata of every indexed file ordered by path.
func (s *Store) ListFiles(ctx context.Context) ([]FileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []fileRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT path, source, hash, mtime, size FROM files ORDER BY path"); err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	files := make([]FileMetadata, 0, len(rows))
	for _, r := range rows {
		files = append(files, FileMetadata{
			Path:   r.Path,
			Source: Source(r.Source),
			Hash:   r.Hash,
			MTime:  time.Unix(r.MTime, 0),
			Size:   r.Size,
		})
	}
	return files, nil
}

// DeleteFile removes a file's chunks and metadata.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to delete chunks for %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}
	return tx.Commit()
}

type vectorRow struct {
	Path      string         `db:"path"`
	StartLine int            `db:"start_line"`
	EndLine   int            `db:"end_line"`
	Text      string         `db:"text"`
	Source    string         `db:"source"`
	UserID    sql.NullString `db:"user_id"`
	Embedding []byte         `db:"embedding"`
}

// VectorSearch scores every visible embedded chunk by cosine similarity to
// query, keeping positive similarities only.
func (s *Store) VectorSearch(ctx context.Context, query []float32, userID string, scopes []Scope, limit int) ([]SearchResult, error) {
	if len(scopes) == 0 || len(query) == 0 || limit <= 0 {
		return []SearchResult{}, nil
	}

	q, args, err := sqlx.In(`
		SELECT path, start_line, end_line, text, source, user_id, embedding
		FROM chunks
		WHERE scope IN (?)
		  AND (scope = 'shared' OR user_id = ?)
		  AND embedding IS NOT NULL
	`, scopeStrings(scopes), nullString(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to build vector query: %w", err)
	}

	s.mu.Lock()
	var rows []vectorRow
	err = s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, r := range rows {
		var sim float64
		if vec, ok := decodeEmbedding(r.Embedding); ok {
			sim = CosineSimilarity(query, vec)
		}
		if sim <= 0 {
			continue
		}
		results = append(results, SearchResult{
			Path:      r.Path,
			StartLine: r.StartLine,
			EndLine:   r.EndLine,
			Score:     sim,
			Snippet:   truncateSnippet(r.Text),
			Source:    Source(r.Source),
			UserID:    r.UserID.String,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

type keywordRow struct {
	Path      string         `db:"path"`
	StartLine int            `db:"start_line"`
	EndLine   int            `db:"end_line"`
	Text      string         `db:"text"`
	Source    string         `db:"source"`
	UserID    sql.NullString `db:"user_id"`
	Rank      float64        `db:"rank"`
}

// KeywordSearch runs a conjunctive full-text query. Scores are mapped from the
// index rank to (0,1] by 1/(1+max(0,rank)).
func (s *Store) KeywordSearch(ctx context.Context, query string, userID string, scopes []Scope, limit int) ([]SearchResult, error) {
	match := matchExpression(query)
	if match == "" || len(scopes) == 0 || limit <= 0 {
		return []SearchResult{}, nil
	}

	q, args, err := sqlx.In(`
		SELECT c.path, c.start_line, c.end_line, c.text, c.source, c.user_id, chunks_fts.rank AS rank
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE chunks_fts MATCH ?
		  AND c.scope IN (?)
		  AND (c.scope = 'shared' OR c.user_id = ?)
		ORDER BY chunks_fts.rank
		LIMIT ?
	`, match, scopeStrings(scopes), nullString(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build keyword query: %w", err)
	}

	s.mu.Lock()
	var rows []keywordRow
	err = s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to run keyword search: %w", err)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, r := range rows {
		results = append(results, SearchResult{
			Path:      r.Path,
			StartLine: r.StartLine,
			EndLine:   r.EndLine,
			Score:     rankScore(r.Rank),
			Snippet:   truncateSnippet(r.Text),
			Source:    Source(r.Source),
			UserID:    r.UserID.String,
		})
	}
	return results, nil
}

func rankScore(rank float64) float64 {
	if rank < 0 {
		rank = 0
	}
	return 1 / (1 + rank)
}

// Stats returns chunk and file counts.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats StoreStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			(SELECT COUNT(*) FROM chunks) AS chunks,
			(SELECT COUNT(*) FROM files) AS files,
			(SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL) AS embedded
	`)
	if err != nil {
		return StoreStats{}, fmt.Errorf("failed to read store stats: %w", err)
	}
	return stats, nil
}

// ChunksByPath returns the stored chunks of path ordered by start line.
func (s *Store) ChunksByPath(ctx context.Context, path string) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []struct {
		ID        string         `db:"id"`
		UserID    sql.NullString `db:"user_id"`
		Scope     string         `db:"scope"`
		Source    string         `db:"source"`
		Path      string         `db:"path"`
		StartLine int            `db:"start_line"`
		EndLine   int            `db:"end_line"`
		Text      string         `db:"text"`
		Embedding []byte         `db:"embedding"`
		Hash      string         `db:"hash"`
		Metadata  sql.NullString `db:"metadata"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, scope, source, path, start_line, end_line, text, embedding, hash, metadata
		FROM chunks WHERE path = ? ORDER BY start_line, end_line
	`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks for %s: %w", path, err)
	}

	chunks := make([]Chunk, 0, len(rows))
	for _, r := range rows {
		c := Chunk{
			ID:        r.ID,
			UserID:    r.UserID.String,
			Scope:     Scope(r.Scope),
			Source:    Source(r.Source),
			Path:      r.Path,
			StartLine: r.StartLine,
			EndLine:   r.EndLine,
			Text:      r.Text,
			Hash:      r.Hash,
		}
		if vec, ok := decodeEmbedding(r.Embedding); ok {
			c.Embedding = vec
		}
		if r.Metadata.Valid && r.Metadata.String != "" {
			if err := json.Unmarshal([]byte(r.Metadata.String), &c.Metadata); err != nil {
				s.logger.Warn().Err(err).Str("chunk", r.ID).Msg("Invalid chunk metadata")
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func scopeStrings(scopes []Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func truncateSnippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetMaxChars {
		return text
	}
	return string(runes[:snippetMaxChars]) + "..."
}
