package session

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/sqlitedb"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationsTable tracks the conversation store's schema version. It differs
// from the memory store's table so both can live in one database file.
const MigrationsTable = "conversation_schema_migrations"

const (
	DefaultMaxAgeDays = 30
	DefaultPageSize   = 20
	maxSessionIDLen   = 256
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Session is the per-session metadata row.
type Session struct {
	SessionID   string    `json:"session_id"`
	ChannelType string    `json:"channel_type"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	MsgCount    int       `json:"msg_count"`
}

// Message is one entry of a session's append-only log.
type Message struct {
	SessionID string    `json:"session_id,omitempty"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   Content   `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes the store for monitoring.
type Stats struct {
	TotalSessions int            `json:"total_sessions"`
	TotalMessages int            `json:"total_messages"`
	ByChannel     map[string]int `json:"by_channel"`
}

type sessionRow struct {
	SessionID   string `db:"session_id"`
	ChannelType string `db:"channel_type"`
	CreatedAt   int64  `db:"created_at"`
	LastActive  int64  `db:"last_active"`
	MsgCount    int    `db:"msg_count"`
}

func (r sessionRow) toSession() Session {
	return Session{
		SessionID:   r.SessionID,
		ChannelType: r.ChannelType,
		CreatedAt:   time.Unix(r.CreatedAt, 0),
		LastActive:  time.Unix(r.LastActive, 0),
		MsgCount:    r.MsgCount,
	}
}

type messageRow struct {
	Seq       int64  `db:"seq"`
	Role      string `db:"role"`
	Content   string `db:"content"`
	CreatedAt int64  `db:"created_at"`
}

func (r messageRow) toMessage(sessionID string) Message {
	return Message{
		SessionID: sessionID,
		Seq:       r.Seq,
		Role:      r.Role,
		Content:   decodeStoredContent(r.Content),
		CreatedAt: time.Unix(r.CreatedAt, 0),
	}
}

// Store persists conversation logs in SQLite. Every operation holds the store
// lock for its duration.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// OpenStore opens the conversation store at path and applies pending migrations.
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}

	if err := sqlitedb.Migrate(db, migrationFS, "migrations", MigrationsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize conversation schema: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Conversation store opened")

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ValidateSessionID rejects ids that cannot be stored or echoed safely.
func ValidateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidSessionID)
	}
	if len(sessionID) > maxSessionIDLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidSessionID, maxSessionIDLen)
	}
	if strings.ContainsRune(sessionID, 0) {
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidSessionID)
	}
	return nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Append adds msgs to the end of a session's log in one transaction. The
// session row is created on first use; channelType is only recorded then.
func (s *Store) Append(ctx context.Context, sessionID string, msgs []Message, channelType string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "mnemo.session", "session.append",
		attribute.String("session_id", sessionID),
		attribute.Int("messages", len(msgs)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordConversationAppend(time.Since(start))
	}()

	encoded := make([]string, len(msgs))
	for i, msg := range msgs {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			return spanError(span, fmt.Errorf("invalid message role %q", msg.Role))
		}
		raw, err := json.Marshal(msg.Content)
		if err != nil {
			return spanError(span, fmt.Errorf("failed to encode message content: %w", err))
		}
		encoded[i] = string(raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return spanError(span, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (session_id, channel_type, created_at, last_active, msg_count)
		VALUES (?, ?, ?, ?, 0)`, sessionID, channelType, now, now); err != nil {
		return spanError(span, fmt.Errorf("failed to create session: %w", err))
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_active = ? WHERE session_id = ?`, now, sessionID); err != nil {
		return spanError(span, fmt.Errorf("failed to touch session: %w", err))
	}

	var next int64
	if err := tx.GetContext(ctx, &next,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return spanError(span, fmt.Errorf("failed to read next seq: %w", err))
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO messages (session_id, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return spanError(span, fmt.Errorf("failed to prepare message insert: %w", err))
	}
	defer stmt.Close()

	for i, msg := range msgs {
		if _, err := stmt.ExecContext(ctx, sessionID, next, msg.Role, encoded[i], now); err != nil {
			return spanError(span, fmt.Errorf("failed to insert message: %w", err))
		}
		next++
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET msg_count = (SELECT COUNT(*) FROM messages WHERE session_id = ?)
		WHERE session_id = ?`, sessionID, sessionID); err != nil {
		return spanError(span, fmt.Errorf("failed to update message count: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return spanError(span, fmt.Errorf("failed to commit messages: %w", err))
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Int("count", len(msgs)).
		Int64("last_seq", next-1).
		Msg("Messages appended")

	return nil
}

// LoadRecent returns the tail of a session's log holding the last maxTurns
// visible user turns, in chronological order. Only user messages with typed
// text count as turns, and the window always starts at one of them, so a
// tool_use/tool_result exchange is never cut in half. maxTurns <= 0 returns
// the whole log.
func (s *Store) LoadRecent(ctx context.Context, sessionID string, maxTurns int) ([]Message, error) {
	msgs, err := s.loadAll(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return windowByTurns(msgs, maxTurns), nil
}

func windowByTurns(msgs []Message, maxTurns int) []Message {
	if maxTurns <= 0 || len(msgs) == 0 {
		return msgs
	}

	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != RoleUser || !msgs[i].Content.IsVisibleUserInput() {
			continue
		}
		seen++
		if seen == maxTurns {
			return msgs[i:]
		}
	}
	return msgs
}

// PaginateTurns groups the log into display turns and returns one page.
func (s *Store) PaginateTurns(ctx context.Context, sessionID string, page, pageSize int) (TurnPage, error) {
	msgs, err := s.loadAll(ctx, sessionID)
	if err != nil {
		return TurnPage{}, err
	}
	return pageTurns(GroupTurns(msgs), page, pageSize), nil
}

func (s *Store) loadAll(ctx context.Context, sessionID string) ([]Message, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT seq, role, content, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC`, sessionID); err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	msgs := make([]Message, len(rows))
	for i, r := range rows {
		msgs[i] = r.toMessage(sessionID)
	}
	return msgs, nil
}

// Clear deletes a session and all of its messages. Clearing an unknown
// session is not an error.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "mnemo.session", "session.clear",
		attribute.String("session_id", sessionID))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return spanError(span, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return spanError(span, fmt.Errorf("failed to delete messages: %w", err))
	}
	deleted, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return spanError(span, fmt.Errorf("failed to delete session: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return spanError(span, fmt.Errorf("failed to commit clear: %w", err))
	}

	observability.RecordConversationAudit(ctx, "clear", "store", map[string]interface{}{
		"session_id": sessionID,
		"messages":   deleted,
	})
	s.logger.Info().Str("session_id", sessionID).Int64("messages", deleted).Msg("Session cleared")

	return nil
}

// PruneOlderThan deletes sessions whose last activity is older than
// maxAgeDays and returns how many were removed. maxAgeDays <= 0 uses
// DefaultMaxAgeDays.
func (s *Store) PruneOlderThan(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultMaxAgeDays
	}

	ctx, span := tracing.StartSpan(ctx, "mnemo.session", "session.prune",
		attribute.Int("max_age_days", maxAgeDays))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour).Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, spanError(span, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	var stale []string
	if err := tx.SelectContext(ctx, &stale,
		`SELECT session_id FROM sessions WHERE last_active < ?`, cutoff); err != nil {
		return 0, spanError(span, fmt.Errorf("failed to find stale sessions: %w", err))
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
			return 0, spanError(span, fmt.Errorf("failed to delete messages: %w", err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
			return 0, spanError(span, fmt.Errorf("failed to delete session: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, spanError(span, fmt.Errorf("failed to commit prune: %w", err))
	}

	if len(stale) > 0 {
		observability.RecordSessionsPruned(len(stale))
		observability.RecordConversationAudit(ctx, "prune", "store", map[string]interface{}{
			"sessions":     len(stale),
			"max_age_days": maxAgeDays,
		})
		s.logger.Info().Int("sessions", len(stale)).Int("max_age_days", maxAgeDays).Msg("Pruned expired sessions")
	}

	return len(stale), nil
}

// Stats counts sessions and messages. Sessions without a channel are
// reported under "unknown".
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{ByChannel: make(map[string]int)}

	if err := s.db.GetContext(ctx, &stats.TotalSessions, `SELECT COUNT(*) FROM sessions`); err != nil {
		return Stats{}, fmt.Errorf("failed to count sessions: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.TotalMessages, `SELECT COUNT(*) FROM messages`); err != nil {
		return Stats{}, fmt.Errorf("failed to count messages: %w", err)
	}

	var rows []struct {
		ChannelType string `db:"channel_type"`
		Count       int    `db:"cnt"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT channel_type, COUNT(*) AS cnt
		FROM sessions
		GROUP BY channel_type
		ORDER BY cnt DESC`); err != nil {
		return Stats{}, fmt.Errorf("failed to group sessions: %w", err)
	}
	for _, r := range rows {
		key := r.ChannelType
		if key == "" {
			key = "unknown"
		}
		stats.ByChannel[key] += r.Count
	}

	return stats, nil
}

// ListSessions returns sessions by most recent activity. limit <= 0 returns all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT session_id, channel_type, created_at, last_active, msg_count
		FROM sessions ORDER BY last_active DESC, session_id ASC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]Session, len(rows))
	for i, r := range rows {
		sessions[i] = r.toSession()
	}
	return sessions, nil
}

// GetSession returns one session's metadata or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT session_id, channel_type, created_at, last_active, msg_count
		FROM sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess := row.toSession()
	return &sess, nil
}
