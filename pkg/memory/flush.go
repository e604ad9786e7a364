package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// FlushSuppressionBand is the token distance above the last flush inside
// which the token trigger stays quiet.
const FlushSuppressionBand = 5000

// NoReply is the reply a consolidation turn gives when nothing needs saving.
const NoReply = "NO_REPLY"

const dailyDateLayout = "2006-01-02"

// FlushState is the scheduler's trigger bookkeeping.
type FlushState struct {
	LastFlushTokens *int       `json:"last_flush_tokens,omitempty"`
	LastFlushAt     *time.Time `json:"last_flush_at,omitempty"`
	TurnCount       int        `json:"turn_count"`
}

// FlushRequest is handed to the executor of a consolidation turn.
type FlushRequest struct {
	ID           string
	Prompt       string
	SystemPrompt string
	Silent       bool
	UserID       string
	// DailyFile and CuratedFile are workspace-relative destinations.
	DailyFile   string
	CuratedFile string
	Tokens      int
}

// FlushExecutor runs the silent consolidation turn.
type FlushExecutor interface {
	RunFlush(ctx context.Context, req FlushRequest) error
}

// FlushExecutorFunc adapts a function to FlushExecutor.
type FlushExecutorFunc func(ctx context.Context, req FlushRequest) error

func (f FlushExecutorFunc) RunFlush(ctx context.Context, req FlushRequest) error {
	return f(ctx, req)
}

// FlushScheduler decides when the caller should run a consolidation turn.
// It never runs one on its own.
type FlushScheduler struct {
	workspace string
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	state FlushState
}

// NewFlushScheduler creates a scheduler for the workspace rooted at workspace.
func NewFlushScheduler(workspace string, logger zerolog.Logger) *FlushScheduler {
	return &FlushScheduler{
		workspace: workspace,
		logger:    logger,
		now:       time.Now,
	}
}

// State returns a copy of the current trigger state.
func (s *FlushScheduler) State() FlushState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	if st.LastFlushTokens != nil {
		v := *st.LastFlushTokens
		st.LastFlushTokens = &v
	}
	if st.LastFlushAt != nil {
		v := *st.LastFlushAt
		st.LastFlushAt = &v
	}
	return st
}

// IncrementTurn counts one user/assistant exchange.
func (s *FlushScheduler) IncrementTurn() {
	s.mu.Lock()
	s.state.TurnCount++
	s.mu.Unlock()
}

// ShouldFlush reports whether either trigger fires. A non-positive threshold
// disables its trigger.
func (s *FlushScheduler) ShouldFlush(currentTokens, tokenThreshold, turnThreshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tokenThreshold > 0 && currentTokens >= tokenThreshold {
		last := s.state.LastFlushTokens
		if last == nil || currentTokens > *last+FlushSuppressionBand {
			return true
		}
	}

	return turnThreshold > 0 && s.state.TurnCount >= turnThreshold
}

// ShouldFlushForContext is the context-window trigger: it fires once the
// session is within softThreshold tokens of contextWindow minus reserveTokens,
// unless a flush already ran inside that soft band.
func (s *FlushScheduler) ShouldFlushForContext(currentTokens, contextWindow, reserveTokens, softThreshold int) bool {
	if currentTokens <= 0 {
		return false
	}

	threshold := contextWindow - reserveTokens - softThreshold
	if threshold <= 0 || currentTokens < threshold {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if last := s.state.LastFlushTokens; last != nil && currentTokens <= *last+softThreshold {
		return false
	}
	return true
}

// Execute runs one consolidation turn through exec. On success the token
// baseline and time are recorded and the turn counter resets; on error or
// panic the state is untouched and false is returned.
func (s *FlushScheduler) Execute(ctx context.Context, exec FlushExecutor, currentTokens int, userID string) (ok bool) {
	if exec == nil {
		s.logger.Warn().Msg("Memory flush skipped: no executor")
		return false
	}

	req, err := s.NewRequest(currentTokens, userID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build flush request")
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("flush_id", req.ID).Msg("Memory flush panicked")
			ok = false
		}
	}()

	if err := exec.RunFlush(ctx, req); err != nil {
		s.logger.Warn().Err(err).Str("flush_id", req.ID).Msg("Memory flush failed")
		return false
	}

	now := s.now()
	tokens := currentTokens

	s.mu.Lock()
	s.state.LastFlushTokens = &tokens
	s.state.LastFlushAt = &now
	s.state.TurnCount = 0
	s.mu.Unlock()

	s.logger.Info().
		Str("flush_id", req.ID).
		Int("tokens", currentTokens).
		Str("user_id", userID).
		Msg("Memory flush completed")

	return true
}

// NewRequest builds the request for a consolidation turn without running it.
func (s *FlushScheduler) NewRequest(currentTokens int, userID string) (FlushRequest, error) {
	id, err := gonanoid.New()
	if err != nil {
		return FlushRequest{}, fmt.Errorf("failed to generate flush id: %w", err)
	}

	today := s.now()
	daily := DailyFilePath(userID, today)
	curated := CuratedFilePath(userID)

	return FlushRequest{
		ID:           id,
		Prompt:       FlushPrompt(daily, curated),
		SystemPrompt: FlushSystemPrompt(),
		Silent:       true,
		UserID:       userID,
		DailyFile:    daily,
		CuratedFile:  curated,
		Tokens:       currentTokens,
	}, nil
}

// DailyFilePath returns the workspace-relative same-day log for userID.
func DailyFilePath(userID string, day time.Time) string {
	name := day.Format(dailyDateLayout) + ".md"
	if userID != "" {
		return filepath.ToSlash(filepath.Join(MemoryDirName, UsersDirName, userID, name))
	}
	return filepath.ToSlash(filepath.Join(MemoryDirName, name))
}

// CuratedFilePath returns the workspace-relative curated note for userID.
func CuratedFilePath(userID string) string {
	if userID != "" {
		return filepath.ToSlash(filepath.Join(MemoryDirName, UsersDirName, userID, CuratedFileName))
	}
	return CuratedFileName
}

// FlushPrompt is the instruction for the consolidation turn.
func FlushPrompt(dailyFile, curatedFile string) string {
	return fmt.Sprintf(
		"Pre-compaction memory flush. Store durable memories from this conversation now.\n"+
			"- Append day-to-day notes and running context to %s (create it and its directory if needed).\n"+
			"- Keep %s as the curated long-term note: only lasting preferences, decisions and facts. "+
			"Keep it under about 2000 tokens; rewrite or prune stale entries instead of appending forever.\n"+
			"If nothing new is worth storing, reply with %s. That is the usual and correct outcome.",
		dailyFile, curatedFile, NoReply,
	)
}

// FlushSystemPrompt frames the consolidation turn for the agent.
func FlushSystemPrompt() string {
	return "Pre-compaction memory flush turn. The session is near auto-compaction; capture durable memories to disk. " +
		"This turn is silent: the user does not see the reply. " +
		"You may write files, but usually " + NoReply + " is correct."
}

// EnsureMemoryFiles creates the curated note and today's daily log for userID
// when they are missing. Existing files are never touched.
func EnsureMemoryFiles(workspace, userID string, day time.Time) error {
	if workspace == "" {
		return errors.New("workspace path is required")
	}

	curated := filepath.Join(workspace, filepath.FromSlash(CuratedFilePath(userID)))
	if err := writeIfMissing(curated, ""); err != nil {
		return err
	}

	date := day.Format(dailyDateLayout)
	daily := filepath.Join(workspace, filepath.FromSlash(DailyFilePath(userID, day)))
	header := fmt.Sprintf("# Daily Memory: %s\n\nDay-to-day notes and running context.\n\n", date)
	return writeIfMissing(daily, header)
}

func writeIfMissing(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create memory directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
