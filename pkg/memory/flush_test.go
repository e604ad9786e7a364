package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	err      error
	panicMsg string
	requests []FlushRequest
}

func (m *mockExecutor) RunFlush(ctx context.Context, req FlushRequest) error {
	m.requests = append(m.requests, req)
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	return m.err
}

func newTestScheduler(t *testing.T) *FlushScheduler {
	s := NewFlushScheduler(t.TempDir(), testLogger())
	s.now = func() time.Time { return time.Date(2024, 1, 29, 10, 0, 0, 0, time.UTC) }
	return s
}

func TestFlushScheduler_TokenTriggerFiresOnce(t *testing.T) {
	s := newTestScheduler(t)
	exec := &mockExecutor{}
	ctx := context.Background()

	assert.False(t, s.ShouldFlush(49999, 50000, 20))
	require.True(t, s.ShouldFlush(50000, 50000, 20))

	require.True(t, s.Execute(ctx, exec, 50000, ""))

	assert.False(t, s.ShouldFlush(50000, 50000, 20))
	assert.False(t, s.ShouldFlush(55000, 50000, 20), "inside the suppression band")
	assert.True(t, s.ShouldFlush(55001, 50000, 20))
}

func TestFlushScheduler_TurnTrigger(t *testing.T) {
	s := newTestScheduler(t)
	exec := &mockExecutor{}

	for i := 0; i < 19; i++ {
		s.IncrementTurn()
	}
	assert.False(t, s.ShouldFlush(0, 50000, 20))

	s.IncrementTurn()
	assert.True(t, s.ShouldFlush(0, 50000, 20))

	require.True(t, s.Execute(context.Background(), exec, 1000, ""))
	assert.Equal(t, 0, s.State().TurnCount)
	assert.False(t, s.ShouldFlush(1000, 50000, 20))

	for i := 0; i < 20; i++ {
		s.IncrementTurn()
	}
	assert.True(t, s.ShouldFlush(1000, 50000, 20), "turn trigger re-arms after a flush")
}

func TestFlushScheduler_DisabledThresholds(t *testing.T) {
	s := newTestScheduler(t)
	for i := 0; i < 100; i++ {
		s.IncrementTurn()
	}
	assert.False(t, s.ShouldFlush(1_000_000, 0, 0))
}

func TestFlushScheduler_FailureLeavesState(t *testing.T) {
	tests := []struct {
		name string
		exec *mockExecutor
	}{
		{"error", &mockExecutor{err: errors.New("llm down")}},
		{"panic", &mockExecutor{panicMsg: "boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t)
			s.IncrementTurn()

			ok := s.Execute(context.Background(), tt.exec, 60000, "alice")
			assert.False(t, ok)

			st := s.State()
			assert.Nil(t, st.LastFlushTokens)
			assert.Nil(t, st.LastFlushAt)
			assert.Equal(t, 1, st.TurnCount)
			assert.True(t, s.ShouldFlush(60000, 50000, 20))
		})
	}
}

func TestFlushScheduler_NilExecutor(t *testing.T) {
	s := newTestScheduler(t)
	assert.False(t, s.Execute(context.Background(), nil, 60000, ""))
}

func TestFlushScheduler_Request(t *testing.T) {
	s := newTestScheduler(t)
	exec := &mockExecutor{}

	require.True(t, s.Execute(context.Background(), exec, 42, "alice"))
	require.Len(t, exec.requests, 1)

	req := exec.requests[0]
	assert.NotEmpty(t, req.ID)
	assert.True(t, req.Silent)
	assert.Equal(t, "alice", req.UserID)
	assert.Equal(t, 42, req.Tokens)
	assert.Equal(t, "memory/users/alice/2024-01-29.md", req.DailyFile)
	assert.Equal(t, "memory/users/alice/MEMORY.md", req.CuratedFile)
	assert.Contains(t, req.Prompt, req.DailyFile)
	assert.Contains(t, req.Prompt, req.CuratedFile)
	assert.Contains(t, req.Prompt, NoReply)
	assert.Contains(t, req.SystemPrompt, NoReply)

	st := s.State()
	require.NotNil(t, st.LastFlushTokens)
	assert.Equal(t, 42, *st.LastFlushTokens)
	require.NotNil(t, st.LastFlushAt)
	assert.Equal(t, s.now(), *st.LastFlushAt)

	other, err := s.NewRequest(1, "")
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, other.ID)
	assert.Equal(t, "memory/2024-01-29.md", other.DailyFile)
	assert.Equal(t, "MEMORY.md", other.CuratedFile)
}

func TestFlushScheduler_StateIsCopy(t *testing.T) {
	s := newTestScheduler(t)
	require.True(t, s.Execute(context.Background(), &mockExecutor{}, 100, ""))

	st := s.State()
	*st.LastFlushTokens = 999999
	assert.Equal(t, 100, *s.State().LastFlushTokens)
}

func TestFlushScheduler_ContextTrigger(t *testing.T) {
	s := newTestScheduler(t)

	// threshold = 128000 - 20000 - 4000 = 104000
	assert.False(t, s.ShouldFlushForContext(0, 128000, 20000, 4000))
	assert.False(t, s.ShouldFlushForContext(103999, 128000, 20000, 4000))
	assert.True(t, s.ShouldFlushForContext(104000, 128000, 20000, 4000))
	assert.False(t, s.ShouldFlushForContext(200000, 1000, 800, 300), "non-positive threshold never fires")

	require.True(t, s.Execute(context.Background(), &mockExecutor{}, 104000, ""))
	assert.False(t, s.ShouldFlushForContext(108000, 128000, 20000, 4000))
	assert.True(t, s.ShouldFlushForContext(108001, 128000, 20000, 4000))
}

func TestEnsureMemoryFiles(t *testing.T) {
	workspace := t.TempDir()
	day := time.Date(2024, 1, 29, 0, 0, 0, 0, time.UTC)

	require.NoError(t, EnsureMemoryFiles(workspace, "", day))

	curated, err := os.ReadFile(filepath.Join(workspace, "MEMORY.md"))
	require.NoError(t, err)
	assert.Empty(t, curated)

	daily, err := os.ReadFile(filepath.Join(workspace, "memory", "2024-01-29.md"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(daily), "# Daily Memory: 2024-01-29\n"))

	// Existing content is preserved.
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "MEMORY.md"), []byte("keep me"), 0644))
	require.NoError(t, EnsureMemoryFiles(workspace, "", day))
	curated, err = os.ReadFile(filepath.Join(workspace, "MEMORY.md"))
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(curated))

	require.NoError(t, EnsureMemoryFiles(workspace, "bob", day))
	_, err = os.Stat(filepath.Join(workspace, "memory", "users", "bob", "MEMORY.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(workspace, "memory", "users", "bob", "2024-01-29.md"))
	assert.NoError(t, err)

	assert.Error(t, EnsureMemoryFiles("", "", day))
}
