package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAudit(t *testing.T, path string) []map[string]interface{} {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

func TestAuditLog_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	require.NoError(t, OpenAuditLog(path))
	t.Cleanup(func() { CloseAuditLog() })

	RecordMemoryAudit(context.Background(), "flush", "alice", "success", map[string]interface{}{"tokens": 60000})
	RecordConversationAudit(context.Background(), "clear", "s1", nil)
	require.NoError(t, CloseAuditLog())

	events := readAudit(t, path)
	require.Len(t, events, 2)
	assert.Equal(t, AuditMemory, events[0]["type"])
	assert.Equal(t, "flush", events[0]["action"])
	assert.Equal(t, "alice", events[0]["actor"])
	assert.EqualValues(t, 60000, events[0]["tokens"])
	assert.NotContains(t, events[0], "trace_id")
	assert.Equal(t, AuditConversation, events[1]["type"])
	assert.Equal(t, "clear", events[1]["action"])
}

func TestAuditLog_DropsWhenClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, OpenAuditLog(path))
	require.NoError(t, CloseAuditLog())

	RecordMemoryAudit(context.Background(), "memory_add", "bob", "success", nil)

	assert.Empty(t, readAudit(t, path))
	assert.NoError(t, CloseAuditLog(), "closing twice is harmless")
}
