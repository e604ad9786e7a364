package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNew_LevelParsing(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, err := New(Config{Level: tt.level})
			require.NoError(t, err)
			defer l.Close()
			assert.Equal(t, tt.want, l.GetZerolog().GetLevel())
		})
	}
}

func TestNew_WithoutSinksDiscards(t *testing.T) {
	l, err := New(Config{Level: "info"})
	require.NoError(t, err)

	l.Info().Msg("dropped")
	assert.Nil(t, l.file)
	assert.NoError(t, l.Close())
}

func TestNew_FileSinkFiltersByLevel(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "mnemo.log")

	l, err := New(Config{Level: "warn", File: logFile})
	require.NoError(t, err)

	l.Info().Msg("Sync finished")
	l.Warn().Str("path", "memory/notes.md").Msg("Chunking produced no content")
	require.NoError(t, l.Close())

	content := readLog(t, logFile)
	assert.NotContains(t, content, "Sync finished")
	assert.Contains(t, content, `"path":"memory/notes.md"`)
	assert.Contains(t, content, `"service":"mnemo"`)
}

func TestComponent(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "component.log")

	l, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	flush := l.Component("flush")
	flush.Info().Msg("Flush skipped")
	require.NoError(t, l.Close())

	assert.Contains(t, readLog(t, logFile), `"component":"flush"`)
}

func TestNew_RotatingFileRedacts(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "mnemo.log")

	l, err := New(Config{
		Level:     "info",
		File:      logFile,
		MaxSize:   1,
		Redaction: true,
	})
	require.NoError(t, err)
	_, rotating := l.file.(*RotatingWriter)
	assert.True(t, rotating)
	assert.NotNil(t, l.redactor)

	l.Info().Str("key", "sk-abcdefghijklmnopqrstuvwxyz0123").Msg("Embedding provider configured")
	require.NoError(t, l.Close())

	content := readLog(t, logFile)
	assert.Contains(t, content, "[REDACTED]")
	assert.NotContains(t, content, "sk-abcdefghijklmnopqrstuvwxyz0123")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
}
