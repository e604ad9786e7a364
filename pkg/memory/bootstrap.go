package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BuildBootstrapContext returns the curated notes injected at session start:
// the workspace MEMORY.md followed by the user's own MEMORY.md. Daily logs are
// left to search. Sections are trimmed and joined by a blank line.
func (m *Manager) BuildBootstrapContext(userID string) (string, error) {
	paths := []string{filepath.Join(m.workspace, CuratedFileName)}
	if userID != "" {
		paths = append(paths, filepath.Join(m.workspace, filepath.FromSlash(CuratedFilePath(userID))))
	}

	var sections []string
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", p, err)
		}
		if text := strings.TrimSpace(string(content)); text != "" {
			sections = append(sections, text)
		}
	}

	return strings.Join(sections, "\n\n"), nil
}

const memoryGuidance = `## Memory System

**Background Knowledge**: Core long-term memories below - use directly. For history, use memory_search once (don't repeat).

**Store Memories**: When the user shares important info (preferences, decisions, facts), write it down:
- Durable info → %s
- Daily notes → %s
- Store silently; confirm only when explicitly requested

**Usage**: Use memories naturally as if you always knew. Don't mention or list them unless the user asks.`

// BuildMemoryGuidance returns system-prompt guidance on using memory. With
// includeContext the bootstrap context is appended as background.
func (m *Manager) BuildMemoryGuidance(userID string, includeContext bool) (string, error) {
	guidance := fmt.Sprintf(memoryGuidance, CuratedFilePath(userID), DailyFilePath(userID, time.Now()))

	if !includeContext {
		return guidance, nil
	}

	bootstrap, err := m.BuildBootstrapContext(userID)
	if err != nil {
		return "", err
	}
	if bootstrap != "" {
		guidance += "\n\n## Background Context\n\n" + bootstrap
	}
	return guidance, nil
}
