package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/toolexecutor"
)

const (
	defaultToolMaxResults = 10
	defaultToolMinScore   = 0.3
)

// MemorySearchParams defines parameters for memory_search tool
type MemorySearchParams struct {
	Query      string   `json:"query"`
	MaxResults int      `json:"max_results,omitempty"`
	MinScore   *float64 `json:"min_score,omitempty"`
}

// MemorySearch runs a search for the calling user and renders the results
// as text for the model. Search failures are reported in the text.
func MemorySearch(ctx context.Context, manager *Manager, params MemorySearchParams) (string, error) {
	if strings.TrimSpace(params.Query) == "" {
		return "Error: query parameter is required", nil
	}

	opts := SearchOptions{
		UserID:        toolexecutor.UserIDFromContext(ctx),
		MaxResults:    params.MaxResults,
		MinScore:      defaultToolMinScore,
		IncludeShared: true,
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultToolMaxResults
	}
	if params.MinScore != nil {
		opts.MinScore = *params.MinScore
	}

	results, err := manager.Search(ctx, params.Query, opts)
	if err != nil {
		return fmt.Sprintf("Error searching memory: %v", err), nil
	}

	return FormatSearchResults(params.Query, results), nil
}

// FormatSearchResults renders search hits in the memory_search output format.
func FormatSearchResults(query string, results []SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No relevant memories found for query: %s", query)
	}

	lines := []string{fmt.Sprintf("Found %d relevant memories:\n", len(results))}
	for i, r := range results {
		lines = append(lines,
			fmt.Sprintf("\n%d. %s (lines %d-%d)", i+1, r.Path, r.StartLine, r.EndLine),
			fmt.Sprintf("   Score: %.3f", r.Score),
			fmt.Sprintf("   Snippet: %s", r.Snippet),
		)
	}
	return strings.Join(lines, "\n")
}

// MemoryGetParams defines parameters for memory_get tool
type MemoryGetParams struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line,omitempty"`
	NumLines  int    `json:"num_lines,omitempty"`
}

// ErrAccessDenied is returned for the index directory and, when the call
// carries a user id, for another user's notes.
var ErrAccessDenied = errors.New("memory path not accessible")

func checkAccess(ctx context.Context, relPath string) error {
	rel := filepath.ToSlash(filepath.Clean(filepath.FromSlash(relPath)))
	indexDir := MemoryDirName + "/" + IndexDirName
	if rel == indexDir || strings.HasPrefix(rel, indexDir+"/") {
		return fmt.Errorf("%w: %s", ErrAccessDenied, relPath)
	}
	if uid := toolexecutor.UserIDFromContext(ctx); uid != "" {
		if scope, owner := ClassifyPath(rel); scope == ScopeUser && owner != uid {
			return fmt.Errorf("%w: %s", ErrAccessDenied, relPath)
		}
	}
	return nil
}

// MemoryGet reads a line range of a workspace file. A missing file is
// reported in the text, not as an error.
func MemoryGet(ctx context.Context, workspacePath string, params MemoryGetParams) (string, error) {
	if params.Path == "" {
		return "Error: path parameter is required", nil
	}

	if err := checkAccess(ctx, params.Path); err != nil {
		return fmt.Sprintf("Error reading memory file: %v", err), nil
	}
	fullPath, err := GetMemoryFilePath(workspacePath, filepath.Clean(filepath.FromSlash(params.Path)))
	if err != nil {
		return fmt.Sprintf("Error reading memory file: %v", err), nil
	}

	content, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Sprintf("Error: File not found: %s", params.Path), nil
	}
	if err != nil {
		return fmt.Sprintf("Error reading memory file: %v", err), nil
	}

	lines := strings.Split(string(content), "\n")
	start := params.StartLine
	if start < 1 {
		start = 1
	}

	startIdx := min(start-1, len(lines))
	endIdx := len(lines)
	if params.NumLines > 0 {
		endIdx = min(startIdx+params.NumLines, len(lines))
	}
	selected := lines[startIdx:endIdx]

	return fmt.Sprintf("File: %s\nLines: %d-%d (total: %d)\n\n%s",
		params.Path,
		start,
		start+len(selected)-1,
		len(lines),
		strings.Join(selected, "\n"),
	), nil
}

// MemoryWriteParams defines parameters for memory_write tool
type MemoryWriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append,omitempty"`
}

// MemoryWriteResult represents the result of a memory write
type MemoryWriteResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
	Created      bool   `json:"created"`
}

// MemoryWrite creates, replaces or appends to a markdown file in the
// workspace and marks the index dirty.
func MemoryWrite(ctx context.Context, manager *Manager, params MemoryWriteParams) (*MemoryWriteResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if filepath.Ext(params.Path) != ".md" {
		return nil, fmt.Errorf("path must end with .md")
	}

	if err := checkAccess(ctx, params.Path); err != nil {
		return nil, err
	}
	fullPath, err := GetMemoryFilePath(manager.Workspace(), filepath.FromSlash(params.Path))
	if err != nil {
		return nil, err
	}

	created := true
	if exists, err := FileExists(fullPath); err != nil {
		return nil, err
	} else if exists {
		created = false
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if params.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(fullPath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	n, werr := f.WriteString(params.Content)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, fmt.Errorf("failed to write file: %w", werr)
	}

	manager.MarkDirty()

	observability.RecordMemoryAudit(ctx, "memory_write", toolexecutor.UserIDFromContext(ctx), "success", map[string]interface{}{
		"path":    params.Path,
		"bytes":   n,
		"created": created,
		"append":  params.Append,
	})

	return &MemoryWriteResult{
		Path:         params.Path,
		BytesWritten: n,
		Created:      created,
	}, nil
}

// MemoryListParams defines parameters for memory_list tool
type MemoryListParams struct {
	Page     int `json:"page,omitempty"`
	PageSize int `json:"page_size,omitempty"`
}

// MemoryList lists curated and daily memory files.
func MemoryList(ctx context.Context, service *Service, params MemoryListParams) (*FileList, error) {
	return service.ListFiles(params.Page, params.PageSize)
}
