package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	defaultListPageSize = 20
	fileTimeLayout      = "2006-01-02 15:04:05"
)

// ErrMemoryFileNotFound is returned by Service.GetContent for unknown files.
var ErrMemoryFileNotFound = errors.New("memory file not found")

// FileType classifies a listed memory file.
type FileType string

const (
	FileTypeGlobal FileType = "global"
	FileTypeDaily  FileType = "daily"
)

// FileInfo describes one memory file without its content.
type FileInfo struct {
	Filename  string   `json:"filename"`
	Type      FileType `json:"type"`
	Size      int64    `json:"size"`
	UpdatedAt string   `json:"updated_at"`
}

// FileList is one page of memory files.
type FileList struct {
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	Total    int        `json:"total"`
	List     []FileInfo `json:"list"`
}

// FileContent is a memory file with its content.
type FileContent struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Response is the envelope returned by Dispatch.
type Response struct {
	Action  string      `json:"action"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Payload interface{} `json:"payload"`
}

// Service lists and reads the curated MEMORY.md and the daily files directly
// under memory/. It works on the filesystem only.
type Service struct {
	workspace string
	memoryDir string
	logger    zerolog.Logger
}

// NewService creates a memory file service for workspace.
func NewService(workspace string, logger zerolog.Logger) *Service {
	return &Service{
		workspace: workspace,
		memoryDir: filepath.Join(workspace, MemoryDirName),
		logger:    logger,
	}
}

// ListFiles returns MEMORY.md first, then daily files newest first.
func (s *Service) ListFiles(page, pageSize int) (*FileList, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultListPageSize
	}

	var files []FileInfo

	globalPath := filepath.Join(s.workspace, CuratedFileName)
	if info, err := os.Stat(globalPath); err == nil && info.Mode().IsRegular() {
		files = append(files, fileInfo(info, CuratedFileName, FileTypeGlobal))
	}

	entries, err := os.ReadDir(s.memoryDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read memory directory: %w", err)
	}

	var daily []FileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		daily = append(daily, fileInfo(info, entry.Name(), FileTypeDaily))
	}
	sort.Slice(daily, func(i, j int) bool { return daily[i].Filename > daily[j].Filename })
	files = append(files, daily...)

	list := &FileList{
		Page:     page,
		PageSize: pageSize,
		Total:    len(files),
		List:     []FileInfo{},
	}

	start := (page - 1) * pageSize
	if start < len(files) {
		end := min(start+pageSize, len(files))
		list.List = files[start:end]
	}

	return list, nil
}

// GetContent reads MEMORY.md or a file directly under memory/.
func (s *Service) GetContent(filename string) (*FileContent, error) {
	if filename == "" || filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return nil, fmt.Errorf("%w: %s", ErrMemoryFileNotFound, filename)
	}

	path := filepath.Join(s.memoryDir, filename)
	if filename == CuratedFileName {
		path = filepath.Join(s.workspace, filename)
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrMemoryFileNotFound, filename)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory file: %w", err)
	}

	return &FileContent{Filename: filename, Content: string(content)}, nil
}

// Dispatch handles the "list" and "content" actions and reports the outcome
// with an HTTP-like status code.
func (s *Service) Dispatch(action string, payload map[string]interface{}) Response {
	switch action {
	case "list":
		list, err := s.ListFiles(intField(payload, "page", 1), intField(payload, "page_size", defaultListPageSize))
		if err != nil {
			return s.failure(action, err)
		}
		return Response{Action: action, Code: 200, Message: "success", Payload: list}

	case "content":
		filename, _ := payload["filename"].(string)
		if filename == "" {
			return Response{Action: action, Code: 400, Message: "filename is required"}
		}
		content, err := s.GetContent(filename)
		if err != nil {
			return s.failure(action, err)
		}
		return Response{Action: action, Code: 200, Message: "success", Payload: content}

	default:
		return Response{Action: action, Code: 400, Message: fmt.Sprintf("unknown action: %s", action)}
	}
}

func (s *Service) failure(action string, err error) Response {
	if errors.Is(err, ErrMemoryFileNotFound) {
		return Response{Action: action, Code: 404, Message: err.Error()}
	}
	s.logger.Error().Err(err).Str("action", action).Msg("Memory service dispatch failed")
	return Response{Action: action, Code: 500, Message: err.Error()}
}

func fileInfo(info fs.FileInfo, name string, typ FileType) FileInfo {
	return FileInfo{
		Filename:  name,
		Type:      typ,
		Size:      info.Size(),
		UpdatedAt: info.ModTime().Format(fileTimeLayout),
	}
}

// intField reads an integer from a decoded JSON payload.
func intField(payload map[string]interface{}, key string, def int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
