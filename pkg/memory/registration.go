package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/mnemo/pkg/toolexecutor"
)

// ToolRegistrar is the part of toolexecutor.ToolExecutor the memory tools need.
type ToolRegistrar interface {
	RegisterTool(def toolexecutor.ToolDefinition) error
}

// RegisterMemoryTools registers memory_search, memory_get, memory_write and
// memory_list. Everything except memory_write is safe in read-only contexts.
func RegisterMemoryTools(reg ToolRegistrar, manager *Manager, service *Service) error {
	search := toolexecutor.ToolDefinition{
		Name: "memory_search",
		Description: "Search historical memory files using semantic and keyword search. " +
			"Curated memory is already loaded; use this for older dates, past events, or missing context.",
		ReadOnly: true,
		Parameters: []toolexecutor.ToolParameter{
			required("query", "string", "Search query (natural language question or keywords)"),
			optional("max_results", "integer", "Maximum number of results to return", defaultToolMaxResults),
			optional("min_score", "number", "Minimum relevance score (0-1)", defaultToolMinScore),
		},
		Handler: bind(func(ctx context.Context, p MemorySearchParams) (interface{}, error) {
			return MemorySearch(ctx, manager, p)
		}),
	}

	get := toolexecutor.ToolDefinition{
		Name:        "memory_get",
		Description: "Read a memory file by path and line range. Use after memory_search to get the full context.",
		ReadOnly:    true,
		Parameters: []toolexecutor.ToolParameter{
			required("path", "string", "Path relative to the workspace (e.g. 'MEMORY.md', 'memory/2024-01-29.md')"),
			optional("start_line", "integer", "First line to return, 1-based", 1),
			optional("num_lines", "integer", "Number of lines to read (reads to the end when omitted)", nil),
		},
		Handler: bind(func(ctx context.Context, p MemoryGetParams) (interface{}, error) {
			return MemoryGet(ctx, manager.Workspace(), p)
		}),
	}

	write := toolexecutor.ToolDefinition{
		Name:        "memory_write",
		Description: "Create, replace or append to a markdown memory file",
		Parameters: []toolexecutor.ToolParameter{
			required("path", "string", "Path relative to the workspace (must end with .md)"),
			required("content", "string", "Content to write"),
			optional("append", "boolean", "Append instead of replacing the file", false),
		},
		Handler: bind(func(ctx context.Context, p MemoryWriteParams) (interface{}, error) {
			return MemoryWrite(ctx, manager, p)
		}),
	}

	list := toolexecutor.ToolDefinition{
		Name:        "memory_list",
		Description: "List the curated memory file and daily memory files",
		ReadOnly:    true,
		Parameters: []toolexecutor.ToolParameter{
			optional("page", "integer", "Page number, starting at 1", 1),
			optional("page_size", "integer", "Files per page", defaultListPageSize),
		},
		Handler: bind(func(ctx context.Context, p MemoryListParams) (interface{}, error) {
			return MemoryList(ctx, service, p)
		}),
	}

	for _, def := range []toolexecutor.ToolDefinition{search, get, write, list} {
		if err := reg.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func required(name, typ, desc string) toolexecutor.ToolParameter {
	return toolexecutor.ToolParameter{Name: name, Type: typ, Description: desc, Required: true}
}

func optional(name, typ, desc string, def interface{}) toolexecutor.ToolParameter {
	return toolexecutor.ToolParameter{Name: name, Type: typ, Description: desc, Default: def}
}

// bind adapts a typed handler to the executor's map-based signature. The
// executor has already validated params against the schema.
func bind[P any](fn func(context.Context, P) (interface{}, error)) toolexecutor.ToolHandler {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		var p P
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		return fn(ctx, p)
	}
}
