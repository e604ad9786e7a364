package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

const (
	defaultTimeout = 30 * time.Second
	maxOutputSize  = 10 * 1024
	truncationNote = "\n... [output truncated]"
)

// ErrReadOnly is reported for state-changing tools called in read-only mode.
var ErrReadOnly = errors.New("tool modifies state and is not allowed in read-only mode")

var paramTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "object": true, "array": true,
}

// ToolParameter is one named argument. Type is a JSON Schema primitive.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition describes a tool and the handler that runs it. ReadOnly
// tools never touch memory files or the index.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	ReadOnly    bool            `json:"read_only,omitempty"`
	Handler     ToolHandler     `json:"-"`
}

type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext identifies the caller of a tool. Handlers read it back
// with ExecContextFromContext.
type ExecutionContext struct {
	SessionKey string
	UserID     string
	Timeout    time.Duration
	ReadOnly   bool
}

// ToolResult is what the caller (usually a model) gets back.
type ToolResult struct {
	Success   bool          `json:"success"`
	Output    interface{}   `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Denied    bool          `json:"denied,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
}

type registeredTool struct {
	def    ToolDefinition
	schema *gojsonschema.Schema
}

// ToolExecutor validates arguments against each tool's schema and runs
// handlers under a timeout.
type ToolExecutor struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

func New() *ToolExecutor {
	observability.EnsureRegistered()
	return &ToolExecutor{tools: make(map[string]*registeredTool)}
}

// RegisterTool adds def. Names are unique.
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(InputSchema(def)))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	if _, dup := te.tools[def.Name]; dup {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	te.tools[def.Name] = &registeredTool{def: def, schema: schema}

	log.Debug().Str("tool", def.Name).Bool("read_only", def.ReadOnly).Msg("Tool registered")
	return nil
}

// GetTool returns a copy of the named definition, or nil.
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()
	if t, ok := te.tools[name]; ok {
		def := t.def
		return &def
	}
	return nil
}

// ListTools returns the registered names in sorted order.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	te.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return len(te.tools)
}

// Execute runs toolName with params. Failures are reported in the result,
// never as a panic or error, so they can be handed back to a model.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	start := time.Now()

	te.mu.RLock()
	tool := te.tools[toolName]
	te.mu.RUnlock()

	if tool == nil {
		return finish(toolName, "not_found", start, ToolResult{Error: "tool not found: " + toolName})
	}
	if execCtx != nil && execCtx.ReadOnly && !tool.def.ReadOnly {
		log.Warn().Str("tool", toolName).Str("session", execCtx.SessionKey).Msg("Write tool blocked in read-only context")
		return finish(toolName, "denied", start, ToolResult{
			Error:  fmt.Sprintf("%s: %v", toolName, ErrReadOnly),
			Denied: true,
		})
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validateParams(tool.schema, params); err != nil {
		return finish(toolName, "invalid", start, ToolResult{Error: "parameter validation failed: " + err.Error()})
	}

	timeout := defaultTimeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}
	runCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := tool.def.Handler(runCtx, params)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return finish(toolName, "error", start, ToolResult{Error: o.err.Error()})
		}
		output, truncated := truncateOutput(o.value)
		return finish(toolName, "success", start, ToolResult{Success: true, Output: output, Truncated: truncated})
	case <-runCtx.Done():
		return finish(toolName, "timeout", start, ToolResult{
			Error: fmt.Sprintf("tool execution timeout after %v", timeout),
		})
	}
}

// finish stamps the duration and records the outcome.
func finish(tool, status string, start time.Time, res ToolResult) ToolResult {
	res.Duration = time.Since(start)
	observability.RecordToolExecution(tool, status)

	ev := log.Debug()
	if !res.Success && !res.Denied {
		ev = log.Error().Str("error", res.Error)
	}
	ev.Str("tool", tool).Str("status", status).Dur("duration", res.Duration).Msg("Tool executed")
	return res
}

func validateDefinition(def ToolDefinition) error {
	switch {
	case def.Name == "":
		return fmt.Errorf("tool name cannot be empty")
	case def.Description == "":
		return fmt.Errorf("tool description cannot be empty")
	case def.Handler == nil:
		return fmt.Errorf("tool handler cannot be nil")
	}

	for _, p := range def.Parameters {
		switch {
		case p.Name == "":
			return fmt.Errorf("parameter name cannot be empty")
		case p.Description == "":
			return fmt.Errorf("parameter description cannot be empty for %s", p.Name)
		case !paramTypes[p.Type]:
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
	}
	return nil
}

// InputSchema returns the JSON Schema object for def's parameters. Providers
// are offered the same schema the executor validates against.
func InputSchema(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	var required []string

	for _, p := range def.Parameters {
		prop := map[string]interface{}{"type": p.Type, "description": p.Description}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParams(schema *gojsonschema.Schema, params map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

// truncateOutput caps the rendered output at maxOutputSize bytes.
func truncateOutput(output interface{}) (interface{}, bool) {
	s := fmt.Sprintf("%v", output)
	if len(s) <= maxOutputSize {
		return output, false
	}
	return s[:maxOutputSize] + truncationNote, true
}
