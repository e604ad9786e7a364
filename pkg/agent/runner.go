package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/session"
	"github.com/harun/mnemo/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultMaxTokens     = 2048
	DefaultMaxIterations = 6
	DefaultMaxRetries    = 3
	DefaultHistoryTurns  = 30

	writeToolName      = "memory_write"
	toolTimeout        = 30 * time.Second
	maxToolResultChars = 200
)

// ErrMaxIterations is returned when the model keeps calling tools past the
// iteration budget.
var ErrMaxIterations = errors.New("maximum tool execution turns exceeded")

// TranscriptSource supplies the conversation being consolidated.
type TranscriptSource interface {
	LoadRecent(ctx context.Context, sessionID string, maxTurns int) ([]session.Message, error)
}

// Runner executes silent consolidation turns against an LLM. The model reads
// the recent transcript and may write notes through the registered tools.
type Runner struct {
	provider      LLMProvider
	model         string
	maxTokens     int
	maxIterations int
	maxRetries    int
	historyTurns  int
	retryDelay    time.Duration
	workspace     string
	transcripts   TranscriptSource
	tools         *toolexecutor.ToolExecutor
	logger        zerolog.Logger
}

// Config holds runner configuration
type Config struct {
	Provider    LLMProvider
	Model       string
	MaxTokens   int
	Workspace   string
	Transcripts TranscriptSource
	// Tools is optional. Without it the model can only answer in text, which
	// is appended to the daily file.
	Tools         *toolexecutor.ToolExecutor
	MaxIterations int
	MaxRetries    int
	HistoryTurns  int
	Logger        zerolog.Logger
}

// FlushResult describes what a consolidation turn did.
type FlushResult struct {
	Reply      string
	ToolCalls  []ToolCall
	WroteFiles bool
	AppendedTo string
	Usage      TokenUsage
	Iterations int
}

// NewRunner creates a new consolidation runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}

	return &Runner{
		provider:      cfg.Provider,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		maxIterations: cfg.MaxIterations,
		maxRetries:    cfg.MaxRetries,
		historyTurns:  cfg.HistoryTurns,
		retryDelay:    time.Second,
		workspace:     cfg.Workspace,
		transcripts:   cfg.Transcripts,
		tools:         cfg.Tools,
		logger:        cfg.Logger,
	}, nil
}

// Executor binds the runner to one session so it can be handed to
// memory.Manager.ExecuteFlush.
func (r *Runner) Executor(sessionID string) memory.FlushExecutor {
	return memory.FlushExecutorFunc(func(ctx context.Context, req memory.FlushRequest) error {
		_, err := r.RunFlush(ctx, sessionID, req)
		return err
	})
}

// RunFlush runs one consolidation turn for sessionID.
func (r *Runner) RunFlush(ctx context.Context, sessionID string, req memory.FlushRequest) (*FlushResult, error) {
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewFlushContext(ctx, sessionID, req.UserID)
	}
	ctx, span := tracing.StartSpan(ctx, "mnemo.agent", "agent.flush",
		attribute.String("session_id", sessionID),
		attribute.String("flush_id", req.ID),
		attribute.String("provider", r.provider.Provider()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("flush_id", req.ID).Logger()

	start := time.Now()
	defer func() {
		observability.RecordConsolidationRun(r.provider.Provider(), time.Since(start))
	}()

	result := &FlushResult{}

	transcript := ""
	if r.transcripts != nil && sessionID != "" {
		msgs, err := r.transcripts.LoadRecent(ctx, sessionID, r.historyTurns)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to load transcript: %w", err)
		}
		transcript = RenderTranscript(msgs)
	}

	messages := []Message{{Role: "user", Content: buildFlushPrompt(transcript, req.Prompt)}}
	tools := r.toolSpecs()

	for iter := 0; iter < r.maxIterations; iter++ {
		result.Iterations = iter + 1

		response, err := r.callWithRetry(ctx, LLMRequest{
			Model:        r.model,
			Messages:     messages,
			Tools:        tools,
			MaxTokens:    r.maxTokens,
			SystemPrompt: req.SystemPrompt,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if response.Usage != nil {
			result.Usage.InputTokens += response.Usage.InputTokens
			result.Usage.OutputTokens += response.Usage.OutputTokens
		}

		if len(response.ToolCalls) == 0 {
			result.Reply = strings.TrimSpace(response.Content)
			break
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})
		for _, call := range response.ToolCalls {
			content, wrote := r.executeTool(ctx, call, sessionID, req.UserID)
			if wrote {
				result.WroteFiles = true
			}
			messages = append(messages, Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
			})
		}
		result.ToolCalls = append(result.ToolCalls, response.ToolCalls...)

		if iter == r.maxIterations-1 {
			span.SetStatus(codes.Error, ErrMaxIterations.Error())
			return nil, ErrMaxIterations
		}
	}

	if result.Reply != "" && result.Reply != memory.NoReply && !result.WroteFiles {
		if err := r.appendToDaily(req.DailyFile, result.Reply); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		result.AppendedTo = req.DailyFile
	}

	logger.Info().
		Int("iterations", result.Iterations).
		Int("tool_calls", len(result.ToolCalls)).
		Bool("wrote_files", result.WroteFiles).
		Str("appended_to", result.AppendedTo).
		Msg("Consolidation turn finished")

	return result, nil
}

func (r *Runner) toolSpecs() []ToolSpec {
	if r.tools == nil {
		return nil
	}

	names := r.tools.ListTools()
	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		def := r.tools.GetTool(name)
		if def == nil {
			continue
		}
		specs = append(specs, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: toolexecutor.InputSchema(*def),
		})
	}
	return specs
}

func (r *Runner) executeTool(ctx context.Context, call ToolCall, sessionID, userID string) (string, bool) {
	if r.tools == nil {
		return "Error: tools are not available", false
	}

	result := r.tools.Execute(ctx, call.Name, call.Parameters, &toolexecutor.ExecutionContext{
		SessionKey: sessionID,
		UserID:     userID,
		Timeout:    toolTimeout,
	})
	if !result.Success {
		return "Error: " + result.Error, false
	}
	return fmt.Sprintf("%v", result.Output), call.Name == writeToolName
}

// callWithRetry calls the provider with exponential backoff on transient errors.
func (r *Runner) callWithRetry(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	var lastErr error

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		response, err := r.provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == r.maxRetries-1 {
			break
		}

		delay := r.retryDelay * time.Duration(1<<attempt)
		r.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", r.maxRetries, lastErr)
}

func (r *Runner) appendToDaily(relPath, reply string) error {
	if relPath == "" {
		return fmt.Errorf("flush request has no daily file")
	}

	path, err := memory.GetMemoryFilePath(r.workspace, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create daily directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open daily file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("\n" + reply + "\n"); err != nil {
		return fmt.Errorf("failed to append to daily file: %w", err)
	}
	return nil
}

func buildFlushPrompt(transcript, instruction string) string {
	if transcript == "" {
		return instruction
	}
	return "## Conversation\n\n" + transcript + "\n\n## Task\n\n" + instruction
}

// RenderTranscript formats messages as plain text for the consolidation
// prompt. Tool traffic is summarized on one line per block.
func RenderTranscript(msgs []session.Message) string {
	var b strings.Builder

	for _, msg := range msgs {
		if msg.Content.IsText() {
			if text := msg.Content.DisplayText(); text != "" {
				fmt.Fprintf(&b, "%s: %s\n", msg.Role, text)
			}
			continue
		}

		for _, block := range msg.Content.Blocks() {
			switch v := block.(type) {
			case session.TextBlock:
				if text := strings.TrimSpace(v.Text); text != "" {
					fmt.Fprintf(&b, "%s: %s\n", msg.Role, text)
				}
			case session.ToolUseBlock:
				fmt.Fprintf(&b, "%s: [tool %s]\n", msg.Role, v.Name)
			case session.ToolResultBlock:
				fmt.Fprintf(&b, "tool result: %s\n", truncateRunes(v.Content, maxToolResultChars))
			}
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
