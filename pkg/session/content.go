package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block types as they appear on the wire.
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// Block is one element of a structured message body.
type Block interface {
	BlockType() string
}

// TextBlock is plain text inside a structured message.
type TextBlock struct {
	Text string
}

// ToolUseBlock is a tool invocation requested by the assistant.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// ToolResultBlock carries a tool's output back to the model in a user-role message.
type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// RawBlock preserves a block of a type this package does not interpret
// (images, documents) so it survives a round-trip unchanged.
type RawBlock struct {
	Type string
	Raw  json.RawMessage
}

func (TextBlock) BlockType() string       { return BlockTypeText }
func (ToolUseBlock) BlockType() string    { return BlockTypeToolUse }
func (ToolResultBlock) BlockType() string { return BlockTypeToolResult }
func (b RawBlock) BlockType() string      { return b.Type }

// Content is a message body: either a plain string or a list of blocks.
// The zero value is empty text.
type Content struct {
	text     string
	blocks   []Block
	isBlocks bool
}

// TextContent returns a plain-string body.
func TextContent(text string) Content {
	return Content{text: text}
}

// BlockContent returns a structured body.
func BlockContent(blocks ...Block) Content {
	return Content{blocks: blocks, isBlocks: true}
}

// IsText reports whether the body is a plain string.
func (c Content) IsText() bool {
	return !c.isBlocks
}

// Text returns the plain-string body, or "" for a structured one.
func (c Content) Text() string {
	return c.text
}

// Blocks returns the structured body, or nil for a plain string.
func (c Content) Blocks() []Block {
	return c.blocks
}

// IsVisibleUserInput reports whether a user-role message carries text a human
// typed, as opposed to tool results fed back by the agent loop.
func (c Content) IsVisibleUserInput() bool {
	if !c.isBlocks {
		return strings.TrimSpace(c.text) != ""
	}
	for _, b := range c.blocks {
		if _, ok := b.(TextBlock); ok {
			return true
		}
	}
	return false
}

// DisplayText returns the human-readable text, ignoring tool blocks.
func (c Content) DisplayText() string {
	if !c.isBlocks {
		return strings.TrimSpace(c.text)
	}
	parts := make([]string, 0, len(c.blocks))
	for _, b := range c.blocks {
		if tb, ok := b.(TextBlock); ok && tb.Text != "" {
			parts = append(parts, tb.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// ToolCalls returns the tool_use blocks as calls with empty results.
func (c Content) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range c.blocks {
		tu, ok := b.(ToolUseBlock)
		if !ok {
			continue
		}
		args := tu.Input
		if args == nil {
			args = map[string]interface{}{}
		}
		calls = append(calls, ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
	}
	return calls
}

// ToolResults returns tool_result contents keyed by tool_use_id.
func (c Content) ToolResults() map[string]string {
	results := make(map[string]string)
	for _, b := range c.blocks {
		if tr, ok := b.(ToolResultBlock); ok {
			results[tr.ToolUseID] = tr.Content
		}
	}
	return results
}

type wireBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   json.RawMessage        `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

// MarshalJSON encodes a plain string or an array of typed blocks.
func (c Content) MarshalJSON() ([]byte, error) {
	if !c.isBlocks {
		return json.Marshal(c.text)
	}

	out := make([]json.RawMessage, 0, len(c.blocks))
	for _, b := range c.blocks {
		var raw []byte
		var err error

		switch v := b.(type) {
		case TextBlock:
			raw, err = json.Marshal(struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{BlockTypeText, v.Text})
		case ToolUseBlock:
			input := v.Input
			if input == nil {
				input = map[string]interface{}{}
			}
			raw, err = json.Marshal(struct {
				Type  string                 `json:"type"`
				ID    string                 `json:"id"`
				Name  string                 `json:"name"`
				Input map[string]interface{} `json:"input"`
			}{BlockTypeToolUse, v.ID, v.Name, input})
		case ToolResultBlock:
			raw, err = json.Marshal(struct {
				Type      string `json:"type"`
				ToolUseID string `json:"tool_use_id"`
				Content   string `json:"content"`
				IsError   bool   `json:"is_error,omitempty"`
			}{BlockTypeToolResult, v.ToolUseID, v.Content, v.IsError})
		case RawBlock:
			raw = v.Raw
		default:
			err = fmt.Errorf("unsupported block type %T", b)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts a JSON string or an array of typed blocks.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = TextContent(s)
		return nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("content must be a string or an array of blocks: %w", err)
	}

	blocks := make([]Block, 0, len(raws))
	for _, raw := range raws {
		var wb wireBlock
		if err := json.Unmarshal(raw, &wb); err != nil {
			// Non-object entries are kept verbatim.
			blocks = append(blocks, RawBlock{Raw: append(json.RawMessage(nil), raw...)})
			continue
		}

		switch wb.Type {
		case BlockTypeText:
			blocks = append(blocks, TextBlock{Text: wb.Text})
		case BlockTypeToolUse:
			blocks = append(blocks, ToolUseBlock{ID: wb.ID, Name: wb.Name, Input: wb.Input})
		case BlockTypeToolResult:
			blocks = append(blocks, ToolResultBlock{
				ToolUseID: wb.ToolUseID,
				Content:   decodeToolResultContent(wb.Content),
				IsError:   wb.IsError,
			})
		default:
			blocks = append(blocks, RawBlock{Type: wb.Type, Raw: append(json.RawMessage(nil), raw...)})
		}
	}

	*c = BlockContent(blocks...)
	return nil
}

// decodeToolResultContent flattens a tool result body. Providers send either a
// string or a list of text blocks.
func decodeToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []wireBlock
	if err := json.Unmarshal(raw, &parts); err == nil {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Type == BlockTypeText {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}

	return string(raw)
}

// decodeStoredContent parses a stored content column. Rows that are not valid
// JSON are treated as plain text.
func decodeStoredContent(raw string) Content {
	var c Content
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return TextContent(raw)
	}
	return c
}
