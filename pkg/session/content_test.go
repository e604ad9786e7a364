package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContent_TextJSON(t *testing.T) {
	raw, err := json.Marshal(TextContent("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(raw))

	var c Content
	require.NoError(t, json.Unmarshal([]byte(`"hello there"`), &c))
	assert.True(t, c.IsText())
	assert.Equal(t, "hello there", c.Text())
}

func TestContent_BlocksJSON(t *testing.T) {
	c := BlockContent(
		TextBlock{Text: "checking"},
		ToolUseBlock{ID: "t1", Name: "search"},
		ToolResultBlock{ToolUseID: "t1", Content: "42"},
	)

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"type":"text","text":"checking"},
		{"type":"tool_use","id":"t1","name":"search","input":{}},
		{"type":"tool_result","tool_use_id":"t1","content":"42"}
	]`, string(raw))

	var decoded Content
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.False(t, decoded.IsText())
	require.Len(t, decoded.Blocks(), 3)
	assert.Equal(t, TextBlock{Text: "checking"}, decoded.Blocks()[0])
	assert.Equal(t, ToolResultBlock{ToolUseID: "t1", Content: "42"}, decoded.Blocks()[2])
}

func TestContent_ToolResultListBody(t *testing.T) {
	var c Content
	require.NoError(t, json.Unmarshal([]byte(`[
		{"type":"tool_result","tool_use_id":"a","content":[{"type":"text","text":"line one"},{"type":"image"},{"type":"text","text":"line two"}]}
	]`), &c))

	assert.Equal(t, map[string]string{"a": "line one\nline two"}, c.ToolResults())
}

func TestContent_UnknownBlockRoundTrip(t *testing.T) {
	in := `[{"type":"image","source":{"type":"base64","data":"AAAA"}},{"type":"text","text":"look"}]`

	var c Content
	require.NoError(t, json.Unmarshal([]byte(in), &c))
	require.Len(t, c.Blocks(), 2)
	assert.Equal(t, "image", c.Blocks()[0].BlockType())

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestContent_IsVisibleUserInput(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		want    bool
	}{
		{"plain text", TextContent("hi"), true},
		{"whitespace", TextContent("   \n"), false},
		{"empty", Content{}, false},
		{"text block", BlockContent(TextBlock{Text: "hi"}), true},
		{"empty text block still counts", BlockContent(TextBlock{}), true},
		{"tool result only", BlockContent(ToolResultBlock{ToolUseID: "1", Content: "42"}), false},
		{"mixed", BlockContent(ToolResultBlock{ToolUseID: "1"}, TextBlock{Text: "and also"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.content.IsVisibleUserInput())
		})
	}
}

func TestContent_DisplayText(t *testing.T) {
	assert.Equal(t, "hi", TextContent("  hi \n").DisplayText())
	assert.Equal(t, "a\nb", BlockContent(
		TextBlock{Text: "a"},
		ToolUseBlock{ID: "1", Name: "x"},
		TextBlock{},
		TextBlock{Text: "b"},
	).DisplayText())
	assert.Empty(t, BlockContent(ToolUseBlock{ID: "1"}).DisplayText())
}

func TestContent_ToolCalls(t *testing.T) {
	c := BlockContent(
		TextBlock{Text: "let me look"},
		ToolUseBlock{ID: "1", Name: "search", Input: map[string]interface{}{"q": "otters"}},
		ToolUseBlock{ID: "2", Name: "get"},
	)

	calls := c.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, ToolCall{ID: "1", Name: "search", Arguments: map[string]interface{}{"q": "otters"}}, calls[0])
	assert.NotNil(t, calls[1].Arguments)
	assert.Nil(t, TextContent("x").ToolCalls())
}

func TestDecodeStoredContent(t *testing.T) {
	assert.Equal(t, TextContent("hello"), decodeStoredContent(`"hello"`))
	assert.Equal(t, TextContent("not json"), decodeStoredContent("not json"))
	assert.Equal(t, TextContent("42"), decodeStoredContent("42"))
}
