package session

import "time"

// ToolCall is one tool invocation inside an assistant turn, with its result
// back-filled from the matching tool_result block.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Result    string                 `json:"result"`
}

// Turn is a display-level view of the log: one user input, or the merged
// assistant reply to it.
type Turn struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// TurnPage is one page of display turns, most recent page first.
type TurnPage struct {
	Turns    []Turn `json:"messages"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	HasMore  bool   `json:"has_more"`
}

type turnGroup struct {
	user *Message
	rest []Message
}

// GroupTurns rebuilds display turns from a chronological message log.
//
// A visible user message opens a group and everything up to the next one
// belongs to it. Messages before the first visible user message belong to no
// group and are not shown. Within a group all assistant messages collapse into
// one turn whose content is the last non-empty assistant text.
func GroupTurns(msgs []Message) []Turn {
	var groups []turnGroup

	for i := range msgs {
		msg := msgs[i]
		if msg.Role == RoleUser && msg.Content.IsVisibleUserInput() {
			groups = append(groups, turnGroup{user: &msgs[i]})
			continue
		}
		if n := len(groups); n > 0 {
			groups[n-1].rest = append(groups[n-1].rest, msg)
		}
	}

	turns := make([]Turn, 0, len(groups)*2)
	for _, g := range groups {
		if text := g.user.Content.DisplayText(); text != "" {
			turns = append(turns, Turn{Role: RoleUser, Content: text, CreatedAt: g.user.CreatedAt})
		}

		var calls []ToolCall
		results := make(map[string]string)
		finalText := ""
		var finalAt time.Time

		for _, msg := range g.rest {
			switch msg.Role {
			case RoleUser:
				for id, r := range msg.Content.ToolResults() {
					results[id] = r
				}
			case RoleAssistant:
				calls = append(calls, msg.Content.ToolCalls()...)
				if t := msg.Content.DisplayText(); t != "" {
					finalText = t
				}
				finalAt = msg.CreatedAt
			}
		}

		if finalText == "" && len(calls) == 0 {
			continue
		}

		for i := range calls {
			calls[i].Result = results[calls[i].ID]
		}
		if finalAt.IsZero() {
			finalAt = g.user.CreatedAt
		}
		turns = append(turns, Turn{
			Role:      RoleAssistant,
			Content:   finalText,
			ToolCalls: calls,
			CreatedAt: finalAt,
		})
	}

	return turns
}

// pageTurns slices turns into the requested page. Page 1 holds the most
// recent turns; each page stays in chronological order.
func pageTurns(turns []Turn, page, pageSize int) TurnPage {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	total := len(turns)
	offset := (page - 1) * pageSize

	end := total - offset
	start := end - pageSize
	if start < 0 {
		start = 0
	}

	items := []Turn{}
	if end > 0 {
		items = append(items, turns[start:end]...)
	}

	return TurnPage{
		Turns:    items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  offset+pageSize < total,
	}
}
