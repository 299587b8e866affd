package engineports

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool" // result of a tool invocation
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	}
	return false
}

// ToolCallRequest is a model-proposed tool invocation. It is immutable once issued.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Turn is one entry of a conversation.
type Turn struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`   // assistant turns only
	ToolCallID string            `json:"tool_call_id,omitempty"` // tool turns only
	Name       string            `json:"name,omitempty"`         // tool name on tool turns
	CreatedAt  time.Time         `json:"created_at"`
}

// HasToolCalls reports whether the turn proposes at least one tool invocation.
func (t Turn) HasToolCalls() bool {
	return len(t.ToolCalls) > 0
}

// Clone returns a deep copy of the turn.
func (t Turn) Clone() Turn {
	out := t
	if t.ToolCalls != nil {
		out.ToolCalls = make([]ToolCallRequest, len(t.ToolCalls))
		for i, c := range t.ToolCalls {
			out.ToolCalls[i] = c.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the request, arguments included.
func (c ToolCallRequest) Clone() ToolCallRequest {
	out := c
	if c.Arguments != nil {
		out.Arguments, _ = cloneValue(c.Arguments).(map[string]any)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, e := range val {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return val
	}
}
