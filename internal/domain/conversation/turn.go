// Package conversation implements the conversation state threaded through an
// orchestration cycle and the session aggregate that owns it.
package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role tags who produced a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall is a request from the reasoning engine to invoke a named tool
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Citation points at the guideline source backing a recommendation
type Citation struct {
	Source  string `json:"source"`
	Excerpt string `json:"excerpt,omitempty"`
}

// Recommendation is the structured final answer of a cycle
type Recommendation struct {
	Assessment string     `json:"assessment"`
	Plan       string     `json:"plan"`
	Evidence   []Citation `json:"evidence"`
}

// Render formats the recommendation as the user-visible answer text.
func (r *Recommendation) Render() string {
	var b strings.Builder
	b.WriteString("**Assessment**\n")
	b.WriteString(strings.TrimSpace(r.Assessment))
	b.WriteString("\n\n**Plan**\n")
	b.WriteString(strings.TrimSpace(r.Plan))
	b.WriteString("\n\n**Evidence**\n")
	if len(r.Evidence) == 0 {
		b.WriteString("- No guideline source available.")
	}
	for i, c := range r.Evidence {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- [Source: ")
		b.WriteString(c.Source)
		b.WriteString("]")
		if c.Excerpt != "" {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(c.Excerpt))
		}
	}
	return b.String()
}

// Turn is a single role-tagged message. Turns are immutable once appended.
type Turn struct {
	ID             string          `json:"id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	RawResult      json.RawMessage `json:"raw_result,omitempty"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewTurn creates a plain text turn
func NewTurn(role Role, content string) Turn {
	return Turn{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// UserTurn creates a user turn
func UserTurn(content string) Turn { return NewTurn(RoleUser, content) }

// AssistantTurn creates an assistant text turn
func AssistantTurn(content string) Turn { return NewTurn(RoleAssistant, content) }

// ToolRequestTurn creates an assistant turn carrying pending tool calls
func ToolRequestTurn(content string, calls []ToolCall) Turn {
	t := NewTurn(RoleAssistant, content)
	t.ToolCalls = calls
	return t
}

// RecommendationTurn creates the final assistant turn of a cycle
func RecommendationTurn(rec *Recommendation) Turn {
	t := NewTurn(RoleAssistant, rec.Render())
	t.Recommendation = rec
	return t
}

// ToolResultTurn creates a tool-role turn for the result of call
func ToolResultTurn(call ToolCall, content string, raw json.RawMessage) Turn {
	t := NewTurn(RoleTool, content)
	t.ToolName = call.Name
	t.ToolCallID = call.ID
	t.RawResult = raw
	return t
}

// HasPendingToolCalls reports whether the turn requests tool execution
func (t Turn) HasPendingToolCalls() bool {
	return t.Role == RoleAssistant && len(t.ToolCalls) > 0
}
