// Package proto contains the provider-agnostic conversation types shared by
// the engine, the model bridge, and the MCP layer.
package proto

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// Role is the author of a conversation turn.
type Role string

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single turn in a conversation.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a model-issued request to invoke a tool, or (on a tool turn)
// the call a result belongs to.
type ToolCall struct {
	ID       string   `json:"id"`
	Function Function `json:"function"`
	IsError  bool     `json:"is_error,omitempty"`
}

// Function identifies the tool and its argument payload.
type Function struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is a single model invocation: the conversation so far plus the
// declared tool set.
type Request struct {
	Model       string
	Messages    []Message
	Tools       map[string][]mcp.Tool
	Temperature *float64
	TopP        *float64
	MaxTokens   *int64
	User        string
}

// PartType tags a streamed model output part.
type PartType int

// Model stream part types.
const (
	PartTextDelta PartType = iota
	PartToolCall
	PartFinish
	PartError
)

// Part is one element of a streamed model response.
type Part struct {
	Type     PartType
	Text     string
	ToolCall ToolCall
	Err      error
}
