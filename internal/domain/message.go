package domain

import "time"

// InboundMessage is a message received from a channel, immutable once created.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Media     []string
	Stream    bool // request incremental delivery via StreamEvents
	Timestamp time.Time
}

// SessionKey is the partition key for history and caching.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply to deliver through a channel.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ThreadID string
}

// StreamEventType classifies a streaming event.
type StreamEventType string

const (
	StreamDelta      StreamEventType = "delta"
	StreamToolStart  StreamEventType = "tool_start"
	StreamToolResult StreamEventType = "tool_result"
	StreamDone       StreamEventType = "done"
	StreamError      StreamEventType = "error"
)

// StreamEvent is an incremental processing event for SSE or websocket delivery.
// A streamed message produces zero or more delta/tool events and is always
// terminated by exactly one done or error event.
type StreamEvent struct {
	Channel  string          `json:"channel"`
	ChatID   string          `json:"chat_id"`
	Type     StreamEventType `json:"type"`
	Data     string          `json:"data,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
}

// Message is a single conversation turn in provider wire shape.
type Message struct {
	Role       string     `json:"role"` // system | user | assistant | tool
	Content    string     `json:"content"`
	Media      []string   `json:"media,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolCall is a structured request from the LLM to invoke a named capability.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}
