package domain

import "context"

// Provider is the interface all LLM providers must implement.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	DefaultModel() string
}

// StreamingProvider is an optional extension for providers that support
// incremental delivery. ChatStream sends chunks on out until the response is
// complete, then returns; out is closed by the caller's plumbing, not here.
type StreamingProvider interface {
	Provider
	ChatStream(ctx context.Context, req ChatRequest, out chan<- StreamChunk) error
}

type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string // stop | tool_calls | length
	Usage        Usage
}

func (r *ChatResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// StreamChunk is one increment of a streaming completion. Text arrives in
// Delta. Tool calls arrive fragmented: chunks for the same call share a
// stable ToolCallIndex; the ID and Name appear on the first fragment and
// ArgumentsDelta carries partial JSON that the consumer must accumulate
// until FinishReason signals completion.
type StreamChunk struct {
	Delta          string
	IsToolCall     bool
	ToolCallIndex  int
	ToolCallID     string
	ToolName       string
	ArgumentsDelta string
	FinishReason   string
	Usage          *Usage
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
