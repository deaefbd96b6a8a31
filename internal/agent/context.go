package agent

import (
	"context"
	"fmt"
	"strings"

	"databot/internal/domain"
)

const defaultSystemPrompt = `You are databot, an AI assistant for data platform operations. You help data engineers monitor pipelines, diagnose data quality issues, query databases, and manage infrastructure.

You have access to tools for:
- Executing SQL queries against configured databases
- Executing shell commands
- Reading and writing files
- Searching the web and fetching pages
- Remembering facts across conversations

When using tools:
- Always prefer read-only operations unless explicitly asked to modify something
- Format query results as readable tables
- Explain your reasoning before and after tool use
- If a query might be expensive, warn the user first

Be concise, technical, and helpful. Use markdown formatting in your responses.`

// MemoryReader exposes stored facts for inclusion in the system prompt.
type MemoryReader interface {
	All(ctx context.Context) ([][2]string, error)
}

// ContextBuilder assembles the LLM message list from the system prompt,
// persistent memory, conversation history, and the current message.
type ContextBuilder struct {
	workspace    string
	memory       MemoryReader
	systemPrompt string
}

func NewContextBuilder(workspace string, memory MemoryReader, systemPrompt string) *ContextBuilder {
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &ContextBuilder{
		workspace:    workspace,
		memory:       memory,
		systemPrompt: systemPrompt,
	}
}

// BuildMessages returns the full message list for one LLM call.
func (b *ContextBuilder) BuildMessages(ctx context.Context, history []domain.Message, current string, media []string) []domain.Message {
	messages := make([]domain.Message, 0, len(history)+2)
	messages = append(messages, domain.Message{
		Role:    "system",
		Content: b.buildSystemPrompt(ctx),
	})
	messages = append(messages, history...)
	messages = append(messages, domain.Message{
		Role:    "user",
		Content: current,
		Media:   media,
	})
	return messages
}

func (b *ContextBuilder) buildSystemPrompt(ctx context.Context) string {
	parts := []string{b.systemPrompt}

	if b.memory != nil {
		if facts, err := b.memory.All(ctx); err == nil && len(facts) > 0 {
			parts = append(parts, "\n## Persistent Memory")
			for _, kv := range facts {
				parts = append(parts, fmt.Sprintf("- %s: %s", kv[0], kv[1]))
			}
		}
	}

	parts = append(parts, "\nWorkspace: "+b.workspace)
	return strings.Join(parts, "\n")
}

// AddAssistantMessage appends an assistant turn, possibly carrying tool calls.
func AddAssistantMessage(messages []domain.Message, content string, toolCalls []domain.ToolCall) []domain.Message {
	return append(messages, domain.Message{
		Role:      "assistant",
		Content:   content,
		ToolCalls: toolCalls,
	})
}

// AddToolResult appends a tool turn answering the given tool call.
func AddToolResult(messages []domain.Message, toolCallID, name, result string) []domain.Message {
	return append(messages, domain.Message{
		Role:       "tool",
		Content:    result,
		ToolCallID: toolCallID,
		ToolName:   name,
	})
}
