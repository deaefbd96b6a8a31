package tool

import (
	"context"
	"fmt"

	"databot/internal/domain"
	"databot/internal/memory"
)

// RememberTool stores a fact in persistent memory so it survives across
// conversations and appears in future system prompts.
type RememberTool struct {
	memory *memory.Manager
}

func NewRememberTool(m *memory.Manager) *RememberTool {
	return &RememberTool{memory: m}
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Store a fact in persistent memory under a short key. The fact is available in all future conversations."
}
func (t *RememberTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"key":   {Type: "string", Description: "Short identifier for the fact (e.g. 'primary_warehouse')"},
			"value": {Type: "string", Description: "The fact to remember"},
		},
		[]string{"key", "value"},
	)
}

func (t *RememberTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	key := ArgsString(args, "key")
	value := ArgsString(args, "value")
	if key == "" || value == "" {
		return "", fmt.Errorf("both key and value are required")
	}
	if err := t.memory.Set(ctx, key, value); err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}
	return fmt.Sprintf("Remembered '%s'.", key), nil
}

// ForgetTool removes a fact from persistent memory.
type ForgetTool struct {
	memory *memory.Manager
}

func NewForgetTool(m *memory.Manager) *ForgetTool {
	return &ForgetTool{memory: m}
}

func (t *ForgetTool) Name() string { return "forget" }
func (t *ForgetTool) Description() string {
	return "Remove a fact from persistent memory by its key."
}
func (t *ForgetTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"key": {Type: "string", Description: "Key of the fact to forget"},
		},
		[]string{"key"},
	)
}

func (t *ForgetTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	key := ArgsString(args, "key")
	if key == "" {
		return "", fmt.Errorf("missing argument: key")
	}
	if err := t.memory.Delete(ctx, key); err != nil {
		return "", fmt.Errorf("delete memory: %w", err)
	}
	return fmt.Sprintf("Forgot '%s'.", key), nil
}

var (
	_ domain.Tool = (*RememberTool)(nil)
	_ domain.Tool = (*ForgetTool)(nil)
)
