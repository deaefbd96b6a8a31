package domain

import (
	"context"
	"time"
)

// Tool is the interface for agent capabilities (shell, file ops, SQL, etc).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// TimeoutOverrider lets a tool replace the registry's default execution
// timeout with its own bound.
type TimeoutOverrider interface {
	ExecTimeout() time.Duration
}
