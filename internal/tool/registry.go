// Package tool provides the registry of agent capabilities and the concrete
// tools shipped with the bot. Registry dispatch is timeout-bounded and
// failure-isolated: every outcome, including a crash inside a tool, comes
// back as a result string the agent loop can feed to the LLM.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"databot/internal/domain"
	"databot/internal/metrics"
)

const defaultExecTimeout = 120 * time.Second

// Registry holds all available tools and executes them by name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger

	timeout time.Duration

	executions *metrics.Counter
	timeouts   *metrics.Counter
}

// RegistryConfig holds registry tuning parameters.
type RegistryConfig struct {
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	Collector      *metrics.Collector
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultExecTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		tools:   make(map[string]domain.Tool),
		logger:  cfg.Logger,
		timeout: cfg.DefaultTimeout,
	}
	if cfg.Collector != nil {
		r.executions = cfg.Collector.Counter(
			"databot_tool_executions_total", "Total tool executions")
		r.timeouts = cfg.Collector.Counter(
			"databot_tool_timeouts_total", "Tool executions abandoned on timeout")
	}
	return r
}

// Register adds a tool. Registering the same name twice overwrites the
// earlier registration (last write wins).
func (r *Registry) Register(t domain.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.logger.Debug("registered tool", "name", t.Name())
}

// Get returns the tool registered under name, or nil.
func (r *Registry) Get(name string) domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Execute runs the named tool under its effective timeout and always
// returns a string: the tool's result verbatim on success, a descriptive
// error text otherwise. Nothing a tool does, including a panic or overrun,
// escapes to the caller.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) string {
	t := r.Get(name)
	if t == nil {
		return fmt.Sprintf("Error: Unknown tool '%s'", name)
	}
	if r.executions != nil {
		r.executions.Inc()
	}

	timeout := r.timeout
	if o, ok := t.(domain.TimeoutOverrider); ok && o.ExecTimeout() > 0 {
		timeout = o.ExecTimeout()
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		res, err := t.Execute(execCtx, args)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-execCtx.Done():
		if execCtx.Err() == context.DeadlineExceeded {
			// The goroutine is abandoned; cancellation is cooperative
			// through execCtx, not forced.
			r.logger.Warn("tool timed out", "tool", name, "timeout", timeout)
			if r.timeouts != nil {
				r.timeouts.Inc()
			}
			return fmt.Sprintf("Error: Tool '%s' timed out after %d seconds.", name, int(timeout.Seconds()))
		}
		return fmt.Sprintf("Error executing tool '%s': %s", name, execCtx.Err())
	case out := <-done:
		if out.err != nil {
			r.logger.Error("tool failed", "tool", name, "error", out.err)
			return fmt.Sprintf("Error executing tool '%s': %s", name, out.err)
		}
		return out.result
	}
}

// Definitions returns the tool-calling contract handed to the LLM provider.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]domain.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, domain.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Param describes a single tool parameter.
type Param struct {
	Type        string
	Description string
}

// ToolParameters builds a JSON Schema "parameters" object for a tool.
func ToolParameters(properties map[string]Param, required []string) map[string]any {
	props := make(map[string]any)
	for name, p := range properties {
		props[name] = map[string]any{"type": p.Type, "description": p.Description}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ArgsString extracts a string argument, JSON-encoding non-string values.
func ArgsString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// ArgsInt extracts an integer argument, tolerating JSON float decoding.
func ArgsInt(args map[string]any, key string, def int) int {
	if args == nil {
		return def
	}
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
