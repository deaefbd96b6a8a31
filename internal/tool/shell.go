package tool

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultShellTimeout   = 30 * time.Second
	defaultMaxOutputBytes = 65536
)

// ShellTool executes shell commands inside the workspace.
type ShellTool struct {
	workingDir     string
	timeout        time.Duration
	maxOutputBytes int
}

type ShellConfig struct {
	WorkingDir     string
	Timeout        time.Duration
	MaxOutputBytes int
}

func NewShellTool(cfg ShellConfig) *ShellTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultShellTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &ShellTool{
		workingDir:     cfg.WorkingDir,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

func (s *ShellTool) Name() string { return "shell" }

func (s *ShellTool) Description() string {
	return "Execute a shell command. Use for running terminal commands, scripts, or CLI tools (dbt, kubectl, airflow). Returns stdout and stderr."
}

func (s *ShellTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"command": {Type: "string", Description: "The shell command to execute (e.g. 'ls -la', 'dbt run --select model')"},
		},
		[]string{"command"},
	)
}

// ExecTimeout bounds command runtime below the registry default.
func (s *ShellTool) ExecTimeout() time.Duration { return s.timeout }

func (s *ShellTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command := strings.TrimSpace(ArgsString(args, "command"))
	if command == "" {
		return "", fmt.Errorf("missing argument: command")
	}

	dir := s.workingDir
	if dir == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	// sh -c for reliable handling of pipes, redirects, and quoting.
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = absDir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("command timed out or cancelled")
		}
		return string(output), fmt.Errorf("exit: %w", err)
	}

	result := string(output)
	if len(result) > s.maxOutputBytes {
		result = result[:s.maxOutputBytes] + "\n... (output truncated)"
	}
	if result == "" {
		result = "(no output)"
	}
	return result, nil
}
