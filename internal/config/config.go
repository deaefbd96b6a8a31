package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for databot.
type Config struct {
	General  GeneralConfig  `yaml:"general"`
	Provider ProviderConfig `yaml:"provider"`
	Bus      BusConfig      `yaml:"bus"`
	Session  SessionConfig  `yaml:"session"`
	Memory   MemoryConfig   `yaml:"memory"`
	Tools    ToolsConfig    `yaml:"tools"`
	Channels ChannelsConfig `yaml:"channels"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type GeneralConfig struct {
	Workspace     string `yaml:"workspace"`
	LogLevel      string `yaml:"logLevel"`
	MaxIterations int    `yaml:"maxIterations"`
	SystemPrompt  string `yaml:"systemPrompt,omitempty"`
}

type ProviderConfig struct {
	APIKey             string  `yaml:"apiKey"`
	APIBase            string  `yaml:"apiBase,omitempty"`
	Model              string  `yaml:"model"`
	RateLimitBurst     int     `yaml:"rateLimitBurst"`
	RateLimitPerMinute float64 `yaml:"rateLimitPerMinute"`
}

type BusConfig struct {
	InboundCapacity  int `yaml:"inboundCapacity"`
	OutboundCapacity int `yaml:"outboundCapacity"`
}

type SessionConfig struct {
	DBPath      string `yaml:"dbPath"`
	MaxMessages int    `yaml:"maxMessages"`
	MaxCached   int    `yaml:"maxCached"`
}

type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"dbPath"`
}

type ToolsConfig struct {
	DefaultTimeoutSeconds int      `yaml:"defaultTimeoutSeconds"`
	ApprovalRequired      []string `yaml:"approvalRequired,omitempty"`
	// ApprovalMode decides what happens when a gated tool is called and no
	// approval callback is registered: "allow" auto-approves with a warning,
	// "deny" rejects the call.
	ApprovalMode string          `yaml:"approvalMode,omitempty"`
	Shell        ShellToolConfig `yaml:"shell"`
	SQL          SQLToolConfig   `yaml:"sql"`
	Web          WebToolConfig   `yaml:"web"`
	Browser      BrowserConfig   `yaml:"browser"`
}

type ShellToolConfig struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutSeconds int  `yaml:"timeoutSeconds"`
	MaxOutputBytes int  `yaml:"maxOutputBytes"`
}

type SQLToolConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ReadOnly    bool              `yaml:"readOnly"`
	MaxRows     int               `yaml:"maxRows"`
	Connections map[string]string `yaml:"connections,omitempty"` // name -> SQLite path
}

type WebToolConfig struct {
	Enabled bool `yaml:"enabled"`
}

type BrowserConfig struct {
	Enabled     bool   `yaml:"enabled"`
	UserDataDir string `yaml:"userDataDir,omitempty"`
}

type ChannelsConfig struct {
	CLI      CLIConfig      `yaml:"cli"`
	Web      WebConfig      `yaml:"web"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type CLIConfig struct {
	Enabled bool `yaml:"enabled"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Token     string   `yaml:"token"`
	AllowFrom []string `yaml:"allowFrom,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Approval modes for gated tools when no interactive callback is available.
const (
	ApprovalModeAllow = "allow"
	ApprovalModeDeny  = "deny"
)

// DefaultConfigDir returns the default config directory (~/.databot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".databot"
	}
	return filepath.Join(home, ".databot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = expandPath(cfg.General.Workspace)
	cfg.Session.DBPath = expandPath(cfg.Session.DBPath)
	cfg.Memory.DBPath = expandPath(cfg.Memory.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config file: %w", err)
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.General.MaxIterations <= 0 {
		return fmt.Errorf("general.maxIterations must be positive")
	}
	if cfg.Session.MaxMessages <= 0 {
		return fmt.Errorf("session.maxMessages must be positive")
	}
	switch cfg.Tools.ApprovalMode {
	case "", ApprovalModeAllow, ApprovalModeDeny:
	default:
		return fmt.Errorf("tools.approvalMode must be %q or %q", ApprovalModeAllow, ApprovalModeDeny)
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.Web.Enabled && (cfg.Channels.Web.Port <= 0 || cfg.Channels.Web.Port > 65535) {
		return fmt.Errorf("channels.web.port must be a valid port")
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
