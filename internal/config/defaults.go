package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:     "~/.databot/workspace",
			LogLevel:      "info",
			MaxIterations: 20,
		},
		Provider: ProviderConfig{
			APIKey:             "${OPENAI_API_KEY}",
			Model:              "gpt-4o",
			RateLimitBurst:     5,
			RateLimitPerMinute: 30,
		},
		Bus: BusConfig{
			InboundCapacity:  1000,
			OutboundCapacity: 1000,
		},
		Session: SessionConfig{
			DBPath:      "~/.databot/sessions.db",
			MaxMessages: 50,
			MaxCached:   256,
		},
		Memory: MemoryConfig{
			Enabled: true,
			DBPath:  "~/.databot/memory.db",
		},
		Tools: ToolsConfig{
			DefaultTimeoutSeconds: 120,
			ApprovalRequired:      []string{"shell", "write_file"},
			ApprovalMode:          ApprovalModeAllow,
			Shell: ShellToolConfig{
				Enabled:        true,
				TimeoutSeconds: 30,
				MaxOutputBytes: 65536,
			},
			SQL: SQLToolConfig{
				Enabled:  true,
				ReadOnly: true,
				MaxRows:  1000,
			},
			Web: WebToolConfig{
				Enabled: true,
			},
			Browser: BrowserConfig{
				Enabled: false,
			},
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{Enabled: true},
			Web: WebConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8080,
			},
			Telegram: TelegramConfig{Enabled: false},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
