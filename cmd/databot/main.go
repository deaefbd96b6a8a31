package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"databot/internal/agent"
	"databot/internal/bus"
	"databot/internal/channel"
	"databot/internal/config"
	"databot/internal/memory"
	"databot/internal/metrics"
	"databot/internal/provider"
	"databot/internal/session"
	"databot/internal/tool"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "databot",
		Short: "databot: AI assistant for data platform operations",
		Long:  "databot is a conversational assistant for data engineers: query warehouses, check pipelines, and manage infrastructure from chat.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.databot/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", cfgPath, "error", err)
		cfg = config.Defaults()
	}
	return cfg
}

func setupLogger(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.DefaultConfigPath()
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			setupLogger(cfg)
			workspace := cfg.General.Workspace
			if err := os.MkdirAll(expand(workspace), 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", workspace)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("databot %s\n", version)
		},
	}
}

// runtime bundles everything a running command needs.
type runtime struct {
	cfg       *config.Config
	bus       *bus.Bus
	loop      *agent.Loop
	sessions  *session.Manager
	collector *metrics.Collector
	cleanup   func()
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	setupLogger(cfg)

	if err := os.MkdirAll(expand(cfg.General.Workspace), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	collector := metrics.NewCollector()

	messageBus := bus.New(bus.Config{
		InboundCapacity:  cfg.Bus.InboundCapacity,
		OutboundCapacity: cfg.Bus.OutboundCapacity,
		Logger:           logger,
		Collector:        collector,
	})

	store, err := session.NewSQLiteStore(expand(cfg.Session.DBPath), logger)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	sessions := session.NewManager(session.ManagerConfig{
		Store:              store,
		MaxSessionMessages: cfg.Session.MaxMessages,
		MaxCachedSessions:  cfg.Session.MaxCached,
		Logger:             logger,
		Collector:          collector,
	})

	var mem *memory.Manager
	if cfg.Memory.Enabled {
		mem, err = memory.NewManager(expand(cfg.Memory.DBPath))
		if err != nil {
			logger.Warn("memory store unavailable", "error", err)
		}
	}

	registry, sqlTool := registerTools(cfg, mem, collector)

	prov := provider.NewOpenAIProvider(provider.OpenAIConfig{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.APIBase,
		Model:   cfg.Provider.Model,
	})

	var memReader agent.MemoryReader
	if mem != nil {
		memReader = mem
	}
	loop := agent.NewLoop(agent.LoopConfig{
		Bus:                messageBus,
		Provider:           prov,
		Tools:              registry,
		Sessions:           sessions,
		Context:            agent.NewContextBuilder(cfg.General.Workspace, memReader, cfg.General.SystemPrompt),
		Logger:             logger,
		Collector:          collector,
		Model:              cfg.Provider.Model,
		MaxIterations:      cfg.General.MaxIterations,
		ApprovalRequired:   cfg.Tools.ApprovalRequired,
		ApprovalMode:       cfg.Tools.ApprovalMode,
		RateLimitBurst:     cfg.Provider.RateLimitBurst,
		RateLimitPerMinute: cfg.Provider.RateLimitPerMinute,
	})

	cleanup := func() {
		messageBus.Close()
		if sqlTool != nil {
			_ = sqlTool.Close()
		}
		if mem != nil {
			_ = mem.Close()
		}
		_ = store.Close()
	}

	return &runtime{
		cfg:       cfg,
		bus:       messageBus,
		loop:      loop,
		sessions:  sessions,
		collector: collector,
		cleanup:   cleanup,
	}, nil
}

func registerTools(cfg *config.Config, mem *memory.Manager, collector *metrics.Collector) (*tool.Registry, *tool.SQLTool) {
	registry := tool.NewRegistry(tool.RegistryConfig{
		DefaultTimeout: time.Duration(cfg.Tools.DefaultTimeoutSeconds) * time.Second,
		Logger:         logger,
		Collector:      collector,
	})

	workspace := expand(cfg.General.Workspace)

	if cfg.Tools.Shell.Enabled {
		registry.Register(tool.NewShellTool(tool.ShellConfig{
			WorkingDir:     workspace,
			Timeout:        time.Duration(cfg.Tools.Shell.TimeoutSeconds) * time.Second,
			MaxOutputBytes: cfg.Tools.Shell.MaxOutputBytes,
		}))
	}
	registry.Register(tool.NewReadFileTool(workspace))
	registry.Register(tool.NewWriteFileTool(workspace))
	registry.Register(tool.NewListDirTool(workspace))

	var sqlTool *tool.SQLTool
	if cfg.Tools.SQL.Enabled && len(cfg.Tools.SQL.Connections) > 0 {
		sqlTool = tool.NewSQLTool(tool.SQLConfig{
			Connections: cfg.Tools.SQL.Connections,
			ReadOnly:    cfg.Tools.SQL.ReadOnly,
			MaxRows:     cfg.Tools.SQL.MaxRows,
		})
		registry.Register(sqlTool)
	}

	if cfg.Tools.Web.Enabled {
		registry.Register(tool.NewWebSearchTool())
		registry.Register(tool.NewWebFetchTool())
	}
	if cfg.Tools.Browser.Enabled {
		registry.Register(tool.NewBrowserFetchTool(tool.BrowserConfig{
			UserDataDir: cfg.Tools.Browser.UserDataDir,
		}))
	}
	if mem != nil {
		registry.Register(tool.NewRememberTool(mem))
		registry.Register(tool.NewForgetTool(mem))
	}

	return registry, sqlTool
}

func chatCmd() *cobra.Command {
	var stream bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive terminal chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cli := channel.NewCLI(channel.CLIConfig{Logger: logger, Stream: stream})
			rt.loop.SetApprovalCallback(cli.ApprovalPrompt)
			return cli.RunREPL(ctx, rt.bus, rt.loop)
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "render the reply incrementally")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent with the configured channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go rt.loop.Run(ctx)

			// Channels deliver replies through their outbound handlers; drain
			// the queue so it cannot fill and block the loop.
			go func() {
				for {
					if _, ok := rt.bus.ConsumeOutbound(ctx); !ok {
						return
					}
				}
			}()

			started := 0
			errCh := make(chan error, 2)

			if cfg.Channels.Web.Enabled {
				web := channel.NewWeb(channel.ServerConfig{
					Host:      cfg.Channels.Web.Host,
					Port:      cfg.Channels.Web.Port,
					Logger:    logger,
					Collector: rt.collector,
				})
				started++
				go func() { errCh <- web.Start(ctx, rt.bus) }()
			}
			if cfg.Channels.Telegram.Enabled {
				tg := channel.NewTelegram(channel.TelegramConfig{
					Token:     cfg.Channels.Telegram.Token,
					AllowFrom: cfg.Channels.Telegram.AllowFrom,
					Logger:    logger,
				})
				started++
				go func() { errCh <- tg.Start(ctx, rt.bus) }()
			}

			if started == 0 {
				return fmt.Errorf("no channels enabled; enable channels.web or channels.telegram in the config")
			}

			logger.Info("databot serving", "version", version, "channels", started)

			select {
			case <-ctx.Done():
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored conversation sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List session keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			setupLogger(cfg)
			store, err := session.NewSQLiteStore(expand(cfg.Session.DBPath), logger)
			if err != nil {
				return err
			}
			defer store.Close()

			keys, err := store.ListKeys(context.Background())
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear [key]",
		Short: "Delete one session, or all with no argument",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			setupLogger(cfg)
			store, err := session.NewSQLiteStore(expand(cfg.Session.DBPath), logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			if len(args) == 1 {
				return store.Delete(ctx, args[0])
			}
			keys, err := store.ListKeys(ctx)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := store.Delete(ctx, k); err != nil {
					return err
				}
			}
			fmt.Printf("deleted %d session(s)\n", len(keys))
			return nil
		},
	})

	return cmd
}

func expand(path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
