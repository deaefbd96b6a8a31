package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"databot/internal/domain"
)

// Responder is the subset of the agent loop the CLI drives directly.
type Responder interface {
	ProcessDirect(ctx context.Context, content, channel, chatID string) (string, error)
	ProcessMessageStream(ctx context.Context, msg domain.InboundMessage) error
}

// CLI is the interactive terminal channel. It drives the agent loop
// synchronously so the same terminal can also answer approval prompts.
type CLI struct {
	in     *bufio.Reader
	out    io.Writer
	logger *slog.Logger
	stream bool

	readMu sync.Mutex
}

type CLIConfig struct {
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
	Stream bool
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		in:     bufio.NewReader(cfg.In),
		out:    cfg.Out,
		logger: cfg.Logger,
		stream: cfg.Stream,
	}
}

func (c *CLI) Name() string { return "cli" }

// RunREPL reads lines from the terminal and processes each to completion
// before prompting again. Returns on EOF, /quit, or context cancellation.
func (c *CLI) RunREPL(ctx context.Context, bus domain.MessageBus, responder Responder) error {
	if c.stream {
		bus.OnStream(func(evt domain.StreamEvent) {
			if evt.Channel != "cli" {
				return
			}
			switch evt.Type {
			case domain.StreamDelta:
				fmt.Fprint(c.out, evt.Data)
			case domain.StreamToolStart:
				fmt.Fprintf(c.out, "\n[running %s]\n", evt.ToolName)
			case domain.StreamError:
				fmt.Fprintf(c.out, "\n%s\n", evt.Data)
			}
		})
	}

	fmt.Fprintln(c.out, "databot CLI. Type your message and press Enter. Type /quit to exit.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fmt.Fprint(c.out, "You> ")
		line, err := c.readLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			return nil
		}

		if c.stream {
			err = responder.ProcessMessageStream(ctx, domain.InboundMessage{
				Channel:  "cli",
				ChatID:   "direct",
				SenderID: "user",
				Content:  line,
				Stream:   true,
			})
			if err != nil {
				c.logger.Error("streaming failed", "error", err)
			}
			fmt.Fprintln(c.out)
			continue
		}

		reply, err := responder.ProcessDirect(ctx, line, "cli", "direct")
		if err != nil {
			c.logger.Error("processing failed", "error", err)
			fmt.Fprintln(c.out, "Sorry, something went wrong. Check the logs.")
			continue
		}
		fmt.Fprintln(c.out, "\n"+reply)
		fmt.Fprintln(c.out)
	}
}

// ApprovalPrompt asks the operator to allow or reject a gated tool call.
// Registered with the agent loop as its approval callback.
func (c *CLI) ApprovalPrompt(ctx context.Context, toolName string, arguments map[string]any) (bool, error) {
	fmt.Fprintf(c.out, "\nTool '%s' wants to run with arguments:\n", toolName)
	for k, v := range arguments {
		fmt.Fprintf(c.out, "  %s: %v\n", k, v)
	}
	fmt.Fprint(c.out, "Allow? [y/N] ")

	answer, err := c.readLine()
	if err != nil {
		return false, fmt.Errorf("read approval answer: %w", err)
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func (c *CLI) readLine() (string, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.in.ReadString('\n')
}
