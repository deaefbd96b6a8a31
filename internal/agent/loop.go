package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"databot/internal/domain"
	"databot/internal/metrics"
	"databot/internal/session"
	"databot/internal/tool"
)

const (
	defaultMaxIterations = 20
	defaultLLMMaxTokens  = 4096
	defaultTemperature   = 0.7
	defaultRateBurst     = 5
	defaultRatePerMinute = 30.0

	// Shown when the iteration ceiling is hit without a plain-text answer.
	noFinalResponse = "I've completed processing but have no final response."

	// Shown instead of internal error details on the outer boundary.
	sanitizedError = "Sorry, I encountered an internal error. Please try again or contact an administrator."

	// Approval modes for gated tools when no callback is registered.
	ApprovalModeAllow = "allow"
	ApprovalModeDeny  = "deny"
)

// llmLatencyBuckets covers interactive chat latencies up to slow tool-heavy
// completions.
var llmLatencyBuckets = []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// ApprovalCallback decides whether a gated tool call may execute. Registered
// by interactive channels; absent in non-interactive deployments.
type ApprovalCallback func(ctx context.Context, toolName string, arguments map[string]any) (bool, error)

// Loop is the core agent engine: receive message, reason with the LLM,
// execute tools, respond. It consumes one inbound message at a time and
// processes it to completion before dequeuing the next.
type Loop struct {
	bus           domain.MessageBus
	provider      domain.Provider
	tools         *tool.Registry
	sessions      *session.Manager
	context       *ContextBuilder
	enricher      domain.Enricher
	logger        *slog.Logger
	model         string
	maxIterations int
	rateLimiter   *RateLimiter

	approvalRequired map[string]bool
	approvalDeny     bool
	approvalMu       sync.RWMutex
	approvalCallback ApprovalCallback

	messagesTotal *metrics.Counter
	loopErrors    *metrics.Counter
	llmLatency    *metrics.Histogram
}

// LoopConfig holds all dependencies and tuning parameters for the agent loop.
type LoopConfig struct {
	Bus              domain.MessageBus
	Provider         domain.Provider
	Tools            *tool.Registry
	Sessions         *session.Manager
	Context          *ContextBuilder
	Enricher         domain.Enricher // optional retrieval augmentation
	Logger           *slog.Logger
	Collector        *metrics.Collector
	Model            string
	MaxIterations    int
	ApprovalRequired []string // tool names gated behind human approval
	// ApprovalMode decides gated calls when no callback is registered:
	// ApprovalModeAllow (default) approves with a warning, ApprovalModeDeny
	// rejects.
	ApprovalMode       string
	RateLimitBurst     int     // LLM calls allowed in a burst, default 5
	RateLimitPerMinute float64 // sustained LLM call rate, default 30
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Model == "" && cfg.Provider != nil {
		cfg.Model = cfg.Provider.DefaultModel()
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateBurst
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = defaultRatePerMinute
	}
	approvalRequired := make(map[string]bool, len(cfg.ApprovalRequired))
	for _, name := range cfg.ApprovalRequired {
		approvalRequired[name] = true
	}
	l := &Loop{
		bus:              cfg.Bus,
		provider:         cfg.Provider,
		tools:            cfg.Tools,
		sessions:         cfg.Sessions,
		context:          cfg.Context,
		enricher:         cfg.Enricher,
		logger:           cfg.Logger,
		model:            cfg.Model,
		maxIterations:    cfg.MaxIterations,
		rateLimiter:      NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitPerMinute),
		approvalRequired: approvalRequired,
		approvalDeny:     cfg.ApprovalMode == ApprovalModeDeny,
	}
	if cfg.Collector != nil {
		l.messagesTotal = cfg.Collector.Counter(
			"databot_messages_total", "Inbound messages processed by the agent loop")
		l.loopErrors = cfg.Collector.Counter(
			"databot_loop_errors_total", "Messages that failed with an internal error")
		l.llmLatency = cfg.Collector.Histogram(
			"databot_llm_latency_seconds", "LLM call latency", llmLatencyBuckets)
	}
	return l
}

// SetApprovalCallback registers the human-approval hook. Safe to call while
// the loop is running.
func (l *Loop) SetApprovalCallback(cb ApprovalCallback) {
	l.approvalMu.Lock()
	l.approvalCallback = cb
	l.approvalMu.Unlock()
}

// Run consumes inbound messages until the context is cancelled or the bus
// closes. Errors escaping message processing are logged and converted into a
// sanitized outbound reply; internals are never leaked to the channel.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("agent loop started", "model", l.model, "max_iterations", l.maxIterations)

	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			l.logger.Info("agent loop stopping")
			return
		}
		if l.messagesTotal != nil {
			l.messagesTotal.Inc()
		}

		if msg.Stream {
			if err := l.ProcessMessageStream(ctx, msg); err != nil {
				l.recordFailure(msg, err)
			}
			continue
		}

		out, err := l.ProcessMessage(ctx, msg)
		if err != nil {
			l.recordFailure(msg, err)
			out = domain.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: sanitizedError,
			}
		}
		l.bus.PublishOutbound(ctx, out)
	}
}

func (l *Loop) recordFailure(msg domain.InboundMessage, err error) {
	if l.loopErrors != nil {
		l.loopErrors.Inc()
	}
	l.logger.Error("message processing failed",
		"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
}

// ProcessDirect processes a message synchronously and returns the reply text.
// Used by the CLI and other callers that need a blocking answer.
func (l *Loop) ProcessDirect(ctx context.Context, content, channel, chatID string) (string, error) {
	out, err := l.ProcessMessage(ctx, domain.InboundMessage{
		Channel:   channel,
		SenderID:  "user",
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
	})
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

// ProcessMessage runs the non-streaming agent loop for one inbound message:
// build context, call the LLM, execute any requested tools, feed results
// back, repeat until the LLM answers in plain text or the iteration ceiling
// is hit. The resulting turn pair is persisted to the session.
func (l *Loop) ProcessMessage(ctx context.Context, msg domain.InboundMessage) (domain.OutboundMessage, error) {
	l.logger.Info("processing message",
		"channel", msg.Channel, "sender", msg.SenderID, "content_len", len(msg.Content))

	sess, err := l.sessions.GetOrCreate(ctx, msg.SessionKey())
	if err != nil {
		return domain.OutboundMessage{}, fmt.Errorf("session: %w", err)
	}

	messages := l.context.BuildMessages(ctx, sess.History(), l.enrich(ctx, msg.Content), msg.Media)
	toolDefs := l.tools.Definitions()

	var finalContent string
	for iteration := 0; iteration < l.maxIterations; iteration++ {
		resp, err := l.callLLM(ctx, messages, toolDefs)
		if err != nil {
			return domain.OutboundMessage{}, fmt.Errorf("LLM: %w", err)
		}

		if !resp.HasToolCalls() {
			finalContent = resp.Content
			break
		}

		messages = AddAssistantMessage(messages, resp.Content, resp.ToolCalls)
		for _, tc := range resp.ToolCalls {
			messages = AddToolResult(messages, tc.ID, tc.Name, l.runTool(ctx, tc))
		}
	}

	if finalContent == "" {
		finalContent = noFinalResponse
	}

	l.persistTurn(ctx, sess, msg.Content, finalContent)

	return domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: finalContent,
	}, nil
}

// enrich prepends retrieval context to the user's text. Best-effort: any
// enricher failure is logged and the original text used unchanged.
func (l *Loop) enrich(ctx context.Context, content string) string {
	if l.enricher == nil {
		return content
	}
	extra, err := l.enricher.Enrich(ctx, content)
	if err != nil {
		l.logger.Warn("enrichment failed", "error", err)
		return content
	}
	if extra == "" {
		return content
	}
	return extra + "\n\n" + content
}

func (l *Loop) callLLM(ctx context.Context, messages []domain.Message, toolDefs []domain.ToolDefinition) (*domain.ChatResponse, error) {
	if err := l.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	start := time.Now()
	resp, err := l.provider.Chat(ctx, domain.ChatRequest{
		Messages:    messages,
		Tools:       toolDefs,
		Model:       l.model,
		MaxTokens:   defaultLLMMaxTokens,
		Temperature: defaultTemperature,
	})
	if l.llmLatency != nil {
		l.llmLatency.Observe(time.Since(start).Seconds())
	}
	return resp, err
}

// runTool executes one tool call through the approval gate and the registry.
// The return value is always a tool-result string, never an error.
func (l *Loop) runTool(ctx context.Context, tc domain.ToolCall) string {
	l.logger.Debug("executing tool", "tool", tc.Name)

	if l.approvalRequired[tc.Name] {
		if !l.requestApproval(ctx, tc.Name, tc.Arguments) {
			return fmt.Sprintf("Tool '%s' was rejected by the user.", tc.Name)
		}
	}
	return l.tools.Execute(ctx, tc.Name, tc.Arguments)
}

// requestApproval asks the registered callback whether a gated tool may run.
// With no callback registered the configured approval mode decides: allow
// auto-approves with a warning so a non-interactive deployment cannot
// deadlock the loop, deny rejects the call. A failing callback approves and
// logs a warning.
func (l *Loop) requestApproval(ctx context.Context, toolName string, arguments map[string]any) bool {
	l.approvalMu.RLock()
	cb := l.approvalCallback
	l.approvalMu.RUnlock()

	if cb == nil {
		if l.approvalDeny {
			l.logger.Warn("tool requires approval but no callback registered, denying",
				"tool", toolName)
			return false
		}
		l.logger.Warn("tool requires approval but no callback registered, auto-approving",
			"tool", toolName)
		return true
	}
	approved, err := cb(ctx, toolName, arguments)
	if err != nil {
		l.logger.Warn("approval callback failed, auto-approving", "tool", toolName, "error", err)
		return true
	}
	return approved
}

func (l *Loop) persistTurn(ctx context.Context, sess *session.Session, userContent, assistantContent string) {
	sess.AddMessage("user", userContent)
	sess.AddMessage("assistant", assistantContent)
	if err := l.sessions.Save(ctx, sess); err != nil {
		l.logger.Warn("failed to persist session", "key", sess.Key, "error", err)
	}
}

// pendingCall accumulates one tool call from fragmentary stream chunks.
// Chunks for the same call share a stable index; the ID and name arrive on
// the first fragment and the arguments as partial JSON across fragments.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// assembleCalls turns accumulated fragments into executable tool calls,
// ordered by stream index. Arguments that fail to parse as JSON are wrapped
// as {"raw": ...} so the tool still sees them.
func assembleCalls(pending map[int]*pendingCall) []domain.ToolCall {
	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]domain.ToolCall, 0, len(pending))
	for _, i := range indexes {
		p := pending[i]
		raw := p.args.String()
		var args map[string]any
		if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
			args = map[string]any{"raw": raw}
		}
		calls = append(calls, domain.ToolCall{ID: p.id, Name: p.name, Arguments: args})
	}
	return calls
}

// ProcessMessageStream runs the streaming agent loop for one inbound message.
// Text deltas are re-emitted as StreamEvents as they arrive; tool-call
// fragments are accumulated by call index until the provider finishes, then
// executed with tool_start/tool_result events around each call. The stream
// ends with exactly one done event, or one error event if the provider fails.
func (l *Loop) ProcessMessageStream(ctx context.Context, msg domain.InboundMessage) error {
	sp, ok := l.provider.(domain.StreamingProvider)
	if !ok {
		// Provider cannot stream: process normally and emit the answer as a
		// single done event.
		out, err := l.ProcessMessage(ctx, msg)
		if err != nil {
			l.emitEvent(msg, domain.StreamError, sanitizedError, "")
			return err
		}
		l.emitEvent(msg, domain.StreamDone, out.Content, "")
		return nil
	}

	l.logger.Info("processing streaming message",
		"channel", msg.Channel, "sender", msg.SenderID)

	sess, err := l.sessions.GetOrCreate(ctx, msg.SessionKey())
	if err != nil {
		l.emitEvent(msg, domain.StreamError, sanitizedError, "")
		return fmt.Errorf("session: %w", err)
	}

	messages := l.context.BuildMessages(ctx, sess.History(), l.enrich(ctx, msg.Content), msg.Media)
	toolDefs := l.tools.Definitions()

	var fullContent strings.Builder
	for iteration := 0; iteration < l.maxIterations; iteration++ {
		textBuffer, calls, err := l.streamOnce(ctx, sp, msg, messages, toolDefs, &fullContent)
		if err != nil {
			l.emitEvent(msg, domain.StreamError, sanitizedError, "")
			return fmt.Errorf("LLM stream: %w", err)
		}

		if len(calls) == 0 {
			break
		}

		messages = AddAssistantMessage(messages, textBuffer, calls)
		for _, tc := range calls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			l.emitEvent(msg, domain.StreamToolStart, string(argsJSON), tc.Name)

			result := l.runTool(ctx, tc)
			messages = AddToolResult(messages, tc.ID, tc.Name, result)
			l.emitEvent(msg, domain.StreamToolResult, result, tc.Name)
		}
	}

	answer := fullContent.String()
	if answer == "" {
		answer = "Processing complete."
	}
	l.persistTurn(ctx, sess, msg.Content, answer)

	l.emitEvent(msg, domain.StreamDone, answer, "")
	return nil
}

// streamOnce performs a single streaming LLM call, emitting delta events and
// accumulating tool-call fragments. Returns the text produced this round and
// the assembled tool calls, if any.
func (l *Loop) streamOnce(ctx context.Context, sp domain.StreamingProvider, msg domain.InboundMessage, messages []domain.Message, toolDefs []domain.ToolDefinition, fullContent *strings.Builder) (string, []domain.ToolCall, error) {
	if err := l.rateLimiter.Wait(ctx); err != nil {
		return "", nil, fmt.Errorf("rate limit: %w", err)
	}

	chunks := make(chan domain.StreamChunk, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- sp.ChatStream(ctx, domain.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			Model:       l.model,
			MaxTokens:   defaultLLMMaxTokens,
			Temperature: defaultTemperature,
		}, chunks)
		close(chunks)
	}()

	var textBuffer strings.Builder
	pending := make(map[int]*pendingCall)

	for chunk := range chunks {
		switch {
		case chunk.IsToolCall:
			p, ok := pending[chunk.ToolCallIndex]
			if !ok {
				p = &pendingCall{}
				pending[chunk.ToolCallIndex] = p
			}
			if chunk.ToolCallID != "" {
				p.id = chunk.ToolCallID
			}
			if chunk.ToolName != "" {
				p.name = chunk.ToolName
			}
			p.args.WriteString(chunk.ArgumentsDelta)
		case chunk.Delta != "":
			textBuffer.WriteString(chunk.Delta)
			fullContent.WriteString(chunk.Delta)
			l.emitEvent(msg, domain.StreamDelta, chunk.Delta, "")
		}
	}

	// ChatStream's return value is only visible once the goroutine has
	// closed the channel, so this receive cannot block forever.
	if err := <-errCh; err != nil {
		return "", nil, err
	}
	return textBuffer.String(), assembleCalls(pending), nil
}

func (l *Loop) emitEvent(msg domain.InboundMessage, typ domain.StreamEventType, data, toolName string) {
	l.bus.PublishStreamEvent(domain.StreamEvent{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Type:     typ,
		Data:     data,
		ToolName: toolName,
	})
}
