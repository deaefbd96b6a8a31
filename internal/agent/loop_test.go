package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"databot/internal/bus"
	"databot/internal/domain"
	"databot/internal/session"
	"databot/internal/tool"
)

// memStore is an in-memory SessionStore for loop tests.
type memStore struct {
	mu   sync.Mutex
	data map[string][]domain.Message
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]domain.Message)}
}

func (s *memStore) GetHistory(ctx context.Context, key string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.data[key]...), nil
}

func (s *memStore) SaveHistory(ctx context.Context, key string, history []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]domain.Message(nil), history...)
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) ListKeys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *memStore) Close() error { return nil }

// scriptedProvider returns canned responses in order and records requests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	err       error
	requests  []domain.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "test-model" }

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// scriptedStreamProvider replays chunk sequences, one per ChatStream call.
type scriptedStreamProvider struct {
	scriptedProvider
	rounds    [][]domain.StreamChunk
	streamErr error
}

func (p *scriptedStreamProvider) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamChunk) error {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if p.streamErr != nil {
		p.mu.Unlock()
		return p.streamErr
	}
	if len(p.rounds) == 0 {
		p.mu.Unlock()
		return errors.New("stream script exhausted")
	}
	round := p.rounds[0]
	p.rounds = p.rounds[1:]
	p.mu.Unlock()

	for _, chunk := range round {
		out <- chunk
	}
	return nil
}

// echoTool records its invocations and returns a fixed result.
type echoTool struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (t *echoTool) Name() string                   { return "echo" }
func (t *echoTool) Description() string            { return "echoes" }
func (t *echoTool) Parameters() map[string]any     { return map[string]any{"type": "object"} }
func (t *echoTool) callCount() int                 { t.mu.Lock(); defer t.mu.Unlock(); return len(t.calls) }
func (t *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, args)
	t.mu.Unlock()
	return fmt.Sprintf("echoed %v", args["text"]), nil
}

type loopFixture struct {
	loop  *Loop
	bus   *bus.Bus
	prov  domain.Provider
	tool  *echoTool
	store *memStore
}

func newLoopFixture(t *testing.T, provider domain.Provider, cfg LoopConfig) *loopFixture {
	t.Helper()
	store := newMemStore()
	sessions := session.NewManager(session.ManagerConfig{Store: store})
	registry := tool.NewRegistry(tool.RegistryConfig{})
	echo := &echoTool{}
	registry.Register(echo)

	b := bus.New(bus.Config{InboundCapacity: 16, OutboundCapacity: 16})
	t.Cleanup(b.Close)

	cfg.Bus = b
	cfg.Provider = provider
	cfg.Tools = registry
	cfg.Sessions = sessions
	cfg.Context = NewContextBuilder("/tmp/workspace", nil, "")
	fix := &loopFixture{
		loop:  NewLoop(cfg),
		bus:   b,
		prov:  provider,
		tool:  echo,
		store: store,
	}
	return fix
}

func inbound(content string) domain.InboundMessage {
	return domain.InboundMessage{
		Channel:   "cli",
		SenderID:  "user",
		ChatID:    "direct",
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestProcessMessageSimpleAnswer(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{Content: "4", FinishReason: "stop"},
	}}
	fix := newLoopFixture(t, prov, LoopConfig{})

	out, err := fix.loop.ProcessMessage(context.Background(), inbound("what is 2+2"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Content != "4" {
		t.Fatalf("unexpected answer: %q", out.Content)
	}
	if out.Channel != "cli" || out.ChatID != "direct" {
		t.Fatalf("reply misaddressed: %+v", out)
	}

	history, _ := fix.store.GetHistory(context.Background(), "cli:direct")
	if len(history) != 2 {
		t.Fatalf("expected 2 persisted turns, got %d", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Fatalf("unexpected roles: %s, %s", history[0].Role, history[1].Role)
	}
}

func TestProcessMessageToolRound(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
		}},
		{Content: "the tool said hi"},
	}}
	fix := newLoopFixture(t, prov, LoopConfig{})

	out, err := fix.loop.ProcessMessage(context.Background(), inbound("run echo"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Content != "the tool said hi" {
		t.Fatalf("unexpected answer: %q", out.Content)
	}
	if fix.tool.callCount() != 1 {
		t.Fatalf("tool executed %d times, want 1", fix.tool.callCount())
	}

	// Second request must carry the assistant tool-call turn and the result.
	second := prov.requests[1].Messages
	var sawAssistant, sawResult bool
	for _, m := range second {
		if m.Role == "assistant" && len(m.ToolCalls) == 1 {
			sawAssistant = true
		}
		if m.Role == "tool" && m.ToolCallID == "call_1" && strings.Contains(m.Content, "echoed hi") {
			sawResult = true
		}
	}
	if !sawAssistant || !sawResult {
		t.Fatalf("tool exchange missing from second request (assistant=%v result=%v)", sawAssistant, sawResult)
	}
}

func TestProcessMessageUnknownToolContinues(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "bogus", Arguments: map[string]any{}},
		}},
		{Content: "recovered"},
	}}
	fix := newLoopFixture(t, prov, LoopConfig{})

	out, err := fix.loop.ProcessMessage(context.Background(), inbound("use bogus"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Content != "recovered" {
		t.Fatalf("unexpected answer: %q", out.Content)
	}

	second := prov.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "Error: Unknown tool 'bogus'" {
		t.Fatalf("expected unknown-tool result fed back, got %+v", last)
	}
}

func TestProcessMessageIterationCeiling(t *testing.T) {
	// Provider never stops asking for tools.
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "a"}}}},
		{ToolCalls: []domain.ToolCall{{ID: "c2", Name: "echo", Arguments: map[string]any{"text": "b"}}}},
		{ToolCalls: []domain.ToolCall{{ID: "c3", Name: "echo", Arguments: map[string]any{"text": "c"}}}},
	}}
	fix := newLoopFixture(t, prov, LoopConfig{MaxIterations: 3})

	out, err := fix.loop.ProcessMessage(context.Background(), inbound("loop forever"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Content != noFinalResponse {
		t.Fatalf("expected ceiling fallback, got %q", out.Content)
	}
	if prov.requestCount() != 3 {
		t.Fatalf("expected 3 LLM calls, got %d", prov.requestCount())
	}
}

func TestApprovalRejectionSkipsExecution(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
		}},
		{Content: "done"},
	}}
	fix := newLoopFixture(t, prov, LoopConfig{ApprovalRequired: []string{"echo"}})
	fix.loop.SetApprovalCallback(func(ctx context.Context, name string, args map[string]any) (bool, error) {
		return false, nil
	})

	out, err := fix.loop.ProcessMessage(context.Background(), inbound("run echo"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Content != "done" {
		t.Fatalf("unexpected answer: %q", out.Content)
	}
	if fix.tool.callCount() != 0 {
		t.Fatal("rejected tool must not execute")
	}

	second := prov.requests[1].Messages
	last := second[len(second)-1]
	if last.Content != "Tool 'echo' was rejected by the user." {
		t.Fatalf("expected rejection result, got %q", last.Content)
	}
}

func TestApprovalWithoutCallbackAutoApproves(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
		}},
		{Content: "done"},
	}}
	fix := newLoopFixture(t, prov, LoopConfig{ApprovalRequired: []string{"echo"}})

	if _, err := fix.loop.ProcessMessage(context.Background(), inbound("run echo")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if fix.tool.callCount() != 1 {
		t.Fatal("expected auto-approval without a registered callback")
	}
}

func TestLoopHonorsConfiguredRateLimit(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
		}},
		{Content: "done"},
	}}
	// Burst of one forces the second LLM call through the refill path.
	fix := newLoopFixture(t, prov, LoopConfig{
		RateLimitBurst:     1,
		RateLimitPerMinute: 6000,
	})

	start := time.Now()
	out, err := fix.loop.ProcessMessage(context.Background(), inbound("run echo"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Content != "done" {
		t.Fatalf("unexpected answer: %q", out.Content)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Fatalf("second call was not throttled, finished in %v", elapsed)
	}
}

func TestApprovalDenyModeRejectsWithoutCallback(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
		}},
		{Content: "done"},
	}}
	fix := newLoopFixture(t, prov, LoopConfig{
		ApprovalRequired: []string{"echo"},
		ApprovalMode:     ApprovalModeDeny,
	})

	if _, err := fix.loop.ProcessMessage(context.Background(), inbound("run echo")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if fix.tool.callCount() != 0 {
		t.Fatal("deny mode must not execute a gated tool without approval")
	}

	second := prov.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "Tool 'echo' was rejected by the user." {
		t.Fatalf("expected rejection result fed back, got %+v", last)
	}
}

func TestApprovalDenyModeStillAsksCallback(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
		}},
		{Content: "done"},
	}}
	fix := newLoopFixture(t, prov, LoopConfig{
		ApprovalRequired: []string{"echo"},
		ApprovalMode:     ApprovalModeDeny,
	})
	fix.loop.SetApprovalCallback(func(ctx context.Context, name string, args map[string]any) (bool, error) {
		return true, nil
	})

	if _, err := fix.loop.ProcessMessage(context.Background(), inbound("run echo")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if fix.tool.callCount() != 1 {
		t.Fatal("a registered callback's approval must win over deny mode")
	}
}

func TestApprovalCallbackErrorAutoApproves(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
		}},
		{Content: "done"},
	}}
	fix := newLoopFixture(t, prov, LoopConfig{ApprovalRequired: []string{"echo"}})
	fix.loop.SetApprovalCallback(func(ctx context.Context, name string, args map[string]any) (bool, error) {
		return false, errors.New("approval channel down")
	})

	if _, err := fix.loop.ProcessMessage(context.Background(), inbound("run echo")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if fix.tool.callCount() != 1 {
		t.Fatal("a failing approval callback must not block execution")
	}
}

func TestEnricherPrependsContext(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{{Content: "ok"}}}
	fix := newLoopFixture(t, prov, LoopConfig{Enricher: enricherFunc(func(ctx context.Context, q string) (string, error) {
		return "Relevant docs: pipeline X runs at 02:00", nil
	})})

	if _, err := fix.loop.ProcessMessage(context.Background(), inbound("when does pipeline X run?")); err != nil {
		t.Fatalf("process: %v", err)
	}
	msgs := prov.requests[0].Messages
	userTurn := msgs[len(msgs)-1]
	if !strings.HasPrefix(userTurn.Content, "Relevant docs:") {
		t.Fatalf("enrichment missing: %q", userTurn.Content)
	}
	if !strings.Contains(userTurn.Content, "when does pipeline X run?") {
		t.Fatalf("original text lost: %q", userTurn.Content)
	}
}

func TestEnricherFailureIsIgnored(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{{Content: "ok"}}}
	fix := newLoopFixture(t, prov, LoopConfig{Enricher: enricherFunc(func(ctx context.Context, q string) (string, error) {
		return "", errors.New("vector store offline")
	})})

	if _, err := fix.loop.ProcessMessage(context.Background(), inbound("hello")); err != nil {
		t.Fatalf("enricher failure must be best-effort: %v", err)
	}
	msgs := prov.requests[0].Messages
	if msgs[len(msgs)-1].Content != "hello" {
		t.Fatalf("user text altered: %q", msgs[len(msgs)-1].Content)
	}
}

type enricherFunc func(ctx context.Context, query string) (string, error)

func (f enricherFunc) Enrich(ctx context.Context, query string) (string, error) { return f(ctx, query) }

func TestRunSanitizesInternalErrors(t *testing.T) {
	prov := &scriptedProvider{err: errors.New("api key expired: sk-secret")}
	fix := newLoopFixture(t, prov, LoopConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fix.loop.Run(ctx)

	fix.bus.PublishInbound(inbound("hello"))

	out, ok := fix.bus.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("expected an outbound reply")
	}
	if out.Content != sanitizedError {
		t.Fatalf("unexpected reply: %q", out.Content)
	}
	if strings.Contains(out.Content, "sk-secret") {
		t.Fatal("internal error details leaked to channel")
	}
}

func collectStreamEvents(b *bus.Bus) func() []domain.StreamEvent {
	var mu sync.Mutex
	var events []domain.StreamEvent
	b.OnStream(func(evt domain.StreamEvent) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	})
	return func() []domain.StreamEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.StreamEvent(nil), events...)
	}
}

func TestStreamDeltasAndDone(t *testing.T) {
	prov := &scriptedStreamProvider{rounds: [][]domain.StreamChunk{
		{
			{Delta: "All "},
			{Delta: "pipelines "},
			{Delta: "green."},
			{FinishReason: "stop"},
		},
	}}
	fix := newLoopFixture(t, prov, LoopConfig{})
	events := collectStreamEvents(fix.bus)

	msg := inbound("status?")
	msg.Stream = true
	if err := fix.loop.ProcessMessageStream(context.Background(), msg); err != nil {
		t.Fatalf("stream: %v", err)
	}

	got := events()
	var deltas []string
	doneCount := 0
	for _, evt := range got {
		switch evt.Type {
		case domain.StreamDelta:
			deltas = append(deltas, evt.Data)
		case domain.StreamDone:
			doneCount++
			if evt.Data != "All pipelines green." {
				t.Fatalf("done event carries %q", evt.Data)
			}
		case domain.StreamError:
			t.Fatalf("unexpected error event: %+v", evt)
		}
	}
	if strings.Join(deltas, "") != "All pipelines green." {
		t.Fatalf("deltas out of order or missing: %v", deltas)
	}
	if doneCount != 1 {
		t.Fatalf("expected exactly one done event, got %d", doneCount)
	}

	history, _ := fix.store.GetHistory(context.Background(), "cli:direct")
	if len(history) != 2 || history[1].Content != "All pipelines green." {
		t.Fatalf("streamed answer not persisted: %+v", history)
	}
}

func TestStreamAccumulatesFragmentedToolCalls(t *testing.T) {
	// Arguments for one call arrive as partial JSON across several chunks;
	// a second call interleaves on a different index.
	prov := &scriptedStreamProvider{rounds: [][]domain.StreamChunk{
		{
			{IsToolCall: true, ToolCallIndex: 0, ToolCallID: "c0", ToolName: "echo", ArgumentsDelta: `{"te`},
			{IsToolCall: true, ToolCallIndex: 1, ToolCallID: "c1", ToolName: "echo", ArgumentsDelta: `{"text":`},
			{IsToolCall: true, ToolCallIndex: 0, ArgumentsDelta: `xt":"first"}`},
			{IsToolCall: true, ToolCallIndex: 1, ArgumentsDelta: `"second"}`},
			{FinishReason: "tool_calls"},
		},
		{
			{Delta: "both ran"},
			{FinishReason: "stop"},
		},
	}}
	fix := newLoopFixture(t, prov, LoopConfig{})
	events := collectStreamEvents(fix.bus)

	msg := inbound("run both")
	msg.Stream = true
	if err := fix.loop.ProcessMessageStream(context.Background(), msg); err != nil {
		t.Fatalf("stream: %v", err)
	}

	if fix.tool.callCount() != 2 {
		t.Fatalf("expected 2 tool executions, got %d", fix.tool.callCount())
	}
	if got := fix.tool.calls[0]["text"]; got != "first" {
		t.Fatalf("fragment accumulation broke call 0: %v", got)
	}
	if got := fix.tool.calls[1]["text"]; got != "second" {
		t.Fatalf("fragment accumulation broke call 1: %v", got)
	}

	var starts, results int
	for _, evt := range events() {
		switch evt.Type {
		case domain.StreamToolStart:
			starts++
		case domain.StreamToolResult:
			results++
		}
	}
	if starts != 2 || results != 2 {
		t.Fatalf("expected 2 tool_start and 2 tool_result events, got %d/%d", starts, results)
	}
}

func TestStreamMalformedArgumentsWrappedAsRaw(t *testing.T) {
	prov := &scriptedStreamProvider{rounds: [][]domain.StreamChunk{
		{
			{IsToolCall: true, ToolCallIndex: 0, ToolCallID: "c0", ToolName: "echo", ArgumentsDelta: `not json at all`},
			{FinishReason: "tool_calls"},
		},
		{
			{Delta: "ok"},
		},
	}}
	fix := newLoopFixture(t, prov, LoopConfig{})

	msg := inbound("go")
	msg.Stream = true
	if err := fix.loop.ProcessMessageStream(context.Background(), msg); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if fix.tool.callCount() != 1 {
		t.Fatalf("tool not executed")
	}
	if got := fix.tool.calls[0]["raw"]; got != "not json at all" {
		t.Fatalf("malformed arguments not wrapped: %v", fix.tool.calls[0])
	}
}

func TestStreamProviderErrorEmitsSingleErrorEvent(t *testing.T) {
	prov := &scriptedStreamProvider{streamErr: errors.New("connection reset")}
	fix := newLoopFixture(t, prov, LoopConfig{})
	events := collectStreamEvents(fix.bus)

	msg := inbound("hello")
	msg.Stream = true
	if err := fix.loop.ProcessMessageStream(context.Background(), msg); err == nil {
		t.Fatal("expected stream error")
	}

	var errCount, doneCount int
	for _, evt := range events() {
		switch evt.Type {
		case domain.StreamError:
			errCount++
			if strings.Contains(evt.Data, "connection reset") {
				t.Fatal("internal error details leaked into stream")
			}
		case domain.StreamDone:
			doneCount++
		}
	}
	if errCount != 1 || doneCount != 0 {
		t.Fatalf("expected exactly one error and no done, got error=%d done=%d", errCount, doneCount)
	}
}

func TestStreamFallbackForNonStreamingProvider(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{{Content: "plain answer"}}}
	fix := newLoopFixture(t, prov, LoopConfig{})
	events := collectStreamEvents(fix.bus)

	msg := inbound("hello")
	msg.Stream = true
	if err := fix.loop.ProcessMessageStream(context.Background(), msg); err != nil {
		t.Fatalf("stream fallback: %v", err)
	}

	got := events()
	if len(got) != 1 || got[0].Type != domain.StreamDone || got[0].Data != "plain answer" {
		t.Fatalf("expected a single done event with the answer, got %+v", got)
	}
}

func TestProcessDirect(t *testing.T) {
	prov := &scriptedProvider{responses: []*domain.ChatResponse{{Content: "hi there"}}}
	fix := newLoopFixture(t, prov, LoopConfig{})

	got, err := fix.loop.ProcessDirect(context.Background(), "hi", "cli", "direct")
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if got != "hi there" {
		t.Fatalf("unexpected reply: %q", got)
	}
}
