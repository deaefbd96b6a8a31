package bus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"databot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPublishInbound_FIFO(t *testing.T) {
	b := New(Config{InboundCapacity: 10, Logger: testLogger()})

	for i := 0; i < 3; i++ {
		b.PublishInbound(domain.InboundMessage{Channel: "cli", ChatID: "direct", Content: fmt.Sprintf("m%d", i)})
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("consume %d: bus closed unexpectedly", i)
		}
		if want := fmt.Sprintf("m%d", i); msg.Content != want {
			t.Fatalf("expected %q, got %q", want, msg.Content)
		}
	}
}

func TestPublishInbound_DropOldestOnOverflow(t *testing.T) {
	const capacity = 4
	b := New(Config{InboundCapacity: capacity, Logger: testLogger()})

	for i := 0; i < 10; i++ {
		b.PublishInbound(domain.InboundMessage{Content: fmt.Sprintf("m%d", i)})
	}

	// The queue holds at most capacity messages, and they are the most
	// recently published ones.
	ctx := context.Background()
	var got []string
	for i := 0; i < capacity; i++ {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			t.Fatal("bus closed unexpectedly")
		}
		got = append(got, msg.Content)
	}
	want := []string{"m6", "m7", "m8", "m9"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	// Nothing else should be queued.
	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, ok := b.ConsumeInbound(cctx); ok {
		t.Fatal("expected empty queue after draining capacity messages")
	}
}

func TestConsumeInbound_ContextCancel(t *testing.T) {
	b := New(Config{Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("expected ok=false on cancelled context")
	}
}

func TestConsumeInbound_Closed(t *testing.T) {
	b := New(Config{Logger: testLogger()})
	b.PublishInbound(domain.InboundMessage{Content: "last"})
	b.Close()

	ctx := context.Background()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok || msg.Content != "last" {
		t.Fatalf("expected queued message after close, got ok=%v msg=%q", ok, msg.Content)
	}
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("expected ok=false once closed bus is drained")
	}
}

func TestPublishOutbound_FanOutIsolation(t *testing.T) {
	b := New(Config{Logger: testLogger()})

	var calls atomic.Int64
	b.OnOutbound(func(msg domain.OutboundMessage) { calls.Add(1) })
	b.OnOutbound(func(msg domain.OutboundMessage) { panic("handler blew up") })
	b.OnOutbound(func(msg domain.OutboundMessage) { calls.Add(1) })

	// Must return normally despite the panicking handler.
	b.PublishOutbound(context.Background(), domain.OutboundMessage{Channel: "cli", Content: "hi"})

	if calls.Load() != 2 {
		t.Fatalf("expected both healthy handlers to run, got %d", calls.Load())
	}
}

func TestPublishOutbound_HandlersRunOncePerMessage(t *testing.T) {
	b := New(Config{Logger: testLogger()})

	var mu sync.Mutex
	counts := map[string]int{}
	b.OnOutbound(func(msg domain.OutboundMessage) {
		mu.Lock()
		counts[msg.Content]++
		mu.Unlock()
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.PublishOutbound(ctx, domain.OutboundMessage{Content: fmt.Sprintf("m%d", i)})
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 5; i++ {
		if counts[fmt.Sprintf("m%d", i)] != 1 {
			t.Fatalf("expected exactly one delivery per message, got %v", counts)
		}
	}
}

func TestConsumeOutbound(t *testing.T) {
	b := New(Config{Logger: testLogger()})
	ctx := context.Background()

	b.PublishOutbound(ctx, domain.OutboundMessage{Channel: "cli", ChatID: "direct", Content: "answer"})

	msg, ok := b.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("expected outbound message")
	}
	if msg.Content != "answer" {
		t.Fatalf("expected 'answer', got %q", msg.Content)
	}
}

func TestPublishStreamEvent_FanOutIsolation(t *testing.T) {
	b := New(Config{Logger: testLogger()})

	var got atomic.Int64
	b.OnStream(func(evt domain.StreamEvent) { panic("bad subscriber") })
	b.OnStream(func(evt domain.StreamEvent) {
		if evt.Type == domain.StreamDelta {
			got.Add(1)
		}
	})

	b.PublishStreamEvent(domain.StreamEvent{Type: domain.StreamDelta, Data: "tok"})
	b.PublishStreamEvent(domain.StreamEvent{Type: domain.StreamDone})

	if got.Load() != 1 {
		t.Fatalf("expected healthy subscriber to see 1 delta, got %d", got.Load())
	}
}

func TestPublishStreamEvent_PreservesOrder(t *testing.T) {
	b := New(Config{Logger: testLogger()})

	var mu sync.Mutex
	var seen []string
	b.OnStream(func(evt domain.StreamEvent) {
		mu.Lock()
		seen = append(seen, evt.Data)
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		b.PublishStreamEvent(domain.StreamEvent{Type: domain.StreamDelta, Data: fmt.Sprintf("d%d", i)})
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 20; i++ {
		if seen[i] != fmt.Sprintf("d%d", i) {
			t.Fatalf("delta order broken at %d: %v", i, seen)
		}
	}
}
