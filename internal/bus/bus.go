// Package bus provides the in-process message bus that decouples channel
// producers from the agent loop through bounded queues with fan-out
// delivery for outbound messages and stream events.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"databot/internal/domain"
	"databot/internal/metrics"
)

const (
	defaultInboundCapacity  = 1000
	defaultOutboundCapacity = 1000
)

// Bus is a Go-channel based message bus for in-process communication.
//
// The inbound queue applies a drop-oldest policy on overflow: under
// sustained overload a stale request is worth less than a fresh one.
// The outbound queue blocks instead; outbound messages are committed
// answers and must not be silently lost.
type Bus struct {
	inbound  chan domain.InboundMessage
	outbound chan domain.OutboundMessage

	mu              sync.RWMutex
	outboundHandler []func(domain.OutboundMessage)
	streamHandler   []func(domain.StreamEvent)
	closed          bool

	logger       *slog.Logger
	inboundDrops *metrics.Counter
}

// Config holds bus tuning parameters.
type Config struct {
	InboundCapacity  int
	OutboundCapacity int
	Logger           *slog.Logger
	Collector        *metrics.Collector
}

// New creates a bus with bounded inbound and outbound queues.
func New(cfg Config) *Bus {
	if cfg.InboundCapacity <= 0 {
		cfg.InboundCapacity = defaultInboundCapacity
	}
	if cfg.OutboundCapacity <= 0 {
		cfg.OutboundCapacity = defaultOutboundCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Bus{
		inbound:  make(chan domain.InboundMessage, cfg.InboundCapacity),
		outbound: make(chan domain.OutboundMessage, cfg.OutboundCapacity),
		logger:   cfg.Logger,
	}
	if cfg.Collector != nil {
		b.inboundDrops = cfg.Collector.Counter(
			"databot_inbound_drops_total", "Inbound messages dropped under overload")
	}
	return b
}

// PublishInbound enqueues an inbound message. When the queue is full the
// single oldest queued message is discarded to make room for the new one.
func (b *Bus) PublishInbound(msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Warn("publish to closed bus dropped", "channel", msg.Channel)
		return
	}

	for {
		select {
		case b.inbound <- msg:
			return
		default:
		}
		select {
		case dropped := <-b.inbound:
			b.logger.Warn("inbound queue full, dropping oldest message",
				"dropped_channel", dropped.Channel,
				"dropped_chat", dropped.ChatID,
			)
			if b.inboundDrops != nil {
				b.inboundDrops.Inc()
			}
		default:
			// Raced with a consumer; queue has room again.
		}
	}
}

// ConsumeInbound blocks until a message is available, the bus is closed, or
// ctx is cancelled. The second return is false when no message was read.
func (b *Bus) ConsumeInbound(ctx context.Context) (domain.InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return domain.InboundMessage{}, false
	case msg, ok := <-b.inbound:
		return msg, ok
	}
}

// PublishOutbound enqueues the message (blocking when the queue is full)
// and then fans it out to every registered outbound handler. Handlers run
// concurrently; a panicking handler is logged and isolated, it neither
// stops the other handlers nor propagates to the caller.
func (b *Bus) PublishOutbound(ctx context.Context, msg domain.OutboundMessage) {
	select {
	case b.outbound <- msg:
	case <-ctx.Done():
		b.logger.Warn("outbound publish cancelled", "channel", msg.Channel, "chat", msg.ChatID)
		return
	}

	b.mu.RLock()
	handlers := make([]func(domain.OutboundMessage), len(b.outboundHandler))
	copy(handlers, b.outboundHandler)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(idx int, handler func(domain.OutboundMessage)) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("outbound handler failed",
						"handler", idx, "channel", msg.Channel, "panic", r)
				}
			}()
			handler(msg)
		}(i, h)
	}
	wg.Wait()
}

// ConsumeOutbound blocks until an outbound message is available or ctx is
// cancelled. Intended for drain-style consumers that bypass handlers.
func (b *Bus) ConsumeOutbound(ctx context.Context) (domain.OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return domain.OutboundMessage{}, false
	case msg, ok := <-b.outbound:
		return msg, ok
	}
}

// PublishStreamEvent fans the event out to every stream handler with the
// same concurrent, failure-isolated dispatch as outbound messages. Events
// are ephemeral: there is no queue and no replay.
func (b *Bus) PublishStreamEvent(event domain.StreamEvent) {
	b.mu.RLock()
	handlers := make([]func(domain.StreamEvent), len(b.streamHandler))
	copy(handlers, b.streamHandler)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(idx int, handler func(domain.StreamEvent)) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("stream handler failed",
						"handler", idx, "event", string(event.Type), "panic", r)
				}
			}()
			handler(event)
		}(i, h)
	}
	wg.Wait()
}

// OnOutbound registers a handler for outbound messages. Registration is
// append-only; handlers live as long as the process.
func (b *Bus) OnOutbound(handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outboundHandler = append(b.outboundHandler, handler)
}

// OnStream registers a handler for stream events.
func (b *Bus) OnStream(handler func(domain.StreamEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamHandler = append(b.streamHandler, handler)
}

// Close shuts the inbound queue down. Pending messages are still delivered
// to consumers; afterwards ConsumeInbound reports ok=false.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}

var _ domain.MessageBus = (*Bus)(nil)
