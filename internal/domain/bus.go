package domain

import "context"

// MessageBus decouples message producers (channels) from the agent loop.
// Inbound delivery is FIFO with drop-oldest backpressure; outbound delivery
// blocks when the queue is full and fans out to registered handlers.
type MessageBus interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(ctx context.Context, msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
	PublishStreamEvent(event StreamEvent)
	OnOutbound(handler func(OutboundMessage))
	OnStream(handler func(StreamEvent))
	Close()
}
