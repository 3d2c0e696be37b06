package bus

import (
	"context"
	"log/slog"
	"sync"
)

// MessageBus is a hub-and-spoke message bus using Go channels.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	subs     map[string][]func(OutboundMessage) // channel name -> subscribers
	mu       sync.RWMutex
	bufSize  int

	closeMu sync.RWMutex
	closed  bool
}

// NewMessageBus creates a new MessageBus with the given buffer size.
// If bufSize is 0, defaults to 100.
func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, bufSize),
		outbound: make(chan OutboundMessage, bufSize),
		subs:     make(map[string][]func(OutboundMessage)),
		bufSize:  bufSize,
	}
}

// PublishInbound sends an inbound message onto the bus.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// PublishOutbound sends an outbound message onto the bus. After Close the
// message is dropped.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		slog.Warn("bus closed, dropping message", "channel", msg.Channel, "type", msg.Type)
		return
	}
	b.outbound <- msg
}

// TryPublishOutbound queues msg unless the outbound buffer is full, in which
// case the message is dropped and false is returned. Game sessions use it so
// a stalled channel never holds up settlement.
func (b *MessageBus) TryPublishOutbound(msg OutboundMessage) bool {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		slog.Warn("bus closed, dropping message", "channel", msg.Channel, "type", msg.Type)
		return false
	}
	select {
	case b.outbound <- msg:
		return true
	default:
		slog.Warn("outbound buffer full, dropping message", "channel", msg.Channel, "type", msg.Type)
		return false
	}
}

// ConsumeInbound blocks until an inbound message is available or ctx is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return InboundMessage{}, ctx.Err()
	}
}

// Subscribe registers fn to receive outbound messages for the given channel.
// An empty channel string subscribes to ALL channels.
func (b *MessageBus) Subscribe(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], fn)
}

// DispatchOutbound runs in a goroutine, reading outbound messages and
// delivering them to matching subscribers. Returns when ctx is cancelled
// or the outbound channel is closed.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg, ok := <-b.outbound:
			if !ok {
				return
			}
			b.dispatch(msg)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch delivers msg to all matching subscribers (channel-specific + wildcard).
func (b *MessageBus) dispatch(msg OutboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// channel-specific subscribers
	for _, fn := range b.subs[msg.Channel] {
		fn(msg)
	}
	// wildcard subscribers (empty string = all channels)
	for _, fn := range b.subs[""] {
		fn(msg)
	}
}

// Close stops accepting outbound messages. DispatchOutbound delivers what is
// still buffered and then returns. Close is idempotent.
func (b *MessageBus) Close() {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.outbound)
}
