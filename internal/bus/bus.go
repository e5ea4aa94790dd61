package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("bus closed")

const defaultBuffer = 256

// MessageBus is the in-process MessageRouter: two buffered queues.
// Publishers block when a queue is full, which backpressures the adapters.
type MessageBus struct {
	inbound  chan InboundMessage
	receipts chan Receipt
	closed   bool
	mu       sync.RWMutex
}

func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultBuffer),
		receipts: make(chan Receipt, defaultBuffer),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrClosed
	}
	select {
	case mb.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishReceipt(ctx context.Context, r Receipt) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrClosed
	}
	select {
	case mb.receipts <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mb *MessageBus) Receipts() <-chan Receipt { return mb.receipts }

// Close stops accepting messages and closes both queues.
func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.receipts)
}
