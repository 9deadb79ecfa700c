package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MessageBus decouples channel adapters from the gateway.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
	logger      *zap.Logger
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
		logger:      zap.NewNop(),
	}
}

func (b *MessageBus) SetLogger(logger *zap.Logger) {
	if logger != nil {
		b.logger = logger.Named("bus")
	}
}

// SubscribeOutbound registers the sender for one channel name. A later call
// for the same name replaces the earlier one.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = fn
}

// DispatchOutbound routes outbound messages to their channel until ctx ends.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn, ok := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if !ok {
				b.logger.Warn("no subscriber for outbound message", zap.String("channel", msg.Channel))
				continue
			}
			fn(msg)
		}
	}
}
