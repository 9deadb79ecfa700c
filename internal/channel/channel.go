// Package channel adapts chat platforms to the message bus and exposes the
// platform operations moderation and engagement need.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/qooode/solbot/internal/bus"
)

var (
	// ErrUnsupported means the platform cannot perform the action.
	ErrUnsupported = errors.New("action not supported by channel")
	// ErrNotFound means a message or user lookup found nothing.
	ErrNotFound = errors.New("not found")
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// Actions are the platform operations beyond delivering a bus message. Every
// channel the gateway serves implements them.
type Actions interface {
	Post(ctx context.Context, chatID, text string) (messageID string, err error)
	Reply(ctx context.Context, chatID, replyToID, text string) (messageID string, err error)
	Delete(ctx context.Context, chatID, messageID string) error
	Timeout(ctx context.Context, chatID, userID string, d time.Duration, reason string) error
	Typing(ctx context.Context, chatID string) error
	// ReplyAuthor returns the author of a message the channel has seen.
	ReplyAuthor(ctx context.Context, chatID, messageID string) (id, name string, err error)
	// Self is the bot's own id and display name on the platform.
	Self() (id, name string)
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = struct{}{}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed is true for everyone when no allow list is configured.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	_, ok := c.allowFrom[senderID]
	return ok
}

// publish hands msg to the gateway unless ctx ends first.
func (c *BaseChannel) publish(ctx context.Context, msg bus.InboundMessage) bool {
	select {
	case c.bus.Inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
