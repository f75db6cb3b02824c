package channels

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"larkgate/pkg/bus"
)

// Channel is what the Manager drives. Send is best effort: per-item delivery
// failures are logged by the channel, not returned.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
	HealthCheck(ctx context.Context) error
}

type BaseChannel struct {
	config    interface{}
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList map[string]struct{}
}

func NewBaseChannel(name string, config interface{}, messageBus *bus.MessageBus, allowList []string) *BaseChannel {
	allowed := make(map[string]struct{}, len(allowList))
	for _, id := range allowList {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = struct{}{}
		}
	}
	return &BaseChannel{
		config:    config,
		bus:       messageBus,
		name:      name,
		allowList: allowed,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}

// IsAllowed reports whether senderID may talk to the channel. An empty allow
// list lets everyone through.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	_, ok := c.allowList[strings.TrimSpace(senderID)]
	return ok
}

func (c *BaseChannel) HealthCheck(ctx context.Context) error {
	if !c.IsRunning() {
		return fmt.Errorf("%s channel not running", c.name)
	}
	return nil
}

// HandleMessage publishes one inbound message to the bus. Messages from
// senders outside the allow list are dropped silently.
func (c *BaseChannel) HandleMessage(ctx context.Context, senderID, chatID, content string, media []string, metadata map[string]string) error {
	if !c.IsAllowed(senderID) {
		return nil
	}

	msg := bus.InboundMessage{
		Channel:    c.name,
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		Media:      media,
		SessionKey: fmt.Sprintf("%s:%s", c.name, chatID),
		Metadata:   metadata,
	}
	return c.bus.PublishInbound(ctx, msg)
}
