package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"larkgate/pkg/logger"
)

var (
	ErrBusClosed = errors.New("message bus closed")
	ErrQueueFull = errors.New("message bus queue full")
)

const (
	defaultQueueSize  = 100
	queueWriteTimeout = 2 * time.Second
)

type MessageBus struct {
	inbound   chan InboundMessage
	outbound  chan OutboundMessage
	handlers  map[string]MessageHandler
	mu        sync.RWMutex
	stateMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewMessageBus() *MessageBus {
	return NewMessageBusWithSize(defaultQueueSize)
}

func NewMessageBusWithSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		handlers: make(map[string]MessageHandler),
	}
}

// PublishInbound enqueues msg for the downstream consumer. It waits at most
// queueWriteTimeout for room before giving up with ErrQueueFull.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	err := publish(ctx, mb, mb.inbound, msg)
	if err != nil {
		logger.WarnCF("bus", "PublishInbound dropped message", map[string]interface{}{
			logger.FieldChannel: msg.Channel,
			logger.FieldChatID:  msg.ChatID,
			"session_key":       msg.SessionKey,
			logger.FieldError:   err.Error(),
		})
	}
	return err
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	err := publish(ctx, mb, mb.outbound, msg)
	if err != nil {
		logger.WarnCF("bus", "PublishOutbound dropped message", map[string]interface{}{
			logger.FieldChannel: msg.Channel,
			logger.FieldChatID:  msg.ChatID,
			logger.FieldError:   err.Error(),
		})
	}
	return err
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		return msg, ok
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// publish holds the read lock for the whole send so Close cannot close the
// channel underneath a pending write.
func publish[T any](ctx context.Context, mb *MessageBus, ch chan T, msg T) error {
	mb.stateMu.RLock()
	defer mb.stateMu.RUnlock()
	if mb.closed {
		return ErrBusClosed
	}

	timer := time.NewTimer(queueWriteTimeout)
	defer timer.Stop()

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrQueueFull
	}
}

func (mb *MessageBus) RegisterHandler(channel string, handler MessageHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[channel] = handler
}

func (mb *MessageBus) GetHandler(channel string) (MessageHandler, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	handler, ok := mb.handlers[channel]
	return handler, ok
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.stateMu.Lock()
		mb.closed = true
		close(mb.inbound)
		close(mb.outbound)
		mb.stateMu.Unlock()
	})
}
