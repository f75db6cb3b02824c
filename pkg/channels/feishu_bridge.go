package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"larkgate/pkg/config"
	"larkgate/pkg/lifecycle"
	"larkgate/pkg/logger"
)

const (
	feishuHandoffBuffer = 256
	feishuDedupCapacity = 4096
	feishuMentionAll    = "@_all"
)

var errTransportClosed = errors.New("feishu transport closed")

// FeishuEvent is one received message as delivered by the transport.
// Content is the raw JSON blob for MessageType.
type FeishuEvent struct {
	MessageID   string
	ChatID      string
	ChatType    string
	MessageType string
	Content     string
	SenderID    string
}

type EventHandler func(ctx context.Context, ev *FeishuEvent) error

// Transport is a long-lived connection to the platform. Run blocks until ctx
// is cancelled or the connection fails.
type Transport interface {
	Run(ctx context.Context) error
}

// TransportFactory builds a transport delivering to handler. It is called on
// the goroutine that will run the transport.
type TransportFactory func(cfg config.FeishuConfig, handler EventHandler) (Transport, error)

type feishuInbound struct {
	senderID string
	chatID   string
	content  string
	media    []string
	metadata map[string]string
}

type feishuContent struct {
	Text     string `json:"text"`
	ImageKey string `json:"image_key"`
	FileKey  string `json:"file_key"`
	FileName string `json:"file_name"`
}

// feishuBridge owns the transport goroutine and the handoff to the
// dispatcher. Events leave the transport goroutine in the order its handler
// was called and reach deliver in that same order.
type feishuBridge struct {
	cfg       config.FeishuConfig
	factory   TransportFactory
	transfers *feishuTransfers
	allow     func(senderID string) bool
	deliver   func(ctx context.Context, in feishuInbound) error
	onDown    func(error)

	dispatcher *lifecycle.LoopRunner
	runCancel  cancelGuard
	seen       *messageDeduper

	mu      sync.RWMutex
	runCtx  context.Context
	handoff chan feishuInbound
}

func newFeishuBridge(cfg config.FeishuConfig, factory TransportFactory, transfers *feishuTransfers) *feishuBridge {
	return &feishuBridge{
		cfg:        cfg,
		factory:    factory,
		transfers:  transfers,
		dispatcher: lifecycle.NewLoopRunner("feishu-dispatch"),
		seen:       newMessageDeduper(feishuDedupCapacity),
	}
}

// start launches the dispatcher and the transport goroutine and returns
// without waiting for the connection.
func (b *feishuBridge) start(ctx context.Context) {
	b.stop()

	runCtx, cancel := context.WithCancel(ctx)
	b.runCancel.set(cancel)
	handoff := make(chan feishuInbound, feishuHandoffBuffer)

	b.mu.Lock()
	b.runCtx = runCtx
	b.handoff = handoff
	b.mu.Unlock()

	b.dispatcher.Start(func(stop <-chan struct{}) {
		b.dispatch(runCtx, handoff, stop)
	})

	runChannelTask("feishu", "long connection", func() error {
		return b.run(runCtx)
	}, b.onDown)
}

// stop cancels the context the transport runs under and stops the
// dispatcher. A download already in flight is not interrupted.
func (b *feishuBridge) stop() {
	b.runCancel.cancelAndClear()
	b.dispatcher.Stop()

	b.mu.Lock()
	b.runCtx = nil
	b.handoff = nil
	b.mu.Unlock()
}

func (b *feishuBridge) run(ctx context.Context) error {
	logger.InfoC("feishu", "Starting Feishu long connection")

	transport, err := b.factory(b.cfg, b.onEvent)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	if err := transport.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errTransportClosed
}

func (b *feishuBridge) dispatch(ctx context.Context, handoff <-chan feishuInbound, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case in := <-handoff:
			if err := b.deliver(ctx, in); err != nil {
				logger.ErrorCF("feishu", "Failed to hand inbound message to bus", map[string]interface{}{
					logger.FieldChatID:    in.chatID,
					logger.FieldMessageID: in.metadata["message_id"],
					logger.FieldError:     err.Error(),
				})
			}
		}
	}
}

// onEvent runs on the transport's goroutine. It never waits for the message
// to be consumed, only for room in the handoff queue.
func (b *feishuBridge) onEvent(_ context.Context, ev *FeishuEvent) error {
	if ev == nil {
		return nil
	}

	b.mu.RLock()
	runCtx, handoff := b.runCtx, b.handoff
	b.mu.RUnlock()
	if runCtx == nil || runCtx.Err() != nil {
		return nil
	}

	if ev.MessageID != "" && b.seen.seen(ev.MessageID) {
		logger.DebugCF("feishu", "Dropping redelivered message", map[string]interface{}{
			logger.FieldMessageID: ev.MessageID,
		})
		return nil
	}

	if b.allow != nil && !b.allow(ev.SenderID) {
		logger.WarnCF("feishu", "Message from unauthorized sender dropped", map[string]interface{}{
			logger.FieldSenderID: ev.SenderID,
			logger.FieldChatID:   ev.ChatID,
		})
		return nil
	}

	in := b.normalize(runCtx, ev)

	logger.InfoCF("feishu", "Received Feishu message", map[string]interface{}{
		logger.FieldSenderID:   in.senderID,
		logger.FieldChatID:     in.chatID,
		logger.FieldMsgType:    ev.MessageType,
		logger.FieldPreview:    truncateString(in.content, 50),
		logger.FieldMediaCount: len(in.media),
	})

	select {
	case handoff <- in:
	case <-runCtx.Done():
	}
	return nil
}

// normalize turns a raw event into the message handed to the bus, downloading
// any attached resource on the way.
func (b *feishuBridge) normalize(ctx context.Context, ev *FeishuEvent) feishuInbound {
	text, ref, err := decodeFeishuContent(ev.MessageType, ev.Content)
	media := []string{}

	if err != nil {
		logger.ErrorCF("feishu", "Failed to decode message content", map[string]interface{}{
			logger.FieldMessageID: ev.MessageID,
			logger.FieldMsgType:   ev.MessageType,
			logger.FieldError:     err.Error(),
		})
		text = ev.Content
	} else if ref != nil && b.transfers != nil {
		res := b.transfers.download(ctx, ev.MessageID, *ref)
		if res.Err != nil {
			logger.ErrorCF("feishu", "Failed to download message resource", map[string]interface{}{
				logger.FieldMessageID: ev.MessageID,
				logger.FieldMsgType:   ev.MessageType,
				logger.FieldError:     res.Err.Error(),
			})
		} else {
			media = append(media, res.Path)
			if text == "" {
				name := ref.name
				if name == "" {
					name = "file"
				}
				text = fmt.Sprintf("[%s] %s", ev.MessageType, name)
			}
		}
	}

	text = stripMentionAll(text)

	metadata := map[string]string{
		"message_id": ev.MessageID,
		"chat_id":    ev.ChatID,
		"msg_type":   ev.MessageType,
		"sender_id":  ev.SenderID,
	}
	if ev.ChatType != "" {
		metadata["chat_type"] = ev.ChatType
	}

	return feishuInbound{
		senderID: ev.SenderID,
		chatID:   ev.ChatID,
		content:  text,
		media:    media,
		metadata: metadata,
	}
}

// decodeFeishuContent extracts the text and, for media message types, the
// resource to fetch. Unknown message types yield only the text field.
func decodeFeishuContent(msgType, raw string) (string, *mediaRef, error) {
	var c feishuContent
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return "", nil, err
	}

	var ref *mediaRef
	switch msgType {
	case feishuMsgTypeImage:
		ref = &mediaRef{key: c.ImageKey, resourceType: feishuMsgTypeImage}
	case feishuMsgTypeFile:
		ref = &mediaRef{key: c.FileKey, name: c.FileName, resourceType: feishuMsgTypeFile}
	case feishuMsgTypeMedia:
		ref = &mediaRef{key: c.FileKey, name: c.FileName, resourceType: feishuMsgTypeMedia}
	case feishuMsgTypeAudio:
		ref = &mediaRef{key: c.FileKey, resourceType: feishuMsgTypeFile}
	}
	if ref != nil && ref.key == "" {
		ref = nil
	}
	return c.Text, ref, nil
}

func stripMentionAll(text string) string {
	if !strings.Contains(text, feishuMentionAll) {
		return text
	}
	return strings.TrimSpace(strings.ReplaceAll(text, feishuMentionAll, ""))
}

// messageDeduper remembers the most recent message ids, evicting the oldest
// once full.
type messageDeduper struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

func newMessageDeduper(capacity int) *messageDeduper {
	return &messageDeduper{
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, capacity),
	}
}

// seen records id and reports whether it had already been recorded.
func (d *messageDeduper) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.ids[id]; ok {
		return true
	}
	if old := d.order[d.next]; old != "" {
		delete(d.ids, old)
	}
	d.order[d.next] = id
	d.next = (d.next + 1) % len(d.order)
	d.ids[id] = struct{}{}
	return false
}
