package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPublishConsumeInboundPreservesOrder(t *testing.T) {
	mb := NewMessageBus()
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		if err := mb.PublishInbound(ctx, InboundMessage{Channel: "feishu", ChatID: "oc_1", Content: content}); err != nil {
			t.Fatalf("publish %q: %v", content, err)
		}
	}

	for _, want := range []string{"one", "two", "three"} {
		msg, ok := mb.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("expected message %q", want)
		}
		if msg.Content != want {
			t.Fatalf("order mismatch: got %q want %q", msg.Content, want)
		}
	}
}

func TestPublishAfterCloseReturnsErrBusClosed(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()
	mb.Close()

	err := mb.PublishOutbound(context.Background(), OutboundMessage{Channel: "feishu", ChatID: "oc_1", Content: "hi"})
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound queue")
	}
}

func TestPublishHonorsContextWhenFull(t *testing.T) {
	mb := NewMessageBusWithSize(1)
	if err := mb.PublishInbound(context.Background(), InboundMessage{Content: "fill"}); err != nil {
		t.Fatalf("fill queue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := mb.PublishInbound(ctx, InboundMessage{Content: "overflow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestConsumeInboundStopsOnCancel(t *testing.T) {
	mb := NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("expected consume to stop on canceled context")
	}
}

func TestOutboundMessageEmpty(t *testing.T) {
	if !(OutboundMessage{ChatID: "oc_1"}).Empty() {
		t.Fatalf("expected empty message")
	}
	if (OutboundMessage{ChatID: "oc_1", Media: []string{"/tmp/a.png"}}).Empty() {
		t.Fatalf("media-only message is not empty")
	}
}

func TestHandlerRegistry(t *testing.T) {
	mb := NewMessageBus()
	called := false
	mb.RegisterHandler("feishu", func(InboundMessage) error {
		called = true
		return nil
	})

	h, ok := mb.GetHandler("feishu")
	if !ok {
		t.Fatalf("expected handler registered")
	}
	_ = h(InboundMessage{})
	if !called {
		t.Fatalf("expected handler invoked")
	}
	if _, ok := mb.GetHandler("telegram"); ok {
		t.Fatalf("unexpected handler for telegram")
	}
}
