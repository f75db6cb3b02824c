package channels

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"larkgate/pkg/bus"
	"larkgate/pkg/config"
)

type recordingChannel struct {
	*BaseChannel
	mu       sync.Mutex
	sent     []bus.OutboundMessage
	startErr error
	startCtx context.Context
	starts   int
	stops    int
}

func newRecordingChannel(name string) *recordingChannel {
	return &recordingChannel{BaseChannel: NewBaseChannel(name, nil, nil, nil)}
}

func (c *recordingChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	c.startCtx = ctx
	if c.startErr != nil {
		return c.startErr
	}
	c.setRunning(true)
	return nil
}

func (c *recordingChannel) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.setRunning(false)
	return nil
}

func (c *recordingChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingChannel) sentMessages() []bus.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.OutboundMessage(nil), c.sent...)
}

func newTestManager(t *testing.T, mb *bus.MessageBus) *Manager {
	t.Helper()
	m, err := NewManager(config.DefaultConfig(), mb)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManagerSkipsFeishuWithoutCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.Feishu.Enabled = true

	m, err := NewManager(cfg, bus.NewMessageBus())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if names := m.GetEnabledChannels(); len(names) != 0 {
		t.Fatalf("enabled = %v", names)
	}
}

func TestManagerBuildsFeishuChannel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.Feishu = testFeishuConfig(t)

	m, err := NewManager(cfg, bus.NewMessageBus())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ch, ok := m.GetChannel("feishu")
	if !ok {
		t.Fatal("feishu channel missing")
	}
	if _, ok := ch.(*FeishuChannel); !ok {
		t.Fatalf("unexpected channel type %T", ch)
	}
}

func TestManagerDispatchesOutbound(t *testing.T) {
	mb := bus.NewMessageBus()
	m := newTestManager(t, mb)
	rec := newRecordingChannel("feishu")
	m.RegisterChannel("feishu", rec)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer m.StopAll(context.Background())

	ctx := context.Background()
	if err := mb.PublishOutbound(ctx, bus.OutboundMessage{Channel: "nowhere", ChatID: "x", Content: "dropped"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := mb.PublishOutbound(ctx, bus.OutboundMessage{Channel: "feishu", ChatID: "oc_1", Content: "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return len(rec.sentMessages()) == 1 }, "outbound delivery")
	if got := rec.sentMessages()[0]; got.ChatID != "oc_1" || got.Content != "hello" {
		t.Fatalf("delivered %+v", got)
	}
}

func TestManagerStartAllContinuesPastFailures(t *testing.T) {
	m := newTestManager(t, bus.NewMessageBus())
	bad := newRecordingChannel("bad")
	bad.startErr = errors.New("no credentials")
	good := newRecordingChannel("good")
	m.RegisterChannel("bad", bad)
	m.RegisterChannel("good", good)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer m.StopAll(context.Background())

	if !good.IsRunning() {
		t.Fatal("good channel should be running")
	}
	health := m.CheckHealth(context.Background())
	if health["bad"] == nil || health["good"] != nil {
		t.Fatalf("health = %v", health)
	}
	status := m.GetStatus()
	want := map[string]interface{}{
		"bad":  map[string]interface{}{"running": false},
		"good": map[string]interface{}{"running": true},
	}
	if !reflect.DeepEqual(status, want) {
		t.Fatalf("status = %v, want %v", status, want)
	}
}

func TestManagerRestartChannel(t *testing.T) {
	m := newTestManager(t, bus.NewMessageBus())
	rec := newRecordingChannel("feishu")
	m.RegisterChannel("feishu", rec)

	if err := m.RestartChannel(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for an unknown channel")
	}
	if err := m.RestartChannel(context.Background(), "feishu"); err != nil {
		t.Fatalf("RestartChannel: %v", err)
	}
	if rec.stops != 1 || rec.starts != 1 || !rec.IsRunning() {
		t.Fatalf("stops=%d starts=%d running=%v", rec.stops, rec.starts, rec.IsRunning())
	}
}

func TestManagerRestartKeepsStartAllContext(t *testing.T) {
	m := newTestManager(t, bus.NewMessageBus())
	rec := newRecordingChannel("feishu")
	m.RegisterChannel("feishu", rec)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if err := m.StartAll(runCtx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	restartCtx, cancelRestart := context.WithTimeout(context.Background(), time.Second)
	if err := m.RestartChannel(restartCtx, "feishu"); err != nil {
		t.Fatalf("RestartChannel: %v", err)
	}
	cancelRestart()

	rec.mu.Lock()
	startCtx := rec.startCtx
	rec.mu.Unlock()
	if startCtx.Err() != nil {
		t.Fatal("restarted channel should outlive the restart context")
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), time.Second)
	defer cancelStop()
	_ = m.StopAll(stopCtx)
}

func TestManagerSendToChannel(t *testing.T) {
	m := newTestManager(t, bus.NewMessageBus())
	rec := newRecordingChannel("feishu")
	m.RegisterChannel("feishu", rec)

	if err := m.SendToChannel(context.Background(), "missing", "oc_1", "hi"); err == nil {
		t.Fatal("expected an error for an unknown channel")
	}
	if err := m.SendToChannel(context.Background(), "feishu", "oc_1", "hi", "/tmp/a.png"); err != nil {
		t.Fatalf("SendToChannel: %v", err)
	}
	want := []bus.OutboundMessage{{Channel: "feishu", ChatID: "oc_1", Content: "hi", Media: []string{"/tmp/a.png"}}}
	if got := rec.sentMessages(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent = %+v, want %+v", got, want)
	}
}

func TestManagerStopAllWaitsForDispatcher(t *testing.T) {
	m := newTestManager(t, bus.NewMessageBus())
	m.RegisterChannel("feishu", newRecordingChannel("feishu"))
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("StopAll hit its deadline")
	}
}
