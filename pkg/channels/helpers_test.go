package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"larkgate/pkg/bus"
	"larkgate/pkg/config"
	"larkgate/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type sentMessage struct {
	receiveID string
	msgType   string
	content   string
}

type fakeFeishuAPI struct {
	mu sync.Mutex

	resources  map[string][]byte
	uploadErrs map[string]error
	sendErrs   map[string]error

	calls     []string
	downloads []string
	uploads   []string
	sent      []sentMessage
	nextKey   int
}

func newFakeFeishuAPI() *fakeFeishuAPI {
	return &fakeFeishuAPI{
		resources:  map[string][]byte{},
		uploadErrs: map[string]error{},
		sendErrs:   map[string]error{},
	}
}

func (f *fakeFeishuAPI) GetResource(_ context.Context, messageID, fileKey, resourceType string, w io.Writer) error {
	f.mu.Lock()
	f.calls = append(f.calls, "get_resource")
	f.downloads = append(f.downloads, fmt.Sprintf("%s/%s/%s", messageID, fileKey, resourceType))
	data, ok := f.resources[fileKey]
	f.mu.Unlock()

	if !ok {
		return &APIError{Op: "message resource get", Code: 234003, Msg: "resource not found"}
	}
	_, err := w.Write(data)
	return err
}

func (f *fakeFeishuAPI) upload(kind, name string, r io.Reader) (string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind)
	f.uploads = append(f.uploads, name)
	if err := f.uploadErrs[name]; err != nil {
		return "", err
	}
	f.nextKey++
	return fmt.Sprintf("%s_key_%d", kind, f.nextKey), nil
}

func (f *fakeFeishuAPI) CreateImage(_ context.Context, image io.Reader) (string, error) {
	name := ""
	if file, ok := image.(*os.File); ok {
		name = filepath.Base(file.Name())
	}
	return f.upload("create_image", name, image)
}

func (f *fakeFeishuAPI) CreateFile(_ context.Context, fileName string, file io.Reader) (string, error) {
	return f.upload("create_file", fileName, file)
}

func (f *fakeFeishuAPI) CreateMessage(_ context.Context, receiveID, msgType, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create_message")
	if err := f.sendErrs[msgType]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{receiveID: receiveID, msgType: msgType, content: content})
	return nil
}

func (f *fakeFeishuAPI) snapshot() (calls []string, sent []sentMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([]sentMessage(nil), f.sent...)
}

// fakeTransport hands its event handler to the test and then blocks until
// cancelled, fails, or panics as configured.
type fakeTransport struct {
	handlers chan EventHandler
	runErr   error
	panicMsg string
	builds   int
	mu       sync.Mutex
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(chan EventHandler, 4)}
}

func (f *fakeTransport) factory(_ config.FeishuConfig, handler EventHandler) (Transport, error) {
	f.mu.Lock()
	f.builds++
	f.mu.Unlock()
	f.handlers <- handler
	return f, nil
}

func (f *fakeTransport) Run(ctx context.Context) error {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) waitHandler(t *testing.T) EventHandler {
	t.Helper()
	select {
	case h := <-f.handlers:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("transport was never built")
		return nil
	}
}

func testFeishuConfig(t *testing.T) config.FeishuConfig {
	t.Helper()
	return config.FeishuConfig{
		Enabled:     true,
		AppID:       "cli_test",
		AppSecret:   "secret",
		DownloadDir: t.TempDir(),
	}
}

func startTestFeishu(t *testing.T, cfg config.FeishuConfig, api *fakeFeishuAPI, transport *fakeTransport) (*FeishuChannel, *bus.MessageBus, EventHandler) {
	t.Helper()
	mb := bus.NewMessageBus()
	ch, err := NewFeishuChannel(cfg, mb, WithFeishuAPI(api), WithTransportFactory(transport.factory))
	if err != nil {
		t.Fatalf("NewFeishuChannel: %v", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = ch.Stop(context.Background()) })
	return ch, mb, transport.waitHandler(t)
}

func consumeInbound(t *testing.T, mb *bus.MessageBus, wait time.Duration) (bus.InboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	return mb.ConsumeInbound(ctx)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
