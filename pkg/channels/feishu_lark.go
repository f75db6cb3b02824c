package channels

import (
	"context"
	"fmt"
	"io"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkdispatcher "github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"larkgate/pkg/config"
	"larkgate/pkg/logger"
)

const (
	larkImageTypeMessage = "message"
	larkFileTypeStream   = "stream"
	larkReceiveIDChat    = "chat_id"
)

type larkAPI struct {
	client *lark.Client
}

func newLarkAPI(cfg config.FeishuConfig) FeishuAPI {
	return &larkAPI{
		client: lark.NewClient(cfg.AppID, cfg.AppSecret,
			lark.WithLogger(larkLogger{}),
			lark.WithLogLevel(larkLogLevel()),
		),
	}
}

func (a *larkAPI) GetResource(ctx context.Context, messageID, fileKey, resourceType string, w io.Writer) error {
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(fileKey).
		Type(resourceType).
		Build()

	resp, err := a.client.Im.V1.MessageResource.Get(ctx, req)
	if err != nil {
		return fmt.Errorf("get message resource: %w", err)
	}
	if !resp.Success() {
		return &APIError{Op: "message resource get", Code: resp.Code, Msg: resp.Msg}
	}
	if resp.File == nil {
		return &APIError{Op: "message resource get", Msg: "empty body"}
	}
	if _, err := io.Copy(w, resp.File); err != nil {
		return fmt.Errorf("write message resource: %w", err)
	}
	return nil
}

func (a *larkAPI) CreateImage(ctx context.Context, image io.Reader) (string, error) {
	req := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType(larkImageTypeMessage).
			Image(image).
			Build()).
		Build()

	resp, err := a.client.Im.V1.Image.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	if !resp.Success() {
		return "", &APIError{Op: "image create", Code: resp.Code, Msg: resp.Msg}
	}
	if resp.Data == nil || resp.Data.ImageKey == nil {
		return "", &APIError{Op: "image create", Msg: "response missing image_key"}
	}
	return *resp.Data.ImageKey, nil
}

func (a *larkAPI) CreateFile(ctx context.Context, fileName string, file io.Reader) (string, error) {
	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType(larkFileTypeStream).
			FileName(fileName).
			File(file).
			Build()).
		Build()

	resp, err := a.client.Im.V1.File.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	if !resp.Success() {
		return "", &APIError{Op: "file create", Code: resp.Code, Msg: resp.Msg}
	}
	if resp.Data == nil || resp.Data.FileKey == nil {
		return "", &APIError{Op: "file create", Msg: "response missing file_key"}
	}
	return *resp.Data.FileKey, nil
}

func (a *larkAPI) CreateMessage(ctx context.Context, receiveID, msgType, content string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkReceiveIDChat).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := a.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if !resp.Success() {
		return &APIError{Op: "message create", Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

// larkTransport runs the SDK's websocket client. The client is built inside
// the transport goroutine, after the handler it reports to exists.
type larkTransport struct {
	ws *larkws.Client
}

func newLarkTransport(cfg config.FeishuConfig, handler EventHandler) (Transport, error) {
	if handler == nil {
		return nil, fmt.Errorf("feishu transport needs an event handler")
	}

	events := larkdispatcher.NewEventDispatcher(cfg.VerificationToken, cfg.EncryptKey).
		OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
			ev := feishuEventFromLark(event)
			if ev == nil {
				return nil
			}
			return handler(ctx, ev)
		})

	return &larkTransport{
		ws: larkws.NewClient(cfg.AppID, cfg.AppSecret,
			larkws.WithEventHandler(events),
			larkws.WithLogger(larkLogger{}),
			larkws.WithLogLevel(larkLogLevel()),
		),
	}, nil
}

// Run returns when ctx is done or the SDK gives up. The SDK keeps its own
// goroutines until the process exits because it has no close call.
func (t *larkTransport) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- t.ws.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func feishuEventFromLark(event *larkim.P2MessageReceiveV1) *FeishuEvent {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return nil
	}
	msg := event.Event.Message

	ev := &FeishuEvent{
		MessageID:   deref(msg.MessageId),
		ChatID:      deref(msg.ChatId),
		ChatType:    deref(msg.ChatType),
		MessageType: deref(msg.MessageType),
		Content:     deref(msg.Content),
	}
	if sender := event.Event.Sender; sender != nil && sender.SenderId != nil {
		ev.SenderID = deref(sender.SenderId.OpenId)
	}
	return ev
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// larkLogger routes SDK logging into the component logger.
type larkLogger struct{}

func (larkLogger) Debug(_ context.Context, args ...interface{}) {
	logger.DebugC("lark", fmt.Sprint(args...))
}

func (larkLogger) Info(_ context.Context, args ...interface{}) {
	logger.InfoC("lark", fmt.Sprint(args...))
}

func (larkLogger) Warn(_ context.Context, args ...interface{}) {
	logger.WarnC("lark", fmt.Sprint(args...))
}

func (larkLogger) Error(_ context.Context, args ...interface{}) {
	logger.ErrorC("lark", fmt.Sprint(args...))
}

func larkLogLevel() larkcore.LogLevel {
	if logger.GetLevel() <= logger.DEBUG {
		return larkcore.LogLevelDebug
	}
	return larkcore.LogLevelInfo
}
