package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"larkgate/pkg/bus"
	"larkgate/pkg/config"
	"larkgate/pkg/logger"
)

// FeishuChannel connects the bus to Feishu/Lark: inbound messages arrive over
// the long connection, outbound ones go through the IM API.
type FeishuChannel struct {
	*BaseChannel
	config    config.FeishuConfig
	newAPI    func(config.FeishuConfig) FeishuAPI
	transfers *feishuTransfers
	bridge    *feishuBridge
	limiter   *rate.Limiter

	mu  sync.Mutex
	api FeishuAPI
}

type FeishuOption func(*FeishuChannel)

// WithFeishuAPI replaces the Lark IM client.
func WithFeishuAPI(api FeishuAPI) FeishuOption {
	return func(c *FeishuChannel) {
		c.newAPI = func(config.FeishuConfig) FeishuAPI { return api }
	}
}

// WithTransportFactory replaces the Lark long-connection client.
func WithTransportFactory(factory TransportFactory) FeishuOption {
	return func(c *FeishuChannel) {
		if factory != nil {
			c.bridge.factory = factory
		}
	}
}

func NewFeishuChannel(cfg config.FeishuConfig, messageBus *bus.MessageBus, opts ...FeishuOption) (*FeishuChannel, error) {
	base := NewBaseChannel("feishu", cfg, messageBus, cfg.AllowFrom)
	transfers := newFeishuTransfers(cfg)

	limit := rate.Inf
	if cfg.RateLimitPerSec > 0 {
		limit = rate.Limit(cfg.RateLimitPerSec)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	c := &FeishuChannel{
		BaseChannel: base,
		config:      cfg,
		newAPI:      newLarkAPI,
		transfers:   transfers,
		bridge:      newFeishuBridge(cfg, newLarkTransport, transfers),
		limiter:     rate.NewLimiter(limit, burst),
	}
	c.bridge.allow = c.IsAllowed
	c.bridge.deliver = func(ctx context.Context, in feishuInbound) error {
		return c.HandleMessage(ctx, in.senderID, in.chatID, in.content, in.media, in.metadata)
	}
	c.bridge.onDown = func(error) {
		c.setRunning(false)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start returns once the connection goroutine is launched. Connection
// failures after that point are logged and clear the running flag.
func (c *FeishuChannel) Start(ctx context.Context) error {
	if c.IsRunning() {
		return nil
	}
	if _, err := c.ensureAPI(); err != nil {
		return err
	}

	c.setRunning(true)
	c.bridge.start(ctx)

	logger.InfoC("feishu", "Feishu channel started")
	return nil
}

// Stop cancels the long connection and the dispatcher. The Lark client has
// no close call, so its socket may outlive Stop until the process exits.
func (c *FeishuChannel) Stop(ctx context.Context) error {
	if !c.IsRunning() {
		c.bridge.stop()
		return nil
	}
	logger.InfoC("feishu", "Stopping Feishu channel")
	c.setRunning(false)
	c.bridge.stop()
	return nil
}

// Send delivers msg best effort. Failures of individual items are logged;
// only missing credentials are reported as an error. Sending does not need
// the long connection.
func (c *FeishuChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if _, err := c.ensureAPI(); err != nil {
		return err
	}
	c.SendMessage(ctx, msg)
	return nil
}

// SendMessage sends the text part, then each media item in order, and
// reports every attempt. A failed item does not stop the ones after it.
func (c *FeishuChannel) SendMessage(ctx context.Context, msg bus.OutboundMessage) SendReport {
	report := SendReport{ChatID: msg.ChatID}
	if msg.Empty() {
		return report
	}
	api, err := c.ensureAPI()
	if err != nil {
		report.Results = append(report.Results, SendResult{MsgType: feishuMsgTypeText, Target: "text", Err: err})
		return report
	}

	if msg.Content != "" {
		payload, _ := json.Marshal(map[string]string{"text": msg.Content})
		report.Results = append(report.Results, c.createMessage(ctx, api, msg.ChatID, feishuMsgTypeText, string(payload), "text"))
	}

	for _, path := range msg.Media {
		msgType := classifyMedia(path)

		up, err := offload(ctx, func() UploadResult {
			if err := c.limiter.Wait(ctx); err != nil {
				return UploadResult{Err: err}
			}
			return c.transfers.upload(ctx, msgType, path)
		})
		if err == nil {
			err = up.Err
		}
		if err != nil {
			logger.ErrorCF("feishu", "Failed to upload media, skipping", map[string]interface{}{
				logger.FieldChatID: msg.ChatID,
				logger.FieldPath:   path,
				logger.FieldError:  err.Error(),
			})
			report.Results = append(report.Results, SendResult{MsgType: msgType, Target: path, Err: err})
			continue
		}

		keyField := "file_key"
		if msgType == feishuMsgTypeImage {
			keyField = "image_key"
		}
		payload, _ := json.Marshal(map[string]string{keyField: up.Key})
		report.Results = append(report.Results, c.createMessage(ctx, api, msg.ChatID, msgType, string(payload), path))
	}

	return report
}

func (c *FeishuChannel) createMessage(ctx context.Context, api FeishuAPI, chatID, msgType, payload, target string) SendResult {
	sendErr, err := offload(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return api.CreateMessage(ctx, chatID, msgType, payload)
	})
	if err == nil {
		err = sendErr
	}

	res := SendResult{MsgType: msgType, Target: target, Err: err}
	if err != nil {
		logger.ErrorCF("feishu", "Failed to send Feishu message", map[string]interface{}{
			logger.FieldChatID:  chatID,
			logger.FieldMsgType: msgType,
			logger.FieldError:   err.Error(),
		})
		return res
	}
	logger.DebugCF("feishu", "Feishu message sent", map[string]interface{}{
		logger.FieldChatID:  chatID,
		logger.FieldMsgType: msgType,
	})
	return res
}

// ensureAPI builds the IM client on first use.
func (c *FeishuChannel) ensureAPI() (FeishuAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.api != nil {
		return c.api, nil
	}
	if c.config.AppID == "" || c.config.AppSecret == "" {
		return nil, fmt.Errorf("feishu app_id and app_secret not configured")
	}
	c.api = c.newAPI(c.config)
	c.transfers.api = c.api
	return c.api, nil
}
