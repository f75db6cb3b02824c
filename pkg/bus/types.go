package bus

type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is delivered by a channel as one text send (when Content is
// set) followed by one send per Media path, in order.
type OutboundMessage struct {
	Channel string   `json:"channel"`
	ChatID  string   `json:"chat_id"`
	Content string   `json:"content,omitempty"`
	Media   []string `json:"media,omitempty"`
}

// Empty reports whether the message carries nothing to deliver.
func (m OutboundMessage) Empty() bool {
	return m.Content == "" && len(m.Media) == 0
}

type MessageHandler func(InboundMessage) error
