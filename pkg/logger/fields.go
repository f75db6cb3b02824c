package logger

const (
	FieldChannel   = "channel"
	FieldChatID    = "chat_id"
	FieldSenderID  = "sender_id"
	FieldMessageID = "message_id"
	FieldMsgType   = "msg_type"
	FieldPreview   = "preview"
	FieldPath      = "path"
	FieldRegion    = "region"
	FieldCode      = "code"
	FieldError     = "error"

	FieldMessageContentLength = "message_content_length"
	FieldMediaCount           = "media_count"
)
