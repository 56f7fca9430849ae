package models

import (
	"time"

	"im-client/internal/apperrors"
)

// Status 定义了单条消息的投递状态。
// 状态只能沿 pending → sent → delivered → read 前进，或转入终态 failed。
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// BodyType 定义了消息体的类型。
type BodyType string

const (
	TextBody  BodyType = "text"
	ImageBody BodyType = "image"
	FileBody  BodyType = "file"
	AudioBody BodyType = "audio"
	VideoBody BodyType = "video"
	GiftBody  BodyType = "gift"
)

// DeleteScope 定义了删除的范围。
type DeleteScope string

const (
	DeleteForSelf DeleteScope = "self"
	DeleteForAll  DeleteScope = "all"
)

// TombstonePlaceholder is the text rendered in place of a deleted message body.
const TombstonePlaceholder = "Message deleted"

// MediaDescriptor 描述一个媒体附件（图片、文件、语音、视频）。
type MediaDescriptor struct {
	Type     BodyType `json:"type"`
	URL      string   `json:"url"`
	FileName string   `json:"fileName,omitempty"`
	Size     int64    `json:"size,omitempty"`
	Duration int      `json:"duration,omitempty"` // 秒，语音/视频
}

// GiftPayload 是礼物消息携带的内容。
type GiftPayload struct {
	GiftID      string `json:"giftId"`
	Price       int64  `json:"price"`
	IsAnonymous bool   `json:"isAnonymous,omitempty"`
}

// Body 是消息内容：文本、媒体描述或礼物。
type Body struct {
	Type  BodyType         `json:"type"`
	Text  string           `json:"text,omitempty"`
	Media *MediaDescriptor `json:"media,omitempty"`
	Gift  *GiftPayload     `json:"gift,omitempty"`
}

// TextOf builds a plain text body.
func TextOf(text string) Body {
	return Body{Type: TextBody, Text: text}
}

// MediaOf builds a media body; the body type follows the descriptor.
func MediaOf(media MediaDescriptor) Body {
	return Body{Type: media.Type, Media: &media}
}

// IsEmpty reports whether the body carries nothing to send.
func (b Body) IsEmpty() bool {
	switch b.Type {
	case TextBody:
		return b.Text == ""
	case GiftBody:
		return b.Gift == nil
	case "":
		return true
	default:
		return b.Media == nil || b.Media.URL == ""
	}
}

// Preview returns a one-line representation used by the conversation list.
func (b Body) Preview() string {
	switch b.Type {
	case TextBody:
		return b.Text
	case GiftBody:
		if b.Text != "" {
			return b.Text
		}
		return "[gift]"
	case "":
		return ""
	default:
		if b.Media != nil && b.Media.FileName != "" {
			return "[" + string(b.Type) + "] " + b.Media.FileName
		}
		return "[" + string(b.Type) + "]"
	}
}

// Message 代表客户端本地持有的一条聊天消息。
// Body 创建后不可变；编辑写入 EditedBody，保留原文以便审计。
type Message struct {
	ID             string `json:"id"`
	LocalID        string `json:"localId,omitempty"` // 客户端生成的临时 ID，服务端确认后保留为别名
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`

	Body       Body  `json:"body"`
	EditedBody *Body `json:"editedBody,omitempty"`

	Status     Status         `json:"status"`
	FailCode   apperrors.Code `json:"failCode,omitempty"`   // failed 的类型，决定界面是否给出重试
	FailReason string         `json:"failReason,omitempty"` // 进入 failed 的原因，供重试提示使用
	CreatedAt  time.Time      `json:"createdAt"`
	EditedAt   *time.Time     `json:"editedAt,omitempty"`
	IsEdited   bool           `json:"isEdited"`

	IsDeleted     bool `json:"isDeleted"`
	DeletedForAll bool `json:"deletedForAll"`

	ReplyToID string `json:"replyToId,omitempty"`
	RetryOf   string `json:"retryOf,omitempty"` // 重试时指向失败的原消息

	Reactions []Reaction `json:"reactions,omitempty"`
}

// DisplayBody returns the body a renderer should show: the placeholder for
// tombstones, the latest edit if any, the original otherwise.
func (m *Message) DisplayBody() Body {
	if m.IsDeleted {
		return TextOf(TombstonePlaceholder)
	}
	if m.EditedBody != nil {
		return *m.EditedBody
	}
	return m.Body
}

// FailError returns the typed failure of a failed message, or nil while the
// message is still live.
func (m *Message) FailError() *apperrors.AppError {
	if m.Status != StatusFailed {
		return nil
	}
	return apperrors.New(m.FailCode, m.FailReason, nil)
}

// ServerMessage 是后端返回的已确认消息。
type ServerMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           Body      `json:"body"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	ReplyToID      string    `json:"replyToId,omitempty"`
	IsDeleted      bool      `json:"isDeleted,omitempty"`
}

// StatusChange is reported to store observers for every applied transition.
type StatusChange struct {
	MessageID      string
	LocalID        string // empty for messages that did not originate on this client
	ConversationID string
	From           Status
	To             Status
}
