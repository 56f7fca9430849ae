package storage

import (
	"time"

	"im-client/internal/models"
)

// MessageRecord 是消息在服务端的持久化形式。
// (sender_id, client_id) 唯一，客户端重发同一条消息时得到同一条记录。
type MessageRecord struct {
	ID             string        `gorm:"primaryKey;size:64"`
	ConversationID string        `gorm:"size:64;not null;index:idx_messages_conv_created,priority:1"`
	SenderID       string        `gorm:"size:64;not null;uniqueIndex:idx_messages_sender_client,priority:1"`
	ClientID       *string       `gorm:"size:96;uniqueIndex:idx_messages_sender_client,priority:2"`
	Body           models.Body   `gorm:"serializer:json;not null"`
	Status         models.Status `gorm:"size:16;not null;default:'sent'"`
	ReplyToID      string        `gorm:"size:64"`
	IsDeleted      bool          `gorm:"not null;default:false"`
	CreatedAt      time.Time     `gorm:"index:idx_messages_conv_created,priority:2"`
	UpdatedAt      time.Time
}

func (MessageRecord) TableName() string { return "messages" }

// ToServerMessage converts the record to the wire shape.
func (m *MessageRecord) ToServerMessage() models.ServerMessage {
	return models.ServerMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
		ReplyToID:      m.ReplyToID,
		IsDeleted:      m.IsDeleted,
	}
}

// ConversationRecord 是一个私聊会话。UserLow < UserHigh，保证同一对用户只有一个会话。
type ConversationRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	UserLow       string `gorm:"size:64;not null;uniqueIndex:idx_conversations_pair,priority:1"`
	UserHigh      string `gorm:"size:64;not null;uniqueIndex:idx_conversations_pair,priority:2"`
	LastMessageAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (ConversationRecord) TableName() string { return "conversations" }

// Participants returns both participant ids.
func (c *ConversationRecord) Participants() []string {
	return []string{c.UserLow, c.UserHigh}
}

// Has reports whether userID takes part in the conversation.
func (c *ConversationRecord) Has(userID string) bool {
	return c.UserLow == userID || c.UserHigh == userID
}

// Other returns the participant that is not userID.
func (c *ConversationRecord) Other(userID string) string {
	if c.UserLow == userID {
		return c.UserHigh
	}
	return c.UserLow
}

// AccountRecord 保存用户的显示名和星星余额。
// UnlimitedSpend 的账户扣费不检查余额。
type AccountRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	DisplayName    string `gorm:"size:100"`
	Balance        int64  `gorm:"not null;default:0"`
	UnlimitedSpend bool   `gorm:"not null;default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (AccountRecord) TableName() string { return "accounts" }
