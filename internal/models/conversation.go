package models

import "time"

// Conversation 代表一个私聊会话（恰好两个参与者）。
// IsPinned / IsMuted / IsArchived 是当前查看者的个人设置。
type Conversation struct {
	ID             string   `json:"id"`
	ParticipantIDs []string `json:"participantIds"`
	// ParticipantName 是对方参与者的显示名，用于列表搜索。
	ParticipantName string `json:"participantName"`

	LastMessageAt time.Time `json:"lastMessageAt"`
	IsPinned      bool      `json:"isPinned"`
	IsMuted       bool      `json:"isMuted"`
	IsArchived    bool      `json:"isArchived"`
}

// OtherParticipant returns the participant that is not viewerID.
func (c *Conversation) OtherParticipant(viewerID string) string {
	for _, id := range c.ParticipantIDs {
		if id != viewerID {
			return id
		}
	}
	return ""
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ConversationView 是会话列表中的一行，由消息状态派生。
// UnreadCount 每次都从消息重新计算，不单独存储。
type ConversationView struct {
	Conversation
	LastMessageText string `json:"lastMessageText"`
	UnreadCount     int    `json:"unreadCount"`
}

// TypingSignal 是 (会话, 用户) 的瞬时输入状态，不持久化。
type TypingSignal struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
	ExpiresAt      time.Time `json:"expiresAt"`
}
