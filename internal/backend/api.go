// Package backend is the client's view of the persistence/backend API.
package backend

import (
	"context"

	"im-client/internal/models"
)

// CreateMessageRequest is what the client posts when a message leaves the device.
type CreateMessageRequest struct {
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Body           models.Body `json:"body"`
	ReplyToID      string      `json:"replyToId,omitempty"`
	// ClientID is the local id; the backend uses it to make retries of the
	// same post idempotent.
	ClientID string `json:"clientId,omitempty"`
}

// API is implemented by the HTTP client and by test fakes.
type API interface {
	CreateMessage(ctx context.Context, req CreateMessageRequest) (models.ServerMessage, error)
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]models.ServerMessage, error)
	MarkRead(ctx context.Context, conversationID, userID string) error
	DebitBalance(ctx context.Context, userID string, amount int64, reason string) (models.DebitResult, error)
	CreditBalance(ctx context.Context, userID string, amount int64, reason string) error
	FetchConversations(ctx context.Context) ([]models.Conversation, error)
}

// Wire shapes shared with the reference server.

type WalletRequest struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type MarkReadRequest struct {
	UserID string `json:"userId"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
