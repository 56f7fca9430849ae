// Package chatbackend is the reference backend the client talks to: message
// persistence, conversations, the star wallet and status fan-out.
package chatbackend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"im-client/internal/apperrors"
	"im-client/internal/backend"
	"im-client/internal/models"
	"im-client/internal/presence"
	"im-client/internal/storage"
)

// Publisher addresses a presence event to a set of users.
type Publisher interface {
	Publish(ctx context.Context, to []string, ev presence.Event) error
}

// Service 定义了服务端的消息、会话和钱包操作。actorID 总是来自已验证的令牌。
type Service interface {
	OpenConversation(ctx context.Context, actorID, peerID string) (models.Conversation, error)
	ListConversations(ctx context.Context, actorID string) ([]models.Conversation, error)
	// CreateMessage 持久化一条消息；重复的 ClientID 返回已有消息
	CreateMessage(ctx context.Context, actorID string, req backend.CreateMessageRequest) (models.ServerMessage, bool, error)
	ListMessages(ctx context.Context, actorID, conversationID string, limit int) ([]models.ServerMessage, error)
	MarkRead(ctx context.Context, actorID, conversationID string) error
	// HandleInbound 处理客户端经 WebSocket 上行的回执和输入信号
	HandleInbound(ctx context.Context, actorID string, ev presence.Event) error
	Debit(ctx context.Context, actorID string, req backend.WalletRequest) (models.DebitResult, error)
	Credit(ctx context.Context, actorID string, req backend.WalletRequest) error
}

type service struct {
	messages storage.MessageRepository
	convs    storage.ConversationRepository
	accounts storage.AccountRepository
	pub      Publisher
	log      *zap.Logger
	now      func() time.Time
}

// NewService 创建服务端 Service。
func NewService(messages storage.MessageRepository, convs storage.ConversationRepository, accounts storage.AccountRepository, pub Publisher, log *zap.Logger) Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &service{messages: messages, convs: convs, accounts: accounts, pub: pub, log: log, now: time.Now}
}

func notFoundAs(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound(kind, id)
	}
	return err
}

// conversationFor loads the conversation and checks actorID takes part in it.
func (s *service) conversationFor(ctx context.Context, actorID, conversationID string) (*storage.ConversationRecord, error) {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, notFoundAs(err, "conversation", conversationID)
	}
	if !conv.Has(actorID) {
		return nil, apperrors.Forbidden("not a participant of the conversation")
	}
	return conv, nil
}

func (s *service) publish(ctx context.Context, to string, ev presence.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, []string{to}, ev); err != nil {
		s.log.Warn("presence publish failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("to", to),
			zap.Error(err))
	}
}

func (s *service) view(conv *storage.ConversationRecord, actorID string, names map[string]*storage.AccountRecord) models.Conversation {
	other := conv.Other(actorID)
	name := other
	if a, ok := names[other]; ok && a.DisplayName != "" {
		name = a.DisplayName
	}
	return models.Conversation{
		ID:              conv.ID,
		ParticipantIDs:  conv.Participants(),
		ParticipantName: name,
		LastMessageAt:   conv.LastMessageAt,
	}
}

func (s *service) OpenConversation(ctx context.Context, actorID, peerID string) (models.Conversation, error) {
	if peerID == "" || peerID == actorID {
		return models.Conversation{}, apperrors.InvalidInput("a conversation needs another participant")
	}
	conv, err := s.convs.FindOrCreatePrivate(ctx, actorID, peerID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("打开会话失败: %w", err)
	}
	names, err := s.accounts.GetMany(ctx, []string{peerID})
	if err != nil {
		return models.Conversation{}, err
	}
	return s.view(conv, actorID, names), nil
}

func (s *service) ListConversations(ctx context.Context, actorID string) ([]models.Conversation, error) {
	convs, err := s.convs.ListForUser(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("获取会话列表失败: %w", err)
	}
	others := make([]string, 0, len(convs))
	for _, c := range convs {
		others = append(others, c.Other(actorID))
	}
	names, err := s.accounts.GetMany(ctx, others)
	if err != nil {
		return nil, err
	}
	out := make([]models.Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, s.view(c, actorID, names))
	}
	return out, nil
}

func (s *service) CreateMessage(ctx context.Context, actorID string, req backend.CreateMessageRequest) (models.ServerMessage, bool, error) {
	if req.SenderID != "" && req.SenderID != actorID {
		return models.ServerMessage{}, false, apperrors.Forbidden("sender does not match the session")
	}
	if req.Body.IsEmpty() {
		return models.ServerMessage{}, false, apperrors.InvalidInput("message body is empty")
	}
	conv, err := s.conversationFor(ctx, actorID, req.ConversationID)
	if err != nil {
		return models.ServerMessage{}, false, err
	}

	if req.ClientID != "" {
		existing, err := s.messages.FindByClientID(ctx, actorID, req.ClientID)
		if err != nil {
			return models.ServerMessage{}, false, err
		}
		if existing != nil {
			return existing.ToServerMessage(), false, nil
		}
	}
	if req.ReplyToID != "" {
		target, err := s.messages.GetByID(ctx, req.ReplyToID)
		if err != nil || target.ConversationID != conv.ID {
			return models.ServerMessage{}, false, apperrors.InvalidInput("reply target is not part of the conversation")
		}
	}

	rec := &storage.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       actorID,
		Body:           req.Body,
		Status:         models.StatusSent,
		ReplyToID:      req.ReplyToID,
		CreatedAt:      s.now().UTC(),
	}
	if req.ClientID != "" {
		clientID := req.ClientID
		rec.ClientID = &clientID
	}
	if err := s.messages.Create(ctx, rec); err != nil {
		return models.ServerMessage{}, false, fmt.Errorf("保存消息失败: %w", err)
	}

	sm := rec.ToServerMessage()
	s.publish(ctx, conv.Other(actorID), presence.Event{
		Kind:           presence.KindMessage,
		ConversationID: conv.ID,
		MessageID:      sm.ID,
		Message:        &sm,
		At:             rec.CreatedAt,
	})
	return sm, true, nil
}

func (s *service) ListMessages(ctx context.Context, actorID, conversationID string, limit int) ([]models.ServerMessage, error) {
	if _, err := s.conversationFor(ctx, actorID, conversationID); err != nil {
		return nil, err
	}
	recs, err := s.messages.ListRecent(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("获取会话 %s 的消息失败: %w", conversationID, err)
	}
	out := make([]models.ServerMessage, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ToServerMessage())
	}
	return out, nil
}

func (s *service) MarkRead(ctx context.Context, actorID, conversationID string) error {
	if _, err := s.conversationFor(ctx, actorID, conversationID); err != nil {
		return err
	}
	updated, err := s.messages.MarkRead(ctx, conversationID, actorID)
	if err != nil {
		return fmt.Errorf("标记已读失败: %w", err)
	}
	at := s.now()
	for _, m := range updated {
		s.publish(ctx, m.SenderID, presence.Event{
			Kind:           presence.KindStatus,
			ConversationID: conversationID,
			MessageID:      m.ID,
			UserID:         actorID,
			Status:         models.StatusRead,
			At:             at,
		})
	}
	return nil
}

func (s *service) HandleInbound(ctx context.Context, actorID string, ev presence.Event) error {
	switch ev.Kind {
	case presence.KindStatus:
		return s.applyReceipt(ctx, actorID, ev)
	case presence.KindTyping:
		conv, err := s.conversationFor(ctx, actorID, ev.ConversationID)
		if err != nil {
			return err
		}
		ev.UserID = actorID
		s.publish(ctx, conv.Other(actorID), ev)
		return nil
	default:
		return apperrors.InvalidInput("messages are created over HTTP, not the socket")
	}
}

// applyReceipt records a delivered/read receipt from the recipient and
// forwards it to the sender.
func (s *service) applyReceipt(ctx context.Context, actorID string, ev presence.Event) error {
	if ev.Status != models.StatusDelivered && ev.Status != models.StatusRead {
		return apperrors.InvalidInput("only delivered and read receipts are accepted")
	}
	msg, err := s.messages.GetByID(ctx, ev.MessageID)
	if err != nil {
		return notFoundAs(err, "message", ev.MessageID)
	}
	conv, err := s.conversationFor(ctx, actorID, msg.ConversationID)
	if err != nil {
		return err
	}
	if msg.SenderID == actorID {
		return apperrors.Forbidden("receipts come from the recipient")
	}
	advanced, err := s.messages.AdvanceStatus(ctx, msg.ID, ev.Status)
	if err != nil {
		return fmt.Errorf("更新消息状态失败: %w", err)
	}
	if !advanced {
		// duplicate or out-of-order receipt
		return nil
	}
	s.publish(ctx, msg.SenderID, presence.Event{
		Kind:           presence.KindStatus,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		UserID:         actorID,
		Status:         ev.Status,
		At:             s.now(),
	})
	return nil
}

func checkWallet(actorID string, req backend.WalletRequest) error {
	if req.UserID != actorID {
		return apperrors.Forbidden("wallet operations are limited to the session user")
	}
	if req.Amount < 0 {
		return apperrors.InvalidInput("amount is negative")
	}
	return nil
}

func (s *service) Debit(ctx context.Context, actorID string, req backend.WalletRequest) (models.DebitResult, error) {
	if err := checkWallet(actorID, req); err != nil {
		return models.DebitResult{}, err
	}
	balance, err := s.accounts.Debit(ctx, req.UserID, req.Amount)
	switch {
	case errors.Is(err, storage.ErrInsufficientBalance):
		return models.DebitResult{Success: false}, apperrors.New(apperrors.CodeInsufficientBalance, "insufficient balance", err)
	case err != nil:
		return models.DebitResult{}, notFoundAs(err, "account", req.UserID)
	}
	s.log.Info("wallet debited", zap.String("user_id", req.UserID), zap.Int64("amount", req.Amount), zap.String("reason", req.Reason))
	return models.DebitResult{Success: true, NewBalance: balance}, nil
}

func (s *service) Credit(ctx context.Context, actorID string, req backend.WalletRequest) error {
	if err := checkWallet(actorID, req); err != nil {
		return err
	}
	if _, err := s.accounts.Credit(ctx, req.UserID, req.Amount); err != nil {
		return notFoundAs(err, "account", req.UserID)
	}
	s.log.Info("wallet credited", zap.String("user_id", req.UserID), zap.Int64("amount", req.Amount), zap.String("reason", req.Reason))
	return nil
}
