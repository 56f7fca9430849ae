package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"im-client/internal/apperrors"
	"im-client/internal/backend"
	"im-client/internal/config"
	"im-client/internal/models"
	"im-client/internal/reactions"
	"im-client/internal/store"
)

// MessageService 定义了客户端消息相关操作。所有写操作立即返回乐观状态，
// 网络结果随后通过存储的状态变化体现。
type MessageService interface {
	// Send 创建 pending 消息并在后台提交给后端
	Send(ctx context.Context, conversationID string, body models.Body, replyToID string) (models.Message, error)
	// Retry 以新的本地 ID 重发一条 failed 消息，原消息保持 failed
	Retry(ctx context.Context, failedID string) (models.Message, error)
	Edit(messageID string, body models.Body) (models.Message, error)
	Delete(messageID string, scope models.DeleteScope) (models.Message, error)
	ToggleReaction(messageID, emoji string) (reactions.Result, error)
	CountsFor(messageID string) []models.ReactionGroup

	Get(messageID string) (models.Message, bool)
	// MessagesFor 返回会话的有序消息，附带表情回应
	MessagesFor(conversationID string) []models.Message
	LoadHistory(ctx context.Context, conversationID string) (int, error)
	MarkRead(ctx context.Context, conversationID string) error

	// presence 事件入口
	ApplyStatusEvent(messageID string, status models.Status) error
	ReceiveMessage(msg models.ServerMessage) error

	// Wait blocks until every background send has finished.
	Wait()
	Close()
}

// TypingStopper ends the local typing state once a message goes out.
type TypingStopper interface {
	StopTyping(conversationID string)
}

// ConversationToucher learns about conversations first seen through a message.
type ConversationToucher interface {
	Touch(conversationID string)
}

// MessageServiceDeps collects what NewMessageService wires together.
type MessageServiceDeps struct {
	Actor     models.Actor
	Store     *store.Store
	Reactions *reactions.Aggregator
	API       backend.API
	Clock     clockwork.Clock
	Config    config.ChatConfig
	Typing    TypingStopper       // optional
	Convs     ConversationToucher // optional
	Log       *zap.Logger
}

// messageService 是 MessageService 的实现。
type messageService struct {
	actor     models.Actor
	store     *store.Store
	reactions *reactions.Aggregator
	api       backend.API
	clock     clockwork.Clock
	cfg       config.ChatConfig
	typing    TypingStopper
	convs     ConversationToucher
	watchdog  *confirmationWatchdog
	log       *zap.Logger

	wg sync.WaitGroup
}

// NewMessageService 创建一个新的 MessageService 实例，并开始监视本地消息的确认超时。
func NewMessageService(d MessageServiceDeps) MessageService {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := d.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	rx := d.Reactions
	if rx == nil {
		rx = reactions.NewAggregator()
	}
	return &messageService{
		actor:     d.Actor,
		store:     d.Store,
		reactions: rx,
		api:       d.API,
		clock:     clk,
		cfg:       d.Config,
		typing:    d.Typing,
		convs:     d.Convs,
		watchdog:  newConfirmationWatchdog(d.Store, clk, d.Config.ConfirmationTimeout, log),
		log:       log.With(zap.String("user_id", d.Actor.UserID)),
	}
}

func (s *messageService) Send(ctx context.Context, conversationID string, body models.Body, replyToID string) (models.Message, error) {
	return s.send(ctx, store.CreateInput{
		ConversationID: conversationID,
		SenderID:       s.actor.UserID,
		Body:           body,
		ReplyToID:      replyToID,
	})
}

func (s *messageService) Retry(ctx context.Context, failedID string) (models.Message, error) {
	orig, ok := s.store.Get(failedID)
	if !ok {
		return models.Message{}, apperrors.NotFound("message", failedID)
	}
	if orig.SenderID != s.actor.UserID {
		return models.Message{}, apperrors.Forbidden("only the author can retry a message")
	}
	if orig.Status != models.StatusFailed {
		return models.Message{}, apperrors.InvalidInput("only failed messages can be retried")
	}
	return s.send(ctx, store.CreateInput{
		ConversationID: orig.ConversationID,
		SenderID:       orig.SenderID,
		Body:           orig.Body,
		ReplyToID:      orig.ReplyToID,
		RetryOf:        orig.ID,
	})
}

func (s *messageService) send(ctx context.Context, in store.CreateInput) (models.Message, error) {
	msg, err := s.store.Create(in)
	if err != nil {
		return models.Message{}, err
	}
	s.watchdog.arm(msg.LocalID)
	if s.typing != nil {
		s.typing.StopTyping(msg.ConversationID)
	}

	req := backend.CreateMessageRequest{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		ReplyToID:      msg.ReplyToID,
		ClientID:       msg.LocalID,
	}
	// 发送在后台完成，调用方的 ctx 结束不应中断已排队的消息
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(bg, msg.LocalID, req)
	}()
	return msg, nil
}

func (s *messageService) deliver(ctx context.Context, localID string, req backend.CreateMessageRequest) {
	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	sm, err := s.api.CreateMessage(ctx, req)
	if err != nil {
		s.log.Warn("send failed", zap.String("local_id", localID), zap.Error(err))
		if ferr := s.store.Fail(localID, apperrors.SendFailed(localID, err)); ferr != nil && !apperrors.IsCode(ferr, apperrors.CodeInvalidTransition) {
			s.log.Error("could not mark message failed", zap.String("local_id", localID), zap.Error(ferr))
		}
		return
	}

	msg, err := s.store.Reconcile(localID, sm)
	if err != nil {
		s.log.Error("reconcile failed", zap.String("local_id", localID), zap.String("server_id", sm.ID), zap.Error(err))
		return
	}
	s.reactions.Rekey(localID, msg.ID)
	s.log.Debug("message confirmed",
		zap.String("local_id", localID),
		zap.String("message_id", msg.ID),
		zap.String("status", string(msg.Status)))
}

func (s *messageService) Edit(messageID string, body models.Body) (models.Message, error) {
	return s.store.ApplyEdit(s.actor.UserID, messageID, body)
}

func (s *messageService) Delete(messageID string, scope models.DeleteScope) (models.Message, error) {
	return s.store.ApplyDelete(s.actor.UserID, messageID, scope)
}

// canonicalID resolves a local alias to the id reactions are keyed by.
func (s *messageService) canonicalID(messageID string) (string, error) {
	msg, ok := s.store.Get(messageID)
	if !ok {
		return "", apperrors.NotFound("message", messageID)
	}
	return msg.ID, nil
}

func (s *messageService) ToggleReaction(messageID, emoji string) (reactions.Result, error) {
	id, err := s.canonicalID(messageID)
	if err != nil {
		return 0, err
	}
	return s.reactions.Toggle(id, s.actor.UserID, emoji)
}

func (s *messageService) CountsFor(messageID string) []models.ReactionGroup {
	id, err := s.canonicalID(messageID)
	if err != nil {
		return nil
	}
	return s.reactions.CountsFor(id)
}

func (s *messageService) Get(messageID string) (models.Message, bool) {
	msg, ok := s.store.Get(messageID)
	if ok {
		msg.Reactions = s.reactions.ReactionsOf(msg.ID)
	}
	return msg, ok
}

func (s *messageService) MessagesFor(conversationID string) []models.Message {
	msgs := s.store.MessagesFor(conversationID)
	for i := range msgs {
		msgs[i].Reactions = s.reactions.ReactionsOf(msgs[i].ID)
	}
	return msgs
}

// LoadHistory 拉取一页历史消息并合并进本地存储，返回新增条数。
func (s *messageService) LoadHistory(ctx context.Context, conversationID string) (int, error) {
	limit := s.cfg.HistoryPageSize
	if limit <= 0 {
		limit = 50
	}
	history, err := s.api.FetchMessages(ctx, conversationID, limit)
	if err != nil {
		return 0, fmt.Errorf("获取会话 %s 的历史消息失败: %w", conversationID, err)
	}
	added := s.store.MergeHistory(conversationID, history)
	if added > 0 && s.convs != nil {
		s.convs.Touch(conversationID)
	}
	return added, nil
}

// MarkRead 先在本地把对方的消息标为已读，再通知后端。
func (s *messageService) MarkRead(ctx context.Context, conversationID string) error {
	for _, id := range s.store.UnreadIDs(conversationID, s.actor.UserID) {
		if err := s.store.Advance(id, models.StatusRead); err != nil && !apperrors.IsCode(err, apperrors.CodeInvalidTransition) {
			return err
		}
	}
	if err := s.api.MarkRead(ctx, conversationID, s.actor.UserID); err != nil {
		return fmt.Errorf("标记会话 %s 已读失败: %w", conversationID, err)
	}
	return nil
}

// ApplyStatusEvent 应用一条远端状态事件。非法转换已由状态机记录，这里直接丢弃。
func (s *messageService) ApplyStatusEvent(messageID string, status models.Status) error {
	err := s.store.Advance(messageID, status)
	var ae *apperrors.AppError
	if errors.As(err, &ae) && ae.Code == apperrors.CodeInvalidTransition {
		return nil
	}
	return err
}

// ReceiveMessage 追加一条推送来的消息；实时消息总是排在会话末尾。
func (s *messageService) ReceiveMessage(msg models.ServerMessage) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return apperrors.InvalidInput("incoming message without id or conversation")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now()
	}
	if _, _, err := s.store.Receive(msg); err != nil {
		return fmt.Errorf("接收消息 %s 失败: %w", msg.ID, err)
	}
	if s.convs != nil {
		s.convs.Touch(msg.ConversationID)
	}
	return nil
}

func (s *messageService) Wait() {
	s.wg.Wait()
}

func (s *messageService) Close() {
	s.watchdog.stop()
}
