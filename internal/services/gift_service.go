package services

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"im-client/internal/apperrors"
	"im-client/internal/backend"
	"im-client/internal/config"
	"im-client/internal/gift"
	"im-client/internal/models"
	"im-client/internal/store"
)

// GiftService 以当前会话用户的身份发送礼物。
type GiftService interface {
	SendGift(ctx context.Context, req gift.Request) (*models.GiftTransaction, error)
	InFlight() bool
}

type giftService struct {
	actor       models.Actor
	coordinator *gift.Coordinator
}

// NewGiftService wires the coordinator to the backend wallet and to the
// message store, so an emitted gift shows up in the conversation.
func NewGiftService(actor models.Actor, api backend.API, st *store.Store, clk clockwork.Clock, cfg config.GiftConfig, log *zap.Logger) GiftService {
	if log == nil {
		log = zap.NewNop()
	}
	em := &giftEmitter{api: api, store: st, log: log}
	return &giftService{
		actor: actor,
		coordinator: gift.NewCoordinator(api, em, clk, gift.Config{
			CompensationRetries:  cfg.CompensationRetries,
			CompensationInterval: cfg.CompensationInterval,
		}, log),
	}
}

func (s *giftService) SendGift(ctx context.Context, req gift.Request) (*models.GiftTransaction, error) {
	return s.coordinator.Send(ctx, s.actor, req)
}

func (s *giftService) InFlight() bool {
	return s.coordinator.InFlight(s.actor.UserID)
}

// giftEmitter 把礼物消息提交给后端，成功后追加到本地存储。
type giftEmitter struct {
	api   backend.API
	store *store.Store
	log   *zap.Logger
}

func (e *giftEmitter) EmitGift(ctx context.Context, tx *models.GiftTransaction) (models.Message, error) {
	sm, err := e.api.CreateMessage(ctx, backend.CreateMessageRequest{
		ConversationID: tx.ConversationID,
		SenderID:       tx.SenderID,
		Body:           tx.Body(),
		ClientID:       tx.ID,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("提交礼物消息失败: %w", err)
	}
	st := sm.Status
	if st == "" {
		st = models.StatusSent
	}
	msg := models.Message{
		ID:             sm.ID,
		ConversationID: tx.ConversationID,
		SenderID:       tx.SenderID,
		Body:           tx.Body(),
		Status:         st,
		CreatedAt:      sm.CreatedAt,
	}
	if err := e.store.Append(msg); err != nil {
		// already there, e.g. pushed back to us before the response arrived
		if existing, ok := e.store.Get(sm.ID); ok && apperrors.IsCode(err, apperrors.CodeInvalidInput) {
			return existing, nil
		}
		return models.Message{}, err
	}
	return msg, nil
}
