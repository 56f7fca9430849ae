package services

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"im-client/internal/apperrors"
	"im-client/internal/backend"
	"im-client/internal/chatlist"
	"im-client/internal/models"
	"im-client/internal/store"
)

// ConversationService 定义了会话列表相关的服务接口。
// 置顶、免打扰、归档是当前用户的本地设置，同步时保留。
type ConversationService interface {
	// Sync 从后端拉取会话列表并合并
	Sync(ctx context.Context) error
	Upsert(conv models.Conversation)
	Get(conversationID string) (models.Conversation, bool)
	Pin(conversationID string, pinned bool) error
	Mute(conversationID string, muted bool) error
	Archive(conversationID string, archived bool) error
	// List 返回过滤、排序后的会话列表视图
	List(query string) []models.ConversationView
	Touch(conversationID string)
}

type conversationService struct {
	self  string
	store *store.Store
	api   backend.API
	log   *zap.Logger

	mu    sync.RWMutex
	convs map[string]*models.Conversation
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(actor models.Actor, st *store.Store, api backend.API, log *zap.Logger) ConversationService {
	if log == nil {
		log = zap.NewNop()
	}
	return &conversationService{
		self:  actor.UserID,
		store: st,
		api:   api,
		log:   log,
		convs: make(map[string]*models.Conversation),
	}
}

func (s *conversationService) Sync(ctx context.Context) error {
	convs, err := s.api.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("同步会话列表失败: %w", err)
	}
	for _, c := range convs {
		s.Upsert(c)
	}
	s.log.Debug("conversations synced", zap.Int("count", len(convs)))
	return nil
}

func (s *conversationService) Upsert(conv models.Conversation) {
	if conv.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.convs[conv.ID]
	if !ok {
		c := conv
		s.convs[conv.ID] = &c
		return
	}
	if len(conv.ParticipantIDs) > 0 {
		cur.ParticipantIDs = conv.ParticipantIDs
	}
	if conv.ParticipantName != "" {
		cur.ParticipantName = conv.ParticipantName
	}
	if conv.LastMessageAt.After(cur.LastMessageAt) {
		cur.LastMessageAt = conv.LastMessageAt
	}
}

func (s *conversationService) Get(conversationID string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, false
	}
	return *c, true
}

func (s *conversationService) update(conversationID string, fn func(c *models.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return apperrors.NotFound("conversation", conversationID)
	}
	fn(c)
	return nil
}

func (s *conversationService) Pin(conversationID string, pinned bool) error {
	return s.update(conversationID, func(c *models.Conversation) { c.IsPinned = pinned })
}

func (s *conversationService) Mute(conversationID string, muted bool) error {
	return s.update(conversationID, func(c *models.Conversation) { c.IsMuted = muted })
}

func (s *conversationService) Archive(conversationID string, archived bool) error {
	return s.update(conversationID, func(c *models.Conversation) { c.IsArchived = archived })
}

// Touch registers a conversation first seen through an incoming message.
func (s *conversationService) Touch(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conversationID]; ok {
		return
	}
	s.convs[conversationID] = &models.Conversation{ID: conversationID}
	s.log.Info("conversation discovered from message", zap.String("conversation_id", conversationID))
}

func (s *conversationService) List(query string) []models.ConversationView {
	s.mu.RLock()
	convs := make([]models.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, *c)
	}
	s.mu.RUnlock()
	// stable input order for equal activity times
	slices.SortFunc(convs, func(a, b models.Conversation) int { return cmp.Compare(a.ID, b.ID) })

	views := make([]models.ConversationView, 0, len(convs))
	for _, c := range convs {
		v := models.ConversationView{Conversation: c}
		if last, ok := s.store.LastMessage(c.ID); ok {
			v.LastMessageText = last.DisplayBody().Preview()
			if last.CreatedAt.After(v.LastMessageAt) {
				v.LastMessageAt = last.CreatedAt
			}
		}
		v.UnreadCount = s.store.UnreadCount(c.ID, s.self)
		views = append(views, v)
	}
	return chatlist.Project(views, query)
}
