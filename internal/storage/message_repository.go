package storage

import (
	"context"
	"errors"
	"slices"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"im-client/internal/models"
)

// predecessors lists the stored statuses a message may advance from.
var predecessors = map[models.Status][]models.Status{
	models.StatusDelivered: {models.StatusSent},
	models.StatusRead:      {models.StatusSent, models.StatusDelivered},
}

// MessageRepository 定义了消息数据操作的接口。
type MessageRepository interface {
	// Create 在一个事务中写入消息并更新会话的最后消息时间
	Create(ctx context.Context, message *MessageRecord) error
	GetByID(ctx context.Context, id string) (*MessageRecord, error)
	// FindByClientID 查找同一发送者以相同客户端 ID 提交过的消息
	FindByClientID(ctx context.Context, senderID, clientID string) (*MessageRecord, error)
	// ListRecent 返回会话中最新的 limit 条消息，按时间正序
	ListRecent(ctx context.Context, conversationID string, limit int) ([]*MessageRecord, error)
	// AdvanceStatus 只向前推进状态，返回是否有更新
	AdvanceStatus(ctx context.Context, id string, status models.Status) (bool, error)
	// MarkRead 把会话中 readerID 收到的未读消息标为 read，返回被更新的消息
	MarkRead(ctx context.Context, conversationID, readerID string) ([]*MessageRecord, error)
}

// gormMessageRepository 使用 GORM 实现 MessageRepository。
type gormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建一个新的基于 GORM 的 MessageRepository。
func NewGormMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

func (r *gormMessageRepository) Create(ctx context.Context, message *MessageRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return err
		}
		return NewGormConversationRepository(tx).TouchWithTx(ctx, tx, message.ConversationID, message.CreatedAt)
	})
}

func (r *gormMessageRepository) GetByID(ctx context.Context, id string) (*MessageRecord, error) {
	var message MessageRecord
	if err := r.db.WithContext(ctx).First(&message, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &message, nil
}

func (r *gormMessageRepository) FindByClientID(ctx context.Context, senderID, clientID string) (*MessageRecord, error) {
	var message MessageRecord
	err := r.db.WithContext(ctx).Where("sender_id = ? AND client_id = ?", senderID, clientID).First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

func (r *gormMessageRepository) ListRecent(ctx context.Context, conversationID string, limit int) ([]*MessageRecord, error) {
	var messages []*MessageRecord
	query := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&messages).Error; err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

func (r *gormMessageRepository) AdvanceStatus(ctx context.Context, id string, status models.Status) (bool, error) {
	from, ok := predecessors[status]
	if !ok {
		return false, nil
	}
	res := r.db.WithContext(ctx).Model(&MessageRecord{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", status)
	return res.RowsAffected > 0, res.Error
}

func (r *gormMessageRepository) MarkRead(ctx context.Context, conversationID, readerID string) ([]*MessageRecord, error) {
	var updated []*MessageRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("conversation_id = ? AND sender_id <> ? AND status IN ?", conversationID, readerID, predecessors[models.StatusRead]).
			Find(&updated).Error; err != nil {
			return err
		}
		if len(updated) == 0 {
			return nil
		}
		ids := make([]string, 0, len(updated))
		for _, m := range updated {
			ids = append(ids, m.ID)
			m.Status = models.StatusRead
		}
		return tx.Model(&MessageRecord{}).Where("id IN ?", ids).Update("status", models.StatusRead).Error
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
