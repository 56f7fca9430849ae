package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepository 定义了会话数据操作的接口。
type ConversationRepository interface {
	GetByID(ctx context.Context, id string) (*ConversationRecord, error)
	// ListForUser 获取用户参与的所有会话，最近活跃的在前
	ListForUser(ctx context.Context, userID string) ([]*ConversationRecord, error)
	// FindOrCreatePrivate 查找或创建两个用户之间的私聊会话
	FindOrCreatePrivate(ctx context.Context, userA, userB string) (*ConversationRecord, error)
	// TouchWithTx 在事务中更新会话的最后消息时间
	TouchWithTx(ctx context.Context, tx *gorm.DB, id string, at time.Time) error

	// GetDB 返回底层数据库连接，用于事务操作
	GetDB() *gorm.DB
}

// gormConversationRepository 使用 GORM 实现 ConversationRepository。
type gormConversationRepository struct {
	db *gorm.DB
}

// NewGormConversationRepository 创建一个新的基于 GORM 的 ConversationRepository。
func NewGormConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

func (r *gormConversationRepository) GetByID(ctx context.Context, id string) (*ConversationRecord, error) {
	var conversation ConversationRecord
	if err := r.db.WithContext(ctx).First(&conversation, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (r *gormConversationRepository) ListForUser(ctx context.Context, userID string) ([]*ConversationRecord, error) {
	var conversations []*ConversationRecord
	err := r.db.WithContext(ctx).
		Where("user_low = ? OR user_high = ?", userID, userID).
		Order("last_message_at DESC").
		Find(&conversations).Error
	return conversations, err
}

func (r *gormConversationRepository) FindOrCreatePrivate(ctx context.Context, userA, userB string) (*ConversationRecord, error) {
	if userA == userB {
		return nil, fmt.Errorf("私聊会话需要两个不同的用户")
	}
	// 确保 low < high，使查找具有确定性，避免重复会话
	low, high := userA, userB
	if low > high {
		low, high = high, low
	}

	var conversation ConversationRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_low = ? AND user_high = ?", low, high).First(&conversation).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("查找私聊会话失败: %w", err)
		}

		now := time.Now()
		conversation = ConversationRecord{ID: uuid.NewString(), UserLow: low, UserHigh: high, LastMessageAt: now}
		// 并发创建时唯一索引冲突，忽略后重新读取
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&conversation).Error; err != nil {
			return fmt.Errorf("创建新会话失败: %w", err)
		}
		return tx.Where("user_low = ? AND user_high = ?", low, high).First(&conversation).Error
	})
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (r *gormConversationRepository) TouchWithTx(ctx context.Context, tx *gorm.DB, id string, at time.Time) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Model(&ConversationRecord{}).
		Where("id = ? AND last_message_at < ?", id, at).
		Update("last_message_at", at).Error
}

func (r *gormConversationRepository) GetDB() *gorm.DB {
	return r.db
}
