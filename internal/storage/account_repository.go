package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientBalance is returned by Debit when the account cannot cover the amount.
var ErrInsufficientBalance = errors.New("insufficient balance")

// AccountRepository defines the interface for account and wallet operations.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*AccountRecord, error)
	GetMany(ctx context.Context, ids []string) (map[string]*AccountRecord, error)
	// Ensure creates the account if it does not exist yet
	Ensure(ctx context.Context, account *AccountRecord) error
	// Debit subtracts amount in one conditional update and returns the new balance.
	Debit(ctx context.Context, id string, amount int64) (int64, error)
	Credit(ctx context.Context, id string, amount int64) (int64, error)
}

// gormAccountRepository implements AccountRepository using GORM.
type gormAccountRepository struct {
	db *gorm.DB
}

// NewGormAccountRepository creates a new GORM-based AccountRepository.
func NewGormAccountRepository(db *gorm.DB) AccountRepository {
	return &gormAccountRepository{db: db}
}

func (r *gormAccountRepository) GetByID(ctx context.Context, id string) (*AccountRecord, error) {
	var account AccountRecord
	if err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		return nil, err // Handles gorm.ErrRecordNotFound as well
	}
	return &account, nil
}

func (r *gormAccountRepository) GetMany(ctx context.Context, ids []string) (map[string]*AccountRecord, error) {
	out := make(map[string]*AccountRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var accounts []*AccountRecord
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&accounts).Error; err != nil {
		return nil, err
	}
	for _, a := range accounts {
		out[a.ID] = a
	}
	return out, nil
}

func (r *gormAccountRepository) Ensure(ctx context.Context, account *AccountRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(account).Error
}

func (r *gormAccountRepository) Debit(ctx context.Context, id string, amount int64) (int64, error) {
	var balance int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&AccountRecord{}).
			Where("id = ? AND (unlimited_spend OR balance >= ?)", id, amount).
			Update("balance", gorm.Expr("balance - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&AccountRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return gorm.ErrRecordNotFound
			}
			return ErrInsufficientBalance
		}
		return tx.Model(&AccountRecord{}).Where("id = ?", id).Pluck("balance", &balance).Error
	})
	return balance, err
}

func (r *gormAccountRepository) Credit(ctx context.Context, id string, amount int64) (int64, error) {
	var balance int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&AccountRecord{}).
			Where("id = ?", id).
			Update("balance", gorm.Expr("balance + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&AccountRecord{}).Where("id = ?", id).Pluck("balance", &balance).Error
	})
	return balance, err
}
