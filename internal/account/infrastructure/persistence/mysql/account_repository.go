// 包 mysql 账户服务的 MySQL 仓储实现
package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/exchange/internal/account/domain"
	"github.com/wyfcoding/exchange/pkg/db"
	"github.com/wyfcoding/exchange/pkg/idgen"
)

// AccountRepository 账户仓储的 MySQL 实现
type AccountRepository struct {
	db *db.DB
}

// NewAccountRepository 创建账户仓储
func NewAccountRepository(database *db.DB) *AccountRepository {
	return &AccountRepository{db: database}
}

// GetOrCreate 获取账户，不存在时以零余额创建
func (r *AccountRepository) GetOrCreate(ctx context.Context, userID, currency string) (*domain.Account, error) {
	var acct domain.Account
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND currency = ?", userID, currency).
		First(&acct).Error
	if err == nil {
		return &acct, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}

	acct = domain.Account{
		AccountID: idgen.GenIDString(),
		UserID:    userID,
		Currency:  currency,
		Balance:   decimal.Zero,
	}
	// 并发创建同一账户时靠唯一索引兜底，冲突后重查
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&acct).Error; err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND currency = ?", userID, currency).
		First(&acct).Error; err != nil {
		return nil, fmt.Errorf("failed to reload account: %w", err)
	}
	return &acct, nil
}

// GetByUser 用户全部货币账户
func (r *AccountRepository) GetByUser(ctx context.Context, userID string) ([]*domain.Account, error) {
	var accounts []*domain.Account
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("currency ASC").
		Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// Adjust 原子调账：行锁账户、写流水、更新余额，在一个事务内完成。
// Reference 撞唯一索引时返回 ErrDuplicateJournal，调用方据此实现幂等重试。
func (r *AccountRepository) Adjust(ctx context.Context, userID, currency string, amount decimal.Decimal, typ domain.JournalType, reference string) error {
	acct, err := r.GetOrCreate(ctx, userID, currency)
	if err != nil {
		return err
	}

	return r.db.WithTx(ctx, func(tx *gorm.DB) error {
		var locked domain.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ?", acct.AccountID).
			First(&locked).Error; err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}

		next := locked.Balance.Add(amount)
		if next.IsNegative() {
			return fmt.Errorf("%w: %s %s has %s, need %s",
				domain.ErrInsufficientBalance, userID, currency, locked.Balance, amount.Neg())
		}

		journal := &domain.Journal{
			Reference:    reference,
			AccountID:    locked.AccountID,
			Type:         typ,
			Amount:       amount,
			BalanceAfter: next,
		}
		if err := tx.Create(journal).Error; err != nil {
			if isDuplicateKey(err) {
				return domain.ErrDuplicateJournal
			}
			return fmt.Errorf("failed to create journal: %w", err)
		}

		if err := tx.Model(&domain.Account{}).
			Where("account_id = ?", locked.AccountID).
			Update("balance", next).Error; err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		return nil
	})
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}

// JournalRepository 流水仓储的 MySQL 实现
type JournalRepository struct {
	db *db.DB
}

// NewJournalRepository 创建流水仓储
func NewJournalRepository(database *db.DB) *JournalRepository {
	return &JournalRepository{db: database}
}

// History 账户流水分页，按时间倒序
func (r *JournalRepository) History(ctx context.Context, accountID string, limit, offset int) ([]*domain.Journal, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.Journal{}).
		Where("account_id = ?", accountID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count journals: %w", err)
	}

	var journals []*domain.Journal
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&journals).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list journals: %w", err)
	}
	return journals, total, nil
}
