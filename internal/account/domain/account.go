// 包 domain 资金账户的领域模型
package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrAccountNotFound 账户不存在
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientBalance 余额不足
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateJournal 同一业务流水号重复入账
	ErrDuplicateJournal = errors.New("duplicate journal reference")
)

// Account 账户实体
// 每个 (用户, 货币) 一条记录，余额只通过带流水号的调账变动
type Account struct {
	gorm.Model
	// 账户 ID (业务主键)，全局唯一
	AccountID string `gorm:"column:account_id;type:varchar(32);uniqueIndex;not null" json:"account_id"`
	// 用户 ID
	UserID string `gorm:"column:user_id;type:varchar(32);index:idx_user_currency,unique;not null" json:"user_id"`
	// 货币（如 USDT, BTC）
	Currency string `gorm:"column:currency;type:varchar(10);index:idx_user_currency,unique;not null" json:"currency"`
	// 余额
	Balance decimal.Decimal `gorm:"column:balance;type:decimal(32,18);default:0;not null" json:"balance"`
}

// JournalType 流水类型
type JournalType string

const (
	// JournalTrade 成交结算
	JournalTrade JournalType = "TRADE"
	// JournalFee 手续费
	JournalFee JournalType = "FEE"
	// JournalDeposit 入金
	JournalDeposit JournalType = "DEPOSIT"
	// JournalWithdraw 出金
	JournalWithdraw JournalType = "WITHDRAW"
)

// Journal 账户流水
// Reference 全局唯一，重复入账靠它去重，结算重试因此幂等
type Journal struct {
	gorm.Model
	// 流水号 (业务主键)，如 trade_id:order_id:BASE
	Reference string `gorm:"column:reference;type:varchar(128);uniqueIndex;not null" json:"reference"`
	// 账户 ID
	AccountID string `gorm:"column:account_id;type:varchar(32);index;not null" json:"account_id"`
	// 流水类型
	Type JournalType `gorm:"column:type;type:varchar(20);not null" json:"type"`
	// 变动金额，入账为正出账为负
	Amount decimal.Decimal `gorm:"column:amount;type:decimal(32,18);not null" json:"amount"`
	// 变动后余额
	BalanceAfter decimal.Decimal `gorm:"column:balance_after;type:decimal(32,18);not null" json:"balance_after"`
}

// AccountRepository 账户仓储接口
type AccountRepository interface {
	// GetOrCreate 获取账户，不存在时以零余额创建
	GetOrCreate(ctx context.Context, userID, currency string) (*Account, error)
	// GetByUser 用户全部货币账户
	GetByUser(ctx context.Context, userID string) ([]*Account, error)
	// Adjust 原子调账：写流水并更新余额，Reference 冲突返回 ErrDuplicateJournal
	Adjust(ctx context.Context, userID, currency string, amount decimal.Decimal, typ JournalType, reference string) error
}

// JournalRepository 流水仓储接口
type JournalRepository interface {
	History(ctx context.Context, accountID string, limit, offset int) ([]*Journal, int64, error)
}
