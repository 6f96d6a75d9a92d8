// 包 application 账户服务的应用层
package application

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/exchange/internal/account/domain"
	"github.com/wyfcoding/exchange/pkg/logger"
)

// Ledger 资金台账服务
// 所有余额变动都带唯一流水号，重复提交同一流水号静默幂等
type Ledger struct {
	accounts domain.AccountRepository
	journals domain.JournalRepository
}

// NewLedger 创建台账服务
func NewLedger(accounts domain.AccountRepository, journals domain.JournalRepository) *Ledger {
	return &Ledger{accounts: accounts, journals: journals}
}

// GetBalance 查询某货币余额，账户不存在视为零
func (l *Ledger) GetBalance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	acct, err := l.accounts.GetOrCreate(ctx, userID, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// ListBalances 用户全部货币余额
func (l *Ledger) ListBalances(ctx context.Context, userID string) ([]*domain.Account, error) {
	return l.accounts.GetByUser(ctx, userID)
}

// Credit 按流水号入账。流水号已存在时跳过并返回 nil
func (l *Ledger) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal, typ domain.JournalType, reference string) error {
	if amount.IsZero() {
		return nil
	}
	err := l.accounts.Adjust(ctx, userID, currency, amount, typ, reference)
	if errors.Is(err, domain.ErrDuplicateJournal) {
		logger.Debug(ctx, "journal already applied, skipping",
			"reference", reference, "user_id", userID, "currency", currency)
		return nil
	}
	return err
}

// Deposit 入金
func (l *Ledger) Deposit(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return errors.New("deposit amount must be positive")
	}
	return l.Credit(ctx, userID, currency, amount, domain.JournalDeposit, reference)
}

// Withdraw 出金，余额不足返回 ErrInsufficientBalance
func (l *Ledger) Withdraw(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return errors.New("withdraw amount must be positive")
	}
	return l.Credit(ctx, userID, currency, amount.Neg(), domain.JournalWithdraw, reference)
}

// History 账户流水分页
func (l *Ledger) History(ctx context.Context, accountID string, limit, offset int) ([]*domain.Journal, int64, error) {
	return l.journals.History(ctx, accountID, limit, offset)
}
