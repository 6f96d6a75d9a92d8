// 包 application 撮合引擎的应用层：引擎编排与成交结算
package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	accountapp "github.com/wyfcoding/exchange/internal/account/application"
	accountdomain "github.com/wyfcoding/exchange/internal/account/domain"
	"github.com/wyfcoding/exchange/internal/exchange/domain"
	"github.com/wyfcoding/exchange/pkg/logger"
)

var hundred = decimal.NewFromInt(100)

// Wallet 结算需要的资金台账能力。
// Credit 必须按 reference 幂等，结算重试不会重复入账。
type Wallet interface {
	Credit(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) error
}

// LedgerWallet 把账户服务的台账适配成结算入口
type LedgerWallet struct {
	ledger *accountapp.Ledger
}

// NewLedgerWallet 创建台账适配器
func NewLedgerWallet(ledger *accountapp.Ledger) *LedgerWallet {
	return &LedgerWallet{ledger: ledger}
}

// Credit 成交入账
func (w *LedgerWallet) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) error {
	return w.ledger.Credit(ctx, userID, currency, amount, accountdomain.JournalTrade, reference)
}

// FeeBreakdown 单个成交对的手续费拆分
// 买方手续费按基础货币（对成交量计），卖方按计价货币（对成交额计）
type FeeBreakdown struct {
	Pair      *domain.MatchedPair
	BuyerFee  decimal.Decimal
	SellerFee decimal.Decimal
}

// PrepareFees 在订单落库前计算手续费并累加到订单上。
// taker 方用 taker 费率，另一方用 maker 费率，费率为百分比。
func PrepareFees(market *domain.Market, pairs []*domain.MatchedPair) []FeeBreakdown {
	entries := make([]FeeBreakdown, 0, len(pairs))
	for _, p := range pairs {
		buyerTaker := p.TakerSide == domain.SideBuy
		buyerFee := p.Amount.Mul(market.FeeRate(buyerTaker)).Div(hundred)
		sellerFee := p.Cost.Mul(market.FeeRate(!buyerTaker)).Div(hundred)

		p.Buy.Fee = p.Buy.Fee.Add(buyerFee)
		p.Buy.FeeCurrency = market.Base
		p.Sell.Fee = p.Sell.Fee.Add(sellerFee)
		p.Sell.FeeCurrency = market.Quote

		entries = append(entries, FeeBreakdown{Pair: p, BuyerFee: buyerFee, SellerFee: sellerFee})
	}
	return entries
}

// Settler 成交结算器：买方得基础货币、卖方得计价货币，各自扣除手续费
type Settler struct {
	wallet Wallet
}

// NewSettler 创建结算器
func NewSettler(wallet Wallet) *Settler {
	return &Settler{wallet: wallet}
}

// Apply 对一批成交执行资金入账。
// 入账流水号 = trade_id:order_id，台账按流水号去重，整批可安全重放。
// 单笔失败不中断其余入账，错误聚合返回。
func (s *Settler) Apply(ctx context.Context, market *domain.Market, entries []FeeBreakdown) error {
	var errs []error
	for _, e := range entries {
		p := e.Pair

		buyAmount := p.Amount.Sub(e.BuyerFee)
		buyRef := fmt.Sprintf("%s:%s", p.TradeID, p.Buy.OrderID)
		if err := s.wallet.Credit(ctx, p.Buy.UserID, market.Base, buyAmount, buyRef); err != nil {
			logger.Error(ctx, "Failed to credit buyer",
				"trade_id", p.TradeID, "order_id", p.Buy.OrderID, "error", err)
			errs = append(errs, fmt.Errorf("credit buyer %s: %w", buyRef, err))
		}

		sellAmount := p.Cost.Sub(e.SellerFee)
		sellRef := fmt.Sprintf("%s:%s", p.TradeID, p.Sell.OrderID)
		if err := s.wallet.Credit(ctx, p.Sell.UserID, market.Quote, sellAmount, sellRef); err != nil {
			logger.Error(ctx, "Failed to credit seller",
				"trade_id", p.TradeID, "order_id", p.Sell.OrderID, "error", err)
			errs = append(errs, fmt.Errorf("credit seller %s: %w", sellRef, err))
		}
	}
	return errors.Join(errs...)
}
