package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker 派生行情，不落库，按需从日线桶重算
type Ticker struct {
	Symbol        string          `json:"symbol"`
	Last          decimal.Decimal `json:"last"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volume        decimal.Decimal `json:"volume"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TickerFrom 由当前日线桶与前一日收盘价推导 ticker。
// day 为 nil 时返回 nil（该交易对尚无成交）。
func TickerFrom(symbol string, day *Kline, prevClose decimal.Decimal) *Ticker {
	if day == nil {
		return nil
	}
	t := &Ticker{
		Symbol:    symbol,
		Last:      day.Close,
		Open:      day.Open,
		High:      day.High,
		Low:       day.Low,
		Volume:    day.Volume,
		UpdatedAt: time.Now(),
	}
	if prevClose.IsPositive() {
		t.Change = day.Close.Sub(prevClose)
		t.ChangePercent = t.Change.Div(prevClose).Mul(decimal.NewFromInt(100)).Round(4)
	}
	return t
}
