package domain

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Broadcaster 撮合结果的对外广播通道。
// 广播属尽力而为：失败只记录，不回滚任何状态。
type Broadcaster interface {
	BroadcastTrade(ctx context.Context, trade *TradeEvent) error
	BroadcastOrder(ctx context.Context, order *OrderEvent) error
	BroadcastDepth(ctx context.Context, change *LevelChange) error
	BroadcastKline(ctx context.Context, kline *Kline) error
	BroadcastTicker(ctx context.Context, ticker *Ticker) error
}

// TradeEvent 成交广播消息
type TradeEvent struct {
	TradeID   string          `json:"trade_id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Cost      decimal.Decimal `json:"cost"`
	TakerSide OrderSide       `json:"taker_side"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderEvent 订单状态广播消息，面向用户流
type OrderEvent struct {
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Type      OrderType       `json:"type"`
	Status    OrderStatus     `json:"status"`
	Filled    decimal.Decimal `json:"filled"`
	Remaining decimal.Decimal `json:"remaining"`
	Cost      decimal.Decimal `json:"cost"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}

// TradeEventFrom 由成交对生成广播消息
func TradeEventFrom(symbol string, p *MatchedPair) *TradeEvent {
	return &TradeEvent{
		TradeID:   p.TradeID,
		Symbol:    symbol,
		Price:     p.Price,
		Amount:    p.Amount,
		Cost:      p.Cost,
		TakerSide: p.TakerSide,
		Timestamp: p.Time,
	}
}

// OrderEventFrom 由订单当前状态生成广播消息
func OrderEventFrom(o *Order) *OrderEvent {
	return &OrderEvent{
		OrderID:   o.OrderID,
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Type:      o.Type,
		Status:    o.Status,
		Filled:    o.Filled,
		Remaining: o.Remaining,
		Cost:      o.Cost,
		Fee:       o.Fee,
		Timestamp: o.UpdatedAt,
	}
}

// TopicSymbol 交易对符号转 topic 片段，"/" 在 topic 命名里非法
func TopicSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}
