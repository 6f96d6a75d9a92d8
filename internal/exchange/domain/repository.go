package domain

import (
	"context"
	"time"
)

// OrderRepository 订单读仓储，引擎启动恢复与查询接口使用
type OrderRepository interface {
	// ListOpen 返回某交易对全部 OPEN 订单，用于启动时重建队列与深度
	ListOpen(ctx context.Context, symbol string) ([]*Order, error)
	Get(ctx context.Context, orderID string) (*Order, error)
}

// KlineRepository K 线读仓储
type KlineRepository interface {
	// Latest 某周期最近一条 K 线，作为聚合器种子；不存在返回 nil
	Latest(ctx context.Context, symbol, interval string) (*Kline, error)
	// DailyBefore 指定时刻之前最近一条日线，用于 ticker 的前收盘价
	DailyBefore(ctx context.Context, symbol string, before time.Time) (*Kline, error)
	Range(ctx context.Context, symbol, interval string, from, to time.Time, limit int) ([]*Kline, error)
}

// RoundBatch 一轮撮合需要原子落库的全部状态
type RoundBatch struct {
	Symbol string
	Orders []*Order
	Klines []*Kline
	Levels []LevelChange
}

// BatchWriter 撮合批次写仓储。WriteRound 必须原子：要么全部生效要么全部回滚
type BatchWriter interface {
	WriteRound(ctx context.Context, batch *RoundBatch) error
	// SaveOrder 单订单落库，submit 与 cancel 路径使用
	SaveOrder(ctx context.Context, order *Order) error
}
