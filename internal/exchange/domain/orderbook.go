package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// BookSide 订单簿方向
type BookSide string

const (
	BidSide BookSide = "BID"
	AskSide BookSide = "ASK"
)

// SideOf 订单方向到订单簿方向的映射
func SideOf(side OrderSide) BookSide {
	if side == SideBuy {
		return BidSide
	}
	return AskSide
}

// PriceLevel 单个价格档位的聚合挂单量
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// LevelDelta 撮合输出的档位变化量：从该档位扣减 Quantity
type LevelDelta struct {
	Side     BookSide
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// LevelChange 持久化与广播用的档位变更，Quantity <= 0 表示删除该档
type LevelChange struct {
	Symbol   string          `json:"symbol"`
	Side     BookSide        `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Depth 单交易对的内存订单簿深度。
// 不变量：某档位的量等于停留在该档的 OPEN 订单 Remaining 之和。
// 启动时由持久化的订单余量重建，稳态只做增量维护，不做全量重算。
type Depth struct {
	Symbol string
	bids   map[string]*PriceLevel
	asks   map[string]*PriceLevel
}

// NewDepth 创建空订单簿
func NewDepth(symbol string) *Depth {
	return &Depth{
		Symbol: symbol,
		bids:   make(map[string]*PriceLevel),
		asks:   make(map[string]*PriceLevel),
	}
}

func (d *Depth) levels(side BookSide) map[string]*PriceLevel {
	if side == BidSide {
		return d.bids
	}
	return d.asks
}

// Add 在档位上累加挂单量，submit 时乐观合并，使深度在撮合前即可见
func (d *Depth) Add(side BookSide, price, qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	m := d.levels(side)
	key := price.String()
	if lvl, ok := m[key]; ok {
		lvl.Quantity = lvl.Quantity.Add(qty)
		return
	}
	m[key] = &PriceLevel{Price: price, Quantity: qty}
}

// Reduce 从档位扣减挂单量，归零或为负的档位整体移除
func (d *Depth) Reduce(side BookSide, price, qty decimal.Decimal) {
	m := d.levels(side)
	key := price.String()
	lvl, ok := m[key]
	if !ok {
		return
	}
	lvl.Quantity = lvl.Quantity.Sub(qty)
	if !lvl.Quantity.IsPositive() {
		delete(m, key)
	}
}

// ApplyDeltas 应用一轮撮合产生的全部档位扣减，
// 返回每个受影响档位的最终状态用于持久化
func (d *Depth) ApplyDeltas(deltas []LevelDelta) []LevelChange {
	changes := make([]LevelChange, 0, len(deltas))
	for _, delta := range deltas {
		d.Reduce(delta.Side, delta.Price, delta.Quantity)
		changes = append(changes, LevelChange{
			Symbol:   d.Symbol,
			Side:     delta.Side,
			Price:    delta.Price,
			Quantity: d.Quantity(delta.Side, delta.Price),
		})
	}
	return changes
}

// Quantity 查询档位当前挂单量，不存在返回零
func (d *Depth) Quantity(side BookSide, price decimal.Decimal) decimal.Decimal {
	if lvl, ok := d.levels(side)[price.String()]; ok {
		return lvl.Quantity
	}
	return decimal.Zero
}

// DepthSnapshot 订单簿快照，买盘降序、卖盘升序
type DepthSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Snapshot 生成排序后的快照，limit <= 0 表示不限档数
func (d *Depth) Snapshot(limit int) *DepthSnapshot {
	snap := &DepthSnapshot{
		Symbol:    d.Symbol,
		Bids:      collectLevels(d.bids, true, limit),
		Asks:      collectLevels(d.asks, false, limit),
		Timestamp: time.Now(),
	}
	return snap
}

func collectLevels(m map[string]*PriceLevel, desc bool, limit int) []PriceLevel {
	out := make([]PriceLevel, 0, len(m))
	for _, lvl := range m {
		out = append(out, *lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
