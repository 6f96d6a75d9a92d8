// 包 mysql 撮合引擎的 MySQL 仓储实现
package mysql

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/exchange/internal/exchange/domain"
	"github.com/wyfcoding/exchange/pkg/fixedpoint"
)

// MarketModel 交易对元数据表
type MarketModel struct {
	gorm.Model
	// 交易对符号，格式 BASE/QUOTE
	Symbol string `gorm:"column:symbol;type:varchar(20);uniqueIndex;not null"`
	// 价格精度（小数位）
	PricePrecision int32 `gorm:"column:price_precision;not null"`
	// 数量精度（小数位）
	AmountPrecision int32 `gorm:"column:amount_precision;not null"`
	// maker 费率（百分比）
	MakerFeeRate decimal.Decimal `gorm:"column:maker_fee_rate;type:decimal(10,6);not null"`
	// taker 费率（百分比）
	TakerFeeRate decimal.Decimal `gorm:"column:taker_fee_rate;type:decimal(10,6);not null"`
	// 状态
	Status string `gorm:"column:status;type:varchar(20);not null"`
}

// TableName 表名
func (MarketModel) TableName() string { return "markets" }

func (m *MarketModel) toDomain() *domain.Market {
	return &domain.Market{
		Symbol:          m.Symbol,
		PricePrecision:  m.PricePrecision,
		AmountPrecision: m.AmountPrecision,
		MakerFeeRate:    m.MakerFeeRate,
		TakerFeeRate:    m.TakerFeeRate,
		Status:          domain.MarketStatus(m.Status),
	}
}

// OrderModel 订单表
// 金额字段存 10^18 定点整数字符串，落库加容差、读出剥离，
// 避免二进制小数折损用户余额
type OrderModel struct {
	gorm.Model
	// 订单 ID (业务主键)
	OrderID string `gorm:"column:order_id;type:varchar(32);uniqueIndex;not null"`
	// 用户 ID
	UserID string `gorm:"column:user_id;type:varchar(32);index;not null"`
	// 交易对
	Symbol string `gorm:"column:symbol;type:varchar(20);index:idx_symbol_status;not null"`
	// 方向
	Side string `gorm:"column:side;type:varchar(4);not null"`
	// 类型
	Type string `gorm:"column:type;type:varchar(8);not null"`
	// 委托价，定点整数字符串
	Price string `gorm:"column:price;type:varchar(64);not null"`
	// 委托量
	Amount string `gorm:"column:amount;type:varchar(64);not null"`
	// 已成交量
	Filled string `gorm:"column:filled;type:varchar(64);not null"`
	// 未成交量
	Remaining string `gorm:"column:remaining;type:varchar(64);not null"`
	// 累计成交额
	Cost string `gorm:"column:cost;type:varchar(64);not null"`
	// 累计手续费
	Fee string `gorm:"column:fee;type:varchar(64);not null"`
	// 手续费货币
	FeeCurrency string `gorm:"column:fee_currency;type:varchar(10)"`
	// 状态
	Status string `gorm:"column:status;type:varchar(8);index:idx_symbol_status;not null"`
	// 成交明细，JSON 数组
	Trades string `gorm:"column:trades;type:text"`
	// 提交时间
	SubmittedAt time.Time `gorm:"column:submitted_at;not null"`
}

// TableName 表名
func (OrderModel) TableName() string { return "orders" }

func orderToModel(o *domain.Order) (*OrderModel, error) {
	trades, err := json.Marshal(o.Trades)
	if err != nil {
		return nil, fmt.Errorf("marshal trades: %w", err)
	}
	return &OrderModel{
		OrderID:     o.OrderID,
		UserID:      o.UserID,
		Symbol:      o.Symbol,
		Side:        string(o.Side),
		Type:        string(o.Type),
		Price:       fixedpoint.ToStored(o.Price),
		Amount:      fixedpoint.ToStored(o.Amount),
		Filled:      fixedpoint.ToStored(o.Filled),
		Remaining:   fixedpoint.ToStored(o.Remaining),
		Cost:        fixedpoint.ToStored(o.Cost),
		Fee:         fixedpoint.ToStored(o.Fee),
		FeeCurrency: o.FeeCurrency,
		Status:      string(o.Status),
		Trades:      string(trades),
		SubmittedAt: o.CreatedAt,
	}, nil
}

func (m *OrderModel) toDomain() (*domain.Order, error) {
	o := &domain.Order{
		OrderID:     m.OrderID,
		UserID:      m.UserID,
		Symbol:      m.Symbol,
		Side:        domain.OrderSide(m.Side),
		Type:        domain.OrderType(m.Type),
		FeeCurrency: m.FeeCurrency,
		Status:      domain.OrderStatus(m.Status),
		CreatedAt:   m.SubmittedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"price", m.Price, &o.Price},
		{"amount", m.Amount, &o.Amount},
		{"filled", m.Filled, &o.Filled},
		{"remaining", m.Remaining, &o.Remaining},
		{"cost", m.Cost, &o.Cost},
		{"fee", m.Fee, &o.Fee},
	}
	for _, f := range fields {
		v, err := fixedpoint.FromStored(f.raw)
		if err != nil {
			return nil, fmt.Errorf("order %s field %s: %w", m.OrderID, f.name, err)
		}
		*f.dst = v
	}
	if m.Trades != "" {
		if err := json.Unmarshal([]byte(m.Trades), &o.Trades); err != nil {
			return nil, fmt.Errorf("order %s trades: %w", m.OrderID, err)
		}
	}
	return o, nil
}

// KlineModel K 线表
// interval 是 MySQL 保留字，列名用 interval_period
type KlineModel struct {
	gorm.Model
	// 交易对
	Symbol string `gorm:"column:symbol;type:varchar(20);uniqueIndex:idx_symbol_interval_open;not null"`
	// 周期
	Interval string `gorm:"column:interval_period;type:varchar(8);uniqueIndex:idx_symbol_interval_open;not null"`
	// 桶起始时间
	OpenTime time.Time `gorm:"column:open_time;uniqueIndex:idx_symbol_interval_open;not null"`
	// 桶结束时间
	CloseTime time.Time `gorm:"column:close_time;not null"`
	// 开盘价
	Open decimal.Decimal `gorm:"column:open;type:decimal(32,18);not null"`
	// 最高价
	High decimal.Decimal `gorm:"column:high;type:decimal(32,18);not null"`
	// 最低价
	Low decimal.Decimal `gorm:"column:low;type:decimal(32,18);not null"`
	// 收盘价
	Close decimal.Decimal `gorm:"column:close;type:decimal(32,18);not null"`
	// 成交量
	Volume decimal.Decimal `gorm:"column:volume;type:decimal(32,18);not null"`
}

// TableName 表名
func (KlineModel) TableName() string { return "klines" }

func klineToModel(k *domain.Kline) *KlineModel {
	return &KlineModel{
		Symbol:    k.Symbol,
		Interval:  k.Interval,
		OpenTime:  k.OpenTime.UTC(),
		CloseTime: k.CloseTime.UTC(),
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
	}
}

func (m *KlineModel) toDomain() *domain.Kline {
	return &domain.Kline{
		Symbol:    m.Symbol,
		Interval:  m.Interval,
		OpenTime:  m.OpenTime.UTC(),
		CloseTime: m.CloseTime.UTC(),
		Open:      m.Open,
		High:      m.High,
		Low:       m.Low,
		Close:     m.Close,
		Volume:    m.Volume,
	}
}

// BookLevelModel 订单簿档位表，重启时不用，供外部报表消费
type BookLevelModel struct {
	gorm.Model
	// 交易对
	Symbol string `gorm:"column:symbol;type:varchar(20);uniqueIndex:idx_symbol_side_price;not null"`
	// 方向
	Side string `gorm:"column:side;type:varchar(4);uniqueIndex:idx_symbol_side_price;not null"`
	// 价格
	Price decimal.Decimal `gorm:"column:price;type:decimal(32,18);uniqueIndex:idx_symbol_side_price;not null"`
	// 挂单量
	Quantity decimal.Decimal `gorm:"column:quantity;type:decimal(32,18);not null"`
}

// TableName 表名
func (BookLevelModel) TableName() string { return "book_levels" }
