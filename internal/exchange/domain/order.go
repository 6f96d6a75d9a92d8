package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide 买卖方向
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	StatusOpen   OrderStatus = "OPEN"
	StatusClosed OrderStatus = "CLOSED"
)

// TradeLeg 单侧成交记录，嵌入订单的 trades 列表
// 每次撮合产生一对 leg，amount/price/cost/timestamp 完全一致
type TradeLeg struct {
	TradeID   string          `json:"trade_id"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Cost      decimal.Decimal `json:"cost"`
	Side      OrderSide       `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// Order 订单实体
// 不变量：Filled + Remaining == Amount；Status == CLOSED 当且仅当 Remaining == 0；
// Trades 只追加、按时间有序。仅撮合与结算在订单参与的轮次内修改它。
type Order struct {
	OrderID     string
	UserID      string
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Filled      decimal.Decimal
	Remaining   decimal.Decimal
	Cost        decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	Status      OrderStatus
	Trades      []TradeLeg
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate 结构性校验，submit 入口调用；失败的订单被丢弃并记录
func (o *Order) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	}
	if o.OrderID == "" || o.UserID == "" || o.Symbol == "" {
		return fmt.Errorf("%w: missing id/user/symbol", ErrInvalidOrder)
	}
	if _, _, ok := SplitSymbol(o.Symbol); !ok {
		return fmt.Errorf("%w: malformed symbol %q", ErrInvalidOrder, o.Symbol)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	}
	if o.Type != TypeLimit && o.Type != TypeMarket {
		return fmt.Errorf("%w: type %q", ErrInvalidOrder, o.Type)
	}
	if !o.Amount.IsPositive() {
		return fmt.Errorf("%w: non-positive amount", ErrInvalidOrder)
	}
	if o.Type == TypeLimit && !o.Price.IsPositive() {
		return fmt.Errorf("%w: limit order requires positive price", ErrInvalidOrder)
	}
	if o.Type == TypeMarket && o.Price.IsNegative() {
		return fmt.Errorf("%w: negative price", ErrInvalidOrder)
	}
	if o.CreatedAt.IsZero() {
		return fmt.Errorf("%w: zero created_at", ErrInvalidOrder)
	}
	if o.Filled.Add(o.Remaining).Cmp(o.Amount) != 0 {
		return fmt.Errorf("%w: filled+remaining != amount", ErrInvalidOrder)
	}
	return nil
}

// IsOpen 订单是否仍可参与撮合
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// Fill 记录一笔成交：推进 Filled/Remaining/Cost，余量归零时关闭订单
func (o *Order) Fill(amount, price decimal.Decimal, ts time.Time) {
	o.Filled = o.Filled.Add(amount)
	o.Remaining = o.Remaining.Sub(amount)
	o.Cost = o.Cost.Add(amount.Mul(price))
	o.UpdatedAt = ts
	if o.Remaining.IsZero() {
		o.Status = StatusClosed
	}
}

// AppendLeg 追加一条成交记录，保持时间有序（只在队尾追加）
func (o *Order) AppendLeg(leg TradeLeg) {
	o.Trades = append(o.Trades, leg)
}

// Clone 深拷贝订单，撮合轮在副本上运算，批次被放弃时队列不受污染
func (o *Order) Clone() *Order {
	c := *o
	if len(o.Trades) > 0 {
		c.Trades = make([]TradeLeg, len(o.Trades))
		copy(c.Trades, o.Trades)
	}
	return &c
}
