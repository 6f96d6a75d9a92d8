// Package domain 撮合结算核心的领域模型
package domain

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// MarketStatus 交易对状态
type MarketStatus string

const (
	MarketStatusActive    MarketStatus = "ACTIVE"
	MarketStatusSuspended MarketStatus = "SUSPENDED"
)

// Market 交易对元数据
// 启动时加载一次，之后只读
type Market struct {
	// 交易对符号，格式 BASE/QUOTE
	Symbol string
	// 基础货币
	Base string
	// 计价货币
	Quote string
	// 价格精度（小数位）
	PricePrecision int32
	// 数量精度（小数位）
	AmountPrecision int32
	// maker 费率（百分比）
	MakerFeeRate decimal.Decimal
	// taker 费率（百分比）
	TakerFeeRate decimal.Decimal
	// 状态
	Status MarketStatus
}

// FeeRate 返回指定角色的费率
func (m *Market) FeeRate(taker bool) decimal.Decimal {
	if taker {
		return m.TakerFeeRate
	}
	return m.MakerFeeRate
}

// SplitSymbol 拆分 BASE/QUOTE 符号
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// MarketRepository 交易对仓储接口，仅在启动重建时读取
type MarketRepository interface {
	ListActive(ctx context.Context) ([]*Market, error)
}

// Registry 只读交易对注册表
type Registry struct {
	markets map[string]*Market
	symbols []string
}

// NewRegistry 从交易对列表构建注册表，Base/Quote 缺省时按符号拆分补全
func NewRegistry(list []*Market) *Registry {
	r := &Registry{markets: make(map[string]*Market, len(list))}
	for _, m := range list {
		if m.Base == "" || m.Quote == "" {
			if base, quote, ok := SplitSymbol(m.Symbol); ok {
				m.Base, m.Quote = base, quote
			}
		}
		if _, dup := r.markets[m.Symbol]; dup {
			continue
		}
		r.markets[m.Symbol] = m
		r.symbols = append(r.symbols, m.Symbol)
	}
	return r
}

// Get 获取交易对元数据
func (r *Registry) Get(symbol string) (*Market, bool) {
	m, ok := r.markets[symbol]
	return m, ok
}

// Symbols 返回全部已注册符号
func (r *Registry) Symbols() []string {
	out := make([]string, len(r.symbols))
	copy(out, r.symbols)
	return out
}
