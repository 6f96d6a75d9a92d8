package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var baseTime = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func newTestOrder(id string, side OrderSide, typ OrderType, price, amount string, offset time.Duration) *Order {
	p := decimal.RequireFromString(price)
	a := decimal.RequireFromString(amount)
	return &Order{
		OrderID:   id,
		UserID:    "u-" + id,
		Symbol:    "BTC/USDT",
		Side:      side,
		Type:      typ,
		Price:     p,
		Amount:    a,
		Remaining: a,
		Status:    StatusOpen,
		CreatedAt: baseTime.Add(offset),
	}
}

func seqTradeID() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("t-%d", n)
	}
}

func TestMatchFullFill(t *testing.T) {
	buy := newTestOrder("b1", SideBuy, TypeLimit, "100", "2", 0)
	sell := newTestOrder("s1", SideSell, TypeLimit, "100", "2", time.Second)

	res := Match([]*Order{buy, sell}, decimal.Zero, baseTime.Add(time.Minute), seqTradeID())

	if len(res.Pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(res.Pairs))
	}
	p := res.Pairs[0]
	if !p.Amount.Equal(decimal.NewFromInt(2)) || !p.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("pair amount=%s price=%s", p.Amount, p.Price)
	}
	if !p.Cost.Equal(decimal.NewFromInt(200)) {
		t.Errorf("cost = %s, want 200", p.Cost)
	}
	for _, o := range []*Order{buy, sell} {
		if o.Status != StatusClosed {
			t.Errorf("order %s status = %s, want CLOSED", o.OrderID, o.Status)
		}
		if !o.Remaining.IsZero() {
			t.Errorf("order %s remaining = %s", o.OrderID, o.Remaining)
		}
		if o.Filled.Add(o.Remaining).Cmp(o.Amount) != 0 {
			t.Errorf("order %s filled+remaining != amount", o.OrderID)
		}
	}
	if !res.LastPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("last price = %s", res.LastPrice)
	}
}

func TestMatchPartialFillLeavesRemainderOpen(t *testing.T) {
	buy := newTestOrder("b1", SideBuy, TypeLimit, "100", "5", 0)
	sell := newTestOrder("s1", SideSell, TypeLimit, "99", "2", time.Second)

	res := Match([]*Order{buy, sell}, decimal.Zero, baseTime.Add(time.Minute), seqTradeID())

	if len(res.Pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(res.Pairs))
	}
	// 买方先挂出，成交价取买方价
	if !res.Pairs[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("price = %s, want maker price 100", res.Pairs[0].Price)
	}
	if sell.Status != StatusClosed {
		t.Errorf("sell status = %s, want CLOSED", sell.Status)
	}
	if buy.Status != StatusOpen {
		t.Errorf("buy status = %s, want OPEN", buy.Status)
	}
	if !buy.Remaining.Equal(decimal.NewFromInt(3)) {
		t.Errorf("buy remaining = %s, want 3", buy.Remaining)
	}
	if !buy.Filled.Equal(decimal.NewFromInt(2)) {
		t.Errorf("buy filled = %s, want 2", buy.Filled)
	}
}

func TestMatchPriceTimePriority(t *testing.T) {
	// 高价买单优先；同价时先提交者优先
	b1 := newTestOrder("b1", SideBuy, TypeLimit, "101", "1", 2*time.Second)
	b2 := newTestOrder("b2", SideBuy, TypeLimit, "102", "1", 3*time.Second)
	b3 := newTestOrder("b3", SideBuy, TypeLimit, "102", "1", time.Second)
	sell := newTestOrder("s1", SideSell, TypeLimit, "100", "2", 4*time.Second)

	res := Match([]*Order{b1, b2, b3, sell}, decimal.Zero, baseTime.Add(time.Minute), seqTradeID())

	if len(res.Pairs) != 2 {
		t.Fatalf("pairs = %d, want 2", len(res.Pairs))
	}
	if res.Pairs[0].Buy.OrderID != "b3" {
		t.Errorf("first fill buy = %s, want b3 (same price, earlier)", res.Pairs[0].Buy.OrderID)
	}
	if res.Pairs[1].Buy.OrderID != "b2" {
		t.Errorf("second fill buy = %s, want b2", res.Pairs[1].Buy.OrderID)
	}
	if b1.Status != StatusOpen {
		t.Errorf("b1 should stay open, got %s", b1.Status)
	}
}

func TestMatchNonCrossingTerminates(t *testing.T) {
	buy := newTestOrder("b1", SideBuy, TypeLimit, "99", "1", 0)
	sell := newTestOrder("s1", SideSell, TypeLimit, "100", "1", time.Second)

	res := Match([]*Order{buy, sell}, decimal.Zero, baseTime.Add(time.Minute), seqTradeID())

	if len(res.Pairs) != 0 {
		t.Fatalf("pairs = %d, want 0", len(res.Pairs))
	}
	if len(res.Touched) != 0 || len(res.Deltas) != 0 {
		t.Errorf("non-crossing round must not touch orders or levels")
	}
	if buy.Status != StatusOpen || sell.Status != StatusOpen {
		t.Errorf("orders must stay open")
	}
}

func TestMatchMarketOrderTakesRestingPrice(t *testing.T) {
	sell := newTestOrder("s1", SideSell, TypeLimit, "100", "3", 0)
	buy := newTestOrder("b1", SideBuy, TypeMarket, "0", "2", time.Second)

	res := Match([]*Order{buy, sell}, decimal.Zero, baseTime.Add(time.Minute), seqTradeID())

	if len(res.Pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(res.Pairs))
	}
	p := res.Pairs[0]
	if !p.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("price = %s, want resting limit price 100", p.Price)
	}
	if p.TakerSide != SideBuy {
		t.Errorf("taker = %s, want BUY", p.TakerSide)
	}
	// MARKET 订单不产生档位扣减，只有 LIMIT 卖方产生
	if len(res.Deltas) != 1 || res.Deltas[0].Side != AskSide {
		t.Fatalf("deltas = %+v, want single ASK delta", res.Deltas)
	}
	if buy.Status != StatusClosed {
		t.Errorf("market buy should be fully filled")
	}
	if !sell.Remaining.Equal(decimal.NewFromInt(1)) {
		t.Errorf("sell remaining = %s, want 1", sell.Remaining)
	}
}

func TestMatchMarketSweepsMultipleLevels(t *testing.T) {
	s1 := newTestOrder("s1", SideSell, TypeLimit, "100", "1", 0)
	s2 := newTestOrder("s2", SideSell, TypeLimit, "101", "1", time.Second)
	buy := newTestOrder("b1", SideBuy, TypeMarket, "0", "2", 2*time.Second)

	res := Match([]*Order{s1, s2, buy}, decimal.Zero, baseTime.Add(time.Minute), seqTradeID())

	if len(res.Pairs) != 2 {
		t.Fatalf("pairs = %d, want 2", len(res.Pairs))
	}
	if !res.Pairs[0].Price.Equal(decimal.NewFromInt(100)) || !res.Pairs[1].Price.Equal(decimal.NewFromInt(101)) {
		t.Errorf("fills must sweep asks in ascending price order: %s, %s",
			res.Pairs[0].Price, res.Pairs[1].Price)
	}
	if !res.LastPrice.Equal(decimal.NewFromInt(101)) {
		t.Errorf("last price = %s, want 101", res.LastPrice)
	}
	if buy.Status != StatusClosed {
		t.Errorf("market buy should close after sweeping")
	}
}

func TestMatchMarketOrderExceedingLiquidityStaysOpen(t *testing.T) {
	buy := newTestOrder("b1", SideBuy, TypeLimit, "100", "3", 0)
	sell := newTestOrder("s1", SideSell, TypeMarket, "0", "5", time.Second)

	res := Match([]*Order{buy, sell}, decimal.Zero, baseTime.Add(time.Minute), seqTradeID())

	if len(res.Pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(res.Pairs))
	}
	p := res.Pairs[0]
	if !p.Amount.Equal(decimal.NewFromInt(3)) || !p.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("pair amount=%s price=%s, want 3 @ 100", p.Amount, p.Price)
	}
	if buy.Status != StatusClosed {
		t.Errorf("resting buy status = %s, want CLOSED", buy.Status)
	}
	// 流动性耗尽后市价单不凭空成交，带余量留在队列等下一轮
	if sell.Status != StatusOpen {
		t.Errorf("market sell status = %s, want OPEN", sell.Status)
	}
	if !sell.Filled.Equal(decimal.NewFromInt(3)) || !sell.Remaining.Equal(decimal.NewFromInt(2)) {
		t.Errorf("market sell filled=%s remaining=%s, want 3/2", sell.Filled, sell.Remaining)
	}
	if len(res.Deltas) != 1 || res.Deltas[0].Side != BidSide {
		t.Errorf("deltas = %+v, want single BID delta", res.Deltas)
	}

	// 新流动性到达后余量继续成交
	buy2 := newTestOrder("b2", SideBuy, TypeLimit, "101", "2", 2*time.Second)
	res2 := Match([]*Order{buy2, sell}, res.LastPrice, baseTime.Add(2*time.Minute), seqTradeID())
	if len(res2.Pairs) != 1 || !res2.Pairs[0].Amount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("follow-up round pairs = %+v, want single fill of 2", res2.Pairs)
	}
	if sell.Status != StatusClosed || !sell.Remaining.IsZero() {
		t.Errorf("market sell not closed after fresh liquidity: status=%s remaining=%s",
			sell.Status, sell.Remaining)
	}
}

func TestMatchBothMarketUsesLastPrice(t *testing.T) {
	buy := newTestOrder("b1", SideBuy, TypeMarket, "0", "1", 0)
	sell := newTestOrder("s1", SideSell, TypeMarket, "0", "1", time.Second)

	res := Match([]*Order{buy, sell}, decimal.NewFromInt(123), baseTime.Add(time.Minute), seqTradeID())

	if len(res.Pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(res.Pairs))
	}
	if !res.Pairs[0].Price.Equal(decimal.NewFromInt(123)) {
		t.Errorf("price = %s, want last price 123", res.Pairs[0].Price)
	}
	if len(res.Deltas) != 0 {
		t.Errorf("two market orders must not produce level deltas")
	}
}

func TestMatchBothMarketWithoutReferenceSkips(t *testing.T) {
	buy := newTestOrder("b1", SideBuy, TypeMarket, "0", "1", 0)
	sell := newTestOrder("s1", SideSell, TypeMarket, "0", "1", time.Second)

	res := Match([]*Order{buy, sell}, decimal.Zero, baseTime.Add(time.Minute), seqTradeID())

	if len(res.Pairs) != 0 {
		t.Fatalf("pairs = %d, want 0 (no reference price)", len(res.Pairs))
	}
	if buy.Status != StatusOpen || sell.Status != StatusOpen {
		t.Errorf("orders must stay open")
	}
}

func TestMatchTradeLegsMirrorEachPair(t *testing.T) {
	buy := newTestOrder("b1", SideBuy, TypeLimit, "100", "2", 0)
	sell := newTestOrder("s1", SideSell, TypeLimit, "100", "2", time.Second)

	res := Match([]*Order{buy, sell}, decimal.Zero, baseTime.Add(time.Minute), seqTradeID())

	if len(buy.Trades) != 1 || len(sell.Trades) != 1 {
		t.Fatalf("each order must carry one leg, got %d/%d", len(buy.Trades), len(sell.Trades))
	}
	bl, sl := buy.Trades[0], sell.Trades[0]
	if bl.TradeID != sl.TradeID {
		t.Errorf("legs must share a trade id: %s vs %s", bl.TradeID, sl.TradeID)
	}
	if !bl.Amount.Equal(sl.Amount) || !bl.Price.Equal(sl.Price) || !bl.Cost.Equal(sl.Cost) {
		t.Errorf("legs must mirror amount/price/cost")
	}
	if bl.Side != SideBuy || sl.Side != SideSell {
		t.Errorf("leg sides wrong: %s/%s", bl.Side, sl.Side)
	}
	if res.Pairs[0].TradeID != bl.TradeID {
		t.Errorf("pair trade id must match legs")
	}
}

func TestMatchVolumeConservation(t *testing.T) {
	orders := []*Order{
		newTestOrder("b1", SideBuy, TypeLimit, "102", "3", 0),
		newTestOrder("b2", SideBuy, TypeLimit, "101", "2", time.Second),
		newTestOrder("s1", SideSell, TypeLimit, "100", "4", 2*time.Second),
		newTestOrder("s2", SideSell, TypeLimit, "101", "3", 3*time.Second),
	}

	res := Match(orders, decimal.Zero, baseTime.Add(time.Minute), seqTradeID())

	var bought, sold decimal.Decimal
	for _, o := range orders {
		if o.Filled.Add(o.Remaining).Cmp(o.Amount) != 0 {
			t.Errorf("order %s filled+remaining != amount", o.OrderID)
		}
		if o.Side == SideBuy {
			bought = bought.Add(o.Filled)
		} else {
			sold = sold.Add(o.Filled)
		}
	}
	if !bought.Equal(sold) {
		t.Errorf("bought %s != sold %s", bought, sold)
	}
	var paired decimal.Decimal
	for _, p := range res.Pairs {
		paired = paired.Add(p.Amount)
	}
	if !paired.Equal(bought) {
		t.Errorf("pair volume %s != filled volume %s", paired, bought)
	}
}

func TestMatchDoesNotTouchClosedOrders(t *testing.T) {
	closed := newTestOrder("c1", SideSell, TypeLimit, "100", "1", 0)
	closed.Status = StatusClosed
	closed.Filled = closed.Amount
	closed.Remaining = decimal.Zero
	buy := newTestOrder("b1", SideBuy, TypeLimit, "100", "1", time.Second)

	res := Match([]*Order{closed, buy}, decimal.Zero, baseTime.Add(time.Minute), seqTradeID())

	if len(res.Pairs) != 0 {
		t.Fatalf("closed order must not trade")
	}
}
