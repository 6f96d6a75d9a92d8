package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MatchedPair 一对成交的买卖订单及其成交要素
type MatchedPair struct {
	TradeID   string
	Buy       *Order
	Sell      *Order
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Cost      decimal.Decimal
	TakerSide OrderSide
	Time      time.Time
}

// MatchResult 一轮撮合的全部输出：成交对、被修改的订单、档位扣减量
type MatchResult struct {
	Pairs     []*MatchedPair
	Touched   []*Order
	Deltas    []LevelDelta
	LastPrice decimal.Decimal
}

// Match 对单交易对的待撮合订单执行一轮价格-时间优先撮合。
// 纯函数：只修改传入的订单（调用方传副本即可安全放弃整个批次）。
//
// 规则：
//   - BUY 按价格降序、SELL 按价格升序，MARKET 优先于 LIMIT，同价按 CreatedAt 先后；
//   - 双方均为 MARKET、一方为 MARKET，或 LIMIT 且 buyPrice >= sellPrice 时成交；
//   - 成交量 = min(买方余量, 卖方余量)；
//   - 成交价：一方为 MARKET 时取对手 LIMIT 价；双方 LIMIT 取先挂出一方（maker）价；
//     双方 MARKET 取最近成交价，无参考价时跳过该对；
//   - 余量归零的 LIMIT 推进游标；有余量的 MARKET 停留原地继续吃流动性；
//   - LIMIT 对不交叉即终止（价格有序保证其后不会更优）。
func Match(pending []*Order, lastPrice decimal.Decimal, now time.Time, nextTradeID func() string) *MatchResult {
	res := &MatchResult{LastPrice: lastPrice}

	var buys, sells []*Order
	for _, o := range pending {
		if !o.IsOpen() {
			continue
		}
		if o.Side == SideBuy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}

	sortSide(buys, true)
	sortSide(sells, false)

	touched := make(map[string]bool)

	i, j := 0, 0
	for i < len(buys) && j < len(sells) {
		b, s := buys[i], sells[j]
		if b.Remaining.IsZero() {
			i++
			continue
		}
		if s.Remaining.IsZero() {
			j++
			continue
		}

		bMarket := b.Type == TypeMarket
		sMarket := s.Type == TypeMarket

		var price decimal.Decimal
		switch {
		case bMarket && sMarket:
			if !res.LastPrice.IsPositive() {
				// 双方都没有价格且无成交参考价，跳过该卖单，留在队列等待
				j++
				continue
			}
			price = res.LastPrice
		case bMarket:
			price = s.Price
		case sMarket:
			price = b.Price
		default:
			if b.Price.LessThan(s.Price) {
				// 价格有序，其后不会再交叉
				i = len(buys)
				continue
			}
			if b.CreatedAt.Before(s.CreatedAt) {
				price = b.Price
			} else {
				price = s.Price
			}
		}

		amount := decimal.Min(b.Remaining, s.Remaining)
		cost := amount.Mul(price)
		tradeID := nextTradeID()

		b.Fill(amount, price, now)
		s.Fill(amount, price, now)
		b.AppendLeg(TradeLeg{TradeID: tradeID, Amount: amount, Price: price, Cost: cost, Side: SideBuy, Timestamp: now})
		s.AppendLeg(TradeLeg{TradeID: tradeID, Amount: amount, Price: price, Cost: cost, Side: SideSell, Timestamp: now})

		takerSide := SideSell
		if b.CreatedAt.After(s.CreatedAt) {
			takerSide = SideBuy
		} else if bMarket && !sMarket {
			takerSide = SideBuy
		}

		res.Pairs = append(res.Pairs, &MatchedPair{
			TradeID:   tradeID,
			Buy:       b,
			Sell:      s,
			Amount:    amount,
			Price:     price,
			Cost:      cost,
			TakerSide: takerSide,
			Time:      now,
		})
		res.LastPrice = price

		// MARKET 订单从未进入深度，不产生档位扣减
		if !bMarket {
			res.Deltas = append(res.Deltas, LevelDelta{Side: BidSide, Price: b.Price, Quantity: amount})
		}
		if !sMarket {
			res.Deltas = append(res.Deltas, LevelDelta{Side: AskSide, Price: s.Price, Quantity: amount})
		}

		if !touched[b.OrderID] {
			touched[b.OrderID] = true
			res.Touched = append(res.Touched, b)
		}
		if !touched[s.OrderID] {
			touched[s.OrderID] = true
			res.Touched = append(res.Touched, s)
		}

		if b.Remaining.IsZero() {
			i++
		}
		if s.Remaining.IsZero() {
			j++
		}
	}

	return res
}

// sortSide 价格-时间优先排序：MARKET 在前，LIMIT 按价格优先级，同级按提交时间
func sortSide(orders []*Order, buy bool) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		aMarket := a.Type == TypeMarket
		bMarket := b.Type == TypeMarket
		if aMarket != bMarket {
			return aMarket
		}
		if aMarket {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if !a.Price.Equal(b.Price) {
			if buy {
				return a.Price.GreaterThan(b.Price)
			}
			return a.Price.LessThan(b.Price)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
