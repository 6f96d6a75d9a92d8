package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kline 单交易对单周期的 OHLCV 桶，按桶起始时间定位
type Kline struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// IntervalDay 日线周期名，ticker 推导依赖它
const IntervalDay = "1d"

var intervalDurations = map[string]time.Duration{
	"1m":        time.Minute,
	"5m":        5 * time.Minute,
	"15m":       15 * time.Minute,
	"30m":       30 * time.Minute,
	"1h":        time.Hour,
	"4h":        4 * time.Hour,
	IntervalDay: 24 * time.Hour,
}

// IntervalDuration 查询周期时长
func IntervalDuration(interval string) (time.Duration, bool) {
	d, ok := intervalDurations[interval]
	return d, ok
}

// BucketStart 将时刻归一化到所属桶的起始时间（UTC）
func BucketStart(ts time.Time, interval string) time.Time {
	d := intervalDurations[interval]
	return ts.UTC().Truncate(d)
}

// KlineSeries 单交易对的多周期流式聚合器。
// 每个 (symbol, interval) 只有一个可变的当前桶；已封口的桶是不可变历史。
// 启动时用最近一条持久化 K 线作为种子。
type KlineSeries struct {
	symbol    string
	intervals []string
	current   map[string]*Kline
}

// NewKlineSeries 创建聚合器，seed 为每个周期最近一条持久化 K 线（可为空）
func NewKlineSeries(symbol string, intervals []string, seed map[string]*Kline) *KlineSeries {
	s := &KlineSeries{
		symbol:    symbol,
		intervals: intervals,
		current:   make(map[string]*Kline, len(intervals)),
	}
	for _, iv := range intervals {
		if k := seed[iv]; k != nil {
			s.current[iv] = k
		}
	}
	return s
}

// Current 返回某周期的当前桶，可能为 nil
func (s *KlineSeries) Current(interval string) *Kline {
	return s.current[interval]
}

// Apply 将一笔成交流式合并进每个周期的当前桶，O(1)，不回扫历史。
// 返回本次更新后的当前桶（touched）与因跨越周期边界而封口的桶（sealed）。
// 新桶的 open 取前一桶的 close，无历史时取成交价。
func (s *KlineSeries) Apply(price, amount decimal.Decimal, now time.Time) (touched, sealed []*Kline) {
	for _, iv := range s.intervals {
		dur, ok := intervalDurations[iv]
		if !ok {
			continue
		}
		bucket := BucketStart(now, iv)

		cur := s.current[iv]
		if cur == nil || !cur.OpenTime.Equal(bucket) {
			open := price
			if cur != nil {
				sealed = append(sealed, cur)
				open = cur.Close
			}
			next := &Kline{
				Symbol:    s.symbol,
				Interval:  iv,
				OpenTime:  bucket,
				CloseTime: bucket.Add(dur),
				Open:      open,
				High:      decimal.Max(open, price),
				Low:       decimal.Min(open, price),
				Close:     price,
				Volume:    amount,
			}
			s.current[iv] = next
			touched = append(touched, next)
			continue
		}

		cur.Close = price
		if price.GreaterThan(cur.High) {
			cur.High = price
		}
		if price.LessThan(cur.Low) {
			cur.Low = price
		}
		cur.Volume = cur.Volume.Add(amount)
		touched = append(touched, cur)
	}
	return touched, sealed
}
