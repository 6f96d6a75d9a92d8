// 包 messaging 撮合结果的 Kafka 广播实现
package messaging

import (
	"context"
	"fmt"

	"github.com/wyfcoding/exchange/internal/exchange/domain"
	"github.com/wyfcoding/exchange/pkg/mq"
)

// 消息按交易对分 topic，key 保证同一维度的消息落在同一分区内有序
const (
	topicTradePrefix  = "exchange.trades."
	topicOrderPrefix  = "exchange.orders."
	topicDepthPrefix  = "exchange.depth."
	topicKlinePrefix  = "exchange.klines."
	topicTickerPrefix = "exchange.tickers."
)

// KafkaBroadcaster 基于 Kafka 的广播实现，发送失败只向上返回，不重试不回滚
type KafkaBroadcaster struct {
	producer *mq.KafkaProducer
}

// NewKafkaBroadcaster 创建广播器
func NewKafkaBroadcaster(producer *mq.KafkaProducer) *KafkaBroadcaster {
	return &KafkaBroadcaster{producer: producer}
}

// BroadcastTrade 推送成交消息
func (b *KafkaBroadcaster) BroadcastTrade(ctx context.Context, trade *domain.TradeEvent) error {
	topic := topicTradePrefix + domain.TopicSymbol(trade.Symbol)
	return b.producer.SendMessage(ctx, topic, trade.TradeID, trade)
}

// BroadcastOrder 推送订单状态消息，按用户分区
func (b *KafkaBroadcaster) BroadcastOrder(ctx context.Context, order *domain.OrderEvent) error {
	topic := topicOrderPrefix + domain.TopicSymbol(order.Symbol)
	return b.producer.SendMessage(ctx, topic, order.UserID, order)
}

// BroadcastDepth 推送档位变更消息，按档位分区
func (b *KafkaBroadcaster) BroadcastDepth(ctx context.Context, change *domain.LevelChange) error {
	topic := topicDepthPrefix + domain.TopicSymbol(change.Symbol)
	key := fmt.Sprintf("%s:%s", change.Side, change.Price)
	return b.producer.SendMessage(ctx, topic, key, change)
}

// BroadcastKline 推送 K 线更新消息，按周期分区
func (b *KafkaBroadcaster) BroadcastKline(ctx context.Context, kline *domain.Kline) error {
	topic := topicKlinePrefix + domain.TopicSymbol(kline.Symbol)
	return b.producer.SendMessage(ctx, topic, kline.Interval, kline)
}

// BroadcastTicker 推送行情摘要消息
func (b *KafkaBroadcaster) BroadcastTicker(ctx context.Context, ticker *domain.Ticker) error {
	topic := topicTickerPrefix + domain.TopicSymbol(ticker.Symbol)
	return b.producer.SendMessage(ctx, topic, ticker.Symbol, ticker)
}
