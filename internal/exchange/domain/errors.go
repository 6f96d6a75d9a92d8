package domain

import "errors"

var (
	// ErrInvalidOrder 订单结构校验失败
	ErrInvalidOrder = errors.New("invalid order")
	// ErrOrderNotFound 订单不存在或不在队列中
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderLocked 订单正在被某一轮撮合持久化，稍后重试
	ErrOrderLocked = errors.New("order locked by an in-flight round")
	// ErrUnknownSymbol 交易对未注册或未激活
	ErrUnknownSymbol = errors.New("unknown or inactive symbol")
	// ErrQueueFull 交易对待撮合队列已满
	ErrQueueFull = errors.New("order queue is full")
	// ErrUnknownInterval 不支持的 K 线周期
	ErrUnknownInterval = errors.New("unknown kline interval")
)
