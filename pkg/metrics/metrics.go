// Package metrics 提供 Prometheus helper，覆盖撮合引擎的核心业务指标
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wyfcoding/exchange/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// 提交订单计数
	OrdersSubmitted prometheus.Counter
	// 校验失败被拒绝的订单计数
	OrdersRejected prometheus.Counter
	// 取消订单计数
	OrdersCancelled prometheus.Counter
	// 成交（撮合对）计数
	TradesTotal prometheus.Counter
	// 撮合轮耗时
	RoundDuration prometheus.Histogram
	// 因锁冲突被放弃的批次计数
	BatchesAbandoned prometheus.Counter
	// 持久化批次失败计数
	BatchFailures prometheus.Counter
	// 钱包结算失败计数
	SettlementFailures prometheus.Counter
	// 广播失败计数
	BroadcastFailures prometheus.Counter
	// 当前排队订单数
	QueuedOrders prometheus.Gauge
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "orders_submitted_total",
			Help:      "Total orders accepted by submit",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "orders_rejected_total",
			Help:      "Total orders rejected by validation",
		}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "orders_cancelled_total",
			Help:      "Total orders cancelled",
		}),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "trades_total",
			Help:      "Total matched pairs settled",
		}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "round_duration_seconds",
			Help:      "Matching round duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		BatchesAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "batches_abandoned_total",
			Help:      "Round batches abandoned due to order lock conflicts",
		}),
		BatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "batch_failures_total",
			Help:      "Persistence batch failures",
		}),
		SettlementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "settlement_failures_total",
			Help:      "Wallet settlement failures per matched pair",
		}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "broadcast_failures_total",
			Help:      "Broadcast publish failures",
		}),
		QueuedOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "queued_orders",
			Help:      "Orders currently waiting for a matching round",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.OrdersSubmitted,
		m.OrdersRejected,
		m.OrdersCancelled,
		m.TradesTotal,
		m.RoundDuration,
		m.BatchesAbandoned,
		m.BatchFailures,
		m.SettlementFailures,
		m.BroadcastFailures,
		m.QueuedOrders,
	}

	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) error {
	if path == "" {
		path = "/metrics"
	}

	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "Starting Prometheus HTTP server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Error(context.Background(), "Failed to start Prometheus HTTP server", "error", err)
		}
	}()

	return nil
}
