// Package metrics Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersTotal 下单结果计数
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spot",
		Name:      "orders_total",
		Help:      "Orders processed by result",
	}, []string{"symbol", "result"})

	// TradesTotal 成交笔数
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spot",
		Name:      "trades_total",
		Help:      "Trades executed",
	}, []string{"symbol"})

	// CancelsTotal 撤单计数
	CancelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spot",
		Name:      "cancels_total",
		Help:      "Order cancellations by result",
	}, []string{"result"})

	// JournalQueueDepth 日志待写队列长度
	JournalQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spot",
		Name:      "journal_queue_depth",
		Help:      "Pending items in the persistence journal",
	})

	// JournalWriteErrors 落库失败计数
	JournalWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spot",
		Name:      "journal_write_errors_total",
		Help:      "Journal persistence failures after retries",
	})

	// SimulatorTicks 模拟器心跳计数
	SimulatorTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spot",
		Name:      "simulator_ticks_total",
		Help:      "Market simulator ticks by outcome",
	}, []string{"symbol", "outcome"})

	// RequestDuration HTTP 请求耗时
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spot",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path", "method", "status"})
)
