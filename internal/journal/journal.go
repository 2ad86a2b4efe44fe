// Package journal 写后持久化：单协程按序消费引擎事件与账本流水并落库。
// 内存状态先行生效，落库滞后但保序，重放以 ID 幂等。
package journal

import (
	"context"
	"time"

	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/ledger"
	"github.com/exchange/spot/internal/metrics"
	"github.com/exchange/spot/internal/repository"
	"github.com/exchange/spot/pkg/logger"
)

const (
	defaultQueueSize = 8192
	writeTimeout     = 5 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

type item struct {
	event *engine.Event
	entry *repository.LedgerEntry
}

// Journal 持久化日志
type Journal struct {
	orders   *repository.OrderRepository
	trades   *repository.TradeRepository
	balances *repository.BalanceRepository
	ids      engine.IDGen
	log      *logger.Logger

	queue chan item
	done  chan struct{}
}

// New 创建日志，queueSize <= 0 时取默认值
func New(
	orders *repository.OrderRepository,
	trades *repository.TradeRepository,
	balances *repository.BalanceRepository,
	ids engine.IDGen,
	log *logger.Logger,
	queueSize int,
) *Journal {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Journal{
		orders:   orders,
		trades:   trades,
		balances: balances,
		ids:      ids,
		log:      log,
		queue:    make(chan item, queueSize),
		done:     make(chan struct{}),
	}
}

// OnEvent 引擎事件回调。队列满时阻塞，对撮合形成背压。
func (j *Journal) OnEvent(ev engine.Event) {
	j.queue <- item{event: &ev}
	metrics.JournalQueueDepth.Set(float64(len(j.queue)))
}

// OnLedgerEntry 账本流水回调
func (j *Journal) OnLedgerEntry(e ledger.Entry) {
	entry := &repository.LedgerEntry{EntryID: j.ids.NextID(), Entry: e}
	j.queue <- item{entry: entry}
	metrics.JournalQueueDepth.Set(float64(len(j.queue)))
}

// Start 启动消费协程
func (j *Journal) Start() {
	go j.run()
}

// Close 停止接收并等待队列排空
func (j *Journal) Close() {
	close(j.queue)
	<-j.done
}

func (j *Journal) run() {
	defer close(j.done)

	for it := range j.queue {
		metrics.JournalQueueDepth.Set(float64(len(j.queue)))
		if it.entry != nil {
			j.persist(func(ctx context.Context) error {
				return j.balances.ApplyEntry(ctx, it.entry)
			})
			continue
		}
		j.persistEvent(it.event)
	}
}

func (j *Journal) persistEvent(ev *engine.Event) {
	switch ev.Type {
	case engine.EventTrade:
		j.persist(func(ctx context.Context) error {
			return j.trades.Insert(ctx, ev.Trade)
		})
	case engine.EventOrderAccepted, engine.EventOrderUpdated,
		engine.EventOrderCanceled, engine.EventStopTriggered:
		j.persist(func(ctx context.Context) error {
			return j.orders.Upsert(ctx, ev.Order)
		})
	}
}

// persist 带重试落库，重试耗尽后记录并继续，不阻塞后续事件
func (j *Journal) persist(fn func(ctx context.Context) error) {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay * time.Duration(attempt))
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err = fn(ctx)
		cancel()
		if err == nil {
			return
		}
	}
	metrics.JournalWriteErrors.Inc()
	j.log.WithError(err).Error("journal write failed after retries")
}
