// Package market 行情读模型：滚动 24 小时统计、最近成交列表，
// 并将成交与行情推送到 Redis 频道供网关层分发。
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/metrics"
	"github.com/exchange/spot/pkg/logger"
)

const (
	// 滚动窗口按小时分桶，24 个整桶加当前桶
	bucketCount    = 25
	bucketDuration = time.Hour

	defaultTapeSize = 500
	publishTimeout  = 2 * time.Second
)

// Ticker 24 小时行情
type Ticker struct {
	Symbol      string `json:"symbol"`
	LastPrice   int64  `json:"lastPrice"`
	OpenPrice   int64  `json:"openPrice"`
	HighPrice   int64  `json:"highPrice"`
	LowPrice    int64  `json:"lowPrice"`
	Volume      int64  `json:"volume"`      // 基础资产
	QuoteVolume int64  `json:"quoteVolume"` // 计价资产
	TradeCount  int64  `json:"tradeCount"`
	TimeMs      int64  `json:"timeMs"`
}

// bucket 单一小时桶
type bucket struct {
	startMs     int64
	open        int64
	high        int64
	low         int64
	volume      int64
	quoteVolume int64
	count       int64
}

type symbolState struct {
	lastPrice int64
	buckets   [bucketCount]bucket
	tape      []*engine.Trade // 新的在前
}

// Service 行情服务
type Service struct {
	mu       sync.RWMutex
	symbols  map[string]*symbolState
	tapeSize int

	rdb   redis.UniversalClient // 可为 nil
	log   *logger.Logger
	nowMs func() int64
}

// Option 构造选项
type Option func(*Service)

// WithRedis 启用 Redis 推送
func WithRedis(rdb redis.UniversalClient) Option {
	return func(s *Service) { s.rdb = rdb }
}

// WithTapeSize 设置成交列表长度
func WithTapeSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.tapeSize = n
		}
	}
}

// WithClock 注入时钟，测试用
func WithClock(nowMs func() int64) Option {
	return func(s *Service) { s.nowMs = nowMs }
}

// New 创建行情服务
func New(log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		symbols:  make(map[string]*symbolState),
		tapeSize: defaultTapeSize,
		log:      log,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnEvent 引擎事件回调，只消费成交
func (s *Service) OnEvent(ev engine.Event) {
	if ev.Type != engine.EventTrade || ev.Trade == nil {
		return
	}
	s.Record(ev.Trade)
}

// Record 记录一笔成交
func (s *Service) Record(t *engine.Trade) {
	s.mu.Lock()

	st, ok := s.symbols[t.Symbol]
	if !ok {
		st = &symbolState{}
		s.symbols[t.Symbol] = st
	}

	st.lastPrice = t.Price

	b := s.currentBucket(st, t.TimeMs)
	if b.count == 0 {
		b.open = t.Price
		b.high = t.Price
		b.low = t.Price
	} else {
		if t.Price > b.high {
			b.high = t.Price
		}
		if t.Price < b.low {
			b.low = t.Price
		}
	}
	b.volume += t.Qty
	b.quoteVolume += t.QuoteQty
	b.count++

	st.tape = append([]*engine.Trade{t}, st.tape...)
	if len(st.tape) > s.tapeSize {
		st.tape = st.tape[:s.tapeSize]
	}

	ticker := s.tickerLocked(t.Symbol, st)
	s.mu.Unlock()

	metrics.TradesTotal.WithLabelValues(t.Symbol).Inc()
	s.publish(t, ticker)
}

// currentBucket 取成交所在的小时桶，过期桶就地清零复用
func (s *Service) currentBucket(st *symbolState, tMs int64) *bucket {
	startMs := tMs - tMs%bucketDuration.Milliseconds()
	idx := (tMs / bucketDuration.Milliseconds()) % bucketCount
	b := &st.buckets[idx]
	if b.startMs != startMs {
		*b = bucket{startMs: startMs}
	}
	return b
}

// Ticker 24 小时行情，无成交的交易对返回 false
func (s *Service) Ticker(sym string) (*Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.symbols[sym]
	if !ok {
		return nil, false
	}
	return s.tickerLocked(sym, st), true
}

// tickerLocked caller must hold s.mu
func (s *Service) tickerLocked(sym string, st *symbolState) *Ticker {
	now := s.nowMs()
	// 超过桶总跨度的即为过期桶（含索引复用后的陈旧数据）
	expiredBefore := now - int64(bucketCount)*bucketDuration.Milliseconds()

	t := &Ticker{Symbol: sym, LastPrice: st.lastPrice, TimeMs: now}

	// 按时间从旧到新合并窗口内的桶
	var ordered []*bucket
	for i := range st.buckets {
		b := &st.buckets[i]
		if b.count == 0 || b.startMs <= expiredBefore || b.startMs > now {
			continue
		}
		ordered = append(ordered, b)
	}
	for i := 0; i < len(ordered); i++ {
		for k := i + 1; k < len(ordered); k++ {
			if ordered[k].startMs < ordered[i].startMs {
				ordered[i], ordered[k] = ordered[k], ordered[i]
			}
		}
	}

	for _, b := range ordered {
		if t.TradeCount == 0 {
			t.OpenPrice = b.open
			t.HighPrice = b.high
			t.LowPrice = b.low
		} else {
			if b.high > t.HighPrice {
				t.HighPrice = b.high
			}
			if b.low < t.LowPrice {
				t.LowPrice = b.low
			}
		}
		t.Volume += b.volume
		t.QuoteVolume += b.quoteVolume
		t.TradeCount += b.count
	}
	return t
}

// RecentTrades 最近成交，新的在前
func (s *Service) RecentTrades(sym string, limit int) []*engine.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.symbols[sym]
	if !ok {
		return nil
	}
	if limit <= 0 || limit > len(st.tape) {
		limit = len(st.tape)
	}
	result := make([]*engine.Trade, limit)
	copy(result, st.tape[:limit])
	return result
}

// LastPrice 最新成交价
func (s *Service) LastPrice(sym string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.symbols[sym]; ok {
		return st.lastPrice
	}
	return 0
}

// publish 推送成交与行情到 Redis，失败仅记录
func (s *Service) publish(t *engine.Trade, ticker *Ticker) {
	if s.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if payload, err := json.Marshal(t); err == nil {
		if err := s.rdb.Publish(ctx, TradeChannel(t.Symbol), payload).Err(); err != nil {
			s.log.WithError(err).Warn("publish trade failed")
		}
	}
	if payload, err := json.Marshal(ticker); err == nil {
		if err := s.rdb.Publish(ctx, TickerChannel(t.Symbol), payload).Err(); err != nil {
			s.log.WithError(err).Warn("publish ticker failed")
		}
	}
}

// TradeChannel 成交推送频道
func TradeChannel(sym string) string {
	return fmt.Sprintf("market:trade:%s", sym)
}

// TickerChannel 行情推送频道
func TickerChannel(sym string) string {
	return fmt.Sprintf("market:ticker:%s", sym)
}
