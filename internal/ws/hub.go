// Package ws WebSocket 行情推送
package ws

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/market"
	"github.com/exchange/spot/pkg/logger"
)

const subscriberBuffer = 64

// Hub 频道订阅表。推送非阻塞，慢订阅者丢弃消息。
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]bool
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]bool)}
}

// Subscribe 订阅频道
func (h *Hub) Subscribe(channel string) chan []byte {
	ch := make(chan []byte, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[channel] == nil {
		h.subs[channel] = make(map[chan []byte]bool)
	}
	h.subs[channel][ch] = true
	return ch
}

// Unsubscribe 退订并关闭通道
func (h *Hub) Unsubscribe(channel string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[channel]; ok && set[ch] {
		delete(set, ch)
		close(ch)
		if len(set) == 0 {
			delete(h.subs, channel)
		}
	}
}

// Publish 发布消息到频道
func (h *Hub) Publish(channel string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// SubscriberCount 频道订阅数
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// TradesChannel 成交频道名
func TradesChannel(sym string) string { return fmt.Sprintf("market.%s.trades", sym) }

// TickerChannel 行情频道名
func TickerChannel(sym string) string { return fmt.Sprintf("market.%s.ticker", sym) }

// BookChannel 深度频道名
func BookChannel(sym string) string { return fmt.Sprintf("market.%s.book", sym) }

const (
	bookDepthLevels = 20
	relayQueueSize  = 1024
)

// Relay 把引擎事件转换为频道消息。转发时会回查引擎深度，
// 不能占用事件分发线程，由独立协程消费自己的队列。
type Relay struct {
	hub    *Hub
	engine *engine.Engine
	market *market.Service
	log    *logger.Logger

	queue chan engine.Event
	done  chan struct{}
}

// NewRelay 创建转发器并启动转发协程
func NewRelay(hub *Hub, eng *engine.Engine, mkt *market.Service, log *logger.Logger) *Relay {
	r := &Relay{
		hub:    hub,
		engine: eng,
		market: mkt,
		log:    log,
		queue:  make(chan engine.Event, relayQueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// OnEvent 引擎事件回调。非阻塞入队，队列满时挤掉最旧的事件，
// 深度和行情都按最新快照推送，丢帧不丢状态。
func (r *Relay) OnEvent(ev engine.Event) {
	select {
	case r.queue <- ev:
	default:
		select {
		case <-r.queue:
		default:
		}
		select {
		case r.queue <- ev:
		default:
		}
	}
}

// Close 排空队列并停止转发协程。调用方保证之后不再投递事件。
func (r *Relay) Close() {
	close(r.queue)
	<-r.done
}

func (r *Relay) run() {
	defer close(r.done)
	for ev := range r.queue {
		r.relay(ev)
	}
}

func (r *Relay) relay(ev engine.Event) {
	switch ev.Type {
	case engine.EventTrade:
		r.send(TradesChannel(ev.Symbol), ev.Trade)
		if ticker, ok := r.market.Ticker(ev.Symbol); ok {
			r.send(TickerChannel(ev.Symbol), ticker)
		}
		r.publishBook(ev.Symbol)
	case engine.EventOrderUpdated, engine.EventOrderCanceled:
		r.publishBook(ev.Symbol)
	}
}

func (r *Relay) publishBook(sym string) {
	if r.hub.SubscriberCount(BookChannel(sym)) == 0 {
		return
	}
	bids, asks, err := r.engine.Depth(sym, bookDepthLevels)
	if err != nil {
		return
	}
	r.send(BookChannel(sym), map[string]interface{}{
		"symbol": sym,
		"bids":   bids,
		"asks":   asks,
	})
}

func (r *Relay) send(channel string, data interface{}) {
	payload, err := json.Marshal(map[string]interface{}{
		"channel": channel,
		"data":    data,
	})
	if err != nil {
		r.log.WithError(err).Error("marshal ws payload failed")
		return
	}
	r.hub.Publish(channel, payload)
}
