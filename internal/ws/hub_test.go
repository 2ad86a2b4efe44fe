package ws

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/fanout"
	"github.com/exchange/spot/internal/ledger"
	"github.com/exchange/spot/internal/market"
	"github.com/exchange/spot/internal/orderbook"
	"github.com/exchange/spot/internal/symbol"
	"github.com/exchange/spot/pkg/logger"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub()

	ch := h.Subscribe("market.BTC-USDT.trades")
	if h.SubscriberCount("market.BTC-USDT.trades") != 1 {
		t.Fatal("subscriber not registered")
	}

	h.Publish("market.BTC-USDT.trades", []byte("hello"))
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("msg = %s", msg)
		}
	default:
		t.Fatal("message not delivered")
	}

	// 其他频道不受影响
	h.Publish("market.ETH-USDT.trades", []byte("other"))
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %s", msg)
	default:
	}

	h.Unsubscribe("market.BTC-USDT.trades", ch)
	if _, open := <-ch; open {
		t.Fatal("channel must be closed after unsubscribe")
	}
	if h.SubscriberCount("market.BTC-USDT.trades") != 0 {
		t.Fatal("subscriber not removed")
	}
}

func TestValidateChannel(t *testing.T) {
	valid := []string{"market.BTC-USDT.trades", "market.ETHUSDT.book", "market.BTC-USDT.ticker"}
	for _, c := range valid {
		if err := validateChannel(c); err != nil {
			t.Fatalf("%s rejected: %v", c, err)
		}
	}

	invalid := []string{"", "market.BTC-USDT", "orders.BTC-USDT.trades", "market.btc.trades", "market.BTC-USDT.candles"}
	for _, c := range invalid {
		if err := validateChannel(c); err == nil {
			t.Fatalf("%s accepted", c)
		}
	}
}

type seqID struct{ n int64 }

func (s *seqID) NextID() int64 {
	s.n++
	return s.n
}

func TestRelayPublishesTradeAndTicker(t *testing.T) {
	log := logger.New("ws-test", io.Discard)
	led := ledger.New()
	cfg := &symbol.Config{
		Symbol: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		PricePrecision: 8, QtyPrecision: 8, MinQty: 1, Status: symbol.StatusTrading,
	}
	eng, err := engine.New([]*symbol.Config{cfg}, led, &seqID{}, log)
	if err != nil {
		t.Fatal(err)
	}
	mkt := market.New(log)

	hub := NewHub()
	relay := NewRelay(hub, eng, mkt, log)
	defer relay.Close()

	tradeCh := hub.Subscribe(TradesChannel("BTC-USDT"))
	tickerCh := hub.Subscribe(TickerChannel("BTC-USDT"))

	trade := &engine.Trade{TradeID: 1, Symbol: "BTC-USDT", Price: 100, Qty: 2, QuoteQty: 200, TimeMs: time.Now().UnixMilli()}
	mkt.Record(trade)
	relay.OnEvent(engine.Event{Type: engine.EventTrade, Symbol: "BTC-USDT", Trade: trade})

	// 转发是异步的，带超时等待推送
	select {
	case payload := <-tradeCh:
		var msg struct {
			Channel string       `json:"channel"`
			Data    engine.Trade `json:"data"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Data.TradeID != 1 {
			t.Fatalf("trade payload = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trade not relayed")
	}

	select {
	case payload := <-tickerCh:
		var msg struct {
			Data market.Ticker `json:"data"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Data.LastPrice != 100 || msg.Data.Volume != 2 {
			t.Fatalf("ticker payload = %+v", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ticker not relayed")
	}
}

// 撮合线程发事件时持有交易对锁，转发器回查深度又要拿同一把锁。
// 按生产布线（引擎 -> 分发器 -> 转发器）制造成交，分发队列压到最小，
// 验证下单调用不会被推送链路卡住。
func TestRelayDoesNotStallMatching(t *testing.T) {
	log := logger.New("ws-test", io.Discard)
	led := ledger.New()
	cfg := &symbol.Config{
		Symbol: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		PricePrecision: 8, QtyPrecision: 8, MinQty: 1, Status: symbol.StatusTrading,
	}

	var fan *fanout.Fanout
	eng, err := engine.New([]*symbol.Config{cfg}, led, &seqID{}, log,
		engine.WithSink(func(ev engine.Event) { fan.OnEvent(ev) }))
	if err != nil {
		t.Fatal(err)
	}
	mkt := market.New(log)

	hub := NewHub()
	relay := NewRelay(hub, eng, mkt, log)
	fan = fanout.New(1, mkt.OnEvent, relay.OnEvent)
	fan.Start()
	defer func() {
		fan.Close()
		relay.Close()
	}()

	// 深度频道有订阅者才会触发回查
	bookCh := hub.Subscribe(BookChannel("BTC-USDT"))

	const unit = int64(100000000)
	led.Credit(1, "BTC", 100*unit, ledger.ReasonDeposit, 0)
	led.Credit(2, "USDT", 100000*unit, ledger.ReasonDeposit, 0)

	for i := 0; i < 5; i++ {
		if _, err := eng.PlaceOrder(&engine.PlaceRequest{
			UserID: 1, Symbol: "BTC-USDT", Side: orderbook.SideSell,
			Type: orderbook.TypeLimit, Price: 100 * unit, Qty: unit,
		}); err != nil {
			t.Fatalf("place sell: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := eng.PlaceOrder(&engine.PlaceRequest{
			UserID: 2, Symbol: "BTC-USDT", Side: orderbook.SideBuy,
			Type: orderbook.TypeLimit, Price: 100 * unit, Qty: 3 * unit,
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("place buy: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("matching stalled behind the push pipeline")
	}

	select {
	case <-bookCh:
	case <-time.After(2 * time.Second):
		t.Fatal("book snapshot not pushed")
	}
}

func TestServerSubscribeFlow(t *testing.T) {
	hub := NewHub()
	srv := NewServer(hub, logger.New("ws-test", io.Discard), nil)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(&WsRequest{Op: "subscribe", Channel: "market.BTC-USDT.trades"}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WsResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !resp.Success || resp.Op != "subscribe" {
		t.Fatalf("ack = %+v", resp)
	}

	// 等待订阅注册后推送
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount("market.BTC-USDT.trades") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish("market.BTC-USDT.trades", []byte(`{"channel":"market.BTC-USDT.trades","data":{}}`))

	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read push: %v", err)
	}
	if msg["channel"] != "market.BTC-USDT.trades" {
		t.Fatalf("push = %+v", msg)
	}

	// 非法频道
	if err := conn.WriteJSON(&WsRequest{Op: "subscribe", Channel: "bogus"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" {
		t.Fatalf("invalid channel accepted: %+v", resp)
	}
}
