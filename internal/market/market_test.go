package market

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/orderbook"
	"github.com/exchange/spot/pkg/logger"
)

func trade(id, price, qty, quoteQty, timeMs int64) *engine.Trade {
	return &engine.Trade{
		TradeID: id, Symbol: "BTC-USDT", Price: price, Qty: qty,
		QuoteQty: quoteQty, TakerSide: orderbook.SideBuy, TimeMs: timeMs,
	}
}

func TestTickerAggregation(t *testing.T) {
	base := int64(1700000000000)
	s := New(logger.New("market-test", io.Discard), WithClock(func() int64 { return base + 3600_000 }))

	s.Record(trade(1, 100, 10, 1000, base))
	s.Record(trade(2, 120, 5, 600, base+60_000))
	s.Record(trade(3, 90, 2, 180, base+3600_000)) // 下一个小时桶

	tk, ok := s.Ticker("BTC-USDT")
	if !ok {
		t.Fatal("ticker missing")
	}
	if tk.LastPrice != 90 || tk.OpenPrice != 100 {
		t.Fatalf("ticker last/open = %d/%d", tk.LastPrice, tk.OpenPrice)
	}
	if tk.HighPrice != 120 || tk.LowPrice != 90 {
		t.Fatalf("ticker high/low = %d/%d", tk.HighPrice, tk.LowPrice)
	}
	if tk.Volume != 17 || tk.QuoteVolume != 1780 || tk.TradeCount != 3 {
		t.Fatalf("ticker volume = %+v", tk)
	}

	if _, ok := s.Ticker("ETH-USDT"); ok {
		t.Fatal("unknown symbol should have no ticker")
	}
}

func TestTickerExpiresOldBuckets(t *testing.T) {
	base := int64(1700000000000)
	now := base
	s := New(logger.New("market-test", io.Discard), WithClock(func() int64 { return now }))

	s.Record(trade(1, 100, 10, 1000, base))

	// 25 小时后旧桶滑出窗口，但最新价保留
	now = base + 25*3600_000
	tk, _ := s.Ticker("BTC-USDT")
	if tk.TradeCount != 0 || tk.Volume != 0 {
		t.Fatalf("expired window stats = %+v", tk)
	}
	if tk.LastPrice != 100 {
		t.Fatalf("last price must survive window: %d", tk.LastPrice)
	}
}

func TestRecentTrades(t *testing.T) {
	s := New(logger.New("market-test", io.Discard), WithTapeSize(3))

	for i := int64(1); i <= 5; i++ {
		s.Record(trade(i, 100+i, 1, 100, 1700000000000+i))
	}

	tape := s.RecentTrades("BTC-USDT", 10)
	if len(tape) != 3 {
		t.Fatalf("tape = %d, want bounded to 3", len(tape))
	}
	if tape[0].TradeID != 5 || tape[2].TradeID != 3 {
		t.Fatalf("tape order = %d..%d, want newest first", tape[0].TradeID, tape[2].TradeID)
	}

	tape = s.RecentTrades("BTC-USDT", 2)
	if len(tape) != 2 || tape[0].TradeID != 5 {
		t.Fatalf("limited tape = %+v", tape)
	}
}

func TestPublishToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := rdb.Subscribe(ctx, TradeChannel("BTC-USDT"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	s := New(logger.New("market-test", io.Discard), WithRedis(rdb))
	s.Record(trade(7, 100, 1, 100, 1700000000000))

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	var got engine.Trade
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.TradeID != 7 || got.Price != 100 {
		t.Fatalf("published trade = %+v", got)
	}
}
