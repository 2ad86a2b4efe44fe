package orderbook

import (
	"testing"
)

func newLimit(id, userID int64, side Side, price, qty int64) *Order {
	return &Order{
		OrderID:   id,
		UserID:    userID,
		Symbol:    "BTC-USDT",
		Side:      side,
		Type:      TypeLimit,
		Price:     price,
		OrigQty:   qty,
		LeavesQty: qty,
		Status:    StatusNew,
	}
}

func TestAddAndBest(t *testing.T) {
	b := New("BTC-USDT")

	b.Add(newLimit(1, 100, SideBuy, 99_00000000, 1_00000000))
	b.Add(newLimit(2, 101, SideBuy, 100_00000000, 2_00000000))
	b.Add(newLimit(3, 102, SideSell, 101_00000000, 3_00000000))
	b.Add(newLimit(4, 103, SideSell, 102_00000000, 1_00000000))

	price, qty, ok := b.BestBid()
	if !ok || price != 100_00000000 || qty != 2_00000000 {
		t.Fatalf("BestBid = (%d, %d, %v), want (100e8, 2e8, true)", price, qty, ok)
	}

	price, qty, ok = b.BestAsk()
	if !ok || price != 101_00000000 || qty != 3_00000000 {
		t.Fatalf("BestAsk = (%d, %d, %v), want (101e8, 3e8, true)", price, qty, ok)
	}

	if b.Len() != 4 {
		t.Fatalf("Len = %d, want 4", b.Len())
	}
}

func TestRemove(t *testing.T) {
	b := New("BTC-USDT")

	b.Add(newLimit(1, 100, SideBuy, 100_00000000, 1_00000000))
	b.Add(newLimit(2, 101, SideBuy, 100_00000000, 2_00000000))

	removed := b.Remove(1)
	if removed == nil || removed.OrderID != 1 {
		t.Fatalf("Remove(1) = %v, want order 1", removed)
	}

	_, qty, _ := b.BestBid()
	if qty != 2_00000000 {
		t.Fatalf("level total after remove = %d, want 2e8", qty)
	}

	b.Remove(2)
	if _, _, ok := b.BestBid(); ok {
		t.Fatal("expected empty bid side after removing all orders")
	}

	if b.Remove(999) != nil {
		t.Fatal("Remove of unknown order should return nil")
	}
}

func TestMatchPriceTimePriority(t *testing.T) {
	b := New("BTC-USDT")

	// 同价位先挂的先成交
	b.Add(newLimit(1, 100, SideSell, 100_00000000, 1_00000000))
	b.Add(newLimit(2, 101, SideSell, 100_00000000, 1_00000000))
	// 更差的价位
	b.Add(newLimit(3, 102, SideSell, 101_00000000, 1_00000000))

	taker := newLimit(10, 200, SideBuy, 101_00000000, 2_50000000)
	result := b.Match(taker)

	if len(result.Legs) != 3 {
		t.Fatalf("legs = %d, want 3", len(result.Legs))
	}
	if result.Legs[0].Maker.OrderID != 1 || result.Legs[1].Maker.OrderID != 2 || result.Legs[2].Maker.OrderID != 3 {
		t.Fatalf("fill order = %d,%d,%d, want 1,2,3",
			result.Legs[0].Maker.OrderID, result.Legs[1].Maker.OrderID, result.Legs[2].Maker.OrderID)
	}

	// 成交价取 maker 价格
	if result.Legs[0].Price != 100_00000000 || result.Legs[2].Price != 101_00000000 {
		t.Fatalf("leg prices = %d, %d", result.Legs[0].Price, result.Legs[2].Price)
	}

	if !result.TakerFilled {
		t.Fatal("taker should be fully filled")
	}

	// 订单 3 部分成交后仍在簿内
	rest := b.Get(3)
	if rest == nil || rest.LeavesQty != 50000000 {
		t.Fatalf("order 3 leaves = %v, want 0.5e8", rest)
	}
}

func TestMatchRespectsLimitPrice(t *testing.T) {
	b := New("BTC-USDT")

	b.Add(newLimit(1, 100, SideSell, 100_00000000, 1_00000000))
	b.Add(newLimit(2, 101, SideSell, 105_00000000, 1_00000000))

	taker := newLimit(10, 200, SideBuy, 102_00000000, 2_00000000)
	result := b.Match(taker)

	if len(result.Legs) != 1 {
		t.Fatalf("legs = %d, want 1", len(result.Legs))
	}
	if result.TakerFilled {
		t.Fatal("taker should not be fully filled")
	}
	if taker.LeavesQty != 1_00000000 {
		t.Fatalf("taker leaves = %d, want 1e8", taker.LeavesQty)
	}
}

func TestMatchMarketTakerSweepsBook(t *testing.T) {
	b := New("BTC-USDT")

	b.Add(newLimit(1, 100, SideBuy, 99_00000000, 1_00000000))
	b.Add(newLimit(2, 101, SideBuy, 98_00000000, 1_00000000))

	taker := &Order{
		OrderID:   10,
		UserID:    200,
		Symbol:    "BTC-USDT",
		Side:      SideSell,
		Type:      TypeMarket,
		Price:     0,
		OrigQty:   3_00000000,
		LeavesQty: 3_00000000,
	}
	result := b.Match(taker)

	if len(result.Legs) != 2 {
		t.Fatalf("legs = %d, want 2", len(result.Legs))
	}
	if result.TakerFilled {
		t.Fatal("book only had 2e8, taker wanted 3e8")
	}
	if taker.LeavesQty != 1_00000000 {
		t.Fatalf("taker leaves = %d, want 1e8", taker.LeavesQty)
	}
	if b.Len() != 0 {
		t.Fatalf("book should be empty, has %d orders", b.Len())
	}
}

func TestMatchSkipsSelfTrade(t *testing.T) {
	b := New("BTC-USDT")

	b.Add(newLimit(1, 200, SideSell, 100_00000000, 1_00000000)) // 同一用户
	b.Add(newLimit(2, 101, SideSell, 100_00000000, 1_00000000))

	taker := newLimit(10, 200, SideBuy, 100_00000000, 1_00000000)
	result := b.Match(taker)

	if len(result.Legs) != 1 {
		t.Fatalf("legs = %d, want 1", len(result.Legs))
	}
	if result.Legs[0].Maker.OrderID != 2 {
		t.Fatalf("matched maker = %d, want 2 (own order skipped)", result.Legs[0].Maker.OrderID)
	}

	// 自身挂单保持不动
	own := b.Get(1)
	if own == nil || own.LeavesQty != 1_00000000 {
		t.Fatalf("own resting order should be untouched, got %v", own)
	}
}

func TestMatchStopsWhenOnlyOwnOrdersRemain(t *testing.T) {
	b := New("BTC-USDT")

	b.Add(newLimit(1, 200, SideSell, 100_00000000, 1_00000000))

	taker := newLimit(10, 200, SideBuy, 100_00000000, 1_00000000)
	result := b.Match(taker)

	if len(result.Legs) != 0 {
		t.Fatalf("legs = %d, want 0", len(result.Legs))
	}
	if taker.LeavesQty != 1_00000000 {
		t.Fatalf("taker leaves = %d, want untouched", taker.LeavesQty)
	}
}

func TestDepth(t *testing.T) {
	b := New("BTC-USDT")

	b.Add(newLimit(1, 100, SideBuy, 100_00000000, 1_00000000))
	b.Add(newLimit(2, 101, SideBuy, 100_00000000, 1_00000000))
	b.Add(newLimit(3, 102, SideBuy, 99_00000000, 2_00000000))
	b.Add(newLimit(4, 103, SideSell, 101_00000000, 3_00000000))

	bids, asks := b.Depth(10)

	if len(bids) != 2 || len(asks) != 1 {
		t.Fatalf("depth = %d bids, %d asks, want 2/1", len(bids), len(asks))
	}
	if bids[0].Price != 100_00000000 || bids[0].Qty != 2_00000000 {
		t.Fatalf("bids[0] = %+v", bids[0])
	}
	if bids[1].Price != 99_00000000 {
		t.Fatalf("bids[1].Price = %d, want 99e8", bids[1].Price)
	}

	bids, _ = b.Depth(1)
	if len(bids) != 1 {
		t.Fatalf("limited depth = %d, want 1", len(bids))
	}
}

func TestAvailableQty(t *testing.T) {
	b := New("BTC-USDT")

	b.Add(newLimit(1, 100, SideSell, 100_00000000, 1_00000000))
	b.Add(newLimit(2, 200, SideSell, 100_00000000, 1_00000000)) // taker 自身
	b.Add(newLimit(3, 101, SideSell, 105_00000000, 1_00000000))

	// 限价 102：只有 100 档可成交，排除自身
	got := b.AvailableQty(SideBuy, 102_00000000, 200)
	if got != 1_00000000 {
		t.Fatalf("AvailableQty = %d, want 1e8", got)
	}

	// 市价：全簿排除自身
	got = b.AvailableQty(SideBuy, 0, 200)
	if got != 2_00000000 {
		t.Fatalf("AvailableQty market = %d, want 2e8", got)
	}
}

func TestWouldMatch(t *testing.T) {
	b := New("BTC-USDT")

	b.Add(newLimit(1, 100, SideSell, 101_00000000, 1_00000000))
	b.Add(newLimit(2, 101, SideBuy, 99_00000000, 1_00000000))

	if b.WouldMatch(newLimit(10, 200, SideBuy, 100_00000000, 1)) {
		t.Fatal("buy below best ask should not match")
	}
	if !b.WouldMatch(newLimit(11, 200, SideBuy, 101_00000000, 1)) {
		t.Fatal("buy at best ask should match")
	}
	if b.WouldMatch(newLimit(12, 200, SideSell, 100_00000000, 1)) {
		t.Fatal("sell above best bid should not match")
	}
	if !b.WouldMatch(newLimit(13, 200, SideSell, 99_00000000, 1)) {
		t.Fatal("sell at best bid should match")
	}
}
