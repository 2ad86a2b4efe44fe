// Package orderbook 订单簿实现：价格档位 + FIFO 队列，价格优先、时间优先。
// 订单簿本身不加锁，由撮合引擎按交易对持锁访问。
package orderbook

import (
	"container/list"
)

// Side 订单方向
type Side int

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// Opposite 对手方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 订单类型
type OrderType int

const (
	TypeLimit  OrderType = 1
	TypeMarket OrderType = 2
	TypeStop   OrderType = 3
)

func (t OrderType) String() string {
	switch t {
	case TypeMarket:
		return "MARKET"
	case TypeStop:
		return "STOP"
	default:
		return "LIMIT"
	}
}

// TimeInForce 订单有效方式
type TimeInForce int

const (
	TifGTC      TimeInForce = 1
	TifIOC      TimeInForce = 2
	TifFOK      TimeInForce = 3
	TifPostOnly TimeInForce = 4
)

func (t TimeInForce) String() string {
	switch t {
	case TifIOC:
		return "IOC"
	case TifFOK:
		return "FOK"
	case TifPostOnly:
		return "POST_ONLY"
	default:
		return "GTC"
	}
}

// Status 订单状态
type Status int

const (
	StatusNew             Status = 1
	StatusPartiallyFilled Status = 2
	StatusFilled          Status = 3
	StatusCanceled        Status = 4
	StatusRejected        Status = 5
	StatusExpired         Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	case StatusRejected:
		return "REJECTED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "NEW"
	}
}

// Terminal 是否终态
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// Order 订单
type Order struct {
	OrderID      int64
	UserID       int64
	Symbol       string
	Side         Side
	Type         OrderType
	TimeInForce  TimeInForce
	Price        int64       // 最小单位整数，市价单为 0
	CapPrice     int64       // 市价单价格保护上限，0 表示不设限
	StopPrice    int64       // 触发价，非止损单为 0
	OrigQty      int64       // 原始数量
	LeavesQty    int64       // 剩余数量
	ExecutedQty  int64       // 已成交数量
	QuoteQty     int64       // 累计成交额
	Reserved     int64       // 尚未释放的冻结金额（买单为计价资产，卖单为基础资产）
	Status       Status
	CreateTimeMs int64
	UpdateTimeMs int64

	element *list.Element
}

// Clone 返回订单快照，供事件与持久化使用
func (o *Order) Clone() *Order {
	c := *o
	c.element = nil
	return &c
}

// PriceLevel 价格档位
type PriceLevel struct {
	Price  int64
	Orders *list.List // *Order
	Total  int64      // 该档位总剩余数量
}

// PriceQty 价格数量对
type PriceQty struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Book 单一交易对的订单簿
type Book struct {
	Symbol string

	// 买盘：价格降序；卖盘：价格升序
	bids map[int64]*PriceLevel
	asks map[int64]*PriceLevel

	// 订单索引
	orders map[int64]*Order

	// 价格排序缓存
	bidPrices []int64
	askPrices []int64
}

// New 创建订单簿
func New(symbol string) *Book {
	return &Book{
		Symbol:    symbol,
		bids:      make(map[int64]*PriceLevel),
		asks:      make(map[int64]*PriceLevel),
		orders:    make(map[int64]*Order),
		bidPrices: make([]int64, 0),
		askPrices: make([]int64, 0),
	}
}

// Add 挂入一笔剩余数量大于零的限价订单
func (b *Book) Add(order *Order) {
	levels, prices := b.sideOf(order.Side)

	level, exists := levels[order.Price]
	if !exists {
		level = &PriceLevel{
			Price:  order.Price,
			Orders: list.New(),
		}
		levels[order.Price] = level
		*prices = insertPrice(*prices, order.Price, order.Side == SideBuy)
	}

	order.element = level.Orders.PushBack(order)
	level.Total += order.LeavesQty
	b.orders[order.OrderID] = order
}

// Remove 移除指定订单，不存在时返回 nil
func (b *Book) Remove(orderID int64) *Order {
	order, exists := b.orders[orderID]
	if !exists {
		return nil
	}

	levels, prices := b.sideOf(order.Side)

	level := levels[order.Price]
	if level != nil {
		level.Orders.Remove(order.element)
		level.Total -= order.LeavesQty

		if level.Orders.Len() == 0 {
			delete(levels, order.Price)
			*prices = removePrice(*prices, order.Price)
		}
	}

	order.element = nil
	delete(b.orders, orderID)
	return order
}

// Get 获取挂单
func (b *Book) Get(orderID int64) *Order {
	return b.orders[orderID]
}

// Len 挂单总数
func (b *Book) Len() int {
	return len(b.orders)
}

// UserOrders 某用户的全部挂单
func (b *Book) UserOrders(userID int64) []*Order {
	result := make([]*Order, 0)
	for _, o := range b.orders {
		if o.UserID == userID {
			result = append(result, o)
		}
	}
	return result
}

// BestBid 最优买价及该档位数量
func (b *Book) BestBid() (int64, int64, bool) {
	if len(b.bidPrices) == 0 {
		return 0, 0, false
	}
	price := b.bidPrices[0]
	return price, b.bids[price].Total, true
}

// BestAsk 最优卖价及该档位数量
func (b *Book) BestAsk() (int64, int64, bool) {
	if len(b.askPrices) == 0 {
		return 0, 0, false
	}
	price := b.askPrices[0]
	return price, b.asks[price].Total, true
}

// Depth 聚合深度，买卖双边各取前 limit 档
func (b *Book) Depth(limit int) (bids, asks []PriceQty) {
	bids = make([]PriceQty, 0, limit)
	asks = make([]PriceQty, 0, limit)

	for i := 0; i < len(b.bidPrices) && i < limit; i++ {
		price := b.bidPrices[i]
		bids = append(bids, PriceQty{Price: price, Qty: b.bids[price].Total})
	}

	for i := 0; i < len(b.askPrices) && i < limit; i++ {
		price := b.askPrices[i]
		asks = append(asks, PriceQty{Price: price, Qty: b.asks[price].Total})
	}

	return
}

// AvailableQty 统计 taker 在其限价内、排除自身订单后可成交的总量（FOK 预检）。
// 市价单传 price=0。
func (b *Book) AvailableQty(takerSide Side, price int64, excludeUserID int64) int64 {
	levels, prices, crossable := b.opposing(takerSide)

	var total int64
	for _, p := range *prices {
		if !crossable(p, price) {
			break
		}
		for e := levels[p].Orders.Front(); e != nil; e = e.Next() {
			maker := e.Value.(*Order)
			if maker.UserID == excludeUserID {
				continue
			}
			total += maker.LeavesQty
		}
	}
	return total
}

// Leg 一次撮合成交腿
type Leg struct {
	Maker *Order
	Price int64 // 成交价 = maker 价格
	Qty   int64
}

// MatchResult 撮合结果
type MatchResult struct {
	Legs        []Leg
	TakerFilled bool
}

// Match 以 taker 吃掉对手方可成交挂单。maker 的 LeavesQty 就地递减，
// 完全成交的 maker 从订单簿移除；taker 不入簿，由引擎决定去向。
func (b *Book) Match(taker *Order) *MatchResult {
	result := &MatchResult{Legs: make([]Leg, 0)}

	levels, prices, crossable := b.opposing(taker.Side)

	limit := taker.Price
	if limit == 0 {
		limit = taker.CapPrice
	}

	for taker.LeavesQty > 0 && len(*prices) > 0 {
		bestPrice := (*prices)[0]

		if !crossable(bestPrice, limit) {
			break
		}

		level := levels[bestPrice]
		matchedInLevel := false
		for e := level.Orders.Front(); e != nil && taker.LeavesQty > 0; {
			maker := e.Value.(*Order)
			next := e.Next()

			// 自成交检查
			if maker.UserID == taker.UserID {
				e = next
				continue
			}

			matchedInLevel = true

			qty := minInt64(taker.LeavesQty, maker.LeavesQty)

			taker.LeavesQty -= qty
			taker.ExecutedQty += qty
			maker.LeavesQty -= qty
			maker.ExecutedQty += qty
			level.Total -= qty

			result.Legs = append(result.Legs, Leg{Maker: maker, Price: maker.Price, Qty: qty})

			if maker.LeavesQty <= 0 {
				level.Orders.Remove(e)
				maker.element = nil
				delete(b.orders, maker.OrderID)
			}

			e = next
		}

		// 档位内全部是自身订单时跳出，避免空转
		if !matchedInLevel {
			break
		}

		if level.Orders.Len() == 0 {
			delete(levels, bestPrice)
			*prices = (*prices)[1:]
		}
	}

	result.TakerFilled = taker.LeavesQty <= 0
	return result
}

// WouldMatch POST_ONLY 预检：限价单是否会立即吃单
func (b *Book) WouldMatch(order *Order) bool {
	if order.Side == SideBuy {
		bestAsk, _, ok := b.BestAsk()
		return ok && order.Price >= bestAsk
	}
	bestBid, _, ok := b.BestBid()
	return ok && order.Price <= bestBid
}

func (b *Book) sideOf(side Side) (map[int64]*PriceLevel, *[]int64) {
	if side == SideBuy {
		return b.bids, &b.bidPrices
	}
	return b.asks, &b.askPrices
}

func (b *Book) opposing(takerSide Side) (map[int64]*PriceLevel, *[]int64, func(makerPrice, takerPrice int64) bool) {
	if takerSide == SideBuy {
		// 市价单 takerPrice=0，吃任意价位
		return b.asks, &b.askPrices, func(makerPrice, takerPrice int64) bool {
			return takerPrice == 0 || makerPrice <= takerPrice
		}
	}
	return b.bids, &b.bidPrices, func(makerPrice, takerPrice int64) bool {
		return takerPrice == 0 || makerPrice >= takerPrice
	}
}

// insertPrice 插入价格并保持排序
func insertPrice(prices []int64, price int64, descending bool) []int64 {
	i := 0
	for i < len(prices) {
		if descending {
			if price > prices[i] {
				break
			}
		} else {
			if price < prices[i] {
				break
			}
		}
		i++
	}

	prices = append(prices, 0)
	copy(prices[i+1:], prices[i:])
	prices[i] = price
	return prices
}

// removePrice 移除价格
func removePrice(prices []int64, price int64) []int64 {
	for i, p := range prices {
		if p == price {
			return append(prices[:i], prices[i+1:]...)
		}
	}
	return prices
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
