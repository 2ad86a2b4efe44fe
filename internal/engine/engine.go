// Package engine 撮合引擎：订单校验、资金冻结、价格时间优先撮合、
// 成交清算、止损触发与撤单。每个交易对由独立互斥锁串行化，
// 账本与订单簿的内存状态为权威状态，持久化由事件消费方异步完成。
package engine

import (
	"math/big"
	"sync"
	"time"

	"github.com/exchange/spot/internal/ledger"
	"github.com/exchange/spot/internal/orderbook"
	"github.com/exchange/spot/internal/symbol"
	"github.com/exchange/spot/pkg/errors"
	"github.com/exchange/spot/pkg/logger"
)

// IDGen 订单与成交 ID 生成接口
type IDGen interface {
	NextID() int64
}

// PlaceRequest 下单请求，金额均为最小单位整数
type PlaceRequest struct {
	UserID      int64
	Symbol      string
	Side        orderbook.Side
	Type        orderbook.OrderType
	TimeInForce orderbook.TimeInForce
	Price       int64
	StopPrice   int64
	Qty         int64
}

type pairState struct {
	mu        sync.Mutex
	cfg       *symbol.Config
	book      *orderbook.Book
	stops     map[int64]*orderbook.Order // 未触发的止损单
	lastPrice int64
}

// Engine 撮合引擎
type Engine struct {
	pairs map[string]*pairState

	idxMu sync.RWMutex
	index map[int64]string // 未完结订单 ID -> 交易对

	ledger *ledger.Ledger
	ids    IDGen
	sink   func(Event)
	log    *logger.Logger
	nowMs  func() int64
}

// Option 构造选项
type Option func(*Engine)

// WithSink 设置事件回调。回调在持有交易对锁时同步执行，
// 必须快速返回且不得回调引擎，重消费方应经由 fanout 解耦。
func WithSink(sink func(Event)) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithClock 注入时钟，测试用
func WithClock(nowMs func() int64) Option {
	return func(e *Engine) { e.nowMs = nowMs }
}

// New 创建引擎，交易对集合在构造后不再变化
func New(cfgs []*symbol.Config, led *ledger.Ledger, ids IDGen, log *logger.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		pairs:  make(map[string]*pairState, len(cfgs)),
		index:  make(map[int64]string),
		ledger: led,
		ids:    ids,
		log:    log,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}

	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		e.pairs[cfg.Symbol] = &pairState{
			cfg:   cfg,
			book:  orderbook.New(cfg.Symbol),
			stops: make(map[int64]*orderbook.Order),
		}
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// PlaceOrder 下单。校验、冻结、撮合、清算在持有交易对锁的情况下同步完成，
// 返回时订单已处于确定状态。
func (e *Engine) PlaceOrder(req *PlaceRequest) (*orderbook.Order, error) {
	return e.place(req, false)
}

// TryPlaceOrder 与 PlaceOrder 相同，但交易对锁竞争时立即返回 SYSTEM_BUSY，
// 不阻塞调用方。行情模拟器使用。
func (e *Engine) TryPlaceOrder(req *PlaceRequest) (*orderbook.Order, error) {
	return e.place(req, true)
}

func (e *Engine) place(req *PlaceRequest, try bool) (*orderbook.Order, error) {
	ps, ok := e.pairs[req.Symbol]
	if !ok {
		return nil, errors.ErrSymbolNotFound
	}

	order, err := e.validate(req, ps.cfg)
	if err != nil {
		return nil, err
	}

	if try {
		if !ps.mu.TryLock() {
			return nil, errors.ErrSystemBusy
		}
	} else {
		ps.mu.Lock()
	}
	defer ps.mu.Unlock()

	if err := e.placeLocked(ps, order); err != nil {
		return nil, err
	}
	return order.Clone(), nil
}

// validate 请求校验与订单构造，不触碰任何共享状态
func (e *Engine) validate(req *PlaceRequest, cfg *symbol.Config) (*orderbook.Order, error) {
	if !cfg.Trading() {
		return nil, errors.Newf(errors.CodeSymbolNotTrading, "symbol %s is not trading", cfg.Symbol)
	}
	if req.UserID <= 0 {
		return nil, errors.New(errors.CodeInvalidParam, "userId must be positive")
	}
	if req.Side != orderbook.SideBuy && req.Side != orderbook.SideSell {
		return nil, errors.Newf(errors.CodeInvalidSide, "invalid side %d", req.Side)
	}

	switch req.Type {
	case orderbook.TypeLimit, orderbook.TypeMarket, orderbook.TypeStop:
	default:
		return nil, errors.Newf(errors.CodeInvalidOrderType, "invalid order type %d", req.Type)
	}

	tif := req.TimeInForce
	if tif == 0 {
		tif = orderbook.TifGTC
	}
	switch tif {
	case orderbook.TifGTC, orderbook.TifIOC, orderbook.TifFOK, orderbook.TifPostOnly:
	default:
		return nil, errors.Newf(errors.CodeInvalidTimeInForce, "invalid timeInForce %d", req.TimeInForce)
	}
	if tif == orderbook.TifPostOnly && req.Type != orderbook.TypeLimit {
		return nil, errors.New(errors.CodeInvalidTimeInForce, "POST_ONLY requires a limit order")
	}
	// 市价吃单止步于保护价，全部成交无法预检，FOK 只对限价单有意义
	if tif == orderbook.TifFOK && req.Type != orderbook.TypeLimit {
		return nil, errors.New(errors.CodeInvalidTimeInForce, "FOK requires a limit order")
	}

	if req.Qty < cfg.MinQty {
		return nil, errors.Newf(errors.CodeQtyTooSmall, "qty %d below minimum %d", req.Qty, cfg.MinQty)
	}
	if cfg.MaxQty > 0 && req.Qty > cfg.MaxQty {
		return nil, errors.Newf(errors.CodeQtyTooLarge, "qty %d above maximum %d", req.Qty, cfg.MaxQty)
	}

	switch req.Type {
	case orderbook.TypeMarket:
		if req.Price != 0 {
			return nil, errors.New(errors.CodeInvalidPrice, "market order must not carry a price")
		}
		if req.StopPrice != 0 {
			return nil, errors.New(errors.CodeInvalidStopPrice, "market order must not carry a stop price")
		}
	case orderbook.TypeLimit:
		if req.Price <= 0 {
			return nil, errors.Newf(errors.CodeInvalidPrice, "invalid limit price %d", req.Price)
		}
		if req.StopPrice != 0 {
			return nil, errors.New(errors.CodeInvalidStopPrice, "limit order must not carry a stop price")
		}
		if notional := cfg.QuoteAmount(req.Price, req.Qty); notional < cfg.MinNotional {
			return nil, errors.Newf(errors.CodeNotionalTooSmall, "notional %d below minimum %d", notional, cfg.MinNotional)
		}
	case orderbook.TypeStop:
		if req.StopPrice <= 0 {
			return nil, errors.Newf(errors.CodeInvalidStopPrice, "invalid stop price %d", req.StopPrice)
		}
		// Price > 0 为止损限价，否则触发后转市价
		if req.Price < 0 {
			return nil, errors.Newf(errors.CodeInvalidPrice, "invalid stop limit price %d", req.Price)
		}
		if req.Price > 0 {
			if notional := cfg.QuoteAmount(req.Price, req.Qty); notional < cfg.MinNotional {
				return nil, errors.Newf(errors.CodeNotionalTooSmall, "notional %d below minimum %d", notional, cfg.MinNotional)
			}
		}
	}

	now := e.nowMs()
	return &orderbook.Order{
		OrderID:      e.ids.NextID(),
		UserID:       req.UserID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		TimeInForce:  tif,
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		OrigQty:      req.Qty,
		LeavesQty:    req.Qty,
		Status:       orderbook.StatusNew,
		CreateTimeMs: now,
		UpdateTimeMs: now,
	}, nil
}

// placeLocked caller must hold ps.mu
func (e *Engine) placeLocked(ps *pairState, o *orderbook.Order) error {
	if o.Type == orderbook.TypeStop {
		return e.placeStopLocked(ps, o)
	}

	// FOK 预检：可成交量不足则整单拒绝，不冻结任何资金。
	// 校验层保证 FOK 必为限价单，预检价即委托价。
	if o.TimeInForce == orderbook.TifFOK {
		if ps.book.AvailableQty(o.Side, o.Price, o.UserID) < o.OrigQty {
			return errors.Newf(errors.CodeNoLiquidity, "FOK order %d cannot be fully filled", o.OrderID)
		}
	}

	if o.TimeInForce == orderbook.TifPostOnly && ps.book.WouldMatch(o) {
		return errors.Newf(errors.CodePostOnlyRejected, "POST_ONLY order %d would take liquidity", o.OrderID)
	}

	if err := e.reserveLocked(ps, o); err != nil {
		return err
	}

	e.emit(Event{Type: EventOrderAccepted, Symbol: o.Symbol, Order: o.Clone()})

	e.matchLocked(ps, o)
	e.settleTakerLocked(ps, o)
	e.triggerStopsLocked(ps)
	return nil
}

// placeStopLocked 止损单：冻结后休眠，触发价满足时立即激活
func (e *Engine) placeStopLocked(ps *pairState, o *orderbook.Order) error {
	if err := e.reserveLocked(ps, o); err != nil {
		return err
	}

	e.emit(Event{Type: EventOrderAccepted, Symbol: o.Symbol, Order: o.Clone()})

	if ps.lastPrice > 0 && stopTriggered(o, ps.lastPrice) {
		e.activateStopLocked(ps, o)
		e.triggerStopsLocked(ps)
		return nil
	}

	ps.stops[o.OrderID] = o
	e.indexAdd(o.OrderID, o.Symbol)
	return nil
}

// reserveLocked 计算并冻结下单资金。卖方冻结基础资产数量，
// 买方限价冻结名义金额，买方市价按参考价加缓冲冻结并据此设定价格保护上限。
func (e *Engine) reserveLocked(ps *pairState, o *orderbook.Order) error {
	cfg := ps.cfg

	var asset string
	var amount int64

	if o.Side == orderbook.SideSell {
		asset = cfg.BaseAsset
		amount = o.OrigQty
	} else {
		asset = cfg.QuoteAsset
		switch {
		case o.Price > 0:
			amount = cfg.QuoteAmount(o.Price, o.OrigQty)
		case o.Type == orderbook.TypeStop:
			amount = symbol.BufferedAmount(cfg.QuoteAmount(o.StopPrice, o.OrigQty), cfg.EffectivePriceLimitRate())
		default:
			ref := ps.lastPrice
			if ref == 0 {
				if ask, _, ok := ps.book.BestAsk(); ok {
					ref = ask
				}
			}
			if ref == 0 {
				return errors.Newf(errors.CodeNoReferencePrice, "no reference price for market buy on %s", o.Symbol)
			}
			amount = symbol.BufferedAmount(cfg.QuoteAmount(ref, o.OrigQty), cfg.EffectivePriceLimitRate())
		}
		if amount <= 0 {
			return errors.Newf(errors.CodeNotionalTooSmall, "reserve amount %d", amount)
		}
	}

	if err := e.ledger.Reserve(o.UserID, asset, amount, o.OrderID); err != nil {
		return err
	}

	o.Reserved = amount
	if o.Side == orderbook.SideBuy && o.Type != orderbook.TypeLimit && o.Price == 0 {
		o.CapPrice = e.capPrice(cfg, o)
	}
	return nil
}

// capPrice 市价买单的价格保护上限，保证撮合消耗不超过冻结金额
func (e *Engine) capPrice(cfg *symbol.Config, o *orderbook.Order) int64 {
	r := new(big.Int).Mul(big.NewInt(o.Reserved), bigPow10(cfg.QtyPrecision))
	r.Div(r, big.NewInt(o.OrigQty))
	return r.Int64()
}

// matchLocked 撮合并逐笔清算，更新最新价
func (e *Engine) matchLocked(ps *pairState, taker *orderbook.Order) {
	result := ps.book.Match(taker)
	if len(result.Legs) == 0 {
		return
	}

	cfg := ps.cfg
	now := e.nowMs()
	taker.UpdateTimeMs = now

	for _, leg := range result.Legs {
		maker := leg.Maker
		maker.UpdateTimeMs = now

		quoteAmt := cfg.QuoteAmount(leg.Price, leg.Qty)

		var buyOrder, sellOrder *orderbook.Order
		if taker.Side == orderbook.SideBuy {
			buyOrder, sellOrder = taker, maker
		} else {
			buyOrder, sellOrder = maker, taker
		}

		buyerRate, sellerRate := cfg.MakerFeeRate, cfg.TakerFeeRate
		if buyOrder == taker {
			buyerRate, sellerRate = cfg.TakerFeeRate, cfg.MakerFeeRate
		}
		buyerFee := symbol.FeeAmount(leg.Qty, buyerRate)
		sellerFee := symbol.FeeAmount(quoteAmt, sellerRate)

		tradeID := e.ids.NextID()
		err := e.ledger.SettleFill(tradeID, cfg.BaseAsset, cfg.QuoteAsset,
			buyOrder.UserID, sellOrder.UserID, leg.Qty, quoteAmt, buyerFee, sellerFee)
		if err != nil {
			// 冻结校验保证此处不应失败，出现即为记账缺陷
			e.log.WithError(err).Errorf("settle fill failed", map[string]interface{}{
				"tradeId": tradeID, "symbol": cfg.Symbol,
			})
		}

		buyOrder.Reserved -= quoteAmt
		buyOrder.QuoteQty += quoteAmt
		sellOrder.Reserved -= leg.Qty
		sellOrder.QuoteQty += quoteAmt

		ps.lastPrice = leg.Price

		trade := &Trade{
			TradeID:      tradeID,
			Symbol:       cfg.Symbol,
			Price:        leg.Price,
			Qty:          leg.Qty,
			QuoteQty:     quoteAmt,
			BuyOrderID:   buyOrder.OrderID,
			SellOrderID:  sellOrder.OrderID,
			BuyUserID:    buyOrder.UserID,
			SellUserID:   sellOrder.UserID,
			MakerOrderID: maker.OrderID,
			TakerSide:    taker.Side,
			BuyerFee:     buyerFee,
			SellerFee:    sellerFee,
			TimeMs:       now,
		}
		e.emit(Event{Type: EventTrade, Symbol: cfg.Symbol, Trade: trade})

		// maker 状态推进
		if maker.LeavesQty == 0 {
			maker.Status = orderbook.StatusFilled
			// 名义金额取整产生的冻结尾差
			e.releaseLeftoverLocked(ps, maker)
			e.indexRemove(maker.OrderID)
		} else {
			maker.Status = orderbook.StatusPartiallyFilled
		}
		e.emit(Event{Type: EventOrderUpdated, Symbol: cfg.Symbol, Order: maker.Clone()})
	}
}

// settleTakerLocked 撮合后确定 taker 去向
func (e *Engine) settleTakerLocked(ps *pairState, o *orderbook.Order) {
	if o.LeavesQty == 0 {
		o.Status = orderbook.StatusFilled
		e.releaseLeftoverLocked(ps, o)
		e.emit(Event{Type: EventOrderUpdated, Symbol: o.Symbol, Order: o.Clone()})
		return
	}

	// 市价与 IOC 的剩余部分立即作废并解冻
	if o.Type == orderbook.TypeMarket || o.TimeInForce == orderbook.TifIOC {
		o.Status = orderbook.StatusExpired
		o.UpdateTimeMs = e.nowMs()
		e.releaseLeftoverLocked(ps, o)
		e.emit(Event{Type: EventOrderUpdated, Symbol: o.Symbol, Order: o.Clone()})
		return
	}

	// 限价剩余入簿。买单按剩余名义金额收紧冻结，吃单价格改善部分立即解冻
	if o.Side == orderbook.SideBuy {
		want := ps.cfg.QuoteAmount(o.Price, o.LeavesQty)
		if excess := o.Reserved - want; excess > 0 {
			if err := e.ledger.Release(o.UserID, ps.cfg.QuoteAsset, excess, o.OrderID); err != nil {
				e.log.WithError(err).Errorf("release excess reserve failed", map[string]interface{}{"orderId": o.OrderID})
			} else {
				o.Reserved = want
			}
		}
	}

	if o.ExecutedQty > 0 {
		o.Status = orderbook.StatusPartiallyFilled
	}
	ps.book.Add(o)
	e.indexAdd(o.OrderID, o.Symbol)
	e.emit(Event{Type: EventOrderUpdated, Symbol: o.Symbol, Order: o.Clone()})
}

// releaseLeftoverLocked 解冻订单剩余冻结并清零
func (e *Engine) releaseLeftoverLocked(ps *pairState, o *orderbook.Order) {
	if o.Reserved <= 0 {
		return
	}
	asset := ps.cfg.QuoteAsset
	if o.Side == orderbook.SideSell {
		asset = ps.cfg.BaseAsset
	}
	if err := e.ledger.Release(o.UserID, asset, o.Reserved, o.OrderID); err != nil {
		e.log.WithError(err).Errorf("release reserve failed", map[string]interface{}{"orderId": o.OrderID})
		return
	}
	o.Reserved = 0
}

// stopTriggered 买入止损在价格上穿、卖出止损在价格下穿触发
func stopTriggered(o *orderbook.Order, lastPrice int64) bool {
	if o.Side == orderbook.SideBuy {
		return lastPrice >= o.StopPrice
	}
	return lastPrice <= o.StopPrice
}

// triggerStopsLocked 反复扫描直至没有新的止损被最新价触发。
// 同一轮内按订单 ID 升序触发，保证可重复。
func (e *Engine) triggerStopsLocked(ps *pairState) {
	for ps.lastPrice > 0 {
		var next *orderbook.Order
		for _, o := range ps.stops {
			if !stopTriggered(o, ps.lastPrice) {
				continue
			}
			if next == nil || o.OrderID < next.OrderID {
				next = o
			}
		}
		if next == nil {
			return
		}

		delete(ps.stops, next.OrderID)
		e.indexRemove(next.OrderID)
		e.activateStopLocked(ps, next)
	}
}

// activateStopLocked 止损激活：带限价的转限价 GTC，否则转受保护的市价单
func (e *Engine) activateStopLocked(ps *pairState, o *orderbook.Order) {
	if o.Price > 0 {
		o.Type = orderbook.TypeLimit
	} else {
		o.Type = orderbook.TypeMarket
		if o.Side == orderbook.SideBuy {
			o.CapPrice = e.capPrice(ps.cfg, o)
		}
	}
	o.UpdateTimeMs = e.nowMs()

	e.emit(Event{Type: EventStopTriggered, Symbol: o.Symbol, Order: o.Clone()})

	e.matchLocked(ps, o)
	e.settleTakerLocked(ps, o)
}

// CancelOrder 撤销未完结订单，解冻剩余资金。
// 订单不存在、已完结或不属于该用户时返回 ORDER_NOT_FOUND。
func (e *Engine) CancelOrder(userID, orderID int64) (*orderbook.Order, error) {
	e.idxMu.RLock()
	sym, ok := e.index[orderID]
	e.idxMu.RUnlock()
	if !ok {
		return nil, errors.ErrOrderNotFound
	}

	ps := e.pairs[sym]
	ps.mu.Lock()
	defer ps.mu.Unlock()

	o := ps.book.Get(orderID)
	if o == nil {
		o = ps.stops[orderID]
	}
	if o == nil || o.UserID != userID {
		return nil, errors.ErrOrderNotFound
	}

	if ps.book.Get(orderID) != nil {
		ps.book.Remove(orderID)
	} else {
		delete(ps.stops, orderID)
	}
	e.indexRemove(orderID)

	e.releaseLeftoverLocked(ps, o)
	o.Status = orderbook.StatusCanceled
	o.UpdateTimeMs = e.nowMs()

	e.emit(Event{Type: EventOrderCanceled, Symbol: o.Symbol, Order: o.Clone()})
	return o.Clone(), nil
}

// RestoreOrder 恢复流程直接重建挂单与止损单，不做资金冻结。
// 仅在启动加载期间调用，此时尚无并发流量。
func (e *Engine) RestoreOrder(o *orderbook.Order) error {
	ps, ok := e.pairs[o.Symbol]
	if !ok {
		return errors.ErrSymbolNotFound
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if o.Type == orderbook.TypeStop {
		ps.stops[o.OrderID] = o
	} else {
		ps.book.Add(o)
	}
	e.indexAdd(o.OrderID, o.Symbol)
	return nil
}

// RestoreLastPrice 恢复最新价
func (e *Engine) RestoreLastPrice(sym string, price int64) {
	if ps, ok := e.pairs[sym]; ok {
		ps.mu.Lock()
		ps.lastPrice = price
		ps.mu.Unlock()
	}
}

// Depth 聚合深度
func (e *Engine) Depth(sym string, limit int) (bids, asks []orderbook.PriceQty, err error) {
	ps, ok := e.pairs[sym]
	if !ok {
		return nil, nil, errors.ErrSymbolNotFound
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	bids, asks = ps.book.Depth(limit)
	return bids, asks, nil
}

// LastPrice 最新成交价，无成交时返回 0
func (e *Engine) LastPrice(sym string) int64 {
	ps, ok := e.pairs[sym]
	if !ok {
		return 0
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastPrice
}

// BestBidAsk 最优买卖价，不存在的一侧为 0
func (e *Engine) BestBidAsk(sym string) (bid, ask int64) {
	ps, ok := e.pairs[sym]
	if !ok {
		return 0, 0
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, _, ok := ps.book.BestBid(); ok {
		bid = p
	}
	if p, _, ok := ps.book.BestAsk(); ok {
		ask = p
	}
	return bid, ask
}

// OpenOrders 用户在某交易对上的全部未完结订单（含止损单）
func (e *Engine) OpenOrders(sym string, userID int64) ([]*orderbook.Order, error) {
	ps, ok := e.pairs[sym]
	if !ok {
		return nil, errors.ErrSymbolNotFound
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	result := make([]*orderbook.Order, 0)
	for _, o := range ps.book.UserOrders(userID) {
		result = append(result, o.Clone())
	}
	for _, o := range ps.stops {
		if o.UserID == userID {
			result = append(result, o.Clone())
		}
	}
	return result, nil
}

// GetOpenOrder 按 ID 查询未完结订单
func (e *Engine) GetOpenOrder(orderID int64) (*orderbook.Order, error) {
	e.idxMu.RLock()
	sym, ok := e.index[orderID]
	e.idxMu.RUnlock()
	if !ok {
		return nil, errors.ErrOrderNotFound
	}

	ps := e.pairs[sym]
	ps.mu.Lock()
	defer ps.mu.Unlock()

	o := ps.book.Get(orderID)
	if o == nil {
		o = ps.stops[orderID]
	}
	if o == nil {
		return nil, errors.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// Config 交易对配置
func (e *Engine) Config(sym string) (*symbol.Config, bool) {
	ps, ok := e.pairs[sym]
	if !ok {
		return nil, false
	}
	return ps.cfg, true
}

// Symbols 全部交易对配置
func (e *Engine) Symbols() []*symbol.Config {
	result := make([]*symbol.Config, 0, len(e.pairs))
	for _, ps := range e.pairs {
		result = append(result, ps.cfg)
	}
	return result
}

func (e *Engine) emit(ev Event) {
	if e.sink == nil {
		return
	}
	if ev.TimeMs == 0 {
		ev.TimeMs = e.nowMs()
	}
	e.sink(ev)
}

func (e *Engine) indexAdd(orderID int64, sym string) {
	e.idxMu.Lock()
	e.index[orderID] = sym
	e.idxMu.Unlock()
}

func (e *Engine) indexRemove(orderID int64) {
	e.idxMu.Lock()
	delete(e.index, orderID)
	e.idxMu.Unlock()
}

func bigPow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
