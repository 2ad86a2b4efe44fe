// Package simulator 行情模拟器：用两个机器人账户在受控价格带内
// 互相成交，为交易对制造价格走势与盘口深度。
package simulator

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/ledger"
	"github.com/exchange/spot/internal/metrics"
	"github.com/exchange/spot/internal/orderbook"
	"github.com/exchange/spot/internal/symbol"
	"github.com/exchange/spot/pkg/errors"
	"github.com/exchange/spot/pkg/logger"
)

const (
	defaultInterval = 500 * time.Millisecond
	maxResting      = 64

	// 每次心跳最大价格步长：0.5%
	stepRate int64 = 500000
	// 挂单离中间价的距离：0.2%
	spreadRate int64 = 200000
	// 价格带：种子价的 [1/2, 2] 倍
	bandLow, bandHigh = 2, 2

	botFunding = int64(1_000_000_00000000)
)

// Config 模拟器配置
type Config struct {
	Interval    time.Duration
	BuyerBotID  int64
	SellerBotID int64
	SeedPrices  map[string]int64 // 交易对种子价
	Seed        int64            // 随机种子，0 取当前时间
}

// Status 运行状态
type Status struct {
	Running      bool     `json:"running"`
	Pairs        []string `json:"pairs"`
	TickCount    int64    `json:"tickCount"`
	TradeCount   int64    `json:"tradeCount"`
	SkipCount    int64    `json:"skipCount"`
	LastTickAtMs int64    `json:"lastTickAtMs"`
	LastError    string   `json:"lastError,omitempty"`
}

type symState struct {
	cfg     *symbol.Config
	seed    int64
	resting []int64 // 挂单 ID 环，超限撤最旧的
}

// Simulator 行情模拟器
type Simulator struct {
	engine *engine.Engine
	ledger *ledger.Ledger
	log    *logger.Logger
	cfg    Config

	symbols map[string]*symState
	rng     *rand.Rand

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// New 创建模拟器。种子价缺失的交易对不参与模拟。
func New(eng *engine.Engine, led *ledger.Ledger, log *logger.Logger, cfg Config) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Simulator{
		engine:  eng,
		ledger:  led,
		log:     log,
		cfg:     cfg,
		symbols: make(map[string]*symState),
		rng:     rand.New(rand.NewSource(seed)),
	}

	for _, sc := range eng.Symbols() {
		if seedPrice, ok := cfg.SeedPrices[sc.Symbol]; ok && seedPrice > 0 {
			s.symbols[sc.Symbol] = &symState{cfg: sc, seed: seedPrice}
		}
	}

	s.status.Pairs = make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		s.status.Pairs = append(s.status.Pairs, sym)
	}
	sort.Strings(s.status.Pairs)
	return s
}

// Start 启动模拟循环，重复调用无副作用
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Running {
		return
	}

	s.fund()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status.Running = true

	go s.run(ctx)
	s.log.Info("market simulator started")
}

// Stop 停止模拟循环并等待退出，重复调用无副作用
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.status.Running {
		s.mu.Unlock()
		return
	}
	s.status.Running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("market simulator stopped")
}

// Status 当前运行状态
func (s *Simulator) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// fund 机器人账户余额低于水位时补足
func (s *Simulator) fund() {
	assets := make(map[string]bool)
	for _, st := range s.symbols {
		assets[st.cfg.BaseAsset] = true
		assets[st.cfg.QuoteAsset] = true
	}
	for asset := range assets {
		for _, bot := range []int64{s.cfg.BuyerBotID, s.cfg.SellerBotID} {
			if b := s.ledger.Get(bot, asset); b.Total() < botFunding/2 {
				if err := s.ledger.Credit(bot, asset, botFunding, ledger.ReasonAdjust, 0); err != nil {
					s.log.WithError(err).Warn("fund bot failed")
				}
			}
		}
	}
}

func (s *Simulator) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick 每个交易对推进一步。单次失败只记录并跳过，不中断循环。
func (s *Simulator) tick() {
	s.mu.Lock()
	s.status.TickCount++
	s.status.LastTickAtMs = time.Now().UnixMilli()
	s.mu.Unlock()

	for sym, st := range s.symbols {
		if err := s.step(sym, st); err != nil {
			if errors.CodeOf(err) == errors.CodeSystemBusy {
				metrics.SimulatorTicks.WithLabelValues(sym, "busy").Inc()
				s.mu.Lock()
				s.status.SkipCount++
				s.mu.Unlock()
				continue
			}
			metrics.SimulatorTicks.WithLabelValues(sym, "error").Inc()
			s.mu.Lock()
			s.status.LastError = err.Error()
			s.mu.Unlock()
			s.log.WithError(err).WithField("symbol", sym).Warn("simulator step failed")
			continue
		}
		metrics.SimulatorTicks.WithLabelValues(sym, "ok").Inc()
	}
}

// step 生成下一个价格并围绕它制造深度与成交
func (s *Simulator) step(sym string, st *symState) error {
	price := s.nextPrice(sym, st)
	qty := s.randomQty(st.cfg)

	// 盘口深度：买卖两侧各挂一档
	bidPrice := applyRate(price, -spreadRate)
	askPrice := applyRate(price, spreadRate)

	if o, err := s.engine.TryPlaceOrder(&engine.PlaceRequest{
		UserID: s.cfg.BuyerBotID, Symbol: sym, Side: orderbook.SideBuy,
		Type: orderbook.TypeLimit, Price: bidPrice, Qty: s.randomQty(st.cfg),
	}); err != nil {
		return err
	} else if !o.Status.Terminal() {
		s.trackResting(st, o.OrderID)
	}

	if o, err := s.engine.TryPlaceOrder(&engine.PlaceRequest{
		UserID: s.cfg.SellerBotID, Symbol: sym, Side: orderbook.SideSell,
		Type: orderbook.TypeLimit, Price: askPrice, Qty: s.randomQty(st.cfg),
	}); err != nil {
		return err
	} else if !o.Status.Terminal() {
		s.trackResting(st, o.OrderID)
	}

	// 互相成交推动最新价：一方挂限价，另一方同价吃单
	maker, taker := s.cfg.SellerBotID, s.cfg.BuyerBotID
	makerSide, takerSide := orderbook.SideSell, orderbook.SideBuy
	if s.rng.Intn(2) == 0 {
		maker, taker = taker, maker
		makerSide, takerSide = takerSide, makerSide
	}

	mo, err := s.engine.TryPlaceOrder(&engine.PlaceRequest{
		UserID: maker, Symbol: sym, Side: makerSide,
		Type: orderbook.TypeLimit, Price: price, Qty: qty,
	})
	if err != nil {
		return err
	}

	to, err := s.engine.TryPlaceOrder(&engine.PlaceRequest{
		UserID: taker, Symbol: sym, Side: takerSide,
		Type: orderbook.TypeLimit, Price: price, Qty: qty,
		TimeInForce: orderbook.TifIOC,
	})
	if err != nil {
		// maker 腿已挂出，留给后续心跳撤旧
		s.trackResting(st, mo.OrderID)
		return err
	}

	if to.ExecutedQty > 0 {
		s.mu.Lock()
		s.status.TradeCount++
		s.mu.Unlock()
	}
	if !mo.Status.Terminal() {
		if o, err := s.engine.GetOpenOrder(mo.OrderID); err == nil && !o.Status.Terminal() {
			s.trackResting(st, mo.OrderID)
		}
	}

	s.pruneResting(st)
	return nil
}

// nextPrice 有界随机游走：围绕最新价小步移动，限制在种子价的价格带内
func (s *Simulator) nextPrice(sym string, st *symState) int64 {
	current := s.engine.LastPrice(sym)
	if current == 0 {
		current = st.seed
	}

	delta := s.rng.Int63n(2*stepRate+1) - stepRate
	next := applyRate(current, delta)

	low := st.seed / bandLow
	high := st.seed * bandHigh
	if next < low {
		next = low
	}
	if next > high {
		next = high
	}
	if next <= 0 {
		next = st.seed
	}
	return next
}

func (s *Simulator) randomQty(cfg *symbol.Config) int64 {
	base := cfg.MinQty * 10
	return base + s.rng.Int63n(base*9+1)
}

func (s *Simulator) trackResting(st *symState, orderID int64) {
	st.resting = append(st.resting, orderID)
}

// pruneResting 撤掉最旧的挂单，控制盘口规模
func (s *Simulator) pruneResting(st *symState) {
	for len(st.resting) > maxResting {
		oldest := st.resting[0]
		st.resting = st.resting[1:]
		for _, bot := range []int64{s.cfg.BuyerBotID, s.cfg.SellerBotID} {
			if _, err := s.engine.CancelOrder(bot, oldest); err == nil {
				break
			}
		}
	}
}

// applyRate 价格按 FeeRateScale 比例缩放，负数为下调
func applyRate(price, rate int64) int64 {
	return price + price/symbol.FeeRateScale*rate + price%symbol.FeeRateScale*rate/symbol.FeeRateScale
}
