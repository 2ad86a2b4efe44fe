// Package handler HTTP API。金额字段对外一律使用十进制字符串，
// 入站按交易对精度换算为最小单位整数，出站反向渲染。
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/ledger"
	"github.com/exchange/spot/internal/market"
	"github.com/exchange/spot/internal/metrics"
	"github.com/exchange/spot/internal/repository"
	"github.com/exchange/spot/internal/simulator"
	"github.com/exchange/spot/internal/symbol"
	"github.com/exchange/spot/pkg/decimal"
	"github.com/exchange/spot/pkg/errors"
	"github.com/exchange/spot/pkg/logger"
)

const defaultListLimit = 100

// Handler HTTP 处理器
type Handler struct {
	engine    *engine.Engine
	ledger    *ledger.Ledger
	market    *market.Service
	orders    *repository.OrderRepository
	trades    *repository.TradeRepository
	simulator *simulator.Simulator
	log       *logger.Logger

	internalToken string
}

// New 创建处理器
func New(
	eng *engine.Engine,
	led *ledger.Ledger,
	mkt *market.Service,
	orders *repository.OrderRepository,
	trades *repository.TradeRepository,
	sim *simulator.Simulator,
	log *logger.Logger,
	internalToken string,
) *Handler {
	return &Handler{
		engine:        eng,
		ledger:        led,
		market:        mkt,
		orders:        orders,
		trades:        trades,
		simulator:     sim,
		log:           log,
		internalToken: internalToken,
	}
}

// Routes 注册路由
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/symbols", h.instrument(h.handleSymbols))
	mux.HandleFunc("/api/v1/depth", h.instrument(h.handleDepth))
	mux.HandleFunc("/api/v1/ticker", h.instrument(h.handleTicker))
	mux.HandleFunc("/api/v1/trades", h.instrument(h.handleTrades))

	mux.HandleFunc("/api/v1/order", h.instrument(h.handleOrder))
	mux.HandleFunc("/api/v1/openOrders", h.instrument(h.requireUser(h.handleOpenOrders)))
	mux.HandleFunc("/api/v1/orders", h.instrument(h.requireUser(h.handleOrderHistory)))
	mux.HandleFunc("/api/v1/myTrades", h.instrument(h.requireUser(h.handleMyTrades)))
	mux.HandleFunc("/api/v1/balances", h.instrument(h.requireUser(h.handleBalances)))

	mux.HandleFunc("/internal/deposit", h.requireInternal(h.handleDeposit))
	mux.HandleFunc("/internal/simulator/start", h.requireInternal(h.handleSimulatorStart))
	mux.HandleFunc("/internal/simulator/stop", h.requireInternal(h.handleSimulatorStop))
	mux.HandleFunc("/internal/simulator/status", h.requireInternal(h.handleSimulatorStatus))

	return mux
}

// instrument 记录请求耗时
func (h *Handler) instrument(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.RequestDuration.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requireUser 网关剥离认证后以 X-User-Id 透传用户身份
func (h *Handler) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if userID(r) <= 0 {
			writeError(w, errors.ErrUnauthenticated)
			return
		}
		next(w, r)
	}
}

func (h *Handler) requireInternal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.internalToken == "" || r.Header.Get("X-Internal-Token") != h.internalToken {
			writeError(w, errors.New(errors.CodePermissionDenied, "invalid internal token"))
			return
		}
		next(w, r)
	}
}

func userID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get("X-User-Id"), 10, 64)
	return id
}

func (h *Handler) handleSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"serverTime": time.Now().UnixMilli(),
		"symbols":    h.engine.Symbols(),
	})
}

func (h *Handler) handleDepth(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Query().Get("symbol")
	cfg, ok := h.engine.Config(sym)
	if !ok {
		writeError(w, errors.ErrSymbolNotFound)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	bids, asks, err := h.engine.Depth(sym, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": sym,
		"bids":   renderLevels(cfg, bids),
		"asks":   renderLevels(cfg, asks),
	})
}

func (h *Handler) handleTicker(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Query().Get("symbol")

	// 不带 symbol 返回全部交易对行情
	if sym == "" {
		result := make([]map[string]interface{}, 0)
		for _, cfg := range h.engine.Symbols() {
			ticker, ok := h.market.Ticker(cfg.Symbol)
			if !ok {
				ticker = &market.Ticker{Symbol: cfg.Symbol, TimeMs: time.Now().UnixMilli()}
			}
			result = append(result, renderTicker(cfg, ticker))
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	cfg, ok := h.engine.Config(sym)
	if !ok {
		writeError(w, errors.ErrSymbolNotFound)
		return
	}

	ticker, ok := h.market.Ticker(sym)
	if !ok {
		ticker = &market.Ticker{Symbol: sym, TimeMs: time.Now().UnixMilli()}
	}
	writeJSON(w, http.StatusOK, renderTicker(cfg, ticker))
}

func (h *Handler) handleTrades(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Query().Get("symbol")
	cfg, ok := h.engine.Config(sym)
	if !ok {
		writeError(w, errors.ErrSymbolNotFound)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}

	trades := h.market.RecentTrades(sym, limit)
	result := make([]map[string]interface{}, 0, len(trades))
	for _, t := range trades {
		result = append(result, renderPublicTrade(cfg, t))
	}
	writeJSON(w, http.StatusOK, result)
}

// PlaceOrderRequest 下单请求
type PlaceOrderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"timeInForce"`
	Price       string `json:"price"`
	StopPrice   string `json:"stopPrice"`
	Quantity    string `json:"quantity"`
}

func (h *Handler) handleOrder(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePlaceOrder(w, r)
	case http.MethodDelete:
		h.handleCancelOrder(w, r)
	case http.MethodGet:
		h.handleGetOrder(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid <= 0 {
		writeError(w, errors.ErrUnauthenticated)
		return
	}

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.CodeInvalidParam, "invalid request body"))
		return
	}

	cfg, ok := h.engine.Config(req.Symbol)
	if !ok {
		writeError(w, errors.ErrSymbolNotFound)
		return
	}

	placeReq, err := h.buildPlaceRequest(uid, cfg, &req)
	if err != nil {
		writeError(w, err)
		metrics.OrdersTotal.WithLabelValues(req.Symbol, "rejected").Inc()
		return
	}

	order, err := h.engine.PlaceOrder(placeReq)
	if err != nil {
		writeError(w, err)
		metrics.OrdersTotal.WithLabelValues(req.Symbol, "rejected").Inc()
		return
	}

	metrics.OrdersTotal.WithLabelValues(req.Symbol, "accepted").Inc()
	writeJSON(w, http.StatusOK, renderOrder(cfg, order))
}

func (h *Handler) buildPlaceRequest(uid int64, cfg *symbol.Config, req *PlaceOrderRequest) (*engine.PlaceRequest, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	typ, err := parseOrderType(req.Type)
	if err != nil {
		return nil, err
	}
	tif, err := parseTimeInForce(req.TimeInForce)
	if err != nil {
		return nil, err
	}

	price, err := parseAmount(req.Price, cfg.PricePrecision, "price")
	if err != nil {
		return nil, err
	}
	stopPrice, err := parseAmount(req.StopPrice, cfg.PricePrecision, "stopPrice")
	if err != nil {
		return nil, err
	}
	qty, err := parseAmount(req.Quantity, cfg.QtyPrecision, "quantity")
	if err != nil {
		return nil, err
	}

	return &engine.PlaceRequest{
		UserID:      uid,
		Symbol:      cfg.Symbol,
		Side:        side,
		Type:        typ,
		TimeInForce: tif,
		Price:       price,
		StopPrice:   stopPrice,
		Qty:         qty,
	}, nil
}

func (h *Handler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid <= 0 {
		writeError(w, errors.ErrUnauthenticated)
		return
	}

	orderID, _ := strconv.ParseInt(r.URL.Query().Get("orderId"), 10, 64)
	if orderID <= 0 {
		writeError(w, errors.New(errors.CodeInvalidParam, "orderId required"))
		return
	}

	order, err := h.engine.CancelOrder(uid, orderID)
	if err != nil {
		metrics.CancelsTotal.WithLabelValues("rejected").Inc()
		// 引擎只索引活跃订单，区分已完结与不存在
		if errors.CodeOf(err) == errors.CodeOrderNotFound {
			if stored, repoErr := h.orders.Get(r.Context(), orderID); repoErr == nil &&
				stored.UserID == uid && stored.Status.Terminal() {
				writeError(w, errors.ErrOrderAlreadyFinished)
				return
			}
		}
		writeError(w, err)
		return
	}

	metrics.CancelsTotal.WithLabelValues("ok").Inc()
	cfg, _ := h.engine.Config(order.Symbol)
	writeJSON(w, http.StatusOK, renderOrder(cfg, order))
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid <= 0 {
		writeError(w, errors.ErrUnauthenticated)
		return
	}

	orderID, _ := strconv.ParseInt(r.URL.Query().Get("orderId"), 10, 64)

	// 优先查内存中的活跃订单，已完结的回落到库
	order, err := h.engine.GetOpenOrder(orderID)
	if err != nil {
		order, err = h.orders.Get(r.Context(), orderID)
		if err != nil {
			writeError(w, errors.ErrOrderNotFound)
			return
		}
	}
	if order.UserID != uid {
		writeError(w, errors.ErrOrderNotFound)
		return
	}

	cfg, ok := h.engine.Config(order.Symbol)
	if !ok {
		writeError(w, errors.ErrSymbolNotFound)
		return
	}
	writeJSON(w, http.StatusOK, renderOrder(cfg, order))
}

func (h *Handler) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	sym := r.URL.Query().Get("symbol")

	cfg, ok := h.engine.Config(sym)
	if !ok {
		writeError(w, errors.ErrSymbolNotFound)
		return
	}

	orders, err := h.engine.OpenOrders(sym, uid)
	if err != nil {
		writeError(w, err)
		return
	}

	result := make([]map[string]interface{}, 0, len(orders))
	for _, o := range orders {
		result = append(result, renderOrder(cfg, o))
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	q := r.URL.Query()
	sym := q.Get("symbol")
	startMs, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
	endMs, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
	if endMs == 0 {
		endMs = time.Now().UnixMilli()
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}

	orders, err := h.orders.ListByUser(r.Context(), uid, sym, startMs, endMs, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	result := make([]map[string]interface{}, 0, len(orders))
	for _, o := range orders {
		if cfg, ok := h.engine.Config(o.Symbol); ok {
			result = append(result, renderOrder(cfg, o))
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleMyTrades(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	q := r.URL.Query()
	sym := q.Get("symbol")
	startMs, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
	endMs, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
	if endMs == 0 {
		endMs = time.Now().UnixMilli()
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}

	trades, err := h.trades.ListByUser(r.Context(), uid, sym, startMs, endMs, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	result := make([]map[string]interface{}, 0, len(trades))
	for _, t := range trades {
		if cfg, ok := h.engine.Config(t.Symbol); ok {
			result = append(result, renderUserTrade(cfg, t, uid))
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)

	balances := h.ledger.UserBalances(uid)
	result := make([]map[string]string, 0, len(balances))
	for asset, b := range balances {
		result = append(result, map[string]string{
			"asset":     asset,
			"available": decimal.FromUnits(b.Available, assetPrecision).String(),
			"locked":    decimal.FromUnits(b.Locked, assetPrecision).String(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// DepositRequest 入金请求（内部接口，联调与模拟环境用）
type DepositRequest struct {
	UserID int64  `json:"userId"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.CodeInvalidParam, "invalid request body"))
		return
	}

	amount, err := parseAmount(req.Amount, assetPrecision, "amount")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.ledger.Credit(req.UserID, req.Asset, amount, ledger.ReasonDeposit, 0); err != nil {
		writeError(w, err)
		return
	}

	b := h.ledger.Get(req.UserID, req.Asset)
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":     req.Asset,
		"available": decimal.FromUnits(b.Available, assetPrecision).String(),
		"locked":    decimal.FromUnits(b.Locked, assetPrecision).String(),
	})
}

func (h *Handler) handleSimulatorStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.simulator == nil {
		writeError(w, errors.New(errors.CodeUnavailable, "simulator disabled"))
		return
	}
	h.simulator.Start()
	writeJSON(w, http.StatusOK, h.simulator.Status())
}

func (h *Handler) handleSimulatorStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.simulator == nil {
		writeError(w, errors.New(errors.CodeUnavailable, "simulator disabled"))
		return
	}
	h.simulator.Stop()
	writeJSON(w, http.StatusOK, h.simulator.Status())
}

func (h *Handler) handleSimulatorStatus(w http.ResponseWriter, r *http.Request) {
	if h.simulator == nil {
		writeError(w, errors.New(errors.CodeUnavailable, "simulator disabled"))
		return
	}
	writeJSON(w, http.StatusOK, h.simulator.Status())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var e *errors.Error
	if !stdErrorsAs(err, &e) {
		e = errors.New(errors.CodeInternal, "internal error")
	}
	writeJSON(w, e.HTTPStatus(), map[string]string{
		"code":    string(e.Code),
		"message": e.Message,
	})
}
