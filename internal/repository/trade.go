package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/orderbook"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// TradeRepository 成交仓储
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository 创建仓储
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Insert 写入成交。以成交 ID 幂等，重放时静默跳过。
func (r *TradeRepository) Insert(ctx context.Context, t *engine.Trade) error {
	query := `
		INSERT INTO spot.trades
		(trade_id, symbol, price, qty, quote_qty, buy_order_id, sell_order_id,
		 buy_user_id, sell_user_id, maker_order_id, taker_side, buyer_fee, seller_fee, time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (trade_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		t.TradeID, t.Symbol, t.Price, t.Qty, t.QuoteQty, t.BuyOrderID, t.SellOrderID,
		t.BuyUserID, t.SellUserID, t.MakerOrderID, int(t.TakerSide), t.BuyerFee, t.SellerFee, t.TimeMs,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListBySymbol 交易对最近成交，时间倒序
func (r *TradeRepository) ListBySymbol(ctx context.Context, sym string, limit int) ([]*engine.Trade, error) {
	query := selectTrades + `
		WHERE symbol = $1
		ORDER BY time_ms DESC, trade_id DESC
		LIMIT $2`
	return r.queryTrades(ctx, query, sym, limit)
}

// ListByUser 用户成交历史
func (r *TradeRepository) ListByUser(ctx context.Context, userID int64, sym string, startMs, endMs int64, limit int) ([]*engine.Trade, error) {
	query := selectTrades + `
		WHERE (buy_user_id = $1 OR sell_user_id = $1)
		  AND ($2 = '' OR symbol = $2)
		  AND time_ms >= $3 AND time_ms <= $4
		ORDER BY time_ms DESC
		LIMIT $5`
	return r.queryTrades(ctx, query, userID, sym, startMs, endMs, limit)
}

// LastPrices 各交易对最新成交价，恢复流程用
func (r *TradeRepository) LastPrices(ctx context.Context) (map[string]int64, error) {
	query := `
		SELECT DISTINCT ON (symbol) symbol, price
		FROM spot.trades
		ORDER BY symbol, time_ms DESC, trade_id DESC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query last prices: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var sym string
		var price int64
		if err := rows.Scan(&sym, &price); err != nil {
			return nil, fmt.Errorf("scan last price: %w", err)
		}
		result[sym] = price
	}
	return result, rows.Err()
}

const selectTrades = `
	SELECT trade_id, symbol, price, qty, quote_qty, buy_order_id, sell_order_id,
	       buy_user_id, sell_user_id, maker_order_id, taker_side, buyer_fee, seller_fee, time_ms
	FROM spot.trades`

func (r *TradeRepository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*engine.Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []*engine.Trade
	for rows.Next() {
		var t engine.Trade
		var takerSide int
		if err := rows.Scan(
			&t.TradeID, &t.Symbol, &t.Price, &t.Qty, &t.QuoteQty, &t.BuyOrderID, &t.SellOrderID,
			&t.BuyUserID, &t.SellUserID, &t.MakerOrderID, &takerSide, &t.BuyerFee, &t.SellerFee, &t.TimeMs,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.TakerSide = orderbook.Side(takerSide)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}
