// Package repository 数据访问层。撮合引擎的内存状态为权威状态，
// 这里的表由日志消费方异步写入，供查询、恢复与对账使用。
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/exchange/spot/internal/orderbook"
)

// OrderRepository 订单仓储
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository 创建仓储
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Upsert 写入订单快照。日志消费方按事件顺序重复调用，以订单 ID 幂等。
func (r *OrderRepository) Upsert(ctx context.Context, o *orderbook.Order) error {
	query := `
		INSERT INTO spot.orders
		(order_id, user_id, symbol, side, type, time_in_force, price, stop_price,
		 orig_qty, leaves_qty, executed_qty, quote_qty, reserved, status,
		 create_time_ms, update_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (order_id) DO UPDATE SET
			leaves_qty = EXCLUDED.leaves_qty,
			executed_qty = EXCLUDED.executed_qty,
			quote_qty = EXCLUDED.quote_qty,
			reserved = EXCLUDED.reserved,
			status = EXCLUDED.status,
			update_time_ms = EXCLUDED.update_time_ms
	`
	_, err := r.db.ExecContext(ctx, query,
		o.OrderID, o.UserID, o.Symbol, int(o.Side), int(o.Type), int(o.TimeInForce),
		o.Price, o.StopPrice, o.OrigQty, o.LeavesQty, o.ExecutedQty, o.QuoteQty,
		o.Reserved, int(o.Status), o.CreateTimeMs, o.UpdateTimeMs,
	)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// Get 获取订单
func (r *OrderRepository) Get(ctx context.Context, orderID int64) (*orderbook.Order, error) {
	query := selectOrders + ` WHERE order_id = $1`
	rows, err := r.queryOrders(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// ListOpen 全部未完结订单，恢复流程重建订单簿用
func (r *OrderRepository) ListOpen(ctx context.Context) ([]*orderbook.Order, error) {
	query := selectOrders + `
		WHERE status IN (1, 2)
		ORDER BY create_time_ms ASC, order_id ASC`
	return r.queryOrders(ctx, query)
}

// ListByUser 用户历史订单，时间倒序
func (r *OrderRepository) ListByUser(ctx context.Context, userID int64, sym string, startMs, endMs int64, limit int) ([]*orderbook.Order, error) {
	query := selectOrders + `
		WHERE user_id = $1
		  AND ($2 = '' OR symbol = $2)
		  AND create_time_ms >= $3 AND create_time_ms <= $4
		ORDER BY create_time_ms DESC
		LIMIT $5`
	return r.queryOrders(ctx, query, userID, sym, startMs, endMs, limit)
}

const selectOrders = `
	SELECT order_id, user_id, symbol, side, type, time_in_force, price, stop_price,
	       orig_qty, leaves_qty, executed_qty, quote_qty, reserved, status,
	       create_time_ms, update_time_ms
	FROM spot.orders`

func (r *OrderRepository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*orderbook.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*orderbook.Order
	for rows.Next() {
		var o orderbook.Order
		var side, typ, tif, status int
		if err := rows.Scan(
			&o.OrderID, &o.UserID, &o.Symbol, &side, &typ, &tif, &o.Price, &o.StopPrice,
			&o.OrigQty, &o.LeavesQty, &o.ExecutedQty, &o.QuoteQty, &o.Reserved, &status,
			&o.CreateTimeMs, &o.UpdateTimeMs,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Side = orderbook.Side(side)
		o.Type = orderbook.OrderType(typ)
		o.TimeInForce = orderbook.TimeInForce(tif)
		o.Status = orderbook.Status(status)
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}
