package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/exchange/spot/internal/symbol"
)

// SymbolRepository 交易对配置仓储
type SymbolRepository struct {
	db *sql.DB
}

// NewSymbolRepository 创建仓储
func NewSymbolRepository(db *sql.DB) *SymbolRepository {
	return &SymbolRepository{db: db}
}

// List 全部交易对配置，启动时加载
func (r *SymbolRepository) List(ctx context.Context) ([]*symbol.Config, error) {
	query := `
		SELECT symbol, base_asset, quote_asset, price_precision, qty_precision,
		       min_qty, max_qty, min_notional, maker_fee_rate, taker_fee_rate,
		       price_limit_rate, status
		FROM spot.symbol_configs
		ORDER BY symbol
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query symbol configs: %w", err)
	}
	defer rows.Close()

	var configs []*symbol.Config
	for rows.Next() {
		var c symbol.Config
		if err := rows.Scan(
			&c.Symbol, &c.BaseAsset, &c.QuoteAsset, &c.PricePrecision, &c.QtyPrecision,
			&c.MinQty, &c.MaxQty, &c.MinNotional, &c.MakerFeeRate, &c.TakerFeeRate,
			&c.PriceLimitRate, &c.Status,
		); err != nil {
			return nil, fmt.Errorf("scan symbol config: %w", err)
		}
		configs = append(configs, &c)
	}
	return configs, rows.Err()
}

// Upsert 写入交易对配置
func (r *SymbolRepository) Upsert(ctx context.Context, c *symbol.Config) error {
	query := `
		INSERT INTO spot.symbol_configs
		(symbol, base_asset, quote_asset, price_precision, qty_precision,
		 min_qty, max_qty, min_notional, maker_fee_rate, taker_fee_rate,
		 price_limit_rate, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (symbol) DO UPDATE SET
			min_qty = EXCLUDED.min_qty,
			max_qty = EXCLUDED.max_qty,
			min_notional = EXCLUDED.min_notional,
			maker_fee_rate = EXCLUDED.maker_fee_rate,
			taker_fee_rate = EXCLUDED.taker_fee_rate,
			price_limit_rate = EXCLUDED.price_limit_rate,
			status = EXCLUDED.status
	`
	_, err := r.db.ExecContext(ctx, query,
		c.Symbol, c.BaseAsset, c.QuoteAsset, c.PricePrecision, c.QtyPrecision,
		c.MinQty, c.MaxQty, c.MinNotional, c.MakerFeeRate, c.TakerFeeRate,
		c.PriceLimitRate, c.Status,
	)
	if err != nil {
		return fmt.Errorf("upsert symbol config: %w", err)
	}
	return nil
}
