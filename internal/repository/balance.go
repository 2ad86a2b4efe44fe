package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/exchange/spot/internal/ledger"
)

// LedgerEntry 落库的账本流水，EntryID 由日志消费方分配
type LedgerEntry struct {
	EntryID int64
	ledger.Entry
}

// BalanceRepository 余额与账本流水仓储
type BalanceRepository struct {
	db *sql.DB
}

// NewBalanceRepository 创建仓储
func NewBalanceRepository(db *sql.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// ApplyEntry 在同一事务内追加流水并刷新余额快照。
// 日志消费方单协程按序调用，快照直接取流水中的期末值。
func (r *BalanceRepository) ApplyEntry(ctx context.Context, e *LedgerEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO spot.ledger_entries
		(entry_id, user_id, asset, reason, available_delta, locked_delta,
		 available_after, locked_after, ref_id, time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (entry_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, insert,
		e.EntryID, e.UserID, e.Asset, e.Reason, e.AvailableDelta, e.LockedDelta,
		e.AvailableAfter, e.LockedAfter, e.RefID, e.TimeMs,
	); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	upsert := `
		INSERT INTO spot.balances (user_id, asset, available, locked, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, asset) DO UPDATE SET
			available = EXCLUDED.available,
			locked = EXCLUDED.locked,
			updated_at_ms = EXCLUDED.updated_at_ms
	`
	if _, err := tx.ExecContext(ctx, upsert,
		e.UserID, e.Asset, e.AvailableAfter, e.LockedAfter, e.TimeMs,
	); err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get 余额快照，不存在时返回零余额
func (r *BalanceRepository) Get(ctx context.Context, userID int64, asset string) (ledger.Balance, error) {
	query := `
		SELECT available, locked
		FROM spot.balances
		WHERE user_id = $1 AND asset = $2
	`
	var b ledger.Balance
	err := r.db.QueryRowContext(ctx, query, userID, asset).Scan(&b.Available, &b.Locked)
	if err == sql.ErrNoRows {
		return ledger.Balance{}, nil
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("query balance: %w", err)
	}
	return b, nil
}

// ListAll 全部余额快照，恢复流程重建账本用
func (r *BalanceRepository) ListAll(ctx context.Context) ([]*LedgerEntry, error) {
	query := `
		SELECT user_id, asset, available, locked, updated_at_ms
		FROM spot.balances
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var result []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.UserID, &e.Asset, &e.AvailableAfter, &e.LockedAfter, &e.TimeMs); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

// AssetTotals 各资产全平台总量（可用 + 冻结），对账用
func (r *BalanceRepository) AssetTotals(ctx context.Context) (map[string]int64, error) {
	query := `
		SELECT asset, COALESCE(SUM(available + locked), 0)
		FROM spot.balances
		GROUP BY asset
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query asset totals: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var asset string
		var total int64
		if err := rows.Scan(&asset, &total); err != nil {
			return nil, fmt.Errorf("scan asset total: %w", err)
		}
		result[asset] = total
	}
	return result, rows.Err()
}

// NegativeBalances 出现负余额的账户，对账不变量检查
func (r *BalanceRepository) NegativeBalances(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM spot.balances
		WHERE available < 0 OR locked < 0
	`
	var n int
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("query negative balances: %w", err)
	}
	return n, nil
}
