// Package recovery 启动恢复：从落库快照重建账本、订单簿与最新价。
// 引擎内存状态为权威状态，重启后以最近一次写后快照为准。
package recovery

import (
	"context"
	"fmt"

	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/ledger"
	"github.com/exchange/spot/internal/repository"
	"github.com/exchange/spot/pkg/logger"
)

// Loader 恢复加载器
type Loader struct {
	orders   *repository.OrderRepository
	trades   *repository.TradeRepository
	balances *repository.BalanceRepository
	log      *logger.Logger
}

// NewLoader 创建加载器
func NewLoader(
	orders *repository.OrderRepository,
	trades *repository.TradeRepository,
	balances *repository.BalanceRepository,
	log *logger.Logger,
) *Loader {
	return &Loader{orders: orders, trades: trades, balances: balances, log: log}
}

// Restore 重建内存状态。必须在引擎接收流量之前调用。
func (l *Loader) Restore(ctx context.Context, eng *engine.Engine, led *ledger.Ledger) error {
	snapshots, err := l.balances.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	for _, s := range snapshots {
		led.Restore(s.UserID, s.Asset, s.AvailableAfter, s.LockedAfter)
	}

	open, err := l.orders.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	restored := 0
	for _, o := range open {
		if err := eng.RestoreOrder(o); err != nil {
			// 配置中已下线的交易对可能残留挂单，跳过并记录
			l.log.WithError(err).Warnf("skip restoring order", map[string]interface{}{
				"orderId": o.OrderID, "symbol": o.Symbol,
			})
			continue
		}
		restored++
	}

	prices, err := l.trades.LastPrices(ctx)
	if err != nil {
		return fmt.Errorf("load last prices: %w", err)
	}
	for sym, price := range prices {
		eng.RestoreLastPrice(sym, price)
	}

	l.log.Infof("recovery complete", map[string]interface{}{
		"balances":   len(snapshots),
		"openOrders": restored,
		"lastPrices": len(prices),
	})
	return nil
}
