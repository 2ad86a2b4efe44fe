// 现货交易服务入口：内存撮合为权威状态，落库写后进行，
// 启动时从最近快照恢复账本与订单簿。
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/spot/internal/config"
	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/fanout"
	"github.com/exchange/spot/internal/handler"
	"github.com/exchange/spot/internal/journal"
	"github.com/exchange/spot/internal/ledger"
	"github.com/exchange/spot/internal/market"
	"github.com/exchange/spot/internal/notify"
	"github.com/exchange/spot/internal/recovery"
	"github.com/exchange/spot/internal/repository"
	"github.com/exchange/spot/internal/simulator"
	"github.com/exchange/spot/internal/symbol"
	"github.com/exchange/spot/internal/ws"
	"github.com/exchange/spot/pkg/logger"
	"github.com/exchange/spot/pkg/snowflake"
)

// defaultSeedPrice 无历史成交时模拟器的起始价
const defaultSeedPrice = int64(100e8)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout)

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.WithError(err).Error("open database failed")
		os.Exit(1)
	}
	defer db.Close()
	if err := pingWithRetry(db, 10, time.Second); err != nil {
		log.WithError(err).Error("database unreachable")
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		// 推送能力降级，交易不受影响
		log.WithError(err).Warn("redis unreachable, push channels disabled")
	}

	orderRepo := repository.NewOrderRepository(db)
	tradeRepo := repository.NewTradeRepository(db)
	balanceRepo := repository.NewBalanceRepository(db)
	symbolRepo := repository.NewSymbolRepository(db)

	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.WithError(err).Error("create id generator failed")
		os.Exit(1)
	}

	jrnl := journal.New(orderRepo, tradeRepo, balanceRepo, ids, log, 0)
	jrnl.Start()

	notifier := notify.NewPublisher(rdb, log)

	// 余额推送走独立队列，满了丢弃；落库绝不丢
	entryCh := make(chan ledger.Entry, 8192)
	go func() {
		for e := range entryCh {
			notifier.OnLedgerEntry(e)
		}
	}()
	led := ledger.New(ledger.WithSink(func(e ledger.Entry) {
		jrnl.OnLedgerEntry(e)
		select {
		case entryCh <- e:
		default:
		}
	}))

	ctx := context.Background()
	symbols, err := loadSymbols(ctx, symbolRepo)
	if err != nil {
		log.WithError(err).Error("load symbol configs failed")
		os.Exit(1)
	}

	mkt := market.New(log, market.WithRedis(rdb))

	var fan *fanout.Fanout
	eng, err := engine.New(symbols, led, ids, log,
		engine.WithSink(func(ev engine.Event) { fan.OnEvent(ev) }))
	if err != nil {
		log.WithError(err).Error("create engine failed")
		os.Exit(1)
	}

	hub := ws.NewHub()
	relay := ws.NewRelay(hub, eng, mkt, log)
	wsSrv := ws.NewServer(hub, log, &ws.Config{AllowedOrigins: cfg.AllowedOrigins})

	fan = fanout.New(0, jrnl.OnEvent, mkt.OnEvent, notifier.OnEvent, relay.OnEvent)
	fan.Start()

	loader := recovery.NewLoader(orderRepo, tradeRepo, balanceRepo, log)
	if err := loader.Restore(ctx, eng, led); err != nil {
		log.WithError(err).Error("recovery failed")
		os.Exit(1)
	}

	var sim *simulator.Simulator
	if cfg.Simulator.Enabled {
		seeds := make(map[string]int64, len(symbols))
		for _, c := range symbols {
			p := eng.LastPrice(c.Symbol)
			if p == 0 {
				p = defaultSeedPrice
			}
			seeds[c.Symbol] = p
		}
		sim = simulator.New(eng, led, log, simulator.Config{
			Interval:    cfg.Simulator.Interval,
			BuyerBotID:  cfg.Simulator.BuyerBotID,
			SellerBotID: cfg.Simulator.SellerBotID,
			SeedPrices:  seeds,
			Seed:        cfg.Simulator.Seed,
		})
		if cfg.Simulator.AutoStart {
			sim.Start()
		}
	}

	h := handler.New(eng, led, mkt, orderRepo, tradeRepo, sim, log, cfg.InternalToken)
	mux := h.Routes()
	mux.HandleFunc("/ws", wsSrv.HandleWS)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Infof("http server listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	if sim != nil {
		sim.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown failed")
	}
	wsSrv.CloseAll()

	// 先排空事件分发，再排空落库队列，保证已受理的变更全部落库
	fan.Close()
	relay.Close()
	close(entryCh)
	jrnl.Close()

	log.Info("shutdown complete")
}

func pingWithRetry(db *sql.DB, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = db.Ping(); err == nil {
			return nil
		}
		time.Sleep(delay)
	}
	return err
}

// loadSymbols 加载交易对配置，库为空时写入默认配置
func loadSymbols(ctx context.Context, repo *repository.SymbolRepository) ([]*symbol.Config, error) {
	symbols, err := repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(symbols) > 0 {
		return symbols, nil
	}

	symbols = defaultSymbols()
	for _, c := range symbols {
		if err := repo.Upsert(ctx, c); err != nil {
			return nil, err
		}
	}
	return symbols, nil
}

func defaultSymbols() []*symbol.Config {
	return []*symbol.Config{
		{
			Symbol: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT",
			PricePrecision: 8, QtyPrecision: 8,
			MinQty: 1_000, MinNotional: 1_00000000,
			MakerFeeRate: 100_000, TakerFeeRate: 200_000,
			Status: symbol.StatusTrading,
		},
		{
			Symbol: "ETH-USDT", BaseAsset: "ETH", QuoteAsset: "USDT",
			PricePrecision: 8, QtyPrecision: 8,
			MinQty: 10_000, MinNotional: 1_00000000,
			MakerFeeRate: 100_000, TakerFeeRate: 200_000,
			Status: symbol.StatusTrading,
		},
	}
}
