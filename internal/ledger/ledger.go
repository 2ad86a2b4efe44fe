// Package ledger 资金账本：按 (用户, 资产) 维护可用与冻结余额。
// 账本是全局权威状态，所有变更同步生效并产生流水，持久化由流水消费方异步完成。
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/exchange/spot/pkg/errors"
)

// 流水原因
const (
	ReasonDeposit     = 1 // 入金
	ReasonWithdraw    = 2 // 出金
	ReasonReserve     = 3 // 下单冻结
	ReasonRelease     = 4 // 撤单/剩余解冻
	ReasonTradeOut    = 5 // 成交扣减
	ReasonTradeIn     = 6 // 成交入账
	ReasonFee         = 7 // 手续费扣减
	ReasonFeeIncome   = 8 // 手续费归集
	ReasonAdjust      = 9 // 人工调账
)

// FeeUserID 手续费归集账户
const FeeUserID int64 = 1

// Balance 余额
type Balance struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

// Total 总余额
func (b Balance) Total() int64 {
	return b.Available + b.Locked
}

// Entry 账本流水，每一次余额变更产生一条
type Entry struct {
	UserID         int64 `json:"userId"`
	Asset          string `json:"asset"`
	Reason         int   `json:"reason"`
	AvailableDelta int64 `json:"availableDelta"`
	LockedDelta    int64 `json:"lockedDelta"`
	AvailableAfter int64 `json:"availableAfter"`
	LockedAfter    int64 `json:"lockedAfter"`
	RefID          int64 `json:"refId"` // 关联订单或成交 ID
	TimeMs         int64 `json:"timeMs"`
}

type key struct {
	userID int64
	asset  string
}

// Ledger 内存账本
type Ledger struct {
	mu       sync.RWMutex
	accounts map[key]*Balance
	sink     func(Entry) // 流水回调，可为 nil
	nowMs    func() int64
}

// Option 构造选项
type Option func(*Ledger)

// WithSink 设置流水回调，在持有账本锁时调用，回调必须快速返回
func WithSink(sink func(Entry)) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithClock 注入时钟，测试用
func WithClock(nowMs func() int64) Option {
	return func(l *Ledger) { l.nowMs = nowMs }
}

// New 创建账本
func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts: make(map[key]*Balance),
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Get 查询余额，账户不存在时返回零值
func (l *Ledger) Get(userID int64, asset string) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if b, ok := l.accounts[key{userID, asset}]; ok {
		return *b
	}
	return Balance{}
}

// UserBalances 查询用户全部资产余额
func (l *Ledger) UserBalances(userID int64) map[string]Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make(map[string]Balance)
	for k, b := range l.accounts {
		if k.userID == userID {
			result[k.asset] = *b
		}
	}
	return result
}

// Credit 增加可用余额
func (l *Ledger) Credit(userID int64, asset string, amount int64, reason int, refID int64) error {
	if amount <= 0 {
		return errors.Newf(errors.CodeInvalidParam, "credit amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.account(userID, asset)
	b.Available += amount
	l.emit(userID, asset, reason, amount, 0, b, refID)
	return nil
}

// Reserve 冻结可用余额，余额不足时返回 INSUFFICIENT_BALANCE 且不产生任何变更
func (l *Ledger) Reserve(userID int64, asset string, amount int64, refID int64) error {
	if amount <= 0 {
		return errors.Newf(errors.CodeInvalidParam, "reserve amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.account(userID, asset)
	if b.Available < amount {
		return errors.Newf(errors.CodeInsufficientBalance,
			"insufficient %s balance: available %d, need %d", asset, b.Available, amount)
	}

	b.Available -= amount
	b.Locked += amount
	l.emit(userID, asset, ReasonReserve, -amount, amount, b, refID)
	return nil
}

// Release 解冻余额回到可用
func (l *Ledger) Release(userID int64, asset string, amount int64, refID int64) error {
	if amount <= 0 {
		return errors.Newf(errors.CodeInvalidParam, "release amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.account(userID, asset)
	if b.Locked < amount {
		// 解冻超出冻结额说明引擎记账存在缺陷，直接失败暴露问题
		return fmt.Errorf("release %d %s exceeds locked %d for user %d", amount, asset, b.Locked, userID)
	}

	b.Locked -= amount
	b.Available += amount
	l.emit(userID, asset, ReasonRelease, amount, -amount, b, refID)
	return nil
}

// SpendLocked 从冻结余额中扣除成交金额
func (l *Ledger) SpendLocked(userID int64, asset string, amount int64, refID int64) error {
	if amount <= 0 {
		return errors.Newf(errors.CodeInvalidParam, "spend amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.account(userID, asset)
	if b.Locked < amount {
		return fmt.Errorf("spend %d %s exceeds locked %d for user %d", amount, asset, b.Locked, userID)
	}

	b.Locked -= amount
	l.emit(userID, asset, ReasonTradeOut, 0, -amount, b, refID)
	return nil
}

// SettleFill 结算一笔成交双边资金：
// 买方冻结的计价资产扣除 quoteAmount，入账 baseQty 减买方手续费（基础资产计）；
// 卖方冻结的基础资产扣除 baseQty，入账 quoteAmount 减卖方手续费（计价资产计）；
// 手续费归集到 FeeUserID 账户。
func (l *Ledger) SettleFill(
	tradeID int64,
	base, quote string,
	buyerID, sellerID int64,
	baseQty, quoteAmount int64,
	buyerFee, sellerFee int64,
) error {
	if baseQty <= 0 || quoteAmount <= 0 {
		return errors.Newf(errors.CodeInvalidParam, "settle amounts must be positive: qty=%d quote=%d", baseQty, quoteAmount)
	}
	if buyerFee < 0 || sellerFee < 0 || buyerFee > baseQty || sellerFee > quoteAmount {
		return errors.Newf(errors.CodeInvalidParam, "invalid fees: buyer=%d seller=%d", buyerFee, sellerFee)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	buyerQuote := l.account(buyerID, quote)
	sellerBase := l.account(sellerID, base)

	// 先验证双边，保证要么全部生效要么全部不生效
	if buyerQuote.Locked < quoteAmount {
		return fmt.Errorf("trade %d: buyer %d locked %s %d < %d", tradeID, buyerID, quote, buyerQuote.Locked, quoteAmount)
	}
	if sellerBase.Locked < baseQty {
		return fmt.Errorf("trade %d: seller %d locked %s %d < %d", tradeID, sellerID, base, sellerBase.Locked, baseQty)
	}

	// 买方：扣计价冻结，入基础资产
	buyerQuote.Locked -= quoteAmount
	l.emit(buyerID, quote, ReasonTradeOut, 0, -quoteAmount, buyerQuote, tradeID)

	buyerBase := l.account(buyerID, base)
	buyerBase.Available += baseQty - buyerFee
	l.emit(buyerID, base, ReasonTradeIn, baseQty-buyerFee, 0, buyerBase, tradeID)

	// 卖方：扣基础冻结，入计价资产
	sellerBase.Locked -= baseQty
	l.emit(sellerID, base, ReasonTradeOut, 0, -baseQty, sellerBase, tradeID)

	sellerQuote := l.account(sellerID, quote)
	sellerQuote.Available += quoteAmount - sellerFee
	l.emit(sellerID, quote, ReasonTradeIn, quoteAmount-sellerFee, 0, sellerQuote, tradeID)

	// 手续费归集
	if buyerFee > 0 {
		feeBase := l.account(FeeUserID, base)
		feeBase.Available += buyerFee
		l.emit(FeeUserID, base, ReasonFeeIncome, buyerFee, 0, feeBase, tradeID)
	}
	if sellerFee > 0 {
		feeQuote := l.account(FeeUserID, quote)
		feeQuote.Available += sellerFee
		l.emit(FeeUserID, quote, ReasonFeeIncome, sellerFee, 0, feeQuote, tradeID)
	}

	return nil
}

// Restore 直接写入余额，不产生流水。仅在启动恢复时调用。
func (l *Ledger) Restore(userID int64, asset string, available, locked int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.account(userID, asset)
	b.Available = available
	b.Locked = locked
}

// Snapshot 全账本快照，对账与恢复用
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.nowMs()
	result := make([]Entry, 0, len(l.accounts))
	for k, b := range l.accounts {
		result = append(result, Entry{
			UserID:         k.userID,
			Asset:          k.asset,
			AvailableAfter: b.Available,
			LockedAfter:    b.Locked,
			TimeMs:         now,
		})
	}
	return result
}

// AssetTotal 某资产全账本总量，守恒检查用
func (l *Ledger) AssetTotal(asset string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for k, b := range l.accounts {
		if k.asset == asset {
			total += b.Total()
		}
	}
	return total
}

// caller must hold l.mu
func (l *Ledger) account(userID int64, asset string) *Balance {
	k := key{userID, asset}
	b, ok := l.accounts[k]
	if !ok {
		b = &Balance{}
		l.accounts[k] = b
	}
	return b
}

// caller must hold l.mu
func (l *Ledger) emit(userID int64, asset string, reason int, availDelta, lockedDelta int64, after *Balance, refID int64) {
	if l.sink == nil {
		return
	}
	l.sink(Entry{
		UserID:         userID,
		Asset:          asset,
		Reason:         reason,
		AvailableDelta: availDelta,
		LockedDelta:    lockedDelta,
		AvailableAfter: after.Available,
		LockedAfter:    after.Locked,
		RefID:          refID,
		TimeMs:         l.nowMs(),
	})
}
