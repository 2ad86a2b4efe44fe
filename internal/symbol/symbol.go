// Package symbol 交易对配置与金额换算。
//
// 数量以基础资产最小单位整数表示（精度 QtyPrecision），
// 价格为每 1 基础资产的计价资产数量（精度 PricePrecision），
// 成交额 = 价格 × 数量 / 10^QtyPrecision，精度与价格一致。
package symbol

import (
	"math/big"

	"github.com/exchange/spot/pkg/errors"
)

// 交易对状态
const (
	StatusTrading = 1
	StatusHalted  = 2
)

// FeeRateScale 费率精度：1e8 表示 100%
const FeeRateScale int64 = 100000000

// DefaultPriceLimitRate 市价买单冻结缓冲比例，默认 5%
const DefaultPriceLimitRate int64 = 5000000

// Config 交易对配置
type Config struct {
	Symbol         string `json:"symbol"`
	BaseAsset      string `json:"baseAsset"`
	QuoteAsset     string `json:"quoteAsset"`
	PricePrecision int    `json:"pricePrecision"`
	QtyPrecision   int    `json:"qtyPrecision"`
	MinQty         int64  `json:"minQty"`
	MaxQty         int64  `json:"maxQty"`
	MinNotional    int64  `json:"minNotional"`
	MakerFeeRate   int64  `json:"makerFeeRate"` // 按 FeeRateScale 缩放
	TakerFeeRate   int64  `json:"takerFeeRate"`
	PriceLimitRate int64  `json:"priceLimitRate"`
	Status         int    `json:"status"`
}

// Trading 是否可交易
func (c *Config) Trading() bool {
	return c.Status == StatusTrading
}

// Validate 配置自检
func (c *Config) Validate() error {
	if c.Symbol == "" || c.BaseAsset == "" || c.QuoteAsset == "" {
		return errors.New(errors.CodeInvalidParam, "symbol/base/quote must not be empty")
	}
	if c.PricePrecision < 0 || c.PricePrecision > 18 || c.QtyPrecision < 0 || c.QtyPrecision > 18 {
		return errors.Newf(errors.CodeInvalidParam, "precision out of range: price=%d qty=%d", c.PricePrecision, c.QtyPrecision)
	}
	if c.MinQty <= 0 || (c.MaxQty > 0 && c.MaxQty < c.MinQty) {
		return errors.Newf(errors.CodeInvalidParam, "invalid qty limits: min=%d max=%d", c.MinQty, c.MaxQty)
	}
	if c.MakerFeeRate < 0 || c.TakerFeeRate < 0 ||
		c.MakerFeeRate >= FeeRateScale || c.TakerFeeRate >= FeeRateScale {
		return errors.Newf(errors.CodeInvalidParam, "invalid fee rates: maker=%d taker=%d", c.MakerFeeRate, c.TakerFeeRate)
	}
	return nil
}

// EffectivePriceLimitRate 市价买单缓冲比例，未配置时取默认值
func (c *Config) EffectivePriceLimitRate() int64 {
	if c.PriceLimitRate > 0 {
		return c.PriceLimitRate
	}
	return DefaultPriceLimitRate
}

// QuoteAmount 成交额 = price × qty / 10^QtyPrecision，向下取整
func (c *Config) QuoteAmount(price, qty int64) int64 {
	return mulDiv(price, qty, pow10(c.QtyPrecision))
}

// FeeAmount 手续费 = amount × rate / FeeRateScale，向下取整
func FeeAmount(amount, rate int64) int64 {
	if rate <= 0 {
		return 0
	}
	return mulDiv(amount, rate, FeeRateScale)
}

// BufferedAmount 按缓冲比例放大金额：amount × (1 + rate)，向上取整
func BufferedAmount(amount, rate int64) int64 {
	if rate <= 0 {
		return amount
	}
	extra := new(big.Int).Mul(big.NewInt(amount), big.NewInt(rate))
	scale := big.NewInt(FeeRateScale)
	// 向上取整
	extra.Add(extra, new(big.Int).Sub(scale, big.NewInt(1)))
	extra.Div(extra, scale)
	return amount + extra.Int64()
}

// mulDiv 大整数中转避免溢出
func mulDiv(a, b, den int64) int64 {
	r := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	r.Div(r, big.NewInt(den))
	return r.Int64()
}

func pow10(n int) int64 {
	r := int64(1)
	for i := 0; i < n; i++ {
		r *= 10
	}
	return r
}
