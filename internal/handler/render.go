package handler

import (
	stderrors "errors"

	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/market"
	"github.com/exchange/spot/internal/orderbook"
	"github.com/exchange/spot/internal/symbol"
	"github.com/exchange/spot/pkg/decimal"
	"github.com/exchange/spot/pkg/errors"
)

// assetPrecision 账本资产金额统一按 8 位小数记账，
// 交易对的价格与数量精度须与之一致。
const assetPrecision = 8

func parseSide(s string) (orderbook.Side, error) {
	switch s {
	case "BUY":
		return orderbook.SideBuy, nil
	case "SELL":
		return orderbook.SideSell, nil
	default:
		return 0, errors.Newf(errors.CodeInvalidSide, "invalid side %q", s)
	}
}

func parseOrderType(s string) (orderbook.OrderType, error) {
	switch s {
	case "LIMIT":
		return orderbook.TypeLimit, nil
	case "MARKET":
		return orderbook.TypeMarket, nil
	case "STOP":
		return orderbook.TypeStop, nil
	default:
		return 0, errors.Newf(errors.CodeInvalidOrderType, "invalid order type %q", s)
	}
}

func parseTimeInForce(s string) (orderbook.TimeInForce, error) {
	switch s {
	case "", "GTC":
		return orderbook.TifGTC, nil
	case "IOC":
		return orderbook.TifIOC, nil
	case "FOK":
		return orderbook.TifFOK, nil
	case "POST_ONLY":
		return orderbook.TifPostOnly, nil
	default:
		return 0, errors.Newf(errors.CodeInvalidTimeInForce, "invalid timeInForce %q", s)
	}
}

// parseAmount 十进制字符串换算为最小单位整数，空串视为 0
func parseAmount(s string, precision int, field string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.Parse(s)
	if err != nil {
		return 0, errors.Newf(errors.CodeInvalidParam, "invalid %s %q", field, s)
	}
	if d.IsNegative() {
		return 0, errors.Newf(errors.CodeInvalidParam, "%s must not be negative", field)
	}
	units, err := d.Units(precision)
	if err != nil {
		return 0, errors.Newf(errors.CodeInvalidParam, "%s exceeds precision %d", field, precision)
	}
	return units, nil
}

func renderLevels(cfg *symbol.Config, levels []orderbook.PriceQty) [][2]string {
	result := make([][2]string, 0, len(levels))
	for _, l := range levels {
		result = append(result, [2]string{
			decimal.FromUnits(l.Price, cfg.PricePrecision).String(),
			decimal.FromUnits(l.Qty, cfg.QtyPrecision).String(),
		})
	}
	return result
}

func renderOrder(cfg *symbol.Config, o *orderbook.Order) map[string]interface{} {
	return map[string]interface{}{
		"orderId":     o.OrderID,
		"symbol":      o.Symbol,
		"side":        o.Side.String(),
		"type":        o.Type.String(),
		"timeInForce": o.TimeInForce.String(),
		"price":       decimal.FromUnits(o.Price, cfg.PricePrecision).String(),
		"stopPrice":   decimal.FromUnits(o.StopPrice, cfg.PricePrecision).String(),
		"origQty":     decimal.FromUnits(o.OrigQty, cfg.QtyPrecision).String(),
		"executedQty": decimal.FromUnits(o.ExecutedQty, cfg.QtyPrecision).String(),
		"leavesQty":   decimal.FromUnits(o.LeavesQty, cfg.QtyPrecision).String(),
		"quoteQty":    decimal.FromUnits(o.QuoteQty, cfg.PricePrecision).String(),
		"status":      o.Status.String(),
		"createTime":  o.CreateTimeMs,
		"updateTime":  o.UpdateTimeMs,
	}
}

func renderTicker(cfg *symbol.Config, t *market.Ticker) map[string]interface{} {
	return map[string]interface{}{
		"symbol":      t.Symbol,
		"lastPrice":   decimal.FromUnits(t.LastPrice, cfg.PricePrecision).String(),
		"openPrice":   decimal.FromUnits(t.OpenPrice, cfg.PricePrecision).String(),
		"highPrice":   decimal.FromUnits(t.HighPrice, cfg.PricePrecision).String(),
		"lowPrice":    decimal.FromUnits(t.LowPrice, cfg.PricePrecision).String(),
		"volume":      decimal.FromUnits(t.Volume, cfg.QtyPrecision).String(),
		"quoteVolume": decimal.FromUnits(t.QuoteVolume, cfg.PricePrecision).String(),
		"tradeCount":  t.TradeCount,
		"time":        t.TimeMs,
	}
}

func renderPublicTrade(cfg *symbol.Config, t *engine.Trade) map[string]interface{} {
	return map[string]interface{}{
		"tradeId":   t.TradeID,
		"symbol":    t.Symbol,
		"price":     decimal.FromUnits(t.Price, cfg.PricePrecision).String(),
		"qty":       decimal.FromUnits(t.Qty, cfg.QtyPrecision).String(),
		"quoteQty":  decimal.FromUnits(t.QuoteQty, cfg.PricePrecision).String(),
		"takerSide": t.TakerSide.String(),
		"time":      t.TimeMs,
	}
}

// renderUserTrade 以 uid 的视角渲染成交：买方手续费计基础资产，卖方计计价资产
func renderUserTrade(cfg *symbol.Config, t *engine.Trade, uid int64) map[string]interface{} {
	isBuyer := t.BuyUserID == uid

	orderID := t.SellOrderID
	side := orderbook.SideSell
	fee := decimal.FromUnits(t.SellerFee, cfg.PricePrecision).String()
	feeAsset := cfg.QuoteAsset
	if isBuyer {
		orderID = t.BuyOrderID
		side = orderbook.SideBuy
		fee = decimal.FromUnits(t.BuyerFee, cfg.QtyPrecision).String()
		feeAsset = cfg.BaseAsset
	}

	return map[string]interface{}{
		"tradeId":  t.TradeID,
		"orderId":  orderID,
		"symbol":   t.Symbol,
		"side":     side.String(),
		"price":    decimal.FromUnits(t.Price, cfg.PricePrecision).String(),
		"qty":      decimal.FromUnits(t.Qty, cfg.QtyPrecision).String(),
		"quoteQty": decimal.FromUnits(t.QuoteQty, cfg.PricePrecision).String(),
		"fee":      fee,
		"feeAsset": feeAsset,
		"isMaker":  t.MakerOrderID == orderID,
		"time":     t.TimeMs,
	}
}

func stdErrorsAs(err error, target **errors.Error) bool {
	return stderrors.As(err, target)
}
