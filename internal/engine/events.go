package engine

import (
	"github.com/exchange/spot/internal/orderbook"
)

// EventType 引擎事件类型
type EventType int

const (
	EventOrderAccepted EventType = iota + 1
	EventOrderUpdated            // 挂单、部分成交、终态变更
	EventTrade
	EventOrderCanceled
	EventStopTriggered
)

func (t EventType) String() string {
	switch t {
	case EventOrderAccepted:
		return "ORDER_ACCEPTED"
	case EventOrderUpdated:
		return "ORDER_UPDATED"
	case EventTrade:
		return "TRADE"
	case EventOrderCanceled:
		return "ORDER_CANCELED"
	case EventStopTriggered:
		return "STOP_TRIGGERED"
	default:
		return "UNKNOWN"
	}
}

// Trade 成交记录，买卖双方各对应一条 Fill 视角
type Trade struct {
	TradeID      int64          `json:"tradeId"`
	Symbol       string         `json:"symbol"`
	Price        int64          `json:"price"`
	Qty          int64          `json:"qty"`
	QuoteQty     int64          `json:"quoteQty"`
	BuyOrderID   int64          `json:"buyOrderId"`
	SellOrderID  int64          `json:"sellOrderId"`
	BuyUserID    int64          `json:"buyUserId"`
	SellUserID   int64          `json:"sellUserId"`
	MakerOrderID int64          `json:"makerOrderId"`
	TakerSide    orderbook.Side `json:"takerSide"`
	BuyerFee     int64          `json:"buyerFee"`  // 基础资产计
	SellerFee    int64          `json:"sellerFee"` // 计价资产计
	TimeMs       int64          `json:"timeMs"`
}

// Event 引擎事件。Order 与 Trade 均为快照，消费方可安全持有。
type Event struct {
	Type   EventType        `json:"type"`
	Symbol string           `json:"symbol"`
	Order  *orderbook.Order `json:"order,omitempty"`
	Trade  *Trade           `json:"trade,omitempty"`
	TimeMs int64            `json:"timeMs"`
}
