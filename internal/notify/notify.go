// Package notify 将订单与资金私有事件按用户推送到 Redis 频道。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/spot/internal/engine"
	"github.com/exchange/spot/internal/ledger"
	"github.com/exchange/spot/pkg/logger"
)

const (
	userChannelFormat = "private:user:%d:events"
	publishTimeout    = 2 * time.Second
)

// Publisher 私有事件推送器
type Publisher struct {
	rdb redis.UniversalClient
	log *logger.Logger
}

// NewPublisher 创建推送器
func NewPublisher(rdb redis.UniversalClient, log *logger.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: log}
}

// UserChannel 用户私有频道名
func UserChannel(userID int64) string {
	return fmt.Sprintf(userChannelFormat, userID)
}

// OnEvent 引擎事件回调，按事件类型推送给相关用户
func (p *Publisher) OnEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventOrderAccepted:
		p.publish(ev.Order.UserID, "order", "accepted", ev.Order)
	case engine.EventOrderUpdated:
		p.publish(ev.Order.UserID, "order", "updated", ev.Order)
	case engine.EventOrderCanceled:
		p.publish(ev.Order.UserID, "order", "canceled", ev.Order)
	case engine.EventStopTriggered:
		p.publish(ev.Order.UserID, "order", "stop_triggered", ev.Order)
	case engine.EventTrade:
		p.publish(ev.Trade.BuyUserID, "trade", "", ev.Trade)
		if ev.Trade.SellUserID != ev.Trade.BuyUserID {
			p.publish(ev.Trade.SellUserID, "trade", "", ev.Trade)
		}
	}
}

// OnLedgerEntry 账本流水回调，推送余额变更
func (p *Publisher) OnLedgerEntry(e ledger.Entry) {
	p.publish(e.UserID, "balance", "", e)
}

func (p *Publisher) publish(userID int64, channel, event string, data interface{}) {
	if p.rdb == nil || userID <= 0 {
		return
	}

	payload := map[string]interface{}{
		"channel": channel,
		"data":    data,
	}
	if event != "" {
		payload["event"] = event
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		p.log.WithError(err).Error("marshal private event failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.rdb.Publish(ctx, UserChannel(userID), raw).Err(); err != nil {
		p.log.WithError(err).Warn("publish private event failed")
	}
}
