package risk

import (
	"fmt"
	"math"

	"github.com/betbot/perpmm/internal/domain"
)

// Limits 风控阈值
type Limits struct {
	MaxPosition float64 // |净持仓| 上限
	MaxOrders   int     // 活跃订单数上限
	RiskLimit   float64 // 最坏成交后持仓上限
}

// 风控原因
const (
	ReasonMaxPosition = "max_position"
	ReasonMaxOrders   = "max_orders"
	ReasonRiskLimit   = "risk_limit"
)

// Controller 每个周期重新评估，不保存状态
type Controller struct {
	limits Limits
}

func NewController(limits Limits) *Controller {
	return &Controller{limits: limits}
}

// Exposure 最坏情况成交后的持仓：所有买单全部成交或所有卖单全部成交
func Exposure(net float64, orders []domain.Order) float64 {
	var bids, asks float64
	for _, o := range orders {
		if !o.State.IsActive() {
			continue
		}
		if o.Side == domain.SideBuy {
			bids += o.Remaining()
		} else {
			asks += o.Remaining()
		}
	}
	return math.Max(math.Abs(net+bids), math.Abs(net-asks))
}

// ActiveCount 占用交易所名额的订单数
func ActiveCount(orders []domain.Order) int {
	n := 0
	for _, o := range orders {
		if o.State.IsActive() {
			n++
		}
	}
	return n
}

// Evaluate 任一条件超限即 Breach；按持仓、订单数、敞口顺序报告第一个原因
func (c *Controller) Evaluate(pos domain.InventoryPosition, orders []domain.Order) domain.RiskState {
	if net := math.Abs(pos.NetSize); net > c.limits.MaxPosition {
		return domain.RiskState{Breach: true, Reason: fmt.Sprintf("%s: |net|=%.8g > %.8g", ReasonMaxPosition, net, c.limits.MaxPosition)}
	}
	if n := ActiveCount(orders); n > c.limits.MaxOrders {
		return domain.RiskState{Breach: true, Reason: fmt.Sprintf("%s: active=%d > %d", ReasonMaxOrders, n, c.limits.MaxOrders)}
	}
	if exp := Exposure(pos.NetSize, orders); exp > c.limits.RiskLimit {
		return domain.RiskState{Breach: true, Reason: fmt.Sprintf("%s: exposure=%.8g > %.8g", ReasonRiskLimit, exp, c.limits.RiskLimit)}
	}
	return domain.RiskState{}
}
