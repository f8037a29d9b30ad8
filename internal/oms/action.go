package oms

import (
	"fmt"

	"github.com/betbot/perpmm/internal/domain"
)

// ActionKind 对账产生的网关动作
type ActionKind int

const (
	ActionSubmit ActionKind = iota + 1
	ActionCancel
	ActionQueryOpenOrders
	ActionQueryPosition
)

func (k ActionKind) String() string {
	switch k {
	case ActionSubmit:
		return "submit"
	case ActionCancel:
		return "cancel"
	case ActionQueryOpenOrders:
		return "query_open_orders"
	case ActionQueryPosition:
		return "query_position"
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// Action 交给执行层异步发送的请求。结果以事件形式回到策略循环。
type Action struct {
	Kind     ActionKind
	ClientID string
	VenueID  string
	Side     domain.Side
	Price    float64
	Size     float64
	Attempt  int

	ReduceOnly bool
}

func (a Action) String() string {
	switch a.Kind {
	case ActionSubmit:
		return fmt.Sprintf("submit %s %s %.8g@%.8g #%d", a.ClientID, a.Side, a.Size, a.Price, a.Attempt)
	case ActionCancel:
		return fmt.Sprintf("cancel %s venue=%s #%d", a.ClientID, a.VenueID, a.Attempt)
	}
	return a.Kind.String()
}
