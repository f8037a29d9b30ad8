package domain

import (
	"fmt"
	"time"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign 返回方向符号：买 +1，卖 -1
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite 返回反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Quote 目标报价（已按精度处理），每个周期重新生成，生成后不再修改
type Quote struct {
	Side       Side
	Price      float64
	Size       float64
	ReduceOnly bool // 再平衡单：只减仓
}

func (q Quote) String() string {
	if q.ReduceOnly {
		return fmt.Sprintf("%s %.8g@%.8g reduce_only", q.Side, q.Size, q.Price)
	}
	return fmt.Sprintf("%s %.8g@%.8g", q.Side, q.Size, q.Price)
}

// OrderState 订单生命周期状态
type OrderState string

const (
	OrderStatePending         OrderState = "pending"          // 已提交，未确认
	OrderStateLive            OrderState = "live"             // 已确认挂单
	OrderStatePartiallyFilled OrderState = "partially_filled" // 部分成交
	OrderStateFilled          OrderState = "filled"           // 全部成交（终态）
	OrderStateCancelling      OrderState = "cancelling"       // 撤单已提交
	OrderStateCancelled       OrderState = "cancelled"        // 已撤销（终态）
	OrderStateRejected        OrderState = "rejected"         // 被拒绝（终态）
	OrderStateUnknown         OrderState = "unknown"          // 重试耗尽，等待交易所查询确认
)

// IsTerminal 终态不再接受任何中间状态覆盖
func (s OrderState) IsTerminal() bool {
	return s == OrderStateFilled || s == OrderStateCancelled || s == OrderStateRejected
}

// IsActive 是否占用交易所挂单名额（计入 max_orders）
func (s OrderState) IsActive() bool {
	switch s {
	case OrderStatePending, OrderStateLive, OrderStatePartiallyFilled, OrderStateCancelling, OrderStateUnknown:
		return true
	}
	return false
}

// IsResting 是否为已确认、可被撤单的挂单
func (s OrderState) IsResting() bool {
	return s == OrderStateLive || s == OrderStatePartiallyFilled
}

// IsInFlight 是否有未完成的请求（同一周期内跳过）
func (s OrderState) IsInFlight() bool {
	return s == OrderStatePending || s == OrderStateCancelling || s == OrderStateUnknown
}

// Order 订单领域模型
//
// 只由 oms.Reconciler 持有和修改，其它组件只读取快照。
type Order struct {
	ClientID   string     // 引擎分配的客户端 ID（稳定不变）
	VenueID    string     // 交易所订单 ID（确认后才有，可能迟到或永远不到）
	Side       Side       // 方向
	Price      float64    // 价格
	Size       float64    // 原始数量
	FilledSize float64    // 累计成交数量
	State      OrderState // 当前状态
	LastUpdate time.Time  // 最后一次状态变化时间
	CreatedAt  time.Time  // 创建时间
	Reason     string     // 拒绝/撤销原因（可选）
	ReduceOnly bool       // 只减仓
}

// Remaining 剩余未成交数量
func (o Order) Remaining() float64 {
	r := o.Size - o.FilledSize
	if r < 0 {
		return 0
	}
	return r
}

func (o Order) String() string {
	return fmt.Sprintf("order[%s venue=%s %s %.8g@%.8g filled=%.8g state=%s]",
		o.ClientID, o.VenueID, o.Side, o.Size, o.Price, o.FilledSize, o.State)
}

// Fill 成交回报
type Fill struct {
	FillID    string    // 成交 ID（用于去重）
	VenueID   string    // 交易所订单 ID
	ClientID  string    // 客户端订单 ID（可选，部分交易所回报会带）
	Side      Side      // 方向（为空时由订单推断）
	Price     float64   // 成交价格
	Size      float64   // 成交数量（正数）
	Timestamp time.Time // 成交时间
}

// SignedSize 带方向的成交数量
func (f Fill) SignedSize() float64 {
	return f.Side.Sign() * f.Size
}
