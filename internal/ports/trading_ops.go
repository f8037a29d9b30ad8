package ports

import (
	"context"
	"time"

	"github.com/betbot/perpmm/internal/domain"
)

// 跨层共享的小能力接口（策略/执行/基础设施）。

// SubmitRequest 下单请求。重试时 ClientID 不变，交易所据此去重。
type SubmitRequest struct {
	ClientID string
	Side     domain.Side
	Price    float64
	Size     float64
	PostOnly bool

	ReduceOnly bool // 只允许减少持仓
}

// SubmitAck 下单同步确认
type SubmitAck struct {
	ClientID  string
	VenueID   string
	Timestamp time.Time
}

// CancelRequest 撤单请求；VenueID 可能为空（只凭客户端 ID 撤单）
type CancelRequest struct {
	ClientID string
	VenueID  string
}

type OrderPlacer interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error)
}

type OrderCanceler interface {
	CancelOrder(ctx context.Context, req CancelRequest) error
}

type PositionQuerier interface {
	QueryPosition(ctx context.Context) (domain.PositionReport, error)
}

type OpenOrderQuerier interface {
	QueryOpenOrders(ctx context.Context) ([]domain.VenueOrder, error)
}
