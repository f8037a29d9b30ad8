package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMarketDataFault 行情过期或缺失：停止报价（fail closed）
	ErrMarketDataFault = errors.New("market data fault")
	// ErrRiskBreach 风控触发：撤销全部挂单，恢复前不再下单
	ErrRiskBreach = errors.New("risk breach")
	// ErrOrderActionTimeout 下单/撤单超时未确认
	ErrOrderActionTimeout = errors.New("order action timeout")
	// ErrVenueReject 交易所拒绝
	ErrVenueReject = errors.New("venue reject")
	// ErrInventoryDrift 本地持仓与交易所持仓偏离
	ErrInventoryDrift = errors.New("inventory drift detected")
	// ErrGatewayUnreachable 交易网关持续不可达（唯一的致命错误）
	ErrGatewayUnreachable = errors.New("execution gateway unreachable")
	// ErrInvalidTransition 非法的订单状态迁移
	ErrInvalidTransition = errors.New("invalid order state transition")
	// ErrUnknownOrder 找不到订单
	ErrUnknownOrder = errors.New("unknown order")
)

// VenueRejectError 交易所拒绝详情
type VenueRejectError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *VenueRejectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("venue reject: %s", e.Code)
	}
	return fmt.Sprintf("venue reject: %s (%s)", e.Code, e.Message)
}

func (e *VenueRejectError) Is(target error) bool {
	return target == ErrVenueReject
}

// NewVenueReject 构造拒绝错误
func NewVenueReject(code, message string, transient bool) *VenueRejectError {
	return &VenueRejectError{Code: code, Message: message, Transient: transient}
}
