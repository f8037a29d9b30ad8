package execution

import "github.com/betbot/perpmm/internal/ports"

// Gateway 交易网关：下单、撤单、查询持仓与挂单。
//
// 实现方：htx.Gateway（实盘）与 PaperGateway（模拟）。
// 所有方法都可能阻塞，调用方负责超时。交易所业务拒绝必须以 *domain.VenueRejectError 返回，
// 其它错误一律视为传输故障，计入断路器。
type Gateway interface {
	ports.OrderPlacer
	ports.OrderCanceler
	ports.PositionQuerier
	ports.OpenOrderQuerier
}
