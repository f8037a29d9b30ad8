package domain

import "time"

// InventoryPosition 净持仓
//
// 只由成交回报或显式的交易所对账修改。
type InventoryPosition struct {
	NetSize     float64   // 净持仓（多为正，空为负）
	EntryPrice  float64   // 持仓均价
	RealizedPnL float64   // 已实现盈亏
	UpdatedAt   time.Time // 最后更新时间
}

// IsFlat 是否空仓
func (p InventoryPosition) IsFlat() bool {
	return p.NetSize == 0
}

// UnrealizedPnL 按给定价格计算未实现盈亏
func (p InventoryPosition) UnrealizedPnL(mark float64) float64 {
	if p.NetSize == 0 || mark <= 0 {
		return 0
	}
	return (mark - p.EntryPrice) * p.NetSize
}

// RiskState 风控结果，每个周期重新计算，不持久化
type RiskState struct {
	Breach bool
	Reason string
}
