package domain

import "time"

// VenueOrder 交易所侧看到的挂单（查询结果）
type VenueOrder struct {
	ClientID   string
	VenueID    string
	Side       Side
	Price      float64
	Size       float64
	FilledSize float64
}

// Remaining 剩余未成交数量
func (o VenueOrder) Remaining() float64 {
	r := o.Size - o.FilledSize
	if r < 0 {
		return 0
	}
	return r
}

// PositionReport 交易所持仓回报
type PositionReport struct {
	NetSize    float64
	EntryPrice float64 // 0 表示交易所未提供
	Timestamp  time.Time
}
