package domain

import "time"

// MarketSnapshot 行情快照
//
// 每个行情事件整体替换，不做局部修改。
type MarketSnapshot struct {
	Mid        float64   // 中间价 = (bid+ask)/2
	BestBid    float64   // 买一
	BestAsk    float64   // 卖一
	Timestamp  time.Time // 最后一次盘口更新时间
	Volatility float64   // EWMA 对数收益波动率估计
	Samples    int       // 参与波动率估计的收益样本数
	LastTrade  float64   // 最近成交价（可选）
	Stale      bool      // 数据是否过期（过期时禁止报价）
}

// Spread 买卖价差
func (s MarketSnapshot) Spread() float64 {
	if s.BestBid <= 0 || s.BestAsk <= 0 {
		return 0
	}
	return s.BestAsk - s.BestBid
}

// Valid 快照是否可用于报价
func (s MarketSnapshot) Valid() bool {
	return !s.Stale && s.Mid > 0 && s.BestBid > 0 && s.BestAsk > s.BestBid
}
