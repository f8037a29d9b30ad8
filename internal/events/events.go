package events

import (
	"fmt"
	"time"

	"github.com/betbot/perpmm/internal/domain"
)

// Event 策略循环的唯一输入。所有异步结果（行情、成交、确认、查询）都以事件形式回到循环。
type Event interface {
	Kind() string
	Time() time.Time
}

// BookUpdate 盘口最优价更新
type BookUpdate struct {
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
}

// Trade 公共成交
type Trade struct {
	Price     float64
	Size      float64
	Timestamp time.Time
}

// FillReport 本账户成交回报
type FillReport struct {
	Fill domain.Fill
}

// SubmitAck 下单确认
type SubmitAck struct {
	ClientID  string
	VenueID   string
	Timestamp time.Time
}

// SubmitRejected 下单被交易所拒绝
type SubmitRejected struct {
	ClientID  string
	Code      string
	Message   string
	Transient bool
	Timestamp time.Time
}

// CancelAck 撤单确认
type CancelAck struct {
	ClientID  string
	VenueID   string
	Timestamp time.Time
}

// CancelRejected 撤单被拒绝（通常是订单已成交或已不存在）
type CancelRejected struct {
	ClientID  string
	Code      string
	Message   string
	Timestamp time.Time
}

// PositionSnapshot 交易所持仓查询结果
type PositionSnapshot struct {
	Report domain.PositionReport
}

// OpenOrdersSnapshot 交易所挂单查询结果
type OpenOrdersSnapshot struct {
	Orders    []domain.VenueOrder
	Timestamp time.Time
}

// FeedStatus 行情连接状态变化
type FeedStatus struct {
	Connected bool
	Reason    string
	Timestamp time.Time
}

// Control 人工控制：暂停/恢复报价（暂停时撤掉现有报价，不影响对账与记账）
type Control struct {
	Paused    bool
	Reason    string
	Timestamp time.Time
}

func (e BookUpdate) Kind() string         { return "book_update" }
func (e Trade) Kind() string              { return "trade" }
func (e FillReport) Kind() string         { return "fill" }
func (e SubmitAck) Kind() string          { return "submit_ack" }
func (e SubmitRejected) Kind() string     { return "submit_rejected" }
func (e CancelAck) Kind() string          { return "cancel_ack" }
func (e CancelRejected) Kind() string     { return "cancel_rejected" }
func (e PositionSnapshot) Kind() string   { return "position_snapshot" }
func (e OpenOrdersSnapshot) Kind() string { return "open_orders_snapshot" }
func (e FeedStatus) Kind() string         { return "feed_status" }
func (e Control) Kind() string            { return "control" }

func (e BookUpdate) Time() time.Time         { return e.Timestamp }
func (e Trade) Time() time.Time              { return e.Timestamp }
func (e FillReport) Time() time.Time         { return e.Fill.Timestamp }
func (e SubmitAck) Time() time.Time          { return e.Timestamp }
func (e SubmitRejected) Time() time.Time     { return e.Timestamp }
func (e CancelAck) Time() time.Time          { return e.Timestamp }
func (e CancelRejected) Time() time.Time     { return e.Timestamp }
func (e PositionSnapshot) Time() time.Time   { return e.Report.Timestamp }
func (e OpenOrdersSnapshot) Time() time.Time { return e.Timestamp }
func (e FeedStatus) Time() time.Time         { return e.Timestamp }
func (e Control) Time() time.Time            { return e.Timestamp }

// IsMarketData 行情类事件可在背压时丢弃（下一条会整体替换）
func IsMarketData(e Event) bool {
	switch e.(type) {
	case BookUpdate, Trade:
		return true
	}
	return false
}

// Describe 日志用的简短描述
func Describe(e Event) string {
	switch ev := e.(type) {
	case BookUpdate:
		return fmt.Sprintf("book %.8g/%.8g", ev.BestBid, ev.BestAsk)
	case FillReport:
		return fmt.Sprintf("fill %s %s %s %.8g@%.8g", ev.Fill.FillID, ev.Fill.ClientID, ev.Fill.Side, ev.Fill.Size, ev.Fill.Price)
	case SubmitAck:
		return fmt.Sprintf("submit_ack %s venue=%s", ev.ClientID, ev.VenueID)
	case SubmitRejected:
		return fmt.Sprintf("submit_rejected %s code=%s", ev.ClientID, ev.Code)
	case CancelAck:
		return fmt.Sprintf("cancel_ack %s", ev.ClientID)
	case CancelRejected:
		return fmt.Sprintf("cancel_rejected %s code=%s", ev.ClientID, ev.Code)
	}
	return e.Kind()
}
