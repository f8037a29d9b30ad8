package marketstate

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/domain"
	"github.com/betbot/perpmm/internal/events"
	"github.com/betbot/perpmm/internal/metrics"
)

var log = logrus.WithField("component", "marketstate")

// Config 行情状态参数
type Config struct {
	StalenessThreshold time.Duration
	VolHalfLife        time.Duration
}

// MarketState 维护最新盘口与波动率估计。
//
// 只有策略循环调用 Consume；快照通过 atomic.Pointer 发布，适配器可并发读取。
type MarketState struct {
	cfg Config

	snap atomic.Pointer[domain.MarketSnapshot]

	// 以下字段只在循环 goroutine 内访问
	variance  float64
	samples   int
	lastBook  time.Time
	lastTrade float64

	bookAt atomic.Int64 // 最近一次有效盘口的 unix nano，快照读取方需要
}

// New 创建 MarketState
func New(cfg Config) *MarketState {
	if cfg.VolHalfLife <= 0 {
		cfg.VolHalfLife = 30 * time.Second
	}
	return &MarketState{cfg: cfg}
}

// Consume 处理一条行情事件；非行情事件忽略。返回快照是否被替换。
func (m *MarketState) Consume(ev events.Event) bool {
	switch e := ev.(type) {
	case events.BookUpdate:
		return m.applyBook(e)
	case events.Trade:
		return m.applyTrade(e)
	}
	return false
}

func (m *MarketState) applyBook(e events.BookUpdate) bool {
	if e.BestBid <= 0 || e.BestAsk <= 0 || e.BestAsk <= e.BestBid || math.IsNaN(e.BestBid) || math.IsNaN(e.BestAsk) {
		metrics.InvalidBooks.Add(1)
		log.Debugf("丢弃无效盘口: bid=%.8g ask=%.8g", e.BestBid, e.BestAsk)
		return false
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if !m.lastBook.IsZero() && ts.Before(m.lastBook) {
		log.Debugf("丢弃乱序盘口: ts=%s last=%s", ts.Format(time.RFC3339Nano), m.lastBook.Format(time.RFC3339Nano))
		return false
	}

	mid := (e.BestBid + e.BestAsk) / 2
	prev := m.snap.Load()
	if prev != nil && prev.Mid > 0 {
		m.updateVariance(math.Log(mid/prev.Mid), ts.Sub(m.lastBook))
	}
	m.lastBook = ts
	m.bookAt.Store(ts.UnixNano())

	m.snap.Store(&domain.MarketSnapshot{
		Mid:        mid,
		BestBid:    e.BestBid,
		BestAsk:    e.BestAsk,
		Timestamp:  ts,
		Volatility: math.Sqrt(m.variance),
		Samples:    m.samples,
		LastTrade:  m.lastTrade,
	})
	return true
}

// updateVariance 时间衰减 EWMA：a = 1 - 2^(-dt/half_life)
func (m *MarketState) updateVariance(r float64, dt time.Duration) {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return
	}
	if m.samples == 0 {
		m.variance = r * r
		m.samples = 1
		return
	}
	if dt <= 0 {
		return
	}
	a := 1 - math.Exp2(-float64(dt)/float64(m.cfg.VolHalfLife))
	m.variance = (1-a)*m.variance + a*r*r
	m.samples++
}

func (m *MarketState) applyTrade(e events.Trade) bool {
	if e.Price <= 0 {
		return false
	}
	// 成交不刷新盘口时间：盘口订阅冻结时成交流仍可能活跃
	m.lastTrade = e.Price
	prev := m.snap.Load()
	if prev == nil {
		return false
	}
	next := *prev
	next.LastTrade = e.Price
	m.snap.Store(&next)
	return true
}

// Snapshot 返回不可变快照副本，不阻塞。无盘口或盘口超过 staleness_threshold 未更新时 Stale=true。
func (m *MarketState) Snapshot(now time.Time) domain.MarketSnapshot {
	cur := m.snap.Load()
	if cur == nil {
		return domain.MarketSnapshot{Stale: true}
	}
	out := *cur
	if m.cfg.StalenessThreshold > 0 && now.Sub(m.LastBookAt()) > m.cfg.StalenessThreshold {
		out.Stale = true
	}
	return out
}

// LastBookAt 最近一次被接受的盘口时间
func (m *MarketState) LastBookAt() time.Time {
	n := m.bookAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Reset 清空盘口与波动率估计（行情断线时调用）
func (m *MarketState) Reset() {
	m.snap.Store(nil)
	m.variance = 0
	m.samples = 0
	m.lastBook = time.Time{}
	m.bookAt.Store(0)
	m.lastTrade = 0
}
