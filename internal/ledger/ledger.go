package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/domain"
	"github.com/betbot/perpmm/internal/journal"
	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/pkg/persistence"
)

var log = logrus.WithField("component", "ledger")

// 成交去重窗口大小
const maxSeenFills = 10000

// Ledger 净持仓账本。只由成交回报或交易所对账修改，只在策略循环内调用。
type Ledger struct {
	driftTolerance decimal.Decimal
	journal        journal.Journal

	net      decimal.Decimal
	entry    decimal.Decimal
	realized decimal.Decimal
	updated  time.Time

	seen      map[string]struct{}
	seenOrder []string
}

// New 创建账本
func New(driftTolerance float64, j journal.Journal) *Ledger {
	if j == nil {
		j = journal.Nop{}
	}
	return &Ledger{
		driftTolerance: decimal.NewFromFloat(driftTolerance),
		journal:        j,
		seen:           make(map[string]struct{}),
	}
}

// Position 当前持仓快照
func (l *Ledger) Position() domain.InventoryPosition {
	return domain.InventoryPosition{
		NetSize:     l.net.InexactFloat64(),
		EntryPrice:  l.entry.InexactFloat64(),
		RealizedPnL: l.realized.InexactFloat64(),
		UpdatedAt:   l.updated,
	}
}

// Net 当前净持仓
func (l *Ledger) Net() float64 {
	return l.net.InexactFloat64()
}

// Seen 成交是否已记账
func (l *Ledger) Seen(fillID string) bool {
	_, ok := l.seen[fillID]
	return ok
}

func (l *Ledger) remember(fillID string) {
	l.seen[fillID] = struct{}{}
	l.seenOrder = append(l.seenOrder, fillID)
	if len(l.seenOrder) > maxSeenFills {
		drop := l.seenOrder[0]
		l.seenOrder = l.seenOrder[1:]
		delete(l.seen, drop)
	}
}

// ApplyFill 按成交更新净持仓、均价与已实现盈亏。重复的 FillID 忽略，返回是否记账。
func (l *Ledger) ApplyFill(f domain.Fill) (bool, error) {
	if f.Size <= 0 || f.Price <= 0 {
		return false, fmt.Errorf("invalid fill %s: size=%v price=%v", f.FillID, f.Size, f.Price)
	}
	if !f.Side.Valid() {
		return false, fmt.Errorf("invalid fill %s: side=%q", f.FillID, f.Side)
	}
	if f.FillID != "" {
		if l.Seen(f.FillID) {
			metrics.DuplicateFills.Add(1)
			log.Debugf("重复成交已忽略: %s", f.FillID)
			return false, nil
		}
		l.remember(f.FillID)
	}

	price := decimal.NewFromFloat(f.Price)
	size := decimal.NewFromFloat(f.Size)
	delta := size
	if f.Side == domain.SideSell {
		delta = size.Neg()
	}

	switch {
	case l.net.IsZero() || l.net.Sign() == delta.Sign():
		// 加仓：加权均价
		newNet := l.net.Add(delta)
		l.entry = l.entry.Mul(l.net.Abs()).Add(price.Mul(size)).Div(newNet.Abs())
		l.net = newNet
	default:
		// 减仓/反手：平掉部分按均价实现盈亏
		closed := decimal.Min(size, l.net.Abs())
		pnl := price.Sub(l.entry).Mul(closed)
		if l.net.IsNegative() {
			pnl = pnl.Neg()
		}
		l.realized = l.realized.Add(pnl)
		l.net = l.net.Add(delta)
		switch {
		case l.net.IsZero():
			l.entry = decimal.Zero
		case size.GreaterThan(closed):
			// 反手，剩余部分按成交价开仓
			l.entry = price
		}
	}

	l.updated = f.Timestamp
	metrics.NetPosition.Set(l.net.InexactFloat64())
	metrics.RealizedPnL.Set(l.realized.InexactFloat64())
	log.Infof("成交记账: %s %s %.8g@%.8g -> net=%s entry=%s realized=%s",
		f.FillID, f.Side, f.Size, f.Price, l.net.String(), l.entry.StringFixed(8), l.realized.StringFixed(8))
	return true, nil
}

// Reconcile 与交易所持仓对账。偏差超过 drift_tolerance 时以交易所为准覆盖，返回是否修正。
func (l *Ledger) Reconcile(report domain.PositionReport, now time.Time) bool {
	venue := decimal.NewFromFloat(report.NetSize)
	diff := venue.Sub(l.net).Abs()
	if diff.LessThanOrEqual(l.driftTolerance) {
		return false
	}

	before := l.net
	switch {
	case venue.IsZero():
		l.entry = decimal.Zero
	case report.EntryPrice > 0:
		l.entry = decimal.NewFromFloat(report.EntryPrice)
	}
	// 没有交易所均价时保留本地均价
	l.net = venue
	l.updated = now

	metrics.DriftCorrections.Add(1)
	metrics.NetPosition.Set(l.net.InexactFloat64())
	err := fmt.Errorf("%w: local=%s venue=%s", domain.ErrInventoryDrift, before.String(), venue.String())
	log.WithError(err).Warn("持仓偏离，已按交易所修正")
	l.journal.Record(journal.Entry{
		Time:   now,
		Kind:   journal.KindInventoryDrift,
		Reason: err.Error(),
		Fields: map[string]interface{}{
			"local": before.String(),
			"venue": venue.String(),
			"diff":  diff.String(),
		},
	})
	return true
}

type snapshot struct {
	NetSize     decimal.Decimal `json:"net_size"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at"`
	RecentFills []string        `json:"recent_fills,omitempty"`
}

// 持久化只保留最近的成交 ID，足够覆盖重启后重放的回报
const persistedFills = 500

// Save 持久化当前持仓
func (l *Ledger) Save(store persistence.Store) error {
	recent := l.seenOrder
	if len(recent) > persistedFills {
		recent = recent[len(recent)-persistedFills:]
	}
	err := store.Save(snapshot{
		NetSize:     l.net,
		EntryPrice:  l.entry,
		RealizedPnL: l.realized,
		UpdatedAt:   l.updated,
		RecentFills: recent,
	})
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	metrics.SnapshotSaves.Add(1)
	return nil
}

// Restore 从持久化恢复，返回是否存在快照
func (l *Ledger) Restore(store persistence.Store) (bool, error) {
	var s snapshot
	if err := store.Load(&s); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return false, nil
		}
		return false, fmt.Errorf("restore ledger: %w", err)
	}
	l.net, l.entry, l.realized, l.updated = s.NetSize, s.EntryPrice, s.RealizedPnL, s.UpdatedAt
	for _, id := range s.RecentFills {
		if !l.Seen(id) {
			l.remember(id)
		}
	}
	metrics.SnapshotLoads.Add(1)
	log.Infof("已恢复持仓: net=%s entry=%s realized=%s", l.net.String(), l.entry.String(), l.realized.String())
	return true, nil
}
