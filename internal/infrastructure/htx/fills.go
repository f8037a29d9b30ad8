package htx

import (
	"context"
	"sort"
	"time"

	"github.com/betbot/perpmm/internal/domain"
	"github.com/betbot/perpmm/internal/events"
	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/internal/ports"
)

// FillSource 成交记录查询
type FillSource interface {
	QueryFills(ctx context.Context) ([]domain.Fill, error)
}

// FillPoller 轮询成交记录并以 FillReport 投递。
//
// 公共行情推送里没有私有成交，实盘靠轮询补齐。启动前的成交不投递
// （由持仓对账纠正）；已投递的成交 ID 保留一段时间用于去重，账本侧还会再去重一次。
type FillPoller struct {
	src      FillSource
	sink     ports.EventSink
	interval time.Duration
	since    time.Time
	seen     map[string]time.Time
	keep     time.Duration
}

func NewFillPoller(src FillSource, sink ports.EventSink, interval time.Duration) *FillPoller {
	if interval <= 0 {
		interval = time.Second
	}
	return &FillPoller{
		src:      src,
		sink:     sink,
		interval: interval,
		since:    time.Now(),
		seen:     make(map[string]time.Time),
		keep:     24 * time.Hour,
	}
}

// Run 按间隔轮询直到 ctx 取消
func (p *FillPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				metrics.GatewayErrors.Add(1)
				log.WithError(err).Warn("成交轮询失败")
			}
		}
	}
}

// Poll 拉取一次，返回新投递的成交数
func (p *FillPoller) Poll(ctx context.Context) (int, error) {
	fills, err := p.src.QueryFills(ctx)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].Timestamp.Before(fills[j].Timestamp) })

	n := 0
	for _, f := range fills {
		if f.FillID == "" || f.Timestamp.Before(p.since) {
			continue
		}
		if _, ok := p.seen[f.FillID]; ok {
			continue
		}
		if err := p.sink.Publish(ctx, events.FillReport{Fill: f}); err != nil {
			return n, err
		}
		p.seen[f.FillID] = f.Timestamp
		n++
	}
	p.prune(time.Now())
	return n, nil
}

func (p *FillPoller) prune(now time.Time) {
	for id, ts := range p.seen {
		if now.Sub(ts) > p.keep {
			delete(p.seen, id)
		}
	}
}
