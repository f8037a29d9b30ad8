package sim

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/events"
	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/internal/ports"
)

var log = logrus.WithField("component", "simfeed")

// Config 模拟行情参数
type Config struct {
	Mid      float64
	Vol      float64 // 每次跳动的对数收益标准差
	Spread   float64 // 买卖价差（中间价比例）
	Interval time.Duration
	Seed     uint64
}

// Feed 几何随机游走盘口，dry run 且没有配置行情地址时使用
type Feed struct {
	cfg  Config
	sink ports.EventSink
	rng  *rand.Rand
	mid  float64
}

func NewFeed(cfg Config, sink ports.EventSink) *Feed {
	if cfg.Mid <= 0 {
		cfg.Mid = 2000
	}
	if cfg.Spread <= 0 {
		cfg.Spread = 0.0002
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	return &Feed{
		cfg:  cfg,
		sink: sink,
		rng:  rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>1|1)),
		mid:  cfg.Mid,
	}
}

// Run 按间隔推送盘口直到 ctx 取消
func (f *Feed) Run(ctx context.Context) error {
	log.Infof("📡 模拟行情启动: mid=%.2f vol=%.6f interval=%s", f.cfg.Mid, f.cfg.Vol, f.cfg.Interval)
	f.sink.TryPublish(events.FeedStatus{Connected: true, Timestamp: time.Now()})
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, ev := range f.Step(now) {
				if !f.sink.TryPublish(ev) {
					metrics.DroppedMarket.Add(1)
				}
			}
		}
	}
}

// Step 推进一步，返回盘口更新和一笔中间价成交
func (f *Feed) Step(now time.Time) []events.Event {
	f.mid *= math.Exp(f.cfg.Vol * f.rng.NormFloat64())
	half := f.mid * f.cfg.Spread / 2
	return []events.Event{
		events.BookUpdate{BestBid: f.mid - half, BestAsk: f.mid + half, Timestamp: now},
		events.Trade{Price: f.mid, Size: 0.01 + f.rng.Float64(), Timestamp: now},
	}
}
