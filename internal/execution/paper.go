package execution

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/perpmm/internal/domain"
	"github.com/betbot/perpmm/internal/events"
	"github.com/betbot/perpmm/internal/ports"
)

// 模拟盘拒绝码
const (
	RejectPostOnlyCross = "post_only_would_cross"
	RejectNotFound      = "order_not_found"
	RejectInvalidOrder  = "invalid_order"
	RejectReduceOnly    = "reduce_only_would_increase"
)

// PaperGateway 模拟交易所（dry run 使用）。
//
// 同时作为行情事件的 sink 装饰器：行情先转发给内层 sink，再用新盘口撮合挂单，
// 成交以 FillReport 事件投递。成交价为挂单价，按剩余数量一次性成交。
type PaperGateway struct {
	ctx   context.Context
	inner ports.EventSink

	mu       sync.Mutex
	orders   map[string]*paperOrder // clientID -> 挂单
	byClient map[string]string      // clientID -> venueID（含已结束订单，用于幂等）
	bid, ask float64
	net      float64
	entry    float64
	failure  error
}

type paperOrder struct {
	domain.VenueOrder
	createdAt time.Time
}

var _ Gateway = (*PaperGateway)(nil)
var _ ports.EventSink = (*PaperGateway)(nil)

// NewPaperGateway ctx 用于阻塞投递成交事件
func NewPaperGateway(ctx context.Context, inner ports.EventSink) *PaperGateway {
	return &PaperGateway{
		ctx:      ctx,
		inner:    inner,
		orders:   make(map[string]*paperOrder),
		byClient: make(map[string]string),
	}
}

// SetFailure 设置后所有网关调用都返回该错误，nil 恢复
func (p *PaperGateway) SetFailure(err error) {
	p.mu.Lock()
	p.failure = err
	p.mu.Unlock()
}

// SetPosition 设置模拟持仓（测试与启动对账用）
func (p *PaperGateway) SetPosition(net, entry float64) {
	p.mu.Lock()
	p.net, p.entry = net, entry
	p.mu.Unlock()
}

func (p *PaperGateway) SubmitOrder(ctx context.Context, req ports.SubmitRequest) (ports.SubmitAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return ports.SubmitAck{}, p.failure
	}
	if vid, ok := p.byClient[req.ClientID]; ok {
		// 重试：按客户端 ID 幂等
		return ports.SubmitAck{ClientID: req.ClientID, VenueID: vid, Timestamp: time.Now()}, nil
	}
	if !req.Side.Valid() || req.Price <= 0 || req.Size <= 0 {
		return ports.SubmitAck{}, domain.NewVenueReject(RejectInvalidOrder, "bad side/price/size", false)
	}
	if req.ReduceOnly && !p.reduces(req.Side) {
		return ports.SubmitAck{}, domain.NewVenueReject(RejectReduceOnly, "reduce-only order would increase position", false)
	}
	if req.PostOnly && p.crosses(req.Side, req.Price) {
		return ports.SubmitAck{}, domain.NewVenueReject(RejectPostOnlyCross, "post-only order would take liquidity", true)
	}
	vid := uuid.NewString()
	p.byClient[req.ClientID] = vid
	p.orders[req.ClientID] = &paperOrder{
		VenueOrder: domain.VenueOrder{
			ClientID: req.ClientID,
			VenueID:  vid,
			Side:     req.Side,
			Price:    req.Price,
			Size:     req.Size,
		},
		createdAt: time.Now(),
	}
	return ports.SubmitAck{ClientID: req.ClientID, VenueID: vid, Timestamp: time.Now()}, nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, req ports.CancelRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return p.failure
	}
	if _, ok := p.orders[req.ClientID]; !ok {
		return domain.NewVenueReject(RejectNotFound, "order is not open", false)
	}
	delete(p.orders, req.ClientID)
	return nil
}

func (p *PaperGateway) QueryPosition(ctx context.Context) (domain.PositionReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return domain.PositionReport{}, p.failure
	}
	return domain.PositionReport{NetSize: p.net, EntryPrice: p.entry, Timestamp: time.Now()}, nil
}

func (p *PaperGateway) QueryOpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return nil, p.failure
	}
	out := make([]domain.VenueOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o.VenueOrder)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

// Publish 转发给内层 sink，行情事件额外触发撮合
func (p *PaperGateway) Publish(ctx context.Context, ev events.Event) error {
	if err := p.inner.Publish(ctx, ev); err != nil {
		return err
	}
	p.observe(ev)
	return nil
}

// TryPublish 转发给内层 sink，行情事件额外触发撮合（即使行情本身被丢弃）
func (p *PaperGateway) TryPublish(ev events.Event) bool {
	ok := p.inner.TryPublish(ev)
	p.observe(ev)
	return ok
}

func (p *PaperGateway) observe(ev events.Event) {
	book, ok := ev.(events.BookUpdate)
	if !ok || book.BestBid <= 0 || book.BestAsk <= book.BestBid {
		return
	}
	for _, f := range p.match(book) {
		if err := p.inner.Publish(p.ctx, events.FillReport{Fill: f}); err != nil {
			log.WithError(err).Warn("模拟成交投递失败")
			return
		}
	}
}

// match 更新盘口并撮合被穿越的挂单
func (p *PaperGateway) match(book events.BookUpdate) []domain.Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bid, p.ask = book.BestBid, book.BestAsk

	ts := book.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var fills []domain.Fill
	for cid, o := range p.orders {
		if !p.crosses(o.Side, o.Price) {
			continue
		}
		qty := o.Remaining()
		fills = append(fills, domain.Fill{
			FillID:    uuid.NewString(),
			VenueID:   o.VenueID,
			ClientID:  cid,
			Side:      o.Side,
			Price:     o.Price,
			Size:      qty,
			Timestamp: ts,
		})
		p.applyFill(o.Side, o.Price, qty)
		delete(p.orders, cid)
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].ClientID < fills[j].ClientID })
	return fills
}

// crosses 买单价 >= 卖一，或卖单价 <= 买一
func (p *PaperGateway) crosses(side domain.Side, price float64) bool {
	switch side {
	case domain.SideBuy:
		return p.ask > 0 && price >= p.ask
	case domain.SideSell:
		return p.bid > 0 && price <= p.bid
	}
	return false
}

func (p *PaperGateway) applyFill(side domain.Side, price, qty float64) {
	signed := side.Sign() * qty
	next := p.net + signed
	switch {
	case p.net == 0 || math.Signbit(p.net) == math.Signbit(signed):
		// 开仓/加仓
		p.entry = (p.entry*math.Abs(p.net) + price*qty) / math.Abs(next)
	case math.Abs(signed) > math.Abs(p.net):
		// 反手
		p.entry = price
	case next == 0:
		p.entry = 0
	}
	p.net = next
}

// reduces 该方向成交是否减少当前持仓
func (p *PaperGateway) reduces(side domain.Side) bool {
	if side == domain.SideBuy {
		return p.net < 0
	}
	return p.net > 0
}
