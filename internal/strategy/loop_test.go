package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpmm/internal/domain"
	"github.com/betbot/perpmm/internal/events"
	"github.com/betbot/perpmm/internal/execution"
	"github.com/betbot/perpmm/internal/journal"
	"github.com/betbot/perpmm/internal/oms"
	"github.com/betbot/perpmm/internal/ports"
	"github.com/betbot/perpmm/internal/risk"
	"github.com/betbot/perpmm/pkg/config"
	"github.com/betbot/perpmm/pkg/persistence"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeExecutor struct {
	mu       sync.Mutex
	actions  []oms.Action
	executed []oms.Action
}

func (f *fakeExecutor) Dispatch(a oms.Action) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return true
}

func (f *fakeExecutor) CancelNow(ctx context.Context, a oms.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, a)
	return nil
}

// take 取出并清空已下发的动作（忽略查询）
func (f *fakeExecutor) take(kind oms.ActionKind) []oms.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []oms.Action
	for _, a := range f.actions {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	f.actions = nil
	return out
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Gamma = 0.1
	cfg.Sigma = 0.02
	cfg.Kappa = 1.5
	cfg.Delta = 1
	cfg.Alpha = 0.5
	cfg.MinSpread = 0.0001
	cfg.MaxSpread = 0.01
	cfg.OrderSize = 0.01
	cfg.InventoryTarget = 0
	cfg.InventoryRange = 0.1
	cfg.MaxPosition = 0.1
	cfg.RiskLimit = 0.2
	cfg.MaxOrders = 4
	return cfg
}

type harness struct {
	loop    *Loop
	exec    *fakeExecutor
	journal *journal.Memory
	now     time.Time
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	h := &harness{exec: &fakeExecutor{}, journal: journal.NewMemory(), now: t0}
	h.loop = New(cfg, Deps{
		Queue:    events.NewQueue(64),
		Executor: h.exec,
		Journal:  h.journal,
		Now:      func() time.Time { return h.now },
	})
	n := 0
	h.loop.orders.SetIDGenerator(func() string {
		n++
		return fmt.Sprintf("o%d", n)
	})
	return h
}

func (h *harness) book(bid, ask float64) {
	h.loop.Handle(events.BookUpdate{BestBid: bid, BestAsk: ask, Timestamp: h.now})
}

// quoteAndAck 下发初始双边报价并全部确认
func (h *harness) quoteAndAck(t *testing.T) (bid, ask oms.Action) {
	t.Helper()
	h.book(1999.5, 2000.5)
	h.loop.Cycle()
	submits := h.exec.take(oms.ActionSubmit)
	require.Len(t, submits, 2)
	for _, a := range submits {
		h.loop.Handle(events.SubmitAck{ClientID: a.ClientID, VenueID: "v-" + a.ClientID, Timestamp: h.now})
		if a.Side == domain.SideBuy {
			bid = a
		} else {
			ask = a
		}
	}
	return bid, ask
}

func (h *harness) order(t *testing.T, clientID string) domain.Order {
	t.Helper()
	o, ok := h.loop.orders.Get(clientID)
	require.True(t, ok, clientID)
	return o
}

func TestCyclePlacesTwoSidedQuotes(t *testing.T) {
	h := newHarness(t, testConfig())
	bid, ask := h.quoteAndAck(t)

	assert.Equal(t, 1999.35, bid.Price)
	assert.Equal(t, 2000.65, ask.Price)
	assert.Equal(t, 0.01, bid.Size)
	assert.Equal(t, 0.01, ask.Size)
	assert.Equal(t, domain.OrderStateLive, h.order(t, bid.ClientID).State)

	// 行情不变：不撤不补
	h.loop.Cycle()
	assert.Empty(t, h.exec.take(oms.ActionSubmit))
	assert.Empty(t, h.exec.take(oms.ActionCancel))
}

func TestNoQuotesWithoutMarketData(t *testing.T) {
	h := newHarness(t, testConfig())
	h.loop.Cycle()
	assert.Empty(t, h.exec.take(oms.ActionSubmit))
}

func TestStaleMarketWithdrawsQuotes(t *testing.T) {
	h := newHarness(t, testConfig())
	h.quoteAndAck(t)

	h.now = h.now.Add(11 * time.Second)
	h.loop.Cycle()
	assert.Len(t, h.exec.take(oms.ActionCancel), 2)
	assert.Empty(t, h.exec.take(oms.ActionSubmit))
}

func TestRiskBreachCancelsAndBlocksPlacement(t *testing.T) {
	h := newHarness(t, testConfig())
	h.quoteAndAck(t)

	// 来源不明但带方向的成交直接记账，持仓超限
	h.loop.Handle(events.FillReport{Fill: domain.Fill{FillID: "x1", Side: domain.SideBuy, Price: 2000, Size: 0.2, Timestamp: h.now}})
	assert.InDelta(t, 0.2, h.loop.Position().NetSize, 1e-12)
	assert.True(t, h.loop.Breached())
	assert.Len(t, h.exec.take(oms.ActionCancel), 2)

	for i := 0; i < 3; i++ {
		h.loop.Cycle()
		assert.Empty(t, h.exec.take(oms.ActionSubmit), "no placements while breached")
	}
	assert.Len(t, h.journal.ByKind(journal.KindRiskBreach), 1)

	// 平仓后解除
	h.loop.Handle(events.FillReport{Fill: domain.Fill{FillID: "x2", Side: domain.SideSell, Price: 2000, Size: 0.2, Timestamp: h.now}})
	assert.False(t, h.loop.Breached())
	assert.Len(t, h.journal.ByKind(journal.KindRiskClear), 1)
}

func TestFillDuringCancelIsCountedOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	bid, _ := h.quoteAndAck(t)

	// 价格大幅移动，两侧都进入撤单
	h.book(2009.5, 2010.5)
	h.loop.Cycle()
	require.Len(t, h.exec.take(oms.ActionCancel), 2)
	assert.Equal(t, domain.OrderStateCancelling, h.order(t, bid.ClientID).State)

	fill := domain.Fill{FillID: "f1", VenueID: "v-" + bid.ClientID, Price: bid.Price, Size: bid.Size, Timestamp: h.now}
	h.loop.Handle(events.FillReport{Fill: fill})
	h.loop.Handle(events.CancelAck{ClientID: bid.ClientID, VenueID: "v-" + bid.ClientID, Timestamp: h.now})
	h.loop.Handle(events.FillReport{Fill: fill})

	assert.Equal(t, domain.OrderStateFilled, h.order(t, bid.ClientID).State)
	assert.InDelta(t, 0.01, h.loop.Position().NetSize, 1e-12)
	assert.InDelta(t, bid.Price, h.loop.Position().EntryPrice, 1e-9)
}

func TestCancelAckTriggersImmediateReplacement(t *testing.T) {
	h := newHarness(t, testConfig())
	_, ask := h.quoteAndAck(t)

	h.book(2009.5, 2010.5)
	h.loop.Cycle()
	require.Len(t, h.exec.take(oms.ActionCancel), 2)

	h.loop.Handle(events.CancelAck{ClientID: ask.ClientID, VenueID: "v-" + ask.ClientID, Timestamp: h.now})
	submits := h.exec.take(oms.ActionSubmit)
	require.Len(t, submits, 1)
	assert.Equal(t, domain.SideSell, submits[0].Side)
	assert.Greater(t, submits[0].Price, 2010.0)
}

func TestPositionSnapshotCorrectsDrift(t *testing.T) {
	h := newHarness(t, testConfig())
	h.loop.Handle(events.PositionSnapshot{Report: domain.PositionReport{NetSize: 0.05, EntryPrice: 1990, Timestamp: h.now}})
	assert.InDelta(t, 0.05, h.loop.Position().NetSize, 1e-12)
	assert.Len(t, h.journal.ByKind(journal.KindInventoryDrift), 1)
}

func TestOpenOrdersSnapshotCancelsOrphans(t *testing.T) {
	h := newHarness(t, testConfig())
	h.loop.Handle(events.OpenOrdersSnapshot{Orders: []domain.VenueOrder{{ClientID: "stray", VenueID: "v9", Side: domain.SideBuy, Price: 1, Size: 1}}, Timestamp: h.now})
	cancels := h.exec.take(oms.ActionCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, "v9", cancels[0].VenueID)
}

func TestStopCancelsEverythingSynchronously(t *testing.T) {
	h := newHarness(t, testConfig())
	h.quoteAndAck(t)

	h.loop.stop("shutdown")
	assert.Len(t, h.exec.executed, 2)
	for _, a := range h.exec.executed {
		assert.Equal(t, oms.ActionCancel, a.Kind)
	}
}

// stuckQueueGateway 只计数撤单请求
type stuckQueueGateway struct {
	mu      sync.Mutex
	cancels []ports.CancelRequest
}

func (g *stuckQueueGateway) SubmitOrder(ctx context.Context, req ports.SubmitRequest) (ports.SubmitAck, error) {
	return ports.SubmitAck{ClientID: req.ClientID, VenueID: "v-" + req.ClientID}, nil
}

func (g *stuckQueueGateway) CancelOrder(ctx context.Context, req ports.CancelRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, req)
	return nil
}

func (g *stuckQueueGateway) QueryPosition(ctx context.Context) (domain.PositionReport, error) {
	return domain.PositionReport{}, nil
}

func (g *stuckQueueGateway) QueryOpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	return nil, nil
}

func TestStopCancelsAllOrdersWhenEventQueueIsFull(t *testing.T) {
	cfg := testConfig()
	q := events.NewQueue(1)
	gw := &stuckQueueGateway{}
	d := execution.NewDispatcher(execution.DispatcherConfig{
		RequestTimeout:     time.Second,
		RateLimitPerSecond: 1000,
		Burst:              1000,
	}, gw, q, risk.NewCircuitBreaker(cfg.MaxGatewayErrors))
	l := New(cfg, Deps{Queue: q, Executor: d, Now: func() time.Time { return t0 }})

	l.Handle(events.BookUpdate{BestBid: 1999.5, BestAsk: 2000.5, Timestamp: t0})
	l.Cycle()
	orders := l.Orders()
	require.Len(t, orders, 2)
	for _, o := range orders {
		l.Handle(events.SubmitAck{ClientID: o.ClientID, VenueID: "v-" + o.ClientID, Timestamp: t0})
	}
	// 行情仍在写入，事件队列已满
	require.True(t, q.TryPublish(events.BookUpdate{BestBid: 1999.5, BestAsk: 2000.5, Timestamp: t0}))
	require.False(t, q.TryPublish(events.BookUpdate{BestBid: 1999.5, BestAsk: 2000.5, Timestamp: t0}))

	start := time.Now()
	l.stop("shutdown")
	assert.Less(t, time.Since(start), time.Second)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.cancels, 2)
	venueIDs := []string{gw.cancels[0].VenueID, gw.cancels[1].VenueID}
	for _, o := range orders {
		assert.Contains(t, venueIDs, "v-"+o.ClientID)
	}
}

func TestSaveAndRestoreLedger(t *testing.T) {
	store := persistence.NewJSONFileService(t.TempDir()).NewStore("ledger", "ETH-USDT", "v1")
	cfg := testConfig()

	l := New(cfg, Deps{Queue: events.NewQueue(8), Executor: &fakeExecutor{}, Store: store, Now: func() time.Time { return t0 }})
	_, err := l.Ledger().ApplyFill(domain.Fill{FillID: "f1", Side: domain.SideSell, Price: 2000, Size: 0.03, Timestamp: t0})
	require.NoError(t, err)
	require.NoError(t, l.SaveLedger())

	restored := New(cfg, Deps{Queue: events.NewQueue(8), Executor: &fakeExecutor{}, Store: store})
	require.NoError(t, restored.Restore())
	assert.InDelta(t, -0.03, restored.Position().NetSize, 1e-12)
	assert.True(t, restored.Ledger().Seen("f1"))
}

func fastConfig() config.Config {
	cfg := testConfig()
	cfg.OrderUpdateInterval = config.D(20 * time.Millisecond)
	cfg.ExpiryCheckInterval = config.D(20 * time.Millisecond)
	cfg.ReconcileInterval = config.D(time.Hour)
	cfg.MaxGatewayErrors = 2
	return cfg
}

func newPaperStack(ctx context.Context, cfg config.Config) (*execution.PaperGateway, *execution.Dispatcher, *events.Queue, *risk.CircuitBreaker) {
	q := events.NewQueue(256)
	paper := execution.NewPaperGateway(ctx, q)
	breaker := risk.NewCircuitBreaker(cfg.MaxGatewayErrors)
	d := execution.NewDispatcher(execution.DispatcherConfig{
		Workers:            2,
		QueueSize:          64,
		RequestTimeout:     time.Second,
		RateLimitPerSecond: 1000,
		Burst:              1000,
		PostOnly:           true,
		IsTransient:        cfg.IsTransientReject,
	}, paper, q, breaker)
	return paper, d, q, breaker
}

func TestRunHaltsWhenGatewayUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := fastConfig()
	paper, d, q, breaker := newPaperStack(ctx, cfg)
	paper.SetFailure(errors.New("connection reset by peer"))
	d.Start(ctx)

	j := journal.NewMemory()
	l := New(cfg, Deps{Queue: q, Executor: d, Breaker: breaker, Journal: j})
	err := l.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGatewayUnreachable)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Len(t, j.ByKind(journal.KindFatalHalt), 1)
	assert.NoError(t, ctx.Err(), "halted before the test deadline")
}

func TestRunAgainstPaperVenue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := fastConfig()
	paper, d, q, breaker := newPaperStack(ctx, cfg)
	d.Start(ctx)

	j := journal.NewMemory()
	l := New(cfg, Deps{Queue: q, Executor: d, Breaker: breaker, Journal: j})

	loopCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- l.Run(loopCtx) }()

	feed := func(bid, ask float64) {
		paper.TryPublish(events.BookUpdate{BestBid: bid, BestAsk: ask, Timestamp: time.Now()})
	}
	openCount := func() int {
		open, _ := paper.QueryOpenOrders(context.Background())
		return len(open)
	}

	require.Eventually(t, func() bool {
		feed(1999.5, 2000.5)
		return openCount() == 2
	}, 5*time.Second, 20*time.Millisecond)

	// 卖一下穿买单价：买单成交
	feed(1999.0, 1999.3)
	require.Eventually(t, func() bool {
		for _, e := range j.ByKind(journal.KindOrderTransition) {
			if e.To == string(domain.OrderStateFilled) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	stop()
	require.NoError(t, <-done)
	assert.InDelta(t, 0.01, l.Position().NetSize, 1e-12)
	assert.InDelta(t, 1999.35, l.Position().EntryPrice, 1e-9)
}

func TestPauseWithdrawsQuotesUntilResumed(t *testing.T) {
	h := newHarness(t, testConfig())
	bid, ask := h.quoteAndAck(t)

	h.loop.Handle(events.Control{Paused: true, Reason: "manual", Timestamp: h.now})
	assert.True(t, h.loop.Paused())
	cancels := h.exec.take(oms.ActionCancel)
	require.Len(t, cancels, 2)
	require.Len(t, h.journal.ByKind(journal.KindPause), 1)

	for _, a := range []oms.Action{bid, ask} {
		h.loop.Handle(events.CancelAck{ClientID: a.ClientID, VenueID: "v-" + a.ClientID, Timestamp: h.now})
	}
	h.loop.Cycle()
	assert.Empty(t, h.exec.take(oms.ActionSubmit))

	// 重复暂停不产生新的日志
	h.loop.Handle(events.Control{Paused: true, Timestamp: h.now})
	assert.Len(t, h.journal.ByKind(journal.KindPause), 1)

	h.loop.Handle(events.Control{Paused: false, Reason: "manual", Timestamp: h.now})
	assert.False(t, h.loop.Paused())
	assert.Len(t, h.exec.take(oms.ActionSubmit), 2)
	assert.Len(t, h.journal.ByKind(journal.KindResume), 1)
}

func TestFeedDisconnectResetsMarketAndWithdrawsQuotes(t *testing.T) {
	h := newHarness(t, testConfig())
	h.quoteAndAck(t)

	h.loop.Handle(events.FeedStatus{Connected: false, Reason: "eof", Timestamp: h.now})
	assert.Len(t, h.exec.take(oms.ActionCancel), 2)
	assert.True(t, h.loop.market.Snapshot(h.now).Stale)

	// 重连后第一帧盘口恢复报价
	h.loop.Handle(events.FeedStatus{Connected: true, Timestamp: h.now})
	h.book(1999.5, 2000.5)
	assert.False(t, h.loop.market.Snapshot(h.now).Stale)
}

func TestRebalanceQuotesOnlyReduceInventory(t *testing.T) {
	cfg := testConfig()
	cfg.RebalanceThreshold = 0.5
	h := newHarness(t, cfg)
	h.book(1999.5, 2000.5)

	h.loop.Handle(events.FillReport{Fill: domain.Fill{FillID: "x1", Side: domain.SideBuy, Price: 2000, Size: 0.06, Timestamp: h.now}})
	submits := h.exec.take(oms.ActionSubmit)
	require.Len(t, submits, 1)
	assert.Equal(t, domain.SideSell, submits[0].Side)
	assert.True(t, submits[0].ReduceOnly)
	assert.Equal(t, 0.06, submits[0].Size)
	assert.True(t, h.loop.rebalancing)

	// 减仓成交后回到双边报价
	h.loop.Handle(events.SubmitAck{ClientID: submits[0].ClientID, VenueID: "v-" + submits[0].ClientID, Timestamp: h.now})
	h.loop.Handle(events.FillReport{Fill: domain.Fill{FillID: "x2", VenueID: "v-" + submits[0].ClientID, Price: submits[0].Price, Size: 0.06, Timestamp: h.now}})
	assert.InDelta(t, 0, h.loop.Position().NetSize, 1e-12)
	assert.False(t, h.loop.rebalancing)
	assert.Len(t, h.exec.take(oms.ActionSubmit), 2)
}
