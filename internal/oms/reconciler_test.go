package oms

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpmm/internal/domain"
	"github.com/betbot/perpmm/internal/journal"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		MaxOrders:         4,
		RequoteTolerance:  0.0005,
		AckTimeout:        time.Second,
		MaxAttempts:       3,
		RetryBackoff:      100 * time.Millisecond,
		RetryBackoffMax:   300 * time.Millisecond,
		RejectCooldown:    5 * time.Second,
		TerminalRetention: time.Minute,
	}
}

func newReconciler(cfg Config) (*Reconciler, *journal.Memory) {
	j := journal.NewMemory()
	r := New(cfg, j)
	n := 0
	r.SetIDGenerator(func() string {
		n++
		return fmt.Sprintf("c%d", n)
	})
	return r, j
}

func bothSides(bid, ask float64) []domain.Quote {
	return []domain.Quote{
		{Side: domain.SideBuy, Price: bid, Size: 0.01},
		{Side: domain.SideSell, Price: ask, Size: 0.01},
	}
}

func buyOnly(price float64) []domain.Quote {
	return []domain.Quote{{Side: domain.SideBuy, Price: price, Size: 0.01}}
}

func state(t *testing.T, r *Reconciler, id string) domain.OrderState {
	t.Helper()
	o, ok := r.Get(id)
	require.True(t, ok, "order %s", id)
	return o.State
}

// liveBuy 下一个买单并确认
func liveBuy(t *testing.T, r *Reconciler, price float64, now time.Time) string {
	t.Helper()
	acts := r.Diff(buyOnly(price), now)
	require.Len(t, acts, 1)
	require.Equal(t, ActionSubmit, acts[0].Kind)
	r.OnSubmitAck(acts[0].ClientID, "v-"+acts[0].ClientID, now)
	require.Equal(t, domain.OrderStateLive, state(t, r, acts[0].ClientID))
	return acts[0].ClientID
}

func TestDiffPlacesBothSidesThenWaits(t *testing.T) {
	r, _ := newReconciler(testConfig())

	acts := r.Diff(bothSides(1999.35, 2000.65), t0)
	require.Len(t, acts, 2)
	assert.Equal(t, ActionSubmit, acts[0].Kind)
	assert.Equal(t, domain.SideBuy, acts[0].Side)
	assert.Equal(t, 1999.35, acts[0].Price)
	assert.Equal(t, domain.SideSell, acts[1].Side)
	assert.Equal(t, 2, r.ActiveCount())

	// 在途订单：本周期跳过
	assert.Empty(t, r.Diff(bothSides(1990, 2010), t0))
}

func TestRequoteIsSequential(t *testing.T) {
	r, _ := newReconciler(testConfig())
	id := liveBuy(t, r, 1999.35, t0)

	// 价格偏离在容差内：保留
	assert.Empty(t, r.Diff(buyOnly(1999.40), t0))

	// 超出容差：先撤单，不在同一周期补单
	acts := r.Diff(buyOnly(1990), t0)
	require.Len(t, acts, 1)
	assert.Equal(t, ActionCancel, acts[0].Kind)
	assert.Equal(t, id, acts[0].ClientID)
	assert.Equal(t, "v-"+id, acts[0].VenueID)
	assert.Equal(t, domain.OrderStateCancelling, state(t, r, id))
	assert.Empty(t, r.Diff(buyOnly(1990), t0))

	require.True(t, r.OnCancelAck(id, "", t0))
	acts = r.Diff(buyOnly(1990), t0)
	require.Len(t, acts, 1)
	assert.Equal(t, ActionSubmit, acts[0].Kind)
	assert.Equal(t, 1990.0, acts[0].Price)
}

func TestRequoteWhenSizeShrinks(t *testing.T) {
	r, _ := newReconciler(testConfig())
	id := liveBuy(t, r, 100, t0)
	acts := r.Diff([]domain.Quote{{Side: domain.SideBuy, Price: 100, Size: 0.004}}, t0)
	require.Len(t, acts, 1)
	assert.Equal(t, ActionCancel, acts[0].Kind)
	o, _ := r.Get(id)
	assert.Equal(t, "size_shrunk", o.Reason)
}

func TestCancelFillRaceFillWins(t *testing.T) {
	r, j := newReconciler(testConfig())
	id := liveBuy(t, r, 2000, t0)

	acts := r.Diff(nil, t0)
	require.Len(t, acts, 1)
	require.Equal(t, domain.OrderStateCancelling, state(t, r, id))

	f, ok := r.OnFill(domain.Fill{FillID: "f1", VenueID: "v-" + id, Price: 2000, Size: 0.01, Timestamp: t0}, t0)
	require.True(t, ok)
	assert.Equal(t, domain.SideBuy, f.Side)
	assert.Equal(t, id, f.ClientID)
	assert.Equal(t, domain.OrderStateFilled, state(t, r, id))

	assert.False(t, r.OnCancelAck(id, "", t0))
	assert.Equal(t, domain.OrderStateFilled, state(t, r, id))
	for _, e := range j.ByKind(journal.KindOrderTransition) {
		if e.ClientID == id {
			assert.NotEqual(t, string(domain.OrderStateCancelled), e.To)
		}
	}
}

func TestPartialFillWhileCancellingThenCancelRejected(t *testing.T) {
	r, _ := newReconciler(testConfig())
	id := liveBuy(t, r, 2000, t0)
	r.Diff(nil, t0)

	_, ok := r.OnFill(domain.Fill{FillID: "f1", ClientID: id, Side: domain.SideBuy, Price: 2000, Size: 0.004}, t0)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStateCancelling, state(t, r, id))

	r.OnCancelRejected(id, "order_not_cancellable", t0)
	o, _ := r.Get(id)
	assert.Equal(t, domain.OrderStatePartiallyFilled, o.State)
	assert.InDelta(t, 0.006, o.Remaining(), 1e-12)
}

func TestFillDedupeAndClip(t *testing.T) {
	r, _ := newReconciler(testConfig())
	id := liveBuy(t, r, 2000, t0)

	f, ok := r.OnFill(domain.Fill{FillID: "f1", ClientID: id, Price: 2000, Size: 0.006}, t0)
	require.True(t, ok)
	assert.Equal(t, 0.006, f.Size)
	assert.Equal(t, domain.OrderStatePartiallyFilled, state(t, r, id))

	_, ok = r.OnFill(domain.Fill{FillID: "f1", ClientID: id, Price: 2000, Size: 0.006}, t0)
	assert.False(t, ok)

	f, ok = r.OnFill(domain.Fill{FillID: "f2", ClientID: id, Price: 2000, Size: 0.05}, t0)
	require.True(t, ok)
	assert.InDelta(t, 0.004, f.Size, 1e-12)
	assert.Equal(t, domain.OrderStateFilled, state(t, r, id))

	_, ok = r.OnFill(domain.Fill{FillID: "f3", ClientID: id, Price: 2000, Size: 0.01}, t0)
	assert.False(t, ok)
}

func TestFillOnPendingIsImplicitAck(t *testing.T) {
	r, _ := newReconciler(testConfig())
	acts := r.Diff(buyOnly(2000), t0)
	id := acts[0].ClientID

	_, ok := r.OnFill(domain.Fill{FillID: "f1", ClientID: id, VenueID: "v1", Price: 2000, Size: 0.004}, t0)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatePartiallyFilled, state(t, r, id))

	// 迟到的确认不回退状态
	assert.Empty(t, r.OnSubmitAck(id, "v1", t0))
	assert.Equal(t, domain.OrderStatePartiallyFilled, state(t, r, id))
	// 已确认：超时检查不再重发
	assert.Empty(t, r.CheckTimeouts(t0.Add(10*time.Second)))
}

func TestLateFillOnCancelledAppliedOnce(t *testing.T) {
	r, j := newReconciler(testConfig())
	id := liveBuy(t, r, 2000, t0)
	r.Diff(nil, t0)
	require.True(t, r.OnCancelAck(id, "", t0))

	f, ok := r.OnFill(domain.Fill{FillID: "late", ClientID: id, Price: 2000, Size: 0.005}, t0)
	require.True(t, ok)
	assert.Equal(t, 0.005, f.Size)
	assert.Equal(t, domain.OrderStateCancelled, state(t, r, id))
	assert.Len(t, j.ByKind(journal.KindLateFill), 1)

	_, ok = r.OnFill(domain.Fill{FillID: "late", ClientID: id, Price: 2000, Size: 0.005}, t0)
	assert.False(t, ok)
}

func TestUnknownOrderFillUsesReportedSide(t *testing.T) {
	r, _ := newReconciler(testConfig())
	f, ok := r.OnFill(domain.Fill{FillID: "x", VenueID: "nope", Side: domain.SideSell, Price: 1, Size: 1}, t0)
	require.True(t, ok)
	assert.Equal(t, domain.SideSell, f.Side)

	_, ok = r.OnFill(domain.Fill{FillID: "y", VenueID: "nope", Price: 1, Size: 1}, t0)
	assert.False(t, ok)
}

func TestSubmitTimeoutRetriesWithBackoffThenUnknown(t *testing.T) {
	r, j := newReconciler(testConfig())
	acts := r.Diff(buyOnly(2000), t0)
	id := acts[0].ClientID

	at := func(d time.Duration) []Action { return r.CheckTimeouts(t0.Add(d)) }

	assert.Empty(t, at(999*time.Millisecond))
	assert.Empty(t, at(time.Second)) // 超时，进入 100ms 退避
	acts = at(1100 * time.Millisecond)
	require.Len(t, acts, 1)
	assert.Equal(t, ActionSubmit, acts[0].Kind)
	assert.Equal(t, id, acts[0].ClientID)
	assert.Equal(t, 2, acts[0].Attempt)

	assert.Empty(t, at(2100*time.Millisecond)) // 第二次超时，退避翻倍 200ms
	assert.Empty(t, at(2200*time.Millisecond))
	acts = at(2300 * time.Millisecond)
	require.Len(t, acts, 1)
	assert.Equal(t, 3, acts[0].Attempt)

	acts = at(3300 * time.Millisecond)
	require.Len(t, acts, 1)
	assert.Equal(t, ActionQueryOpenOrders, acts[0].Kind)
	assert.Equal(t, domain.OrderStateUnknown, state(t, r, id))
	assert.Equal(t, 1, r.ActiveCount())

	// Unknown 阻塞该侧下单
	assert.Empty(t, r.Diff(buyOnly(2000), t0.Add(3300*time.Millisecond)))

	var last journal.Entry
	for _, e := range j.ByKind(journal.KindOrderTransition) {
		last = e
	}
	assert.Equal(t, string(domain.OrderStateUnknown), last.To)
}

func TestBackoffCapped(t *testing.T) {
	r, _ := newReconciler(testConfig())
	assert.Equal(t, 100*time.Millisecond, r.backoff(1))
	assert.Equal(t, 200*time.Millisecond, r.backoff(2))
	assert.Equal(t, 300*time.Millisecond, r.backoff(3))
	assert.Equal(t, 300*time.Millisecond, r.backoff(10))
}

// exhaust 推进时间直到没有在途请求
func exhaust(r *Reconciler, start time.Time) time.Time {
	now := start
	for i := 0; i < 100; i++ {
		now = now.Add(50 * time.Millisecond)
		r.CheckTimeouts(now)
	}
	return now
}

func TestResolveWithVenue(t *testing.T) {
	r, _ := newReconciler(testConfig())

	// c1：下单无确认 -> Unknown，交易所不存在 -> Rejected
	acts := r.Diff(buyOnly(2000), t0)
	never := acts[0].ClientID
	now := exhaust(r, t0)
	require.Equal(t, domain.OrderStateUnknown, state(t, r, never))
	acts = r.ResolveWithVenue(nil, now)
	assert.Empty(t, acts)
	assert.Equal(t, domain.OrderStateRejected, state(t, r, never))

	// c2：撤单无确认 -> Unknown，交易所仍存在 -> 重新撤单
	id := liveBuy(t, r, 2000, now)
	r.Diff(nil, now)
	now = exhaust(r, now)
	require.Equal(t, domain.OrderStateUnknown, state(t, r, id))

	acts = r.ResolveWithVenue([]domain.VenueOrder{
		{ClientID: id, VenueID: "v-" + id, Side: domain.SideBuy, Price: 2000, Size: 0.01},
		{ClientID: "orphan", VenueID: "v-orphan", Side: domain.SideSell, Price: 2100, Size: 1},
	}, now)
	require.Len(t, acts, 2)
	assert.Equal(t, ActionCancel, acts[0].Kind)
	assert.Equal(t, "v-orphan", acts[0].VenueID)
	assert.Equal(t, ActionCancel, acts[1].Kind)
	assert.Equal(t, id, acts[1].ClientID)
	assert.Equal(t, domain.OrderStateCancelling, state(t, r, id))
}

func TestResolveAckedUnknownAbsentIsCancelled(t *testing.T) {
	r, _ := newReconciler(testConfig())
	id := liveBuy(t, r, 2000, t0)
	r.Diff(nil, t0)
	now := exhaust(r, t0)
	require.Equal(t, domain.OrderStateUnknown, state(t, r, id))

	r.ResolveWithVenue(nil, now)
	assert.Equal(t, domain.OrderStateCancelled, state(t, r, id))
}

func TestResolveAbsentRestingOrderWaitsForFillGrace(t *testing.T) {
	cfg := testConfig()
	cfg.FillGrace = 3 * time.Second
	r, j := newReconciler(cfg)
	id := liveBuy(t, r, 2000, t0)

	r.ResolveWithVenue(nil, t0.Add(500*time.Millisecond))
	assert.Equal(t, domain.OrderStateLive, state(t, r, id))

	r.ResolveWithVenue(nil, t0.Add(2*time.Second))
	assert.Equal(t, domain.OrderStateUnknown, state(t, r, id))
	// 结论未定前该侧不补单
	assert.Empty(t, r.Diff(buyOnly(2000), t0.Add(2*time.Second)))

	// 宽限期内再次查询仍不下结论
	r.ResolveWithVenue(nil, t0.Add(4*time.Second))
	assert.Equal(t, domain.OrderStateUnknown, state(t, r, id))

	acts := r.CheckTimeouts(t0.Add(5 * time.Second))
	require.Len(t, acts, 1)
	assert.Equal(t, ActionQueryOpenOrders, acts[0].Kind)
	r.ResolveWithVenue(nil, t0.Add(5*time.Second))
	assert.Equal(t, domain.OrderStateCancelled, state(t, r, id))
	assert.NotEmpty(t, j.ByKind(journal.KindOrderTransition))
}

func TestAbsentOrderFilledByLatePollEndsFilled(t *testing.T) {
	cfg := testConfig()
	cfg.FillGrace = 3 * time.Second
	r, j := newReconciler(cfg)
	id := liveBuy(t, r, 2000, t0)

	// 全部成交后挂单先从交易所消失，成交回报随后才轮询到
	r.ResolveWithVenue(nil, t0.Add(2*time.Second))
	require.Equal(t, domain.OrderStateUnknown, state(t, r, id))

	applied, ok := r.OnFill(domain.Fill{FillID: "f1", VenueID: "v-" + id, Price: 2000, Size: 0.01}, t0.Add(2500*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 0.01, applied.Size)
	assert.Equal(t, domain.OrderStateFilled, state(t, r, id))

	r.ResolveWithVenue(nil, t0.Add(10*time.Second))
	assert.Equal(t, domain.OrderStateFilled, state(t, r, id))
	for _, e := range j.ByKind(journal.KindOrderTransition) {
		if e.ClientID == id {
			assert.NotEqual(t, string(domain.OrderStateCancelled), e.To)
		}
	}
}

func TestReduceOnlyModeChangeRequotes(t *testing.T) {
	r, _ := newReconciler(testConfig())
	acts := r.Diff([]domain.Quote{{Side: domain.SideSell, Price: 2001, Size: 0.01}}, t0)
	require.Len(t, acts, 1)
	assert.False(t, acts[0].ReduceOnly)
	id := acts[0].ClientID
	r.OnSubmitAck(id, "v-"+id, t0)

	// 同价同量但切换为只减仓：撤旧单，撤单确认后下只减仓单
	target := []domain.Quote{{Side: domain.SideSell, Price: 2001, Size: 0.01, ReduceOnly: true}}
	acts = r.Diff(target, t0)
	require.Len(t, acts, 1)
	assert.Equal(t, ActionCancel, acts[0].Kind)
	o, _ := r.Get(id)
	assert.Equal(t, "mode_changed", o.Reason)

	require.True(t, r.OnCancelAck(id, "v-"+id, t0))
	acts = r.Diff(target, t0)
	require.Len(t, acts, 1)
	assert.Equal(t, ActionSubmit, acts[0].Kind)
	assert.True(t, acts[0].ReduceOnly)
	placed, _ := r.Get(acts[0].ClientID)
	assert.True(t, placed.ReduceOnly)
}

func TestCancelAllFlagsPending(t *testing.T) {
	r, _ := newReconciler(testConfig())
	live := liveBuy(t, r, 2000, t0)
	acts := r.Diff(bothSides(2000, 2001), t0)
	require.Len(t, acts, 1)
	require.Equal(t, domain.SideSell, acts[0].Side)
	pending := acts[0].ClientID

	acts = r.CancelAll(t0, "risk_breach")
	require.Len(t, acts, 1)
	assert.Equal(t, live, acts[0].ClientID)
	assert.Equal(t, domain.OrderStatePending, state(t, r, pending))

	acts = r.OnSubmitAck(pending, "vp", t0)
	require.Len(t, acts, 1)
	assert.Equal(t, ActionCancel, acts[0].Kind)
	assert.Equal(t, "vp", acts[0].VenueID)
	assert.Equal(t, domain.OrderStateCancelling, state(t, r, pending))
}

func TestRejectCooldown(t *testing.T) {
	r, _ := newReconciler(testConfig())
	acts := r.Diff(buyOnly(2000), t0)
	r.OnSubmitRejected(acts[0].ClientID, "post_only_cross", "would cross", false, t0)
	assert.Equal(t, domain.OrderStateRejected, state(t, r, acts[0].ClientID))
	assert.Equal(t, 0, r.ActiveCount())

	assert.Empty(t, r.Diff(buyOnly(2000), t0.Add(time.Second)))
	assert.Len(t, r.Diff(buyOnly(2000), t0.Add(5*time.Second)), 1)
}

func TestTransientRejectNoCooldown(t *testing.T) {
	r, _ := newReconciler(testConfig())
	acts := r.Diff(buyOnly(2000), t0)
	r.OnSubmitRejected(acts[0].ClientID, "rate_limited", "", true, t0)
	assert.Len(t, r.Diff(buyOnly(2000), t0), 1)
}

func TestDuplicateRestingOrdersCancelled(t *testing.T) {
	r, _ := newReconciler(testConfig())
	first := liveBuy(t, r, 2000, t0)
	r.orders["dup"] = &tracked{Order: domain.Order{
		ClientID: "dup", Side: domain.SideBuy, Price: 2000, Size: 0.01,
		State: domain.OrderStateLive, CreatedAt: t0.Add(time.Second),
	}}

	acts := r.Diff(buyOnly(2000), t0.Add(time.Second))
	require.Len(t, acts, 1)
	assert.Equal(t, "dup", acts[0].ClientID)
	assert.Equal(t, domain.OrderStateLive, state(t, r, first))
}

func TestTerminalOrdersPruned(t *testing.T) {
	r, _ := newReconciler(testConfig())
	acts := r.Diff(buyOnly(2000), t0)
	r.OnSubmitRejected(acts[0].ClientID, "bad", "", true, t0)

	r.CheckTimeouts(t0.Add(30 * time.Second))
	_, ok := r.Get(acts[0].ClientID)
	assert.True(t, ok)
	r.CheckTimeouts(t0.Add(2 * time.Minute))
	_, ok = r.Get(acts[0].ClientID)
	assert.False(t, ok)
}

func TestInvalidTransitionIgnored(t *testing.T) {
	r, _ := newReconciler(testConfig())
	acts := r.Diff(buyOnly(2000), t0)
	id := acts[0].ClientID
	r.OnSubmitRejected(id, "bad", "", true, t0)
	// 终态后的撤单拒绝不会复活订单
	r.OnCancelRejected(id, "x", t0)
	assert.Equal(t, domain.OrderStateRejected, state(t, r, id))
	assert.False(t, canTransition(domain.OrderStateFilled, domain.OrderStateCancelled))
}

// 随机事件序列下：活跃订单数不超过 max_orders，每侧最多一个活跃订单
func TestMaxOrdersInvariantUnderRandomEvents(t *testing.T) {
	for _, maxOrders := range []int{1, 2} {
		cfg := testConfig()
		cfg.MaxOrders = maxOrders
		r, _ := newReconciler(cfg)
		rng := rand.New(rand.NewSource(int64(42 + maxOrders)))
		now := t0
		fillSeq := 0

		for step := 0; step < 2000; step++ {
			now = now.Add(time.Duration(rng.Intn(200)) * time.Millisecond)
			orders := r.Orders()
			var pick domain.Order
			if len(orders) > 0 {
				pick = orders[rng.Intn(len(orders))]
			}
			switch rng.Intn(9) {
			case 0, 1:
				mid := 2000 + float64(rng.Intn(20))
				r.Diff(bothSides(mid-1, mid+1), now)
			case 2:
				r.OnSubmitAck(pick.ClientID, "v-"+pick.ClientID, now)
			case 3:
				r.OnCancelAck(pick.ClientID, "", now)
			case 4:
				fillSeq++
				r.OnFill(domain.Fill{FillID: fmt.Sprint(fillSeq), ClientID: pick.ClientID, Price: 2000, Size: 0.003}, now)
			case 5:
				r.CheckTimeouts(now)
			case 6:
				r.CancelAll(now, "test")
			case 7:
				r.OnCancelRejected(pick.ClientID, "x", now)
			case 8:
				r.ResolveWithVenue(nil, now)
			}

			require.LessOrEqual(t, r.ActiveCount(), maxOrders, "step %d", step)
			perSide := map[domain.Side]int{}
			for _, o := range r.Orders() {
				if o.State.IsActive() {
					perSide[o.Side]++
				}
				require.LessOrEqual(t, o.FilledSize, o.Size+sizeEpsilon)
			}
			require.LessOrEqual(t, perSide[domain.SideBuy], 1)
			require.LessOrEqual(t, perSide[domain.SideSell], 1)
		}
	}
}
