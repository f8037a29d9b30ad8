package strategy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/common"
	"github.com/betbot/perpmm/internal/domain"
	"github.com/betbot/perpmm/internal/events"
	"github.com/betbot/perpmm/internal/journal"
	"github.com/betbot/perpmm/internal/ledger"
	"github.com/betbot/perpmm/internal/marketstate"
	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/internal/oms"
	"github.com/betbot/perpmm/internal/quote"
	"github.com/betbot/perpmm/internal/risk"
	"github.com/betbot/perpmm/pkg/config"
	"github.com/betbot/perpmm/pkg/persistence"
)

var log = logrus.WithField("component", "strategy")

// 停止/致命时每个撤单请求的时限
const stopCancelTimeout = 3 * time.Second

// Executor 网关动作的出口：Dispatch 异步不阻塞，CancelNow 同步且不回投事件（只用于停止时撤单）
type Executor interface {
	Dispatch(a oms.Action) bool
	CancelNow(ctx context.Context, a oms.Action) error
}

// Deps 外部依赖
type Deps struct {
	Queue    *events.Queue
	Executor Executor
	Breaker  *risk.CircuitBreaker
	Journal  journal.Journal
	Store    persistence.Store // 可为 nil：不持久化账本
	Now      func() time.Time
	// NewClientID 客户端订单 ID 生成器；为空时使用 uuid（交易所要求数字 ID 时由网关提供）
	NewClientID func() string
}

// Loop 做市主循环：唯一持有行情、账本、订单状态的 goroutine。
//
// 所有异步结果都通过 Queue 回到 Run，组件之间不共享可变状态。
type Loop struct {
	cfg config.Config

	queue   *events.Queue
	exec    Executor
	breaker *risk.CircuitBreaker
	journal journal.Journal
	store   persistence.Store
	now     func() time.Time

	market *marketstate.MarketState
	ledger *ledger.Ledger
	orders *oms.Reconciler
	risk   *risk.Controller
	engine *quote.Engine

	breached    bool
	lastReason  string
	rebalancing bool
	paused      atomic.Bool

	debugGate *common.Debouncer
	faultGate *common.Debouncer
	saveGate  *common.Debouncer
}

// New 按配置组装各组件
func New(cfg config.Config, deps Deps) *Loop {
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Breaker == nil {
		deps.Breaker = risk.NewCircuitBreaker(cfg.MaxGatewayErrors)
	}
	l := &Loop{
		cfg:     cfg,
		queue:   deps.Queue,
		exec:    deps.Executor,
		breaker: deps.Breaker,
		journal: deps.Journal,
		store:   deps.Store,
		now:     deps.Now,

		market: marketstate.New(marketstate.Config{
			StalenessThreshold: cfg.StalenessThreshold.D(),
			VolHalfLife:        cfg.VolHalfLife.D(),
		}),
		ledger: ledger.New(cfg.DriftTolerance, deps.Journal),
		orders: oms.New(oms.Config{
			MaxOrders:         cfg.MaxOrders,
			RequoteTolerance:  cfg.RequoteTolerance,
			AckTimeout:        cfg.AckTimeout.D(),
			MaxAttempts:       cfg.MaxAttempts,
			RetryBackoff:      cfg.RetryBackoff.D(),
			RetryBackoffMax:   cfg.RetryBackoffMax.D(),
			RejectCooldown:    cfg.RejectCooldown.D(),
			TerminalRetention: cfg.TerminalRetention.D(),
			// 至少覆盖两次成交轮询
			FillGrace: cfg.AckTimeout.D() + 2*cfg.Venue.FillPollInterval.D(),
		}, deps.Journal),
		risk: risk.NewController(risk.Limits{
			MaxPosition: cfg.MaxPosition,
			MaxOrders:   cfg.MaxOrders,
			RiskLimit:   cfg.RiskLimit,
		}),
		engine: quote.NewEngine(QuoteParams(cfg)),

		debugGate: common.NewDebouncer(10 * time.Second),
		faultGate: common.NewDebouncer(5 * time.Second),
		saveGate:  common.NewDebouncer(30 * time.Second),
	}
	l.orders.SetIDGenerator(deps.NewClientID)
	return l
}

// QuoteParams 从配置提取报价模型参数。实盘按合约面值取整数量，交易所只接受整数张。
func QuoteParams(cfg config.Config) quote.Params {
	p := quote.Params{
		Gamma:           cfg.Gamma,
		Sigma:           cfg.Sigma,
		Kappa:           cfg.Kappa,
		Delta:           cfg.Delta,
		Alpha:           cfg.Alpha,
		MinSpread:       cfg.MinSpread,
		MaxSpread:       cfg.MaxSpread,
		OrderSize:       cfg.OrderSize,
		InventoryTarget: cfg.InventoryTarget,
		InventoryRange:  cfg.InventoryRange,
		PricePrecision:  int32(cfg.PricePrecision),
		SizePrecision:   int32(cfg.SizePrecision),
		UseEWMA:         cfg.SigmaSource == config.SigmaSourceEWMA,
		VolMinSamples:   cfg.VolMinSamples,

		RebalanceThreshold: cfg.RebalanceThreshold,
	}
	if !cfg.DryRun {
		p.LotSize = cfg.Venue.ContractSize
	}
	return p
}

// Ledger 账本（启动恢复用，只能在 Run 之前调用）
func (l *Loop) Ledger() *ledger.Ledger { return l.ledger }

// Orders 订单状态（测试与诊断，只能在循环 goroutine 内或 Run 结束后读取）
func (l *Loop) Orders() []domain.Order { return l.orders.Orders() }

// Position 当前持仓
func (l *Loop) Position() domain.InventoryPosition { return l.ledger.Position() }

// Snapshot 行情快照（可并发读取）
func (l *Loop) Snapshot() domain.MarketSnapshot { return l.market.Snapshot(l.now()) }

// Paused 是否处于人工暂停（可并发读取）
func (l *Loop) Paused() bool { return l.paused.Load() }

// Breached 上一个周期是否处于风控触发状态
func (l *Loop) Breached() bool { return l.breached }

// Restore 从持久化恢复账本
func (l *Loop) Restore() error {
	if l.store == nil {
		return nil
	}
	ok, err := l.ledger.Restore(l.store)
	if err != nil {
		return err
	}
	if ok {
		pos := l.ledger.Position()
		log.Infof("已恢复持仓快照: net=%.8g entry=%.8g realized=%.8g", pos.NetSize, pos.EntryPrice, pos.RealizedPnL)
	}
	return nil
}

// Run 事件循环。ctx 取消时撤销全部挂单并返回 nil；
// 网关持续不可达时尽力撤单后返回 ErrGatewayUnreachable。
func (l *Loop) Run(ctx context.Context) error {
	cycle := time.NewTicker(l.cfg.OrderUpdateInterval.D())
	defer cycle.Stop()
	expiry := time.NewTicker(l.cfg.ExpiryCheckInterval.D())
	defer expiry.Stop()
	reconcile := time.NewTicker(l.cfg.ReconcileInterval.D())
	defer reconcile.Stop()

	log.Infof("🚀 做市循环启动: symbol=%s dry_run=%v interval=%s", l.cfg.Symbol, l.cfg.DryRun, l.cfg.OrderUpdateInterval.D())
	l.requestReconcile()

	for {
		select {
		case <-ctx.Done():
			l.stop("shutdown")
			return nil
		case ev := <-l.queue.C():
			l.Handle(ev)
		case <-cycle.C:
			l.Cycle()
		case <-expiry.C:
			l.dispatch(l.orders.CheckTimeouts(l.now()))
		case <-reconcile.C:
			l.requestReconcile()
		}
		if err := l.breaker.Check(); err != nil {
			return l.halt(err)
		}
	}
}

// Handle 处理一个事件
func (l *Loop) Handle(ev events.Event) {
	now := l.now()
	switch e := ev.(type) {
	case events.BookUpdate:
		if l.market.Consume(e) {
			metrics.Mid.Set(l.market.Snapshot(now).Mid)
		}
	case events.Trade:
		l.market.Consume(e)
	case events.FeedStatus:
		if e.Connected {
			log.Infof("行情连接已建立")
		} else {
			// 断线期间的收益率不可用，清空行情状态并撤掉报价
			log.Warnf("行情连接断开: %s", e.Reason)
			l.market.Reset()
			l.Cycle()
		}
	case events.FillReport:
		l.onFill(e.Fill, now)
	case events.SubmitAck:
		l.dispatch(l.orders.OnSubmitAck(e.ClientID, e.VenueID, now))
	case events.SubmitRejected:
		l.orders.OnSubmitRejected(e.ClientID, e.Code, e.Message, e.Transient, now)
	case events.CancelAck:
		if l.orders.OnCancelAck(e.ClientID, e.VenueID, now) {
			// 撤单完成后立即补单
			l.Cycle()
		}
	case events.CancelRejected:
		l.orders.OnCancelRejected(e.ClientID, e.Code, now)
	case events.PositionSnapshot:
		if l.ledger.Reconcile(e.Report, now) {
			l.Cycle()
		}
	case events.OpenOrdersSnapshot:
		l.dispatch(l.orders.ResolveWithVenue(e.Orders, now))
	case events.Control:
		l.onControl(e, now)
	default:
		log.Debugf("忽略未知事件: %s", events.Describe(ev))
	}
}

func (l *Loop) onFill(f domain.Fill, now time.Time) {
	applied, ok := l.orders.OnFill(f, now)
	if !ok {
		return
	}
	if _, err := l.ledger.ApplyFill(applied); err != nil {
		log.WithError(err).Errorf("成交记账失败: %s", applied.FillID)
		return
	}
	l.maybeSave(now)
	// 持仓变化后立即重新评估风控与报价
	l.Cycle()
}

// Cycle 一次报价周期：风控 -> 报价 -> 对账 -> 下发
func (l *Loop) Cycle() {
	now := l.now()
	metrics.Cycles.Add(1)

	snap := l.market.Snapshot(now)
	pos := l.ledger.Position()
	state := l.risk.Evaluate(pos, l.orders.Orders())
	if state.Breach {
		l.onBreach(state, now)
		return
	}
	if l.breached {
		l.breached = false
		log.Infof("✅ 风控恢复: %s", l.lastReason)
		l.journal.Record(journal.Entry{Time: now, Kind: journal.KindRiskClear, Reason: l.lastReason})
		l.lastReason = ""
	}

	if l.paused.Load() {
		l.dispatch(l.orders.Diff(nil, now))
		return
	}

	res, err := l.engine.Compute(snap, pos.NetSize)
	if err != nil {
		// 行情故障：撤掉现有报价，不下新单
		metrics.CyclesSkipped.Add(1)
		if l.faultGate.Allow(now) {
			log.WithError(err).Warn("行情不可用，暂停报价")
		}
		l.dispatch(l.orders.Diff(nil, now))
		return
	}
	if res.Rebalancing != l.rebalancing {
		l.rebalancing = res.Rebalancing
		if res.Rebalancing {
			log.Warnf("⚖️ 库存偏离过大，进入再平衡: net=%.8g target=%.8g", pos.NetSize, l.cfg.InventoryTarget)
		} else {
			log.Infof("⚖️ 再平衡结束，恢复双边报价: net=%.8g", pos.NetSize)
		}
	}
	l.logMetrics(snap, pos, res, now)
	l.dispatch(l.orders.Diff(res.Quotes, now))
}

func (l *Loop) onControl(c events.Control, now time.Time) {
	if l.paused.Load() == c.Paused {
		return
	}
	l.paused.Store(c.Paused)
	kind := journal.KindResume
	if c.Paused {
		kind = journal.KindPause
		log.Warnf("⏸ 报价已暂停: %s", c.Reason)
	} else {
		log.Infof("▶ 报价已恢复: %s", c.Reason)
	}
	l.journal.Record(journal.Entry{Time: now, Kind: kind, Reason: c.Reason})
	l.Cycle()
}

func (l *Loop) onBreach(state domain.RiskState, now time.Time) {
	if !l.breached || state.Reason != l.lastReason {
		metrics.Breaches.Add(1)
		err := fmt.Errorf("%w: %s", domain.ErrRiskBreach, state.Reason)
		log.WithError(err).Warn("⚠️ 风控触发，撤销全部挂单")
		l.journal.Record(journal.Entry{Time: now, Kind: journal.KindRiskBreach, Reason: state.Reason})
	}
	l.breached = true
	l.lastReason = state.Reason
	l.dispatch(l.orders.CancelAll(now, "risk_breach"))
}

// logMetrics 每周期的行情与库存指标（debug 级别，按间隔节流）
func (l *Loop) logMetrics(snap domain.MarketSnapshot, pos domain.InventoryPosition, res quote.Result, now time.Time) {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) || !l.debugGate.Allow(now) {
		return
	}
	bid, _ := res.Bid()
	ask, _ := res.Ask()
	log.WithFields(logrus.Fields{
		"mid":         snap.Mid,
		"spread":      snap.Spread(),
		"inventory":   pos.NetSize,
		"target":      l.cfg.InventoryTarget,
		"range":       l.cfg.InventoryRange,
		"sigma":       res.Sigma,
		"reservation": res.Reservation,
		"half_spread": res.HalfSpread,
		"bid":         bid.String(),
		"ask":         ask.String(),
		"unrealized":  pos.UnrealizedPnL(snap.Mid),
		"realized":    pos.RealizedPnL,
	}).Debug("市场指标")
}

func (l *Loop) dispatch(actions []oms.Action) {
	for _, a := range actions {
		if !l.exec.Dispatch(a) {
			// 丢弃的请求由对账器按超时重发
			log.Debugf("动作未能入队: %s", a)
		}
	}
}

func (l *Loop) requestReconcile() {
	l.exec.Dispatch(oms.Action{Kind: oms.ActionQueryPosition})
	l.exec.Dispatch(oms.Action{Kind: oms.ActionQueryOpenOrders})
}

func (l *Loop) maybeSave(now time.Time) {
	if l.store == nil || !l.saveGate.Allow(now) {
		return
	}
	if err := l.ledger.Save(l.store); err != nil {
		log.WithError(err).Warn("持仓快照保存失败")
	}
}

// SaveLedger 立即保存账本
func (l *Loop) SaveLedger() error {
	if l.store == nil {
		return nil
	}
	return l.ledger.Save(l.store)
}

// halt 致命：尽力撤单后退出
func (l *Loop) halt(cause error) error {
	err := fmt.Errorf("%w: %v (last error: %s)", domain.ErrGatewayUnreachable, cause, l.breaker.LastError())
	log.WithError(err).Error("❌ 交易网关不可达，停止做市")
	l.journal.Record(journal.Entry{Time: l.now(), Kind: journal.KindFatalHalt, Reason: err.Error()})
	l.stop("fatal_halt")
	return err
}

// stop 同步撤销全部订单（含未确认的，按客户端 ID 撤），并保存账本。
// 每个订单单独计时，一个请求卡住不影响其余订单。
func (l *Loop) stop(reason string) {
	now := l.now()
	l.orders.CancelAll(now, reason)

	n, failed := 0, 0
	for _, o := range l.orders.Orders() {
		if !o.State.IsActive() {
			continue
		}
		n++
		a := oms.Action{Kind: oms.ActionCancel, ClientID: o.ClientID, VenueID: o.VenueID, Side: o.Side, Attempt: 1}
		ctx, cancel := context.WithTimeout(context.Background(), stopCancelTimeout)
		if err := l.exec.CancelNow(ctx, a); err != nil {
			failed++
			log.WithError(err).Warnf("停止时撤单失败: %s", o.ClientID)
		}
		cancel()
	}
	if failed > 0 {
		log.Errorf("停止做市（%s），%d 个订单中 %d 个撤单失败，请人工检查交易所挂单", reason, n, failed)
	} else {
		log.Infof("停止做市（%s），已撤销 %d 个订单", reason, n)
	}
	if err := l.SaveLedger(); err != nil {
		log.WithError(err).Warn("持仓快照保存失败")
	}
}
