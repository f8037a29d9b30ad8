package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/domain"
	"github.com/betbot/perpmm/internal/events"
	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/internal/oms"
	"github.com/betbot/perpmm/internal/ports"
	"github.com/betbot/perpmm/internal/risk"
	"github.com/betbot/perpmm/pkg/ratelimit"
	"github.com/betbot/perpmm/pkg/syncgroup"
)

var log = logrus.WithField("component", "execution")

// DispatcherConfig 调度参数
type DispatcherConfig struct {
	Workers            int
	QueueSize          int
	RequestTimeout     time.Duration
	RateLimitPerSecond int
	Burst              int
	PostOnly           bool
	// IsTransient 按拒绝码判断是否可重试；交易所自己标记了 Transient 时以交易所为准
	IsTransient func(code string) bool
}

// Dispatcher 把对账动作异步发往网关，结果以事件形式回到策略循环。
//
// 策略循环只调用 Dispatch，永远不会阻塞在网络 IO 上。
type Dispatcher struct {
	cfg     DispatcherConfig
	gw      Gateway
	sink    ports.EventSink
	breaker *risk.CircuitBreaker
	limiter *ratelimit.Manager
	dedupe  *InFlightDeduper

	jobs chan oms.Action
	sg   *syncgroup.SyncGroup
}

func NewDispatcher(cfg DispatcherConfig, gw Gateway, sink ports.EventSink, breaker *risk.CircuitBreaker) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RateLimitPerSecond
	}
	return &Dispatcher{
		cfg:     cfg,
		gw:      gw,
		sink:    sink,
		breaker: breaker,
		limiter: ratelimit.NewManager(cfg.RateLimitPerSecond, cfg.Burst),
		dedupe:  NewInFlightDeduper(2*cfg.RequestTimeout, 16),
		jobs:    make(chan oms.Action, cfg.QueueSize),
		sg:      syncgroup.NewSyncGroup(),
	}
}

// Start 启动 worker，ctx 取消后退出
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.sg.Add(func() { d.worker(ctx) })
	}
	d.sg.Run()
}

// Wait 等待所有 worker 退出
func (d *Dispatcher) Wait() {
	d.sg.Wait()
}

// Dispatch 非阻塞入队。队列满时丢弃并返回 false，
// 丢掉的下单/撤单由对账器的超时重试补发。
func (d *Dispatcher) Dispatch(a oms.Action) bool {
	select {
	case d.jobs <- a:
		return true
	default:
		metrics.DispatchDropped.Add(1)
		log.Warnf("调度队列已满，丢弃动作: %s", a)
		return false
	}
}

// Pending 排队中的动作数
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.jobs:
			d.Execute(ctx, a)
		}
	}
}

// Execute 同步执行一个动作并投递结果事件。返回传输错误（业务拒绝不算错误）。
func (d *Dispatcher) Execute(ctx context.Context, a oms.Action) error {
	key := dedupeKey(a)
	if err := d.dedupe.TryAcquire(key); err != nil {
		log.Debugf("请求仍在进行中，跳过: %s", a)
		return nil
	}
	defer d.dedupe.Release(key)

	endpoint := ratelimit.EndpointQuery
	switch a.Kind {
	case oms.ActionSubmit:
		endpoint = ratelimit.EndpointSubmit
	case oms.ActionCancel:
		endpoint = ratelimit.EndpointCancel
	}
	if err := d.limiter.Wait(ctx, endpoint); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	var err error
	switch a.Kind {
	case oms.ActionSubmit:
		err = d.submit(callCtx, ctx, a)
	case oms.ActionCancel:
		err = d.cancel(callCtx, ctx, a)
	case oms.ActionQueryOpenOrders:
		err = d.queryOpenOrders(callCtx, ctx)
	case oms.ActionQueryPosition:
		err = d.queryPosition(callCtx, ctx)
	default:
		return fmt.Errorf("unsupported action: %s", a.Kind)
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		d.breaker.OnError(err)
		metrics.GatewayErrors.Add(1)
		log.WithError(err).Warnf("网关请求失败: %s (连续 %d 次)", a, d.breaker.ConsecutiveErrors())
		return err
	}
	d.breaker.OnSuccess()
	return nil
}

func (d *Dispatcher) submit(callCtx, ctx context.Context, a oms.Action) error {
	ack, err := d.gw.SubmitOrder(callCtx, ports.SubmitRequest{
		ClientID: a.ClientID,
		Side:     a.Side,
		Price:    a.Price,
		Size:       a.Size,
		PostOnly:   d.cfg.PostOnly,
		ReduceOnly: a.ReduceOnly,
	})
	if err != nil {
		var rej *domain.VenueRejectError
		if errors.As(err, &rej) {
			transient := rej.Transient
			if !transient && d.cfg.IsTransient != nil {
				transient = d.cfg.IsTransient(rej.Code)
			}
			d.publish(ctx, events.SubmitRejected{
				ClientID:  a.ClientID,
				Code:      rej.Code,
				Message:   rej.Message,
				Transient: transient,
				Timestamp: time.Now(),
			})
			return nil
		}
		return err
	}
	ts := ack.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	d.publish(ctx, events.SubmitAck{ClientID: a.ClientID, VenueID: ack.VenueID, Timestamp: ts})
	return nil
}

func (d *Dispatcher) cancel(callCtx, ctx context.Context, a oms.Action) error {
	err := d.gw.CancelOrder(callCtx, ports.CancelRequest{ClientID: a.ClientID, VenueID: a.VenueID})
	if err != nil {
		var rej *domain.VenueRejectError
		if errors.As(err, &rej) {
			d.publish(ctx, events.CancelRejected{
				ClientID:  a.ClientID,
				Code:      rej.Code,
				Message:   rej.Message,
				Timestamp: time.Now(),
			})
			return nil
		}
		return err
	}
	d.publish(ctx, events.CancelAck{ClientID: a.ClientID, VenueID: a.VenueID, Timestamp: time.Now()})
	return nil
}

// CancelNow 同步撤单，不投递结果事件：停止路径上循环已不再消费事件队列。
// 交易所拒绝（如订单已不存在）视为已撤。
func (d *Dispatcher) CancelNow(ctx context.Context, a oms.Action) error {
	if err := d.limiter.Wait(ctx, ratelimit.EndpointCancel); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	err := d.gw.CancelOrder(callCtx, ports.CancelRequest{ClientID: a.ClientID, VenueID: a.VenueID})
	var rej *domain.VenueRejectError
	if errors.As(err, &rej) {
		log.Debugf("停止撤单被拒: %s code=%s", a.ClientID, rej.Code)
		return nil
	}
	return err
}

func (d *Dispatcher) queryOpenOrders(callCtx, ctx context.Context) error {
	orders, err := d.gw.QueryOpenOrders(callCtx)
	if err != nil {
		return err
	}
	d.publish(ctx, events.OpenOrdersSnapshot{Orders: orders, Timestamp: time.Now()})
	return nil
}

func (d *Dispatcher) queryPosition(callCtx, ctx context.Context) error {
	report, err := d.gw.QueryPosition(callCtx)
	if err != nil {
		return err
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}
	d.publish(ctx, events.PositionSnapshot{Report: report})
	return nil
}

// publish 结果事件不可丢，阻塞直到入队或 ctx 取消
func (d *Dispatcher) publish(ctx context.Context, ev events.Event) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Publish(ctx, ev); err != nil {
		log.WithError(err).Warnf("结果事件投递失败: %s", events.Describe(ev))
	}
}

func dedupeKey(a oms.Action) string {
	switch a.Kind {
	case oms.ActionSubmit, oms.ActionCancel:
		return a.Kind.String() + ":" + a.ClientID
	}
	return a.Kind.String()
}
