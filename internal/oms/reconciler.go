package oms

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/domain"
	"github.com/betbot/perpmm/internal/journal"
	"github.com/betbot/perpmm/internal/metrics"
)

var log = logrus.WithField("component", "oms")

// 数量比较容差
const sizeEpsilon = 1e-12

// 成交去重窗口
const maxSeenFills = 10000

// Config 订单对账参数
type Config struct {
	MaxOrders         int
	RequoteTolerance  float64
	AckTimeout        time.Duration
	MaxAttempts       int
	RetryBackoff      time.Duration
	RetryBackoffMax   time.Duration
	RejectCooldown    time.Duration
	TerminalRetention time.Duration
	// FillGrace 挂单从交易所消失后等待成交回报的时间，之后才判定为撤销
	FillGrace time.Duration
}

// tracked 订单及其请求簿记
type tracked struct {
	domain.Order

	prevState  domain.OrderState // 撤单被拒时回退的挂单状态
	acked      bool              // 交易所是否确认过（决定 Unknown 缺失时的结局）
	wantCancel bool              // 撤单意图：Unknown 订单在交易所仍存在时重新撤单
	cancelReq  bool              // Pending 时收到 CancelAll，确认后立即撤单

	attempts  int       // 当前请求的发送次数
	deadline  time.Time // 当前请求的确认截止时间
	nextRetry time.Time // 非零表示等待退避后重发
	graceUntil time.Time // 交易所缺失的已确认挂单：此前不下结论
}

// Reconciler 订单状态机与目标报价对账。只在策略循环 goroutine 内调用。
type Reconciler struct {
	cfg     Config
	journal journal.Journal
	newID   func() string

	orders   map[string]*tracked
	byVenue  map[string]string
	cooldown map[domain.Side]time.Time

	seenFills map[string]struct{}
	seenOrder []string
}

// New 创建对账器
func New(cfg Config, j journal.Journal) *Reconciler {
	if j == nil {
		j = journal.Nop{}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBackoffMax < cfg.RetryBackoff {
		cfg.RetryBackoffMax = cfg.RetryBackoff
	}
	if cfg.FillGrace < cfg.AckTimeout {
		cfg.FillGrace = cfg.AckTimeout
	}
	return &Reconciler{
		cfg:       cfg,
		journal:   j,
		newID:     func() string { return uuid.NewString() },
		orders:    make(map[string]*tracked),
		byVenue:   make(map[string]string),
		cooldown:  make(map[domain.Side]time.Time),
		seenFills: make(map[string]struct{}),
	}
}

// SetIDGenerator 替换客户端订单 ID 生成器（测试用）
func (r *Reconciler) SetIDGenerator(fn func() string) {
	if fn != nil {
		r.newID = fn
	}
}

// Orders 所有跟踪中的订单快照（按创建时间排序）
func (r *Reconciler) Orders() []domain.Order {
	out := make([]domain.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o.Order)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get 按客户端 ID 查询
func (r *Reconciler) Get(clientID string) (domain.Order, bool) {
	o, ok := r.orders[clientID]
	if !ok {
		return domain.Order{}, false
	}
	return o.Order, true
}

// ActiveCount 占用 max_orders 名额的订单数
func (r *Reconciler) ActiveCount() int {
	n := 0
	for _, o := range r.orders {
		if o.State.IsActive() {
			n++
		}
	}
	return n
}

func (r *Reconciler) lookup(clientID, venueID string) *tracked {
	if clientID != "" {
		if o, ok := r.orders[clientID]; ok {
			return o
		}
	}
	if venueID != "" {
		if cid, ok := r.byVenue[venueID]; ok {
			return r.orders[cid]
		}
	}
	return nil
}

func (r *Reconciler) setVenueID(o *tracked, venueID string) {
	if venueID == "" || o.VenueID == venueID {
		return
	}
	if o.VenueID != "" {
		delete(r.byVenue, o.VenueID)
	}
	o.VenueID = venueID
	r.byVenue[venueID] = o.ClientID
}

// transition 校验并执行状态迁移，写审计日志
func (r *Reconciler) transition(o *tracked, to domain.OrderState, now time.Time, reason string) bool {
	from := o.State
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		log.WithError(invalidTransition(o.ClientID, from, to)).Warn("非法状态迁移已忽略")
		return false
	}
	o.State = to
	o.LastUpdate = now
	if reason != "" {
		o.Reason = reason
	}
	fields := map[string]interface{}{
		"side":   string(o.Side),
		"price":  o.Price,
		"size":   o.Size,
		"filled": o.FilledSize,
	}
	if o.VenueID != "" {
		fields["venue_id"] = o.VenueID
	}
	r.journal.Record(journal.Entry{
		Time:     now,
		Kind:     journal.KindOrderTransition,
		ClientID: o.ClientID,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
		Fields:   fields,
	})
	log.Debugf("订单状态: %s %s -> %s %s", o.ClientID, from, to, reason)
	return true
}

// backoff 第 n 次超时后的退避：retry_backoff * 2^(n-1)，不超过 retry_backoff_max
func (r *Reconciler) backoff(attempt int) time.Duration {
	d := r.cfg.RetryBackoff
	for i := 1; i < attempt && d < r.cfg.RetryBackoffMax; i++ {
		d *= 2
	}
	if d > r.cfg.RetryBackoffMax {
		d = r.cfg.RetryBackoffMax
	}
	return d
}

func (r *Reconciler) armRequest(o *tracked, now time.Time) {
	o.attempts = 1
	o.deadline = now.Add(r.cfg.AckTimeout)
	o.nextRetry = time.Time{}
}

func submitAction(o *tracked) Action {
	return Action{Kind: ActionSubmit, ClientID: o.ClientID, Side: o.Side, Price: o.Price, Size: o.Size, Attempt: o.attempts, ReduceOnly: o.ReduceOnly}
}

func cancelAction(o *tracked) Action {
	return Action{Kind: ActionCancel, ClientID: o.ClientID, VenueID: o.VenueID, Side: o.Side, Attempt: o.attempts}
}

// place 新建 Pending 订单
func (r *Reconciler) place(q domain.Quote, now time.Time) Action {
	o := &tracked{Order: domain.Order{
		ClientID:  r.newID(),
		Side:      q.Side,
		Price:     q.Price,
		Size:       q.Size,
		CreatedAt:  now,
		ReduceOnly: q.ReduceOnly,
	}}
	r.orders[o.ClientID] = o
	r.transition(o, stPending, now, "")
	r.armRequest(o, now)
	metrics.Placements.Add(1)
	return submitAction(o)
}

// cancel 挂单进入 Cancelling
func (r *Reconciler) cancel(o *tracked, now time.Time, reason string) (Action, bool) {
	if !o.State.IsResting() {
		return Action{}, false
	}
	o.prevState = o.State
	o.wantCancel = true
	if !r.transition(o, stCanceling, now, reason) {
		return Action{}, false
	}
	r.armRequest(o, now)
	metrics.Cancels.Add(1)
	return cancelAction(o), true
}

// InCooldown 该方向是否处于拒单冷却期
func (r *Reconciler) InCooldown(side domain.Side, now time.Time) bool {
	until, ok := r.cooldown[side]
	return ok && now.Before(until)
}

// Diff 将目标报价与当前订单对账，返回需要发送的动作。
//
// 每侧：有在途请求（Pending/Cancelling/Unknown）则跳过；有挂单则按目标决定保留或撤单；
// 无挂单才下新单，且下单后活跃订单数不超过 max_orders。撤单与补单分两步，补单等 Cancelled 后的下一周期。
func (r *Reconciler) Diff(targets []domain.Quote, now time.Time) []Action {
	var actions []Action
	active := r.ActiveCount()

	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		var target *domain.Quote
		for i := range targets {
			if targets[i].Side == side && targets[i].Size > 0 {
				target = &targets[i]
				break
			}
		}

		var resting []*tracked
		inFlight := false
		for _, o := range r.orders {
			if o.Side != side {
				continue
			}
			if o.State.IsInFlight() {
				inFlight = true
				break
			}
			if o.State.IsResting() {
				resting = append(resting, o)
			}
		}
		if inFlight {
			continue
		}

		if len(resting) > 0 {
			sort.Slice(resting, func(i, j int) bool { return resting[i].CreatedAt.Before(resting[j].CreatedAt) })
			keep := resting[0]
			for _, extra := range resting[1:] {
				if a, ok := r.cancel(extra, now, "duplicate_side"); ok {
					actions = append(actions, a)
				}
			}
			if reason := r.requoteReason(keep, target); reason != "" {
				if a, ok := r.cancel(keep, now, reason); ok {
					actions = append(actions, a)
				}
			}
			continue
		}

		if target == nil {
			continue
		}
		if r.InCooldown(side, now) {
			log.Debugf("%s 侧处于拒单冷却期，暂不下单", side)
			continue
		}
		if active+1 > r.cfg.MaxOrders {
			log.Warnf("活跃订单数已达上限 %d，%s 侧暂不下单", r.cfg.MaxOrders, side)
			continue
		}
		actions = append(actions, r.place(*target, now))
		active++
	}
	return actions
}

// requoteReason 挂单需要撤销的原因；空字符串表示保留
func (r *Reconciler) requoteReason(o *tracked, target *domain.Quote) string {
	if o.wantCancel || o.cancelReq {
		return "cancel_intent"
	}
	if target == nil {
		return "no_target"
	}
	if o.ReduceOnly != target.ReduceOnly {
		return "mode_changed"
	}
	if target.Price > 0 && math.Abs(o.Price-target.Price)/target.Price > r.cfg.RequoteTolerance {
		return "price_moved"
	}
	if o.Remaining() > target.Size+sizeEpsilon {
		return "size_shrunk"
	}
	return ""
}

// OnSubmitAck 下单确认。Pending 期间收到过 CancelAll 的订单会立即撤单。
func (r *Reconciler) OnSubmitAck(clientID, venueID string, now time.Time) []Action {
	o := r.lookup(clientID, venueID)
	if o == nil {
		log.Warnf("未知订单的下单确认: client=%s venue=%s", clientID, venueID)
		return nil
	}
	r.setVenueID(o, venueID)
	wasAcked := o.acked
	o.acked = true

	switch o.State {
	case stPending, stUnknown:
		r.transition(o, stLive, now, "")
		o.nextRetry = time.Time{}
		if o.cancelReq || o.wantCancel {
			if a, ok := r.cancel(o, now, "cancel_requested"); ok {
				return []Action{a}
			}
		}
	case stCancelled, stRejected:
		if wasAcked {
			return nil
		}
		// 从未确认就被判定为终态的订单实际在交易所存活：撤掉，不改本地状态
		log.Warnf("终态订单收到迟到确认，撤销残留挂单: %s venue=%s", o.ClientID, venueID)
		return []Action{{Kind: ActionCancel, ClientID: o.ClientID, VenueID: o.VenueID, Side: o.Side, Attempt: 1}}
	default:
		// 成交先到或重复确认
	}
	return nil
}

// OnSubmitRejected 下单被拒。非临时错误使该方向进入冷却。
func (r *Reconciler) OnSubmitRejected(clientID, code, message string, transient bool, now time.Time) {
	o := r.lookup(clientID, "")
	if o == nil {
		log.Warnf("未知订单的拒单: client=%s code=%s", clientID, code)
		return
	}
	if o.State != stPending && o.State != stUnknown {
		log.Warnf("忽略状态 %s 下的拒单: %s code=%s", o.State, clientID, code)
		return
	}
	metrics.Rejects.Add(1)
	r.transition(o, stRejected, now, code)
	if !transient && r.cfg.RejectCooldown > 0 {
		r.cooldown[o.Side] = now.Add(r.cfg.RejectCooldown)
		log.Warnf("下单被拒 %s code=%s msg=%s，%s 侧冷却 %s", clientID, code, message, o.Side, r.cfg.RejectCooldown)
	} else {
		log.Infof("下单被拒（临时） %s code=%s msg=%s", clientID, code, message)
	}
}

// OnCancelAck 撤单确认，返回订单是否因此进入 Cancelled（触发立即重新报价）。
// 已成交的订单忽略撤单确认：成交优先。
func (r *Reconciler) OnCancelAck(clientID, venueID string, now time.Time) bool {
	o := r.lookup(clientID, venueID)
	if o == nil {
		log.Debugf("未知订单的撤单确认: client=%s venue=%s", clientID, venueID)
		return false
	}
	r.setVenueID(o, venueID)
	switch o.State {
	case stCanceling, stUnknown, stLive, stPartial, stPending:
		o.nextRetry = time.Time{}
		return r.transition(o, stCancelled, now, "")
	case stFilled:
		log.Debugf("已成交订单的撤单确认已忽略: %s", o.ClientID)
	}
	return false
}

// OnCancelRejected 撤单被拒：回到撤单前的挂单状态，等待成交回报或下一周期重新决定
func (r *Reconciler) OnCancelRejected(clientID, code string, now time.Time) {
	o := r.lookup(clientID, "")
	if o == nil {
		return
	}
	if o.State != stCanceling && o.State != stUnknown {
		log.Debugf("忽略状态 %s 下的撤单拒绝: %s code=%s", o.State, clientID, code)
		return
	}
	back := o.prevState
	if !back.IsResting() {
		back = stLive
		if o.FilledSize > 0 {
			back = stPartial
		}
	}
	o.wantCancel = false
	o.nextRetry = time.Time{}
	r.transition(o, back, now, "cancel_rejected:"+code)
}

func (r *Reconciler) rememberFill(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := r.seenFills[id]; ok {
		return false
	}
	r.seenFills[id] = struct{}{}
	r.seenOrder = append(r.seenOrder, id)
	if len(r.seenOrder) > maxSeenFills {
		delete(r.seenFills, r.seenOrder[0])
		r.seenOrder = r.seenOrder[1:]
	}
	return true
}

// OnFill 处理成交回报，返回应记入账本的成交（已裁剪到剩余数量）。
// 重复成交、超额成交返回 false；撤销后的迟到成交照常记账一次，订单保持终态。
func (r *Reconciler) OnFill(f domain.Fill, now time.Time) (domain.Fill, bool) {
	if !r.rememberFill(f.FillID) {
		metrics.DuplicateFills.Add(1)
		log.Debugf("重复成交已忽略: %s", f.FillID)
		return domain.Fill{}, false
	}
	o := r.lookup(f.ClientID, f.VenueID)
	if o == nil {
		if !f.Side.Valid() {
			log.Errorf("未知订单且无方向的成交无法记账: %s venue=%s", f.FillID, f.VenueID)
			return domain.Fill{}, false
		}
		log.Warnf("未知订单的成交，直接记账: %s venue=%s %s %.8g@%.8g", f.FillID, f.VenueID, f.Side, f.Size, f.Price)
		metrics.Fills.Add(1)
		return f, true
	}

	if f.Side != o.Side {
		if f.Side.Valid() {
			log.Warnf("成交方向与订单不一致，以订单为准: fill=%s order=%s", f.Side, o.Side)
		}
		f.Side = o.Side
	}
	f.ClientID = o.ClientID
	r.setVenueID(o, f.VenueID)

	size := math.Min(f.Size, o.Remaining())
	if size <= sizeEpsilon {
		log.Warnf("超额成交已忽略: %s order=%s size=%.8g", f.FillID, o.ClientID, f.Size)
		return domain.Fill{}, false
	}
	f.Size = size
	o.FilledSize += size
	o.LastUpdate = now
	full := o.Remaining() <= sizeEpsilon
	metrics.Fills.Add(1)

	switch o.State {
	case stPending, stUnknown:
		// 成交即隐式确认
		o.acked = true
		o.nextRetry = time.Time{}
		// 仍有撤单意图的订单由下一次 Diff/CancelAll 重新撤销
		if full {
			r.transition(o, stFilled, now, "")
		} else {
			r.transition(o, stPartial, now, "")
		}
	case stLive, stPartial:
		if full {
			r.transition(o, stFilled, now, "")
		} else {
			r.transition(o, stPartial, now, "")
		}
	case stCanceling:
		if full {
			r.transition(o, stFilled, now, "filled_while_cancelling")
		} else {
			o.prevState = stPartial
		}
	case stCancelled, stRejected:
		metrics.LateFills.Add(1)
		log.Warnf("终态订单的迟到成交，记账一次: %s order=%s state=%s size=%.8g", f.FillID, o.ClientID, o.State, size)
		r.journal.Record(journal.Entry{
			Time:     now,
			Kind:     journal.KindLateFill,
			ClientID: o.ClientID,
			From:     string(o.State),
			To:       string(o.State),
			Fields:   map[string]interface{}{"fill_id": f.FillID, "size": size, "price": f.Price},
		})
	}
	return f, true
}

// CheckTimeouts 检查请求超时：按指数退避重发（同一客户端 ID），重试耗尽进入 Unknown 并请求交易所查询。
// 同时清理超过保留期的终态订单。
func (r *Reconciler) CheckTimeouts(now time.Time) []Action {
	var actions []Action
	query := false

	for _, o := range r.sorted() {
		switch o.State {
		case stPending, stCanceling:
			if o.nextRetry.IsZero() {
				if now.Before(o.deadline) {
					continue
				}
				metrics.Timeouts.Add(1)
				if o.attempts >= r.cfg.MaxAttempts {
					r.toUnknown(o, now)
					query = true
					continue
				}
				o.nextRetry = now.Add(r.backoff(o.attempts))
				log.Warnf("%s 确认超时（第 %d 次），%s 后重试: %s", o.State, o.attempts, r.backoff(o.attempts), o.ClientID)
			}
			if now.Before(o.nextRetry) {
				continue
			}
			o.attempts++
			o.deadline = now.Add(r.cfg.AckTimeout)
			o.nextRetry = time.Time{}
			if o.State == stPending {
				actions = append(actions, submitAction(o))
			} else {
				actions = append(actions, cancelAction(o))
			}
		case stUnknown:
			if !now.Before(o.deadline) {
				o.deadline = now.Add(r.cfg.RetryBackoffMax + r.cfg.AckTimeout)
				query = true
			}
		default:
			if o.State.IsTerminal() && r.cfg.TerminalRetention > 0 && now.Sub(o.LastUpdate) > r.cfg.TerminalRetention {
				delete(r.orders, o.ClientID)
				if o.VenueID != "" {
					delete(r.byVenue, o.VenueID)
				}
			}
		}
	}
	if query {
		actions = append(actions, Action{Kind: ActionQueryOpenOrders})
	}
	return actions
}

func (r *Reconciler) toUnknown(o *tracked, now time.Time) {
	metrics.UnknownOrders.Add(1)
	if o.State == stCanceling {
		o.wantCancel = true
	}
	o.nextRetry = time.Time{}
	o.deadline = now.Add(r.cfg.RetryBackoffMax + r.cfg.AckTimeout)
	log.WithError(domain.ErrOrderActionTimeout).Errorf("重试耗尽，订单状态未知: %s（第 %d 次）", o.ClientID, o.attempts)
	r.transition(o, stUnknown, now, domain.ErrOrderActionTimeout.Error())
}

func (r *Reconciler) sorted() []*tracked {
	out := make([]*tracked, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CancelAll 撤销所有挂单；Pending 订单打上标记，确认后立即撤单
func (r *Reconciler) CancelAll(now time.Time, reason string) []Action {
	var actions []Action
	for _, o := range r.sorted() {
		switch {
		case o.State.IsResting():
			if a, ok := r.cancel(o, now, reason); ok {
				actions = append(actions, a)
			}
		case o.State == stPending:
			o.cancelReq = true
		case o.State == stUnknown:
			o.wantCancel = true
		}
	}
	return actions
}

// HasOpenOrders 是否还有未结束的订单
func (r *Reconciler) HasOpenOrders() bool {
	return r.ActiveCount() > 0
}

// ResolveWithVenue 用交易所挂单查询结果修正本地状态。
// Unknown：存在则恢复为挂单（有撤单意图则重新撤单），不存在则已确认过判 Cancelled、否则 Rejected。
// 本地挂单在交易所不存在且超过确认超时：可能已成交但回报未到，转 Unknown，
// fill_grace 内不下结论，期间成交回报照常推进到 Filled。交易所上本地不认识的挂单：撤销。
func (r *Reconciler) ResolveWithVenue(open []domain.VenueOrder, now time.Time) []Action {
	var actions []Action
	present := make(map[string]domain.VenueOrder, len(open))
	for _, vo := range open {
		if o := r.lookup(vo.ClientID, vo.VenueID); o != nil {
			present[o.ClientID] = vo
			continue
		}
		log.Warnf("交易所上的孤儿挂单，撤销: client=%s venue=%s %s %.8g@%.8g", vo.ClientID, vo.VenueID, vo.Side, vo.Size, vo.Price)
		actions = append(actions, Action{Kind: ActionCancel, ClientID: vo.ClientID, VenueID: vo.VenueID, Side: vo.Side, Attempt: 1})
	}

	for _, o := range r.sorted() {
		vo, ok := present[o.ClientID]
		switch o.State {
		case stUnknown:
			if !ok {
				if now.Before(o.graceUntil) {
					continue
				}
				if o.acked {
					r.transition(o, stCancelled, now, "absent_at_venue")
				} else {
					r.transition(o, stRejected, now, "absent_at_venue")
				}
				continue
			}
			r.setVenueID(o, vo.VenueID)
			o.acked = true
			o.graceUntil = time.Time{}
			resting := stLive
			if o.FilledSize > 0 || vo.FilledSize > 0 {
				resting = stPartial
			}
			r.transition(o, resting, now, "resolved")
			if o.wantCancel || o.cancelReq {
				if a, ok := r.cancel(o, now, "resolve_cancel"); ok {
					actions = append(actions, a)
				}
			}
		case stLive, stPartial:
			if !ok && now.Sub(o.LastUpdate) > r.cfg.AckTimeout {
				r.awaitFill(o, now)
			}
		case stCancelled, stRejected:
			if ok {
				actions = append(actions, Action{Kind: ActionCancel, ClientID: o.ClientID, VenueID: vo.VenueID, Side: o.Side, Attempt: 1})
			}
		}
	}
	return actions
}

// awaitFill 已确认挂单在交易所消失：转 Unknown，宽限期结束后 CheckTimeouts 再查一次
func (r *Reconciler) awaitFill(o *tracked, now time.Time) {
	metrics.UnknownOrders.Add(1)
	o.nextRetry = time.Time{}
	o.graceUntil = now.Add(r.cfg.FillGrace)
	o.deadline = o.graceUntil
	log.Warnf("挂单在交易所已不存在，等待成交回报 %s: %s venue=%s", r.cfg.FillGrace, o.ClientID, o.VenueID)
	r.transition(o, stUnknown, now, "absent_at_venue")
}
