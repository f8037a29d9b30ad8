package quote

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpmm/internal/domain"
)

// Params AS2008 模型与报价后处理参数
type Params struct {
	Gamma float64
	Sigma float64
	Kappa float64
	Delta float64
	Alpha float64

	MinSpread float64 // 单边距中间价最小距离（中间价比例）
	MaxSpread float64 // 单边距中间价最大距离（中间价比例）

	OrderSize       float64
	InventoryTarget float64
	InventoryRange  float64

	PricePrecision int32
	SizePrecision  int32
	LotSize        float64 // 数量最小单位（每张合约的币数量），0 表示不限

	UseEWMA       bool // 使用行情快照中的 EWMA 波动率
	VolMinSamples int

	// RebalanceThreshold 库存偏离超过 threshold*inventory_range 时只挂减仓单，0 关闭
	RebalanceThreshold float64
}

// Result 一次报价计算的完整结果
type Result struct {
	Sigma       float64
	Reservation float64
	HalfSpread  float64
	RawBid      float64
	RawAsk      float64
	Quotes      []domain.Quote // 0~2 个，数量为 0 的一侧省略
	Rebalancing bool           // 再平衡模式：只有一侧减仓报价
}

// Bid 买侧报价
func (r Result) Bid() (domain.Quote, bool) {
	return r.side(domain.SideBuy)
}

// Ask 卖侧报价
func (r Result) Ask() (domain.Quote, bool) {
	return r.side(domain.SideSell)
}

func (r Result) side(s domain.Side) (domain.Quote, bool) {
	for _, q := range r.Quotes {
		if q.Side == s {
			return q, true
		}
	}
	return domain.Quote{}, false
}

// Engine 纯函数报价引擎，无内部状态
type Engine struct {
	p Params
}

func NewEngine(p Params) *Engine {
	return &Engine{p: p}
}

// Params 返回引擎参数
func (e *Engine) Params() Params {
	return e.p
}

// sigmaFor 配置 sigma，或预热完成后的 EWMA 估计（对数收益波动率折算为价格单位）
func (e *Engine) sigmaFor(snap domain.MarketSnapshot) float64 {
	if e.p.UseEWMA && snap.Samples >= e.p.VolMinSamples && snap.Volatility > 0 {
		return snap.Volatility * snap.Mid
	}
	return e.p.Sigma
}

// Model 只计算保留价与最优半价差
func (e *Engine) Model(mid, q, sigma float64) (reservation, halfSpread float64) {
	g := e.p.Gamma
	risk := g * sigma * sigma * e.p.Delta
	reservation = mid - q*risk
	halfSpread = risk/2 + (1/g)*math.Log(1+g/e.p.Kappa)
	return reservation, halfSpread
}

// Compute 根据快照与当前净持仓计算目标报价。行情过期返回 ErrMarketDataFault。
func (e *Engine) Compute(snap domain.MarketSnapshot, q float64) (Result, error) {
	if !snap.Valid() {
		return Result{}, fmt.Errorf("%w: stale=%v mid=%v bid=%v ask=%v",
			domain.ErrMarketDataFault, snap.Stale, snap.Mid, snap.BestBid, snap.BestAsk)
	}
	mid := snap.Mid
	sigma := e.sigmaFor(snap)
	reservation, half := e.Model(mid, q, sigma)
	res := Result{
		Sigma:       sigma,
		Reservation: reservation,
		HalfSpread:  half,
		RawBid:      reservation - half,
		RawAsk:      reservation + half,
	}

	minD, maxD := e.p.MinSpread*mid, e.p.MaxSpread*mid
	bidDist := clamp(mid-res.RawBid, minD, maxD)
	askDist := clamp(res.RawAsk-mid, minD, maxD)

	// 买价向下取整、卖价向上取整：不比模型更激进
	bid := toDecimal(mid - bidDist).RoundFloor(e.p.PricePrecision)
	ask := toDecimal(mid + askDist).RoundCeil(e.p.PricePrecision)
	if !ask.GreaterThan(bid) {
		ask = bid.Add(decimal.New(1, -e.p.PricePrecision))
	}

	if e.Rebalancing(q) {
		res.Rebalancing = true
		if rq, ok := e.rebalanceQuote(q, bid, ask); ok {
			res.Quotes = append(res.Quotes, rq)
		}
		return res, nil
	}

	bidSize, askSize := e.Sizes(q)
	if bidSize > 0 && bid.IsPositive() {
		res.Quotes = append(res.Quotes, domain.Quote{Side: domain.SideBuy, Price: bid.InexactFloat64(), Size: bidSize})
	}
	if askSize > 0 {
		res.Quotes = append(res.Quotes, domain.Quote{Side: domain.SideSell, Price: ask.InexactFloat64(), Size: askSize})
	}
	return res, nil
}

// Sizes 按库存偏离倾斜数量，再截断到剩余额度，最后按数量精度与合约面值向下取整
func (e *Engine) Sizes(q float64) (bid, ask float64) {
	base := e.p.OrderSize
	ratio := 0.0
	if e.p.InventoryRange > 0 {
		ratio = (q - e.p.InventoryTarget) / e.p.InventoryRange
	}
	bid = clamp(base*(1-e.p.Alpha*ratio), 0, base)
	ask = clamp(base*(1+e.p.Alpha*ratio), 0, base)

	buyRoom := math.Max(0, e.p.InventoryTarget+e.p.InventoryRange-q)
	sellRoom := math.Max(0, q-(e.p.InventoryTarget-e.p.InventoryRange))
	bid = math.Min(bid, buyRoom)
	ask = math.Min(ask, sellRoom)

	return e.floorSize(bid), e.floorSize(ask)
}

// Rebalancing 库存偏离是否超过再平衡阈值
func (e *Engine) Rebalancing(q float64) bool {
	if e.p.RebalanceThreshold <= 0 || e.p.InventoryRange <= 0 {
		return false
	}
	return math.Abs(q-e.p.InventoryTarget) > e.p.RebalanceThreshold*e.p.InventoryRange
}

// rebalanceQuote 朝目标库存方向的只减仓报价，价格沿用模型报价，数量取 order_size 的整数倍（不足一手时取偏离量）
func (e *Engine) rebalanceQuote(q float64, bid, ask decimal.Decimal) (domain.Quote, bool) {
	dev := q - e.p.InventoryTarget
	abs := toDecimal(math.Abs(dev))
	size := abs
	if e.p.OrderSize > 0 {
		lot := toDecimal(e.p.OrderSize)
		if lots := abs.Div(lot).Floor(); lots.IsPositive() {
			size = lots.Mul(lot)
		}
	}
	qty := e.floorSize(size.InexactFloat64())
	if qty <= 0 {
		return domain.Quote{}, false
	}
	if dev > 0 {
		return domain.Quote{Side: domain.SideSell, Price: ask.InexactFloat64(), Size: qty, ReduceOnly: true}, true
	}
	if !bid.IsPositive() {
		return domain.Quote{}, false
	}
	return domain.Quote{Side: domain.SideBuy, Price: bid.InexactFloat64(), Size: qty, ReduceOnly: true}, true
}

func (e *Engine) floorSize(v float64) float64 {
	if v <= 0 {
		return 0
	}
	d := toDecimal(v).RoundFloor(e.p.SizePrecision)
	if e.p.LotSize > 0 {
		lot := toDecimal(e.p.LotSize)
		d = d.Div(lot).Floor().Mul(lot)
	}
	return d.InexactFloat64()
}

// toDecimal 先消除二进制浮点尾差（如 0.009999999999999998），再做方向性取整
func toDecimal(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(10)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
