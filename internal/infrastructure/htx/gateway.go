package htx

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpmm/internal/domain"
	"github.com/betbot/perpmm/internal/ports"
)

const (
	pathOrder        = "/linear-swap-api/v1/swap_order"
	pathCancel       = "/linear-swap-api/v1/swap_cancel"
	pathPositionInfo = "/linear-swap-api/v1/swap_position_info"
	pathOpenOrders   = "/linear-swap-api/v1/swap_openorders"
	pathMatchResults = "/linear-swap-api/v1/swap_matchresults"

	openOrdersPageSize = 50
	maxOpenOrderPages  = 20
)

// GatewayConfig 合约参数
type GatewayConfig struct {
	Symbol         string
	ContractSize   float64 // 每张合约对应的币数量
	LeverRate      int
	PricePrecision int32
}

// Gateway U 本位永续合约交易网关（单向持仓模式，offset=both）。
//
// 内部数量单位是币，交易所单位是张，按 ContractSize 换算；不足一张的数量拒绝下单。
// 客户端订单 ID 必须是正整数，由 NewClientID 生成。
type Gateway struct {
	c   *Client
	cfg GatewayConfig
	seq atomic.Int64
}

func NewGateway(c *Client, cfg GatewayConfig) *Gateway {
	cfg.Symbol = strings.ToUpper(cfg.Symbol)
	g := &Gateway{c: c, cfg: cfg}
	// 毫秒时间戳 * 1000 起步，重启后仍单调递增
	g.seq.Store(time.Now().UnixMilli() * 1000)
	return g
}

// NewClientID 生成数字客户端订单 ID
func (g *Gateway) NewClientID() string {
	return strconv.FormatInt(g.seq.Add(1), 10)
}

type orderData struct {
	OrderID       int64  `json:"order_id"`
	OrderIDStr    string `json:"order_id_str"`
	ClientOrderID int64  `json:"client_order_id"`
}

func (g *Gateway) SubmitOrder(ctx context.Context, req ports.SubmitRequest) (ports.SubmitAck, error) {
	cid, err := parseClientID(req.ClientID)
	if err != nil {
		return ports.SubmitAck{}, err
	}
	if !req.Side.Valid() || req.Price <= 0 {
		return ports.SubmitAck{}, domain.NewVenueReject(RejectInvalidOrder, "bad side/price", false)
	}
	volume := g.contracts(req.Size)
	if volume < 1 {
		return ports.SubmitAck{}, domain.NewVenueReject(RejectBelowContract, "size below one contract", false)
	}
	priceType := "limit"
	if req.PostOnly {
		priceType = "post_only"
	}
	body := map[string]any{
		"contract_code":    g.cfg.Symbol,
		"client_order_id":  cid,
		"price":            decimal.NewFromFloat(req.Price).Round(g.cfg.PricePrecision).InexactFloat64(),
		"volume":           volume,
		"direction":        string(req.Side),
		"offset":           "both",
		"lever_rate":       g.cfg.LeverRate,
		"order_price_type": priceType,
	}
	if req.ReduceOnly {
		body["reduce_only"] = 1
	}
	var data orderData
	if err := g.c.Post(ctx, pathOrder, body, &data); err != nil {
		return ports.SubmitAck{}, err
	}
	vid := data.OrderIDStr
	if vid == "" && data.OrderID != 0 {
		vid = strconv.FormatInt(data.OrderID, 10)
	}
	return ports.SubmitAck{ClientID: req.ClientID, VenueID: vid, Timestamp: time.Now()}, nil
}

type cancelData struct {
	Errors []struct {
		OrderID string `json:"order_id"`
		ErrCode int    `json:"err_code"`
		ErrMsg  string `json:"err_msg"`
	} `json:"errors"`
	Successes string `json:"successes"`
}

// CancelOrder 优先按交易所订单 ID 撤单，没有时按客户端 ID
func (g *Gateway) CancelOrder(ctx context.Context, req ports.CancelRequest) error {
	body := map[string]any{"contract_code": g.cfg.Symbol}
	if req.VenueID != "" {
		body["order_id"] = req.VenueID
	} else {
		cid, err := parseClientID(req.ClientID)
		if err != nil {
			return err
		}
		body["client_order_id"] = cid
	}
	var data cancelData
	if err := g.c.Post(ctx, pathCancel, body, &data); err != nil {
		return err
	}
	if len(data.Errors) > 0 {
		e := data.Errors[0]
		return rejectFromCode(e.ErrCode, e.ErrMsg)
	}
	return nil
}

type positionData struct {
	Volume    float64 `json:"volume"`
	Direction string  `json:"direction"`
	CostOpen  float64 `json:"cost_open"`
}

// QueryPosition 净持仓（币）；多空同时存在时入场价取较大一边
func (g *Gateway) QueryPosition(ctx context.Context) (domain.PositionReport, error) {
	var data []positionData
	body := map[string]any{"contract_code": g.cfg.Symbol}
	if err := g.c.Post(ctx, pathPositionInfo, body, &data); err != nil {
		return domain.PositionReport{}, err
	}
	var net, entry, largest float64
	for _, p := range data {
		size := p.Volume * g.cfg.ContractSize
		switch domain.Side(p.Direction) {
		case domain.SideBuy:
			net += size
		case domain.SideSell:
			net -= size
		default:
			continue
		}
		if size > largest {
			largest, entry = size, p.CostOpen
		}
	}
	return domain.PositionReport{NetSize: g.round(net), EntryPrice: entry, Timestamp: time.Now()}, nil
}

type openOrdersData struct {
	Orders []struct {
		OrderIDStr    string  `json:"order_id_str"`
		ClientOrderID int64   `json:"client_order_id"`
		Direction     string  `json:"direction"`
		Price         float64 `json:"price"`
		Volume        float64 `json:"volume"`
		TradeVolume   float64 `json:"trade_volume"`
	} `json:"orders"`
	TotalPage   int `json:"total_page"`
	CurrentPage int `json:"current_page"`
}

// QueryOpenOrders 分页拉取全部当前挂单
func (g *Gateway) QueryOpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	var out []domain.VenueOrder
	for page := 1; page <= maxOpenOrderPages; page++ {
		var data openOrdersData
		body := map[string]any{
			"contract_code": g.cfg.Symbol,
			"page_index":    page,
			"page_size":     openOrdersPageSize,
		}
		if err := g.c.Post(ctx, pathOpenOrders, body, &data); err != nil {
			return nil, err
		}
		for _, o := range data.Orders {
			vo := domain.VenueOrder{
				VenueID:    o.OrderIDStr,
				Side:       domain.Side(o.Direction),
				Price:      o.Price,
				Size:       g.round(o.Volume * g.cfg.ContractSize),
				FilledSize: g.round(o.TradeVolume * g.cfg.ContractSize),
			}
			if o.ClientOrderID > 0 {
				vo.ClientID = strconv.FormatInt(o.ClientOrderID, 10)
			}
			out = append(out, vo)
		}
		if data.CurrentPage >= data.TotalPage {
			break
		}
	}
	return out, nil
}

type matchResultsData struct {
	Trades []struct {
		ID          string  `json:"id"`
		MatchID     int64   `json:"match_id"`
		OrderIDStr  string  `json:"order_id_str"`
		Direction   string  `json:"direction"`
		TradeVolume float64 `json:"trade_volume"`
		TradePrice  float64 `json:"trade_price"`
		CreateDate  int64   `json:"create_date"`
	} `json:"trades"`
}

// QueryFills 最近的成交记录（一页，按交易所返回顺序）
func (g *Gateway) QueryFills(ctx context.Context) ([]domain.Fill, error) {
	var data matchResultsData
	body := map[string]any{
		"contract_code": g.cfg.Symbol,
		"trade_type":    0,
		"create_date":   1,
		"page_index":    1,
		"page_size":     openOrdersPageSize,
	}
	if err := g.c.Post(ctx, pathMatchResults, body, &data); err != nil {
		return nil, err
	}
	fills := make([]domain.Fill, 0, len(data.Trades))
	for _, t := range data.Trades {
		id := t.ID
		if id == "" {
			id = strconv.FormatInt(t.MatchID, 10) + "-" + t.OrderIDStr
		}
		fills = append(fills, domain.Fill{
			FillID:    id,
			VenueID:   t.OrderIDStr,
			Side:      domain.Side(t.Direction),
			Price:     t.TradePrice,
			Size:      g.round(t.TradeVolume * g.cfg.ContractSize),
			Timestamp: time.UnixMilli(t.CreateDate),
		})
	}
	return fills, nil
}

// contracts 币数量换算为整数张数（向下取整）
func (g *Gateway) contracts(size float64) int64 {
	if g.cfg.ContractSize <= 0 || size <= 0 {
		return 0
	}
	return decimal.NewFromFloat(size).Div(decimal.NewFromFloat(g.cfg.ContractSize)).Floor().IntPart()
}

// round 消除张数换算带来的浮点尾差
func (g *Gateway) round(v float64) float64 {
	return math.Round(v*1e12) / 1e12
}

func parseClientID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, domain.NewVenueReject(RejectInvalidOrder, "client order id must be a positive integer: "+id, false)
	}
	return n, nil
}
