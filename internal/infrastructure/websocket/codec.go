package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/betbot/perpmm/internal/events"
)

// frame 交易所推送的一帧
type frame struct {
	Ping    int64           `json:"ping"`
	Ch      string          `json:"ch"`
	Ts      int64           `json:"ts"`
	Status  string          `json:"status"`
	ErrCode string          `json:"err-code"`
	ErrMsg  string          `json:"err-msg"`
	Tick    json.RawMessage `json:"tick"`
}

type depthTick struct {
	Bids [][]float64 `json:"bids"`
	Asks [][]float64 `json:"asks"`
	// bbo 频道
	Bid []float64 `json:"bid"`
	Ask []float64 `json:"ask"`
	Ts  int64     `json:"ts"`
}

type tradeTick struct {
	Data []struct {
		Price  float64 `json:"price"`
		Amount float64 `json:"amount"`
		Ts     int64   `json:"ts"`
	} `json:"data"`
}

var gzipMagic = []byte{0x1f, 0x8b}

// decodeFrame 解压（如有）并解析一帧
func decodeFrame(raw []byte) (frame, error) {
	var f frame
	if bytes.HasPrefix(raw, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return f, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return f, fmt.Errorf("gzip: %w", err)
		}
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, err
	}
	return f, nil
}

// Events 把行情帧转换为事件；非行情帧返回 nil。
// 时间戳用本地接收时间，陈旧判断不受交易所时钟偏差影响。
func (f frame) Events(now time.Time) []events.Event {
	if len(f.Tick) == 0 || f.Ch == "" {
		return nil
	}
	switch {
	case strings.HasSuffix(f.Ch, ".bbo") || strings.Contains(f.Ch, ".depth."):
		var t depthTick
		if err := json.Unmarshal(f.Tick, &t); err != nil {
			log.Debugf("盘口解析失败: %v", err)
			return nil
		}
		bid, ask := t.Bid, t.Ask
		if len(t.Bids) > 0 {
			bid = t.Bids[0]
		}
		if len(t.Asks) > 0 {
			ask = t.Asks[0]
		}
		// 缺任一边的盘口不投递
		if len(bid) == 0 || len(ask) == 0 {
			return nil
		}
		return []events.Event{events.BookUpdate{BestBid: bid[0], BestAsk: ask[0], Timestamp: now}}
	case strings.HasSuffix(f.Ch, ".trade.detail"):
		var t tradeTick
		if err := json.Unmarshal(f.Tick, &t); err != nil {
			log.Debugf("成交解析失败: %v", err)
			return nil
		}
		out := make([]events.Event, 0, len(t.Data))
		for _, d := range t.Data {
			out = append(out, events.Trade{Price: d.Price, Size: d.Amount, Timestamp: now})
		}
		return out
	}
	return nil
}
