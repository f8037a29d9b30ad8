package websocket

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/events"
	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/internal/ports"
	"github.com/betbot/perpmm/pkg/sigchan"
	"github.com/betbot/perpmm/pkg/syncgroup"
)

var log = logrus.WithField("component", "feed")

// FeedConfig 行情连接参数
type FeedConfig struct {
	URL                string
	Symbol             string
	Depth              int // 盘口档位：<=20 订阅 20 档频道，否则 150 档
	PingInterval       time.Duration
	StalenessThreshold time.Duration // 超过该时长无盘口则强制重连
	MinBackoff         time.Duration
	MaxBackoff         time.Duration
	HandshakeTimeout   time.Duration
}

// BookFeed 永续合约盘口/成交 WebSocket 客户端。
//
// 订阅深度（按档位选 step6/step0）与 trade.detail，消息 gzip 压缩；服务端 ping 需回 pong。
// 断线后指数退避重连（1s 起，翻倍到 30s），收到消息后退避重置。
// 行情以 TryPublish 投递，队列满时丢弃。
type BookFeed struct {
	cfg    FeedConfig
	sink   ports.EventSink
	dialer websocket.Dialer

	reconnect *sigchan.Chan
	lastBook  atomic.Int64 // 最近一帧盘口的本地时间，unix nano
	connected atomic.Bool
}

func NewBookFeed(cfg FeedConfig, sink ports.EventSink) *BookFeed {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	// 代理沿用 HTTP(S)_PROXY 环境变量
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment}
	return &BookFeed{
		cfg:       cfg,
		sink:      sink,
		dialer:    dialer,
		reconnect: sigchan.New(),
	}
}

// Reconnect 请求断开当前连接并重连
func (f *BookFeed) Reconnect() {
	f.reconnect.Emit()
}

// Connected 当前是否已连接
func (f *BookFeed) Connected() bool {
	return f.connected.Load()
}

// Run 连接并持续接收行情，直到 ctx 取消
func (f *BookFeed) Run(ctx context.Context) error {
	backoff := f.cfg.MinBackoff
	for {
		received, err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			backoff = f.cfg.MinBackoff
		}
		metrics.FeedReconnects.Add(1)
		reason := "closed"
		if err != nil {
			reason = err.Error()
		}
		f.status(false, reason)
		log.Warnf("行情连接断开: %s，%s 后重连", reason, backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			backoff = f.cfg.MaxBackoff
		}
	}
}

// session 一次连接的生命周期，返回期间是否收到过行情
func (f *BookFeed) session(ctx context.Context) (bool, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()

	if err := f.subscribe(conn); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	f.reconnect.Drain()
	f.touch()
	f.connected.Store(true)
	defer f.connected.Store(false)
	f.status(true, "")
	log.Infof("📡 行情已连接: %s %s", f.cfg.URL, f.cfg.Symbol)

	sessCtx, cancel := context.WithCancel(ctx)
	sg := syncgroup.NewSyncGroup()
	sg.Add(func() { f.closeOnSignal(sessCtx, conn) })
	sg.Add(func() { f.pingLoop(sessCtx, conn) })
	if f.cfg.StalenessThreshold > 0 {
		sg.Add(func() { f.watchdog(sessCtx) })
	}
	sg.Run()
	defer func() {
		cancel()
		sg.Wait()
	}()

	received := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		msg, err := decodeFrame(raw)
		if err != nil {
			log.Debugf("行情消息解析失败: %v", err)
			continue
		}
		if msg.Ping != 0 {
			if err := conn.WriteJSON(map[string]int64{"pong": msg.Ping}); err != nil {
				return received, fmt.Errorf("pong: %w", err)
			}
			continue
		}
		if msg.Status == "error" {
			log.Warnf("行情订阅错误: %s %s", msg.ErrCode, msg.ErrMsg)
			continue
		}
		for _, ev := range msg.Events(time.Now()) {
			received = true
			// 只有盘口推进看门狗：成交流活跃不代表深度订阅正常
			if _, ok := ev.(events.BookUpdate); ok {
				f.touch()
			}
			if !f.sink.TryPublish(ev) {
				metrics.DroppedMarket.Add(1)
			}
		}
	}
}

func (f *BookFeed) subscribe(conn *websocket.Conn) error {
	sym := strings.ToUpper(f.cfg.Symbol)
	for _, topic := range []string{
		depthTopic(sym, f.cfg.Depth),
		fmt.Sprintf("market.%s.trade.detail", sym),
	} {
		if err := conn.WriteJSON(map[string]string{"sub": topic, "id": topic}); err != nil {
			return err
		}
	}
	return nil
}

// depthTopic step6 为 20 档不合并深度，step0 为 150 档
func depthTopic(sym string, depth int) string {
	if depth > 0 && depth <= 20 {
		return fmt.Sprintf("market.%s.depth.step6", sym)
	}
	return fmt.Sprintf("market.%s.depth.step0", sym)
}

// closeOnSignal 收到重连信号或会话结束时关闭连接，打断阻塞的 ReadMessage
func (f *BookFeed) closeOnSignal(ctx context.Context, conn *websocket.Conn) {
	select {
	case <-ctx.Done():
	case <-f.reconnect.C():
		log.Warnf("收到重连信号，断开行情连接")
	}
	_ = conn.Close()
}

func (f *BookFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debugf("发送 PING 失败: %v", err)
				f.Reconnect()
				return
			}
		}
	}
}

// watchdog 长时间没有盘口（心跳与成交不算）时强制重连
func (f *BookFeed) watchdog(ctx context.Context) {
	interval := f.cfg.StalenessThreshold / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, f.lastBook.Load()))
			if idle > f.cfg.StalenessThreshold {
				log.Warnf("盘口 %s 无更新，强制重连", idle.Truncate(time.Millisecond))
				f.Reconnect()
				return
			}
		}
	}
}

func (f *BookFeed) touch() {
	f.lastBook.Store(time.Now().UnixNano())
}

func (f *BookFeed) status(connected bool, reason string) {
	f.sink.TryPublish(events.FeedStatus{Connected: connected, Reason: reason, Timestamp: time.Now()})
}
