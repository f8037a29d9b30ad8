package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/controlplane"
	"github.com/betbot/perpmm/internal/events"
	"github.com/betbot/perpmm/internal/execution"
	"github.com/betbot/perpmm/internal/infrastructure/htx"
	"github.com/betbot/perpmm/internal/infrastructure/sim"
	"github.com/betbot/perpmm/internal/infrastructure/websocket"
	"github.com/betbot/perpmm/internal/journal"
	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/internal/ports"
	"github.com/betbot/perpmm/internal/risk"
	"github.com/betbot/perpmm/internal/strategy"
	"github.com/betbot/perpmm/pkg/config"
	"github.com/betbot/perpmm/pkg/logger"
	"github.com/betbot/perpmm/pkg/persistence"
	"github.com/betbot/perpmm/pkg/shutdown"
	"github.com/betbot/perpmm/pkg/syncgroup"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envFile := flag.String("env", ".env", "环境变量文件（不存在则忽略）")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Warnf("加载 %s 失败: %v", *envFile, err)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		logrus.Errorf("初始化日志失败: %v", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logrus.Errorf("❌ 做市器异常退出: %v", err)
		os.Exit(1)
	}
	logrus.Info("✅ 做市器已退出")
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go rotateOnHUP(ctx)

	sd := shutdown.NewManager()
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, err := range sd.Shutdown(sdCtx) {
			logrus.WithError(err).Warn("关闭回调失败")
		}
	}()
	sd.OnShutdown("logger", func(context.Context) error { return logger.Close() })

	jr, err := openJournal(cfg)
	if err != nil {
		return err
	}
	sd.OnShutdown("journal", func(context.Context) error { return jr.Close() })

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	sd.OnShutdown("state", func(context.Context) error { return closeStore() })

	queue := events.NewQueue(cfg.QueueCapacity)
	breaker := risk.NewCircuitBreaker(cfg.MaxGatewayErrors)

	// 后台组件在主循环退出（含致命停机）之后才停止，停止时的撤单仍可送达
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	var (
		gw          execution.Gateway
		feedSink    ports.EventSink = queue
		newClientID func() string
		background  []func(context.Context) error
	)
	if cfg.DryRun {
		paper := execution.NewPaperGateway(bgCtx, queue)
		gw, feedSink = paper, paper
		logrus.Warn("⚠️ DRY RUN：使用本地模拟撮合，不会向交易所下单")
	} else {
		client, err := htx.NewClient(cfg.Venue.BaseURL, htx.NewHMACSigner(cfg.Venue.APIKey, cfg.Venue.SecretKey), cfg.Gateway.RequestTimeout.D())
		if err != nil {
			return err
		}
		live := htx.NewGateway(client, htx.GatewayConfig{
			Symbol:         cfg.Symbol,
			ContractSize:   cfg.Venue.ContractSize,
			LeverRate:      cfg.Venue.LeverRate,
			PricePrecision: int32(cfg.PricePrecision),
		})
		if err := checkVenue(ctx, live, cfg.Gateway.RequestTimeout.D()); err != nil {
			return err
		}
		gw, newClientID = live, live.NewClientID
		background = append(background, htx.NewFillPoller(live, queue, cfg.Venue.FillPollInterval.D()).Run)
	}

	if cfg.Feed.URL != "" {
		feed := websocket.NewBookFeed(websocket.FeedConfig{
			URL:                cfg.Feed.URL,
			Symbol:             cfg.Symbol,
			Depth:              cfg.OrderBookDepth,
			PingInterval:       cfg.Feed.PingInterval.D(),
			StalenessThreshold: cfg.StalenessThreshold.D(),
		}, feedSink)
		background = append(background, feed.Run)
	} else {
		feed := sim.NewFeed(sim.Config{
			Mid:      cfg.Feed.SimMid,
			Vol:      cfg.Feed.SimVol,
			Interval: cfg.Feed.SimInterval.D(),
		}, feedSink)
		background = append(background, feed.Run)
	}

	dispatcher := execution.NewDispatcher(execution.DispatcherConfig{
		Workers:            cfg.Gateway.Workers,
		QueueSize:          cfg.Gateway.QueueSize,
		RequestTimeout:     cfg.Gateway.RequestTimeout.D(),
		RateLimitPerSecond: cfg.Gateway.RateLimitPerSecond,
		Burst:              cfg.Gateway.Burst,
		PostOnly:           true,
		IsTransient:        cfg.IsTransientReject,
	}, gw, queue, breaker)

	loop := strategy.New(cfg, strategy.Deps{
		Queue:       queue,
		Executor:    dispatcher,
		Breaker:     breaker,
		Journal:     jr,
		Store:       store,
		NewClientID: newClientID,
	})
	if err := loop.Restore(); err != nil {
		return fmt.Errorf("恢复持仓快照失败: %w", err)
	}

	if cfg.ControlAddr != "" {
		cp := controlplane.New(controlplane.Config{
			Status:  statusFunc(loop),
			Sink:    queue,
			Breaker: breaker,
			Token:   cfg.ControlToken,
		})
		if _, err := cp.Start(ctx, cfg.ControlAddr); err != nil {
			logrus.WithError(err).Warnf("控制面启动失败: %s", cfg.ControlAddr)
		} else {
			logrus.Infof("控制面: http://%s/api/status", cfg.ControlAddr)
		}
	}
	if cfg.DebugAddr != "" {
		if _, err := metrics.StartAsync(ctx, cfg.DebugAddr, statusFunc(loop)); err != nil {
			logrus.WithError(err).Warnf("debug 服务启动失败: %s", cfg.DebugAddr)
		} else {
			logrus.Infof("debug 服务: http://%s/status", cfg.DebugAddr)
		}
	}

	dispatcher.Start(bgCtx)
	sg := syncgroup.NewSyncGroup()
	for _, fn := range background {
		sg.Add(func() {
			if err := fn(bgCtx); err != nil {
				logrus.WithError(err).Warn("后台组件退出")
			}
		})
	}
	sg.Run()
	sd.OnShutdown("background", func(context.Context) error {
		bgCancel()
		dispatcher.Wait()
		sg.Wait()
		return nil
	})

	return loop.Run(ctx)
}

func openJournal(cfg config.Config) (journal.Journal, error) {
	var sinks journal.Multi
	if cfg.Journal.File != "" {
		ls, err := journal.NewLogSink(cfg.Journal.File, nil)
		if err != nil {
			return nil, fmt.Errorf("打开状态日志失败: %w", err)
		}
		sinks = append(sinks, ls)
	}
	if cfg.Journal.SQLitePath != "" {
		db, err := journal.OpenSQLite(cfg.Journal.SQLitePath, 1024)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("打开 SQLite 状态日志失败: %w", err)
		}
		sinks = append(sinks, db)
	}
	return sinks, nil
}

// checkVenue 启动前校验密钥与连通性
func checkVenue(ctx context.Context, gw execution.Gateway, timeout time.Duration) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pos, err := gw.QueryPosition(callCtx)
	if err != nil {
		return fmt.Errorf("交易所连接校验失败: %w", err)
	}
	logrus.Infof("交易所连接正常，当前持仓 net=%.8g entry=%.8g", pos.NetSize, pos.EntryPrice)
	return nil
}

// openStore StateDir 为空时不持久化
func openStore(cfg config.Config) (persistence.Store, func() error, error) {
	if cfg.StateDir == "" {
		return nil, func() error { return nil }, nil
	}
	if cfg.StateBackend == config.StateBackendJSON {
		svc := persistence.NewJSONFileService(cfg.StateDir)
		return svc.NewStore("perpmm", cfg.Symbol, "ledger"), svc.Close, nil
	}
	key, err := persistence.ParseKey(cfg.StateKey)
	if err != nil {
		return nil, nil, err
	}
	svc, err := persistence.OpenBadger(persistence.BadgerOptions{Path: cfg.StateDir, EncryptionKey: key})
	if err != nil {
		return nil, nil, err
	}
	return svc.NewStore("perpmm", cfg.Symbol, "ledger"), svc.Close, nil
}

// statusFunc 只读取并发安全的数据（行情快照与 expvar 指标）
func statusFunc(loop *strategy.Loop) metrics.StatusFunc {
	return func() any {
		snap := loop.Snapshot()
		return map[string]any{
			"best_bid":       snap.BestBid,
			"best_ask":       snap.BestAsk,
			"mid":            snap.Mid,
			"stale":          snap.Stale,
			"paused":         loop.Paused(),
			"net_position":   metrics.NetPosition.Value(),
			"realized_pnl":   metrics.RealizedPnL.Value(),
			"fills":          metrics.Fills.Value(),
			"risk_breaches":  metrics.Breaches.Value(),
			"gateway_errors": metrics.GatewayErrors.Value(),
		}
	}
}

func rotateOnHUP(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := logger.Rotate(); err != nil {
				logrus.WithError(err).Warn("日志轮转失败")
			}
		}
	}
}
