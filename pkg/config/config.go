package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 持仓快照存储后端
const (
	StateBackendBadger = "badger"
	StateBackendJSON   = "json"
)

// 波动率来源
const (
	SigmaSourceStatic = "static" // 使用配置中的 sigma
	SigmaSourceEWMA   = "ewma"   // 使用行情快照中的 EWMA 估计（预热完成后）
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"` // 天
	Compress   bool   `yaml:"compress" json:"compress"`
}

// JournalConfig 状态迁移日志配置
type JournalConfig struct {
	File       string `yaml:"file" json:"file"`               // JSON 行日志（lumberjack 轮转）
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"` // 可选：SQLite 可查询副本
}

// GatewayConfig 交易网关调度配置
type GatewayConfig struct {
	RateLimitPerSecond int      `yaml:"rate_limit_per_second" json:"rate_limit_per_second"`
	Burst              int      `yaml:"burst" json:"burst"`
	Workers            int      `yaml:"workers" json:"workers"`
	QueueSize          int      `yaml:"queue_size" json:"queue_size"`
	RequestTimeout     Duration `yaml:"request_timeout" json:"request_timeout"`
}

// FeedConfig 行情 WebSocket 配置。URL 为空且 dry_run 时使用本地模拟行情。
type FeedConfig struct {
	URL          string   `yaml:"url" json:"url"`
	PingInterval Duration `yaml:"ping_interval" json:"ping_interval"`
	// 模拟行情参数（仅 dry_run 且无 URL 时使用）
	SimMid      float64  `yaml:"sim_mid" json:"sim_mid"`
	SimVol      float64  `yaml:"sim_vol" json:"sim_vol"` // 每次跳动的对数收益标准差
	SimInterval Duration `yaml:"sim_interval" json:"sim_interval"`
}

// VenueConfig 交易所 REST 配置。密钥只从环境变量读取，不写进配置文件。
type VenueConfig struct {
	BaseURL          string   `yaml:"base_url" json:"base_url"`
	APIKey           string   `yaml:"-" json:"-"`
	SecretKey        string   `yaml:"-" json:"-"`
	ContractSize     float64  `yaml:"contract_size" json:"contract_size"` // 每张合约对应的币数量
	LeverRate        int      `yaml:"lever_rate" json:"lever_rate"`
	FillPollInterval Duration `yaml:"fill_poll_interval" json:"fill_poll_interval"`
}

// Config 做市引擎配置，启动时加载一次，进程生命周期内只读。
type Config struct {
	Symbol string `yaml:"symbol" json:"symbol"`
	DryRun bool   `yaml:"dry_run" json:"dry_run"` // 纸交易模式：使用本地模拟撮合

	// ====== 报价与库存 ======
	OrderUpdateInterval Duration `yaml:"order_update_interval" json:"order_update_interval"`
	MaxPosition         float64  `yaml:"max_position" json:"max_position"`
	MinSpread           float64  `yaml:"min_spread" json:"min_spread"` // 单边距中间价的最小距离（中间价比例）
	MaxSpread           float64  `yaml:"max_spread" json:"max_spread"` // 单边距中间价的最大距离（中间价比例）
	OrderSize           float64  `yaml:"order_size" json:"order_size"`
	InventoryTarget     float64  `yaml:"inventory_target" json:"inventory_target"`
	InventoryRange      float64  `yaml:"inventory_range" json:"inventory_range"`
	RebalanceThreshold  float64  `yaml:"rebalance_threshold" json:"rebalance_threshold"` // 0 关闭再平衡
	RiskLimit           float64  `yaml:"risk_limit" json:"risk_limit"` // 最坏成交后持仓上限
	MaxOrders           int      `yaml:"max_orders" json:"max_orders"`
	OrderBookDepth      int      `yaml:"order_book_depth" json:"order_book_depth"`
	PricePrecision      int      `yaml:"price_precision" json:"price_precision"`
	SizePrecision       int      `yaml:"size_precision" json:"size_precision"`

	// ====== AS2008 模型参数 ======
	Kappa float64 `yaml:"kappa" json:"kappa"` // 订单到达强度
	Alpha float64 `yaml:"alpha" json:"alpha"` // 库存倾斜缩放（作用于单边数量）
	Gamma float64 `yaml:"gamma" json:"gamma"` // 风险厌恶
	Sigma float64 `yaml:"sigma" json:"sigma"` // 波动率
	Delta float64 `yaml:"delta" json:"delta"` // 时间窗口

	// ====== 行情 ======
	SigmaSource        string   `yaml:"sigma_source" json:"sigma_source"`
	VolHalfLife        Duration `yaml:"vol_half_life" json:"vol_half_life"`
	VolMinSamples      int      `yaml:"vol_min_samples" json:"vol_min_samples"`
	StalenessThreshold Duration `yaml:"staleness_threshold" json:"staleness_threshold"`

	// ====== 订单对账 ======
	RequoteTolerance     float64  `yaml:"requote_tolerance" json:"requote_tolerance"` // 价格偏离比例超过该值才撤改
	AckTimeout           Duration `yaml:"ack_timeout" json:"ack_timeout"`
	MaxAttempts          int      `yaml:"max_attempts" json:"max_attempts"`
	RetryBackoff         Duration `yaml:"retry_backoff" json:"retry_backoff"`
	RetryBackoffMax      Duration `yaml:"retry_backoff_max" json:"retry_backoff_max"`
	ExpiryCheckInterval  Duration `yaml:"expiry_check_interval" json:"expiry_check_interval"`
	RejectCooldown       Duration `yaml:"reject_cooldown" json:"reject_cooldown"`
	TransientRejectCodes []string `yaml:"transient_reject_codes" json:"transient_reject_codes"`
	TerminalRetention    Duration `yaml:"terminal_retention" json:"terminal_retention"`

	// ====== 交易所对账 ======
	ReconcileInterval Duration `yaml:"reconcile_interval" json:"reconcile_interval"`
	DriftTolerance    float64  `yaml:"drift_tolerance" json:"drift_tolerance"`

	// ====== 运行时 ======
	MaxGatewayErrors int    `yaml:"max_gateway_errors" json:"max_gateway_errors"` // 连续网关错误上限（致命）
	QueueCapacity    int    `yaml:"queue_capacity" json:"queue_capacity"`
	StateDir         string `yaml:"state_dir" json:"state_dir"`         // 持久化目录（为空则不持久化）
	StateBackend     string `yaml:"state_backend" json:"state_backend"` // badger（默认）或 json
	StateKey         string `yaml:"-" json:"-"`                         // 可选：32 字节 hex 加密密钥，只从环境变量读取

	DebugAddr    string `yaml:"debug_addr" json:"debug_addr"`     // expvar/pprof/status 监听地址，为空不启动
	ControlAddr  string `yaml:"control_addr" json:"control_addr"` // HTTP 控制面（暂停/恢复/停机），为空不启动
	ControlToken string `yaml:"-" json:"-"`                       // 控制面写操作的 Bearer token

	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`
	Feed    FeedConfig    `yaml:"feed" json:"feed"`
	Venue   VenueConfig   `yaml:"venue" json:"venue"`
	Log     LogConfig     `yaml:"log" json:"log"`
	Journal JournalConfig `yaml:"journal" json:"journal"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Symbol:              "ETH-USDT",
		DryRun:              true,
		OrderUpdateInterval: D(time.Second),
		MaxPosition:         0.1,
		MinSpread:           0.0005,
		MaxSpread:           0.002,
		OrderSize:           0.01,
		InventoryTarget:     0,
		InventoryRange:      0.1,
		RiskLimit:           0.1,
		MaxOrders:           10,
		OrderBookDepth:      20,
		PricePrecision:      2,
		SizePrecision:       4,
		Kappa:               0.1,
		Alpha:               0.1,
		Gamma:               0.1,
		Sigma:               0.1,
		Delta:               0.1,

		SigmaSource:        SigmaSourceStatic,
		VolHalfLife:        D(30 * time.Second),
		VolMinSamples:      20,
		StalenessThreshold: D(10 * time.Second),

		RequoteTolerance:     0.0002,
		AckTimeout:           D(3 * time.Second),
		MaxAttempts:          3,
		RetryBackoff:         D(500 * time.Millisecond),
		RetryBackoffMax:      D(10 * time.Second),
		ExpiryCheckInterval:  D(200 * time.Millisecond),
		RejectCooldown:       D(5 * time.Second),
		TransientRejectCodes: []string{"rate_limited", "timeout", "system_busy"},
		TerminalRetention:    D(time.Minute),

		ReconcileInterval: D(30 * time.Second),
		DriftTolerance:    0.0001,

		MaxGatewayErrors: 20,
		QueueCapacity:    4096,
		StateBackend:     StateBackendBadger,

		Gateway: GatewayConfig{
			RateLimitPerSecond: 10,
			Burst:              20,
			Workers:            2,
			QueueSize:          256,
			RequestTimeout:     D(5 * time.Second),
		},
		Feed: FeedConfig{
			PingInterval: D(20 * time.Second),
			SimMid:       2000,
			SimVol:       0.0002,
			SimInterval:  D(250 * time.Millisecond),
		},
		Venue: VenueConfig{
			ContractSize:     0.01,
			LeverRate:        5,
			FillPollInterval: D(time.Second),
		},
		Log: LogConfig{
			Level:      "info",
			File:       "logs/marketmaker.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		Journal: JournalConfig{
			File: "logs/journal.log",
		},
	}
}

// LoadFromFile 从指定文件加载配置（支持 YAML 和 JSON），再应用环境变量覆盖并校验。
// filePath 为空时只使用默认值和环境变量。
func LoadFromFile(filePath string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(filePath) != "" {
		if err := loadConfigFile(filePath, &cfg); err != nil {
			return Config{}, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	applyEnv(&cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

// loadConfigFile 按扩展名解析，只覆盖文件中出现的字段
func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// normalize 运行时参数：非正数回退默认值
func (c *Config) normalize() {
	def := Default()
	if c.SigmaSource == "" {
		c.SigmaSource = SigmaSourceStatic
	}
	if c.VolHalfLife.Duration <= 0 {
		c.VolHalfLife = def.VolHalfLife
	}
	if c.ExpiryCheckInterval.Duration <= 0 {
		c.ExpiryCheckInterval = def.ExpiryCheckInterval
	}
	if c.RetryBackoffMax.Duration < c.RetryBackoff.Duration {
		c.RetryBackoffMax = c.RetryBackoff
	}
	if c.TerminalRetention.Duration <= 0 {
		c.TerminalRetention = def.TerminalRetention
	}
	if c.StateBackend == "" {
		c.StateBackend = StateBackendBadger
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.Gateway.Workers <= 0 {
		c.Gateway.Workers = def.Gateway.Workers
	}
	if c.Gateway.QueueSize <= 0 {
		c.Gateway.QueueSize = def.Gateway.QueueSize
	}
	if c.Gateway.RequestTimeout.Duration <= 0 {
		c.Gateway.RequestTimeout = def.Gateway.RequestTimeout
	}
	if c.Feed.PingInterval.Duration <= 0 {
		c.Feed.PingInterval = def.Feed.PingInterval
	}
	if c.Feed.SimMid <= 0 {
		c.Feed.SimMid = def.Feed.SimMid
	}
	if c.Feed.SimInterval.Duration <= 0 {
		c.Feed.SimInterval = def.Feed.SimInterval
	}
	if c.Venue.ContractSize <= 0 {
		c.Venue.ContractSize = def.Venue.ContractSize
	}
	if c.Venue.LeverRate <= 0 {
		c.Venue.LeverRate = def.Venue.LeverRate
	}
	if c.Venue.FillPollInterval.Duration <= 0 {
		c.Venue.FillPollInterval = def.Venue.FillPollInterval
	}
}

// Validate 校验配置范围
func (c Config) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return fmt.Errorf("symbol 不能为空")
	}
	if c.OrderUpdateInterval.Duration <= 0 {
		return fmt.Errorf("order_update_interval 必须大于 0")
	}
	if c.MaxPosition <= 0 {
		return fmt.Errorf("max_position 必须大于 0")
	}
	if c.MinSpread < 0 {
		return fmt.Errorf("min_spread 不能为负数")
	}
	if c.MaxSpread <= 0 || c.MaxSpread < c.MinSpread {
		return fmt.Errorf("max_spread 必须大于 0 且不小于 min_spread")
	}
	if c.MaxSpread >= 1 {
		return fmt.Errorf("max_spread 必须小于 1（中间价比例）")
	}
	if c.OrderSize <= 0 {
		return fmt.Errorf("order_size 必须大于 0")
	}
	if c.InventoryRange <= 0 {
		return fmt.Errorf("inventory_range 必须大于 0")
	}
	if c.RebalanceThreshold < 0 {
		return fmt.Errorf("rebalance_threshold 不能为负数")
	}
	if c.RiskLimit <= 0 {
		return fmt.Errorf("risk_limit 必须大于 0")
	}
	if c.MaxOrders < 2 {
		return fmt.Errorf("max_orders 必须 >= 2（双边报价）")
	}
	if c.OrderBookDepth < 1 {
		return fmt.Errorf("order_book_depth 必须 >= 1")
	}
	if c.PricePrecision < 0 || c.PricePrecision > 12 {
		return fmt.Errorf("price_precision 必须在 0 到 12 之间")
	}
	if c.SizePrecision < 0 || c.SizePrecision > 12 {
		return fmt.Errorf("size_precision 必须在 0 到 12 之间")
	}
	if c.Gamma <= 0 {
		return fmt.Errorf("gamma 必须大于 0")
	}
	if c.Sigma < 0 {
		return fmt.Errorf("sigma 不能为负数")
	}
	if c.Kappa <= 0 {
		return fmt.Errorf("kappa 必须大于 0")
	}
	if c.Delta <= 0 {
		return fmt.Errorf("delta 必须大于 0")
	}
	if c.Alpha < 0 {
		return fmt.Errorf("alpha 不能为负数")
	}
	if c.SigmaSource != SigmaSourceStatic && c.SigmaSource != SigmaSourceEWMA {
		return fmt.Errorf("sigma_source 必须是 %s 或 %s", SigmaSourceStatic, SigmaSourceEWMA)
	}
	if c.StalenessThreshold.Duration <= 0 {
		return fmt.Errorf("staleness_threshold 必须大于 0")
	}
	if c.RequoteTolerance < 0 {
		return fmt.Errorf("requote_tolerance 不能为负数")
	}
	if c.AckTimeout.Duration <= 0 {
		return fmt.Errorf("ack_timeout 必须大于 0")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts 必须 >= 1")
	}
	if c.RetryBackoff.Duration < 0 {
		return fmt.Errorf("retry_backoff 不能为负数")
	}
	if c.ReconcileInterval.Duration <= 0 {
		return fmt.Errorf("reconcile_interval 必须大于 0")
	}
	if c.DriftTolerance < 0 {
		return fmt.Errorf("drift_tolerance 不能为负数")
	}
	if c.MaxGatewayErrors < 1 {
		return fmt.Errorf("max_gateway_errors 必须 >= 1")
	}
	if c.StateBackend != StateBackendBadger && c.StateBackend != StateBackendJSON {
		return fmt.Errorf("state_backend 必须是 %s 或 %s", StateBackendBadger, StateBackendJSON)
	}
	if c.Gateway.RateLimitPerSecond <= 0 || c.Gateway.Burst <= 0 {
		return fmt.Errorf("gateway.rate_limit_per_second 和 gateway.burst 必须大于 0")
	}
	if !c.DryRun {
		if strings.TrimSpace(c.Feed.URL) == "" {
			return fmt.Errorf("实盘模式下 feed.url 不能为空")
		}
		if strings.TrimSpace(c.Venue.BaseURL) == "" {
			return fmt.Errorf("实盘模式下 venue.base_url 不能为空")
		}
		if c.Venue.APIKey == "" || c.Venue.SecretKey == "" {
			return fmt.Errorf("实盘模式下需要设置 MM_API_KEY 和 MM_SECRET_KEY")
		}
		if !isLotMultiple(c.OrderSize, c.Venue.ContractSize) {
			return fmt.Errorf("实盘模式下 order_size(%g) 必须是 venue.contract_size(%g) 的整数倍", c.OrderSize, c.Venue.ContractSize)
		}
	}
	return nil
}

// isLotMultiple size 是否为 lot 的正整数倍
func isLotMultiple(size, lot float64) bool {
	if lot <= 0 {
		return true
	}
	n := math.Round(size / lot)
	return n >= 1 && math.Abs(size-n*lot) <= lot*1e-9
}

// IsTransientReject 拒绝码是否属于可重试的临时错误
func (c Config) IsTransientReject(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, tc := range c.TransientRejectCodes {
		if strings.ToLower(strings.TrimSpace(tc)) == code {
			return true
		}
	}
	return false
}
