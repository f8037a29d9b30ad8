package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "MM_"

// applyEnv 环境变量覆盖（优先级：环境变量 > 配置文件 > 默认值）
func applyEnv(c *Config) {
	c.Symbol = getEnv("SYMBOL", c.Symbol)
	c.DryRun = parseBoolEnv("DRY_RUN", c.DryRun)

	c.OrderUpdateInterval = parseDurationEnv("ORDER_UPDATE_INTERVAL", c.OrderUpdateInterval)
	c.MaxPosition = parseFloatEnv("MAX_POSITION", c.MaxPosition)
	c.MinSpread = parseFloatEnv("MIN_SPREAD", c.MinSpread)
	c.MaxSpread = parseFloatEnv("MAX_SPREAD", c.MaxSpread)
	c.OrderSize = parseFloatEnv("ORDER_SIZE", c.OrderSize)
	c.InventoryTarget = parseFloatEnv("INVENTORY_TARGET", c.InventoryTarget)
	c.InventoryRange = parseFloatEnv("INVENTORY_RANGE", c.InventoryRange)
	c.RebalanceThreshold = parseFloatEnv("REBALANCE_THRESHOLD", c.RebalanceThreshold)
	c.RiskLimit = parseFloatEnv("RISK_LIMIT", c.RiskLimit)
	c.MaxOrders = parseIntEnv("MAX_ORDERS", c.MaxOrders)
	c.OrderBookDepth = parseIntEnv("ORDER_BOOK_DEPTH", c.OrderBookDepth)
	c.PricePrecision = parseIntEnv("PRICE_PRECISION", c.PricePrecision)
	c.SizePrecision = parseIntEnv("SIZE_PRECISION", c.SizePrecision)

	c.Kappa = parseFloatEnv("KAPPA", c.Kappa)
	c.Alpha = parseFloatEnv("ALPHA", c.Alpha)
	c.Gamma = parseFloatEnv("GAMMA", c.Gamma)
	c.Sigma = parseFloatEnv("SIGMA", c.Sigma)
	c.Delta = parseFloatEnv("DELTA", c.Delta)

	c.SigmaSource = getEnv("SIGMA_SOURCE", c.SigmaSource)
	c.StalenessThreshold = parseDurationEnv("STALENESS_THRESHOLD", c.StalenessThreshold)
	c.RequoteTolerance = parseFloatEnv("REQUOTE_TOLERANCE", c.RequoteTolerance)
	c.AckTimeout = parseDurationEnv("ACK_TIMEOUT", c.AckTimeout)
	c.MaxAttempts = parseIntEnv("MAX_ATTEMPTS", c.MaxAttempts)
	c.ReconcileInterval = parseDurationEnv("RECONCILE_INTERVAL", c.ReconcileInterval)
	c.DriftTolerance = parseFloatEnv("DRIFT_TOLERANCE", c.DriftTolerance)
	c.StateDir = getEnv("STATE_DIR", c.StateDir)
	c.StateBackend = getEnv("STATE_BACKEND", c.StateBackend)
	c.StateKey = getEnv("STATE_KEY", c.StateKey)
	c.DebugAddr = getEnv("DEBUG_ADDR", c.DebugAddr)
	c.ControlAddr = getEnv("CONTROL_ADDR", c.ControlAddr)
	c.ControlToken = getEnv("CONTROL_TOKEN", c.ControlToken)

	c.Feed.URL = getEnv("FEED_URL", c.Feed.URL)
	c.Venue.BaseURL = getEnv("VENUE_BASE_URL", c.Venue.BaseURL)
	c.Venue.APIKey = getEnv("API_KEY", c.Venue.APIKey)
	c.Venue.SecretKey = getEnv("SECRET_KEY", c.Venue.SecretKey)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
	c.Journal.File = getEnv("JOURNAL_FILE", c.Journal.File)
	c.Journal.SQLitePath = getEnv("JOURNAL_SQLITE", c.Journal.SQLitePath)
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(envPrefix + key)); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseDurationEnv 解析时长环境变量（"500ms" 或秒数）
func parseDurationEnv(key string, defaultValue Duration) Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return D(d)
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return D(time.Duration(secs * float64(time.Second)))
	}
	return defaultValue
}
