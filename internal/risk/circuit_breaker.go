package risk

import (
	"errors"
	"sync/atomic"
)

// ErrCircuitBreakerOpen 表示断路器已打开：网关持续不可达。
var ErrCircuitBreakerOpen = errors.New("circuit breaker open")

// CircuitBreaker 统计网关连续传输错误。
//
// 由 Dispatcher 的 worker goroutine 写入、策略循环读取，全部使用原子变量。
// 阈值 <= 0 表示关闭限制。
type CircuitBreaker struct {
	halted atomic.Bool

	consecutiveErrors atomic.Int64
	totalErrors       atomic.Int64
	maxConsecutive    atomic.Int64

	lastErr atomic.Pointer[string]
}

func NewCircuitBreaker(maxConsecutiveErrors int) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.maxConsecutive.Store(int64(maxConsecutiveErrors))
	return cb
}

// Halt 手动熔断
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.halted.Store(true)
}

// Resume 手动恢复（会同时清空连续错误计数）
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.consecutiveErrors.Store(0)
}

// Check 快路径检查；连续错误达到上限后保持打开，直到 Resume。
func (cb *CircuitBreaker) Check() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}
	maxErr := cb.maxConsecutive.Load()
	if maxErr > 0 && cb.consecutiveErrors.Load() >= maxErr {
		cb.halted.Store(true)
		return ErrCircuitBreakerOpen
	}
	return nil
}

// OnSuccess 一次网关调用成功（含交易所业务拒绝）：清空连续错误计数
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
}

// OnError 一次网关传输失败
func (cb *CircuitBreaker) OnError(err error) {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Add(1)
	cb.totalErrors.Add(1)
	if err != nil {
		msg := err.Error()
		cb.lastErr.Store(&msg)
	}
}

// ConsecutiveErrors 当前连续错误数
func (cb *CircuitBreaker) ConsecutiveErrors() int64 {
	if cb == nil {
		return 0
	}
	return cb.consecutiveErrors.Load()
}

// LastError 最近一次传输错误描述
func (cb *CircuitBreaker) LastError() string {
	if cb == nil {
		return ""
	}
	if p := cb.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}
