package common

import (
	"sync"
	"time"
)

// Debouncer 基于时间的简单闸门：
// Ready 判断距离上次 Mark 是否已超过间隔，Mark 记录一次执行时间。
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Ready 是否可以执行，不修改内部状态
func (d *Debouncer) Ready(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interval <= 0 || d.last.IsZero() {
		return true
	}
	return now.Sub(d.last) >= d.interval
}

// Mark 记录执行时间
func (d *Debouncer) Mark(now time.Time) {
	d.mu.Lock()
	d.last = now
	d.mu.Unlock()
}

// Allow Ready 成立时立即 Mark 并返回 true
func (d *Debouncer) Allow(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interval > 0 && !d.last.IsZero() && now.Sub(d.last) < d.interval {
		return false
	}
	d.last = now
	return true
}

// Reset 清空，下一次 Ready 必然成立
func (d *Debouncer) Reset() {
	d.mu.Lock()
	d.last = time.Time{}
	d.mu.Unlock()
}
