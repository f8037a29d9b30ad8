package journal

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "journal")

// 记录类型
const (
	KindOrderTransition = "order_transition"
	KindLateFill        = "late_fill"
	KindRiskBreach      = "risk_breach"
	KindRiskClear       = "risk_clear"
	KindInventoryDrift  = "inventory_drift"
	KindFatalHalt       = "fatal_halt"
	KindPause           = "pause"
	KindResume          = "resume"
)

// Entry 一条追加写入的审计记录
type Entry struct {
	Time     time.Time              `json:"time"`
	Kind     string                 `json:"kind"`
	ClientID string                 `json:"client_id,omitempty"`
	From     string                 `json:"from,omitempty"`
	To       string                 `json:"to,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Journal 只追加的状态迁移日志。Record 不能阻塞调用方（策略循环）。
type Journal interface {
	Record(e Entry)
	Close() error
}

// Nop 丢弃所有记录
type Nop struct{}

func (Nop) Record(Entry) {}

func (Nop) Close() error { return nil }

// Multi 扇出到多个 sink
type Multi []Journal

func (m Multi) Record(e Entry) {
	for _, j := range m {
		j.Record(e)
	}
}

func (m Multi) Close() error {
	var errs []error
	for _, j := range m {
		if err := j.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory 内存 sink，供测试和诊断使用
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *Memory) Close() error { return nil }

// Entries 返回记录副本
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ByKind 按类型过滤
func (m *Memory) ByKind(kind string) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
