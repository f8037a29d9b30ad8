package events

import (
	"context"
	"sync/atomic"
)

// Queue 有序、有界、单消费者的事件队列。
//
// 成交/确认/查询结果用 Publish（阻塞，不丢弃）；行情用 TryPublish（满则丢弃并计数）。
// 队列不关闭：生产者通过各自的 ctx 退出。
type Queue struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewQueue 创建事件队列
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// Publish 阻塞投递，直到入队或 ctx 结束
func (q *Queue) Publish(ctx context.Context, ev Event) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish 非阻塞投递，队列满时丢弃
func (q *Queue) TryPublish(ev Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// C 消费端 channel（仅策略循环读取）
func (q *Queue) C() <-chan Event {
	return q.ch
}

// Len 当前积压
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped 累计丢弃数
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}
