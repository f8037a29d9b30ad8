package ports

import (
	"context"

	"github.com/betbot/perpmm/internal/events"
)

// EventSink 适配器向策略循环投递事件的出口。
//
// 定义在中立包里，避免基础设施层直接依赖具体的队列实现。
type EventSink interface {
	// Publish 阻塞投递（成交、确认、查询结果，不可丢弃）
	Publish(ctx context.Context, ev events.Event) error
	// TryPublish 非阻塞投递（行情，可丢弃）
	TryPublish(ev events.Event) bool
}
