package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shutdown")

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器。
// 回调按注册的逆序串行执行：后启动的组件先关闭（例如先撤单再关网关，最后关存储）。
type Manager struct {
	mu        sync.Mutex
	callbacks []namedHandler
	done      bool
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用，只执行一次）。
// ctx 应带超时；超时后剩余回调仍会以已取消的 ctx 调用，便于它们快速释放资源。
func (m *Manager) Shutdown(ctx context.Context) []error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		log.Info("没有注册的关闭回调")
		return nil
	}
	log.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	var errs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		if err := cb.fn(ctx); err != nil {
			log.WithError(err).Warnf("关闭回调失败: %s", cb.name)
			errs = append(errs, err)
			continue
		}
		log.Debugf("关闭回调完成: %s", cb.name)
	}
	if ctx.Err() != nil {
		log.Warnf("关闭超时: %v", ctx.Err())
	} else {
		log.Info("所有关闭回调已完成")
	}
	return errs
}
