package sigchan

// Chan 是一个非阻塞的信号 channel，只通知事件发生，不传递数据。
// 多次 Emit 在被消费前会合并为一次。
type Chan struct {
	c chan struct{}
}

// New 创建新的信号 channel
func New() *Chan {
	return &Chan{c: make(chan struct{}, 1)}
}

// Emit 发送信号（非阻塞）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 返回内部的 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// Drain 清除尚未消费的信号，返回是否有信号
func (c *Chan) Drain() bool {
	select {
	case <-c.c:
		return true
	default:
		return false
	}
}
