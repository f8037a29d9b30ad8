package syncgroup

import (
	"sync/atomic"
	"testing"
)

func TestRunAndWait(t *testing.T) {
	sg := NewSyncGroup()
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		sg.Add(func() { n.Add(1) })
	}
	sg.Add(nil)
	sg.Run()
	sg.Go(func() { n.Add(10) })
	sg.Wait()
	if got := n.Load(); got != 15 {
		t.Fatalf("got=%d want=15", got)
	}

	// 再次 Run 不会重复启动
	sg.Run()
	sg.Wait()
	if got := n.Load(); got != 15 {
		t.Fatalf("got=%d want=15 after second run", got)
	}
}
