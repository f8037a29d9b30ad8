package shutdown

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsInReverseOrderOnce(t *testing.T) {
	m := NewManager()
	var order []string
	m.OnShutdown("store", func(context.Context) error { order = append(order, "store"); return nil })
	m.OnShutdown("gateway", func(context.Context) error { order = append(order, "gateway"); return errors.New("boom") })
	m.OnShutdown("cancel-all", func(context.Context) error { order = append(order, "cancel-all"); return nil })

	errs := m.Shutdown(context.Background())
	assert.Equal(t, []string{"cancel-all", "gateway", "store"}, order)
	assert.Len(t, errs, 1)

	assert.Nil(t, m.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}
