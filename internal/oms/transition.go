package oms

import (
	"fmt"

	"github.com/betbot/perpmm/internal/domain"
)

const (
	stPending   = domain.OrderStatePending
	stLive      = domain.OrderStateLive
	stPartial   = domain.OrderStatePartiallyFilled
	stFilled    = domain.OrderStateFilled
	stCanceling = domain.OrderStateCancelling
	stCancelled = domain.OrderStateCancelled
	stRejected  = domain.OrderStateRejected
	stUnknown   = domain.OrderStateUnknown
)

// allowed 订单状态迁移表。终态没有出边。
var allowed = map[domain.OrderState][]domain.OrderState{
	"":          {stPending},
	stPending:   {stLive, stPartial, stFilled, stRejected, stCancelled, stUnknown},
	stLive:      {stPartial, stFilled, stCanceling, stCancelled, stUnknown},
	stPartial:   {stFilled, stCanceling, stCancelled, stUnknown},
	stCanceling: {stLive, stPartial, stFilled, stCancelled, stUnknown},
	stUnknown:   {stLive, stPartial, stFilled, stCanceling, stCancelled, stRejected},
}

func canTransition(from, to domain.OrderState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

func invalidTransition(clientID string, from, to domain.OrderState) error {
	return fmt.Errorf("%w: %s %s -> %s", domain.ErrInvalidTransition, clientID, from, to)
}
