package exchange

import (
	"context"

	"github.com/xtrntr/venue/internal/models"
)

// TradeEvent is emitted once per executed trade, after the settlement
// transaction commits. Profiles holds both participants' post-trade wallet
// snapshots keyed by user ID; transports deliver each participant only
// their own view.
type TradeEvent struct {
	Trade     models.Trade
	BuyOrder  models.Order
	SellOrder models.Order
	Profiles  map[int64]Profile
}

// Notifier receives trade events for real-time delivery. Implementations
// must not block settlement: the trade is already committed when
// OrderMatched runs, and a delivery failure cannot roll it back.
type Notifier interface {
	OrderMatched(ctx context.Context, event TradeEvent)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) OrderMatched(context.Context, TradeEvent) {}
