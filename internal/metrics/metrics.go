package metrics

import "expvar"

var (
	Cycles           = expvar.NewInt("mm_cycles")
	CyclesSkipped    = expvar.NewInt("mm_cycles_skipped") // 行情过期导致不报价
	Placements       = expvar.NewInt("mm_placements")
	Cancels          = expvar.NewInt("mm_cancels")
	Fills            = expvar.NewInt("mm_fills")
	DuplicateFills   = expvar.NewInt("mm_duplicate_fills")
	LateFills        = expvar.NewInt("mm_late_fills")
	Rejects          = expvar.NewInt("mm_rejects")
	Timeouts         = expvar.NewInt("mm_timeouts")
	UnknownOrders    = expvar.NewInt("mm_unknown_orders")
	Breaches         = expvar.NewInt("mm_risk_breaches")
	DriftCorrections = expvar.NewInt("mm_drift_corrections")
	InvalidBooks     = expvar.NewInt("mm_invalid_books")
	DroppedMarket    = expvar.NewInt("mm_dropped_market_events")
	DispatchDropped  = expvar.NewInt("mm_dispatch_dropped")
	GatewayErrors    = expvar.NewInt("mm_gateway_errors")
	FeedReconnects   = expvar.NewInt("mm_feed_reconnects")
	SnapshotSaves    = expvar.NewInt("mm_snapshot_saves")
	SnapshotLoads    = expvar.NewInt("mm_snapshot_loads")
	JournalErrors    = expvar.NewInt("mm_journal_errors")

	NetPosition = expvar.NewFloat("mm_net_position")
	RealizedPnL = expvar.NewFloat("mm_realized_pnl")
	Mid         = expvar.NewFloat("mm_mid")
)
