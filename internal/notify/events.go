package notify

// Event types emitted by the settlement engine. Operators subscribe per
// event through the notify config.
const (
	EventMarketLaunched    = "market_launched"
	EventMarketActivated   = "market_activated"
	EventMarketClosed      = "market_closed"
	EventMarketResolved    = "market_resolved"
	EventMarketRefunded    = "market_refunded"
	EventInvariantViolated = "invariant_violation"
)
