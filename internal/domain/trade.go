package domain

import "time"

// TradeType distinguishes opening fills from protective or manual closes.
type TradeType string

const (
	TradeOpen  TradeType = "open"
	TradeClose TradeType = "close"
)

// TradeStatus is the terminal state of a submitted order.
type TradeStatus string

const (
	TradeFilled   TradeStatus = "FILLED"
	TradeRejected TradeStatus = "REJECTED"
)

// Trade is an immutable, append-only record of one fill. Created by the
// executor for protective closes and by the open-trade intake; never mutated.
type Trade struct {
	ID       string // ULID, time-sortable
	OrderID  string // exchange order id
	Symbol   string
	Side     Side
	Type     TradeType
	Price    float64
	Quantity float64
	Leverage int
	// Pnl is nil for opens; realized pnl in quote currency for closes.
	Pnl       *float64
	Fee       float64
	Timestamp time.Time
	Status    TradeStatus
}
