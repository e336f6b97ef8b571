package domain

import "context"

// Exchange is the opaque capability the guard consumes. Implementations must
// bound every call with the context deadline; a hung call for one symbol must
// not delay evaluation of others.
type Exchange interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetPositions(ctx context.Context) ([]*Position, error)

	// ReduceClose submits a reduce-only market order shrinking the position
	// by qty and returns the exchange order id.
	ReduceClose(ctx context.Context, symbol string, side Side, qty float64) (orderID string, err error)

	OnPriceUpdate(callback func(symbol string, price float64))
	Subscribe(symbols []string) error
}

// PositionRepository persists the ledger's open positions, keyed by symbol.
type PositionRepository interface {
	SavePosition(ctx context.Context, pos *Position) error
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	ListPositions(ctx context.Context) ([]*Position, error)
	DeletePosition(ctx context.Context, symbol string) error
}

// TradeRepository is the append-only closed-trade log.
type TradeRepository interface {
	SaveTrade(ctx context.Context, trade *Trade) error
	ListTrades(ctx context.Context, limit int) ([]*Trade, error)
}
