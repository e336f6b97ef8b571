package usecase

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/domain"
	"github.com/vitos/position_guard/internal/infrastructure/metrics"
	"github.com/vitos/position_guard/pkg/id"
)

// quantity drift beyond this aborts execution and defers to reconciliation.
const qtyTolerance = 0.0001

// ActionExecutor turns an engine decision into an idempotent reduce-only
// order. Repeated delivery of the same decision (same dedup key) never
// produces two orders. On success the ledger and trade log are updated and
// persisted before the action is acknowledged complete.
type ActionExecutor struct {
	exchange domain.Exchange
	ledger   *PositionLedger
	trades   domain.TradeRepository
	logger   *zap.Logger

	maxAttempts  uint64
	retryInitial time.Duration

	// Dedup keys for a symbol are evicted when its position fully closes:
	// a reopened symbol restarts generations from 1, so stale keys from the
	// previous position must never match.
	mu       sync.Mutex
	executed map[string]string // dedup key -> order id

	// onAlert is invoked when an action exhausts its retries. Failures are
	// never silently dropped.
	onAlert func(symbol string, act Action, err error)
}

func NewActionExecutor(
	exchange domain.Exchange,
	ledger *PositionLedger,
	trades domain.TradeRepository,
	maxAttempts int,
	logger *zap.Logger,
) *ActionExecutor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &ActionExecutor{
		exchange:     exchange,
		ledger:       ledger,
		trades:       trades,
		logger:       logger,
		maxAttempts:  uint64(maxAttempts),
		retryInitial: 200 * time.Millisecond,
		executed:     make(map[string]string),
	}
}

// OnAlert registers the alert sink for exhausted actions.
func (x *ActionExecutor) OnAlert(fn func(symbol string, act Action, err error)) {
	x.onAlert = fn
}

// SetRetryInterval overrides the initial backoff interval (tests).
func (x *ActionExecutor) SetRetryInterval(d time.Duration) {
	x.retryInitial = d
}

// Execute carries out a protective close decision. Returns the appended trade
// record, or an error classifying why nothing was submitted.
func (x *ActionExecutor) Execute(ctx context.Context, act Action) (*domain.Trade, error) {
	if !act.Type.Terminal() && act.Type != ActionPartialClose {
		return nil, fmt.Errorf("action %s is not executable", act.Type)
	}

	key := act.DedupKey()
	x.mu.Lock()
	if orderID, done := x.executed[key]; done {
		x.mu.Unlock()
		x.logger.Info("Duplicate action suppressed",
			zap.String("dedup_key", key),
			zap.String("order_id", orderID))
		return nil, nil
	}
	x.mu.Unlock()

	pos, ok := x.ledger.Get(act.Symbol)
	if !ok {
		return nil, domain.ErrPositionNotFound
	}
	if pos.Status == domain.StatusActionPending {
		return nil, domain.ErrActionPending
	}

	// Cancellation mechanism: if the position mutated since the decision
	// (manual close, external fill), the action is stale. Abort and let the
	// next tick re-evaluate against fresh state.
	if pos.Generation != act.Generation {
		x.logger.Info("Action aborted: generation changed",
			zap.String("symbol", act.Symbol),
			zap.Int64("decided_at", act.Generation),
			zap.Int64("current", pos.Generation))
		return nil, domain.ErrGenerationChanged
	}

	// Sanity-check the exchange's view before submitting. Absent or drifted
	// positions are reconciliation's job, not ours to guess at.
	live, err := x.exchange.GetPosition(ctx, act.Symbol)
	if err == nil {
		if live == nil || live.Quantity == 0 {
			return nil, fmt.Errorf("%w: exchange reports no open position", domain.ErrPositionMismatch)
		}
		if math.Abs(live.Quantity-pos.Quantity) > qtyTolerance {
			return nil, fmt.Errorf("%w: ledger qty %f, exchange qty %f",
				domain.ErrPositionMismatch, pos.Quantity, live.Quantity)
		}
	}
	// A failed presence check alone does not block the close; the order
	// submission below is reduce-only and carries its own retry policy.

	qty := act.Quantity
	if act.Type.Terminal() {
		qty = pos.Quantity
	}

	orderID, err := x.submit(ctx, act, qty)
	if err != nil {
		if ctx.Err() == nil {
			x.exhaust(ctx, act, err)
		}
		return nil, err
	}

	trade, err := x.commit(ctx, pos, act, qty, orderID)
	if err != nil {
		// The order went through but local commit failed. Surface loudly;
		// reconciliation will report the drift until resolved.
		x.logger.Error("Order submitted but ledger commit failed",
			zap.String("symbol", act.Symbol),
			zap.String("order_id", orderID),
			zap.Error(err))
		return nil, err
	}

	_, stillOpen := x.ledger.Get(act.Symbol)
	x.mu.Lock()
	if stillOpen {
		x.executed[key] = orderID
	} else {
		prefix := act.Symbol + "|"
		for k := range x.executed {
			if strings.HasPrefix(k, prefix) {
				delete(x.executed, k)
			}
		}
	}
	x.mu.Unlock()

	x.logger.Info("Protective action executed",
		zap.String("symbol", act.Symbol),
		zap.String("action", string(act.Type)),
		zap.Float64("quantity", qty),
		zap.String("order_id", orderID),
		zap.String("reason", act.Reason))
	return trade, nil
}

// submit places the reduce-only order, retrying transient failures with
// bounded exponential backoff up to the attempt cap.
func (x *ActionExecutor) submit(ctx context.Context, act Action, qty float64) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = x.retryInitial
	policy.MaxInterval = 5 * time.Second

	var orderID string
	attempt := 0
	op := func() error {
		attempt++
		oid, err := x.exchange.ReduceClose(ctx, act.Symbol, act.Side, qty)
		if err != nil {
			if domain.IsTransient(err) {
				x.logger.Warn("Transient exchange error, will retry",
					zap.String("symbol", act.Symbol),
					zap.Int("attempt", attempt),
					zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		orderID = oid
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, x.maxAttempts-1), ctx))
	if err != nil {
		return "", err
	}
	return orderID, nil
}

// commit persists the trade record and the ledger mutation for a successful
// order. The trade is appended first so a crash between the two surfaces as
// reconcilable drift rather than a lost fill.
func (x *ActionExecutor) commit(ctx context.Context, pos *domain.Position, act Action, qty float64, orderID string) (*domain.Trade, error) {
	pnl := realizedPnl(pos, act.PnlPercent, qty)
	trade := &domain.Trade{
		ID:        id.New(),
		OrderID:   orderID,
		Symbol:    act.Symbol,
		Side:      pos.Side,
		Type:      domain.TradeClose,
		Price:     closePrice(pos, act.PnlPercent),
		Quantity:  qty,
		Leverage:  pos.Leverage,
		Pnl:       &pnl,
		Timestamp: time.Now(),
		Status:    domain.TradeFilled,
	}
	if err := x.trades.SaveTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("append trade: %w", err)
	}

	var err error
	if act.Type == ActionPartialClose {
		err = x.ledger.ApplyPartialClose(ctx, act.Symbol, act.StageTrigger, qty)
	} else {
		err = x.ledger.ApplyFullClose(ctx, act.Symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("commit ledger: %w", err)
	}
	return trade, nil
}

// exhaust handles a submission that used up its retries: the position is
// marked action-pending and an alert is raised.
func (x *ActionExecutor) exhaust(ctx context.Context, act Action, cause error) {
	metrics.ActionsExhausted.Inc()
	x.logger.Error("Action exhausted retries, halting automation for symbol",
		zap.String("symbol", act.Symbol),
		zap.String("action", string(act.Type)),
		zap.Error(cause))

	if err := x.ledger.MarkActionPending(ctx, act.Symbol); err != nil {
		x.logger.Error("Failed to mark position action-pending",
			zap.String("symbol", act.Symbol), zap.Error(err))
	}
	if x.onAlert != nil {
		x.onAlert(act.Symbol, act, cause)
	}
}

// realizedPnl converts the leveraged return percent back to quote-currency
// pnl for the closed quantity.
func realizedPnl(pos *domain.Position, pnlPercent, qty float64) float64 {
	if pos.Leverage == 0 {
		return 0
	}
	priceMove := pnlPercent / 100 / float64(pos.Leverage) * pos.EntryPrice
	return priceMove * qty
}

func closePrice(pos *domain.Position, pnlPercent float64) float64 {
	if pos.Leverage == 0 {
		return pos.CurrentPrice
	}
	move := pnlPercent / 100 / float64(pos.Leverage)
	if pos.Side == domain.SideShort {
		move = -move
	}
	return pos.EntryPrice * (1 + move)
}
