package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/config"
	"github.com/vitos/position_guard/internal/domain"
	"github.com/vitos/position_guard/internal/infrastructure/metrics"
	"github.com/vitos/position_guard/pkg/id"
)

type pricePoint struct {
	price float64
	at    time.Time
}

// GuardService glues the tick sources to the engine and executor. Each symbol
// with an open position gets its own worker goroutine; ticks and sweeps only
// signal the worker, so the websocket read loop never waits on exchange I/O
// and one symbol's in-flight close cannot delay another symbol's evaluation.
type GuardService struct {
	cfg      *config.Config
	ledger   *PositionLedger
	engine   *ProtectionEngine
	executor *ActionExecutor
	trades   domain.TradeRepository
	exchange domain.Exchange
	logger   *zap.Logger

	mu         sync.RWMutex
	lastPrices map[string]pricePoint

	// Per-symbol wakeup channels, capacity one. Signals coalesce: the
	// worker always evaluates against the latest recorded price.
	workerMu sync.Mutex
	workers  map[string]chan struct{}

	// One-tick override tokens keyed by symbol, honored only when
	// allow_ai_override_protection is set. Consumed on first use.
	overrideMu sync.Mutex
	overrides  map[string]string

	// onForcedReview surfaces idle reviews to the external decision
	// process; the guard itself never acts on them.
	onForcedReview func(reason string)

	ioTimeout time.Duration
}

func NewGuardService(
	cfg *config.Config,
	ledger *PositionLedger,
	engine *ProtectionEngine,
	executor *ActionExecutor,
	trades domain.TradeRepository,
	exchange domain.Exchange,
	logger *zap.Logger,
) *GuardService {
	return &GuardService{
		cfg:        cfg,
		ledger:     ledger,
		engine:     engine,
		executor:   executor,
		trades:     trades,
		exchange:   exchange,
		logger:     logger,
		lastPrices: make(map[string]pricePoint),
		workers:    make(map[string]chan struct{}),
		overrides:  make(map[string]string),
		ioTimeout:  time.Duration(cfg.Monitor.ExchangeTimeoutMs) * time.Millisecond,
	}
}

// OnForcedReview registers the sink for idle-review signals.
func (s *GuardService) OnForcedReview(fn func(reason string)) {
	s.onForcedReview = fn
}

// Ledger exposes snapshot reads for the web layer.
func (s *GuardService) Ledger() *PositionLedger { return s.ledger }

// LatestPrice returns the last observed price for a symbol.
func (s *GuardService) LatestPrice(symbol string) (float64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pp := s.lastPrices[symbol]
	return pp.price, pp.at
}

// ProcessTick handles one price update: record it, then wake the symbol's
// worker if a position is open. Never blocks on exchange I/O.
func (s *GuardService) ProcessTick(ctx context.Context, symbol string, price float64) {
	now := time.Now()
	s.mu.Lock()
	s.lastPrices[symbol] = pricePoint{price: price, at: now}
	s.mu.Unlock()

	if _, ok := s.ledger.Get(symbol); !ok {
		return
	}
	s.signal(ctx, symbol)
}

// Sweep runs one interval-driven pass over every open position using cached
// prices. Positions with stale prices are skipped by the engine.
func (s *GuardService) Sweep(ctx context.Context) {
	for _, pos := range s.ledger.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		s.signal(ctx, pos.Symbol)
	}
}

// signal wakes the symbol's worker, starting it on first use. The send is
// non-blocking; a wakeup already queued covers this one.
func (s *GuardService) signal(ctx context.Context, symbol string) {
	s.workerMu.Lock()
	ch, ok := s.workers[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		s.workers[symbol] = ch
		go s.runWorker(ctx, symbol, ch)
	}
	s.workerMu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *GuardService) runWorker(ctx context.Context, symbol string, ch chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			s.evaluateSymbol(ctx, symbol)
		}
	}
}

// evaluateSymbol decides and executes at most one action for the symbol,
// all under the symbol's serialization lock.
func (s *GuardService) evaluateSymbol(ctx context.Context, symbol string) {
	s.ledger.WithSymbolLock(symbol, func() {
		pos, ok := s.ledger.Get(symbol)
		if !ok {
			return
		}
		if pos.Status == domain.StatusActionPending {
			// Automation is halted for this symbol until resolved.
			return
		}

		s.mu.RLock()
		pp := s.lastPrices[symbol]
		s.mu.RUnlock()

		started := time.Now()
		ev := s.engine.Evaluate(pos, pp.price, pp.at, started)
		metrics.EvaluationLatency.Observe(float64(time.Since(started).Microseconds()) / 1000)

		if ev.Skipped {
			metrics.TicksEvaluated.WithLabelValues("stale_skip").Inc()
			return
		}
		metrics.TicksEvaluated.WithLabelValues("evaluated").Inc()

		// Peak and floor advance on every evaluated tick, regardless of
		// which branch fired.
		mctx, cancel := context.WithTimeout(ctx, s.ioTimeout)
		defer cancel()
		if err := s.ledger.UpdateMark(mctx, symbol, pp.price, ev.NewPeak, ev.NewFloor); err != nil {
			s.logger.Error("Failed to commit tick mark", zap.String("symbol", symbol), zap.Error(err))
			return
		}

		if ev.Action.Type == ActionNone {
			return
		}
		if ev.Shadowed {
			metrics.ActionsTotal.WithLabelValues(string(ev.Action.Type), "shadowed").Inc()
			return
		}
		if s.consumeOverride(symbol) {
			// The decision for this symbol is downgraded to no action
			// exactly once; the token is gone.
			s.logger.Warn("Protection decision overridden by external token",
				zap.String("symbol", symbol),
				zap.String("action", string(ev.Action.Type)))
			metrics.ActionsTotal.WithLabelValues(string(ev.Action.Type), "overridden").Inc()
			return
		}

		// The mark commit above bumped the generation; the action must carry
		// the committed generation or the executor will refuse it.
		ev.Action.Generation = s.ledger.Generation(symbol)

		ectx, ecancel := context.WithTimeout(ctx, s.ioTimeout)
		defer ecancel()
		if _, err := s.executor.Execute(ectx, ev.Action); err != nil {
			metrics.ActionsTotal.WithLabelValues(string(ev.Action.Type), "failed").Inc()
			s.logger.Error("Protective action failed",
				zap.String("symbol", symbol),
				zap.String("action", string(ev.Action.Type)),
				zap.Error(err))
			return
		}
		metrics.ActionsTotal.WithLabelValues(string(ev.Action.Type), "executed").Inc()
	})
}

// IdleCheck raises a forced review when nothing has been open past the idle
// limit. The signal goes to the external decision process, nothing more.
func (s *GuardService) IdleCheck(ctx context.Context) {
	act, fired := s.engine.EvaluateIdle(s.ledger.OpenCount(), s.ledger.LastCloseAt(), time.Now())
	if !fired {
		return
	}
	metrics.ForcedReviews.Inc()
	s.logger.Warn("Forced review: prolonged idleness", zap.String("reason", act.Reason))
	if s.onForcedReview != nil {
		s.onForcedReview(act.Reason)
	}
}

// RegisterOverride accepts a one-tick override token from the external
// decision process. Rejected when overrides are disabled by config.
func (s *GuardService) RegisterOverride(symbol, token string) bool {
	if !s.cfg.Protection.AllowAIOverrideProtect || token == "" {
		return false
	}
	s.overrideMu.Lock()
	defer s.overrideMu.Unlock()
	s.overrides[symbol] = token
	s.logger.Info("Override token registered", zap.String("symbol", symbol))
	return true
}

func (s *GuardService) consumeOverride(symbol string) bool {
	if !s.cfg.Protection.AllowAIOverrideProtect {
		return false
	}
	s.overrideMu.Lock()
	defer s.overrideMu.Unlock()
	if _, ok := s.overrides[symbol]; !ok {
		return false
	}
	delete(s.overrides, symbol)
	return true
}

// RecordOpen ingests an external open-trade event: the position enters the
// ledger and an open-type trade is appended.
func (s *GuardService) RecordOpen(ctx context.Context, pos *domain.Position) error {
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}
	if err := s.ledger.Open(ctx, pos); err != nil {
		return err
	}
	trade := &domain.Trade{
		ID:        id.New(),
		Symbol:    pos.Symbol,
		Side:      pos.Side,
		Type:      domain.TradeOpen,
		Price:     pos.EntryPrice,
		Quantity:  pos.Quantity,
		Leverage:  pos.Leverage,
		Timestamp: pos.OpenedAt,
		Status:    domain.TradeFilled,
	}
	if err := s.trades.SaveTrade(ctx, trade); err != nil {
		s.logger.Error("Failed to append open trade", zap.String("symbol", pos.Symbol), zap.Error(err))
	}
	return nil
}

// ManualClose closes a position on operator request. The generation bump
// preempts any in-flight automatic action for the symbol: manual intervention
// always wins.
func (s *GuardService) ManualClose(ctx context.Context, symbol string) error {
	var outErr error
	s.ledger.WithSymbolLock(symbol, func() {
		pos, ok := s.ledger.Get(symbol)
		if !ok {
			outErr = domain.ErrPositionNotFound
			return
		}

		// Invalidate anything decided against the previous generation.
		if err := s.ledger.UpdateMark(ctx, symbol, pos.CurrentPrice, pos.PeakPnlPercent, nil); err != nil {
			outErr = err
			return
		}

		price, _ := s.LatestPrice(symbol)
		if price == 0 {
			price = pos.CurrentPrice
		}
		act := Action{
			Type:       ActionManualClose,
			Symbol:     symbol,
			Side:       pos.Side,
			Quantity:   pos.Quantity,
			Generation: s.ledger.Generation(symbol),
			PnlPercent: pos.PnlPercent(price),
			Reason:     "manual close",
		}

		ectx, cancel := context.WithTimeout(ctx, s.ioTimeout)
		defer cancel()
		_, outErr = s.executor.Execute(ectx, act)
	})
	return outErr
}
