package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/domain"
)

// PositionLedger is the in-process authoritative view of open positions,
// seeded from the persisted store at startup. Every mutation is durably
// written before being considered committed (write-through), and every
// committed mutation bumps the position's generation.
//
// Concurrency model: a coarse RW mutex guards the map itself; each symbol
// additionally owns a mutex serializing its evaluate/execute path, so two
// concurrent ticks can never both decide to close the same position. Readers
// take point-in-time copies and never block writers for I/O.
type PositionLedger struct {
	repo   domain.PositionRepository
	logger *zap.Logger

	mu        sync.RWMutex
	positions map[string]*domain.Position
	symLocks  map[string]*sync.Mutex

	lastCloseMu sync.RWMutex
	lastCloseAt time.Time
}

func NewPositionLedger(repo domain.PositionRepository, logger *zap.Logger) *PositionLedger {
	return &PositionLedger{
		repo:      repo,
		logger:    logger,
		positions: make(map[string]*domain.Position),
		symLocks:  make(map[string]*sync.Mutex),
	}
}

// Load seeds the ledger from the store. Called once at startup before any
// tick is processed.
func (l *PositionLedger) Load(ctx context.Context) error {
	stored, err := l.repo.ListPositions(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[string]*domain.Position, len(stored))
	for _, p := range stored {
		l.positions[p.Symbol] = p.Clone()
	}
	l.logger.Info("Ledger seeded from store", zap.Int("positions", len(stored)))
	return nil
}

// WithSymbolLock runs fn while holding the symbol's serialization lock.
// Evaluation and execution for one symbol happen entirely inside fn; other
// symbols proceed independently.
func (l *PositionLedger) WithSymbolLock(symbol string, fn func()) {
	l.mu.Lock()
	lock, ok := l.symLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		l.symLocks[symbol] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	fn()
}

// Get returns a copy of the open position for symbol.
func (l *PositionLedger) Get(symbol string) (*domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Snapshot returns a consistent point-in-time copy of all open positions,
// sorted by symbol.
func (l *PositionLedger) Snapshot() []*domain.Position {
	l.mu.RLock()
	out := make([]*domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Clone())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenCount returns the number of open positions.
func (l *PositionLedger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Open records a position created by an external open-trade event. The
// duplicate check and the commit run under the symbol lock, so two
// concurrent opens for one symbol serialize and the loser gets
// ErrDuplicatePosition instead of overwriting the winner.
func (l *PositionLedger) Open(ctx context.Context, pos *domain.Position) error {
	var err error
	l.WithSymbolLock(pos.Symbol, func() {
		l.mu.RLock()
		_, exists := l.positions[pos.Symbol]
		l.mu.RUnlock()
		if exists {
			err = domain.ErrDuplicatePosition
			return
		}

		p := pos.Clone()
		if p.Status == "" {
			p.Status = domain.StatusOpen
		}
		p.Generation = 1
		if err = l.repo.SavePosition(ctx, p); err != nil {
			return
		}

		l.mu.Lock()
		l.positions[p.Symbol] = p
		l.mu.Unlock()

		l.logger.Info("Position opened",
			zap.String("symbol", p.Symbol),
			zap.String("side", string(p.Side)),
			zap.Float64("quantity", p.Quantity),
			zap.Int("leverage", p.Leverage))
	})
	return err
}

// Generation returns the current generation for symbol, or 0 if no position
// is open.
func (l *PositionLedger) Generation(symbol string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.positions[symbol]; ok {
		return p.Generation
	}
	return 0
}

// mutate applies fn to the live position, persists the result and commits it
// in memory, bumping the generation. The write happens before the in-memory
// commit so a crash never leaves memory ahead of the store.
func (l *PositionLedger) mutate(ctx context.Context, symbol string, fn func(*domain.Position)) error {
	l.mu.RLock()
	cur, ok := l.positions[symbol]
	l.mu.RUnlock()
	if !ok {
		return domain.ErrPositionNotFound
	}

	next := cur.Clone()
	fn(next)
	next.Generation++

	if err := l.repo.SavePosition(ctx, next); err != nil {
		return err
	}

	l.mu.Lock()
	l.positions[symbol] = next
	l.mu.Unlock()
	return nil
}

// UpdateMark commits the per-tick state the engine computed: current price,
// peak high-water mark and (possibly tightened) trailing floor. The floor
// never loosens here regardless of what the caller passes.
func (l *PositionLedger) UpdateMark(ctx context.Context, symbol string, price, peak float64, floor *float64) error {
	return l.mutate(ctx, symbol, func(p *domain.Position) {
		p.CurrentPrice = price
		if peak > p.PeakPnlPercent {
			p.PeakPnlPercent = peak
		}
		if floor != nil && (p.TrailingFloorPercent == nil || *floor > *p.TrailingFloorPercent) {
			f := *floor
			p.TrailingFloorPercent = &f
		}
	})
}

// ApplyPartialClose shrinks the position after a successful stage close and
// marks the stage completed. Removes the position if quantity reached zero.
func (l *PositionLedger) ApplyPartialClose(ctx context.Context, symbol string, stageTrigger, closedQty float64) error {
	var emptied bool
	err := l.mutate(ctx, symbol, func(p *domain.Position) {
		p.Quantity -= closedQty
		if p.Quantity < 1e-9 {
			p.Quantity = 0
		}
		emptied = p.Quantity == 0
		if !p.StageCompleted(stageTrigger) {
			p.CompletedStages = append(p.CompletedStages, stageTrigger)
			sort.Float64s(p.CompletedStages)
		}
	})
	if err != nil {
		return err
	}
	if emptied {
		return l.remove(ctx, symbol)
	}
	return nil
}

// ApplyFullClose removes the position after a successful terminal close.
func (l *PositionLedger) ApplyFullClose(ctx context.Context, symbol string) error {
	return l.remove(ctx, symbol)
}

func (l *PositionLedger) remove(ctx context.Context, symbol string) error {
	if err := l.repo.DeletePosition(ctx, symbol); err != nil {
		return err
	}

	l.mu.Lock()
	delete(l.positions, symbol)
	l.mu.Unlock()

	l.lastCloseMu.Lock()
	l.lastCloseAt = time.Now()
	l.lastCloseMu.Unlock()

	l.logger.Info("Position closed and removed from ledger", zap.String("symbol", symbol))
	return nil
}

// MarkActionPending halts automation for the symbol after exhausted retries.
func (l *PositionLedger) MarkActionPending(ctx context.Context, symbol string) error {
	return l.mutate(ctx, symbol, func(p *domain.Position) {
		p.Status = domain.StatusActionPending
	})
}

// LastCloseAt returns when the most recent position was closed. Zero when no
// close has happened in this process lifetime.
func (l *PositionLedger) LastCloseAt() time.Time {
	l.lastCloseMu.RLock()
	defer l.lastCloseMu.RUnlock()
	return l.lastCloseAt
}

// SetLastCloseAt seeds the idle clock, e.g. from the trade log at startup.
func (l *PositionLedger) SetLastCloseAt(t time.Time) {
	l.lastCloseMu.Lock()
	defer l.lastCloseMu.Unlock()
	if t.After(l.lastCloseAt) {
		l.lastCloseAt = t
	}
}
