package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vitos/position_guard/internal/domain"
)

// SQLiteStore implements domain.PositionRepository and domain.TradeRepository
// over a single SQLite file. Positions are keyed by symbol; trades are
// append-only and never updated or deleted.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			entry_price REAL NOT NULL,
			current_price REAL NOT NULL,
			leverage INTEGER NOT NULL,
			opened_at DATETIME NOT NULL,
			peak_pnl_pct REAL NOT NULL DEFAULT 0,
			trailing_floor_pct REAL,
			completed_stages TEXT NOT NULL DEFAULT '[]',
			generation INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'OPEN'
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			leverage INTEGER NOT NULL,
			pnl REAL,
			fee REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_type ON trades(type);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

// PositionRepository Implementation

func (s *SQLiteStore) SavePosition(ctx context.Context, pos *domain.Position) error {
	stages, err := json.Marshal(pos.CompletedStages)
	if err != nil {
		return fmt.Errorf("marshal completed stages: %w", err)
	}

	var floor sql.NullFloat64
	if pos.TrailingFloorPercent != nil {
		floor = sql.NullFloat64{Float64: *pos.TrailingFloorPercent, Valid: true}
	}

	query := `INSERT INTO positions (symbol, side, quantity, entry_price, current_price, leverage, opened_at, peak_pnl_pct, trailing_floor_pct, completed_stages, generation, status)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(symbol) DO UPDATE SET
			  side=excluded.side,
			  quantity=excluded.quantity,
			  entry_price=excluded.entry_price,
			  current_price=excluded.current_price,
			  leverage=excluded.leverage,
			  opened_at=excluded.opened_at,
			  peak_pnl_pct=excluded.peak_pnl_pct,
			  trailing_floor_pct=excluded.trailing_floor_pct,
			  completed_stages=excluded.completed_stages,
			  generation=excluded.generation,
			  status=excluded.status`
	_, err = s.db.ExecContext(ctx, query,
		pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.CurrentPrice,
		pos.Leverage, pos.OpenedAt, pos.PeakPnlPercent, floor, string(stages),
		pos.Generation, pos.Status)
	return err
}

func (s *SQLiteStore) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	query := `SELECT symbol, side, quantity, entry_price, current_price, leverage, opened_at, peak_pnl_pct, trailing_floor_pct, completed_stages, generation, status
			  FROM positions WHERE symbol = ?`
	row := s.db.QueryRowContext(ctx, query, symbol)

	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPositionNotFound
	}
	return pos, err
}

func (s *SQLiteStore) ListPositions(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT symbol, side, quantity, entry_price, current_price, leverage, opened_at, peak_pnl_pct, trailing_floor_pct, completed_stages, generation, status
			  FROM positions ORDER BY symbol`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM positions WHERE symbol = ?", symbol)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var floor sql.NullFloat64
	var stages string
	err := row.Scan(&p.Symbol, &p.Side, &p.Quantity, &p.EntryPrice, &p.CurrentPrice,
		&p.Leverage, &p.OpenedAt, &p.PeakPnlPercent, &floor, &stages, &p.Generation, &p.Status)
	if err != nil {
		return nil, err
	}
	if floor.Valid {
		f := floor.Float64
		p.TrailingFloorPercent = &f
	}
	if err := json.Unmarshal([]byte(stages), &p.CompletedStages); err != nil {
		return nil, fmt.Errorf("unmarshal completed stages for %s: %w", p.Symbol, err)
	}
	return &p, nil
}

// TradeRepository Implementation

func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *domain.Trade) error {
	var pnl sql.NullFloat64
	if trade.Pnl != nil {
		pnl = sql.NullFloat64{Float64: *trade.Pnl, Valid: true}
	}

	query := `INSERT INTO trades (id, order_id, symbol, side, type, price, quantity, leverage, pnl, fee, status, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		trade.ID, trade.OrderID, trade.Symbol, trade.Side, trade.Type, trade.Price,
		trade.Quantity, trade.Leverage, pnl, trade.Fee, trade.Status, trade.Timestamp)
	return err
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	query := `SELECT id, order_id, symbol, side, type, price, quantity, leverage, pnl, fee, status, created_at
			  FROM trades ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		var t domain.Trade
		var pnl sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.Side, &t.Type, &t.Price,
			&t.Quantity, &t.Leverage, &pnl, &t.Fee, &t.Status, &t.Timestamp); err != nil {
			return nil, err
		}
		if pnl.Valid {
			v := pnl.Float64
			t.Pnl = &v
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// LastCloseTime returns the timestamp of the most recent close-type trade,
// used to seed the idle clock across restarts. Zero time when none exist.
func (s *SQLiteStore) LastCloseTime(ctx context.Context) (sql.NullTime, error) {
	// A direct column select keeps the declared type so the driver returns a
	// time.Time; aggregates would come back as raw text.
	row := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM trades WHERE type = 'close' ORDER BY created_at DESC LIMIT 1`)

	var t sql.NullTime
	if err := row.Scan(&t); err != nil {
		if err == sql.ErrNoRows {
			return sql.NullTime{}, nil
		}
		return sql.NullTime{}, err
	}
	return t, nil
}
