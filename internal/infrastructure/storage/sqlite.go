package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/crypto_trade_engine/internal/domain"
)

// SQLiteStore is the append-only trade log.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// single writer; also keeps ":memory:" databases on one connection
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			status TEXT NOT NULL,
			volume REAL NOT NULL,
			price REAL NOT NULL,
			cost REAL NOT NULL,
			value REAL NOT NULL,
			fees REAL NOT NULL DEFAULT 0,
			realized_pnl REAL NOT NULL DEFAULT 0,
			holding_time INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// TradeRepository Implementation

func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.Trade) error {
	query := `INSERT INTO trades (symbol, side, status, volume, price, cost, value, fees, realized_pnl, holding_time, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		t.Symbol, t.Side, t.Status, t.Volume, t.Price, t.Cost, t.Value, t.Fees, t.RealizedPnL, t.HoldingTime, t.CreatedAt.UTC())
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}

// ListTrades returns the newest trades first.
func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	query := `SELECT id, symbol, side, status, volume, price, cost, value, fees, realized_pnl, holding_time, created_at
			  FROM trades ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Status, &t.Volume, &t.Price, &t.Cost, &t.Value, &t.Fees, &t.RealizedPnL, &t.HoldingTime, &t.CreatedAt); err != nil {
			return nil, err
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// SymbolStats aggregates the closed trades of one symbol.
type SymbolStats struct {
	Symbol      string  `json:"symbol"`
	Closes      int     `json:"closes"`
	RealizedPnL float64 `json:"realized_pnl"`
	Fees        float64 `json:"fees"`
}

func (s *SQLiteStore) StatsBySymbol(ctx context.Context) ([]SymbolStats, error) {
	query := `SELECT symbol, COUNT(*), COALESCE(SUM(realized_pnl), 0), COALESCE(SUM(fees), 0)
			  FROM trades WHERE side = ? GROUP BY symbol ORDER BY symbol`
	rows, err := s.db.QueryContext(ctx, query, domain.SideSell)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []SymbolStats
	for rows.Next() {
		var st SymbolStats
		if err := rows.Scan(&st.Symbol, &st.Closes, &st.RealizedPnL, &st.Fees); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
