package domain

import (
	"context"
	"time"
)

// Exchange defines the interface for interacting with a spot exchange.
type Exchange interface {
	GetPrices(ctx context.Context) (map[string]float64, error)
	GetLotStep(ctx context.Context, symbol string) (float64, error)
	Open(ctx context.Context, symbol string, qty float64) (*Fill, error)
	Close(ctx context.Context, symbol string, qty float64) (*Fill, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*Fill, error)
}

// HistoryProvider pre-seeds a coin's price windows.
type HistoryProvider interface {
	Bootstrap(ctx context.Context, symbol string, date time.Time) (*SeriesSnapshot, error)
}

// TradeRepository defines storage operations for executed trades.
type TradeRepository interface {
	SaveTrade(ctx context.Context, trade *Trade) error
	ListTrades(ctx context.Context, limit int) ([]*Trade, error)
}

// SnapshotStore persists the engine state between runs.
type SnapshotStore interface {
	Load() (*Snapshot, error)
	Save(snap *Snapshot) error
}

// ControlFlags exposes operator signals polled once per tick.
type ControlFlags interface {
	Poll() (Control, error)
}

// Control is the set of operator requests found during one poll.
type Control struct {
	Balance  bool
	Stop     bool
	SellList []string
}
