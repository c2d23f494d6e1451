package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/vitos/crypto_trade_engine/internal/domain"
)

// TradeExecutor places market orders and verifies the exchange actually filled them.
// Placement is never retried so a lost response cannot double an order.
type TradeExecutor struct {
	exchange domain.Exchange
	polls    int
	every    time.Duration
}

// NewTradeExecutor reads an unsettled order back at most polls times, every apart.
func NewTradeExecutor(exchange domain.Exchange, polls int, every time.Duration) *TradeExecutor {
	return &TradeExecutor{
		exchange: exchange,
		polls:    polls,
		every:    every,
	}
}

// Execute places one market order and waits for it to settle.
//
// A filled order, or one the exchange closed after a partial fill, returns
// the fill. An order that closed without filling returns ErrOrderRejected.
// An order still open once the polls run out returns its last known fill
// with ErrOrderPending; the caller must Resolve it instead of placing another.
func (e *TradeExecutor) Execute(ctx context.Context, symbol string, side domain.Side, qty float64) (*domain.Fill, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%s %s: non-positive quantity %v", side, symbol, qty)
	}

	var (
		fill *domain.Fill
		err  error
	)
	switch side {
	case domain.SideBuy:
		fill, err = e.exchange.Open(ctx, symbol, qty)
	case domain.SideSell:
		fill, err = e.exchange.Close(ctx, symbol, qty)
	default:
		return nil, fmt.Errorf("invalid side: %s", side)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", side, symbol, err)
	}

	for i := 0; ; i++ {
		if done, err := settled(fill); done {
			return fill, err
		}
		if i >= e.polls || sleep(ctx, e.every) != nil {
			return fill, pending(fill)
		}
		if next, err := e.exchange.GetOrder(ctx, symbol, fill.OrderID); err == nil {
			next.Side = side
			fill = next
		}
	}
}

// Resolve reads a pending order once and classifies it like Execute.
func (e *TradeExecutor) Resolve(ctx context.Context, symbol string, side domain.Side, orderID string) (*domain.Fill, error) {
	fill, err := e.exchange.GetOrder(ctx, symbol, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s %s: order %s: %w", side, symbol, orderID, err)
	}
	fill.Side = side
	if done, err := settled(fill); done {
		return fill, err
	}
	return fill, pending(fill)
}

// settled reports whether the order reached a final state, and the error
// to return when it closed without filling anything.
func settled(f *domain.Fill) (bool, error) {
	filled := f.FilledQty > 0 && f.AvgPrice > 0
	switch {
	case f.Status == domain.OrderFilled && filled:
		return true, nil
	case f.Status.Terminal() && f.Status != domain.OrderFilled:
		if filled {
			return true, nil
		}
		return true, fmt.Errorf("%s %s: order %s %s: %w", f.Side, f.Symbol, f.OrderID, f.Status, domain.ErrOrderRejected)
	}
	return false, nil
}

func pending(f *domain.Fill) error {
	status := f.Status
	if status == "" {
		status = "UNKNOWN"
	}
	return fmt.Errorf("%s %s: order %s %s: %w", f.Side, f.Symbol, f.OrderID, status, domain.ErrOrderPending)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
