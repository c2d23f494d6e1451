package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/vitos/crypto_trade_engine/internal/domain"
)

// PaperExchange fills every market order at the last price it was fed.
// Used for backtests and dry runs.
type PaperExchange struct {
	lotStep     float64
	slippageBps float64

	mu     sync.Mutex
	prices map[string]float64
	orders map[string]domain.Fill
}

func NewPaperExchange(lotStep, slippageBps float64) *PaperExchange {
	return &PaperExchange{
		lotStep:     lotStep,
		slippageBps: slippageBps,
		prices:      make(map[string]float64),
		orders:      make(map[string]domain.Fill),
	}
}

func (p *PaperExchange) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

func (p *PaperExchange) GetPrices(ctx context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(p.prices))
	for k, v := range p.prices {
		out[k] = v
	}
	return out, nil
}

func (p *PaperExchange) GetLotStep(ctx context.Context, symbol string) (float64, error) {
	return p.lotStep, nil
}

func (p *PaperExchange) Open(ctx context.Context, symbol string, qty float64) (*domain.Fill, error) {
	return p.fill(symbol, domain.SideBuy, qty)
}

func (p *PaperExchange) Close(ctx context.Context, symbol string, qty float64) (*domain.Fill, error) {
	return p.fill(symbol, domain.SideSell, qty)
}

func (p *PaperExchange) fill(symbol string, side domain.Side, qty float64) (*domain.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no price for %s", domain.ErrUnknownSymbol, symbol)
	}
	slip := p.slippageBps / 10000
	if side == domain.SideBuy {
		price *= 1 + slip
	} else {
		price *= 1 - slip
	}

	f := domain.Fill{
		OrderID:   uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Status:    domain.OrderFilled,
		AvgPrice:  price,
		FilledQty: qty,
	}
	p.orders[f.OrderID] = f
	return &f, nil
}

func (p *PaperExchange) GetOrder(ctx context.Context, symbol, orderID string) (*domain.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return &f, nil
}

// DryRun trades on paper against live prices from feed.
type DryRun struct {
	*PaperExchange
	feed domain.Exchange
}

func NewDryRun(feed domain.Exchange, paper *PaperExchange) *DryRun {
	return &DryRun{PaperExchange: paper, feed: feed}
}

func (d *DryRun) GetPrices(ctx context.Context) (map[string]float64, error) {
	prices, err := d.feed.GetPrices(ctx)
	if err != nil {
		return nil, err
	}
	for sym, p := range prices {
		d.SetPrice(sym, p)
	}
	return prices, nil
}

func (d *DryRun) GetLotStep(ctx context.Context, symbol string) (float64, error) {
	return d.feed.GetLotStep(ctx, symbol)
}
