package usecase_test

import (
	"context"
	"fmt"
	"time"

	"github.com/vitos/crypto_trade_engine/internal/config"
	"github.com/vitos/crypto_trade_engine/internal/domain"
)

// MockExchange fills market orders at the prices it was given.
// With ZeroFill an order fills nothing, and with FillRatio only that share
// of it; either way it is left in Status.
type MockExchange struct {
	Prices    map[string]float64
	Step      float64
	OpenErr   error
	CloseErr  error
	ZeroFill  bool
	FillRatio float64
	Status    domain.OrderStatus

	Opens     int
	Closes    int
	Reads     int
	StepCalls int
	orderSeq  int
	orders    map[string]*mockOrder
}

type mockOrder struct {
	fill domain.Fill
	qty  float64
}

func NewMockExchange() *MockExchange {
	return &MockExchange{
		Prices: map[string]float64{},
		Step:   0.001,
		Status: domain.OrderCancelled,
		orders: map[string]*mockOrder{},
	}
}

func (m *MockExchange) GetPrices(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64, len(m.Prices))
	for k, v := range m.Prices {
		out[k] = v
	}
	return out, nil
}

func (m *MockExchange) GetLotStep(ctx context.Context, symbol string) (float64, error) {
	m.StepCalls++
	return m.Step, nil
}

func (m *MockExchange) Open(ctx context.Context, symbol string, qty float64) (*domain.Fill, error) {
	m.Opens++
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	return m.fill(symbol, domain.SideBuy, qty), nil
}

func (m *MockExchange) Close(ctx context.Context, symbol string, qty float64) (*domain.Fill, error) {
	m.Closes++
	if m.CloseErr != nil {
		return nil, m.CloseErr
	}
	return m.fill(symbol, domain.SideSell, qty), nil
}

func (m *MockExchange) fill(symbol string, side domain.Side, qty float64) *domain.Fill {
	m.orderSeq++
	f := domain.Fill{
		OrderID:   fmt.Sprintf("order-%d", m.orderSeq),
		Symbol:    symbol,
		Side:      side,
		Status:    domain.OrderFilled,
		AvgPrice:  m.Prices[symbol],
		FilledQty: qty,
	}
	switch {
	case m.ZeroFill:
		f.Status, f.AvgPrice, f.FilledQty = m.Status, 0, 0
	case m.FillRatio > 0:
		f.Status, f.FilledQty = m.Status, qty*m.FillRatio
	}
	m.orders[f.OrderID] = &mockOrder{fill: f, qty: qty}
	return &f
}

func (m *MockExchange) GetOrder(ctx context.Context, symbol, orderID string) (*domain.Fill, error) {
	m.Reads++
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	f := o.fill
	return &f, nil
}

// Settle completely fills every order still open, at the current price.
func (m *MockExchange) Settle() {
	for _, o := range m.orders {
		if o.fill.Status.Terminal() {
			continue
		}
		o.fill.Status = domain.OrderFilled
		o.fill.FilledQty = o.qty
		o.fill.AvgPrice = m.Prices[o.fill.Symbol]
	}
}

// MockTradeRepo records saved trades in memory.
type MockTradeRepo struct {
	Trades []*domain.Trade
}

func (r *MockTradeRepo) SaveTrade(ctx context.Context, t *domain.Trade) error {
	r.Trades = append(r.Trades, t)
	return nil
}

func (r *MockTradeRepo) ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	return r.Trades, nil
}

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func at(secs int) time.Time {
	return t0.Add(time.Duration(secs) * time.Second)
}

func testProfile() domain.RiskProfile {
	return domain.RiskProfile{
		BuyAtPct:             -5,
		SellAtPct:            3,
		StopLossPct:          -10,
		TrailTargetSellPct:   -1,
		TrailRecoveryPct:     1,
		SoftLimitHoldingTime: 3600,
		HardLimitHoldingTime: 7200,
		NaughtyTimeout:       600,
	}
}

func testConfig(symbols ...string) *config.Config {
	cfg := &config.Config{
		Trading: config.Trading{
			Symbols:           symbols,
			InitialInvestment: 1000,
			ReinvestPct:       100,
			MaxCoins:          1,
			TradingFee:        0.1,
			HistoryDays:       1000,
		},
		Strategy: config.Strategy{Name: "dip_recovery"},
		Tickers:  map[string]domain.RiskProfile{},
	}
	for _, s := range symbols {
		cfg.Tickers[s] = testProfile()
	}
	return cfg
}
