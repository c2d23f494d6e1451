package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_engine/internal/config"
	"github.com/vitos/crypto_trade_engine/internal/domain"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/storage"
	"github.com/vitos/crypto_trade_engine/internal/usecase"
	"go.uber.org/zap"
)

type engineFixture struct {
	engine *usecase.TradingEngine
	ex     *MockExchange
	repo   *MockTradeRepo
}

func newEngine(t *testing.T, cfg *config.Config) *engineFixture {
	t.Helper()
	strategy, err := usecase.NewBuyStrategy(cfg.Strategy)
	require.NoError(t, err)
	ex := NewMockExchange()
	repo := &MockTradeRepo{}
	return &engineFixture{
		engine: usecase.NewTradingEngine(cfg, ex, nil, repo, strategy, zap.NewNop()),
		ex:     ex,
		repo:   repo,
	}
}

func (f *engineFixture) tick(symbol string, secs int, price float64) {
	f.ex.Prices[symbol] = price
	f.engine.Ingest(context.Background(), symbol, price, at(secs))
}

func (f *engineFixture) status(t *testing.T, symbol string) domain.Status {
	t.Helper()
	p, ok := f.engine.Position(symbol)
	require.True(t, ok, "no position for %s", symbol)
	return p.Status
}

// restoreHeld puts the engine in the state of a coin bought at 100.
func (f *engineFixture) restoreHeld(symbol string) {
	p := domain.NewPosition(symbol, testProfile())
	p.Status = domain.StatusHold
	p.Price, p.LastPrice = 100, 100
	p.BoughtAt, p.Cost, p.Volume, p.Value = 100, 100, 1, 100
	p.BoughtTime = t0
	f.engine.Restore(&domain.Snapshot{
		Positions: map[string]*domain.Position{symbol: p},
		Held:      []string{symbol},
	})
}

func TestTradingEngine_StopLoss(t *testing.T) {
	f := newEngine(t, testConfig("BTCUSDT"))
	f.restoreHeld("BTCUSDT")

	f.tick("BTCUSDT", 10, 20)

	r := f.engine.Publish(at(10))
	assert.Equal(t, 1, r.Losses)
	assert.Zero(t, r.Wins)
	assert.Empty(t, r.Held)
	assert.InDelta(t, -80.12, r.CumulativeProfit, 1e-9)
	assert.InDelta(t, 0.12, r.CumulativeFees, 1e-9)
	assert.InDelta(t, 1000-80.12, f.engine.Capital(), 1e-9)

	p, _ := f.engine.Position("BTCUSDT")
	assert.Equal(t, domain.StatusEmpty, p.Status)
	assert.True(t, p.Naughty)
	assert.Equal(t, at(10), p.NaughtySince)

	require.Len(t, f.repo.Trades, 1)
	assert.Equal(t, domain.StatusStopLoss, f.repo.Trades[0].Status)
	assert.InDelta(t, -80.12, f.repo.Trades[0].RealizedPnL, 1e-9)
}

func TestTradingEngine_DipRecoveryRoundTrip(t *testing.T) {
	f := newEngine(t, testConfig("BTCUSDT"))

	f.tick("BTCUSDT", 0, 100)
	assert.Equal(t, domain.StatusEmpty, f.status(t, "BTCUSDT"))

	f.tick("BTCUSDT", 1, 94)
	assert.Equal(t, domain.StatusTargetDip, f.status(t, "BTCUSDT"))

	f.tick("BTCUSDT", 2, 93)
	f.tick("BTCUSDT", 3, 94)
	p, _ := f.engine.Position("BTCUSDT")
	require.Equal(t, domain.StatusHold, p.Status)
	assert.InDelta(t, 10.638, p.Volume, 1e-9)
	assert.InDelta(t, 999.972, p.Cost, 1e-9)
	assert.Equal(t, []string{"BTCUSDT"}, f.engine.Held())

	f.tick("BTCUSDT", 4, 97)
	p, _ = f.engine.Position("BTCUSDT")
	assert.Equal(t, domain.StatusTargetSell, p.Status)
	assert.Equal(t, 97.0, p.Tip)

	f.tick("BTCUSDT", 5, 99)
	assert.Equal(t, domain.StatusTargetSell, f.status(t, "BTCUSDT"))

	f.tick("BTCUSDT", 6, 98)
	assert.Equal(t, domain.StatusEmpty, f.status(t, "BTCUSDT"))
	assert.Empty(t, f.engine.Held())

	r := f.engine.Publish(at(6))
	assert.Equal(t, 1, r.Wins)
	assert.InDelta(t, 40.509504, r.CumulativeProfit, 1e-6)
	assert.InDelta(t, 1040.509504, r.Capital, 1e-6)

	require.Len(t, f.repo.Trades, 2)
	assert.Equal(t, domain.SideBuy, f.repo.Trades[0].Side)
	assert.Equal(t, domain.StatusTargetSell, f.repo.Trades[1].Status)
	assert.Equal(t, 1, f.ex.StepCalls)
}

func TestTradingEngine_WalletLimit(t *testing.T) {
	cfg := testConfig("AAAUSDT", "BBBUSDT")
	cfg.Strategy.Name = "momentum_breakout"
	for sym := range cfg.Tickers {
		profile := testProfile()
		profile.BuyAtPct = 1
		cfg.Tickers[sym] = profile
	}
	f := newEngine(t, cfg)

	f.tick("AAAUSDT", 0, 10)
	f.tick("BBBUSDT", 0, 10)
	f.tick("AAAUSDT", 1, 11)
	f.tick("BBBUSDT", 1, 11)

	assert.Equal(t, []string{"AAAUSDT"}, f.engine.Held())
	assert.Equal(t, domain.StatusEmpty, f.status(t, "BBBUSDT"))
	assert.Equal(t, 1, f.ex.Opens)

	// the whole capital went to the first coin
	p, _ := f.engine.Position("AAAUSDT")
	assert.InDelta(t, 90.909, p.Volume, 1e-9)
}

func TestTradingEngine_BuyGates(t *testing.T) {
	t.Run("naughty coin is not bought until the timeout passes", func(t *testing.T) {
		f := newEngine(t, testConfig("BTCUSDT"))
		p := domain.NewPosition("BTCUSDT", testProfile())
		p.Price, p.LastPrice, p.MaxSinceReset, p.MinSinceReset = 100, 100, 100, 100
		p.Naughty = true
		p.NaughtySince = t0
		f.engine.Restore(&domain.Snapshot{Positions: map[string]*domain.Position{"BTCUSDT": p}})

		f.tick("BTCUSDT", 10, 90)
		assert.Equal(t, domain.StatusEmpty, f.status(t, "BTCUSDT"))

		f.tick("BTCUSDT", 700, 90)
		assert.Equal(t, domain.StatusTargetDip, f.status(t, "BTCUSDT"))
	})

	t.Run("new listing", func(t *testing.T) {
		cfg := testConfig("BTCUSDT")
		cfg.Trading.EnableNewListingChecks = true
		cfg.Trading.NewListingMinDays = 1
		f := newEngine(t, cfg)

		f.tick("BTCUSDT", 0, 100)
		f.tick("BTCUSDT", 1, 90)
		assert.Equal(t, domain.StatusEmpty, f.status(t, "BTCUSDT"))
	})

	t.Run("pump and dump check fails closed without hourly history", func(t *testing.T) {
		cfg := testConfig("BTCUSDT")
		cfg.Trading.EnablePumpAndDumpChecks = true
		f := newEngine(t, cfg)

		f.tick("BTCUSDT", 0, 100)
		f.tick("BTCUSDT", 1, 90)
		assert.Equal(t, domain.StatusEmpty, f.status(t, "BTCUSDT"))
	})
}

func TestTradingEngine_FailedOrdersLeaveStateUntouched(t *testing.T) {
	f := newEngine(t, testConfig("BTCUSDT"))
	f.tick("BTCUSDT", 0, 100)
	f.tick("BTCUSDT", 1, 94)
	f.tick("BTCUSDT", 2, 93)

	f.ex.ZeroFill = true
	f.tick("BTCUSDT", 3, 94)
	assert.Equal(t, domain.StatusTargetDip, f.status(t, "BTCUSDT"))
	assert.Empty(t, f.engine.Held())
	assert.Equal(t, 1000.0, f.engine.Capital())

	f.ex.ZeroFill = false
	f.tick("BTCUSDT", 4, 95)
	assert.Equal(t, domain.StatusHold, f.status(t, "BTCUSDT"))

	f.ex.CloseErr = assert.AnError
	f.tick("BTCUSDT", 5, 50)
	p, _ := f.engine.Position("BTCUSDT")
	assert.Equal(t, domain.StatusHold, p.Status)
	assert.False(t, p.Naughty)
	assert.Equal(t, []string{"BTCUSDT"}, f.engine.Held())

	f.ex.CloseErr = nil
	f.tick("BTCUSDT", 6, 50)
	assert.Empty(t, f.engine.Held())
	assert.Equal(t, 1, f.engine.Publish(at(6)).Losses)
}

func TestTradingEngine_UnsettledSellIsNotPlacedTwice(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t, testConfig("BTCUSDT"))
	f.restoreHeld("BTCUSDT")
	f.ex.ZeroFill = true
	f.ex.Status = domain.OrderNew

	f.tick("BTCUSDT", 10, 20)
	f.tick("BTCUSDT", 11, 20)
	f.tick("BTCUSDT", 12, 20)
	assert.Equal(t, 1, f.ex.Closes)
	assert.Equal(t, []string{"BTCUSDT"}, f.engine.Held())
	assert.Empty(t, f.repo.Trades)
	assert.Equal(t, 1000.0, f.engine.Capital())

	p, _ := f.engine.Position("BTCUSDT")
	assert.Equal(t, "order-1", p.PendingOrderID)
	assert.Equal(t, domain.StatusStopLoss, p.PendingReason)
	assert.ErrorIs(t, f.engine.ForceClose(ctx, "BTCUSDT", at(12)), domain.ErrOrderPending)

	// a restart keeps waiting on the same order
	g := newEngine(t, testConfig())
	g.engine.Restore(f.engine.Snapshot(at(12)))
	restored, ok := g.engine.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "order-1", restored.PendingOrderID)

	f.ex.Settle()
	f.tick("BTCUSDT", 13, 20)
	assert.Equal(t, 1, f.ex.Closes)
	assert.Empty(t, f.engine.Held())
	r := f.engine.Publish(at(13))
	assert.Equal(t, 1, r.Losses)
	assert.InDelta(t, -80.12, r.CumulativeProfit, 1e-9)

	p, _ = f.engine.Position("BTCUSDT")
	assert.Empty(t, p.PendingOrderID)
	assert.True(t, p.Naughty)
	require.Len(t, f.repo.Trades, 1)
	assert.Equal(t, domain.StatusStopLoss, f.repo.Trades[0].Status)
}

func TestTradingEngine_UnsettledBuyHoldsItsSlot(t *testing.T) {
	f := newEngine(t, testConfig("BTCUSDT", "ETHUSDT"))
	f.ex.ZeroFill = true
	f.ex.Status = domain.OrderNew

	for i, price := range []float64{100, 94, 93, 94} {
		f.tick("BTCUSDT", i, price)
	}
	require.Equal(t, 1, f.ex.Opens)
	assert.Empty(t, f.engine.Held())

	for i, price := range []float64{100, 94, 93, 94} {
		f.tick("ETHUSDT", i, price)
	}
	assert.Equal(t, 1, f.ex.Opens, "the open buy takes the only wallet slot")

	cfg := testConfig("BTCUSDT", "ETHUSDT")
	cfg.Trading.MaxCoins = 0
	assert.Error(t, f.engine.Reconfigure(cfg))

	f.ex.Settle()
	f.tick("BTCUSDT", 4, 95)
	assert.Equal(t, []string{"BTCUSDT"}, f.engine.Held())
	p, _ := f.engine.Position("BTCUSDT")
	assert.Equal(t, domain.StatusHold, p.Status)
	assert.Equal(t, 94.0, p.BoughtAt)
	assert.InDelta(t, 10.638, p.Volume, 1e-9)
	assert.Equal(t, 1, f.ex.Opens)
	require.Len(t, f.repo.Trades, 1)
	assert.Equal(t, domain.SideBuy, f.repo.Trades[0].Side)
}

func TestTradingEngine_PartialCloseKeepsRemainder(t *testing.T) {
	f := newEngine(t, testConfig("BTCUSDT"))
	f.restoreHeld("BTCUSDT")
	f.ex.FillRatio = 0.5

	f.tick("BTCUSDT", 10, 20)
	assert.Equal(t, []string{"BTCUSDT"}, f.engine.Held())
	p, _ := f.engine.Position("BTCUSDT")
	assert.InDelta(t, 0.5, p.Volume, 1e-9)
	assert.InDelta(t, 50, p.Cost, 1e-9)
	assert.Equal(t, domain.StatusStopLoss, p.CloseReason)
	assert.False(t, p.Naughty)
	assert.InDelta(t, 1000-40.06, f.engine.Capital(), 1e-9)
	assert.Zero(t, f.engine.Publish(at(10)).Losses)
	require.Len(t, f.repo.Trades, 1)
	assert.InDelta(t, 0.5, f.repo.Trades[0].Volume, 1e-9)
	assert.InDelta(t, 50, f.repo.Trades[0].Cost, 1e-9)

	f.ex.FillRatio = 0
	f.tick("BTCUSDT", 11, 20)
	assert.Equal(t, 2, f.ex.Closes)
	assert.Empty(t, f.engine.Held())
	r := f.engine.Publish(at(11))
	assert.Equal(t, 1, r.Losses)
	assert.InDelta(t, -80.12, r.CumulativeProfit, 1e-9)
	assert.InDelta(t, 0.12, r.CumulativeFees, 1e-9)

	p, _ = f.engine.Position("BTCUSDT")
	assert.True(t, p.Naughty)
	assert.Empty(t, p.CloseReason)
	assert.Zero(t, p.PartialNet)
	require.Len(t, f.repo.Trades, 2)
	assert.InDelta(t, 0.5, f.repo.Trades[1].Volume, 1e-9)
}

func TestTradingEngine_ForceCloseAndControl(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t, testConfig("BTCUSDT", "ETHUSDT"))

	err := f.engine.ForceClose(ctx, "BTCUSDT", at(0))
	assert.ErrorIs(t, err, domain.ErrUnknownSymbol)

	f.restoreHeld("BTCUSDT")
	f.tick("BTCUSDT", 1, 101)

	stop := f.engine.HandleControl(ctx, domain.Control{SellList: []string{"BTCUSDT", "ETHUSDT"}, Balance: true}, at(2))
	assert.False(t, stop)
	assert.Empty(t, f.engine.Held())
	require.NotNil(t, f.engine.Latest())
	assert.Equal(t, 1, f.engine.Latest().Wins)

	p, _ := f.engine.Position("BTCUSDT")
	assert.False(t, p.Naughty, "manual close does not penalise the coin")
	assert.Equal(t, domain.StatusManualClose, f.repo.Trades[len(f.repo.Trades)-1].Status)

	assert.True(t, f.engine.HandleControl(ctx, domain.Control{Stop: true}, at(3)))
}

func TestTradingEngine_Reconfigure(t *testing.T) {
	f := newEngine(t, testConfig("BTCUSDT", "ETHUSDT"))
	f.restoreHeld("BTCUSDT")
	f.tick("ETHUSDT", 0, 10)

	t.Run("max coins below held is rejected", func(t *testing.T) {
		cfg := testConfig("BTCUSDT")
		cfg.Trading.MaxCoins = 0
		assert.Error(t, f.engine.Reconfigure(cfg))
	})

	cfg := testConfig("BTCUSDT", "SOLUSDT")
	cfg.Trading.InitialInvestment = 5000
	profile := testProfile()
	profile.SellAtPct = 10
	cfg.Tickers["BTCUSDT"] = profile
	require.NoError(t, f.engine.Reconfigure(cfg))

	_, ok := f.engine.Position("ETHUSDT")
	assert.False(t, ok, "removed coin that is not held is dropped")
	assert.Equal(t, 1000.0, f.engine.Capital())

	p, _ := f.engine.Position("BTCUSDT")
	assert.Equal(t, 103.0, p.SellAtPct, "held coin keeps its opening targets")

	f.tick("BTCUSDT", 1, 80)
	p, _ = f.engine.Position("BTCUSDT")
	assert.Equal(t, 110.0, p.SellAtPct, "new profile applies after the sale")

	f.tick("SOLUSDT", 2, 20)
	_, ok = f.engine.Series("SOLUSDT")
	assert.True(t, ok)
}

func TestTradingEngine_RemovedHeldCoinSellsThenDrops(t *testing.T) {
	f := newEngine(t, testConfig("BTCUSDT"))
	f.restoreHeld("BTCUSDT")

	require.NoError(t, f.engine.Reconfigure(testConfig("ETHUSDT")))
	assert.Equal(t, []string{"BTCUSDT"}, f.engine.Held())

	f.tick("BTCUSDT", 1, 80)
	assert.Empty(t, f.engine.Held())
	_, ok := f.engine.Position("BTCUSDT")
	assert.False(t, ok)

	f.tick("BTCUSDT", 2, 80)
	_, ok = f.engine.Position("BTCUSDT")
	assert.False(t, ok, "untracked coins are ignored once sold")
}

func TestTradingEngine_SnapshotRoundTrip(t *testing.T) {
	f := newEngine(t, testConfig("BTCUSDT"))
	for i, price := range []float64{100, 94, 93, 94, 95} {
		f.tick("BTCUSDT", i, price)
	}
	snap := f.engine.Snapshot(at(5))

	g := newEngine(t, testConfig("BTCUSDT"))
	g.engine.Restore(snap)

	assert.Equal(t, f.engine.Held(), g.engine.Held())
	assert.Equal(t, f.engine.Capital(), g.engine.Capital())
	want, _ := f.engine.Position("BTCUSDT")
	got, _ := g.engine.Position("BTCUSDT")
	assert.Equal(t, want, got)

	ws, _ := f.engine.Series("BTCUSDT")
	gs, _ := g.engine.Series("BTCUSDT")
	assert.Equal(t, ws.Export(), gs.Export())
}

func TestTradingEngine_IgnoresBadTicks(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	cfg.Strategy = config.Strategy{Name: "correlated_dip", ReferenceSymbol: "ETHUSDT", ReferencePeriod: "1h"}
	f := newEngine(t, cfg)

	f.tick("BTCUSDT", 0, -1)
	_, ok := f.engine.Position("BTCUSDT")
	assert.False(t, ok)

	f.tick("DOGEUSDT", 0, 1)
	_, ok = f.engine.Series("DOGEUSDT")
	assert.False(t, ok)

	// the reference coin is observed but never bought
	f.tick("ETHUSDT", 0, 100)
	f.tick("ETHUSDT", 1, 50)
	_, ok = f.engine.Series("ETHUSDT")
	assert.True(t, ok)
	assert.Zero(t, f.ex.Opens)
}

func TestTradingEngine_WithSQLiteTradeLog(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	cfg := testConfig("BTCUSDT")
	ex := NewMockExchange()
	engine := usecase.NewTradingEngine(cfg, ex, nil, store, usecase.DipRecovery{}, zap.NewNop())
	ctx := context.Background()
	for i, price := range []float64{100, 94, 93, 94, 97, 99, 98} {
		ex.Prices["BTCUSDT"] = price
		engine.Ingest(ctx, "BTCUSDT", price, at(i))
	}

	trades, err := store.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.SideSell, trades[0].Side)
	assert.InDelta(t, 40.509504, trades[0].RealizedPnL, 1e-6)

	stats, err := store.StatsBySymbol(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "BTCUSDT", stats[0].Symbol)
}
