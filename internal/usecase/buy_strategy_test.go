package usecase_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_engine/internal/config"
	"github.com/vitos/crypto_trade_engine/internal/domain"
	"github.com/vitos/crypto_trade_engine/internal/usecase"
)

type stubMarket map[string]*usecase.PriceSeries

func (m stubMarket) Series(symbol string) (*usecase.PriceSeries, bool) {
	s, ok := m[symbol]
	return s, ok
}

func seriesWithHours(avgs ...float64) *usecase.PriceSeries {
	s := usecase.NewPriceSeries(usecase.MaxDays)
	samples := make([]domain.Sample, len(avgs))
	for i, v := range avgs {
		samples[i] = domain.Sample{Time: at(i * 3600), Value: v}
	}
	s.Seed(domain.Hour, nil, samples, nil)
	return s
}

func emptyPosition(price, last, maxSinceReset float64) domain.Position {
	p := domain.NewPosition("ETHUSDT", testProfile())
	p.Price = price
	p.LastPrice = last
	p.MaxSinceReset = maxSinceReset
	return *p
}

func TestDipRecovery(t *testing.T) {
	s := usecase.DipRecovery{}

	assert.Equal(t, usecase.SignalArmDip, s.ShouldBuy(emptyPosition(94, 96, 100), nil, nil))
	assert.Equal(t, usecase.SignalNone, s.ShouldBuy(emptyPosition(96, 97, 100), nil, nil))

	p := emptyPosition(94, 93, 100)
	p.Status = domain.StatusTargetDip
	p.Dip = 93
	assert.Equal(t, usecase.SignalBuy, s.ShouldBuy(p, nil, nil))

	p.Price = 93.9 // below 101% of the dip
	assert.Equal(t, usecase.SignalNone, s.ShouldBuy(p, nil, nil))

	p.Price, p.LastPrice = 95, 96 // still falling
	assert.Equal(t, usecase.SignalNone, s.ShouldBuy(p, nil, nil))
}

func TestMomentumBreakout(t *testing.T) {
	profile := testProfile()
	profile.BuyAtPct = 1
	p := domain.NewPosition("ETHUSDT", profile)
	p.LastPrice = 100

	p.Price = 101.5
	assert.Equal(t, usecase.SignalBuy, usecase.MomentumBreakout{}.ShouldBuy(*p, nil, nil))
	p.Price = 100.5
	assert.Equal(t, usecase.SignalNone, usecase.MomentumBreakout{}.ShouldBuy(*p, nil, nil))
}

func TestTrendConfirmedDip(t *testing.T) {
	strategy := usecase.TrendConfirmedDip{
		Window:       usecase.TrendWindow{Granularity: domain.Hour, Count: 2},
		MinGrowthPct: 1,
	}
	p := emptyPosition(94, 96, 100)

	assert.Equal(t, usecase.SignalArmDip, strategy.ShouldBuy(p, seriesWithHours(90, 100, 102, 104), nil))
	assert.Equal(t, usecase.SignalNone, strategy.ShouldBuy(p, seriesWithHours(100, 100.5, 101), nil), "growth below 1%")
	assert.Equal(t, usecase.SignalNone, strategy.ShouldBuy(p, seriesWithHours(102, 104), nil), "not enough history")

	// an armed dip is not re-checked against the trend
	p.Status = domain.StatusTargetDip
	p.Dip, p.LastPrice = 93, 93
	assert.Equal(t, usecase.SignalBuy, strategy.ShouldBuy(p, seriesWithHours(104, 100), nil))
}

func TestCorrelatedDip(t *testing.T) {
	strategy := usecase.CorrelatedDip{
		Reference: "BTCUSDT",
		Window:    usecase.TrendWindow{Granularity: domain.Hour, Count: 2},
	}
	p := emptyPosition(94, 96, 100)

	assert.Equal(t, usecase.SignalArmDip, strategy.ShouldBuy(p, nil, stubMarket{"BTCUSDT": seriesWithHours(1, 2, 3)}))
	assert.Equal(t, usecase.SignalNone, strategy.ShouldBuy(p, nil, stubMarket{"BTCUSDT": seriesWithHours(1, 3, 2)}))
	assert.Equal(t, usecase.SignalNone, strategy.ShouldBuy(p, nil, stubMarket{}))
}

func TestParseTrendWindow(t *testing.T) {
	tests := []struct {
		in      string
		want    usecase.TrendWindow
		wantErr bool
	}{
		{"4d", usecase.TrendWindow{Granularity: domain.Day, Count: 4}, false},
		{"6h", usecase.TrendWindow{Granularity: domain.Hour, Count: 6}, false},
		{"30m", usecase.TrendWindow{Granularity: domain.Minute, Count: 30}, false},
		{"0d", usecase.TrendWindow{}, true},
		{"4w", usecase.TrendWindow{}, true},
		{"d", usecase.TrendWindow{}, true},
		{"", usecase.TrendWindow{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := usecase.ParseTrendWindow(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestNewBuyStrategy(t *testing.T) {
	s, err := usecase.NewBuyStrategy(config.Strategy{})
	require.NoError(t, err)
	assert.Equal(t, "dip_recovery", s.Name())

	s, err = usecase.NewBuyStrategy(config.Strategy{Name: "trend_confirmed_dip", TrendPeriod: "3h", TrendGrowthPct: 0.5})
	require.NoError(t, err)
	assert.Equal(t, usecase.TrendConfirmedDip{Window: usecase.TrendWindow{Granularity: domain.Hour, Count: 3}, MinGrowthPct: 0.5}, s)

	_, err = usecase.NewBuyStrategy(config.Strategy{Name: "correlated_dip", ReferencePeriod: "1d"})
	assert.Error(t, err)

	_, err = usecase.NewBuyStrategy(config.Strategy{Name: "martingale"})
	assert.Error(t, err)
}
