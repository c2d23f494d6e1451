package usecase

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/vitos/crypto_trade_engine/internal/config"
	"github.com/vitos/crypto_trade_engine/internal/domain"
)

// BuySignal is a strategy's verdict for a coin that is not held.
type BuySignal int

const (
	SignalNone BuySignal = iota
	// SignalArmDip asks the engine to start watching a dip (EMPTY -> TARGET_DIP).
	SignalArmDip
	SignalBuy
)

func (s BuySignal) String() string {
	switch s {
	case SignalArmDip:
		return "ARM_DIP"
	case SignalBuy:
		return "BUY"
	}
	return "NONE"
}

// MarketView gives strategies read-only access to other coins.
type MarketView interface {
	Series(symbol string) (*PriceSeries, bool)
}

// BuyStrategy decides whether to open a position for a coin that is not held.
// Implementations only read their inputs; the engine applies the signal.
type BuyStrategy interface {
	Name() string
	ShouldBuy(p domain.Position, s *PriceSeries, m MarketView) BuySignal
}

// NewBuyStrategy builds the strategy named in config.
func NewBuyStrategy(cfg config.Strategy) (BuyStrategy, error) {
	switch cfg.Name {
	case "", "dip_recovery":
		return DipRecovery{}, nil
	case "momentum_breakout":
		return MomentumBreakout{}, nil
	case "trend_confirmed_dip":
		w, err := ParseTrendWindow(cfg.TrendPeriod)
		if err != nil {
			return nil, err
		}
		return TrendConfirmedDip{Window: w, MinGrowthPct: cfg.TrendGrowthPct}, nil
	case "correlated_dip":
		if cfg.ReferenceSymbol == "" {
			return nil, fmt.Errorf("correlated_dip: reference_symbol is required")
		}
		w, err := ParseTrendWindow(cfg.ReferencePeriod)
		if err != nil {
			return nil, err
		}
		return CorrelatedDip{Reference: cfg.ReferenceSymbol, Window: w}, nil
	}
	return nil, fmt.Errorf("unknown buy strategy %q", cfg.Name)
}

// DipRecovery waits for the price to fall below buy_at% of the max since
// reset, then buys once it bounces above trail_recovery% of the dip.
type DipRecovery struct{}

func (DipRecovery) Name() string { return "dip_recovery" }

func (DipRecovery) ShouldBuy(p domain.Position, _ *PriceSeries, _ MarketView) BuySignal {
	switch p.Status {
	case domain.StatusEmpty:
		if p.Price < pct(p.BuyAtPct, p.MaxSinceReset) {
			return SignalArmDip
		}
	case domain.StatusTargetDip:
		if p.Price > p.LastPrice && p.Price > pct(p.TrailRecoveryPct, p.Dip) {
			return SignalBuy
		}
	}
	return SignalNone
}

// MomentumBreakout buys as soon as the price jumps above buy_at% of the previous price.
type MomentumBreakout struct{}

func (MomentumBreakout) Name() string { return "momentum_breakout" }

func (MomentumBreakout) ShouldBuy(p domain.Position, _ *PriceSeries, _ MarketView) BuySignal {
	if p.Status == domain.StatusEmpty && p.LastPrice > 0 && p.Price > pct(p.BuyAtPct, p.LastPrice) {
		return SignalBuy
	}
	return SignalNone
}

// TrendConfirmedDip only arms a dip after Window.Count consecutive buckets
// each grew by at least MinGrowthPct over the previous one.
type TrendConfirmedDip struct {
	Window       TrendWindow
	MinGrowthPct float64
}

func (TrendConfirmedDip) Name() string { return "trend_confirmed_dip" }

func (t TrendConfirmedDip) ShouldBuy(p domain.Position, s *PriceSeries, m MarketView) BuySignal {
	signal := DipRecovery{}.ShouldBuy(p, s, m)
	if signal == SignalArmDip && !Growing(s, t.Window, t.MinGrowthPct) {
		return SignalNone
	}
	return signal
}

// CorrelatedDip runs DipRecovery only while the reference coin is rising
// monotonically over its own window.
type CorrelatedDip struct {
	Reference string
	Window    TrendWindow
}

func (CorrelatedDip) Name() string { return "correlated_dip" }

func (c CorrelatedDip) ShouldBuy(p domain.Position, s *PriceSeries, m MarketView) BuySignal {
	ref, ok := m.Series(c.Reference)
	if !ok || !Growing(ref, c.Window, 0) {
		return SignalNone
	}
	return DipRecovery{}.ShouldBuy(p, s, m)
}

// TrendWindow is a count of buckets at one granularity, written like "4d".
type TrendWindow struct {
	Granularity domain.Granularity
	Count       int
}

var trendWindowRe = regexp.MustCompile(`^(\d+)([mhd])$`)

func ParseTrendWindow(s string) (TrendWindow, error) {
	m := trendWindowRe.FindStringSubmatch(s)
	if m == nil {
		return TrendWindow{}, fmt.Errorf("invalid trend window %q, want e.g. 4d, 6h or 30m", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return TrendWindow{}, fmt.Errorf("invalid trend window %q", s)
	}
	return TrendWindow{Granularity: domain.Granularity(m[2]), Count: n}, nil
}

func (w TrendWindow) String() string {
	return fmt.Sprintf("%d%s", w.Count, w.Granularity)
}

// Growing reports whether the last w.Count period-over-period changes of the
// averages at w.Granularity are all strictly rising by at least minPct
// percent. Missing history counts as not growing.
func Growing(s *PriceSeries, w TrendWindow, minPct float64) bool {
	if s == nil || w.Count < 1 {
		return false
	}
	avgs := s.Averages(w.Granularity)
	if len(avgs) < w.Count+1 {
		return false
	}
	avgs = avgs[len(avgs)-w.Count-1:]
	for i := 1; i < len(avgs); i++ {
		prev, cur := avgs[i-1].Value, avgs[i].Value
		if prev <= 0 || cur <= prev || (cur-prev)/prev*100 < minPct {
			return false
		}
	}
	return true
}
