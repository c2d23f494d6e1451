package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/vitos/crypto_trade_engine/internal/config"
	"github.com/vitos/crypto_trade_engine/internal/domain"
	"go.uber.org/zap"
)

// TradingEngine owns every tracked coin and the wallet they share.
// It is driven by a single goroutine; only Latest is safe to call from others.
type TradingEngine struct {
	exchange domain.Exchange
	history  domain.HistoryProvider
	trades   domain.TradeRepository
	strategy BuyStrategy
	executor *TradeExecutor
	logger   *zap.Logger

	trading  config.Trading
	profiles map[string]domain.RiskProfile
	// deferred holds profiles that changed while the coin was held; applied at close.
	deferred map[string]domain.RiskProfile
	tracked  map[string]bool
	observed map[string]bool

	positions map[string]*domain.Position
	series    map[string]*PriceSeries
	held      []string
	lotSteps  map[string]float64

	initialCapital   float64
	capital          float64
	cumulativeProfit float64
	cumulativeFees   float64
	wins             int
	losses           int
	stales           int

	report atomic.Pointer[domain.Report]
}

func NewTradingEngine(
	cfg *config.Config,
	exchange domain.Exchange,
	history domain.HistoryProvider,
	trades domain.TradeRepository,
	strategy BuyStrategy,
	logger *zap.Logger,
) *TradingEngine {
	fillPoll := time.Duration(cfg.Exchange.FillPollMs) * time.Millisecond
	e := &TradingEngine{
		exchange:       exchange,
		history:        history,
		trades:         trades,
		strategy:       strategy,
		executor:       NewTradeExecutor(exchange, cfg.Exchange.FillWaitPolls, fillPoll),
		logger:         logger,
		trading:        cfg.Trading,
		profiles:       make(map[string]domain.RiskProfile),
		deferred:       make(map[string]domain.RiskProfile),
		tracked:        make(map[string]bool),
		observed:       make(map[string]bool),
		positions:      make(map[string]*domain.Position),
		series:         make(map[string]*PriceSeries),
		lotSteps:       make(map[string]float64),
		initialCapital: cfg.Trading.InitialInvestment,
		capital:        cfg.Trading.InitialInvestment,
	}
	for _, sym := range cfg.Trading.Symbols {
		e.AddSymbol(sym, cfg.Tickers[sym])
	}
	if ref := cfg.Strategy.ReferenceSymbol; ref != "" && !e.tracked[ref] {
		e.observed[ref] = true
	}
	return e
}

// AddSymbol starts tracking a coin, or updates the profile of one already tracked.
func (e *TradingEngine) AddSymbol(symbol string, profile domain.RiskProfile) {
	e.tracked[symbol] = true
	delete(e.observed, symbol)
	if e.isHeld(symbol) {
		e.deferred[symbol] = profile
		return
	}
	e.profiles[symbol] = profile
	if p, ok := e.positions[symbol]; ok {
		p.ApplyProfile(profile)
	}
}

// RemoveSymbol stops buying a coin. A held coin stays until it is sold, and
// a coin with an unsettled order until the order settles.
func (e *TradingEngine) RemoveSymbol(symbol string) {
	delete(e.tracked, symbol)
	if !e.isHeld(symbol) && !e.hasPendingOrder(symbol) {
		e.dropCoin(symbol)
	}
}

func (e *TradingEngine) hasPendingOrder(symbol string) bool {
	p, ok := e.positions[symbol]
	return ok && p.HasPendingOrder()
}

// slotsUsed counts held coins plus buys still awaiting their fill.
func (e *TradingEngine) slotsUsed() int {
	n := len(e.held)
	for _, p := range e.positions {
		if p.HasPendingOrder() && p.PendingSide == domain.SideBuy {
			n++
		}
	}
	return n
}

func (e *TradingEngine) dropCoin(symbol string) {
	delete(e.positions, symbol)
	delete(e.series, symbol)
	delete(e.profiles, symbol)
	delete(e.deferred, symbol)
}

func (e *TradingEngine) isHeld(symbol string) bool {
	for _, s := range e.held {
		if s == symbol {
			return true
		}
	}
	return false
}

func (e *TradingEngine) removeHeld(symbol string) {
	for i, s := range e.held {
		if s == symbol {
			e.held = append(e.held[:i], e.held[i+1:]...)
			return
		}
	}
}

// Series exposes a coin's price windows to strategies.
func (e *TradingEngine) Series(symbol string) (*PriceSeries, bool) {
	s, ok := e.series[symbol]
	return s, ok
}

// Position returns a copy of a coin's position.
func (e *TradingEngine) Position(symbol string) (domain.Position, bool) {
	p, ok := e.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Held returns the held symbols in the order they were bought.
func (e *TradingEngine) Held() []string {
	return append([]string(nil), e.held...)
}

func (e *TradingEngine) Capital() float64 {
	return e.capital
}

// ensureCoin creates the position and price windows of a coin on first sight,
// seeding the windows from the history service when one is configured.
func (e *TradingEngine) ensureCoin(ctx context.Context, symbol string, now time.Time) (*domain.Position, *PriceSeries) {
	p, ok := e.positions[symbol]
	if !ok {
		p = domain.NewPosition(symbol, e.profiles[symbol])
		e.positions[symbol] = p
	}
	s, ok := e.series[symbol]
	if !ok {
		s = NewPriceSeries(e.trading.HistoryDays)
		e.series[symbol] = s
		e.bootstrap(ctx, symbol, s, now)
	}
	return p, s
}

func (e *TradingEngine) bootstrap(ctx context.Context, symbol string, s *PriceSeries, now time.Time) {
	if e.history == nil {
		return
	}
	snap, err := e.history.Bootstrap(ctx, symbol, now)
	if err != nil {
		e.logger.Warn("history bootstrap failed, starting empty",
			zap.String("symbol", symbol),
			zap.Error(err))
		return
	}
	s.Restore(*snap)
	e.logger.Debug("history loaded",
		zap.String("symbol", symbol),
		zap.Int("days", s.Len(domain.Day)),
		zap.Int("hours", s.Len(domain.Hour)),
		zap.Int("minutes", s.Len(domain.Minute)))
}

// Ingest processes one tick for one coin. Sells are evaluated for held coins,
// buys for the rest; a coin never goes through both on the same tick.
// A coin with an unsettled order only has that order checked.
func (e *TradingEngine) Ingest(ctx context.Context, symbol string, price float64, now time.Time) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	held := e.isHeld(symbol)
	if !held && !e.hasPendingOrder(symbol) && !e.tracked[symbol] && !e.observed[symbol] {
		return
	}

	p, s := e.ensureCoin(ctx, symbol, now)
	s.Update(now, price)
	UpdatePosition(p, price, now)

	if p.HasPendingOrder() {
		e.resolvePending(ctx, p, now)
		return
	}
	if held {
		e.evaluateSell(ctx, p, now)
		return
	}
	e.evaluateBuy(ctx, p, s, now)
}

func (e *TradingEngine) evaluateSell(ctx context.Context, p *domain.Position, now time.Time) {
	if p.CloseReason != "" {
		// the rest of a partially filled sell
		if err := e.closePosition(ctx, p, p.CloseReason, now); err != nil {
			e.logger.Error("close failed, will retry next tick",
				append(positionFields(p), zap.String("reason", string(p.CloseReason)), zap.Error(err))...)
		}
		return
	}
	profile := e.profiles[p.Symbol]
	decision := EvaluateSell(p, &profile, SellPolicy{
		TradingFee:          e.trading.TradingFee,
		SellAsSoonAsItDrops: e.trading.SellAsSoonAsItDrops,
	})

	if decision.Decayed {
		e.logger.Debug("sell targets decayed",
			zap.String("symbol", p.Symbol),
			zap.Int64("holding_secs", p.HoldingTime),
			zap.Float64("sell_at_pct", p.SellAtPct),
			zap.Float64("trail_target_sell_pct", p.TrailTargetSellPct))
	}
	if decision.Armed {
		e.logger.Info("target sell armed", positionFields(p)...)
	}
	if decision.Action != ActionClose {
		return
	}
	if err := e.closePosition(ctx, p, decision.Status, now); err != nil {
		e.logger.Error("close failed, will retry next tick",
			append(positionFields(p), zap.String("reason", string(decision.Status)), zap.Error(err))...)
	}
}

// buyBlocked returns the first gate that stops a buy, or "" when the
// strategy may be consulted.
func (e *TradingEngine) buyBlocked(p *domain.Position, s *PriceSeries) string {
	if !e.tracked[p.Symbol] {
		return "untracked"
	}
	if p.Naughty {
		return "naughty"
	}
	if e.trading.EnableNewListingChecks && !IsListedLongEnough(s, e.trading.NewListingMinDays) {
		return "new listing"
	}
	if e.slotsUsed() >= e.trading.MaxCoins {
		return "wallet full"
	}
	if e.trading.EnablePumpAndDumpChecks && IsPumpAndDump(s, p.Price) {
		return "pump and dump"
	}
	return ""
}

func (e *TradingEngine) evaluateBuy(ctx context.Context, p *domain.Position, s *PriceSeries, now time.Time) {
	if reason := e.buyBlocked(p, s); reason != "" {
		return
	}

	switch e.strategy.ShouldBuy(*p, s, e) {
	case SignalArmDip:
		p.Status = domain.StatusTargetDip
		p.Dip = p.Price
		e.logger.Info("target dip armed", positionFields(p)...)
	case SignalBuy:
		if err := e.openPosition(ctx, p, now); err != nil {
			e.logger.Error("open failed, will retry next tick",
				append(positionFields(p), zap.Error(err))...)
		}
	}
}

func (e *TradingEngine) lotStep(ctx context.Context, symbol string) (float64, error) {
	if step, ok := e.lotSteps[symbol]; ok {
		return step, nil
	}
	step, err := e.exchange.GetLotStep(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("lot step %s: %w", symbol, err)
	}
	e.lotSteps[symbol] = step
	return step, nil
}

// openPosition buys an equal share of the reinvested capital.
// The position is only mutated once the exchange reports a fill.
func (e *TradingEngine) openPosition(ctx context.Context, p *domain.Position, now time.Time) error {
	step, err := e.lotStep(ctx, p.Symbol)
	if err != nil {
		return err
	}
	share := e.capital * e.trading.ReinvestPct / 100 / float64(e.trading.MaxCoins)
	qty := FloorToStep(share/p.Price, step)
	if qty <= 0 {
		return fmt.Errorf("share %.8f of %s is below lot step %v", share, p.Symbol, step)
	}

	fill, err := e.executor.Execute(ctx, p.Symbol, domain.SideBuy, qty)
	if errors.Is(err, domain.ErrOrderPending) {
		e.awaitOrder(p, fill, "", err)
		return nil
	}
	if err != nil {
		return err
	}
	e.bookOpen(ctx, p, fill, now)
	return nil
}

func (e *TradingEngine) bookOpen(ctx context.Context, p *domain.Position, fill *domain.Fill, now time.Time) {
	p.Status = domain.StatusHold
	p.Volume = fill.FilledQty
	p.BoughtAt = fill.AvgPrice
	p.Cost = fill.FilledQty * fill.AvgPrice
	p.Value = p.Cost
	p.Profit = 0
	p.BoughtTime = now
	p.HoldingTime = 0
	p.Dip = 0
	p.Tip = 0
	e.held = append(e.held, p.Symbol)

	e.logger.Info("opened position",
		append(positionFields(p),
			zap.Float64("volume", p.Volume),
			zap.Float64("cost", p.Cost),
			zap.String("order_id", fill.OrderID))...)

	e.recordTrade(ctx, &domain.Trade{
		Symbol:    p.Symbol,
		Side:      domain.SideBuy,
		Status:    domain.StatusHold,
		Volume:    p.Volume,
		Price:     p.BoughtAt,
		Cost:      p.Cost,
		Value:     p.Value,
		CreatedAt: now,
	})
}

// closePosition sells the whole volume and books the result.
func (e *TradingEngine) closePosition(ctx context.Context, p *domain.Position, reason domain.Status, now time.Time) error {
	fill, err := e.executor.Execute(ctx, p.Symbol, domain.SideSell, p.Volume)
	if errors.Is(err, domain.ErrOrderPending) {
		e.awaitOrder(p, fill, reason, err)
		return nil
	}
	if err != nil {
		return err
	}
	e.bookClose(ctx, p, fill, reason, now)
	return nil
}

// awaitOrder parks an unsettled order on the position; later ticks resolve it.
func (e *TradingEngine) awaitOrder(p *domain.Position, fill *domain.Fill, reason domain.Status, err error) {
	p.PendingOrderID = fill.OrderID
	p.PendingSide = fill.Side
	p.PendingReason = reason
	e.logger.Warn("order not settled, checking it on later ticks",
		append(positionFields(p), zap.String("order_id", fill.OrderID), zap.Error(err))...)
}

// resolvePending reads the parked order back and books it once it settles.
func (e *TradingEngine) resolvePending(ctx context.Context, p *domain.Position, now time.Time) {
	fill, err := e.executor.Resolve(ctx, p.Symbol, p.PendingSide, p.PendingOrderID)
	switch {
	case errors.Is(err, domain.ErrOrderPending):
		e.logger.Debug("order still open", zap.String("symbol", p.Symbol), zap.String("order_id", p.PendingOrderID))
		return
	case errors.Is(err, domain.ErrOrderRejected):
		e.logger.Warn("order closed unfilled", append(positionFields(p), zap.Error(err))...)
		p.ClearPending()
		if !e.tracked[p.Symbol] && !e.isHeld(p.Symbol) {
			e.dropCoin(p.Symbol)
		}
		return
	case err != nil:
		e.logger.Warn("order state unknown, will retry next tick", append(positionFields(p), zap.Error(err))...)
		return
	}

	side, reason := p.PendingSide, p.PendingReason
	p.ClearPending()
	if side == domain.SideBuy {
		e.bookOpen(ctx, p, fill, now)
		return
	}
	e.bookClose(ctx, p, fill, reason, now)
}

// bookClose books a sell fill. A fill short of the held volume books the
// sold share of the cost and keeps the rest held, to be sold for the same
// reason. Capital always equals initial capital plus the cumulative net profit.
func (e *TradingEngine) bookClose(ctx context.Context, p *domain.Position, fill *domain.Fill, reason domain.Status, now time.Time) {
	sold := fill.FilledQty
	partial := p.Volume-sold > p.Volume*1e-9
	cost := p.Cost
	if partial {
		cost = p.Cost * sold / p.Volume
	}

	value := sold * fill.AvgPrice
	profit := value - cost
	fees := e.trading.TradingFee/100*cost + e.trading.TradingFee/100*value
	net := profit - fees

	e.cumulativeFees += fees
	e.cumulativeProfit += net
	e.capital = e.initialCapital + e.cumulativeProfit

	e.recordTrade(ctx, &domain.Trade{
		Symbol:      p.Symbol,
		Side:        domain.SideSell,
		Status:      reason,
		Volume:      sold,
		Price:       fill.AvgPrice,
		Cost:        cost,
		Value:       value,
		Fees:        fees,
		RealizedPnL: net,
		HoldingTime: p.HoldingTime,
		CreatedAt:   now,
	})

	if partial {
		p.Volume -= sold
		p.Cost -= cost
		p.Value = p.Volume * p.Price
		p.Profit = p.Value - p.Cost
		p.CloseReason = reason
		p.PartialNet += net
		e.logger.Warn("position partially closed",
			zap.String("symbol", p.Symbol),
			zap.String("status", string(reason)),
			zap.Float64("sold", sold),
			zap.Float64("remaining", p.Volume),
			zap.Float64("realized_pnl", net),
			zap.Float64("capital", e.capital))
		return
	}

	total := p.PartialNet + net
	switch {
	case reason == domain.StatusStopLoss:
		e.losses++
	case reason == domain.StatusStale:
		e.stales++
	case total > 0:
		e.wins++
	default:
		e.losses++
	}

	if reason == domain.StatusStopLoss || reason == domain.StatusStale {
		p.Naughty = true
		p.NaughtySince = now
	}

	e.logger.Info("closed position",
		zap.String("symbol", p.Symbol),
		zap.String("status", string(reason)),
		zap.Int64("holding_secs", p.HoldingTime),
		zap.Float64("price", fill.AvgPrice),
		zap.Float64("profit", profit),
		zap.Float64("fees", fees),
		zap.Float64("realized_pnl", total),
		zap.Float64("capital", e.capital))

	profile := e.profiles[p.Symbol]
	if next, ok := e.deferred[p.Symbol]; ok {
		profile = next
		e.profiles[p.Symbol] = next
		delete(e.deferred, p.Symbol)
	}
	ResetPosition(p, profile, fill.AvgPrice, e.trading.CleanCoinStatsAtSale)
	e.removeHeld(p.Symbol)

	if !e.tracked[p.Symbol] {
		e.dropCoin(p.Symbol)
	}
}

func (e *TradingEngine) recordTrade(ctx context.Context, t *domain.Trade) {
	if e.trades == nil {
		return
	}
	if err := e.trades.SaveTrade(ctx, t); err != nil {
		e.logger.Error("Failed to save trade", zap.String("symbol", t.Symbol), zap.Error(err))
	}
}

// ForceClose sells a held coin regardless of its targets.
func (e *TradingEngine) ForceClose(ctx context.Context, symbol string, now time.Time) error {
	if !e.isHeld(symbol) {
		return fmt.Errorf("%w: %s is not held", domain.ErrUnknownSymbol, symbol)
	}
	p := e.positions[symbol]
	if p.HasPendingOrder() {
		return fmt.Errorf("%s: order %s: %w", symbol, p.PendingOrderID, domain.ErrOrderPending)
	}
	return e.closePosition(ctx, p, domain.StatusManualClose, now)
}

// HandleControl acts on operator flags and reports whether the loop should stop.
func (e *TradingEngine) HandleControl(ctx context.Context, c domain.Control, now time.Time) bool {
	for _, sym := range c.SellList {
		if err := e.ForceClose(ctx, sym, now); err != nil {
			e.logger.Warn("manual sell failed", zap.String("symbol", sym), zap.Error(err))
		}
	}
	if c.Balance {
		e.LogReport(e.Publish(now))
	}
	return c.Stop
}

// Reconfigure applies a reloaded config. Held coins keep the percentages
// they were opened with until they are sold.
func (e *TradingEngine) Reconfigure(cfg *config.Config) error {
	if used := e.slotsUsed(); cfg.Trading.MaxCoins < used {
		return fmt.Errorf("max_coins %d is below the %d coins held", cfg.Trading.MaxCoins, used)
	}
	strategy, err := NewBuyStrategy(cfg.Strategy)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(cfg.Trading.Symbols))
	for _, sym := range cfg.Trading.Symbols {
		want[sym] = true
	}
	var added, removed []string
	for sym := range e.tracked {
		if !want[sym] {
			removed = append(removed, sym)
		}
	}
	for _, sym := range cfg.Trading.Symbols {
		if !e.tracked[sym] {
			added = append(added, sym)
		}
	}
	sort.Strings(removed)

	for _, sym := range removed {
		e.RemoveSymbol(sym)
	}
	for _, sym := range cfg.Trading.Symbols {
		e.AddSymbol(sym, cfg.Tickers[sym])
	}

	e.observed = make(map[string]bool)
	if ref := cfg.Strategy.ReferenceSymbol; ref != "" && !e.tracked[ref] {
		e.observed[ref] = true
	}

	// capital keeps compounding from the original investment
	initial := e.trading.InitialInvestment
	e.trading = cfg.Trading
	e.trading.InitialInvestment = initial
	e.strategy = strategy

	e.logger.Info("config reloaded",
		zap.Strings("added", added),
		zap.Strings("removed", removed),
		zap.String("strategy", strategy.Name()),
		zap.Int("max_coins", cfg.Trading.MaxCoins))
	return nil
}

// Publish builds a fresh report and makes it visible to Latest.
func (e *TradingEngine) Publish(now time.Time) *domain.Report {
	r := &domain.Report{
		Time:             now,
		InitialCapital:   e.initialCapital,
		Capital:          e.capital,
		CumulativeProfit: e.cumulativeProfit,
		CumulativeFees:   e.cumulativeFees,
		Wins:             e.wins,
		Losses:           e.losses,
		Stales:           e.stales,
		Held:             make([]domain.Position, 0, len(e.held)),
	}
	for _, sym := range e.held {
		r.Held = append(r.Held, *e.positions[sym])
	}
	e.report.Store(r)
	return r
}

// Latest returns the last published report. Safe for concurrent use.
func (e *TradingEngine) Latest() *domain.Report {
	return e.report.Load()
}

func (e *TradingEngine) LogReport(r *domain.Report) {
	if r == nil {
		return
	}
	e.logger.Info("balance",
		zap.Float64("initial_capital", r.InitialCapital),
		zap.Float64("capital", r.Capital),
		zap.Float64("cumulative_profit", r.CumulativeProfit),
		zap.Float64("cumulative_fees", r.CumulativeFees),
		zap.Int("wins", r.Wins),
		zap.Int("losses", r.Losses),
		zap.Int("stales", r.Stales),
		zap.Int("held", len(r.Held)))
	for i := range r.Held {
		e.logger.Info("holding", positionFields(&r.Held[i])...)
	}
}

// Snapshot copies the engine state for persistence.
func (e *TradingEngine) Snapshot(now time.Time) *domain.Snapshot {
	snap := &domain.Snapshot{
		SavedAt:          now,
		Positions:        make(map[string]*domain.Position, len(e.positions)),
		Series:           make(map[string]domain.SeriesSnapshot, len(e.series)),
		Held:             e.Held(),
		Capital:          e.capital,
		CumulativeProfit: e.cumulativeProfit,
		CumulativeFees:   e.cumulativeFees,
		Wins:             e.wins,
		Losses:           e.losses,
		Stales:           e.stales,
	}
	for sym, p := range e.positions {
		cp := *p
		snap.Positions[sym] = &cp
	}
	for sym, s := range e.series {
		snap.Series[sym] = s.Export()
	}
	return snap
}

// Restore loads a saved state. Coins that are neither tracked nor held are
// dropped unless an order of theirs is unsettled; positions that are not
// held take the current profile.
func (e *TradingEngine) Restore(snap *domain.Snapshot) {
	if snap == nil {
		return
	}
	e.held = nil
	for _, sym := range snap.Held {
		p, ok := snap.Positions[sym]
		if !ok || p.Volume <= 0 {
			continue
		}
		e.held = append(e.held, sym)
	}
	for sym, saved := range snap.Positions {
		if !e.tracked[sym] && !e.observed[sym] && !e.isHeld(sym) && !saved.HasPendingOrder() {
			continue
		}
		p := *saved
		if !e.isHeld(sym) {
			p.ApplyProfile(e.profiles[sym])
		}
		e.positions[sym] = &p
	}
	for sym, ss := range snap.Series {
		if _, ok := e.positions[sym]; !ok {
			continue
		}
		s := NewPriceSeries(e.trading.HistoryDays)
		s.Restore(ss)
		e.series[sym] = s
	}

	e.cumulativeProfit = snap.CumulativeProfit
	e.cumulativeFees = snap.CumulativeFees
	e.capital = e.initialCapital + e.cumulativeProfit
	e.wins = snap.Wins
	e.losses = snap.Losses
	e.stales = snap.Stales

	e.logger.Info("state restored",
		zap.Time("saved_at", snap.SavedAt),
		zap.Strings("held", e.held),
		zap.Float64("capital", e.capital))
}

func positionFields(p *domain.Position) []zap.Field {
	return []zap.Field{
		zap.String("symbol", p.Symbol),
		zap.String("status", string(p.Status)),
		zap.Int64("holding_secs", p.HoldingTime),
		zap.Float64("price", p.Price),
		zap.Float64("profit", p.Profit),
	}
}
