package usecase

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/vitos/crypto_trade_engine/internal/config"
	"github.com/vitos/crypto_trade_engine/internal/domain"
	"go.uber.org/zap"
)

// ConfigSource yields a new config when the file behind it changed.
type ConfigSource interface {
	Poll(now time.Time) (*config.Config, bool, error)
}

// PriceSetter is fed every replayed tick before the engine sees it.
type PriceSetter interface {
	SetPrice(symbol string, price float64)
}

// Runner drives the engine from a single goroutine, live or from a replay.
// Snapshots, control flags and config reloads are handled between ticks.
type Runner struct {
	engine   *TradingEngine
	exchange domain.Exchange
	store    domain.SnapshotStore
	control  domain.ControlFlags
	source   ConfigSource
	pause    time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewRunner wires the loop. store, control and source are optional.
func NewRunner(
	engine *TradingEngine,
	exchange domain.Exchange,
	store domain.SnapshotStore,
	control domain.ControlFlags,
	source ConfigSource,
	pause time.Duration,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		engine:   engine,
		exchange: exchange,
		store:    store,
		control:  control,
		source:   source,
		pause:    pause,
		logger:   logger,
		now:      time.Now,
	}
}

// Restore loads the last snapshot into the engine, if there is one.
func (r *Runner) Restore() {
	if r.store == nil {
		return
	}
	snap, err := r.store.Load()
	if err != nil {
		r.logger.Warn("snapshot unusable, starting empty", zap.Error(err))
		return
	}
	r.engine.Restore(snap)
}

// Run polls prices until ctx is cancelled or a STOP flag is seen.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Starting trading loop", zap.Duration("pause", r.pause))
	var now time.Time
	for {
		now = r.now()
		prices, err := r.exchange.GetPrices(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Warn("Failed to get prices, skipping tick", zap.Error(err))
		} else {
			r.tick(ctx, prices, now)
		}

		if r.afterTick(ctx, now) {
			break
		}

		select {
		case <-ctx.Done():
		case <-time.After(r.pause):
		}
		if ctx.Err() != nil {
			break
		}
	}
	r.shutdown(now)
	return nil
}

func (r *Runner) tick(ctx context.Context, prices map[string]float64, now time.Time) {
	symbols := make([]string, 0, len(prices))
	for sym := range prices {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		r.engine.Ingest(ctx, sym, prices[sym], now)
	}
}

// afterTick publishes, persists, and applies operator flags and config
// changes. It reports whether the loop should stop.
func (r *Runner) afterTick(ctx context.Context, now time.Time) bool {
	r.engine.Publish(now)
	r.save(now)

	stop := false
	if r.control != nil {
		c, err := r.control.Poll()
		if err != nil {
			r.logger.Warn("Failed to read control flags", zap.Error(err))
		} else {
			stop = r.engine.HandleControl(ctx, c, now)
		}
	}

	if r.source != nil {
		cfg, changed, err := r.source.Poll(now)
		switch {
		case err != nil:
			r.logger.Error("Config reload failed, keeping current config", zap.Error(err))
		case changed:
			if err := r.engine.Reconfigure(cfg); err != nil {
				r.logger.Error("Config rejected", zap.Error(err))
			} else {
				r.pause = cfg.Loop.Pause()
			}
		}
	}
	return stop
}

func (r *Runner) save(now time.Time) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(r.engine.Snapshot(now)); err != nil {
		r.logger.Error("Failed to save snapshot", zap.Error(err))
	}
}

func (r *Runner) shutdown(now time.Time) {
	if now.IsZero() {
		now = r.now()
	}
	r.engine.LogReport(r.engine.Publish(now))
	r.save(now)
	r.logger.Info("Trading loop stopped")
}

// Backtest feeds recorded ticks through the engine. A tick boundary, and
// with it the between-tick work, happens whenever replay time moves on
// by at least the pause.
func (r *Runner) Backtest(ctx context.Context, feed *ReplayFeed, prices PriceSetter) error {
	var boundary, last time.Time
	stopped := false
	err := feed.Each(ctx, func(t Tick) error {
		if prices != nil {
			prices.SetPrice(t.Symbol, t.Price)
		}
		r.engine.Ingest(ctx, t.Symbol, t.Price, t.Time)
		last = t.Time
		if boundary.IsZero() {
			boundary = t.Time
		}
		if t.Time.Sub(boundary) >= r.pause {
			boundary = t.Time
			if r.afterTick(ctx, t.Time) {
				stopped = true
				return errStopReplay
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopReplay) {
		return err
	}
	if stopped {
		r.logger.Info("Replay stopped by control flag", zap.Time("at", last))
	}
	r.shutdown(last)
	return nil
}
