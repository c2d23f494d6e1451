package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/vitos/crypto_trade_engine/internal/config"
	"github.com/vitos/crypto_trade_engine/internal/domain"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/control"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/history"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/ratelimit"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/storage"
	"github.com/vitos/crypto_trade_engine/internal/usecase"
	"github.com/vitos/crypto_trade_engine/internal/web"
	"go.uber.org/zap"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Trade live (or on paper with exchange.name: paper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, flush, err := setup()
			if err != nil {
				return err
			}
			defer flush()
			return runLive(cfg, log)
		},
	}
}

func newCaller(cfg *config.Config, log *zap.Logger) *ratelimit.Caller {
	return ratelimit.NewCaller(
		cfg.Exchange.RequestsPerMinute,
		cfg.Exchange.MaxAttempts,
		time.Duration(cfg.Exchange.BaseDelayMs)*time.Millisecond,
		log,
	)
}

func newHistory(cfg *config.Config, caller *ratelimit.Caller) domain.HistoryProvider {
	if cfg.History.URL == "" {
		return nil
	}
	return history.NewClient(cfg.History.URL, cfg.History.Mode, time.Duration(cfg.History.TimeoutSecs)*time.Second, caller)
}

func runLive(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	caller := newCaller(cfg, log)
	bybit := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, caller, log)
	if cfg.Exchange.WSEndpoint != "" {
		if err := bybit.Connect(ctx, cfg.Trading.Symbols); err != nil {
			log.Warn("Ticker stream unavailable, polling REST", zap.Error(err))
		}
		defer bybit.Disconnect()
	}

	var ex domain.Exchange = bybit
	if cfg.Exchange.Name == "paper" {
		log.Info("Paper trading against live prices")
		ex = exchange.NewDryRun(bybit, exchange.NewPaperExchange(cfg.Exchange.PaperLotStep, 0))
	}

	var trades domain.TradeRepository
	if cfg.Storage.TradesDB != "" {
		s, err := storage.NewSQLiteStore(cfg.Storage.TradesDB)
		if err != nil {
			return err
		}
		defer s.Close()
		trades = s
	}

	strategy, err := usecase.NewBuyStrategy(cfg.Strategy)
	if err != nil {
		return err
	}
	engine := usecase.NewTradingEngine(cfg, ex, newHistory(cfg, caller), trades, strategy, log)

	var snapshots domain.SnapshotStore
	if cfg.Storage.SnapshotPath != "" {
		s, err := storage.OpenSnapshotFile(cfg.Storage.SnapshotPath, log)
		if err != nil {
			return err
		}
		defer s.Close()
		snapshots = s
	}

	flags, err := control.NewFileFlags(cfg.Control.Dir)
	if err != nil {
		return err
	}

	var source usecase.ConfigSource
	if cfg.Loop.ReloadSecs > 0 {
		w, err := config.NewWatcher(configPath, time.Duration(cfg.Loop.ReloadSecs)*time.Second)
		if err != nil {
			return err
		}
		source = w
	}

	runner := usecase.NewRunner(engine, ex, snapshots, flags, source, cfg.Loop.Pause(), log)
	runner.Restore()

	if cfg.Server.Port > 0 {
		srv := web.NewServer(cfg.Server.Port, engine, trades, log)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("Web server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Schedule.ReportCron != "" {
		c := cron.New(cron.WithSeconds())
		if _, err := c.AddFunc(cfg.Schedule.ReportCron, func() {
			engine.LogReport(engine.Latest())
		}); err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	log.Info("Engine started",
		zap.Strings("symbols", cfg.Trading.Symbols),
		zap.String("strategy", strategy.Name()),
		zap.String("exchange", cfg.Exchange.Name),
		zap.Int("max_coins", cfg.Trading.MaxCoins))
	return runner.Run(ctx)
}
