package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vitos/crypto_trade_engine/internal/config"
	"github.com/vitos/crypto_trade_engine/internal/domain"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/control"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/storage"
	"github.com/vitos/crypto_trade_engine/internal/usecase"
	"go.uber.org/zap"
)

func backtestCmd() *cobra.Command {
	var (
		files    []string
		tradesDB string
		slippage float64
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay recorded price logs through the engine on paper",
		Long: `backtest reads "<ISO time> <symbol> <price>" lines from the files
matched by --files (or backtest.files in config). Globs such as
logs/**/*.log.gz are supported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, flush, err := setup()
			if err != nil {
				return err
			}
			defer flush()
			if len(files) > 0 {
				cfg.Backtest.Files = files
			}
			return runBacktest(cfg, tradesDB, slippage, log)
		},
	}
	cmd.Flags().StringSliceVarP(&files, "files", "f", nil, "Replay file globs")
	cmd.Flags().StringVar(&tradesDB, "trades-db", "", "Record replayed trades to this SQLite file")
	cmd.Flags().Float64Var(&slippage, "slippage-bps", 0, "Simulated slippage in basis points")
	return cmd
}

func runBacktest(cfg *config.Config, tradesDB string, slippage float64, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feed, err := usecase.NewReplayFeed(cfg.Backtest.Files, cfg.Loop.Pause(), log)
	if err != nil {
		return err
	}

	paper := exchange.NewPaperExchange(cfg.Exchange.PaperLotStep, slippage)

	var trades domain.TradeRepository
	if tradesDB != "" {
		s, err := storage.NewSQLiteStore(tradesDB)
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
	engine := usecase.NewTradingEngine(cfg, paper, newHistory(cfg, newCaller(cfg, log)), trades, strategy, log)

	flags, err := control.NewFileFlags(cfg.Control.Dir)
	if err != nil {
		return err
	}

	runner := usecase.NewRunner(engine, paper, nil, flags, nil, cfg.Loop.Pause(), log)
	log.Info("Backtest started",
		zap.Strings("files", feed.Files()),
		zap.String("strategy", strategy.Name()))
	return runner.Backtest(ctx, feed, paper)
}
