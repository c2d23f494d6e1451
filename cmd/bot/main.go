package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vitos/crypto_trade_engine/internal/config"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/logger"
	"go.uber.org/zap"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "bot",
		Short: "Spot coin trading engine",
		Long: `bot trades a configured set of spot coins with dip-recovery style
strategies, either live against the exchange or over recorded price logs.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "Path to the YAML config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(backtestCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the config and builds the async logger. The returned func
// flushes the log queue and must run last.
func setup() (*config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log, w := logger.NewAsyncLogger(cfg.Logging.Level, cfg.Logging.QueueSize, os.Stdout)
	flush := func() {
		_ = log.Sync()
		if n := w.Dropped(); n > 0 {
			fmt.Fprintf(os.Stderr, "log queue dropped %d entries\n", n)
		}
		w.Close()
	}
	return cfg, log, flush, nil
}
