package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitos/crypto_trade_engine/internal/config"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/logger"
)

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check exchange connectivity and the configured symbols",
		RunE: func(cmd *cobra.Command, args []string) error {
			// one-shot command: log synchronously
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logger.NewLogger(cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			adapter := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint, "", newCaller(cfg, log), log)

			fmt.Printf("Testing Bybit Interaction...\n")
			fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)

			prices, err := adapter.GetPrices(ctx)
			if err != nil {
				fmt.Printf("❌ Failed to get prices: %v\n", err)
				return err
			}
			fmt.Printf("✅ %d spot tickers\n", len(prices))

			failed := 0
			for _, sym := range cfg.Trading.Symbols {
				price, ok := prices[sym]
				if !ok {
					fmt.Printf("❌ %s: no ticker\n", sym)
					failed++
					continue
				}
				step, err := adapter.GetLotStep(ctx, sym)
				if err != nil {
					fmt.Printf("❌ %s: price %f, lot step: %v\n", sym, price, err)
					failed++
					continue
				}
				fmt.Printf("✅ %s: price %f, lot step %g\n", sym, price, step)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d symbols failed", failed, len(cfg.Trading.Symbols))
			}
			return nil
		},
	}
}
