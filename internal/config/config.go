package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/crypto_trade_engine/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Exchange Exchange                      `yaml:"exchange"`
	History  History                       `yaml:"history"`
	Trading  Trading                       `yaml:"trading"`
	Strategy Strategy                      `yaml:"strategy"`
	Tickers  map[string]domain.RiskProfile `yaml:"tickers"`
	Loop     Loop                          `yaml:"loop"`
	Backtest Backtest                      `yaml:"backtest"`
	Storage  struct {
		SnapshotPath string `yaml:"snapshot_path"`
		TradesDB     string `yaml:"trades_db"`
	} `yaml:"storage"`
	Control struct {
		Dir string `yaml:"dir"`
	} `yaml:"control"`
	Logging struct {
		Level     string `yaml:"level"`
		QueueSize int    `yaml:"queue_size"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Schedule struct {
		ReportCron string `yaml:"report_cron"`
	} `yaml:"schedule"`
}

type Exchange struct {
	Name              string  `yaml:"name"`
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	RESTEndpoint      string  `yaml:"rest_endpoint"`
	WSEndpoint        string  `yaml:"ws_endpoint"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	MaxAttempts       int     `yaml:"max_attempts"`
	BaseDelayMs       int     `yaml:"base_delay_ms"`
	PaperLotStep      float64 `yaml:"paper_lot_step"`
	// An order still open after FillWaitPolls reads FillPollMs apart is
	// resolved on later ticks.
	FillWaitPolls int `yaml:"fill_wait_polls"`
	FillPollMs    int `yaml:"fill_poll_ms"`
}

type History struct {
	URL         string `yaml:"url"`
	Mode        string `yaml:"mode"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// Trading holds the engine-wide money management switches.
type Trading struct {
	Symbols                 []string `yaml:"symbols"`
	InitialInvestment       float64  `yaml:"initial_investment"`
	ReinvestPct             float64  `yaml:"reinvest_percentage"`
	MaxCoins                int      `yaml:"max_coins"`
	TradingFee              float64  `yaml:"trading_fee"` // percent charged per leg
	SellAsSoonAsItDrops     bool     `yaml:"sell_as_soon_it_drops"`
	CleanCoinStatsAtSale    bool     `yaml:"clean_coin_stats_at_sale"`
	EnableNewListingChecks  bool     `yaml:"enable_new_listing_checks"`
	NewListingMinDays       int      `yaml:"new_listing_checks_age_in_days"`
	EnablePumpAndDumpChecks bool     `yaml:"enable_pump_and_dump_checks"`
	HistoryDays             int      `yaml:"history_days"`
}

// Strategy selects and parameterises the buy heuristic.
type Strategy struct {
	Name            string  `yaml:"name"`
	TrendPeriod     string  `yaml:"trend_period"`
	TrendGrowthPct  float64 `yaml:"trend_growth_percentage"`
	ReferenceSymbol string  `yaml:"reference_symbol"`
	ReferencePeriod string  `yaml:"reference_period"`
}

type Loop struct {
	PauseSecs  float64 `yaml:"pause_secs"`
	ReloadSecs int     `yaml:"reload_secs"`
}

type Backtest struct {
	Files []string `yaml:"files"`
}

func (l Loop) Pause() time.Duration {
	return time.Duration(l.PauseSecs * float64(time.Second))
}

// Load reads config from a YAML file, then applies .env and environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and environment overrides, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Ignore error so the bot still starts when .env is missing.
	_ = godotenv.Load()
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}
	if v := os.Getenv("HISTORY_URL"); v != "" {
		cfg.History.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Trading.Symbols) == 0 {
		for sym := range c.Tickers {
			c.Trading.Symbols = append(c.Trading.Symbols, sym)
		}
		sort.Strings(c.Trading.Symbols)
	}
	if c.Trading.ReinvestPct == 0 {
		c.Trading.ReinvestPct = 100
	}
	if c.Trading.MaxCoins == 0 {
		c.Trading.MaxCoins = 1
	}
	if c.Trading.HistoryDays == 0 {
		c.Trading.HistoryDays = 1000
	}
	if c.Strategy.Name == "" {
		c.Strategy.Name = "dip_recovery"
	}
	if c.Exchange.RequestsPerMinute == 0 {
		c.Exchange.RequestsPerMinute = 600
	}
	if c.Exchange.MaxAttempts == 0 {
		c.Exchange.MaxAttempts = 5
	}
	if c.Exchange.BaseDelayMs == 0 {
		c.Exchange.BaseDelayMs = 500
	}
	if c.Exchange.PaperLotStep == 0 {
		c.Exchange.PaperLotStep = 0.000001
	}
	if c.Exchange.FillWaitPolls == 0 {
		c.Exchange.FillWaitPolls = 5
	}
	if c.Exchange.FillPollMs == 0 {
		c.Exchange.FillPollMs = 200
	}
	if c.History.Mode == "" {
		c.History.Mode = "live"
	}
	if c.History.TimeoutSecs == 0 {
		c.History.TimeoutSecs = 30
	}
	if c.Loop.PauseSecs == 0 {
		c.Loop.PauseSecs = 3.5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.QueueSize == 0 {
		c.Logging.QueueSize = 4096
	}
	if c.Control.Dir == "" {
		c.Control.Dir = "control"
	}
}

// Validate checks the configuration is usable.
// A tracked symbol without a risk profile is fatal.
func (c *Config) Validate() error {
	var missing []string
	for _, sym := range c.Trading.Symbols {
		if _, ok := c.Tickers[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrMissingProfile, strings.Join(missing, ","))
	}
	if c.Trading.MaxCoins < 1 {
		return fmt.Errorf("max_coins must be positive, got %d", c.Trading.MaxCoins)
	}
	if c.Trading.InitialInvestment <= 0 {
		return fmt.Errorf("initial_investment must be positive")
	}
	for sym, p := range c.Tickers {
		if p.HardLimitHoldingTime <= p.SoftLimitHoldingTime {
			return fmt.Errorf("%s: hard_limit_holding_time must exceed soft_limit_holding_time", sym)
		}
	}
	return nil
}
