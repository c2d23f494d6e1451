package domain

import "time"

// Status is the lifecycle state of a coin position.
type Status string

const (
	StatusEmpty            Status = ""
	StatusTargetDip        Status = "TARGET_DIP"
	StatusHold             Status = "HOLD"
	StatusTargetSell       Status = "TARGET_SELL"
	StatusGoneUpAndDropped Status = "GONE_UP_AND_DROPPED"
	StatusStopLoss         Status = "STOP_LOSS"
	StatusStale            Status = "STALE"
	StatusManualClose      Status = "MANUAL_CLOSE"
)

// IsHeld reports whether a position in this status owns coins.
func (s Status) IsHeld() bool {
	switch s {
	case StatusHold, StatusTargetSell, StatusGoneUpAndDropped, StatusStopLoss, StatusStale, StatusManualClose:
		return true
	}
	return false
}

// Accrues reports whether holding time accumulates in this status.
func (s Status) Accrues() bool {
	return s == StatusHold || s == StatusTargetSell
}

// Position is the per-coin trading state.
// Percentages are absolute: SellAtPct 103 means 103% of BoughtAt.
type Position struct {
	Symbol string `json:"symbol"`
	Status Status `json:"status"`

	// Market snapshot
	Price           float64   `json:"price"`
	LastPrice       float64   `json:"last_price"`
	MinSinceReset   float64   `json:"min_since_reset"`
	MaxSinceReset   float64   `json:"max_since_reset"`
	ObservationTime time.Time `json:"observation_time"`

	// Trade snapshot
	Volume     float64   `json:"volume"`
	BoughtAt   float64   `json:"bought_at"`
	Cost       float64   `json:"cost"`
	Value      float64   `json:"value"`
	Profit     float64   `json:"profit"`
	BoughtTime time.Time `json:"bought_time"`

	// Seconds since bought, accrues only while HOLD or TARGET_SELL.
	HoldingTime int64   `json:"holding_time"`
	Dip         float64 `json:"dip"`
	Tip         float64 `json:"tip"`

	BuyAtPct             float64 `json:"buy_at_pct"`
	SellAtPct            float64 `json:"sell_at_pct"`
	StopLossPct          float64 `json:"stop_loss_pct"`
	TrailTargetSellPct   float64 `json:"trail_target_sell_pct"`
	TrailRecoveryPct     float64 `json:"trail_recovery_pct"`
	SoftLimitHoldingTime int64   `json:"soft_limit_holding_time"`
	HardLimitHoldingTime int64   `json:"hard_limit_holding_time"`

	Naughty        bool      `json:"naughty"`
	NaughtySince   time.Time `json:"naughty_since"`
	NaughtyTimeout int64     `json:"naughty_timeout"`

	// An order placed but not yet settled; no new order is placed meanwhile.
	PendingOrderID string `json:"pending_order_id,omitempty"`
	PendingSide    Side   `json:"pending_side,omitempty"`
	PendingReason  Status `json:"pending_reason,omitempty"`

	// Set after a partial sell: the rest is sold for CloseReason on the next
	// tick and PartialNet carries the net booked so far.
	CloseReason Status  `json:"close_reason,omitempty"`
	PartialNet  float64 `json:"partial_net,omitempty"`
}

// HasPendingOrder reports whether an order of this coin awaits settlement.
func (p *Position) HasPendingOrder() bool {
	return p.PendingOrderID != ""
}

// ClearPending forgets the pending order.
func (p *Position) ClearPending() {
	p.PendingOrderID = ""
	p.PendingSide = ""
	p.PendingReason = ""
}

// NewPosition creates an empty position carrying the profile defaults.
func NewPosition(symbol string, profile RiskProfile) *Position {
	p := &Position{Symbol: symbol}
	p.ApplyProfile(profile)
	return p
}

// ApplyProfile resets the mutable risk/reward fields to the profile defaults.
func (p *Position) ApplyProfile(profile RiskProfile) {
	p.BuyAtPct = 100 + profile.BuyAtPct
	p.SellAtPct = 100 + profile.SellAtPct
	p.StopLossPct = 100 + profile.StopLossPct
	p.TrailTargetSellPct = 100 + profile.TrailTargetSellPct
	p.TrailRecoveryPct = 100 + profile.TrailRecoveryPct
	p.SoftLimitHoldingTime = profile.SoftLimitHoldingTime
	p.HardLimitHoldingTime = profile.HardLimitHoldingTime
	p.NaughtyTimeout = profile.NaughtyTimeout
}

// RiskProfile is the configured risk/reward profile of a coin.
// Percentages are offsets from 100: SellAtPct 3 means sell at 103%.
type RiskProfile struct {
	BuyAtPct             float64 `yaml:"buy_at_percentage" json:"buy_at_percentage"`
	SellAtPct            float64 `yaml:"sell_at_percentage" json:"sell_at_percentage"`
	StopLossPct          float64 `yaml:"stop_loss_at_percentage" json:"stop_loss_at_percentage"`
	TrailTargetSellPct   float64 `yaml:"trail_target_sell_percentage" json:"trail_target_sell_percentage"`
	TrailRecoveryPct     float64 `yaml:"trail_recovery_percentage" json:"trail_recovery_percentage"`
	SoftLimitHoldingTime int64   `yaml:"soft_limit_holding_time" json:"soft_limit_holding_time"` // seconds
	HardLimitHoldingTime int64   `yaml:"hard_limit_holding_time" json:"hard_limit_holding_time"` // seconds
	NaughtyTimeout       int64   `yaml:"naughty_timeout" json:"naughty_timeout"`                 // seconds
}

// Trade is one executed leg (open or close) kept in the trade log.
type Trade struct {
	ID          int64     `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Status      Status    `json:"status"`
	Volume      float64   `json:"volume"`
	Price       float64   `json:"price"`
	Cost        float64   `json:"cost"`
	Value       float64   `json:"value"`
	Fees        float64   `json:"fees"`
	RealizedPnL float64   `json:"realized_pnl"`
	HoldingTime int64     `json:"holding_time"`
	CreatedAt   time.Time `json:"created_at"`
}
