package usecase

import (
	"time"

	"github.com/vitos/crypto_trade_engine/internal/domain"
)

type Action string

const (
	ActionNone  Action = "NONE"
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSE"
)

// SellPolicy holds the engine-wide switches the sell chain depends on.
type SellPolicy struct {
	TradingFee          float64 // percent per leg
	SellAsSoonAsItDrops bool
}

// SellDecision is the outcome of one pass of the sell chain.
type SellDecision struct {
	Action Action
	// Status is the close reason when Action is ActionClose.
	Status domain.Status
	// Armed is set when HOLD switched to TARGET_SELL on this tick.
	Armed bool
	// Decayed is set when the soft holding limit shrank the sell targets.
	Decayed bool
}

func pct(percent, of float64) float64 {
	return percent / 100 * of
}

// UpdatePosition refreshes the market side of a position for a new tick.
func UpdatePosition(p *domain.Position, price float64, now time.Time) {
	if p.Price == 0 {
		p.LastPrice = price
	} else {
		p.LastPrice = p.Price
	}
	p.Price = price
	p.ObservationTime = now

	if p.MinSinceReset == 0 || price < p.MinSinceReset {
		p.MinSinceReset = price
	}
	if price > p.MaxSinceReset {
		p.MaxSinceReset = price
	}

	if p.Status.Accrues() {
		p.HoldingTime = int64(now.Sub(p.BoughtTime) / time.Second)
	}

	if p.Volume > 0 {
		p.Value = p.Volume * price
		p.Profit = p.Value - p.Cost
	}

	if p.Naughty && now.Sub(p.NaughtySince) > time.Duration(p.NaughtyTimeout)*time.Second {
		p.Naughty = false
	}

	switch p.Status {
	case domain.StatusTargetDip:
		if p.Dip == 0 || price < p.Dip {
			p.Dip = price
		}
	case domain.StatusTargetSell:
		if price > p.Tip {
			p.Tip = price
		}
	}
}

// EvaluateSell runs the sell chain for a held position. The first matching
// close wins; decay and the HOLD to TARGET_SELL switch never close.
// profile carries the configured offsets used by the soft-limit decay and may be nil.
func EvaluateSell(p *domain.Position, profile *domain.RiskProfile, policy SellPolicy) SellDecision {
	if p.Price < pct(p.StopLossPct, p.BoughtAt) {
		return SellDecision{Action: ActionClose, Status: domain.StatusStopLoss}
	}

	// a coin already watching its sell target is allowed to finish the watch
	if p.Status != domain.StatusTargetSell && p.HoldingTime > p.HardLimitHoldingTime {
		return SellDecision{Action: ActionClose, Status: domain.StatusStale}
	}

	if policy.SellAsSoonAsItDrops &&
		(p.Status == domain.StatusTargetSell || p.Status == domain.StatusGoneUpAndDropped) &&
		p.Price < pct(p.SellAtPct, p.BoughtAt) {
		return SellDecision{Action: ActionClose, Status: domain.StatusGoneUpAndDropped}
	}

	if p.Status == domain.StatusTargetSell && p.Price < p.LastPrice && p.Price < pct(p.TrailTargetSellPct, p.Tip) {
		return SellDecision{Action: ActionClose, Status: domain.StatusTargetSell}
	}

	decision := SellDecision{Action: ActionNone}
	if p.Status != domain.StatusTargetSell && p.HoldingTime > p.SoftLimitHoldingTime && profile != nil {
		ApplySoftLimitDecay(p, *profile, policy.TradingFee)
		decision.Decayed = true
	}

	if p.Status == domain.StatusHold && p.Price > pct(p.SellAtPct, p.BoughtAt) {
		p.Status = domain.StatusTargetSell
		p.Tip = p.Price
		decision.Armed = true
	}
	return decision
}

// ApplySoftLimitDecay shrinks the sell targets linearly as the holding time
// moves from the soft towards the hard limit. sell_at never drops below
// the round-trip fee; trail_target_sell has no floor.
func ApplySoftLimitDecay(p *domain.Position, profile domain.RiskProfile, tradingFee float64) {
	span := float64(p.HardLimitHoldingTime - p.SoftLimitHoldingTime)
	if span <= 0 {
		return
	}
	ttl := 100 * (1 - float64(p.HoldingTime-p.SoftLimitHoldingTime)/span)

	p.SellAtPct = 100 + pct(ttl, profile.SellAtPct)
	if floor := 100 + 2*tradingFee; p.SellAtPct < floor {
		p.SellAtPct = floor
	}
	p.TrailTargetSellPct = 100 + pct(ttl, profile.TrailTargetSellPct)
}

// ResetPosition clears the trade side of a position after a close.
// With cleanStats the min/max window restarts from the closing price.
func ResetPosition(p *domain.Position, profile domain.RiskProfile, closePrice float64, cleanStats bool) {
	p.Status = domain.StatusEmpty
	p.Volume = 0
	p.BoughtAt = 0
	p.Cost = 0
	p.Value = 0
	p.Profit = 0
	p.BoughtTime = time.Time{}
	p.HoldingTime = 0
	p.Dip = 0
	p.Tip = 0
	p.CloseReason = ""
	p.PartialNet = 0
	p.ClearPending()
	p.ApplyProfile(profile)
	if cleanStats {
		p.MinSinceReset = closePrice
		p.MaxSinceReset = closePrice
	}
}
