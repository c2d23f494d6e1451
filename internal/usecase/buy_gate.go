package usecase

import (
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_trade_engine/internal/domain"
)

// IsPumpAndDump flags a coin whose hourly average rose and then fell back
// towards where it started: h2 < h1 && h1 > price && price > h2, where h1 and
// h2 are the newest and second newest hourly averages.
// Fewer than two hourly buckets also flags the coin.
func IsPumpAndDump(s *PriceSeries, price float64) bool {
	hours := s.Averages(domain.Hour)
	if len(hours) < 2 {
		return true
	}
	h2 := hours[len(hours)-2].Value
	h1 := hours[len(hours)-1].Value
	return h2 < h1 && h1 > price && price > h2
}

// IsListedLongEnough reports whether the day window holds at least minDays buckets.
func IsListedLongEnough(s *PriceSeries, minDays int) bool {
	return s.Len(domain.Day) >= minDays
}

// FloorToStep rounds qty down to a multiple of the exchange lot step.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	st := decimal.NewFromFloat(step)
	return q.Div(st).Floor().Mul(st).InexactFloat64()
}
