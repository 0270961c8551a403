// Package billing provides billing-period accounting: base offsets, peak and off-peak
// energy tracking, seasonal rates and period cost.
package billing

import (
	"math"
	"strings"
)

// SeasonWinter selects the winter rates. Any other season name selects summer rates.
const SeasonWinter = "Winter"

// Rates holds the configured energy rates per kWh.
type Rates struct {
	PeakSummer    float64
	OffPeakSummer float64
	PeakWinter    float64
	OffPeakWinter float64
}

// ActiveRates is the rate pair in force for the current period.
type ActiveRates struct {
	Peak    float64
	OffPeak float64
}

// ForSeason returns the winter rates for "Winter" and the summer rates otherwise.
func (r Rates) ForSeason(season string) ActiveRates {
	if IsWinter(season) {
		return ActiveRates{Peak: r.PeakWinter, OffPeak: r.OffPeakWinter}
	}
	return ActiveRates{Peak: r.PeakSummer, OffPeak: r.OffPeakSummer}
}

// IsWinter reports whether season names the winter rate schedule.
func IsWinter(season string) bool {
	return strings.EqualFold(strings.TrimSpace(season), SeasonWinter)
}

// PeriodCost prices the accumulated peak and off-peak energy.
func PeriodCost(peakKWH, offPeakKWH float64, rates ActiveRates) float64 {
	return peakKWH*rates.Peak + offPeakKWH*rates.OffPeak
}

// PriceCents converts a price in currency units to cents rounded to two decimals.
func PriceCents(price float64) float64 {
	return math.Round(price*100*100) / 100
}

// ClampPulse validates a requested poll interval in seconds. Zero disables polling,
// negative or above-max requests fall back to def. changed reports whether the result
// differs from current.
func ClampPulse(requested, current, def, max int) (value int, changed bool) {
	switch {
	case requested == 0:
		value = 0
	case requested < 0, max > 0 && requested > max:
		value = def
	default:
		value = requested
	}
	return value, value != current
}
