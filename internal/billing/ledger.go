package billing

import (
	"time"

	"github.com/resident-x/go-eagle/internal/domain"
)

// Metrics are the since-reset values derived from one reading.
type Metrics struct {
	// KWH is the since-reset energy for the configured metering type.
	KWH float64
	// DeliveredPerPeriod is delivered energy since reset regardless of metering type.
	DeliveredPerPeriod float64
}

// Derive computes the since-reset metrics for reading.
func Derive(mode domain.MeteringType, reading *domain.CanonicalReading, state *domain.PeriodState) Metrics {
	deliveredPerPeriod := reading.DeliveredKWh - state.BaseDelivered

	var kwh float64
	switch mode {
	case domain.MeteringReceived:
		kwh = reading.ReceivedKWh - state.BaseReceived
	case domain.MeteringNet:
		// Negative while export exceeds import; not clamped.
		kwh = (reading.DeliveredKWh - reading.ReceivedKWh) - (state.BaseDelivered - state.BaseReceived)
	default:
		kwh = deliveredPerPeriod
	}

	return Metrics{KWH: kwh, DeliveredPerPeriod: deliveredPerPeriod}
}

// ResetResult carries the values published when a period closes.
type ResetResult struct {
	PriorPeakKWH         float64
	PriorOffPeakKWH      float64
	DeliveredPriorPeriod float64
	Rates                ActiveRates
}

// StartPeak closes the running off-peak interval at current and opens a peak interval.
// It returns false when the state is already in peak.
func StartPeak(state *domain.PeriodState, current float64) bool {
	if state.Flag == domain.PeriodPeak {
		return false
	}

	mark := seed(&state.StartOffPeakMark, current)
	state.OffPeakAccum += current - mark
	state.StartPeakMark = ptr(current)
	state.Flag = domain.PeriodPeak
	return true
}

// EndPeak closes the running peak interval at current and opens an off-peak interval.
// It returns false when the state is already off-peak.
func EndPeak(state *domain.PeriodState, current float64) bool {
	if state.Flag == domain.PeriodOffPeak {
		return false
	}

	mark := seed(&state.StartPeakMark, current)
	state.PeakAccum += current - mark
	state.StartOffPeakMark = ptr(current)
	state.Flag = domain.PeriodOffPeak
	return true
}

// ResetPeriod finalizes the active interval at current, captures the prior-period totals,
// then rebases the counters on reading. The period flag is kept; both marks restart at
// zero so the next transition credits the energy used since the reset.
func ResetPeriod(state *domain.PeriodState, reading *domain.CanonicalReading, current float64,
	rates Rates, season string, now time.Time,
) ResetResult {
	result := ResetResult{
		DeliveredPriorPeriod: reading.DeliveredKWh - state.BaseDelivered,
		Rates:                rates.ForSeason(season),
	}

	if state.Flag == domain.PeriodPeak {
		state.PeakAccum += current - seed(&state.StartPeakMark, current)
	} else {
		state.OffPeakAccum += current - seed(&state.StartOffPeakMark, current)
	}
	result.PriorPeakKWH = state.PeakAccum
	result.PriorOffPeakKWH = state.OffPeakAccum

	state.PeakAccum = 0
	state.OffPeakAccum = 0
	state.StartPeakMark = ptr(0)
	state.StartOffPeakMark = ptr(0)
	state.BaseDelivered = reading.DeliveredKWh
	state.BaseReceived = reading.ReceivedKWh
	state.PeriodStart = now

	return result
}

// Accrued returns the peak and off-peak totals including the still-open interval.
func Accrued(state *domain.PeriodState, current float64) (peak, offPeak float64) {
	peak, offPeak = state.PeakAccum, state.OffPeakAccum
	if state.Flag == domain.PeriodPeak {
		if state.StartPeakMark != nil {
			peak += current - *state.StartPeakMark
		}
	} else if state.StartOffPeakMark != nil {
		offPeak += current - *state.StartOffPeakMark
	}
	return peak, offPeak
}

// seed returns *mark, first setting it to current when absent.
func seed(mark **float64, current float64) float64 {
	if *mark == nil {
		*mark = ptr(current)
	}
	return **mark
}

func ptr(v float64) *float64 {
	return &v
}
