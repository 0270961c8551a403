// Package reading turns adapter records into canonical readings.
package reading

import (
	"fmt"
	"time"

	"github.com/resident-x/go-eagle/internal/domain"
	"github.com/resident-x/go-eagle/internal/protocol"
	"github.com/resident-x/go-eagle/internal/validation"
)

// Normalizer converts RawReadings using a fixed time zone and clock.
type Normalizer struct {
	location *time.Location
	now      func() time.Time
}

// NewNormalizer creates a normalizer for loc, falling back to the local zone when nil.
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.Local
	}
	return &Normalizer{location: loc, now: time.Now}
}

// Normalize validates raw and derives the canonical reading. A link status other than
// "Connected" yields domain.ErrNotConnected and no reading.
func (n *Normalizer) Normalize(raw *domain.RawReading) (*domain.CanonicalReading, error) {
	return Normalize(raw, n.now(), n.location)
}

// Normalize is the clock-free form of Normalizer.Normalize.
func Normalize(raw *domain.RawReading, now time.Time, loc *time.Location) (*domain.CanonicalReading, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: no reading", domain.ErrDecode)
	}
	if raw.LinkStatus != protocol.StatusConnected {
		return nil, fmt.Errorf("%w: status %q", domain.ErrNotConnected, raw.LinkStatus)
	}
	if err := validation.ValidateRawReading(raw); err != nil {
		return nil, err
	}

	ts := raw.Timestamp
	switch {
	case ts == 0:
		ts = now.Unix()
	case raw.LocalTimestamp:
		ts = CorrectTimestamp(ts, now, loc)
	}

	delivered := raw.SummationDelivered / 1000
	received := raw.SummationReceived / 1000

	return &domain.CanonicalReading{
		DeliveredKWh: delivered,
		ReceivedKWh:  received,
		NetKWh:       delivered - received,
		DemandWatts:  raw.Demand,
		Price:        raw.Price,
		TimestampUTC: ts,
		Connected:    true,
		LinkStatus:   raw.LinkStatus,
		LinkStrength: raw.LinkStrength,
	}, nil
}

// CorrectTimestamp converts a local-standard-time value that was encoded as if it were UTC
// back to real UTC. Daylight saving is ignored; the offset is recomputed for each call.
func CorrectTimestamp(ts int64, now time.Time, loc *time.Location) int64 {
	return ts - int64(StandardOffset(now, loc))
}

// StandardOffset returns the zone's standard (non-DST) offset from UTC in seconds for the
// year containing now.
func StandardOffset(now time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.Local
	}
	year := now.In(loc).Year()
	_, jan := time.Date(year, time.January, 1, 0, 0, 0, 0, loc).Zone()
	_, jul := time.Date(year, time.July, 1, 0, 0, 0, 0, loc).Zone()
	if jan < jul {
		return jan
	}
	return jul
}
