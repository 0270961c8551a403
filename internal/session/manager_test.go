package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-eagle/internal/billing"
	"github.com/resident-x/go-eagle/internal/domain"
)

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state    SessionState
		expected string
	}{
		{SessionStateStarting, "starting"},
		{SessionStateHealthy, "healthy"},
		{SessionStateFailing, "failing"},
		{SessionStateStopped, "stopped"},
		{SessionState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestCommTrackerStampsFirstFailureOnly(t *testing.T) {
	tracker := NewCommTracker(domain.CommFailureState{})
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, TransitionFailed, tracker.RecordFailure(t0))
	assert.Equal(t, TransitionNone, tracker.RecordFailure(t0.Add(time.Minute)))
	assert.Equal(t, TransitionNone, tracker.RecordFailure(t0.Add(2*time.Minute)))

	state := tracker.State()
	assert.True(t, state.Failing)
	require.NotNil(t, state.FailureStart)
	assert.Equal(t, t0, *state.FailureStart)

	assert.Equal(t, TransitionRecovered, tracker.RecordSuccess())
	assert.Equal(t, TransitionNone, tracker.RecordSuccess())
	state = tracker.State()
	assert.False(t, state.Failing)
	assert.Nil(t, state.FailureStart)

	// A new run of failures stamps again.
	t1 := t0.Add(time.Hour)
	assert.Equal(t, TransitionFailed, tracker.RecordFailure(t1))
	assert.Equal(t, t1, *tracker.State().FailureStart)
}

func TestCommTrackerResumesPersistedFailure(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := NewCommTracker(domain.CommFailureState{Failing: true, FailureStart: &since})

	assert.Equal(t, TransitionNone, tracker.RecordFailure(since.Add(time.Hour)))
	assert.Equal(t, since, *tracker.State().FailureStart)
}

func TestCommTrackerStateIsCopy(t *testing.T) {
	tracker := NewCommTracker(domain.CommFailureState{})
	now := time.Now()
	tracker.RecordFailure(now)

	state := tracker.State()
	*state.FailureStart = now.Add(time.Hour)
	assert.Equal(t, now, *tracker.State().FailureStart)
}

func TestDeviceSessionRecordResults(t *testing.T) {
	cfg := domain.DeviceConfig{Model: domain.ModelEagle200, Address: "10.0.0.5"}
	s := NewDeviceSession(cfg, domain.PeriodState{}, domain.CommFailureState{})
	assert.Equal(t, SessionStateStarting, s.GetState())

	now := time.Now()
	assert.Equal(t, TransitionFailed, s.RecordFailure(errors.New("connection refused"), now))
	assert.Equal(t, SessionStateFailing, s.GetState())

	reading := &domain.CanonicalReading{DeliveredKWh: 12, Connected: true}
	assert.Equal(t, TransitionRecovered, s.RecordSuccess(reading, now.Add(time.Minute)))
	assert.Equal(t, SessionStateHealthy, s.GetState())
	assert.Same(t, reading, s.LastReading())

	stats := s.GetStats()
	assert.Equal(t, int64(2), stats.PollCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Empty(t, stats.LastError)
	assert.False(t, stats.Failing)
	assert.Equal(t, "healthy", stats.State)
	assert.Equal(t, "off_peak", stats.PeriodFlag)
	assert.Equal(t, domain.ModelEagle200, stats.Model)
}

func TestDeviceSessionHardwareAddressAndSeason(t *testing.T) {
	s := NewDeviceSession(domain.DeviceConfig{HardwareID: ""}, domain.PeriodState{}, domain.CommFailureState{})

	assert.Empty(t, s.HardwareAddress())
	assert.True(t, s.SetHardwareAddress("0x0013500100cc7a0f"))
	assert.False(t, s.SetHardwareAddress("0x0013500100cc7a0f"))
	assert.False(t, s.SetHardwareAddress(""))
	assert.Equal(t, "0x0013500100cc7a0f", s.HardwareAddress())

	assert.True(t, s.SetSeason("Winter"))
	assert.False(t, s.SetSeason("Winter"))
	assert.Equal(t, "Winter", s.Season())
}

func TestDeviceSessionUpdatePeriodConcurrent(t *testing.T) {
	s := NewDeviceSession(domain.DeviceConfig{}, domain.PeriodState{}, domain.CommFailureState{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.UpdatePeriod(func(p *domain.PeriodState) {
				p.OffPeakAccum++
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50.0, s.Period().OffPeakAccum)

	state := s.UpdatePeriod(func(p *domain.PeriodState) { billing.StartPeak(p, 3) })
	assert.Equal(t, domain.PeriodPeak, state.Flag)
}
