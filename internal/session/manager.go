// Package session provides the polling session for the configured gateway and its
// communication failure state machine.
package session

import (
	"sync"
	"time"

	"github.com/resident-x/go-eagle/internal/domain"
)

// SessionState represents the health of the device session.
type SessionState int

const (
	SessionStateStarting SessionState = iota
	SessionStateHealthy
	SessionStateFailing
	SessionStateStopped
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case SessionStateStarting:
		return "starting"
	case SessionStateHealthy:
		return "healthy"
	case SessionStateFailing:
		return "failing"
	case SessionStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Transition is the outcome of recording a poll result.
type Transition int

const (
	// TransitionNone means the failing flag did not change.
	TransitionNone Transition = iota
	// TransitionFailed is the first failure after a healthy period.
	TransitionFailed
	// TransitionRecovered is the first success after a failing period.
	TransitionRecovered
)

// CommTracker is the comm-failure state machine. Only the first failure of a run stamps
// the start time; only a fully successful poll clears it.
type CommTracker struct {
	mu    sync.Mutex
	state domain.CommFailureState
}

// NewCommTracker creates a tracker seeded with a persisted state.
func NewCommTracker(initial domain.CommFailureState) *CommTracker {
	return &CommTracker{state: initial}
}

// RecordFailure marks the device failing, stamping now only on the healthy to failing edge.
func (c *CommTracker) RecordFailure(now time.Time) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Failing {
		return TransitionNone
	}
	c.state.Failing = true
	stamp := now
	c.state.FailureStart = &stamp
	return TransitionFailed
}

// RecordSuccess clears the failing flag.
func (c *CommTracker) RecordSuccess() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Failing {
		return TransitionNone
	}
	c.state.Failing = false
	c.state.FailureStart = nil
	return TransitionRecovered
}

// State returns a copy of the current state.
func (c *CommTracker) State() domain.CommFailureState {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state
	if s.FailureStart != nil {
		t := *s.FailureStart
		s.FailureStart = &t
	}
	return s
}

// DeviceSession holds everything that survives across polls of one gateway.
type DeviceSession struct {
	Config domain.DeviceConfig
	Comm   *CommTracker

	mutex           sync.RWMutex
	state           SessionState
	hardwareAddress string
	period          domain.PeriodState
	season          string
	startedAt       time.Time
	lastPoll        time.Time
	lastSuccess     time.Time
	lastReading     *domain.CanonicalReading
	lastError       string
	pollCount       int64
	errorCount      int64
}

// NewDeviceSession creates a session from the immutable device config and the persisted state.
func NewDeviceSession(cfg domain.DeviceConfig, period domain.PeriodState, comm domain.CommFailureState) *DeviceSession {
	return &DeviceSession{
		Config:          cfg,
		Comm:            NewCommTracker(comm),
		state:           SessionStateStarting,
		hardwareAddress: cfg.HardwareID,
		period:          period,
		startedAt:       time.Now(),
	}
}

// HardwareAddress returns the cached meter address.
func (s *DeviceSession) HardwareAddress() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.hardwareAddress
}

// SetHardwareAddress caches a resolved meter address and reports whether it changed.
func (s *DeviceSession) SetHardwareAddress(addr string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if addr == "" || addr == s.hardwareAddress {
		return false
	}
	s.hardwareAddress = addr
	return true
}

// Period returns a copy of the billing state.
func (s *DeviceSession) Period() domain.PeriodState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.period
}

// UpdatePeriod applies fn to the billing state under the session lock.
func (s *DeviceSession) UpdatePeriod(fn func(*domain.PeriodState)) domain.PeriodState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	fn(&s.period)
	return s.period
}

// Season returns the active rate season name.
func (s *DeviceSession) Season() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.season
}

// SetSeason stores the season and reports whether it changed.
func (s *DeviceSession) SetSeason(season string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if season == s.season {
		return false
	}
	s.season = season
	return true
}

// LastReading returns the most recent canonical reading, or nil.
func (s *DeviceSession) LastReading() *domain.CanonicalReading {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastReading
}

// RecordSuccess stores reading and clears the comm-failure state.
func (s *DeviceSession) RecordSuccess(reading *domain.CanonicalReading, now time.Time) Transition {
	s.mutex.Lock()
	s.pollCount++
	s.lastPoll = now
	s.lastSuccess = now
	s.lastReading = reading
	s.lastError = ""
	s.state = SessionStateHealthy
	s.mutex.Unlock()

	return s.Comm.RecordSuccess()
}

// RecordFailure counts a failed poll and advances the comm-failure state.
func (s *DeviceSession) RecordFailure(err error, now time.Time) Transition {
	s.mutex.Lock()
	s.pollCount++
	s.errorCount++
	s.lastPoll = now
	if err != nil {
		s.lastError = err.Error()
	}
	s.state = SessionStateFailing
	s.mutex.Unlock()

	return s.Comm.RecordFailure(now)
}

// SetState safely updates the session state.
func (s *DeviceSession) SetState(state SessionState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.state = state
}

// GetState safely retrieves the session state.
func (s *DeviceSession) GetState() SessionState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// SessionStats represents session statistics for external consumption.
type SessionStats struct {
	Model           domain.Model             `json:"model"`
	Address         string                   `json:"address"`
	HardwareAddress string                   `json:"hardware_address,omitempty"`
	State           string                   `json:"state"`
	Failing         bool                     `json:"failing"`
	FailureStart    *time.Time               `json:"failure_start,omitempty"`
	PeriodFlag      string                   `json:"period_flag"`
	Season          string                   `json:"season"`
	StartedAt       time.Time                `json:"started_at"`
	LastPoll        time.Time                `json:"last_poll"`
	LastSuccess     time.Time                `json:"last_success"`
	LastError       string                   `json:"last_error,omitempty"`
	PollCount       int64                    `json:"poll_count"`
	ErrorCount      int64                    `json:"error_count"`
	Uptime          time.Duration            `json:"uptime"`
	Reading         *domain.CanonicalReading `json:"reading,omitempty"`

	// Period totals including the interval still open; filled by the service.
	AccruedPeakKWH    float64 `json:"accrued_peak_kwh"`
	AccruedOffPeakKWH float64 `json:"accrued_off_peak_kwh"`
}

// GetStats returns a copy of the session statistics.
func (s *DeviceSession) GetStats() SessionStats {
	comm := s.Comm.State()

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return SessionStats{
		Model:           s.Config.Model,
		Address:         s.Config.Address,
		HardwareAddress: s.hardwareAddress,
		State:           s.state.String(),
		Failing:         comm.Failing,
		FailureStart:    comm.FailureStart,
		PeriodFlag:      s.period.Flag.String(),
		Season:          s.season,
		StartedAt:       s.startedAt,
		LastPoll:        s.lastPoll,
		LastSuccess:     s.lastSuccess,
		LastError:       s.lastError,
		PollCount:       s.pollCount,
		ErrorCount:      s.errorCount,
		Uptime:          time.Since(s.startedAt),
		Reading:         s.lastReading,
	}
}
