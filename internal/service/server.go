// Package service orchestrates gateway polling, billing accounting and publication.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-eagle/internal/api"
	"github.com/resident-x/go-eagle/internal/billing"
	"github.com/resident-x/go-eagle/internal/config"
	"github.com/resident-x/go-eagle/internal/domain"
	"github.com/resident-x/go-eagle/internal/gateway"
	"github.com/resident-x/go-eagle/internal/reading"
	"github.com/resident-x/go-eagle/internal/scheduler"
	"github.com/resident-x/go-eagle/internal/session"
	"github.com/resident-x/go-eagle/internal/store"
	"github.com/resident-x/go-eagle/internal/validation"
)

// StatePublisher publishes variable snapshots and comm-failure alerts.
type StatePublisher interface {
	domain.MessagePublisher
	PublishState(ctx context.Context, vars map[string]string) error
	PublishAlert(ctx context.Context, state domain.CommFailureState) error
}

// MeterService polls one gateway and keeps its variables, billing period and
// comm-failure state up to date. Poll cycles and host actions are serialized.
type MeterService struct {
	config     *config.Config
	device     domain.DeviceConfig
	rates      billing.Rates
	repo       *store.Repository
	publisher  StatePublisher
	monitoring domain.MonitoringService
	apiServer  *api.Server
	httpClient *http.Client
	normalizer *reading.Normalizer
	validator  *validation.ReadingValidator
	logger     zerolog.Logger
	now        func() time.Time

	// mu serializes poll cycles and host actions.
	mu      sync.Mutex
	adapter gateway.Adapter
	session *session.DeviceSession
	poller  *scheduler.Poller
}

// NewMeterService creates the service. The HTTP API is created when enabled in cfg.
func NewMeterService(cfg *config.Config, vs domain.VariableStore,
	publisher StatePublisher, monitoring domain.MonitoringService) (*MeterService, error) {
	device, err := cfg.DeviceConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid device configuration: %w", err)
	}

	logger := log.With().Str("component", "service").Logger()

	s := &MeterService{
		config:     cfg,
		device:     device,
		rates:      cfg.Rates(),
		repo:       store.NewRepository(vs, cfg.Store.Namespace, device.DeviceID),
		publisher:  publisher,
		monitoring: monitoring,
		httpClient: gateway.HTTPClient(device.Timeout),
		normalizer: reading.NewNormalizer(device.Location),
		validator:  validation.NewReadingValidator(logger),
		logger:     logger,
		now:        time.Now,
	}

	if cfg.API.Enabled {
		s.apiServer = api.NewServer(cfg, s)
	}

	return s, nil
}

// Start loads the persisted state, builds the gateway adapter and starts polling. A
// device config that cannot address the gateway fails with domain.ErrMissingConfiguration
// and polling never starts.
func (s *MeterService) Start(ctx context.Context) error {
	if err := validation.ValidateDeviceConfig(s.device); err != nil {
		return err
	}

	period, err := s.repo.LoadPeriodState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load billing period: %w", err)
	}
	comm, err := s.repo.LoadCommState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load comm state: %w", err)
	}

	sess := session.NewDeviceSession(s.device, period, comm)
	if stored, ok, err := s.repo.Get(ctx, store.VarHardwareAddress); err == nil && ok && s.device.HardwareID == "" {
		sess.SetHardwareAddress(stored)
	}
	season := s.config.Billing.Season
	if stored, ok, err := s.repo.Get(ctx, store.VarSeason); err == nil && ok && stored != "" {
		season = stored
	}
	sess.SetSeason(season)

	device := s.device
	device.HardwareID = sess.HardwareAddress()
	adapter, err := gateway.New(device, s.httpClient)
	if err != nil {
		return err
	}

	pulse := s.config.Polling.IntervalSeconds
	if stored, ok, err := s.repo.GetFloat(ctx, store.VarPulse); err == nil && ok {
		pulse = int(stored)
	}
	pulse, _ = billing.ClampPulse(pulse, -1,
		s.config.Polling.DefaultIntervalSeconds, s.config.Polling.MaxIntervalSeconds)

	s.mu.Lock()
	s.session = sess
	s.adapter = adapter
	s.poller = scheduler.NewPoller(s.pollCycle, log.Logger)
	if _, err := s.repo.SetString(ctx, store.VarSeason, season); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to store season: %w", err)
	}
	if err := s.storeRates(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	if err := s.poller.Start(ctx, time.Duration(pulse)*time.Second); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}

	s.logger.Info().
		Str("model", string(s.device.Model)).
		Str("address", s.device.Address).
		Str("hardware_address", sess.HardwareAddress()).
		Int("pulse_seconds", pulse).
		Str("season", season).
		Str("period", period.Flag.String()).
		Msg("Meter service started")
	return nil
}

// Stop halts polling and closes the outputs.
func (s *MeterService) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping meter service")

	if s.poller != nil && s.poller.IsRunning() {
		if err := s.poller.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop poller")
		}
		s.logger.Debug().Interface("metrics", s.poller.GetMetrics()).Msg("Poller metrics")
	}

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	if err := s.publisher.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close message publisher")
	}

	if err := s.monitoring.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close monitoring service")
	}

	if sess := s.currentSession(); sess != nil {
		sess.SetState(session.SessionStateStopped)
	}
	return nil
}

func (s *MeterService) currentSession() *session.DeviceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// pollCycle is the scheduler callback.
func (s *MeterService) pollCycle(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poll(ctx)
}

// poll runs one round trip and derivation. Every failure is absorbed into the
// comm-failure state. Caller holds s.mu.
func (s *MeterService) poll(ctx context.Context) {
	now := s.now()

	raw, err := s.adapter.Poll(ctx)
	if raw != nil && raw.LinkStatus != "" {
		if _, serr := s.repo.SetString(ctx, store.VarLinkStatus, raw.LinkStatus); serr != nil {
			s.logger.Error().Err(serr).Msg("Failed to store link status")
		}
	}

	var canonical *domain.CanonicalReading
	if err == nil {
		canonical, err = s.normalizer.Normalize(raw)
	}
	if err == nil {
		err = s.storeReading(ctx, canonical, now)
	}
	if err != nil {
		s.recordFailure(ctx, err, now)
		s.flush(ctx)
		return
	}

	s.validator.Check(canonical)

	if s.session.RecordSuccess(canonical, now) == session.TransitionRecovered {
		s.logger.Info().Msg("Gateway communication restored")
		s.commChanged(ctx)
	}

	s.storeHardwareAddress(ctx)
	s.flush(ctx)

	for _, sink := range s.sinks() {
		if err := sink.Send(ctx, canonical); err != nil {
			s.logger.Error().Err(err).Msg("Failed to send reading")
		}
	}

	s.logger.Debug().
		Float64("delivered_kwh", canonical.DeliveredKWh).
		Float64("received_kwh", canonical.ReceivedKWh).
		Float64("demand_watts", canonical.DemandWatts).
		Msg("Poll completed")
}

func (s *MeterService) sinks() []domain.ReadingSink {
	sinks := []domain.ReadingSink{s.monitoring}
	if s.apiServer != nil {
		sinks = append(sinks, s.apiServer.Hub())
	}
	return sinks
}

// storeReading derives the published metrics from a reading and writes them.
func (s *MeterService) storeReading(ctx context.Context, r *domain.CanonicalReading, now time.Time) error {
	period := s.session.Period()
	metrics := billing.Derive(s.device.MeteringType, r, &period)

	values := []struct {
		v     store.Variable
		value float64
	}{
		{store.VarDeliveredKWH, r.DeliveredKWh},
		{store.VarReceivedKWH, r.ReceivedKWh},
		{store.VarNetKWH, r.NetKWh},
		{store.VarWatts, r.DemandWatts},
		{store.VarPrice, r.Price},
		{store.VarPriceCents, billing.PriceCents(r.Price)},
		{store.VarKWH, metrics.KWH},
		{store.VarDeliveredPerPeriod, metrics.DeliveredPerPeriod},
	}
	if r.LinkStrength != nil {
		values = append(values, struct {
			v     store.Variable
			value float64
		}{store.VarLinkStrength, *r.LinkStrength})
	}

	for _, f := range values {
		if _, err := s.repo.SetFloat(ctx, f.v, f.value); err != nil {
			return fmt.Errorf("failed to store %s: %w", f.v, err)
		}
	}

	if _, err := s.repo.SetString(ctx, store.VarLastUpdate, now.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to store %s: %w", store.VarLastUpdate, err)
	}
	return nil
}

func (s *MeterService) recordFailure(ctx context.Context, err error, now time.Time) {
	if s.session.RecordFailure(err, now) == session.TransitionFailed {
		s.logger.Warn().Err(err).Msg("Gateway poll failed, communication failure raised")
		s.commChanged(ctx)
		return
	}
	s.logger.Debug().Err(err).Msg("Gateway poll failed")
}

// commChanged persists and announces a comm-failure transition.
func (s *MeterService) commChanged(ctx context.Context) {
	state := s.session.Comm.State()
	if err := s.repo.SaveCommState(ctx, state); err != nil {
		s.logger.Error().Err(err).Msg("Failed to store comm state")
	}
	if err := s.publisher.PublishAlert(ctx, state); err != nil {
		s.logger.Error().Err(err).Msg("Failed to publish comm alert")
	}
}

// storeHardwareAddress persists the resolved meter address of the XML model.
func (s *MeterService) storeHardwareAddress(ctx context.Context) {
	e, ok := s.adapter.(*gateway.Eagle200)
	if !ok {
		return
	}
	addr := e.HardwareAddress()
	if addr == "" {
		return
	}
	if s.session.SetHardwareAddress(addr) {
		s.logger.Info().Str("hardware_address", addr).Msg("Meter address resolved")
	}
	if _, err := s.repo.SetString(ctx, store.VarHardwareAddress, addr); err != nil {
		s.logger.Error().Err(err).Msg("Failed to store hardware address")
	}
}

// flush publishes a snapshot when variables changed since the last flush.
func (s *MeterService) flush(ctx context.Context) {
	if len(s.repo.Changes()) == 0 {
		return
	}
	snapshot, err := s.repo.Snapshot(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read variable snapshot")
		return
	}
	if err := s.publisher.PublishState(ctx, snapshot); err != nil {
		s.logger.Error().Err(err).Msg("Failed to publish state")
	}
}

// storeRates writes the rates of the active season and the resulting period cost.
func (s *MeterService) storeRates(ctx context.Context) error {
	rates := s.rates.ForSeason(s.session.Season())
	if _, err := s.repo.SetFloat(ctx, store.VarPeakRate, rates.Peak); err != nil {
		return fmt.Errorf("failed to store rates: %w", err)
	}
	if _, err := s.repo.SetFloat(ctx, store.VarOffPeakRate, rates.OffPeak); err != nil {
		return fmt.Errorf("failed to store rates: %w", err)
	}
	return s.storePeriodCost(ctx, s.session.Period())
}

func (s *MeterService) storePeriodCost(ctx context.Context, period domain.PeriodState) error {
	rates := s.rates.ForSeason(s.session.Season())
	cost := billing.PeriodCost(period.PeakAccum, period.OffPeakAccum, rates)
	if _, err := s.repo.SetFloat(ctx, store.VarPeriodCost, cost); err != nil {
		return fmt.Errorf("failed to store period cost: %w", err)
	}
	return nil
}

// errNotStarted is returned by host actions before Start succeeded.
var errNotStarted = fmt.Errorf("%w: service not started", domain.ErrMissingConfiguration)

// lockStarted acquires s.mu and fails when Start has not completed.
func (s *MeterService) lockStarted() error {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return errNotStarted
	}
	return nil
}

// currentKWH is the since-reset energy the peak marks are measured against.
func (s *MeterService) currentKWH(ctx context.Context) (float64, error) {
	kwh, ok, err := s.repo.GetFloat(ctx, store.VarKWH)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, domain.ErrNoReading
	}
	return kwh, nil
}

// StartPeak opens a peak interval. It reports false when already in peak.
func (s *MeterService) StartPeak(ctx context.Context) (bool, error) {
	return s.transition(ctx, domain.PeriodPeak, billing.StartPeak)
}

// EndPeak opens an off-peak interval. It reports false when already off-peak.
func (s *MeterService) EndPeak(ctx context.Context) (bool, error) {
	return s.transition(ctx, domain.PeriodOffPeak, billing.EndPeak)
}

func (s *MeterService) transition(ctx context.Context, to domain.PeriodFlag,
	fn func(*domain.PeriodState, float64) bool) (bool, error) {
	if err := s.lockStarted(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	current, err := s.currentKWH(ctx)
	if err != nil {
		return false, err
	}

	var changed bool
	period := s.session.UpdatePeriod(func(p *domain.PeriodState) {
		changed = fn(p, current)
	})
	if !changed {
		return false, nil
	}

	if err := s.repo.SavePeriodState(ctx, period); err != nil {
		return true, fmt.Errorf("failed to store billing period: %w", err)
	}
	if err := s.storePeriodCost(ctx, period); err != nil {
		return true, err
	}

	s.logger.Info().
		Str("period", to.String()).
		Float64("kwh", current).
		Float64("peak_kwh", period.PeakAccum).
		Float64("off_peak_kwh", period.OffPeakAccum).
		Msg("Rate period changed")
	s.flush(ctx)
	return true, nil
}

// currentReading returns the last reading, or one rebuilt from the stored totals after a restart.
func (s *MeterService) currentReading(ctx context.Context) (*domain.CanonicalReading, error) {
	if r := s.session.LastReading(); r != nil {
		return r, nil
	}
	delivered, ok, err := s.repo.GetFloat(ctx, store.VarDeliveredKWH)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNoReading
	}
	received, _, err := s.repo.GetFloat(ctx, store.VarReceivedKWH)
	if err != nil {
		return nil, err
	}
	return &domain.CanonicalReading{
		DeliveredKWh: delivered,
		ReceivedKWh:  received,
		NetKWh:       delivered - received,
	}, nil
}

// ResetPeriod closes the billing period, publishes the prior-period totals and rebases
// the counters on the current reading.
func (s *MeterService) ResetPeriod(ctx context.Context) (*billing.ResetResult, error) {
	if err := s.lockStarted(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	r, err := s.currentReading(ctx)
	if err != nil {
		return nil, err
	}
	current, err := s.currentKWH(ctx)
	if err != nil {
		return nil, err
	}

	season := s.session.Season()
	now := s.now()
	var result billing.ResetResult
	period := s.session.UpdatePeriod(func(p *domain.PeriodState) {
		result = billing.ResetPeriod(p, r, current, s.rates, season, now)
	})

	if err := s.repo.SavePeriodState(ctx, period); err != nil {
		return nil, fmt.Errorf("failed to store billing period: %w", err)
	}

	forced := []struct {
		v     store.Variable
		value float64
	}{
		{store.VarPriorPeakKWH, result.PriorPeakKWH},
		{store.VarPriorOffPeakKWH, result.PriorOffPeakKWH},
		{store.VarDeliveredPriorPeriod, result.DeliveredPriorPeriod},
		{store.VarKWH, 0},
		{store.VarDeliveredPerPeriod, 0},
	}
	for _, f := range forced {
		if err := s.repo.ForceSetFloat(ctx, f.v, f.value); err != nil {
			return nil, fmt.Errorf("failed to store %s: %w", f.v, err)
		}
	}
	if err := s.storeRates(ctx); err != nil {
		return nil, err
	}

	s.logger.Info().
		Float64("prior_peak_kwh", result.PriorPeakKWH).
		Float64("prior_off_peak_kwh", result.PriorOffPeakKWH).
		Float64("delivered_prior_period", result.DeliveredPriorPeriod).
		Str("season", season).
		Msg("Billing period reset")
	s.flush(ctx)
	return &result, nil
}

// SetPulse changes the poll interval in seconds. Zero disables polling; negative or
// above-maximum requests fall back to the default interval.
func (s *MeterService) SetPulse(ctx context.Context, seconds int) (int, bool, error) {
	if err := s.lockStarted(); err != nil {
		return 0, false, err
	}
	defer s.mu.Unlock()

	current := int(s.poller.Interval() / time.Second)
	value, changed := billing.ClampPulse(seconds, current,
		s.config.Polling.DefaultIntervalSeconds, s.config.Polling.MaxIntervalSeconds)
	if !changed {
		return value, false, nil
	}

	s.poller.SetInterval(time.Duration(value) * time.Second)
	if _, err := s.repo.SetFloat(ctx, store.VarPulse, float64(value)); err != nil {
		return value, true, fmt.Errorf("failed to store pulse: %w", err)
	}

	s.logger.Info().Int("requested", seconds).Int("seconds", value).Msg("Poll interval changed")
	s.flush(ctx)
	return value, true, nil
}

// SetSeason selects the rate schedule. "Winter" selects winter rates; anything else summer.
func (s *MeterService) SetSeason(ctx context.Context, season string) (bool, error) {
	if err := s.lockStarted(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	if !s.session.SetSeason(season) {
		return false, nil
	}
	if _, err := s.repo.SetString(ctx, store.VarSeason, season); err != nil {
		return true, fmt.Errorf("failed to store season: %w", err)
	}
	if err := s.storeRates(ctx); err != nil {
		return true, err
	}

	s.logger.Info().Str("season", season).Bool("winter", billing.IsWinter(season)).Msg("Season changed")
	s.flush(ctx)
	return true, nil
}

// PollNow runs a poll cycle immediately. Poll failures are reported through the session
// state rather than the returned error.
func (s *MeterService) PollNow(ctx context.Context) error {
	if err := s.lockStarted(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.poll(ctx)
	return nil
}

// Variables returns a snapshot of every stored variable.
func (s *MeterService) Variables(ctx context.Context) (map[string]string, error) {
	return s.repo.Snapshot(ctx)
}

// LastReading returns the most recent successful reading, or nil.
func (s *MeterService) LastReading() *domain.CanonicalReading {
	if sess := s.currentSession(); sess != nil {
		return sess.LastReading()
	}
	return nil
}

// Stats returns the session statistics.
func (s *MeterService) Stats() session.SessionStats {
	sess := s.currentSession()
	if sess == nil {
		return session.SessionStats{
			Model:   s.device.Model,
			Address: s.device.Address,
			State:   session.SessionStateStopped.String(),
		}
	}
	stats := sess.GetStats()
	if stats.Reading != nil {
		period := sess.Period()
		current := billing.Derive(s.device.MeteringType, stats.Reading, &period).KWH
		stats.AccruedPeakKWH, stats.AccruedOffPeakKWH = billing.Accrued(&period, current)
	}
	return stats
}

// IsMissingConfiguration reports whether err means polling can never start.
func IsMissingConfiguration(err error) bool {
	return errors.Is(err, domain.ErrMissingConfiguration)
}
