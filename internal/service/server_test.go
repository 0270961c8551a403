package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-eagle/internal/config"
	"github.com/resident-x/go-eagle/internal/domain"
	"github.com/resident-x/go-eagle/internal/protocol"
	"github.com/resident-x/go-eagle/internal/session"
	"github.com/resident-x/go-eagle/internal/store"
)

const hardwareAddress = "0x0013500100cc7a0f"

// fakeEagle200 serves device_list and device_query with adjustable readings.
type fakeEagle200 struct {
	mu          sync.Mutex
	deliveredWh float64
	receivedWh  float64
	demandW     float64
	demandRaw   string
	fail        bool
	listCalls   int
}

func (f *fakeEagle200) set(deliveredWh, demandW float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveredWh = deliveredWh
	f.demandW = demandW
}

// setDemandRaw makes device_query report demand verbatim; empty restores the numeric value.
func (f *fakeEagle200) setDemandRaw(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.demandRaw = raw
}

func (f *fakeEagle200) setFailing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeEagle200) deviceListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeEagle200) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(string(body), "<Name>"+protocol.CommandDeviceList+"</Name>"):
		f.listCalls++
		fmt.Fprintf(w, `<DeviceList><Device><HardwareAddress>%s</HardwareAddress>
<ModelId>electric_meter</ModelId><ConnectionStatus>Connected</ConnectionStatus></Device></DeviceList>`, hardwareAddress)
	case strings.Contains(string(body), "<Name>"+protocol.CommandDeviceQuery+"</Name>"):
		if f.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		demand := fmt.Sprintf("%.0f", f.demandW)
		if f.demandRaw != "" {
			demand = f.demandRaw
		}
		fmt.Fprintf(w, `<Device><DeviceDetails><HardwareAddress>%s</HardwareAddress>
<ConnectionStatus>Connected</ConnectionStatus><LastContact>0x5c8f2b1a</LastContact></DeviceDetails>
<Components><Component><Name>Main</Name><Variables>
<Variable><Name>zigbee:InstantaneousDemand</Name><Value>%s</Value></Variable>
<Variable><Name>zigbee:CurrentSummationDelivered</Name><Value>%.0f</Value></Variable>
<Variable><Name>zigbee:CurrentSummationReceived</Name><Value>%.0f</Value></Variable>
<Variable><Name>zigbee:Price</Name><Value>0.1250</Value></Variable>
</Variables></Component></Components></Device>`, hardwareAddress, demand, f.deliveredWh, f.receivedWh)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	states []map[string]string
	alerts []domain.CommFailureState
	closed bool
}

func (p *recordingPublisher) Connect(context.Context) error { return nil }

func (p *recordingPublisher) Publish(context.Context, string, interface{}) error { return nil }

func (p *recordingPublisher) PublishState(_ context.Context, vars map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, vars)
	return nil
}

func (p *recordingPublisher) PublishAlert(_ context.Context, state domain.CommFailureState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, state)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) alertList() []domain.CommFailureState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.CommFailureState(nil), p.alerts...)
}

func (p *recordingPublisher) stateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

type recordingSink struct {
	mu       sync.Mutex
	readings []*domain.CanonicalReading
}

func (s *recordingSink) Connect() error { return nil }
func (s *recordingSink) Close() error   { return nil }

func (s *recordingSink) Send(_ context.Context, r *domain.CanonicalReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

func testConfig(address string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Device.Model = "eagle200"
	cfg.Device.Address = address
	cfg.Device.TimeoutSeconds = 2
	cfg.Device.TimeZone = "UTC"
	cfg.Polling.IntervalSeconds = 0
	cfg.API.Enabled = false
	cfg.Store.Driver = "memory"
	cfg.Billing.Season = "Summer"
	cfg.Billing.Rates.PeakSummer = 0.30
	cfg.Billing.Rates.OffPeakSummer = 0.10
	cfg.Billing.Rates.PeakWinter = 0.20
	cfg.Billing.Rates.OffPeakWinter = 0.05
	return cfg
}

type harness struct {
	gateway   *fakeEagle200
	cfg       *config.Config
	vars      *store.Memory
	publisher *recordingPublisher
	sink      *recordingSink
	svc       *MeterService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw := &fakeEagle200{deliveredWh: 10000, demandW: 500}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	h := &harness{gateway: gw, cfg: testConfig(srv.URL), vars: store.NewMemory()}
	h.start(t)
	return h
}

// start creates and starts a fresh service over the harness store.
func (h *harness) start(t *testing.T) {
	t.Helper()
	h.publisher = &recordingPublisher{}
	h.sink = &recordingSink{}

	svc, err := NewMeterService(h.cfg, h.vars, h.publisher, h.sink)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	h.svc = svc
}

func (h *harness) variable(t *testing.T, name store.Variable) string {
	t.Helper()
	vars, err := h.svc.Variables(context.Background())
	require.NoError(t, err)
	return vars[string(name)]
}

func TestStartWithoutAddressFails(t *testing.T) {
	cfg := testConfig("")

	svc, err := NewMeterService(cfg, store.NewMemory(), &recordingPublisher{}, &recordingSink{})
	require.NoError(t, err)

	err = svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsMissingConfiguration(err))
	assert.Nil(t, svc.poller, "polling never starts")

	_, err = svc.StartPeak(context.Background())
	assert.ErrorIs(t, err, domain.ErrMissingConfiguration)
	assert.ErrorIs(t, svc.PollNow(context.Background()), domain.ErrMissingConfiguration)
	assert.Equal(t, session.SessionStateStopped.String(), svc.Stats().State)
}

func TestNewMeterServiceRejectsBadDevice(t *testing.T) {
	cfg := testConfig("127.0.0.1")
	cfg.Device.Model = "eagle3"

	_, err := NewMeterService(cfg, store.NewMemory(), &recordingPublisher{}, &recordingSink{})
	assert.Error(t, err)
}

func TestPollStoresReading(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.PollNow(ctx))

	assert.Equal(t, "10", h.variable(t, store.VarDeliveredKWH))
	assert.Equal(t, "0", h.variable(t, store.VarReceivedKWH))
	assert.Equal(t, "10", h.variable(t, store.VarNetKWH))
	assert.Equal(t, "10", h.variable(t, store.VarKWH))
	assert.Equal(t, "10", h.variable(t, store.VarDeliveredPerPeriod))
	assert.Equal(t, "500", h.variable(t, store.VarWatts))
	assert.Equal(t, "0.125", h.variable(t, store.VarPrice))
	assert.Equal(t, "12.5", h.variable(t, store.VarPriceCents))
	assert.Equal(t, protocol.StatusConnected, h.variable(t, store.VarLinkStatus))
	assert.Equal(t, hardwareAddress, h.variable(t, store.VarHardwareAddress))
	assert.Equal(t, "0.3", h.variable(t, store.VarPeakRate))
	assert.Equal(t, "0.1", h.variable(t, store.VarOffPeakRate))
	assert.NotEmpty(t, h.variable(t, store.VarLastUpdate))

	reading := h.svc.LastReading()
	require.NotNil(t, reading)
	assert.InDelta(t, 10.0, reading.DeliveredKWh, 1e-9)
	assert.Equal(t, 1, h.sink.count())
	assert.Equal(t, 1, h.publisher.stateCount())

	stats := h.svc.Stats()
	assert.Equal(t, session.SessionStateHealthy.String(), stats.State)
	assert.Equal(t, int64(1), stats.PollCount)
	assert.Equal(t, hardwareAddress, stats.HardwareAddress)

	// Unchanged values publish nothing new apart from the update time.
	require.NoError(t, h.svc.PollNow(ctx))
	assert.Equal(t, 2, h.sink.count())
}

func TestCommFailureStampedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := first
	h.svc.now = func() time.Time { return clock }

	require.NoError(t, h.svc.PollNow(ctx))
	assert.Empty(t, h.publisher.alertList())

	h.gateway.setFailing(true)
	require.NoError(t, h.svc.PollNow(ctx))
	clock = first.Add(time.Minute)
	require.NoError(t, h.svc.PollNow(ctx))

	alerts := h.publisher.alertList()
	require.Len(t, alerts, 1, "only the healthy to failing edge alerts")
	assert.True(t, alerts[0].Failing)
	require.NotNil(t, alerts[0].FailureStart)
	assert.Equal(t, first, alerts[0].FailureStart.UTC())

	assert.Equal(t, "1", h.variable(t, store.VarCommFailure))
	assert.Equal(t, first.Format(time.RFC3339), h.variable(t, store.VarCommFailureTime))

	stats := h.svc.Stats()
	assert.Equal(t, session.SessionStateFailing.String(), stats.State)
	assert.Equal(t, int64(2), stats.ErrorCount)
	assert.Equal(t, 1, h.sink.count(), "failed polls reach no sink")

	h.gateway.setFailing(false)
	require.NoError(t, h.svc.PollNow(ctx))

	alerts = h.publisher.alertList()
	require.Len(t, alerts, 2)
	assert.False(t, alerts[1].Failing)
	assert.Equal(t, "0", h.variable(t, store.VarCommFailure))
	assert.Equal(t, "", h.variable(t, store.VarCommFailureTime))
}

func TestUnparsableReadingKeepsFailing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := first
	h.svc.now = func() time.Time { return clock }

	require.NoError(t, h.svc.PollNow(ctx))
	h.gateway.setFailing(true)
	require.NoError(t, h.svc.PollNow(ctx))
	require.Len(t, h.publisher.alertList(), 1)

	// The gateway answers again but its demand field is garbage.
	clock = first.Add(time.Minute)
	h.gateway.setFailing(false)
	h.gateway.setDemandRaw("nan")
	require.NoError(t, h.svc.PollNow(ctx))

	assert.Equal(t, "1", h.variable(t, store.VarCommFailure))
	assert.Equal(t, first.Format(time.RFC3339), h.variable(t, store.VarCommFailureTime))
	assert.Len(t, h.publisher.alertList(), 1, "no recovery alert for an unparsable reading")
	assert.Equal(t, session.SessionStateFailing.String(), h.svc.Stats().State)
	assert.Equal(t, 1, h.sink.count())

	h.gateway.setDemandRaw("")
	require.NoError(t, h.svc.PollNow(ctx))
	alerts := h.publisher.alertList()
	require.Len(t, alerts, 2)
	assert.False(t, alerts[1].Failing)
	assert.Equal(t, "0", h.variable(t, store.VarCommFailure))
}

func TestActionsRequireReading(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StartPeak(ctx)
	assert.ErrorIs(t, err, domain.ErrNoReading)
	_, err = h.svc.EndPeak(ctx)
	assert.ErrorIs(t, err, domain.ErrNoReading)
	_, err = h.svc.ResetPeriod(ctx)
	assert.ErrorIs(t, err, domain.ErrNoReading)
}

func TestPeakAccountingAndReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.PollNow(ctx))

	changed, err := h.svc.StartPeak(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "peak", h.variable(t, store.VarPeriodFlag))
	assert.Equal(t, "10", h.variable(t, store.VarStartPeakMark))

	changed, err = h.svc.StartPeak(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "already in peak")

	h.gateway.set(13000, 800)
	require.NoError(t, h.svc.PollNow(ctx))
	assert.InDelta(t, 3.0, h.svc.Stats().AccruedPeakKWH, 1e-9, "stats include the open interval")

	changed, err = h.svc.EndPeak(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "off_peak", h.variable(t, store.VarPeriodFlag))
	assert.Equal(t, "3", h.variable(t, store.VarPeakKWH))
	assert.Equal(t, "13", h.variable(t, store.VarStartOffPeakMark))
	cost, err := strconv.ParseFloat(h.variable(t, store.VarPeriodCost), 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, cost, 1e-9)

	h.gateway.set(15000, 800)
	require.NoError(t, h.svc.PollNow(ctx))
	stats := h.svc.Stats()
	assert.InDelta(t, 3.0, stats.AccruedPeakKWH, 1e-9)
	assert.InDelta(t, 2.0, stats.AccruedOffPeakKWH, 1e-9)

	result, err := h.svc.ResetPeriod(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, result.PriorPeakKWH, 1e-9)
	assert.InDelta(t, 2.0, result.PriorOffPeakKWH, 1e-9)
	assert.InDelta(t, 15.0, result.DeliveredPriorPeriod, 1e-9)
	assert.InDelta(t, 0.30, result.Rates.Peak, 1e-9)

	assert.Equal(t, "3", h.variable(t, store.VarPriorPeakKWH))
	assert.Equal(t, "2", h.variable(t, store.VarPriorOffPeakKWH))
	assert.Equal(t, "15", h.variable(t, store.VarDeliveredPriorPeriod))
	assert.Equal(t, "0", h.variable(t, store.VarPeakKWH))
	assert.Equal(t, "0", h.variable(t, store.VarOffPeakKWH))
	assert.Equal(t, "0", h.variable(t, store.VarKWH))
	assert.Equal(t, "15", h.variable(t, store.VarBaseDelivered))
	assert.Equal(t, "0", h.variable(t, store.VarPeriodCost))
	assert.Equal(t, "off_peak", h.variable(t, store.VarPeriodFlag), "reset keeps the flag")

	h.gateway.set(16500, 800)
	require.NoError(t, h.svc.PollNow(ctx))
	assert.Equal(t, "1.5", h.variable(t, store.VarKWH))
	assert.Equal(t, "1.5", h.variable(t, store.VarDeliveredPerPeriod))
}

func TestSetPulse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		requested int
		expected  int
		changed   bool
	}{
		{"enable", 30, 30, true},
		{"same value", 30, 30, false},
		{"negative falls back to default", -5, 60, true},
		{"above maximum falls back to default", 7200, 60, false},
		{"zero disables", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, changed, err := h.svc.SetPulse(ctx, tt.requested)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, value)
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, time.Duration(tt.expected)*time.Second, h.svc.poller.Interval())
		})
	}

	assert.Equal(t, "0", h.variable(t, store.VarPulse))
}

func TestStartClampsPulse(t *testing.T) {
	tests := []struct {
		name     string
		interval int
		stored   string
		expected time.Duration
	}{
		{name: "configured above maximum", interval: 100000, expected: 60 * time.Second},
		{name: "configured negative", interval: -1, expected: 60 * time.Second},
		{name: "stored negative", interval: 30, stored: "-5", expected: 60 * time.Second},
		{name: "stored above maximum", stored: "7200", expected: 60 * time.Second},
		{name: "stored in range", interval: 30, stored: "120", expected: 120 * time.Second},
		{name: "zero stays disabled", expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeEagle200{deliveredWh: 10000, demandW: 500}
			srv := httptest.NewServer(gw)
			defer srv.Close()

			cfg := testConfig(srv.URL)
			cfg.Polling.IntervalSeconds = tt.interval
			vars := store.NewMemory()
			if tt.stored != "" {
				repo := store.NewRepository(vars, cfg.Store.Namespace, cfg.Device.DeviceID)
				require.NoError(t, repo.ForceSet(context.Background(), store.VarPulse, tt.stored))
			}

			svc, err := NewMeterService(cfg, vars, &recordingPublisher{}, &recordingSink{})
			require.NoError(t, err)
			require.NoError(t, svc.Start(context.Background()))
			defer svc.Stop(context.Background()) //nolint:errcheck

			assert.Equal(t, tt.expected, svc.poller.Interval())
		})
	}
}

func TestPollerLogsUnderOwnComponent(t *testing.T) {
	original := log.Logger
	defer func() { log.Logger = original }()
	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	gw := &fakeEagle200{deliveredWh: 10000, demandW: 500}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	svc, err := NewMeterService(testConfig(srv.URL), store.NewMemory(), &recordingPublisher{}, &recordingSink{})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))

	var started string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "Poller started") {
			started = line
		}
	}
	require.NotEmpty(t, started)
	assert.Equal(t, 1, strings.Count(started, `"component"`), started)
	assert.Contains(t, started, `"component":"poller"`)
}

func TestSetSeason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.PollNow(ctx))
	_, err := h.svc.EndPeak(ctx)
	require.NoError(t, err)
	_, err = h.svc.StartPeak(ctx)
	require.NoError(t, err)

	changed, err := h.svc.SetSeason(ctx, "Winter")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "Winter", h.variable(t, store.VarSeason))
	assert.Equal(t, "0.2", h.variable(t, store.VarPeakRate))
	assert.Equal(t, "0.05", h.variable(t, store.VarOffPeakRate))
	assert.Equal(t, "Winter", h.svc.Stats().Season)

	changed, err = h.svc.SetSeason(ctx, "Winter")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.PollNow(ctx))
	_, err := h.svc.StartPeak(ctx)
	require.NoError(t, err)
	_, err = h.svc.SetSeason(ctx, "Winter")
	require.NoError(t, err)
	require.NoError(t, h.svc.Stop(ctx))
	assert.True(t, h.publisher.closed)

	listCalls := h.gateway.deviceListCalls()
	h.start(t)

	stats := h.svc.Stats()
	assert.Equal(t, "peak", stats.PeriodFlag)
	assert.Equal(t, "Winter", stats.Season)
	assert.Equal(t, hardwareAddress, stats.HardwareAddress)

	h.gateway.set(12000, 500)
	require.NoError(t, h.svc.PollNow(ctx))
	assert.Equal(t, listCalls, h.gateway.deviceListCalls(), "stored hardware address skips discovery")

	changed, err := h.svc.EndPeak(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "2", h.variable(t, store.VarPeakKWH))
}
