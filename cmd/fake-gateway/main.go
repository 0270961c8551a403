// Command fake-gateway serves both gateway protocols with a simulated meter so the
// poller can be exercised without hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-eagle/internal/parser"
	"github.com/resident-x/go-eagle/internal/protocol"
)

// Meter simulates a meter whose summations advance with its demand.
type Meter struct {
	hardwareAddress string
	price           float64
	failEvery       int

	mu          sync.Mutex
	deliveredWh float64
	receivedWh  float64
	demandW     float64
	lastAdvance time.Time
	requests    int
	rng         *rand.Rand
	now         func() time.Time
}

// NewMeter creates a meter starting at deliveredWh. failEvery > 0 answers every
// failEvery-th reading request with a 500.
func NewMeter(hardwareAddress string, deliveredWh, price float64, failEvery int) *Meter {
	return &Meter{
		hardwareAddress: hardwareAddress,
		price:           price,
		failEvery:       failEvery,
		deliveredWh:     deliveredWh,
		demandW:         800,
		lastAdvance:     time.Now(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // simulation only
		now:             time.Now,
	}
}

// advance integrates demand over the elapsed time and wanders the demand. Negative
// demand exports energy. Caller holds m.mu.
func (m *Meter) advance() {
	now := m.now()
	hours := now.Sub(m.lastAdvance).Hours()
	m.lastAdvance = now

	if m.demandW >= 0 {
		m.deliveredWh += m.demandW * hours
	} else {
		m.receivedWh -= m.demandW * hours
	}

	m.demandW += (m.rng.Float64() - 0.5) * 200
	if m.demandW > 5000 {
		m.demandW = 5000
	}
	if m.demandW < -2000 {
		m.demandW = -2000
	}
}

// failNext counts a reading request and reports whether it should fail. Caller holds m.mu.
func (m *Meter) failNext() bool {
	m.requests++
	return m.failEvery > 0 && m.requests%m.failEvery == 0
}

// Router returns the handler serving both gateway endpoints.
func (m *Meter) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(protocol.LegacyEndpoint, m.handleLegacy).Methods("POST")
	r.HandleFunc(protocol.Eagle200Endpoint, m.handleEagle200).Methods("POST")
	return r
}

func commandIs(body []byte, name string) bool {
	return strings.Contains(string(body), "<Name>"+name+"</Name>")
}

func (m *Meter) handleLegacy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case commandIs(body, protocol.CommandGetUsageData):
		if m.failNext() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		m.advance()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"meter_status":"Connected","demand":"%.6f","demand_units":"kW",`+
			`"demand_timestamp":"%s","summation_received":"%.6f","summation_delivered":"%.6f",`+
			`"summation_units":"kWh","price":"%.4f","price_units":"USD"}`,
			m.demandW/1000, parser.FormatHex(uint64(m.now().Unix())), m.receivedWh/1000, m.deliveredWh/1000, m.price)
	case commandIs(body, protocol.CommandGetSettingData):
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"network_status":"Connected","network_link_strength":"100%"}`)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (m *Meter) handleEagle200(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w.Header().Set("Content-Type", protocol.XMLContentType)
	switch {
	case commandIs(body, protocol.CommandDeviceList):
		fmt.Fprintf(w, `<DeviceList>
 <Device>
  <HardwareAddress>%s</HardwareAddress>
  <ModelId>electric_meter</ModelId>
  <ConnectionStatus>Connected</ConnectionStatus>
 </Device>
</DeviceList>`, m.hardwareAddress)
	case commandIs(body, protocol.CommandDeviceQuery):
		if m.failNext() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		m.advance()
		fmt.Fprintf(w, `<Device>
 <DeviceDetails>
  <HardwareAddress>%s</HardwareAddress>
  <ConnectionStatus>Connected</ConnectionStatus>
  <LastContact>%s</LastContact>
 </DeviceDetails>
 <Components><Component><Name>Main</Name><Variables>
  <Variable><Name>zigbee:InstantaneousDemand</Name><Value>%.0f</Value></Variable>
  <Variable><Name>zigbee:CurrentSummationDelivered</Name><Value>%.3f kWh</Value></Variable>
  <Variable><Name>zigbee:CurrentSummationReceived</Name><Value>%.3f kWh</Value></Variable>
  <Variable><Name>zigbee:Price</Name><Value>%.4f</Value></Variable>
  <Variable><Name>zigbee:LinkStrength</Name><Value>0x64</Value></Variable>
 </Variables></Component></Components>
</Device>`, m.hardwareAddress, parser.FormatHex(uint64(m.now().Unix())), m.demandW, m.deliveredWh/1000, m.receivedWh/1000, m.price)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func main() {
	var (
		listen    = flag.String("listen", "127.0.0.1:8081", "Address to serve the gateway endpoints on")
		address   = flag.String("hardware-address", "0x0013500100cc7a0f", "Meter hardware address")
		delivered = flag.Float64("delivered-kwh", 1200, "Initial delivered summation in kWh")
		price     = flag.Float64("price", 0.12, "Price reported by the meter")
		failEvery = flag.Int("fail-every", 0, "Answer every Nth reading request with HTTP 500 (0 never)")
		verbose   = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	meter := NewMeter(*address, *delivered*1000, *price, *failEvery)
	server := &http.Server{
		Addr:              *listen,
		Handler:           meter.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().
			Str("listen", *listen).
			Str("hardware_address", *address).
			Int("fail_every", *failEvery).
			Msg("Fake gateway serving legacy and Eagle-200 endpoints")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Fake gateway failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
}
