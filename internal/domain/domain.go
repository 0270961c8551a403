// Package domain provides core domain models and interfaces for the go-eagle application
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error taxonomy shared by the gateway adapters and the poll cycle.
var (
	// ErrTransport covers refused connections, timeouts and non-200 responses.
	ErrTransport = errors.New("transport error")
	// ErrDecode covers malformed JSON or XML documents.
	ErrDecode = errors.New("decode error")
	// ErrFieldParse is returned when a numeric field cannot be parsed. It aborts the whole poll.
	ErrFieldParse = errors.New("field parse error")
	// ErrMissingConfiguration is returned at startup when the device cannot be addressed.
	ErrMissingConfiguration = errors.New("missing configuration")
	// ErrNotConnected is returned when the gateway reports that the meter link is down.
	ErrNotConnected = errors.New("meter not connected")
	// ErrNoReading is returned by accounting actions before any reading has been stored.
	ErrNoReading = errors.New("no reading available")
)

// Model identifies the gateway hardware variant and with it the wire protocol.
type Model string

const (
	// ModelLegacy speaks JSON responses on /cgi-bin/cgi_manager.
	ModelLegacy Model = "legacy"
	// ModelEagle200 speaks XML responses on /cgi-bin/post_manager.
	ModelEagle200 Model = "eagle200"
)

// ParseModel accepts the model names and the A/B shorthand.
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "legacy", "eagle":
		return ModelLegacy, nil
	case "b", "eagle200", "eagle-200":
		return ModelEagle200, nil
	default:
		return "", fmt.Errorf("unknown gateway model %q", s)
	}
}

// MeteringType selects how the since-reset KWH metric is derived.
type MeteringType string

const (
	MeteringDelivered MeteringType = "delivered"
	MeteringReceived  MeteringType = "received"
	MeteringNet       MeteringType = "net"
)

// ParseMeteringType parses a configured metering type, defaulting to delivered when empty.
func ParseMeteringType(s string) (MeteringType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "delivered", "delivered_only":
		return MeteringDelivered, nil
	case "received", "received_only":
		return MeteringReceived, nil
	case "net":
		return MeteringNet, nil
	default:
		return "", fmt.Errorf("unknown metering type %q", s)
	}
}

// PeriodFlag is the active time-of-use interval.
type PeriodFlag int

const (
	PeriodOffPeak PeriodFlag = iota
	PeriodPeak
)

// String returns the string representation of the period flag.
func (p PeriodFlag) String() string {
	switch p {
	case PeriodPeak:
		return "peak"
	case PeriodOffPeak:
		return "off_peak"
	default:
		return "unknown"
	}
}

// Credentials are embedded into the request URL as basic auth.
type Credentials struct {
	ID     string
	Secret string
}

// DeviceConfig describes the gateway being polled. It is immutable for a polling session.
type DeviceConfig struct {
	Model        Model
	Address      string
	Credentials  *Credentials
	HardwareID   string
	MeteringType MeteringType
	DeviceID     string
	Timeout      time.Duration
	// Location is used for the timestamp correction of the legacy model.
	Location *time.Location
}

// RawReading is the adapter-specific record produced by a single successful round trip.
// Power is in watts and summations are in watt-hours.
type RawReading struct {
	Demand             float64
	SummationDelivered float64
	SummationReceived  float64
	Price              float64
	Timestamp          int64
	// LocalTimestamp marks a timestamp reported as local time encoded as UTC.
	LocalTimestamp bool
	LinkStatus     string
	LinkStrength   *float64
}

// CanonicalReading is the normalized reading consumed by billing accounting.
type CanonicalReading struct {
	DeliveredKWh float64  `json:"delivered_kwh"`
	ReceivedKWh  float64  `json:"received_kwh"`
	NetKWh       float64  `json:"net_kwh"`
	DemandWatts  float64  `json:"demand_watts"`
	Price        float64  `json:"price"`
	TimestampUTC int64    `json:"timestamp_utc"`
	Connected    bool     `json:"connected"`
	LinkStatus   string   `json:"link_status,omitempty"`
	LinkStrength *float64 `json:"link_strength,omitempty"`
}

// PeriodState holds the persisted billing counters.
type PeriodState struct {
	BaseDelivered    float64
	BaseReceived     float64
	PeakAccum        float64
	OffPeakAccum     float64
	Flag             PeriodFlag
	StartPeakMark    *float64
	StartOffPeakMark *float64
	PeriodStart      time.Time
}

// CommFailureState tracks whether the most recent poll failed.
type CommFailureState struct {
	Failing      bool
	FailureStart *time.Time
}

// VariableStore is the host key-value variable store.
type VariableStore interface {
	// Get returns the stored value and whether it exists
	Get(ctx context.Context, namespace, name, deviceID string) (string, bool, error)

	// Set writes a value unconditionally
	Set(ctx context.Context, namespace, name, value, deviceID string) error

	// Close releases the underlying storage
	Close() error
}

// MessagePublisher defines the interface for publishing variable updates.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// ReadingSink receives every successfully derived reading.
type ReadingSink interface {
	Send(ctx context.Context, reading *CanonicalReading) error
}

// MonitoringService defines the interface for external monitoring services.
type MonitoringService interface {
	ReadingSink

	// Connect establishes a connection to the service
	Connect() error

	// Close terminates the connection to the service
	Close() error
}
