// Package pvoutput provides the PVOutput.org monitoring service implementation.
package pvoutput

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-eagle/internal/config"
	"github.com/resident-x/go-eagle/internal/domain"
)

// DefaultEndpoint is the PVOutput add status service.
const DefaultEndpoint = "https://pvoutput.org/service/r2/addstatus.jsp"

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.CanonicalReading) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client uploads meter consumption to PVOutput.org.
type Client struct {
	config     *config.Config
	httpClient *http.Client
	endpoint   string
	logger     zerolog.Logger
	now        func() time.Time

	mutex      sync.Mutex
	lastUpdate time.Time
}

// NewClient creates a new PVOutput client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		endpoint:   DefaultEndpoint,
		logger:     log.With().Str("component", "pvoutput").Logger(),
		now:        time.Now,
	}
}

// Connect is a no-op; each request is independent.
func (c *Client) Connect() error {
	return nil
}

// Send uploads a reading using the two-post consumption method: lifetime consumption
// energy (v3, c1=3) followed by net power (v4, n=1). Updates are rate limited.
func (c *Client) Send(ctx context.Context, reading *domain.CanonicalReading) error {
	if !c.config.PVOutput.Enabled || reading == nil {
		return nil
	}

	if c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "" {
		return fmt.Errorf("PVOutput API key and/or System ID not configured")
	}

	now := c.now()
	if !c.canUpdate(now) {
		return nil
	}

	ts := now
	if reading.TimestampUTC > 0 {
		ts = time.Unix(reading.TimestampUTC, 0)
	}
	if loc := c.location(); loc != nil {
		ts = ts.In(loc)
	}

	energy := c.baseParams(ts)
	energy.Set("v3", strconv.FormatFloat(reading.DeliveredKWh*1000, 'f', 0, 64))
	energy.Set("c1", "3")
	if err := c.makeRequest(ctx, energy); err != nil {
		return fmt.Errorf("consumption POST (v3) failed: %w", err)
	}

	power := c.baseParams(ts)
	power.Set("v4", strconv.FormatFloat(reading.DemandWatts, 'f', 0, 64))
	power.Set("n", "1")
	if err := c.makeRequest(ctx, power); err != nil {
		return fmt.Errorf("net power POST (v4) failed: %w", err)
	}

	c.updateTimestamp(now)
	c.logger.Debug().
		Float64("delivered_kwh", reading.DeliveredKWh).
		Float64("demand_watts", reading.DemandWatts).
		Msg("Uploaded reading to PVOutput")
	return nil
}

func (c *Client) baseParams(ts time.Time) url.Values {
	params := url.Values{}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", c.config.PVOutput.SystemID)
	params.Set("d", ts.Format("20060102"))
	params.Set("t", ts.Format("15:04"))
	return params
}

// location is the device time zone; PVOutput expects local date and time.
func (c *Client) location() *time.Location {
	tz := c.config.Device.TimeZone
	if tz == "" || tz == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// makeRequest makes an HTTP POST request to the PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Closing response body in defer, error not critical
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PVOutput returned status code %d", resp.StatusCode)
	}

	return nil
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
func (c *Client) canUpdate(now time.Time) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.lastUpdate.IsZero() {
		return true
	}
	interval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return now.Sub(c.lastUpdate) >= interval
}

// updateTimestamp records when an update was made.
func (c *Client) updateTimestamp(now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdate = now
}
