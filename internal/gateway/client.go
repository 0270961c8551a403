// Package gateway implements the polling adapters for both gateway models.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-eagle/internal/domain"
	"github.com/resident-x/go-eagle/internal/protocol"
)

// DefaultTimeout bounds each request when the device config leaves it unset.
const DefaultTimeout = 15 * time.Second

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 1 << 20

// Adapter produces one RawReading per successful round trip.
type Adapter interface {
	Poll(ctx context.Context) (*domain.RawReading, error)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a client with the given timeout and the adapter user agent.
func HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: "go-eagle/1.0",
		},
		Timeout: timeout,
	}
}

// Client posts command envelopes to a gateway.
type Client struct {
	base   *url.URL
	client *http.Client
	logger zerolog.Logger
}

// NewClient creates a client for the configured device address. Credentials, when set,
// are embedded in the request URL as basic auth.
func NewClient(cfg domain.DeviceConfig, httpClient *http.Client) (*Client, error) {
	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		return nil, fmt.Errorf("%w: device address", domain.ErrMissingConfiguration)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid device address %q: %v", domain.ErrMissingConfiguration, cfg.Address, err)
	}
	base.Path = ""
	if cfg.Credentials != nil && cfg.Credentials.ID != "" {
		base.User = url.UserPassword(cfg.Credentials.ID, cfg.Credentials.Secret)
	}

	if httpClient == nil {
		httpClient = HTTPClient(cfg.Timeout)
	}

	return &Client{
		base:   base,
		client: httpClient,
		logger: log.With().Str("component", "gateway").Str("host", base.Host).Logger(),
	}, nil
}

// Do posts cmd and returns the response body. Connection failures, timeouts and
// non-200 responses are reported as domain.ErrTransport.
func (c *Client) Do(ctx context.Context, cmd *protocol.Command) ([]byte, error) {
	u := *c.base
	u.Path = cmd.Endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(cmd.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrTransport, cmd.Name, err)
	}
	req.Header.Set("Content-Type", cmd.ContentType)

	c.logger.Trace().Str("command", cmd.Name).Str("endpoint", cmd.Endpoint).Msg("Sending command")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrTransport, cmd.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", domain.ErrTransport, cmd.Name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading body: %v", domain.ErrTransport, cmd.Name, err)
	}

	c.logger.Trace().Str("command", cmd.Name).Int("bytes", len(body)).Msg("Received response")
	return body, nil
}

// New returns the adapter for cfg.Model.
func New(cfg domain.DeviceConfig, httpClient *http.Client) (Adapter, error) {
	client, err := NewClient(cfg, httpClient)
	if err != nil {
		return nil, err
	}

	switch cfg.Model {
	case domain.ModelLegacy:
		return NewLegacy(client, cfg.HardwareID)
	case domain.ModelEagle200:
		return NewEagle200(client, cfg.HardwareID), nil
	default:
		return nil, fmt.Errorf("%w: unsupported model %q", domain.ErrMissingConfiguration, cfg.Model)
	}
}
