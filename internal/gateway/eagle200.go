package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-eagle/internal/domain"
	"github.com/resident-x/go-eagle/internal/parser"
	"github.com/resident-x/go-eagle/internal/protocol"
)

// Variable names queried from a device_query response.
const (
	varInstantaneousDemand = "zigbee:InstantaneousDemand"
	varSummationDelivered  = "zigbee:CurrentSummationDelivered"
	varSummationReceived   = "zigbee:CurrentSummationReceived"
	varPrice               = "zigbee:Price"
	varLinkStrength        = "zigbee:LinkStrength"
)

const (
	demandWrapThreshold = 1 << 31
	demandWrapModulus   = 1 << 32
)

// Eagle200 polls the XML speaking gateway on /cgi-bin/post_manager.
type Eagle200 struct {
	client   *Client
	commands *protocol.CommandBuilder
	logger   zerolog.Logger

	mu              sync.Mutex
	hardwareAddress string
}

// NewEagle200 creates the XML adapter. hardwareAddress may be empty; it is then
// discovered with device_list.
func NewEagle200(client *Client, hardwareAddress string) *Eagle200 {
	e := &Eagle200{
		client:   client,
		commands: protocol.NewCommandBuilder(),
		logger:   log.With().Str("component", "eagle200-adapter").Logger(),
	}
	if strings.TrimSpace(hardwareAddress) != "" {
		e.hardwareAddress = protocol.EnsureHexPrefix(hardwareAddress)
	}
	return e
}

// HardwareAddress returns the cached meter address, empty until resolved.
func (e *Eagle200) HardwareAddress() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hardwareAddress
}

// SetHardwareAddress seeds the cache, e.g. from a persisted value.
func (e *Eagle200) SetHardwareAddress(addr string) {
	if strings.TrimSpace(addr) == "" {
		return
	}
	e.mu.Lock()
	e.hardwareAddress = protocol.EnsureHexPrefix(addr)
	e.mu.Unlock()
}

// Resolve returns the meter address, issuing device_list when none is cached.
func (e *Eagle200) Resolve(ctx context.Context) (string, error) {
	if addr := e.HardwareAddress(); addr != "" {
		return addr, nil
	}

	cmd, err := e.commands.DeviceListCommand()
	if err != nil {
		return "", err
	}

	body, err := e.client.Do(ctx, cmd)
	if err != nil {
		return "", err
	}

	root, err := parser.ParseTree(body)
	if err != nil {
		return "", fmt.Errorf("%w: device_list: %v", domain.ErrDecode, err)
	}

	device, ok := protocol.SelectMeter(protocol.DecodeDeviceList(root))
	if !ok {
		return "", fmt.Errorf("%w: device_list returned no devices", domain.ErrDecode)
	}

	e.SetHardwareAddress(device.HardwareAddress)
	e.logger.Info().
		Str("hardware_address", device.HardwareAddress).
		Str("model_id", device.ModelID).
		Msg("Resolved meter hardware address")

	return e.HardwareAddress(), nil
}

// Poll resolves the meter if needed and issues device_query.
func (e *Eagle200) Poll(ctx context.Context) (*domain.RawReading, error) {
	addr, err := e.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	cmd, err := e.commands.DeviceQueryCommand(addr)
	if err != nil {
		return nil, err
	}

	body, err := e.client.Do(ctx, cmd)
	if err != nil {
		return nil, err
	}

	root, err := parser.ParseTree(body)
	if err != nil {
		return nil, fmt.Errorf("%w: device_query: %v", domain.ErrDecode, err)
	}

	return readingFromTree(root)
}

func readingFromTree(root *parser.Node) (*domain.RawReading, error) {
	raw := &domain.RawReading{}

	if n, ok := parser.FindTag(root, "ConnectionStatus"); ok {
		raw.LinkStatus = n.Text
	}
	if raw.LinkStatus != protocol.StatusConnected {
		return raw, nil
	}

	demand, err := namedMeasure(root, varInstantaneousDemand, true)
	if err != nil {
		return nil, err
	}
	raw.Demand = demand

	if raw.SummationDelivered, err = namedMeasure(root, varSummationDelivered, true); err != nil {
		return nil, err
	}
	if raw.SummationReceived, err = namedMeasure(root, varSummationReceived, false); err != nil {
		return nil, err
	}

	price, status := parser.FindNamedValue(root, varPrice)
	if status == parser.Found {
		if raw.Price, err = priceField(price); err != nil {
			return nil, err
		}
	}

	if s, status := parser.FindNamedValue(root, varLinkStrength); status == parser.Found {
		raw.LinkStrength = linkStrengthValue(s)
	}

	if n, ok := parser.FindTag(root, "LastContact"); ok {
		ts, err := parser.ParseHexOrDecimal(n.Text)
		if err != nil {
			return nil, fmt.Errorf("%w: LastContact: %v", domain.ErrFieldParse, err)
		}
		raw.Timestamp = int64(ts)
	}

	return raw, nil
}

// namedMeasure returns the numeric value of a named variable. Unit-suffixed summations are
// reported in kWh and scaled by 1000 to Wh; demand keeps its parsed value with the unit
// stripped. A required variable that is missing or empty fails the poll.
func namedMeasure(root *parser.Node, name string, required bool) (float64, error) {
	s, status := parser.FindNamedValue(root, name)
	if status != parser.Found {
		if required {
			return 0, fmt.Errorf("%w: %s is %s", domain.ErrFieldParse, name, status)
		}
		return 0, nil
	}

	m, err := parser.ParseMeasure(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrFieldParse, name, err)
	}

	v := m.Value
	if name == varInstantaneousDemand {
		if v > demandWrapThreshold {
			v -= demandWrapModulus
		}
		return v, nil
	}
	if m.HasUnit() {
		v *= 1000
	}
	return v, nil
}

// linkStrengthValue accepts the hex form some firmware reports as well as "100%".
func linkStrengthValue(s string) *float64 {
	var v float64
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		n, err := parser.ParseHexOrDecimal(s)
		if err != nil {
			return nil
		}
		v = float64(n)
	} else {
		f, err := parser.ParseUnit(s)
		if err != nil {
			return nil
		}
		v = f
	}
	return &v
}
