package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-eagle/internal/domain"
	"github.com/resident-x/go-eagle/internal/parser"
	"github.com/resident-x/go-eagle/internal/protocol"
)

// Legacy polls the JSON speaking gateway on /cgi-bin/cgi_manager.
type Legacy struct {
	client   *Client
	commands *protocol.CommandBuilder
	macID    string
	logger   zerolog.Logger
}

// NewLegacy creates the legacy adapter. The legacy gateway cannot be discovered,
// so the MAC id is mandatory.
func NewLegacy(client *Client, macID string) (*Legacy, error) {
	if strings.TrimSpace(macID) == "" {
		return nil, fmt.Errorf("%w: hardware id is required for the legacy gateway", domain.ErrMissingConfiguration)
	}
	return &Legacy{
		client:   client,
		commands: protocol.NewCommandBuilder(),
		macID:    protocol.EnsureHexPrefix(macID),
		logger:   log.With().Str("component", "legacy-adapter").Logger(),
	}, nil
}

// Poll performs get_usage_data and a best-effort get_setting_data.
func (l *Legacy) Poll(ctx context.Context) (*domain.RawReading, error) {
	usage, err := l.usage(ctx)
	if err != nil {
		return nil, err
	}

	raw := &domain.RawReading{
		LinkStatus:     usage.MeterStatus,
		LocalTimestamp: true,
	}
	if usage.MeterStatus != protocol.StatusConnected {
		return raw, nil
	}

	if raw.Demand, err = scaledField("demand", usage.Demand, usage.DemandUnits, true); err != nil {
		return nil, err
	}
	if raw.SummationDelivered, err = scaledField("summation_delivered", usage.SummationDelivered, usage.SummationUnits, true); err != nil {
		return nil, err
	}
	if raw.SummationReceived, err = scaledField("summation_received", usage.SummationReceived, usage.SummationUnits, true); err != nil {
		return nil, err
	}
	if raw.Price, err = priceField(usage.Price); err != nil {
		return nil, err
	}

	ts, err := parser.ParseHexOrDecimal(usage.DemandTimestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: demand_timestamp: %v", domain.ErrFieldParse, err)
	}
	raw.Timestamp = int64(ts)

	raw.LinkStrength = l.linkStrength(ctx)

	return raw, nil
}

func (l *Legacy) usage(ctx context.Context) (*protocol.UsageData, error) {
	cmd, err := l.commands.LegacyCommand(protocol.CommandGetUsageData, l.macID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMissingConfiguration, err)
	}

	body, err := l.client.Do(ctx, cmd)
	if err != nil {
		return nil, err
	}

	usage, err := protocol.DecodeUsageData(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	return usage, nil
}

// linkStrength never fails the poll.
func (l *Legacy) linkStrength(ctx context.Context) *float64 {
	cmd, err := l.commands.LegacyCommand(protocol.CommandGetSettingData, l.macID)
	if err != nil {
		return nil
	}

	body, err := l.client.Do(ctx, cmd)
	if err != nil {
		l.logger.Debug().Err(err).Msg("Setting data unavailable")
		return nil
	}

	setting, err := protocol.DecodeSettingData(body)
	if err != nil {
		l.logger.Debug().Err(err).Msg("Setting data not decodable")
		return nil
	}

	strength, err := parser.ParseUnit(setting.NetworkLinkStrength)
	if err != nil {
		l.logger.Debug().Err(err).Msg("Link strength not numeric")
		return nil
	}
	return &strength
}

// scaledField parses a demand or summation value into W or Wh. Kilo units are scaled by
// 1000; a value with no unit at all uses defaultKilo to decide.
func scaledField(name, value, units string, defaultKilo bool) (float64, error) {
	m, err := parser.ParseMeasure(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrFieldParse, name, err)
	}

	unit := m.Unit
	if unit == "" {
		unit = strings.TrimSpace(units)
	}
	switch {
	case strings.HasPrefix(strings.ToLower(unit), "k"):
		return m.Value * 1000, nil
	case unit == "" && defaultKilo:
		return m.Value * 1000, nil
	default:
		return m.Value, nil
	}
}

// priceField treats an absent price as zero but rejects a malformed one.
func priceField(value string) (float64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	m, err := parser.ParseMeasure(value)
	if err != nil {
		return 0, fmt.Errorf("%w: price: %v", domain.ErrFieldParse, err)
	}
	return m.Value, nil
}
