package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-eagle/internal/domain"
	"github.com/resident-x/go-eagle/internal/protocol"
)

const usageJSON = `{"meter_status":"Connected","demand":"0.070000","demand_units":"kW",
"demand_timestamp":"0x5c8f2b1a","summation_received":"1.500000","summation_delivered":"14.329000",
"summation_units":"kWh","price":"0.1200","price_units":"USD"}`

const deviceListXML = `<DeviceList>
 <Device>
  <HardwareAddress>0x0013500100cc7a0f</HardwareAddress>
  <ModelId>electric_meter</ModelId>
  <ConnectionStatus>Connected</ConnectionStatus>
 </Device>
</DeviceList>`

func deviceQueryXML(demand, delivered, received, price string) string {
	return `<Device>
 <DeviceDetails>
  <HardwareAddress>0x0013500100cc7a0f</HardwareAddress>
  <ConnectionStatus>Connected</ConnectionStatus>
  <LastContact>0x5c8f2b1a</LastContact>
 </DeviceDetails>
 <Components><Component><Name>Main</Name><Variables>
  <Variable><Name>zigbee:InstantaneousDemand</Name><Value>` + demand + `</Value></Variable>
  <Variable><Name>zigbee:CurrentSummationDelivered</Name><Value>` + delivered + `</Value></Variable>
  <Variable><Name>zigbee:CurrentSummationReceived</Name><Value>` + received + `</Value></Variable>
  <Variable><Name>zigbee:Price</Name><Value>` + price + `</Value></Variable>
  <Variable><Name>zigbee:LinkStrength</Name><Value>0x64</Value></Variable>
  <Variable><Name>zigbee:Message</Name><Value>Rate change & notice</Value></Variable>
 </Variables></Component></Components>
</Device>`
}

// gatewayStub answers both endpoints, dispatching on the command name in the body.
func gatewayStub(t *testing.T, responses map[string]string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(r.Body)
		for name, resp := range responses {
			if strings.Contains(string(body), "<Name>"+name+"</Name>") {
				if resp == "500" {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				_, _ = w.Write([]byte(resp))
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestNewClientEmbedsCredentials(t *testing.T) {
	var user, pass string
	var ok bool
	var path, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok = r.BasicAuth()
		path = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client, err := NewClient(domain.DeviceConfig{
		Address:     srv.URL,
		Credentials: &domain.Credentials{ID: "cloud-id", Secret: "install-code"},
	}, nil)
	require.NoError(t, err)

	cmd, err := protocol.NewCommandBuilder().DeviceListCommand()
	require.NoError(t, err)

	body, err := client.Do(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.True(t, ok)
	assert.Equal(t, "cloud-id", user)
	assert.Equal(t, "install-code", pass)
	assert.Equal(t, protocol.Eagle200Endpoint, path)
	assert.Equal(t, protocol.XMLContentType, contentType)
}

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(domain.DeviceConfig{}, nil)
	assert.ErrorIs(t, err, domain.ErrMissingConfiguration)
}

func TestClientTransportErrors(t *testing.T) {
	srv, _ := gatewayStub(t, map[string]string{protocol.CommandDeviceList: "500"})
	client, err := NewClient(domain.DeviceConfig{Address: srv.URL}, nil)
	require.NoError(t, err)

	cmd, _ := protocol.NewCommandBuilder().DeviceListCommand()
	_, err = client.Do(context.Background(), cmd)
	assert.ErrorIs(t, err, domain.ErrTransport)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer slow.Close()

	client, err = NewClient(domain.DeviceConfig{Address: slow.URL, Timeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = client.Do(context.Background(), cmd)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestLegacyPoll(t *testing.T) {
	srv, _ := gatewayStub(t, map[string]string{
		protocol.CommandGetUsageData:   usageJSON,
		protocol.CommandGetSettingData: `{"network_status":"Connected","network_link_strength":"100%"}`,
	})

	adapter, err := New(domain.DeviceConfig{Model: domain.ModelLegacy, Address: srv.URL, HardwareID: "00158d0000000001"}, nil)
	require.NoError(t, err)

	raw, err := adapter.Poll(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 70.0, raw.Demand, 1e-9, "kW demand_units convert to watts")
	assert.InDelta(t, 14329.0, raw.SummationDelivered, 1e-9, "unit-suffixed summation is scaled to Wh")
	assert.InDelta(t, 1500.0, raw.SummationReceived, 1e-9)
	assert.InDelta(t, 0.12, raw.Price, 1e-9)
	assert.Equal(t, int64(0x5c8f2b1a), raw.Timestamp)
	assert.True(t, raw.LocalTimestamp)
	assert.Equal(t, "Connected", raw.LinkStatus)
	require.NotNil(t, raw.LinkStrength)
	assert.InDelta(t, 100.0, *raw.LinkStrength, 1e-9)
}

func TestLegacyPollSettingsBestEffort(t *testing.T) {
	srv, _ := gatewayStub(t, map[string]string{
		protocol.CommandGetUsageData:   usageJSON,
		protocol.CommandGetSettingData: "500",
	})

	adapter, err := New(domain.DeviceConfig{Model: domain.ModelLegacy, Address: srv.URL, HardwareID: "0x01"}, nil)
	require.NoError(t, err)

	raw, err := adapter.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, raw.LinkStrength)
}

func TestLegacyPollErrors(t *testing.T) {
	tests := []struct {
		name     string
		usage    string
		expected error
	}{
		{name: "http 500", usage: "500", expected: domain.ErrTransport},
		{name: "bad json", usage: `{"meter_status":`, expected: domain.ErrDecode},
		{name: "nan demand", usage: `{"meter_status":"Connected","demand":"nan","summation_delivered":"1","summation_received":"0","demand_timestamp":"1"}`, expected: domain.ErrFieldParse},
		{name: "bad price", usage: `{"meter_status":"Connected","demand":"1","summation_delivered":"1","summation_received":"0","demand_timestamp":"1","price":"free"}`, expected: domain.ErrFieldParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := gatewayStub(t, map[string]string{protocol.CommandGetUsageData: tt.usage})
			adapter, err := New(domain.DeviceConfig{Model: domain.ModelLegacy, Address: srv.URL, HardwareID: "0x01"}, nil)
			require.NoError(t, err)

			raw, err := adapter.Poll(context.Background())
			assert.Nil(t, raw)
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestLegacyPollNotConnected(t *testing.T) {
	srv, calls := gatewayStub(t, map[string]string{
		protocol.CommandGetUsageData: `{"meter_status":"Not joined","demand":""}`,
	})
	adapter, err := New(domain.DeviceConfig{Model: domain.ModelLegacy, Address: srv.URL, HardwareID: "0x01"}, nil)
	require.NoError(t, err)

	raw, err := adapter.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Not joined", raw.LinkStatus)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls), "settings are skipped when not connected")
}

func TestNewLegacyRequiresHardwareID(t *testing.T) {
	_, err := New(domain.DeviceConfig{Model: domain.ModelLegacy, Address: "127.0.0.1"}, nil)
	assert.ErrorIs(t, err, domain.ErrMissingConfiguration)
}

func TestEagle200ResolveAndPoll(t *testing.T) {
	srv, calls := gatewayStub(t, map[string]string{
		protocol.CommandDeviceList:  deviceListXML,
		protocol.CommandDeviceQuery: deviceQueryXML("0.070000 kW", "14.329000 kWh", "1500", "0.1200"),
	})

	adapter := NewEagle200(mustClient(t, srv.URL), "")
	assert.Empty(t, adapter.HardwareAddress())

	raw, err := adapter.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0x0013500100cc7a0f", adapter.HardwareAddress())
	assert.InDelta(t, 0.07, raw.Demand, 1e-9, "demand is unit-stripped, not scaled")
	assert.InDelta(t, 14329.0, raw.SummationDelivered, 1e-9, "unit-suffixed summation is scaled to Wh")
	assert.InDelta(t, 1500.0, raw.SummationReceived, 1e-9)
	assert.InDelta(t, 0.12, raw.Price, 1e-9)
	assert.Equal(t, int64(0x5c8f2b1a), raw.Timestamp)
	assert.False(t, raw.LocalTimestamp)
	require.NotNil(t, raw.LinkStrength)
	assert.InDelta(t, 100.0, *raw.LinkStrength, 1e-9)

	// Second poll reuses the cached address.
	_, err = adapter.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestEagle200DemandWraparound(t *testing.T) {
	srv, _ := gatewayStub(t, map[string]string{
		protocol.CommandDeviceQuery: deviceQueryXML("4294000000", "1000", "0", ""),
	})

	adapter := NewEagle200(mustClient(t, srv.URL), "0x0013500100cc7a0f")
	raw, err := adapter.Poll(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, -967296.0, raw.Demand, 1e-9)
	assert.InDelta(t, 1000.0, raw.SummationDelivered, 1e-9)
	assert.Zero(t, raw.Price, "empty price is zero")
}

func TestEagle200PollErrors(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected error
	}{
		{name: "http 500", query: "500", expected: domain.ErrTransport},
		{name: "malformed xml", query: "<Device><Name>x</Device>", expected: domain.ErrDecode},
		{name: "nan demand", query: deviceQueryXML("nan", "1", "0", ""), expected: domain.ErrFieldParse},
		{name: "missing delivered", query: deviceQueryXML("1", "", "0", ""), expected: domain.ErrFieldParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := gatewayStub(t, map[string]string{protocol.CommandDeviceQuery: tt.query})
			adapter := NewEagle200(mustClient(t, srv.URL), "0x01")
			_, err := adapter.Poll(context.Background())
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestEagle200ResolveFailureLeavesCacheEmpty(t *testing.T) {
	srv, _ := gatewayStub(t, map[string]string{protocol.CommandDeviceList: "<DeviceList></DeviceList>"})
	adapter := NewEagle200(mustClient(t, srv.URL), "")

	_, err := adapter.Poll(context.Background())
	assert.ErrorIs(t, err, domain.ErrDecode)
	assert.Empty(t, adapter.HardwareAddress())
}

func TestEagle200NotConnected(t *testing.T) {
	srv, _ := gatewayStub(t, map[string]string{
		protocol.CommandDeviceQuery: `<Device><DeviceDetails><ConnectionStatus>Not joined</ConnectionStatus></DeviceDetails></Device>`,
	})
	adapter := NewEagle200(mustClient(t, srv.URL), "0x01")

	raw, err := adapter.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Not joined", raw.LinkStatus)
}

func mustClient(t *testing.T, addr string) *Client {
	t.Helper()
	client, err := NewClient(domain.DeviceConfig{Address: addr}, nil)
	require.NoError(t, err)
	return client
}
