package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-eagle/internal/pubsub"
	"github.com/resident-x/go-eagle/internal/store"
)

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return port
}

func startBroker(t *testing.T) int {
	t.Helper()
	port := freePort(t)

	server := mqttserver.New(&mqttserver.Options{InlineClient: true})
	_ = server.AddHook(new(auth.AllowHook), nil)
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "it",
		Address: fmt.Sprintf("127.0.0.1:%d", port),
	})))

	go func() {
		if err := server.Serve(); err != nil {
			t.Logf("MQTT broker error: %v", err)
		}
	}()
	t.Cleanup(func() { server.Close() })

	time.Sleep(100 * time.Millisecond)
	return port
}

func subscribeJSON(t *testing.T, port int, topic string) <-chan map[string]interface{} {
	t.Helper()
	out := make(chan map[string]interface{}, 64)

	client := mqtt.NewClient(mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", port)).
		SetClientID(fmt.Sprintf("it-subscriber-%d", time.Now().UnixNano())))
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	token = client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var payload map[string]interface{}
		if json.Unmarshal(msg.Payload(), &payload) == nil {
			out <- payload
		}
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(100) })
	return out
}

func waitPayload(t *testing.T, ch <-chan map[string]interface{}, match func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-ch:
			if match(p) {
				return p
			}
		case <-deadline:
			t.Fatal("timed out waiting for MQTT message")
			return nil
		}
	}
}

func apiCall(t *testing.T, method, url, body string) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "%s %s", method, url)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestIntegrationGatewayToMQTTAndAPI(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	gw := &fakeEagle200{deliveredWh: 10000, demandW: 500}
	gwServer := httptest.NewServer(gw)
	defer gwServer.Close()

	brokerPort := startBroker(t)
	states := subscribeJSON(t, brokerPort, "energy/eagle/state")
	alerts := subscribeJSON(t, brokerPort, "energy/eagle/alert")

	cfg := testConfig(gwServer.URL)
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "eagle.db")
	cfg.API.Enabled = true
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = freePort(t)
	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "127.0.0.1"
	cfg.MQTT.Port = brokerPort
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = true
	cfg.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage = false

	vars, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	require.NoError(t, err)
	defer vars.Close()

	publisher := pubsub.NewMQTTPublisher(cfg, "eagle200", cfg.Device.DeviceID)
	require.NoError(t, publisher.Connect(context.Background()))

	svc, err := NewMeterService(cfg, vars, publisher, &recordingSink{})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background()) //nolint:errcheck

	base := fmt.Sprintf("http://127.0.0.1:%d/api/v1", cfg.API.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	apiCall(t, http.MethodPost, base+"/poll", "")
	state := waitPayload(t, states, func(p map[string]interface{}) bool { return p["DeliveredKWH"] != nil })
	assert.Equal(t, 10.0, state["DeliveredKWH"])
	assert.Equal(t, 500.0, state["Watts"])

	started := apiCall(t, http.MethodPost, base+"/peak/start", "")
	assert.Equal(t, true, started["changed"])

	gw.set(12000, 500)
	apiCall(t, http.MethodPost, base+"/poll", "")
	ended := apiCall(t, http.MethodPost, base+"/peak/end", "")
	assert.Equal(t, true, ended["changed"])

	state = waitPayload(t, states, func(p map[string]interface{}) bool { return p["PeakKWH"] == 2.0 })
	assert.InDelta(t, 0.6, state["PeriodCost"], 1e-9)

	gw.setFailing(true)
	apiCall(t, http.MethodPost, base+"/poll", "")
	alert := waitPayload(t, alerts, func(map[string]interface{}) bool { return true })
	assert.Equal(t, true, alert["failing"])
	assert.NotEmpty(t, alert["since"])

	listed := apiCall(t, http.MethodGet, base+"/variables", "")
	variables, ok := listed["variables"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "off_peak", variables["PeriodFlag"])
	assert.Equal(t, "1", variables["CommFailure"])
}
