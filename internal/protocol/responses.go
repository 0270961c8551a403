package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/resident-x/go-eagle/internal/parser"
)

// StatusConnected is the only link status that yields a usable reading.
const StatusConnected = "Connected"

// UsageData is the legacy get_usage_data JSON document. All values arrive as strings.
type UsageData struct {
	MeterStatus        string `json:"meter_status"`
	Demand             string `json:"demand"`
	DemandUnits        string `json:"demand_units"`
	DemandTimestamp    string `json:"demand_timestamp"`
	SummationReceived  string `json:"summation_received"`
	SummationDelivered string `json:"summation_delivered"`
	SummationUnits     string `json:"summation_units"`
	Price              string `json:"price"`
	PriceUnits         string `json:"price_units"`
	MessageID          string `json:"message_id,omitempty"`
	MessageText        string `json:"message_text,omitempty"`
}

// SettingData is the subset of the legacy get_setting_data document used for link health.
type SettingData struct {
	NetworkStatus       string `json:"network_status"`
	NetworkLinkStrength string `json:"network_link_strength"`
	NetworkChannel      string `json:"network_channel,omitempty"`
	FirmwareVersion     string `json:"firmware_version,omitempty"`
}

// DecodeUsageData decodes a get_usage_data response body.
func DecodeUsageData(data []byte) (*UsageData, error) {
	var usage UsageData
	if err := json.Unmarshal(data, &usage); err != nil {
		return nil, fmt.Errorf("failed to decode usage data: %w", err)
	}
	return &usage, nil
}

// DecodeSettingData decodes a get_setting_data response body.
func DecodeSettingData(data []byte) (*SettingData, error) {
	var setting SettingData
	if err := json.Unmarshal(data, &setting); err != nil {
		return nil, fmt.Errorf("failed to decode setting data: %w", err)
	}
	return &setting, nil
}

// Device is one entry of a device_list response.
type Device struct {
	HardwareAddress  string
	ModelID          string
	Name             string
	ConnectionStatus string
}

// IsElectricMeter reports whether the device is the utility meter.
func (d Device) IsElectricMeter() bool {
	return strings.EqualFold(d.ModelID, "electric_meter")
}

// DecodeDeviceList extracts the devices from a device_list response tree.
func DecodeDeviceList(root *parser.Node) []Device {
	if root == nil {
		return nil
	}

	var devices []Device
	collect := func(n *parser.Node) {
		hw := n.Child("HardwareAddress")
		if hw == nil || hw.Text == "" {
			return
		}
		d := Device{HardwareAddress: hw.Text}
		if c := n.Child("ModelId"); c != nil {
			d.ModelID = c.Text
		}
		if c := n.Child("Name"); c != nil {
			d.Name = c.Text
		}
		if c := n.Child("ConnectionStatus"); c != nil {
			d.ConnectionStatus = c.Text
		}
		devices = append(devices, d)
	}

	if root.Tag == "Device" {
		collect(root)
		return devices
	}
	for _, child := range root.Children {
		if child.Tag == "Device" {
			collect(child)
		}
	}
	return devices
}

// SelectMeter picks the first electric meter, falling back to the first device.
func SelectMeter(devices []Device) (Device, bool) {
	for _, d := range devices {
		if d.IsElectricMeter() {
			return d, true
		}
	}
	if len(devices) > 0 {
		return devices[0], true
	}
	return Device{}, false
}
