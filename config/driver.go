package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// DriverConfig mirrors the driver config JSON document. The dispatcher
// persists it back on MODIFY_CONFIG, so field names must round-trip.
type DriverConfig struct {
	Basic   ModuleBasic             `json:"Basic"`
	Control DriverControl           `json:"Control"`
	Mqtt    MQTTSection             `json:"Mqtt"`
	Opcua   map[string]DeviceConfig `json:"Opcua"`
}

// ModuleBasic identifies the driver's own logical module.
type ModuleBasic struct {
	BlockID  int    `json:"blockId"`
	Index    int    `json:"index"`
	Category string `json:"category"`
}

// DriverControl holds process-wide behavior flags.
type DriverControl struct {
	// IsLocal enables the recipe-request loop on this instance.
	IsLocal bool `json:"isLocal"`
}

// MQTTSection configures the broker connection and topic names.
type MQTTSection struct {
	Basic     MQTTBasic  `json:"Basic"`
	Parameter MQTTTopics `json:"Parameter"`
}

// MQTTBasic holds broker connection parameters.
type MQTTBasic struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	KeepAlive int    `json:"keep_alive,omitempty"`
}

// MQTTTopics names the subscribed and published topics.
type MQTTTopics struct {
	SubGuiMsg     string `json:"sub_gui_msg"`
	SubGuiCmd     string `json:"sub_gui_cmd"`
	SubServerCmd  string `json:"sub_server_cmd"`
	SubGeneralCmd string `json:"sub_general_cmd"`

	PubDrvData       string `json:"pub_drv_data"`
	PubDrvDataStruct string `json:"pub_drv_data_struct"`
	PubModulesStatus string `json:"pub_modules_status"`
	PubDrvBroadcast  string `json:"pub_drv_broadcast"`
}

// Subscribed returns the non-empty command topics in a stable order.
func (t MQTTTopics) Subscribed() []string {
	var out []string
	for _, topic := range []string{t.SubGuiMsg, t.SubGuiCmd, t.SubServerCmd, t.SubGeneralCmd} {
		if topic != "" {
			out = append(out, topic)
		}
	}
	return out
}

// DeviceFamily selects the transport implementation for a device.
type DeviceFamily string

const (
	FamilyOPCUA DeviceFamily = "opcua"
	FamilyS7    DeviceFamily = "s7"
)

// DeviceConfig describes one PLC connection.
type DeviceConfig struct {
	Basic     DeviceBasic            `json:"Basic"`
	Control   DeviceControl          `json:"Control"`
	Status    DeviceStatus           `json:"Status"`
	Parameter map[string]interface{} `json:"Parameter,omitempty"`
}

// DeviceBasic holds the connection endpoint and identity.
type DeviceBasic struct {
	Name             string       `json:"name"`
	URI              string       `json:"uri"`
	MainNode         string       `json:"main_node,omitempty"`
	Family           DeviceFamily `json:"family,omitempty"`
	Rack             int          `json:"rack,omitempty"`
	Slot             int          `json:"slot,omitempty"`
	TimeoutMS        int          `json:"timeout,omitempty"`
	WatchdogInterval int          `json:"watchdog_interval,omitempty"`
}

// GetFamily returns the configured family, defaulting to OPC UA.
func (b DeviceBasic) GetFamily() DeviceFamily {
	if b.Family == "" {
		return FamilyOPCUA
	}
	return b.Family
}

// Timeout returns the configured base timeout as a duration (default 200ms).
func (b DeviceBasic) Timeout() time.Duration {
	if b.TimeoutMS <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(b.TimeoutMS) * time.Millisecond
}

// DeviceControl holds the desired-state flags reconciled by the manage loop.
type DeviceControl struct {
	// Load gates catalog loading at startup.
	Load bool `json:"Load"`
	// Link is the desired connection state.
	Link bool `json:"Link"`
	// Read gates the periodic scan.
	Read bool `json:"Read"`
}

// DeviceStatus is mutated by the manage loop and echoed in status snapshots.
type DeviceStatus struct {
	Linking      bool   `json:"Linking"`
	Subscription bool   `json:"Subscription"`
	LastError    string `json:"LastError,omitempty"`
}

// LoadDriverConfig reads and parses the driver config JSON.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read driver config: %w", err)
	}

	var cfg DriverConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse driver config: %w", err)
	}
	if cfg.Opcua == nil {
		cfg.Opcua = make(map[string]DeviceConfig)
	}
	return &cfg, nil
}

// SaveDriverConfig writes the driver config JSON back to disk with the
// indentation the upstream tools expect.
func SaveDriverConfig(path string, cfg *DriverConfig) error {
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal driver config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write driver config: %w", err)
	}
	return os.Rename(tmp, path)
}

// DeviceNames returns the configured device names sorted for stable
// iteration order.
func (c *DriverConfig) DeviceNames() []string {
	names := make([]string, 0, len(c.Opcua))
	for name := range c.Opcua {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindDevice returns the named device config, or false when absent.
func (c *DriverConfig) FindDevice(name string) (DeviceConfig, bool) {
	dev, ok := c.Opcua[name]
	return dev, ok
}

// SetDeviceLink updates a device's desired link state.
func (c *DriverConfig) SetDeviceLink(name string, link bool) bool {
	dev, ok := c.Opcua[name]
	if !ok {
		return false
	}
	dev.Control.Link = link
	c.Opcua[name] = dev
	return true
}

// SetDeviceStatus updates a device's status block.
func (c *DriverConfig) SetDeviceStatus(name string, status DeviceStatus) bool {
	dev, ok := c.Opcua[name]
	if !ok {
		return false
	}
	dev.Status = status
	c.Opcua[name] = dev
	return true
}
