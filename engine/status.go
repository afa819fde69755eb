package engine

import (
	"context"
	"time"

	"plclink/api"
	"plclink/catalog"
	"plclink/config"
	"plclink/device"
	"plclink/logging"
	"plclink/mqtt"
)

// statusTask publishes the periodic connection-state broadcast and the
// full driver status snapshot.
func (s *Server) statusTask(_ context.Context) {
	states := make([]mqtt.ModuleState, 0, len(s.order))
	for _, name := range s.order {
		states = append(states, mqtt.ModuleState{
			ModuleName:      name,
			ConnectionState: s.devices[name].Connecting(),
		})
	}
	if err := s.pub.PublishModulesStatus(s.driverModule(), states); err != nil {
		logging.DebugLog("engine", "modules status publish failed: %v", err)
	}

	doc := s.driverSnapshot()
	msg := mqtt.NewDriverStatusMessage(s.driverModule(), doc)
	if err := s.pub.PublishDriverStatus(msg); err != nil {
		logging.DebugLog("engine", "driver status publish failed: %v", err)
	}
}

// syncDriverStatus folds each session's live state into the driver
// document's Status blocks so snapshots reflect reality.
func (s *Server) syncDriverStatus() {
	s.driverMu.Lock()
	defer s.driverMu.Unlock()
	for _, name := range s.order {
		st := s.devices[name].Status()
		s.driver.SetDeviceStatus(name, config.DeviceStatus{
			Linking:      st.Connecting,
			Subscription: st.Subscribed,
			LastError:    st.LastError,
		})
	}
}

// driverSnapshot copies the driver document under the lock. The device
// map is the only shared reference; everything else is value-typed.
func (s *Server) driverSnapshot() config.DriverConfig {
	s.driverMu.Lock()
	defer s.driverMu.Unlock()

	cp := *s.driver
	cp.Opcua = make(map[string]config.DeviceConfig, len(s.driver.Opcua))
	for name, dev := range s.driver.Opcua {
		cp.Opcua[name] = dev
	}
	return cp
}

// The methods below satisfy api.Provider.

// Uptime reports time since New.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.started)
}

// MQTTConnected reports the broker connection state.
func (s *Server) MQTTConnected() bool {
	return s.mq.Connected()
}

// MQTTDropped reports frames discarded on a full inbox.
func (s *Server) MQTTDropped() int64 {
	return s.mq.Dropped()
}

// DeviceStatuses returns each session's snapshot for the REST API.
func (s *Server) DeviceStatuses() []device.Status {
	out := make([]device.Status, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.devices[name].Status())
	}
	return out
}

// DeviceValues renders a device's cached variable values.
func (s *Server) DeviceValues(name string) ([]api.Value, bool) {
	sess, ok := s.devices[name]
	if !ok {
		return nil, false
	}

	values := make([]api.Value, 0)
	sess.Snapshot(func(cat *catalog.Catalog) {
		for _, d := range cat.All() {
			if d.ArrayDims > 0 || d.DataType == catalog.TypeStructure || d.DataType == catalog.TypeUnknown {
				continue
			}
			values = append(values, api.Value{
				Module:   d.Module().String(),
				Code:     d.Code,
				Value:    d.Value,
				DataType: d.DisplayType(),
			})
		}
	})
	return values, true
}

// DeviceModules lists a device's module keys.
func (s *Server) DeviceModules(name string) ([]string, bool) {
	sess, ok := s.devices[name]
	if !ok {
		return nil, false
	}

	modules := sess.Modules()
	out := make([]string, len(modules))
	for i, m := range modules {
		out[i] = m.String()
	}
	return out, true
}
