package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"plclink/catalog"
	"plclink/codec"
	"plclink/config"
	"plclink/device"
	"plclink/logging"
	"plclink/mqtt"
)

// General command types accepted on the command topics.
const (
	cmdDevConnect    = "DEV_CONNECT"
	cmdDevDisconnect = "DEV_DISCONNECT"
	cmdDevReconnect  = "DEV_RECONNECT"
	cmdModifyConfig  = "MODIFY_CONFIG"
	cmdRestart       = "RESTART_PROCESS"
	cmdStartBrowse   = "START_BROWSE_PROCESS"
	cmdStopBrowse    = "STOP_BROWSE_PROCESS"
)

const (
	commandWriteTimeout = 500 * time.Millisecond
	latchWriteTimeout   = 1500 * time.Millisecond
	oneShotReadTimeout  = 1500 * time.Millisecond
	// restartDelay lets the restart reply flush before the link drops.
	restartDelay = 2 * time.Second
)

// handleEnvelope parses one inbound frame and routes it by the topic
// class it arrived on: data verbs on the gui and server command topics,
// process commands on the general command topic. Every parseable
// command gets exactly one reply; unparseable frames are dropped.
func (s *Server) handleEnvelope(env mqtt.Envelope) {
	var cmd mqtt.Command
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		logging.Warning("drop frame on %s: %v", env.Topic, err)
		return
	}

	topics := s.topics()
	switch {
	case topicMatches(env.Topic, topics.SubGuiCmd), topicMatches(env.Topic, topics.SubServerCmd):
		s.handleModuleCommand(env.Topic, cmd)
	case topicMatches(env.Topic, topics.SubGeneralCmd):
		s.handleGeneral(env.Topic, cmd)
	default:
		logging.DebugLog("engine", "drop frame on unrouted topic %s", env.Topic)
	}
}

// topics snapshots the subscribed topic map under the driver lock.
func (s *Server) topics() config.MQTTTopics {
	s.driverMu.Lock()
	defer s.driverMu.Unlock()
	return s.driver.Mqtt.Parameter
}

// topicMatches reports whether an incoming topic belongs to a
// subscription. The subscription's last character is treated as a
// wildcard, so "drv/gui/cmd/#" covers "drv/gui/cmd/press1".
func topicMatches(topic, sub string) bool {
	if sub == "" {
		return false
	}
	n := len(sub) - 1
	return len(topic) >= n && topic[:n] == sub[:n]
}

// handleModuleCommand runs a data verb against the module's session.
func (s *Server) handleModuleCommand(topic string, cmd mqtt.Command) {
	m := cmd.Data.Module()
	sess, ok := s.sessionForModule(m)
	if !ok {
		s.reply(topic, false, cmd.ID, "module not matched")
		return
	}

	verb := cmd.Data.Cmd
	if verb == "" {
		verb = "write"
	}

	switch verb {
	case "read":
		s.handleRead(topic, cmd, sess, false, false)
	case "read_struct":
		s.handleRead(topic, cmd, sess, true, false)
	case "read_plc":
		s.handleRead(topic, cmd, sess, false, true)
	case "read_plc_struct":
		s.handleRead(topic, cmd, sess, true, true)
	case "write":
		s.handleWrite(topic, cmd, sess)
	case "write_recipe":
		s.handleWriteRecipe(topic, cmd, sess)
	default:
		s.reply(topic, false, cmd.ID, fmt.Sprintf("unknown command %s", verb))
	}
}

// handleRead answers with the requested values inline. Cache reads
// render the last scanned values; fromPLC refreshes them over the live
// transport first. asStruct reassembles arrays and structures instead of
// flattening to leaves.
func (s *Server) handleRead(topic string, cmd mqtt.Command, sess *device.Session, asStruct, fromPLC bool) {
	m := cmd.Data.Module()

	var descs []*catalog.Descriptor
	var leaves []*catalog.Descriptor
	var errs []string
	sess.Snapshot(func(cat *catalog.Catalog) {
		for _, item := range cmd.Data.List {
			d, ok := cat.Find(m, item.Code)
			if !ok {
				errs = append(errs, fmt.Sprintf("Failure to find %s in the list", item.Code))
				continue
			}
			descs = append(descs, d)
			leaves = append(leaves, cat.Leaves(d)...)
		}
	})
	if len(errs) > 0 {
		s.readReplyError(topic, cmd, strings.Join(errs, "; "))
		return
	}

	if fromPLC {
		ctx, cancel := context.WithTimeout(s.ctx, oneShotReadTimeout)
		// The one-shot read refreshes the cached values the reply below
		// renders from.
		_, err := sess.OneShotRead(ctx, leaves)
		cancel()
		if err != nil {
			s.readReplyError(topic, cmd, err.Error())
			return
		}
	}

	now := time.Now().UnixMilli()
	var list []mqtt.ReadEntry
	sess.Snapshot(func(cat *catalog.Catalog) {
		if asStruct {
			for _, d := range descs {
				list = append(list, mqtt.ReadEntry{
					Code:     d.Code,
					Value:    cat.Assemble(d),
					DataType: d.DisplayType(),
					ArrLen:   d.ArrayDims,
					Time:     now,
				})
			}
			return
		}
		for _, d := range leaves {
			list = append(list, mqtt.ReadEntry{
				Code:     d.Code,
				Value:    d.Value,
				DataType: d.DisplayType(),
				ArrLen:   d.ArrayDims,
				Time:     now,
			})
		}
	})

	reply := mqtt.NewReadReply(m, list)
	reply.ID = cmd.ID
	if err := s.pub.PublishReadReply(topic, reply); err != nil {
		logging.Warning("read reply on %s failed: %v", topic, err)
	}
}

func (s *Server) readReplyError(topic string, cmd mqtt.Command, message string) {
	reply := mqtt.NewReadReply(cmd.Data.Module(), nil)
	reply.ID = cmd.ID
	reply.Data.Success = false
	reply.Data.Message = message
	if err := s.pub.PublishReadReply(topic, reply); err != nil {
		logging.Warning("read reply on %s failed: %v", topic, err)
	}
}

// handleWrite parses the payload into write targets and flushes them. A
// transport error is downgraded to success when a verify read shows the
// values landed anyway.
func (s *Server) handleWrite(topic string, cmd mqtt.Command, sess *device.Session) {
	targets, errs := s.parseTargets(cmd, sess)
	if len(errs) > 0 {
		s.reply(topic, false, cmd.ID, strings.Join(errs, "; "))
		return
	}
	if !sess.Connecting() {
		s.reply(topic, false, cmd.ID, fmt.Sprintf("Failure to write %s, not linked.", sess.Name))
		return
	}

	start := time.Now()
	err := sess.WriteTargets(s.ctx, targets, commandWriteTimeout)
	if err != nil && sess.VerifyTargets(s.ctx, targets) {
		logging.DebugLog("engine", "%s: write verified after error: %v", sess.Name, err)
		err = nil
	}
	if err != nil {
		s.reply(topic, false, cmd.ID, fmt.Sprintf("Failure to write %s.", sess.Name))
		return
	}

	logging.DebugLog("engine", "%s: wrote %d targets in %v", sess.Name, len(targets), time.Since(start))
	s.reply(topic, true, cmd.ID, "OK")
}

// handleWriteRecipe is the manual recipe path: only modules named in the
// recipe config take these writes, and gated modules require their
// writable flag set and get the valid latch raised around the write.
func (s *Server) handleWriteRecipe(topic string, cmd mqtt.Command, sess *device.Session) {
	m := cmd.Data.Module()
	gate, ok := s.orch.GateFor(m)
	if !ok {
		s.reply(topic, false, cmd.ID, fmt.Sprintf("module %s takes no recipe writes", m))
		return
	}

	targets, errs := s.parseTargets(cmd, sess)
	if len(errs) > 0 {
		s.reply(topic, false, cmd.ID, strings.Join(errs, "; "))
		return
	}
	if !sess.Connecting() {
		s.reply(topic, false, cmd.ID, fmt.Sprintf("Failure to write %s, not linked.", sess.Name))
		return
	}

	if gate.Direct {
		if err := sess.WriteTargets(s.ctx, targets, commandWriteTimeout); err != nil {
			s.reply(topic, false, cmd.ID, fmt.Sprintf("Failure to write %s.", sess.Name))
			return
		}
		s.reply(topic, true, cmd.ID, "OK")
		return
	}

	// The writable flag is read inside the snapshot; the scan loop
	// mutates descriptor values under the same lock.
	var writable, valid *catalog.Descriptor
	writableSet := false
	sess.Snapshot(func(cat *catalog.Catalog) {
		writable, _ = cat.Find(m, gate.WritableCode)
		valid, _ = cat.Find(m, gate.ValidCode)
		writableSet = writable != nil && writable.Value == true
	})
	if writable == nil || valid == nil {
		s.reply(topic, false, cmd.ID, fmt.Sprintf("module %s has no recipe latch", m))
		return
	}
	if !writableSet {
		s.reply(topic, false, cmd.ID, fmt.Sprintf("module %s is not recipe writable", m))
		return
	}

	if err := sess.WriteTargets(s.ctx, []codec.WriteTarget{{Desc: valid, Value: true}}, latchWriteTimeout); err != nil {
		s.reply(topic, false, cmd.ID, fmt.Sprintf("Failure to write %s.", sess.Name))
		return
	}
	writeErr := sess.WriteTargets(s.ctx, targets, commandWriteTimeout)
	if err := sess.WriteTargets(s.ctx, []codec.WriteTarget{{Desc: valid, Value: false}}, latchWriteTimeout); err != nil {
		logging.Warning("%s: recipe valid latch restore failed: %v", sess.Name, err)
	}
	if writeErr != nil {
		s.reply(topic, false, cmd.ID, fmt.Sprintf("Failure to write %s.", sess.Name))
		return
	}
	s.reply(topic, true, cmd.ID, "OK")
}

// parseTargets resolves the command's item list against the session
// catalog under its lock.
func (s *Server) parseTargets(cmd mqtt.Command, sess *device.Session) ([]codec.WriteTarget, []string) {
	items := make([]codec.Item, len(cmd.Data.List))
	for i, item := range cmd.Data.List {
		items[i] = codec.Item{Code: item.Code, Value: item.Value}
	}

	var res *codec.Result
	sess.Snapshot(func(cat *catalog.Catalog) {
		res = codec.TargetsFor(cat, cmd.Data.Module(), items)
	})
	if res == nil {
		return nil, []string{"catalog not loaded"}
	}
	return res.Targets, res.Errors
}

// handleGeneral runs a process-level command. These address the driver's
// own module; anything else is refused, except a reconnect with a zeroed
// module which some upstream tools send.
func (s *Server) handleGeneral(topic string, cmd mqtt.Command) {
	m := cmd.Data.Module()
	zero := m == (catalog.ModuleKey{})
	if m != s.driverModule() && !(zero && cmd.Data.CommandType == cmdDevReconnect) {
		s.reply(topic, false, cmd.ID, "module not matched")
		return
	}

	switch cmd.Data.CommandType {
	case cmdDevConnect:
		s.handleDevConnect(topic, cmd)
	case cmdDevDisconnect:
		s.handleDevDisconnect(topic, cmd)
	case cmdDevReconnect:
		s.handleDevReconnect(topic, cmd)
	case cmdModifyConfig:
		s.handleModifyConfig(topic, cmd)
	case cmdRestart:
		s.handleRestart(topic, cmd)
	case cmdStartBrowse:
		if err := s.startBrowse(); err != nil {
			s.reply(topic, false, cmd.ID, err.Error())
			return
		}
		s.reply(topic, true, cmd.ID, "variable browser starting")
	case cmdStopBrowse:
		if s.stopBrowse() {
			s.reply(topic, true, cmd.ID, "variable browser stopped")
		} else {
			s.reply(topic, false, cmd.ID, "variable browser not running")
		}
	default:
		s.reply(topic, false, cmd.ID, fmt.Sprintf("unknown command type %s", cmd.Data.CommandType))
	}
}

func (s *Server) handleDevConnect(topic string, cmd mqtt.Command) {
	devName := cmd.Data.DevName()
	sess, ok := s.devices[devName]
	if !ok {
		s.reply(topic, false, cmd.ID, fmt.Sprintf("device %s not found", devName))
		return
	}

	sess.SetLink(true)
	s.setDriverLink(devName, true)
	if err := sess.Connect(s.ctx); err != nil {
		s.reply(topic, false, cmd.ID, fmt.Sprintf("%s connect failed, please retry", devName))
		return
	}
	s.reply(topic, true, cmd.ID, fmt.Sprintf("%s connected", devName))
}

func (s *Server) handleDevDisconnect(topic string, cmd mqtt.Command) {
	devName := cmd.Data.DevName()
	sess, ok := s.devices[devName]
	if !ok {
		s.reply(topic, false, cmd.ID, fmt.Sprintf("device %s not found", devName))
		return
	}

	sess.SetLink(false)
	s.setDriverLink(devName, false)
	sess.Disconnect()
	s.reply(topic, true, cmd.ID, fmt.Sprintf("%s disconnected", devName))
}

// handleDevReconnect reloads the catalog and re-establishes the link.
// The reload waits for the transport to recover on its own, so it runs
// off the pump goroutine and replies when it finishes.
func (s *Server) handleDevReconnect(topic string, cmd mqtt.Command) {
	devName := cmd.Data.DevName()
	sess, ok := s.devices[devName]
	if !ok {
		s.reply(topic, false, cmd.ID, fmt.Sprintf("device %s not found", devName))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := sess.Reload(s.ctx); err != nil {
			logging.Warning("%s reconnect: %v", devName, err)
			s.reply(topic, false, cmd.ID, fmt.Sprintf("%s reconnect failed, please retry", devName))
			return
		}
		s.reply(topic, true, cmd.ID, fmt.Sprintf("%s reconnected", devName))
	}()
}

// handleModifyConfig persists the replacement driver config. Devices and
// topics are wired at startup, so the new document takes effect on the
// next restart.
func (s *Server) handleModifyConfig(topic string, cmd mqtt.Command) {
	var next config.DriverConfig
	if err := json.Unmarshal(cmd.Data.CommandContent, &next); err != nil {
		s.reply(topic, false, cmd.ID, "configuration update failed, please retry")
		return
	}
	if next.Opcua == nil {
		next.Opcua = make(map[string]config.DeviceConfig)
	}

	s.driverMu.Lock()
	s.driver = &next
	err := config.SaveDriverConfig(s.driverPath, s.driver)
	s.driverMu.Unlock()

	if err != nil {
		logging.Error("save driver config: %v", err)
		s.reply(topic, false, cmd.ID, "configuration update failed, please retry")
		return
	}
	s.reply(topic, true, cmd.ID, "configuration updated")
}

// handleRestart acknowledges, lets the reply flush, announces the links
// down and shuts the engine down. The caller re-execs the process when
// RestartRequested reports true after Stop returns.
func (s *Server) handleRestart(topic string, cmd mqtt.Command) {
	s.reply(topic, true, cmd.ID, fmt.Sprintf("%s restarting...", s.driverModule()))

	go func() {
		time.Sleep(restartDelay)

		states := make([]mqtt.ModuleState, 0, len(s.order))
		for _, name := range s.order {
			states = append(states, mqtt.ModuleState{ModuleName: name, ConnectionState: false})
		}
		if err := s.pub.PublishModulesStatus(s.driverModule(), states); err != nil {
			logging.Warning("restart status publish failed: %v", err)
		}

		s.requestRestart()
		s.Stop()
	}()
}

// startBrowse launches the configured external variable browser.
func (s *Server) startBrowse() error {
	args := strings.Fields(s.cfg.BrowseCommand)
	if len(args) == 0 {
		return fmt.Errorf("no browse command configured")
	}

	s.browseMu.Lock()
	defer s.browseMu.Unlock()
	if s.browse != nil {
		return fmt.Errorf("variable browser already running")
	}

	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start browse process: %w", err)
	}
	s.browse = cmd
	logging.Info("browse process started, pid %d", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		s.browseMu.Lock()
		if s.browse == cmd {
			s.browse = nil
		}
		s.browseMu.Unlock()
		logging.Info("browse process exited: %v", err)
	}()
	return nil
}

// stopBrowse kills the browse process if one is running.
func (s *Server) stopBrowse() bool {
	s.browseMu.Lock()
	cmd := s.browse
	s.browse = nil
	s.browseMu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return false
	}
	if err := cmd.Process.Kill(); err != nil {
		logging.Warning("kill browse process: %v", err)
	}
	return true
}

// reply publishes the command's single response.
func (s *Server) reply(topic string, success bool, id, message string) {
	if err := s.pub.PublishReply(topic, success, id, message); err != nil {
		logging.Warning("reply on %s failed: %v", topic, err)
	}
}

// setDriverLink mirrors a session link change into the driver document
// so status snapshots and MODIFY_CONFIG round-trips stay consistent.
func (s *Server) setDriverLink(devName string, link bool) {
	s.driverMu.Lock()
	s.driver.SetDeviceLink(devName, link)
	s.driverMu.Unlock()
}
