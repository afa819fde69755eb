// Package engine centralizes the gateway's runtime: it owns the device
// sessions, the periodic loops, the MQTT command dispatcher and the
// optional Kafka, Valkey and REST sinks.
package engine

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"plclink/api"
	"plclink/catalog"
	"plclink/codec"
	"plclink/config"
	"plclink/device"
	"plclink/kafka"
	"plclink/logging"
	"plclink/mqtt"
	"plclink/recipe"
	"plclink/valkey"
)

// Publisher is the slice of the MQTT client the engine publishes
// through. Narrowed to an interface so dispatcher tests can capture
// traffic without a broker.
type Publisher interface {
	PublishData(m catalog.ModuleKey, entries []codec.Entry) error
	PublishReply(srcTopic string, success bool, id, message string) error
	PublishReadReply(srcTopic string, reply mqtt.ReadReply) error
	PublishDriverStatus(v interface{}) error
	PublishModulesStatus(m catalog.ModuleKey, states []mqtt.ModuleState) error
	PublishBroadcast(kind string, data mqtt.BroadcastData) error
}

var _ Publisher = (*mqtt.Client)(nil)

var _ api.Provider = (*Server)(nil)

// Server wires the gateway together.
type Server struct {
	cfg        *config.Config
	driverPath string

	driverMu sync.Mutex
	driver   *config.DriverConfig

	mq  *mqtt.Client
	pub Publisher

	devices map[string]*device.Session
	order   []string

	orch     *recipe.Orchestrator
	producer *kafka.Producer
	vk       *valkey.Publisher
	rest     *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	browseMu sync.Mutex
	browse   *exec.Cmd

	stateMu sync.Mutex
	restart bool
	stopped bool

	started time.Time
}

// New builds an engine from the three configuration surfaces. Call
// Start to connect and launch the loops.
func New(cfg *config.Config, driver *config.DriverConfig, recipeCfg *config.RecipeConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		driverPath: cfg.DriverConfigPath(),
		driver:     driver,
		devices:    make(map[string]*device.Session),
		ctx:        ctx,
		cancel:     cancel,
		started:    time.Now(),
	}

	mq := mqtt.NewClient(driver.Mqtt)
	s.mq = mq
	s.pub = mq

	for _, name := range driver.DeviceNames() {
		dev, _ := driver.FindDevice(name)
		sessName := name
		sess := device.NewSession(name, dev, cfg.CatalogPath(name), func(m catalog.ModuleKey, entries []codec.Entry) {
			s.publishModule(sessName, m, entries)
		})
		s.devices[name] = sess
		s.order = append(s.order, name)
	}

	s.orch = recipe.New(recipeCfg, s.moduleResolver, s)
	return s
}

// moduleResolver adapts session lookup for the recipe orchestrator.
func (s *Server) moduleResolver(m catalog.ModuleKey) (recipe.Module, bool) {
	sess, ok := s.sessionForModule(m)
	if !ok {
		return nil, false
	}
	return sess, true
}

// PublishBroadcast satisfies recipe.Broadcaster.
func (s *Server) PublishBroadcast(kind string, data mqtt.BroadcastData) error {
	return s.pub.PublishBroadcast(kind, data)
}

// Start connects the broker, loads and links the devices, starts the
// optional sinks and launches the periodic loops.
func (s *Server) Start() error {
	if err := s.mq.Connect(); err != nil {
		return err
	}

	for _, name := range s.order {
		sess := s.devices[name]
		if err := sess.Load(); err != nil {
			logging.Error("%v", err)
			continue
		}
		// Manage dials devices whose Link flag is set.
		sess.Manage(s.ctx)
	}

	if s.cfg.Kafka.Enabled {
		s.producer = kafka.NewProducer(s.cfg.Kafka)
		go func() {
			if err := s.producer.Connect(); err != nil {
				logging.Warning("%v", err)
			}
		}()
	}
	if s.cfg.Valkey.Enabled {
		s.vk = valkey.NewPublisher(s.cfg.Valkey)
		go func() {
			if err := s.vk.Start(); err != nil {
				logging.Warning("%v", err)
			}
		}()
	}
	if s.cfg.API.Enabled {
		s.rest = api.NewServer(s.cfg.API, s)
		if err := s.rest.Start(); err != nil {
			logging.Warning("api server: %v", err)
		}
	}

	s.startLoops()
	logging.Info("engine started with %d devices", len(s.order))
	return nil
}

// Stop shuts down the loops, the sinks and the device links. Idempotent.
func (s *Server) Stop() {
	s.stateMu.Lock()
	if s.stopped {
		s.stateMu.Unlock()
		return
	}
	s.stopped = true
	s.stateMu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.stopBrowse()
	if s.rest != nil {
		s.rest.Stop()
	}
	if s.producer != nil {
		s.producer.Disconnect()
	}
	if s.vk != nil {
		s.vk.Stop()
	}
	for _, name := range s.order {
		s.devices[name].Disconnect()
	}
	s.mq.Disconnect()
	logging.Info("engine stopped")
}

// Done closes when the engine shuts down, whether from Stop or a
// restart command.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// RestartRequested reports whether a RESTART_PROCESS command arrived;
// the caller re-execs the process after Stop.
func (s *Server) RestartRequested() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.restart
}

func (s *Server) requestRestart() {
	s.stateMu.Lock()
	s.restart = true
	s.stateMu.Unlock()
}

// publishModule fans one module's change list out to every sink.
func (s *Server) publishModule(deviceName string, m catalog.ModuleKey, entries []codec.Entry) {
	if err := s.pub.PublishData(m, entries); err != nil {
		logging.DebugLog("engine", "%s: publish %s data failed: %v", deviceName, m, err)
	}
	if s.producer != nil {
		if err := s.producer.ProduceChanges(s.ctx, m, entries); err != nil {
			logging.DebugLog("engine", "%s: kafka mirror for %s failed: %v", deviceName, m, err)
		}
	}
	if s.vk != nil {
		if err := s.vk.PublishChanges(s.ctx, m, entries); err != nil {
			logging.DebugLog("engine", "%s: valkey mirror for %s failed: %v", deviceName, m, err)
		}
	}
}

// sessionForModule finds the session whose catalog owns the module.
func (s *Server) sessionForModule(m catalog.ModuleKey) (*device.Session, bool) {
	for _, name := range s.order {
		sess := s.devices[name]
		for _, owned := range sess.Modules() {
			if owned == m {
				return sess, true
			}
		}
	}
	return nil, false
}

// driverModule returns the driver's own module key.
func (s *Server) driverModule() catalog.ModuleKey {
	s.driverMu.Lock()
	defer s.driverMu.Unlock()
	return catalog.ModuleKey{
		BlockID:  s.driver.Basic.BlockID,
		Index:    s.driver.Basic.Index,
		Category: s.driver.Basic.Category,
	}
}
