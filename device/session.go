// Package device binds one PLC connection to its variable catalog, read
// plan, safety-clear plan and subscription state.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"plclink/catalog"
	"plclink/codec"
	"plclink/config"
	"plclink/logging"
	"plclink/transport"
)

const (
	scanReadTimeout   = 1500 * time.Millisecond
	clearWriteTimeout = 200 * time.Millisecond
	// Scans completed before safety-clear arms. Until then every clear
	// bit's false-time is refreshed, so a stale catalog value can never
	// trigger a clear right after startup.
	clearWarmupScans = 3
)

// reconnectWait gives a dropped link time to recover on its own before
// Reload forces a fresh connection. Shortened in tests.
var reconnectWait = 8 * time.Second

// PublishFunc delivers one module's flattened entries upstream.
type PublishFunc func(m catalog.ModuleKey, entries []codec.Entry)

// newTransport is swapped in tests.
var newTransport = transport.New

// Session owns one PLC connection and its catalog.
type Session struct {
	Name string

	mu  sync.Mutex
	cfg config.DeviceConfig
	cat *catalog.Catalog
	tr  transport.Transport

	catalogPath string
	publish     PublishFunc

	loaded     bool
	connecting bool
	subscribed bool

	readBlock  []*catalog.Descriptor
	clearBlock []*catalog.Descriptor
	modules    []catalog.ModuleKey

	scanCount   int
	lastError   string
	lastSuccess time.Time
}

// Status is a point-in-time snapshot for status publishing and the API.
type Status struct {
	Name        string    `json:"name"`
	Family      string    `json:"family"`
	URI         string    `json:"uri"`
	Loaded      bool      `json:"loaded"`
	Connecting  bool      `json:"connecting"`
	Subscribed  bool      `json:"subscribed"`
	Variables   int       `json:"variables"`
	LastError   string    `json:"lastError,omitempty"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
}

// NewSession creates an unloaded, unconnected session.
func NewSession(name string, cfg config.DeviceConfig, catalogPath string, publish PublishFunc) *Session {
	return &Session{
		Name:        name,
		cfg:         cfg,
		catalogPath: catalogPath,
		publish:     publish,
	}
}

// Load reads the catalog CSV and derives the read and safety-clear
// blocks. Skipped devices (Control.Load false) stay unloaded.
func (s *Session) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Session) loadLocked() error {
	if !s.cfg.Control.Load {
		logging.Info("device %s: load disabled, skipping catalog", s.Name)
		return nil
	}

	cat, err := catalog.LoadCSV(s.catalogPath)
	if err != nil {
		s.lastError = err.Error()
		return fmt.Errorf("device %s: %w", s.Name, err)
	}

	s.cat = cat
	s.readBlock = cat.ReadBlock()
	s.clearBlock = cat.TimedClearBlock()
	s.modules = cat.Modules()
	s.loaded = true
	s.scanCount = 0

	logging.Info("device %s: catalog loaded, %d variables, %d read, %d timed-clear, %d modules",
		s.Name, cat.Len(), len(s.readBlock), len(s.clearBlock), len(s.modules))
	return nil
}

// Catalog returns the session's catalog, nil before Load.
func (s *Session) Catalog() *catalog.Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat
}

// Snapshot runs fn holding the session lock, giving callers a consistent
// view of cached descriptor values. fn must not call back into the
// session. fn is not invoked before Load.
func (s *Session) Snapshot(fn func(cat *catalog.Catalog)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cat != nil {
		fn(s.cat)
	}
}

// Config returns the session's device config.
func (s *Session) Config() config.DeviceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetLink updates the desired link state reconciled by Manage.
func (s *Session) SetLink(link bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Control.Link = link
}

// Connecting reports whether the device link is up.
func (s *Session) Connecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connecting
}

// Modules returns the device's module keys.
func (s *Session) Modules() []catalog.ModuleKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modules
}

// Status returns a snapshot for status publishing.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	variables := 0
	if s.cat != nil {
		variables = s.cat.Len()
	}
	return Status{
		Name:        s.Name,
		Family:      string(s.cfg.Basic.GetFamily()),
		URI:         s.cfg.Basic.URI,
		Loaded:      s.loaded,
		Connecting:  s.connecting,
		Subscribed:  s.subscribed,
		Variables:   variables,
		LastError:   s.lastError,
		LastSuccess: s.lastSuccess,
	}
}

// Connect builds a fresh transport, dials it and installs the OPC UA
// subscription for every descriptor flagged for it.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	if !s.loaded {
		return fmt.Errorf("device %s: catalog not loaded", s.Name)
	}
	if s.connecting && s.tr != nil && s.tr.LinkState() {
		return nil
	}

	// A reconnect never reuses the old client.
	if s.tr != nil {
		s.tr.Disconnect()
		s.tr = nil
	}

	tr, err := newTransport(s.cfg)
	if err != nil {
		s.lastError = err.Error()
		return err
	}
	if err := tr.Connect(ctx); err != nil {
		s.lastError = err.Error()
		return err
	}

	s.tr = tr
	s.connecting = true
	s.lastError = ""
	s.subscribeLocked(ctx)
	return nil
}

func (s *Session) subscribeLocked(ctx context.Context) {
	s.subscribed = false
	if s.cat == nil || s.tr == nil {
		return
	}

	var refs []transport.Ref
	for _, d := range s.cat.All() {
		if d.Subscribe && d.NodeID != "" {
			refs = append(refs, transport.RefOf(d))
		}
	}
	if len(refs) == 0 {
		return
	}

	err := s.tr.Subscribe(ctx, refs, s.onSubscriptionChange)
	switch {
	case err == nil:
		s.subscribed = true
	case errors.Is(err, transport.ErrNotSupported):
	default:
		logging.Warning("device %s: subscribe failed: %v", s.Name, err)
	}
}

// onSubscriptionChange forwards a pushed value change through the
// outbound codec and publishes the resulting entries.
func (s *Session) onSubscriptionChange(nodeID string, value interface{}) {
	s.mu.Lock()
	if s.cat == nil {
		s.mu.Unlock()
		return
	}
	d, ok := s.cat.ByNodeID(nodeID)
	if !ok {
		s.mu.Unlock()
		logging.DebugLog("device", "%s: change on unknown node %s", s.Name, nodeID)
		return
	}

	var res codec.Result
	codec.Walk(s.cat, d, value, codec.Outbound, codec.Options{}, &res)
	module := d.Module()
	entries := res.Entries
	publish := s.publish
	s.mu.Unlock()

	if err := res.Err(); err != nil {
		logging.DebugLog("device", "%s: subscription decode: %v", s.Name, err)
	}
	if publish != nil && len(entries) > 0 {
		publish(module, entries)
	}
}

// Disconnect tears down the transport. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked()
}

func (s *Session) disconnectLocked() {
	if s.tr != nil {
		s.tr.Disconnect()
	}
	s.connecting = false
	s.subscribed = false
}

// Scan performs one poll of the read block, feeding every value through
// the outbound codec and publishing per-module change lists. With
// forceAll, every descriptor emits regardless of change detection.
func (s *Session) Scan(ctx context.Context, forceAll bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connecting || len(s.readBlock) == 0 || !s.cfg.Control.Read || s.tr == nil {
		return nil
	}

	refs := make([]transport.Ref, len(s.readBlock))
	for i, d := range s.readBlock {
		refs[i] = transport.RefOf(d)
	}

	values, err := s.tr.ReadMany(ctx, refs, scanReadTimeout)
	if err != nil {
		s.lastError = err.Error()
		logging.DebugLog("device", "%s: scan read failed: %v", s.Name, err)
		return err
	}

	s.scanCount++
	s.lastSuccess = time.Now()
	s.lastError = ""

	opts := codec.Options{ForceEmit: forceAll, Now: s.lastSuccess}
	perModule := make(map[catalog.ModuleKey][]codec.Entry)
	var errs []string
	for i, d := range s.readBlock {
		var res codec.Result
		codec.Walk(s.cat, d, values[i], codec.Outbound, opts, &res)
		errs = append(errs, res.Errors...)
		if len(res.Entries) > 0 {
			m := d.Module()
			perModule[m] = append(perModule[m], res.Entries...)
		}
	}
	if len(errs) > 0 {
		logging.DebugLog("device", "%s: scan decode: %v", s.Name, errs)
	}

	if s.publish != nil {
		for m, entries := range perModule {
			s.publish(m, entries)
		}
	}
	return nil
}

// SafetyClear returns latched clear bits to false after their timeout.
// During warm-up, and whenever a bit reads false, its false-time is
// refreshed instead.
func (s *Session) SafetyClear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connecting || len(s.clearBlock) == 0 || s.tr == nil {
		return nil
	}

	now := time.Now()
	var writes []transport.Write
	var cleared []*catalog.Descriptor
	for _, d := range s.clearBlock {
		isTrue := d.Value == true
		if s.scanCount < clearWarmupScans || !isTrue {
			d.FalseTime = now
			continue
		}
		if now.Sub(d.FalseTime) >= d.TimedClearTime {
			writes = append(writes, transport.Write{Ref: transport.RefOf(d), Value: false})
			cleared = append(cleared, d)
		}
	}
	if len(writes) == 0 {
		return nil
	}

	if err := s.tr.WriteMany(ctx, writes, clearWriteTimeout); err != nil {
		s.lastError = err.Error()
		return fmt.Errorf("device %s: safety clear: %w", s.Name, err)
	}

	for _, d := range cleared {
		d.Value = false
		d.FalseTime = now
		logging.Write("%s safety clear %s after %v", s.Name, d.Code, d.TimedClearTime)
	}
	return nil
}

// Manage reconciles the desired link state with the transport state:
// connect when wanted but down, disconnect when unwanted.
func (s *Session) Manage(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	desired := s.cfg.Control.Link && s.loaded
	actual := s.connecting && s.tr != nil && s.tr.LinkState()

	switch {
	case desired && !actual:
		if s.connecting {
			// Link decayed under us; drop the client before redialing.
			s.disconnectLocked()
		}
		if err := s.connectLocked(ctx); err != nil {
			logging.DebugLog("device", "%s: reconnect failed: %v", s.Name, err)
		} else {
			logging.Info("device %s: link established", s.Name)
		}
	case !desired && s.connecting:
		s.disconnectLocked()
		logging.Info("device %s: link closed", s.Name)
	}
}

// OneShotRead reads the given descriptors once over the live transport
// and runs them through the outbound codec with forced emit, returning
// the flattened entries without publishing them.
func (s *Session) OneShotRead(ctx context.Context, descs []*catalog.Descriptor) ([]codec.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connecting || s.tr == nil {
		return nil, fmt.Errorf("device %s: not connected", s.Name)
	}

	refs := make([]transport.Ref, len(descs))
	for i, d := range descs {
		refs[i] = transport.RefOf(d)
	}

	values, err := s.tr.ReadMany(ctx, refs, 0)
	if err != nil {
		return nil, err
	}

	var res codec.Result
	opts := codec.Options{ForceEmit: true}
	for i, d := range descs {
		codec.Walk(s.cat, d, values[i], codec.Outbound, opts, &res)
	}
	return res.Entries, res.Err()
}

// WriteTargets flushes coerced write targets to the PLC and updates the
// cached values on success.
func (s *Session) WriteTargets(ctx context.Context, targets []codec.WriteTarget, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connecting || s.tr == nil {
		return fmt.Errorf("device %s: not connected", s.Name)
	}

	writes := make([]transport.Write, len(targets))
	for i, target := range targets {
		writes[i] = transport.Write{Ref: transport.RefOf(target.Desc), Value: target.Value}
	}

	if err := s.tr.WriteMany(ctx, writes, timeout); err != nil {
		s.lastError = err.Error()
		return err
	}

	for _, target := range targets {
		target.Desc.Value = target.Value
		logging.Write("%s %s = %v", s.Name, target.Desc.Code, target.Value)
	}
	return nil
}

// VerifyTargets re-reads the targets and compares against the intended
// values with the tolerance predicate. Used to decide the actual outcome
// after a write reported failure.
func (s *Session) VerifyTargets(ctx context.Context, targets []codec.WriteTarget) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connecting || s.tr == nil {
		return false
	}

	refs := make([]transport.Ref, len(targets))
	for i, target := range targets {
		refs[i] = transport.RefOf(target.Desc)
	}

	values, err := s.tr.ReadMany(ctx, refs, 0)
	if err != nil {
		return false
	}
	for i, target := range targets {
		if !transport.Equal(target.Value, values[i]) {
			return false
		}
	}
	for i, target := range targets {
		target.Desc.Value = values[i]
	}
	return true
}

// Reload re-reads the catalog and re-establishes the link: wait for the
// transport to recover on its own, then force a reconnect if it has
// not, and re-subscribe either way.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	if err := s.loadLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(reconnectWait):
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connecting && s.tr != nil && s.tr.LinkState() {
		s.subscribeLocked(ctx)
		return nil
	}

	s.disconnectLocked()
	return s.connectLocked(ctx)
}
