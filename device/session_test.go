package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"plclink/catalog"
	"plclink/codec"
	"plclink/config"
	"plclink/transport"
)

const sessionCSV = `code,NodeID,NodeClass,DataType,DecimalPoint,blockId,index,category,opcua_subscribe,read_enable,timed_clear,timed_clear_time
Press,ns=3;s=Press,1,null,,2,10,Press,0,0,0,
Temp,ns=3;s=Temp,2,float,2,2,10,Press,1,1,0,
Run,ns=3;s=Run,2,bool,,2,10,Press,0,1,0,
Ack,ns=3;s=Ack,2,bool,,2,10,Press,0,0,1,300
`

type fakeTransport struct {
	mu sync.Mutex

	connected bool
	link      bool

	connectErr error
	readErr    error
	writeErr   error

	values map[string]interface{}

	connects int
	writes   []transport.Write
	subRefs  []transport.Ref
	onChange transport.ChangeFunc
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.link = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.link = false
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) LinkState() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.link
}

func (f *fakeTransport) ReadMany(ctx context.Context, refs []transport.Ref, timeout time.Duration) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]interface{}, len(refs))
	for i, r := range refs {
		out[i] = f.values[r.NodeID]
	}
	return out, nil
}

func (f *fakeTransport) WriteMany(ctx context.Context, writes []transport.Write, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, writes...)
	for _, w := range writes {
		f.values[w.NodeID] = w.Value
	}
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, refs []transport.Ref, onChange transport.ChangeFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subRefs = refs
	f.onChange = onChange
	return nil
}

func (f *fakeTransport) Unsubscribe() error { return nil }

func (f *fakeTransport) dropLink() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.link = false
}

type published struct {
	module  catalog.ModuleKey
	entries []codec.Entry
}

type collector struct {
	mu   sync.Mutex
	msgs []published
}

func (c *collector) publish(m catalog.ModuleKey, entries []codec.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{module: m, entries: entries})
}

func (c *collector) all() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

func newTestSession(t *testing.T) (*Session, *fakeTransport, *collector) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "press1.csv")
	if err := os.WriteFile(path, []byte(sessionCSV), 0644); err != nil {
		t.Fatal(err)
	}

	fake := &fakeTransport{values: map[string]interface{}{
		"ns=3;s=Temp": 7.126,
		"ns=3;s=Run":  true,
		"ns=3;s=Ack":  false,
	}}

	orig := newTransport
	newTransport = func(cfg config.DeviceConfig) (transport.Transport, error) {
		return fake, nil
	}
	t.Cleanup(func() { newTransport = orig })

	cfg := config.DeviceConfig{
		Basic:   config.DeviceBasic{Name: "press1", URI: "opc.tcp://10.0.0.5:4840"},
		Control: config.DeviceControl{Load: true, Link: true, Read: true},
	}

	sink := &collector{}
	s := NewSession("press1", cfg, path, sink.publish)
	if err := s.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return s, fake, sink
}

func TestSessionLoad(t *testing.T) {
	s, _, _ := newTestSession(t)

	st := s.Status()
	if !st.Loaded || st.Variables != 4 {
		t.Errorf("status = %+v", st)
	}

	modules := s.Modules()
	if len(modules) != 1 || modules[0].String() != "2_10_Press" {
		t.Errorf("modules = %v", modules)
	}
}

func TestSessionLoad_Disabled(t *testing.T) {
	s := NewSession("skip", config.DeviceConfig{}, "does-not-exist.csv", nil)
	if err := s.Load(); err != nil {
		t.Fatalf("disabled load should be a no-op, got %v", err)
	}
	if s.Status().Loaded {
		t.Error("disabled device must stay unloaded")
	}
}

func TestSessionConnectSubscribes(t *testing.T) {
	s, fake, _ := newTestSession(t)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !s.Connecting() {
		t.Error("expected connecting after Connect")
	}
	if len(fake.subRefs) != 1 || fake.subRefs[0].NodeID != "ns=3;s=Temp" {
		t.Errorf("subscribed refs = %v", fake.subRefs)
	}
	if !s.Status().Subscribed {
		t.Error("expected subscribed status")
	}
}

func TestSessionScan(t *testing.T) {
	s, fake, sink := newTestSession(t)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.Scan(ctx, false); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	msgs := sink.all()
	if len(msgs) != 1 {
		t.Fatalf("expected one module publish, got %d", len(msgs))
	}
	if msgs[0].module.String() != "2_10_Press" {
		t.Errorf("module = %v", msgs[0].module)
	}
	byCode := map[string]interface{}{}
	for _, e := range msgs[0].entries {
		byCode[e.Code] = e.Value
	}
	// 7.126 rounds half-up at two places.
	if byCode["Temp"] != 7.13 {
		t.Errorf("Temp = %v", byCode["Temp"])
	}
	if byCode["Run"] != true {
		t.Errorf("Run = %v", byCode["Run"])
	}

	// Unchanged values publish nothing.
	if err := s.Scan(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.all()); got != 1 {
		t.Errorf("unchanged scan published, total %d", got)
	}

	// A changed value publishes only its own entry.
	fake.mu.Lock()
	fake.values["ns=3;s=Temp"] = 8.0
	fake.mu.Unlock()
	if err := s.Scan(ctx, false); err != nil {
		t.Fatal(err)
	}
	msgs = sink.all()
	if len(msgs) != 2 || len(msgs[1].entries) != 1 || msgs[1].entries[0].Code != "Temp" {
		t.Errorf("change scan = %+v", msgs)
	}

	// forceAll re-emits every read descriptor.
	if err := s.Scan(ctx, true); err != nil {
		t.Fatal(err)
	}
	msgs = sink.all()
	if len(msgs) != 3 || len(msgs[2].entries) != 2 {
		t.Errorf("forced scan = %+v", msgs)
	}
}

func TestSessionScan_NotConnected(t *testing.T) {
	s, _, sink := newTestSession(t)
	if err := s.Scan(context.Background(), false); err != nil {
		t.Fatalf("disconnected scan must be a no-op, got %v", err)
	}
	if len(sink.all()) != 0 {
		t.Error("disconnected scan must not publish")
	}
}

func TestSessionSubscriptionChange(t *testing.T) {
	s, fake, sink := newTestSession(t)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	fake.onChange("ns=3;s=Temp", 3.14159)

	msgs := sink.all()
	if len(msgs) != 1 || len(msgs[0].entries) != 1 {
		t.Fatalf("publishes = %+v", msgs)
	}
	if msgs[0].entries[0].Code != "Temp" || msgs[0].entries[0].Value != 3.14 {
		t.Errorf("entry = %+v", msgs[0].entries[0])
	}

	// Unknown nodes are ignored.
	fake.onChange("ns=3;s=Nope", 1)
	if got := len(sink.all()); got != 1 {
		t.Errorf("unknown node published, total %d", got)
	}
}

func TestSafetyClear(t *testing.T) {
	s, fake, _ := newTestSession(t)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	ack, ok := s.Catalog().Find(catalog.ModuleKey{BlockID: 2, Index: 10, Category: "Press"}, "Ack")
	if !ok {
		t.Fatal("Ack descriptor missing")
	}

	// Warm-up: a latched bit is never cleared before three good scans.
	ack.Value = true
	ack.FalseTime = time.Now().Add(-time.Hour)
	if err := s.SafetyClear(ctx); err != nil {
		t.Fatal(err)
	}
	if len(fake.writes) != 0 {
		t.Fatalf("warm-up clear wrote %v", fake.writes)
	}
	if time.Since(ack.FalseTime) > time.Second {
		t.Error("warm-up must refresh FalseTime")
	}

	for i := 0; i < 3; i++ {
		if err := s.Scan(ctx, false); err != nil {
			t.Fatal(err)
		}
	}

	// Armed but inside the window: no write, timestamp untouched.
	ack.Value = true
	ack.FalseTime = time.Now()
	if err := s.SafetyClear(ctx); err != nil {
		t.Fatal(err)
	}
	if len(fake.writes) != 0 {
		t.Fatalf("early clear wrote %v", fake.writes)
	}

	// Past the window: written false and cache updated.
	ack.FalseTime = time.Now().Add(-time.Second)
	if err := s.SafetyClear(ctx); err != nil {
		t.Fatal(err)
	}
	if len(fake.writes) != 1 || fake.writes[0].NodeID != "ns=3;s=Ack" || fake.writes[0].Value != false {
		t.Fatalf("clear writes = %v", fake.writes)
	}
	if ack.Value != false {
		t.Errorf("Ack cache = %v", ack.Value)
	}
}

func TestManage(t *testing.T) {
	s, fake, _ := newTestSession(t)
	ctx := context.Background()

	// Link wanted and down: Manage dials.
	s.Manage(ctx)
	if !s.Connecting() || fake.connects != 1 {
		t.Fatalf("connecting=%v connects=%d", s.Connecting(), fake.connects)
	}

	// Healthy link: no redial.
	s.Manage(ctx)
	if fake.connects != 1 {
		t.Errorf("healthy manage redialed, connects=%d", fake.connects)
	}

	// Decayed link: Manage tears down and redials.
	fake.dropLink()
	s.Manage(ctx)
	if fake.connects != 2 {
		t.Errorf("decayed manage connects=%d", fake.connects)
	}

	// Link disabled: Manage disconnects.
	s.SetLink(false)
	s.Manage(ctx)
	if s.Connecting() {
		t.Error("expected disconnect when link disabled")
	}
}

func TestWriteAndVerifyTargets(t *testing.T) {
	s, fake, _ := newTestSession(t)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	temp, _ := s.Catalog().Find(catalog.ModuleKey{BlockID: 2, Index: 10, Category: "Press"}, "Temp")
	targets := []codec.WriteTarget{{Desc: temp, Value: 9.5}}

	if err := s.WriteTargets(ctx, targets, 500*time.Millisecond); err != nil {
		t.Fatalf("WriteTargets failed: %v", err)
	}
	if len(fake.writes) != 1 || fake.writes[0].Value != 9.5 {
		t.Errorf("writes = %v", fake.writes)
	}
	if temp.Value != 9.5 {
		t.Errorf("cache = %v", temp.Value)
	}

	if !s.VerifyTargets(ctx, targets) {
		t.Error("verify should match the written value")
	}

	fake.mu.Lock()
	fake.values["ns=3;s=Temp"] = 1.0
	fake.mu.Unlock()
	if s.VerifyTargets(ctx, targets) {
		t.Error("verify should fail on mismatch")
	}
}

func TestWriteTargets_Failure(t *testing.T) {
	s, fake, _ := newTestSession(t)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	temp, _ := s.Catalog().Find(catalog.ModuleKey{BlockID: 2, Index: 10, Category: "Press"}, "Temp")
	temp.Value = 1.0
	fake.writeErr = fmt.Errorf("plc busy")

	err := s.WriteTargets(ctx, []codec.WriteTarget{{Desc: temp, Value: 9.5}}, 0)
	if err == nil {
		t.Fatal("expected write error")
	}
	if temp.Value != 1.0 {
		t.Errorf("failed write must not touch the cache, got %v", temp.Value)
	}
}

func TestOneShotRead(t *testing.T) {
	s, _, sink := newTestSession(t)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	m := catalog.ModuleKey{BlockID: 2, Index: 10, Category: "Press"}
	temp, _ := s.Catalog().Find(m, "Temp")
	run, _ := s.Catalog().Find(m, "Run")

	entries, err := s.OneShotRead(ctx, []*catalog.Descriptor{temp, run})
	if err != nil {
		t.Fatalf("OneShotRead failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if len(sink.all()) != 0 {
		t.Error("one-shot reads must not publish")
	}

	// Forced emit means a repeat read returns entries again.
	entries, err = s.OneShotRead(ctx, []*catalog.Descriptor{temp})
	if err != nil || len(entries) != 1 {
		t.Errorf("repeat read = %v, %v", entries, err)
	}
}

func TestReload(t *testing.T) {
	orig := reconnectWait
	reconnectWait = 10 * time.Millisecond
	defer func() { reconnectWait = orig }()

	s, fake, _ := newTestSession(t)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	t.Run("healthy link re-subscribes only", func(t *testing.T) {
		if err := s.Reload(ctx); err != nil {
			t.Fatalf("Reload failed: %v", err)
		}
		if fake.connects != 1 {
			t.Errorf("healthy reload redialed, connects=%d", fake.connects)
		}
	})

	t.Run("dead link forces reconnect", func(t *testing.T) {
		fake.dropLink()
		if err := s.Reload(ctx); err != nil {
			t.Fatalf("Reload failed: %v", err)
		}
		if fake.connects != 2 {
			t.Errorf("connects = %d", fake.connects)
		}
		if !s.Connecting() {
			t.Error("expected connecting after forced reload")
		}
	})
}
