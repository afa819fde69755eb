package transport

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"plclink/catalog"
	"plclink/config"
	"plclink/logging"
)

const (
	readRetryMax   = 3
	writeRetryMax  = 5
	verifyRetryMax = 3

	// Consecutive read/write failures beyond this force the link down so
	// the manage loop reconnects.
	opcuaFailureLimit = 5

	writeBatchMin   = 50
	writeBatchMax   = 400
	maxWriteTimeout = 30 * time.Second

	subscribeInterval = 500 * time.Millisecond
)

// opcuaRPC is the slice of the gopcua client the read and write paths
// go through.
type opcuaRPC interface {
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
}

// OPCUA is the OPC UA transport adapter.
type OPCUA struct {
	cfg config.DeviceConfig

	mu        sync.Mutex
	client    *opcua.Client
	rpc       opcuaRPC
	connected bool
	failures  int

	sub       *opcua.Subscription
	subCancel context.CancelFunc
}

// NewOPCUA creates an unconnected OPC UA transport.
func NewOPCUA(cfg config.DeviceConfig) *OPCUA {
	return &OPCUA{cfg: cfg}
}

// Connect dials the endpoint. A fresh client is built on every call so a
// reconnect never reuses a poisoned secure channel.
func (t *OPCUA) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	client, err := opcua.NewClient(t.cfg.Basic.URI,
		opcua.SecurityMode(ua.MessageSecurityModeNone),
	)
	if err != nil {
		return fmt.Errorf("opcua client: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(dialCtx); err != nil {
		return fmt.Errorf("opcua connect %s: %w", t.cfg.Basic.URI, err)
	}

	t.mu.Lock()
	t.client = client
	t.rpc = client
	t.connected = true
	t.failures = 0
	t.mu.Unlock()

	logging.DebugLog("opcua", "%s: connected to %s", t.cfg.Basic.Name, t.cfg.Basic.URI)
	return nil
}

// Disconnect tears down the subscription and the client. Idempotent.
func (t *OPCUA) Disconnect() error {
	t.Unsubscribe()

	t.mu.Lock()
	client := t.client
	t.client = nil
	t.rpc = nil
	t.connected = false
	t.mu.Unlock()

	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		logging.DebugLog("opcua", "%s: close: %v", t.cfg.Basic.Name, err)
	}
	return nil
}

// Connected reports the client state.
func (t *OPCUA) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// LinkState combines the client state with the failure counter.
func (t *OPCUA) LinkState() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.failures <= opcuaFailureLimit
}

func (t *OPCUA) getClient() (*opcua.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.client == nil {
		return nil, fmt.Errorf("%s: not connected", t.cfg.Basic.Name)
	}
	return t.client, nil
}

func (t *OPCUA) getRPC() (opcuaRPC, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.rpc == nil {
		return nil, fmt.Errorf("%s: not connected", t.cfg.Basic.Name)
	}
	return t.rpc, nil
}

func (t *OPCUA) recordFailure() {
	t.mu.Lock()
	t.failures++
	n := t.failures
	t.mu.Unlock()
	if n > opcuaFailureLimit {
		logging.DebugLog("opcua", "%s: %d consecutive failures, forcing unlink", t.cfg.Basic.Name, n)
	}
}

func (t *OPCUA) recordSuccess() {
	t.mu.Lock()
	t.failures -= 2
	if t.failures < 0 {
		t.failures = 0
	}
	t.mu.Unlock()
}

func backoff(attempt int) time.Duration {
	return 100 * time.Millisecond << uint(attempt)
}

// readTimeout applies the default of 0.2s plus 0.05s per node when the
// caller does not supply one.
func readTimeout(n int, timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return 200*time.Millisecond + time.Duration(n)*50*time.Millisecond
}

// writeTimeout scales the base timeout by the write count and clamps it.
func writeTimeout(base time.Duration, count int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	scaled := base + time.Duration(count)*10*time.Millisecond
	if scaled < base {
		scaled = base
	}
	if scaled > maxWriteTimeout {
		scaled = maxWriteTimeout
	}
	return scaled
}

// writeBatchSize picks a batch size from the total write count.
func writeBatchSize(total int) int {
	size := total / 4
	if size < writeBatchMin {
		size = writeBatchMin
	}
	if size > writeBatchMax {
		size = writeBatchMax
	}
	return size
}

func parseRefs(refs []Ref) ([]*ua.NodeID, error) {
	ids := make([]*ua.NodeID, len(refs))
	for i, r := range refs {
		id, err := ua.ParseNodeID(r.NodeID)
		if err != nil {
			return nil, fmt.Errorf("bad node id %q: %w", r.NodeID, err)
		}
		ids[i] = id
	}
	return ids, nil
}

// ReadMany performs a bulk read. Partial success is not reported: any
// failing node fails the whole call after the retry budget is spent.
func (t *OPCUA) ReadMany(ctx context.Context, refs []Ref, timeout time.Duration) ([]interface{}, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	client, err := t.getRPC()
	if err != nil {
		return nil, err
	}

	ids, err := parseRefs(refs)
	if err != nil {
		return nil, err
	}

	nodes := make([]*ua.ReadValueID, len(ids))
	for i, id := range ids {
		nodes[i] = &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue}
	}
	req := &ua.ReadRequest{
		MaxAge:             0,
		NodesToRead:        nodes,
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	}

	deadline := readTimeout(len(refs), timeout)

	var lastErr error
	for attempt := 0; attempt < readRetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				t.recordFailure()
				return nil, ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, deadline)
		resp, err := client.Read(callCtx, req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		values, err := collectReadResults(refs, resp)
		if err != nil {
			lastErr = err
			continue
		}

		t.recordSuccess()
		return values, nil
	}

	t.recordFailure()
	return nil, fmt.Errorf("%s: read of %d nodes failed: %w", t.cfg.Basic.Name, len(refs), lastErr)
}

func collectReadResults(refs []Ref, resp *ua.ReadResponse) ([]interface{}, error) {
	if resp == nil {
		return nil, fmt.Errorf("read returned no response for %d nodes", len(refs))
	}
	if len(resp.Results) != len(refs) {
		return nil, fmt.Errorf("read returned %d results for %d nodes", len(resp.Results), len(refs))
	}
	values := make([]interface{}, len(refs))
	for i, result := range resp.Results {
		if result.Status != ua.StatusOK {
			return nil, fmt.Errorf("node %s: status %v", refs[i].NodeID, result.Status)
		}
		if result.Value == nil {
			values[i] = nil
			continue
		}
		values[i] = decodeExtensions(result.Value.Value())
	}
	return values, nil
}

// decodeExtensions rewrites structure reads into plain maps and slices
// so the codec's structure branch can walk them. gopcua decodes
// registered server types into Go structs wrapped in ExtensionObjects;
// anything else passes through untouched.
func decodeExtensions(v interface{}) interface{} {
	switch x := v.(type) {
	case *ua.ExtensionObject:
		if x == nil {
			return nil
		}
		return fieldMap(x.Value)
	case []*ua.ExtensionObject:
		out := make([]interface{}, len(x))
		for i, eo := range x {
			out[i] = decodeExtensions(eo)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = decodeExtensions(e)
		}
		return out
	default:
		return v
	}
}

// fieldMap reflects one decoded structure into a member map, recursing
// through nested structures and arrays.
func fieldMap(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case *ua.ExtensionObject, []*ua.ExtensionObject, []interface{}:
		return decodeExtensions(v)
	case time.Time, string, []byte:
		return v
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		rt := rv.Type()
		if rt == reflect.TypeOf(time.Time{}) {
			return rv.Interface()
		}
		fields := make(map[string]interface{}, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			f := rt.Field(i)
			if f.PkgPath != "" {
				continue
			}
			fields[f.Name] = fieldMap(rv.Field(i).Interface())
		}
		return fields
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = fieldMap(rv.Index(i).Interface())
		}
		return out
	default:
		return v
	}
}

// WriteMany writes all targets in adaptive batches with retry and
// verification. Any target that cannot be verified after the rewrite
// budget fails the call.
func (t *OPCUA) WriteMany(ctx context.Context, writes []Write, timeout time.Duration) error {
	if len(writes) == 0 {
		return nil
	}

	batch := writeBatchSize(len(writes))
	for start := 0; start < len(writes); start += batch {
		end := start + batch
		if end > len(writes) {
			end = len(writes)
		}
		if err := t.writeBatch(ctx, writes[start:end], timeout); err != nil {
			t.recordFailure()
			return err
		}
	}

	t.recordSuccess()
	return nil
}

func (t *OPCUA) writeBatch(ctx context.Context, writes []Write, timeout time.Duration) error {
	pending := writes
	for round := 0; round <= verifyRetryMax; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(round - 1)):
			}
			logging.DebugLog("opcua", "%s: rewriting %d unverified nodes (round %d)",
				t.cfg.Basic.Name, len(pending), round)
		}

		if err := t.writeOnce(ctx, pending, timeout); err != nil {
			return err
		}

		failed, err := t.verify(ctx, pending)
		if err != nil {
			// A failed verification read proves nothing about the write;
			// surface the transport error instead of rewriting blindly.
			return err
		}
		if len(failed) == 0 {
			return nil
		}
		pending = failed
	}

	return fmt.Errorf("%s: %d nodes failed write verification", t.cfg.Basic.Name, len(pending))
}

// writeOnce issues one write call with the exponential retry budget.
func (t *OPCUA) writeOnce(ctx context.Context, writes []Write, timeout time.Duration) error {
	client, err := t.getRPC()
	if err != nil {
		return err
	}

	nodes := make([]*ua.WriteValue, len(writes))
	for i, w := range writes {
		id, err := ua.ParseNodeID(w.NodeID)
		if err != nil {
			return fmt.Errorf("bad node id %q: %w", w.NodeID, err)
		}
		variant, err := ua.NewVariant(variantValue(w.DataType, w.Value))
		if err != nil {
			return fmt.Errorf("node %s: variant: %w", w.NodeID, err)
		}
		nodes[i] = &ua.WriteValue{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}
	}
	req := &ua.WriteRequest{NodesToWrite: nodes}

	deadline := writeTimeout(timeout, len(writes))

	var lastErr error
	for attempt := 0; attempt < writeRetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, deadline)
		resp, err := client.Write(callCtx, req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		lastErr = nil
		for i, status := range resp.Results {
			if status != ua.StatusOK {
				lastErr = fmt.Errorf("node %s: status %v", writes[i].NodeID, status)
				break
			}
		}
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("%s: write of %d nodes failed: %w", t.cfg.Basic.Name, len(writes), lastErr)
}

// verify re-reads the written nodes and returns the subset whose
// observed value does not match, by the tolerance predicate.
func (t *OPCUA) verify(ctx context.Context, writes []Write) ([]Write, error) {
	refs := make([]Ref, len(writes))
	for i, w := range writes {
		refs[i] = w.Ref
	}

	observed, err := t.ReadMany(ctx, refs, 0)
	if err != nil {
		return nil, fmt.Errorf("verification read: %w", err)
	}

	var failed []Write
	for i, w := range writes {
		if !Equal(w.Value, observed[i]) {
			failed = append(failed, w)
		}
	}
	return failed, nil
}

// Subscribe creates one subscription covering all refs and pumps change
// notifications to onChange until Unsubscribe or Disconnect.
func (t *OPCUA) Subscribe(ctx context.Context, refs []Ref, onChange ChangeFunc) error {
	if len(refs) == 0 {
		return nil
	}

	client, err := t.getClient()
	if err != nil {
		return err
	}

	ids, err := parseRefs(refs)
	if err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(context.Background())

	notifyCh := make(chan *opcua.PublishNotificationData, len(refs)+16)
	sub, err := client.Subscribe(subCtx, &opcua.SubscriptionParameters{
		Interval: subscribeInterval,
	}, notifyCh)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}

	byHandle := make(map[uint32]string, len(refs))
	items := make([]*ua.MonitoredItemCreateRequest, len(ids))
	for i, id := range ids {
		handle := uint32(i + 1)
		byHandle[handle] = refs[i].NodeID
		items[i] = opcua.NewMonitoredItemCreateRequestWithDefaults(id, ua.AttributeIDValue, handle)
	}

	if _, err := sub.Monitor(ctx, ua.TimestampsToReturnNeither, items...); err != nil {
		sub.Cancel(context.Background())
		cancel()
		return fmt.Errorf("monitor %d items: %w", len(items), err)
	}

	t.mu.Lock()
	t.sub = sub
	t.subCancel = cancel
	t.mu.Unlock()

	go t.pumpNotifications(subCtx, notifyCh, byHandle, onChange)

	logging.DebugLog("opcua", "%s: subscribed to %d nodes", t.cfg.Basic.Name, len(refs))
	return nil
}

func (t *OPCUA) pumpNotifications(ctx context.Context, ch <-chan *opcua.PublishNotificationData, byHandle map[uint32]string, onChange ChangeFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-ch:
			if !ok {
				return
			}
			if note.Error != nil {
				logging.DebugLog("opcua", "%s: notification error: %v", t.cfg.Basic.Name, note.Error)
				continue
			}
			change, ok := note.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, item := range change.MonitoredItems {
				nodeID, known := byHandle[item.ClientHandle]
				if !known || item.Value == nil || item.Value.Value == nil {
					continue
				}
				onChange(nodeID, decodeExtensions(item.Value.Value.Value()))
			}
		}
	}
}

// Unsubscribe cancels the active subscription, if any. Idempotent.
func (t *OPCUA) Unsubscribe() error {
	t.mu.Lock()
	sub := t.sub
	cancel := t.subCancel
	t.sub = nil
	t.subCancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		ctx, cancelTimeout := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelTimeout()
		if err := sub.Cancel(ctx); err != nil {
			logging.DebugLog("opcua", "%s: cancel subscription: %v", t.cfg.Basic.Name, err)
		}
	}
	return nil
}

// variantValue converts a coerced write value to the exact Go type the
// server expects for the declared data type.
func variantValue(dt catalog.DataType, v interface{}) interface{} {
	i, isInt := v.(int64)
	f, isFloat := v.(float64)
	if isFloat && !isInt {
		i = int64(f)
	}
	if isInt && !isFloat {
		f = float64(i)
	}

	switch dt {
	case catalog.TypeBool:
		return v
	case catalog.TypeSByte:
		return int8(i)
	case catalog.TypeByte:
		return uint8(i)
	case catalog.TypeInt16:
		return int16(i)
	case catalog.TypeUInt16:
		return uint16(i)
	case catalog.TypeInt32:
		return int32(i)
	case catalog.TypeUInt32:
		return uint32(i)
	case catalog.TypeInt64, catalog.TypeDateTime:
		return i
	case catalog.TypeUInt64:
		return uint64(i)
	case catalog.TypeFloat:
		return float32(f)
	case catalog.TypeDouble:
		return f
	default:
		return v
	}
}
