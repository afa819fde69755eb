package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"plclink/catalog"
	"plclink/codec"
	"plclink/config"
	"plclink/logging"
)

// Consecutive failures beyond this force the S7 link down.
const s7FailureLimit = 3

// S7 is the Siemens S7 transport adapter. All PLC I/O is serialized by
// one exclusive lock: boolean writes read-modify-write the containing
// byte, which must not interleave with other traffic.
type S7 struct {
	cfg config.DeviceConfig

	mu        sync.Mutex
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	connected bool
	failures  int
}

// NewS7 creates an unconnected S7 transport.
func NewS7(cfg config.DeviceConfig) *S7 {
	return &S7{cfg: cfg}
}

// Connect dials the PLC. Idempotent.
func (t *S7) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	handler := gos7.NewTCPClientHandler(t.cfg.Basic.URI, t.cfg.Basic.Rack, t.cfg.Basic.Slot)
	handler.Timeout = t.cfg.Basic.Timeout()
	if handler.Timeout < time.Second {
		handler.Timeout = time.Second
	}
	handler.IdleTimeout = 70 * time.Second

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("s7 connect %s: %w", t.cfg.Basic.URI, err)
	}

	t.handler = handler
	t.client = gos7.NewClient(handler)
	t.connected = true
	t.failures = 0

	logging.DebugLog("s7", "%s: connected to %s rack=%d slot=%d",
		t.cfg.Basic.Name, t.cfg.Basic.URI, t.cfg.Basic.Rack, t.cfg.Basic.Slot)
	return nil
}

// Disconnect closes the connection. Idempotent.
func (t *S7) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handler != nil {
		t.handler.Close()
		t.handler = nil
	}
	t.client = nil
	t.connected = false
	return nil
}

// Connected reports the client state.
func (t *S7) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// LinkState combines the client state with the failure counter.
func (t *S7) LinkState() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.failures <= s7FailureLimit
}

// recordFailure must be called with t.mu held.
func (t *S7) recordFailure() {
	t.failures++
	if t.failures > s7FailureLimit {
		logging.DebugLog("s7", "%s: %d consecutive failures, forcing unlink", t.cfg.Basic.Name, t.failures)
	}
}

// recordSuccess must be called with t.mu held.
func (t *S7) recordSuccess() {
	t.failures -= 2
	if t.failures < 0 {
		t.failures = 0
	}
}

func refWidth(r Ref) int {
	if r.Size > 0 {
		return r.Size
	}
	return codec.TypeWidth(r.DataType)
}

// dbSpan is one contiguous read covering every ref in a data block.
type dbSpan struct {
	db    int
	start int
	end   int
	refs  []int // indexes into the caller's ref slice
}

// groupByDB coalesces refs into one span per data block so each block is
// fetched with a single AGReadDB.
func groupByDB(refs []Ref) ([]dbSpan, error) {
	byDB := make(map[int]*dbSpan)
	var order []int
	for i, r := range refs {
		width := refWidth(r)
		if width <= 0 {
			return nil, fmt.Errorf("ref %d: no s7 width for type %s", i, r.DataType)
		}
		span, ok := byDB[r.DB]
		if !ok {
			span = &dbSpan{db: r.DB, start: r.Start, end: r.Start + width}
			byDB[r.DB] = span
			order = append(order, r.DB)
		}
		if r.Start < span.start {
			span.start = r.Start
		}
		if r.Start+width > span.end {
			span.end = r.Start + width
		}
		span.refs = append(span.refs, i)
	}

	spans := make([]dbSpan, 0, len(order))
	for _, db := range order {
		spans = append(spans, *byDB[db])
	}
	return spans, nil
}

// ReadMany reads every ref, one AGReadDB per data block. All-or-nothing:
// any failing block fails the whole call.
func (t *S7) ReadMany(ctx context.Context, refs []Ref, timeout time.Duration) ([]interface{}, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	spans, err := groupByDB(refs)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.client == nil {
		return nil, fmt.Errorf("%s: not connected", t.cfg.Basic.Name)
	}

	values := make([]interface{}, len(refs))
	for _, span := range spans {
		size := span.end - span.start
		block := make([]byte, size)
		if err := t.client.AGReadDB(span.db, span.start, size, block); err != nil {
			t.recordFailure()
			return nil, fmt.Errorf("%s: read DB%d[%d:%d]: %w", t.cfg.Basic.Name, span.db, span.start, span.end, err)
		}

		for _, i := range span.refs {
			r := refs[i]
			offset := r.Start - span.start
			field := block[offset : offset+refWidth(r)]
			v, err := codec.DecodeS7Value(r.DataType, r.Bit, field)
			if err != nil {
				t.recordFailure()
				return nil, fmt.Errorf("%s: DB%d+%d: %w", t.cfg.Basic.Name, r.DB, r.Start, err)
			}
			values[i] = v
		}
	}

	t.recordSuccess()
	return values, nil
}

// WriteMany writes every target under the exclusive lock. Booleans
// read-modify-write their containing byte; other types are encoded
// big-endian at their declared width.
func (t *S7) WriteMany(ctx context.Context, writes []Write, timeout time.Duration) error {
	if len(writes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.client == nil {
		return fmt.Errorf("%s: not connected", t.cfg.Basic.Name)
	}

	for _, w := range writes {
		var err error
		if w.DataType == catalog.TypeBool {
			err = t.writeBool(w)
		} else {
			err = t.writeScalar(w)
		}
		if err != nil {
			t.recordFailure()
			return err
		}
	}

	t.recordSuccess()
	return nil
}

// writeBool flips one bit via read-modify-write of the containing byte.
// Must be called with t.mu held.
func (t *S7) writeBool(w Write) error {
	b, ok := w.Value.(bool)
	if !ok {
		return fmt.Errorf("%s: DB%d+%d.%d: expected bool, got %T", t.cfg.Basic.Name, w.DB, w.Start, w.Bit, w.Value)
	}

	buf := make([]byte, 1)
	if err := t.client.AGReadDB(w.DB, w.Start, 1, buf); err != nil {
		return fmt.Errorf("%s: read byte DB%d+%d: %w", t.cfg.Basic.Name, w.DB, w.Start, err)
	}

	if b {
		buf[0] |= 1 << uint(w.Bit)
	} else {
		buf[0] &^= 1 << uint(w.Bit)
	}

	if err := t.client.AGWriteDB(w.DB, w.Start, 1, buf); err != nil {
		return fmt.Errorf("%s: write byte DB%d+%d: %w", t.cfg.Basic.Name, w.DB, w.Start, err)
	}

	logging.Write("%s DB%d+%d.%d = %v", t.cfg.Basic.Name, w.DB, w.Start, w.Bit, b)
	return nil
}

// writeScalar encodes and stores one non-bool field. Must be called with
// t.mu held.
func (t *S7) writeScalar(w Write) error {
	field, err := codec.EncodeS7Value(w.DataType, w.Value, refWidth(w.Ref))
	if err != nil {
		return fmt.Errorf("%s: DB%d+%d: %w", t.cfg.Basic.Name, w.DB, w.Start, err)
	}

	if err := t.client.AGWriteDB(w.DB, w.Start, len(field), field); err != nil {
		return fmt.Errorf("%s: write DB%d+%d: %w", t.cfg.Basic.Name, w.DB, w.Start, err)
	}

	logging.Write("%s DB%d+%d = %v", t.cfg.Basic.Name, w.DB, w.Start, w.Value)
	return nil
}

// Subscribe is push-based change notification; S7 has no equivalent.
func (t *S7) Subscribe(ctx context.Context, refs []Ref, onChange ChangeFunc) error {
	return ErrNotSupported
}

// Unsubscribe is a no-op for S7.
func (t *S7) Unsubscribe() error {
	return nil
}
