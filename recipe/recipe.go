// Package recipe watches the PLC-side recipe handshake and downloads
// recipes from the upstream HTTP service into the modules that consume
// them.
package recipe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"plclink/catalog"
	"plclink/codec"
	"plclink/config"
	"plclink/logging"
	"plclink/mqtt"
)

// Handshake states written back to the requesting module.
const (
	StateIdle        = 0
	StateRequested   = 1
	StateDownloading = 2
	StateDone        = 3
)

// Failure results written back to the requesting module.
const (
	ResultNoResponse   = 1001
	ResultServerError  = 1002
	ResultNotFound     = 1003
	ResultClassInvalid = 1004
	ResultLatchError   = 1005
	ResultWriteFailed  = 1009
)

// Recipe service response codes.
const (
	codeOK           = 200
	codeServerError  = 10000
	codeNotFound     = 20001
	codeClassInvalid = 20002
	codeCheckFailed  = 20003
)

const (
	httpTimeout        = 5 * time.Second
	stateWriteTimeout  = 100 * time.Millisecond
	latchWriteTimeout  = 1500 * time.Millisecond
	recipeWriteTimeout = 8 * time.Second
	// Multi-flow requests repeat the final result write so a single lost
	// cycle on the PLC side cannot strand the handshake.
	multiFlowRepeats = 5
)

// Both spellings of the latch variables ship in production PLC programs;
// resolution tries them in order.
var (
	validCodes    = []string{"Others_Recipe_valid", "Other_Reicpe_Valid"}
	writableCodes = []string{"Others_Recipe_Writable", "Other_Reicpe_Writable"}
)

// Module is the slice of a device session the orchestrator needs.
// Descriptor values are only valid inside the Snapshot closure; the
// session's scan loop mutates them under the same lock.
type Module interface {
	Connecting() bool
	Snapshot(fn func(cat *catalog.Catalog))
	WriteTargets(ctx context.Context, targets []codec.WriteTarget, timeout time.Duration) error
}

// Resolver maps a module key to the session that owns it.
type Resolver func(m catalog.ModuleKey) (Module, bool)

// Broadcaster publishes recipe error broadcasts upstream.
type Broadcaster interface {
	PublishBroadcast(kind string, data mqtt.BroadcastData) error
}

// Gate describes how recipe writes into a module are protected.
type Gate struct {
	// Direct modules (the requesting MC) take recipe writes without a
	// latch handshake.
	Direct bool

	WritableCode string
	ValidCode    string
}

type requestRow struct {
	cfg    config.RecipeRequest
	module catalog.ModuleKey
}

// Orchestrator runs the recipe handshake state machine.
type Orchestrator struct {
	resolve Resolver
	bc      Broadcaster
	client  *http.Client

	requests []requestRow
	direct   map[catalog.ModuleKey]bool
	gated    map[catalog.ModuleKey]config.SingleModule
}

// New builds an orchestrator from the recipe config. Rows with malformed
// module keys are dropped with a warning.
func New(cfg *config.RecipeConfig, resolve Resolver, bc Broadcaster) *Orchestrator {
	o := &Orchestrator{
		resolve: resolve,
		bc:      bc,
		client:  &http.Client{Timeout: httpTimeout},
		direct:  make(map[catalog.ModuleKey]bool),
		gated:   make(map[catalog.ModuleKey]config.SingleModule),
	}

	for _, rr := range cfg.RecipeMonitorInfo.RecipeRequest {
		m, err := catalog.ParseModuleKey(rr.Module)
		if err != nil {
			logging.Warning("recipe request row skipped: %v", err)
			continue
		}
		o.requests = append(o.requests, requestRow{cfg: rr, module: m})
		o.direct[m] = true
	}
	for _, sm := range cfg.RecipeMonitorInfo.SingleModule {
		m, err := catalog.ParseModuleKey(sm.Module)
		if err != nil {
			logging.Warning("recipe single-module row skipped: %v", err)
			continue
		}
		o.gated[m] = sm
	}
	return o
}

// Active reports whether any request rows are configured.
func (o *Orchestrator) Active() bool {
	return len(o.requests) > 0
}

// GateFor returns the write protection for a module targeted by a manual
// recipe write. False means the module takes no recipe writes at all.
func (o *Orchestrator) GateFor(m catalog.ModuleKey) (Gate, bool) {
	if o.direct[m] {
		return Gate{Direct: true}, true
	}
	if sm, ok := o.gated[m]; ok {
		return Gate{WritableCode: sm.WritablePath, ValidCode: sm.ValidCode}, true
	}
	return Gate{}, false
}

// Tick scans every configured request row once: a raised request with an
// idle result starts a download, a lowered request with a stale result
// resets the handshake.
func (o *Orchestrator) Tick(ctx context.Context) {
	for _, row := range o.requests {
		mod, ok := o.resolve(row.module)
		if !ok || !mod.Connecting() {
			continue
		}

		// Handshake values are read under the session lock; only the
		// result descriptor escapes the closure, for writes.
		var (
			found    bool
			resDesc  *catalog.Descriptor
			request  bool
			result   int64
			recipeID int64
		)
		base := row.cfg.RequestCode
		mod.Snapshot(func(cat *catalog.Catalog) {
			reqDesc, ok1 := cat.Find(row.module, base+"_"+row.cfg.UpdateCode)
			idDesc, ok2 := cat.Find(row.module, base+"_"+row.cfg.IDCode)
			rd, ok3 := cat.Find(row.module, base+"_"+row.cfg.ResultCode)
			if !ok1 || !ok2 || !ok3 {
				return
			}
			found = true
			resDesc = rd
			request, _ = reqDesc.Value.(bool)
			result = intValue(rd.Value)
			recipeID = intValue(idDesc.Value)
		})
		if !found {
			logging.DebugLog("recipe", "%s: handshake variables missing under %s", row.module, base)
			continue
		}

		switch {
		case request && result == StateIdle:
			o.download(ctx, row, mod, recipeID, resDesc)
		case !request && result != StateIdle:
			o.writeResult(ctx, mod, resDesc, StateIdle, 1)
		}
	}
}

func (o *Orchestrator) download(ctx context.Context, row requestRow, mc Module, recipeID int64, resDesc *catalog.Descriptor) {
	started := time.Now()
	logging.Info("recipe %d requested by %s, fetching from %s", recipeID, row.module, row.cfg.URI)

	o.writeResult(ctx, mc, resDesc, StateRequested, 1)

	resp, err := o.fetch(ctx, row, recipeID)
	if err != nil {
		logging.Warning("recipe %d: no response from server: %v", recipeID, err)
		o.writeResult(ctx, mc, resDesc, ResultNoResponse, 1)
		return
	}

	switch resp.Code {
	case codeServerError:
		logging.Warning("recipe %d: server error (%d)", recipeID, resp.Code)
		o.writeResult(ctx, mc, resDesc, ResultServerError, 1)
	case codeNotFound:
		logging.Warning("recipe %d: recipe does not exist (%d)", recipeID, resp.Code)
		o.writeResult(ctx, mc, resDesc, ResultNotFound, 1)
	case codeClassInvalid:
		logging.Warning("recipe %d: recipe class invalid (%d)", recipeID, resp.Code)
		o.writeResult(ctx, mc, resDesc, ResultClassInvalid, 1)
	case codeCheckFailed:
		logging.Warning("recipe %d: check failed: %s", recipeID, resp.Message)
		o.broadcast("RecipeCheckError", mqtt.BroadcastData{
			Module: row.module.String(), Code: resp.Code,
			Message: resp.Message, Detail: resp.CheckResult,
		})
		o.writeResult(ctx, mc, resDesc, ResultWriteFailed, 1)
	case codeOK:
		o.writeResult(ctx, mc, resDesc, StateDownloading, 1)
		if o.distribute(ctx, row, mc, resDesc, recipeID, resp.Data) {
			logging.Info("recipe %d downloaded in %v", recipeID, time.Since(started).Round(time.Millisecond))
		}
	default:
		logging.Warning("recipe %d: server refused with code %d: %s", recipeID, resp.Code, resp.Message)
		o.broadcast("RecipeDownloadError", mqtt.BroadcastData{
			Module: row.module.String(), Code: resp.Code, Message: resp.Message,
		})
		// Unknown server codes pass through to the PLC unchanged.
		o.writeResult(ctx, mc, resDesc, int64(resp.Code), 1)
	}
}

type latchRestore struct {
	mod   Module
	valid *catalog.Descriptor
}

// distribute parses every module payload, raises the valid latches,
// writes all targets concurrently per device, restores the latches and
// completes the handshake. Reports whether the download fully succeeded.
func (o *Orchestrator) distribute(ctx context.Context, row requestRow, mc Module, resDesc *catalog.Descriptor, recipeID int64, payloads []modulePayload) bool {
	merged := make(map[Module][]codec.WriteTarget)
	var latches []latchRestore

	for i := range payloads {
		p := &payloads[i]
		m := catalog.ModuleKey{BlockID: p.BlockID, Index: p.Index, Category: p.Category}

		if o.direct[m] {
			clearBasicID(p)
		}

		mod, ok := o.resolve(m)
		if !ok {
			logging.Warning("recipe %d: no device owns module %s", recipeID, m)
			o.writeResult(ctx, mc, resDesc, ResultLatchError, 1)
			return false
		}

		items := make([]codec.Item, len(p.List))
		for j, it := range p.List {
			items[j] = codec.Item{Code: it.Code, Value: it.Value}
		}

		// Parse the payload and read the latch state in one locked pass.
		var (
			res             *codec.Result
			valid, writable *catalog.Descriptor
			writableSet     bool
		)
		mod.Snapshot(func(cat *catalog.Catalog) {
			res = codec.TargetsFor(cat, m, items)
			if !o.direct[m] {
				valid = findFirst(cat, m, validCodes)
				writable = findFirst(cat, m, writableCodes)
				writableSet = writable != nil && writable.Value == true
			}
		})
		if res == nil {
			logging.Warning("recipe %d: no device owns module %s", recipeID, m)
			o.writeResult(ctx, mc, resDesc, ResultLatchError, 1)
			return false
		}
		if err := res.Err(); err != nil {
			logging.Warning("recipe %d: parse for %s failed: %v", recipeID, m, err)
			o.writeResult(ctx, mc, resDesc, ResultWriteFailed, 1)
			return false
		}

		if !o.direct[m] {
			if valid == nil || writable == nil {
				logging.Warning("recipe %d: module %s is missing its valid or writable latch", recipeID, m)
				o.writeResult(ctx, mc, resDesc, ResultLatchError, 1)
				return false
			}
			if !writableSet {
				logging.Warning("recipe %d: module %s does not accept recipe downloads now", recipeID, m)
				o.writeResult(ctx, mc, resDesc, ResultLatchError, 1)
				return false
			}
			if err := mod.WriteTargets(ctx, []codec.WriteTarget{{Desc: valid, Value: true}}, latchWriteTimeout); err != nil {
				logging.Warning("recipe %d: raising valid latch on %s failed: %v", recipeID, m, err)
				o.writeResult(ctx, mc, resDesc, ResultLatchError, 1)
				return false
			}
			latches = append(latches, latchRestore{mod: mod, valid: valid})
		}

		merged[mod] = append(merged[mod], res.Targets...)
	}

	// One concurrent bulk write per device.
	var wg sync.WaitGroup
	var mu sync.Mutex
	allOK := true
	for mod, targets := range merged {
		if len(targets) == 0 {
			continue
		}
		wg.Add(1)
		go func(mod Module, targets []codec.WriteTarget) {
			defer wg.Done()
			if err := mod.WriteTargets(ctx, targets, recipeWriteTimeout); err != nil {
				logging.Warning("recipe %d: bulk write failed: %v", recipeID, err)
				mu.Lock()
				allOK = false
				mu.Unlock()
			}
		}(mod, targets)
	}
	wg.Wait()

	if !allOK {
		o.writeResult(ctx, mc, resDesc, ResultWriteFailed, 1)
		return false
	}

	for _, l := range latches {
		if err := l.mod.WriteTargets(ctx, []codec.WriteTarget{{Desc: l.valid, Value: false}}, latchWriteTimeout); err != nil {
			logging.Warning("recipe %d: lowering valid latch failed: %v", recipeID, err)
			o.writeResult(ctx, mc, resDesc, ResultLatchError, 1)
			return false
		}
	}

	if row.cfg.WriteIDCode != "" {
		var idTarget *catalog.Descriptor
		mc.Snapshot(func(cat *catalog.Catalog) {
			idTarget, _ = cat.Find(row.module, row.cfg.WriteIDCode)
		})
		if idTarget != nil {
			if err := mc.WriteTargets(ctx, []codec.WriteTarget{{Desc: idTarget, Value: recipeID}}, latchWriteTimeout); err != nil {
				logging.Warning("recipe %d: echoing id to %s failed: %v", recipeID, row.cfg.WriteIDCode, err)
			}
		}
	}

	repeats := 1
	if row.cfg.MultiFlow {
		repeats = multiFlowRepeats
	}
	o.writeResult(ctx, mc, resDesc, StateDone, repeats)
	return true
}

func (o *Orchestrator) writeResult(ctx context.Context, mod Module, resDesc *catalog.Descriptor, value int64, times int) {
	for i := 0; i < times; i++ {
		err := mod.WriteTargets(ctx, []codec.WriteTarget{{Desc: resDesc, Value: value}}, stateWriteTimeout)
		if err != nil {
			logging.Warning("recipe result write %d failed: %v", value, err)
			return
		}
	}
}

func (o *Orchestrator) broadcast(kind string, data mqtt.BroadcastData) {
	if o.bc == nil {
		return
	}
	if err := o.bc.PublishBroadcast(kind, data); err != nil {
		logging.Warning("recipe broadcast %s failed: %v", kind, err)
	}
}

type serverResponse struct {
	Code        int             `json:"code"`
	Message     string          `json:"message"`
	CheckResult interface{}     `json:"checkResult,omitempty"`
	Data        []modulePayload `json:"data"`
}

type modulePayload struct {
	BlockID  int           `json:"blockId"`
	Index    int           `json:"index"`
	Category string        `json:"category"`
	List     []payloadItem `json:"list"`
}

type payloadItem struct {
	Code  string      `json:"code"`
	Value interface{} `json:"value"`
}

func (o *Orchestrator) fetch(ctx context.Context, row requestRow, recipeID int64) (*serverResponse, error) {
	u, err := url.Parse(row.cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("recipe uri: %w", err)
	}
	q := u.Query()
	q.Set("recipeId", strconv.FormatInt(recipeID, 10))
	if row.cfg.MultiFlow {
		q.Set("flowIndex", strconv.Itoa(row.cfg.FlowIndex))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sr serverResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode recipe response: %w", err)
	}
	return &sr, nil
}

// clearBasicID zeroes the recipe id embedded in a direct module's first
// list entry before download; the id is echoed separately at the end.
func clearBasicID(p *modulePayload) {
	if len(p.List) == 0 {
		return
	}
	value, ok := p.List[0].Value.(map[string]interface{})
	if !ok {
		return
	}
	basic, ok := value["Basic"].(map[string]interface{})
	if !ok {
		return
	}
	if _, ok := basic["Id"]; ok {
		basic["Id"] = 0
	}
}

func findFirst(cat *catalog.Catalog, m catalog.ModuleKey, codes []string) *catalog.Descriptor {
	for _, code := range codes {
		if d, ok := cat.Find(m, code); ok {
			return d
		}
	}
	return nil
}

func intValue(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case uint16:
		return int64(n)
	case int16:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	default:
		return 0
	}
}
