package codec

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"plclink/catalog"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat := catalog.New()
	add := func(code string, dt catalog.DataType, mutate func(*catalog.Descriptor)) *catalog.Descriptor {
		t.Helper()
		d := &catalog.Descriptor{BlockID: 0, Index: 1, Category: "MC", Code: code, DataType: dt}
		if mutate != nil {
			mutate(d)
		}
		if err := cat.Add(d); err != nil {
			t.Fatal(err)
		}
		return d
	}

	add("Basic", catalog.TypeStructure, nil)
	add("Basic_Id", catalog.TypeInt32, nil)
	add("Basic_Name", catalog.TypeString, nil)
	add("Temp", catalog.TypeFloat, func(d *catalog.Descriptor) { d.DecimalPoint = 2 })
	add("Press", catalog.TypeDouble, nil) // DecimalPoint unset, defaults to 3
	add("Steps", catalog.TypeInt16, func(d *catalog.Descriptor) { d.ArrayDims = 1 })
	add("Steps_0", catalog.TypeInt16, nil)
	add("Steps_1", catalog.TypeInt16, nil)
	add("Flag", catalog.TypeBool, nil)
	return cat
}

func mustFind(t *testing.T, cat *catalog.Catalog, code string) *catalog.Descriptor {
	t.Helper()
	d, ok := cat.Find(catalog.ModuleKey{BlockID: 0, Index: 1, Category: "MC"}, code)
	if !ok {
		t.Fatalf("descriptor %s missing", code)
	}
	return d
}

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		v      float64
		places int
		want   float64
	}{
		{7.123456, 3, 7.123},
		{7.1235, 3, 7.124},
		{2.5, 0, 3},
		{-2.5, 0, -3},
		{1.005, 1, 1.0},
		{0, 3, 0},
	}
	for _, tc := range tests {
		if got := RoundHalfUp(tc.v, tc.places); got != tc.want {
			t.Errorf("RoundHalfUp(%v, %d) = %v, want %v", tc.v, tc.places, got, tc.want)
		}
	}
}

func TestWalkOutbound(t *testing.T) {
	t.Run("changed scalar emits entry and updates cache", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Temp")
		d.Value = 1.0

		now := time.Now()
		var res Result
		Walk(cat, d, 7.123456, Outbound, Options{Now: now}, &res)

		if err := res.Err(); err != nil {
			t.Fatalf("unexpected errors: %v", err)
		}
		if len(res.Entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(res.Entries))
		}
		e := res.Entries[0]
		if e.Code != "Temp" || e.Value != 7.12 || e.DataType != "float" || e.ArrLen != 0 {
			t.Errorf("entry = %+v", e)
		}
		if e.Time != now.UnixMilli() {
			t.Errorf("entry time = %d, want %d", e.Time, now.UnixMilli())
		}
		if d.Value != 7.12 {
			t.Errorf("cache not updated: %v", d.Value)
		}
	})

	t.Run("entry serializes the type name", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Temp")

		var res Result
		Walk(cat, d, 7.123456, Outbound, Options{ForceEmit: true}, &res)
		if len(res.Entries) != 1 {
			t.Fatalf("entries = %+v", res.Entries)
		}

		payload, err := json.Marshal(res.Entries[0])
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(payload), `"dataType":"float"`) {
			t.Errorf("payload = %s", payload)
		}
	})

	t.Run("display string overrides the canonical name", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Basic_Id")
		d.DataTypeString = "Int32"

		var res Result
		Walk(cat, d, int64(3), Outbound, Options{ForceEmit: true}, &res)
		if len(res.Entries) != 1 || res.Entries[0].DataType != "Int32" {
			t.Errorf("entries = %+v", res.Entries)
		}
	})

	t.Run("unchanged scalar suppressed unless forced", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Basic_Id")
		d.Value = int64(5)

		var res Result
		Walk(cat, d, int64(5), Outbound, Options{}, &res)
		if len(res.Entries) != 0 {
			t.Errorf("expected suppression, got %v", res.Entries)
		}

		Walk(cat, d, int64(5), Outbound, Options{ForceEmit: true}, &res)
		if len(res.Entries) != 1 {
			t.Errorf("expected forced emit, got %d entries", len(res.Entries))
		}
	})

	t.Run("double rounds to three places by default", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Press")

		var res Result
		Walk(cat, d, 3.14159265, Outbound, Options{}, &res)
		if len(res.Entries) != 1 || res.Entries[0].Value != 3.142 {
			t.Errorf("entries = %+v", res.Entries)
		}
	})

	t.Run("structure recurses by member key", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Basic")

		var res Result
		Walk(cat, d, map[string]interface{}{
			"_Id":  float64(9),
			"Name": "mold-a",
		}, Outbound, Options{ForceEmit: true}, &res)

		if err := res.Err(); err != nil {
			t.Fatalf("unexpected errors: %v", err)
		}
		if len(res.Entries) != 2 {
			t.Fatalf("expected 2 entries, got %+v", res.Entries)
		}
		codes := map[string]bool{}
		for _, e := range res.Entries {
			codes[e.Code] = true
		}
		if !codes["Basic_Id"] || !codes["Basic_Name"] {
			t.Errorf("codes = %v", codes)
		}
	})

	t.Run("unknown member collected, sibling continues", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Basic")

		var res Result
		Walk(cat, d, map[string]interface{}{
			"Bogus": 1,
			"Name":  "x",
		}, Outbound, Options{ForceEmit: true}, &res)

		if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "Bogus") {
			t.Errorf("errors = %v", res.Errors)
		}
		if len(res.Entries) != 1 || res.Entries[0].Code != "Basic_Name" {
			t.Errorf("entries = %+v", res.Entries)
		}
	})

	t.Run("array recurses by index", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Steps")

		var res Result
		Walk(cat, d, []interface{}{float64(1), float64(2)}, Outbound, Options{ForceEmit: true}, &res)

		if err := res.Err(); err != nil {
			t.Fatalf("unexpected errors: %v", err)
		}
		if len(res.Entries) != 2 || res.Entries[1].Code != "Steps_1" {
			t.Errorf("entries = %+v", res.Entries)
		}
	})

	t.Run("array length overflow collected", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Steps")

		var res Result
		Walk(cat, d, []interface{}{float64(1), float64(2), float64(3)}, Outbound, Options{ForceEmit: true}, &res)

		if len(res.Errors) != 1 {
			t.Errorf("errors = %v", res.Errors)
		}
		if len(res.Entries) != 2 {
			t.Errorf("entries = %+v", res.Entries)
		}
	})
}

func TestWalkInbound(t *testing.T) {
	t.Run("scalar write target", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Basic_Id")

		var res Result
		Walk(cat, d, float64(42), Inbound, Options{}, &res)

		if err := res.Err(); err != nil {
			t.Fatalf("unexpected errors: %v", err)
		}
		if len(res.Targets) != 1 {
			t.Fatalf("expected 1 target, got %d", len(res.Targets))
		}
		if res.Targets[0].Desc != d || res.Targets[0].Value != int64(42) {
			t.Errorf("target = %+v", res.Targets[0])
		}
	})

	t.Run("int accepted for float target", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Temp")

		var res Result
		Walk(cat, d, float64(3), Inbound, Options{}, &res)
		if err := res.Err(); err != nil {
			t.Fatalf("unexpected errors: %v", err)
		}
		if res.Targets[0].Value != float64(3) {
			t.Errorf("target = %+v", res.Targets[0])
		}
	})

	t.Run("type mismatch reported with code", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Basic_Id")

		var res Result
		Walk(cat, d, "forty-two", Inbound, Options{}, &res)

		if len(res.Targets) != 0 {
			t.Errorf("expected no targets, got %+v", res.Targets)
		}
		if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "Write Data Type Error") {
			t.Errorf("errors = %v", res.Errors)
		}
		if !strings.Contains(res.Errors[0], "Basic_Id") {
			t.Errorf("error should name the code: %v", res.Errors[0])
		}
	})

	t.Run("fractional float rejected for int target", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Basic_Id")

		var res Result
		Walk(cat, d, 4.5, Inbound, Options{}, &res)
		if len(res.Errors) != 1 {
			t.Errorf("errors = %v", res.Errors)
		}
	})

	t.Run("structure mismatch keeps siblings", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Basic")

		var res Result
		Walk(cat, d, map[string]interface{}{
			"Id":   "not-an-int",
			"Name": "ok",
		}, Inbound, Options{}, &res)

		if len(res.Errors) != 1 {
			t.Errorf("errors = %v", res.Errors)
		}
		if len(res.Targets) != 1 || res.Targets[0].Desc.Code != "Basic_Name" {
			t.Errorf("targets = %+v", res.Targets)
		}
	})

	t.Run("bool target requires bool", func(t *testing.T) {
		cat := testCatalog(t)
		d := mustFind(t, cat, "Flag")

		var res Result
		Walk(cat, d, true, Inbound, Options{}, &res)
		if len(res.Targets) != 1 || res.Targets[0].Value != true {
			t.Errorf("targets = %+v", res.Targets)
		}

		var res2 Result
		Walk(cat, d, float64(1), Inbound, Options{}, &res2)
		if len(res2.Errors) != 1 {
			t.Errorf("errors = %v", res2.Errors)
		}
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	// Encode a nested value inbound, apply the targets to the cache, then
	// walk outbound and confirm the flattened values match.
	cat := testCatalog(t)
	root := mustFind(t, cat, "Basic")

	payload := map[string]interface{}{
		"Id":   float64(7),
		"Name": "mold-b",
	}

	var in Result
	Walk(cat, root, payload, Inbound, Options{}, &in)
	if err := in.Err(); err != nil {
		t.Fatalf("inbound errors: %v", err)
	}
	for _, target := range in.Targets {
		target.Desc.Value = target.Value
	}

	var out Result
	Walk(cat, root, payload, Outbound, Options{ForceEmit: true}, &out)
	if err := out.Err(); err != nil {
		t.Fatalf("outbound errors: %v", err)
	}

	got := map[string]interface{}{}
	for _, e := range out.Entries {
		got[e.Code] = e.Value
	}
	if got["Basic_Name"] != "mold-b" {
		t.Errorf("Basic_Name = %v", got["Basic_Name"])
	}
}
