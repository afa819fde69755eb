// Package codec converts between nested PLC values and the flat
// {code, value, dataType, arrLen} lists carried over MQTT. One recursive
// walk serves both directions.
package codec

import (
	"fmt"
	"math"
	"strings"
	"time"

	"plclink/catalog"
)

// Direction selects which side of the conversion the walk performs.
type Direction int

const (
	// Outbound flattens a PLC value into change-list entries (O2M).
	Outbound Direction = iota
	// Inbound turns an upstream payload into write targets (M2O).
	Inbound
)

// Entry is one flattened value in an outbound data list. The type
// travels as its display name, not the internal enum.
type Entry struct {
	Code     string      `json:"code"`
	Value    interface{} `json:"value"`
	DataType string      `json:"dataType"`
	ArrLen   int         `json:"arrLen"`
	Time     int64       `json:"time"`
}

// WriteTarget is one resolved inbound write.
type WriteTarget struct {
	Desc  *catalog.Descriptor
	Value interface{}
}

// Options tunes a walk.
type Options struct {
	// ForceEmit emits every leaf regardless of change detection.
	ForceEmit bool
	// Now stamps outbound entries; zero means time.Now().
	Now time.Time
}

// Result collects the walk's output. Errors accumulate per leaf; a failed
// branch never aborts its siblings.
type Result struct {
	Entries []Entry
	Targets []WriteTarget
	Errors  []string
}

// Err joins the collected errors, or returns nil when the walk was clean.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(r.Errors, "; "))
}

func (r *Result) addErrorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Walk recurses through desc according to the shape of value, appending
// entries or write targets to res. Child descriptors are resolved through
// the flat catalog index; no tree is consulted.
func Walk(cat *catalog.Catalog, desc *catalog.Descriptor, value interface{}, dir Direction, opts Options, res *Result) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	walk(cat, desc, value, dir, opts, res)
}

func walk(cat *catalog.Catalog, desc *catalog.Descriptor, value interface{}, dir Direction, opts Options, res *Result) {
	switch {
	case desc.ArrayDims > 0:
		seq, ok := value.([]interface{})
		if !ok {
			res.addErrorf("%s: expected array value, got %T", desc.Code, value)
			return
		}
		for i, elem := range seq {
			child, ok := cat.ChildIndex(desc, i)
			if !ok {
				res.addErrorf("%s: no child descriptor at index %d", desc.Code, i)
				continue
			}
			walk(cat, child, elem, dir, opts, res)
		}

	case desc.DataType == catalog.TypeStructure:
		fields, ok := value.(map[string]interface{})
		if !ok {
			res.addErrorf("%s: expected structure value, got %T", desc.Code, value)
			return
		}
		for key, elem := range fields {
			child, ok := cat.Child(desc, key)
			if !ok {
				res.addErrorf("%s: unknown structure member %q", desc.Code, key)
				continue
			}
			walk(cat, child, elem, dir, opts, res)
		}

	default:
		leaf(desc, value, dir, opts, res)
	}
}

func leaf(desc *catalog.Descriptor, value interface{}, dir Direction, opts Options, res *Result) {
	switch dir {
	case Outbound:
		normalized := normalizeOutbound(desc, value)
		if opts.ForceEmit || !sameValue(normalized, desc.Value) {
			desc.Value = normalized
			res.Entries = append(res.Entries, Entry{
				Code:     desc.Code,
				Value:    normalized,
				DataType: desc.DisplayType(),
				ArrLen:   desc.ArrayDims,
				Time:     opts.Now.UnixMilli(),
			})
		}

	case Inbound:
		coerced, err := CoerceForWrite(desc, value)
		if err != nil {
			res.addErrorf("%s", err)
			return
		}
		res.Targets = append(res.Targets, WriteTarget{Desc: desc, Value: coerced})
	}
}

// normalizeOutbound rounds float leaves to the descriptor's decimal
// places; three places when the catalog leaves it unset.
func normalizeOutbound(desc *catalog.Descriptor, value interface{}) interface{} {
	if !desc.DataType.IsFloat() {
		return value
	}
	f, ok := asFloat(value)
	if !ok {
		return value
	}
	places := desc.DecimalPoint
	if places <= 0 {
		places = 3
	}
	return RoundHalfUp(f, places)
}

// CoerceForWrite enforces type compatibility for an inbound value and
// returns it in the representation the transport expects. Integers are
// accepted for float targets; the reverse is rejected.
func CoerceForWrite(desc *catalog.Descriptor, value interface{}) (interface{}, error) {
	mismatch := func() error {
		return fmt.Errorf("Write Data Type Error, Please check: %s=%v (%s)", desc.Code, value, desc.DataType)
	}

	switch {
	case desc.DataType == catalog.TypeBool:
		b, ok := value.(bool)
		if !ok {
			return nil, mismatch()
		}
		return b, nil

	case desc.DataType.IsInteger():
		switch v := value.(type) {
		case float64:
			if v != math.Trunc(v) {
				return nil, mismatch()
			}
			return int64(v), nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		default:
			return nil, mismatch()
		}

	case desc.DataType.IsFloat():
		f, ok := asFloat(value)
		if !ok {
			return nil, mismatch()
		}
		return f, nil

	case desc.DataType == catalog.TypeString || desc.DataType == catalog.TypeGUID:
		s, ok := value.(string)
		if !ok {
			return nil, mismatch()
		}
		return s, nil

	default:
		return nil, mismatch()
	}
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

// sameValue is the change-detection comparison for the outbound walk.
// Rendering both sides avoids spurious diffs between numeric widths.
func sameValue(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// RoundHalfUp rounds to the given number of decimal places with halves
// rounding away from zero, matching the upstream display convention.
func RoundHalfUp(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}
