package transport

import (
	"fmt"
	"math"
)

// Tolerances for float comparison during write verification.
const (
	absTol = 1e-6
	relTol = 1e-5
)

// Equal compares an expected value against an observed one. Floats use
// the tolerance predicate: equal when |a-b| <= absTol or the relative
// difference is within relTol. NaN equals NaN and infinities match on
// sign. Everything else compares exactly by rendered value, which also
// bridges numeric width differences between what we wrote and what the
// server reports back.
func Equal(a, b interface{}) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return floatEqual(fa, fb)
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func floatEqual(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	if math.IsInf(a, 0) || math.IsInf(b, 0) {
		return a == b
	}
	diff := math.Abs(a - b)
	if diff <= absTol {
		return true
	}
	denom := math.Max(math.Abs(a), math.Abs(b))
	return diff/denom <= relTol
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
