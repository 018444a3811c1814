package record

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Float coerces a decoded field value to float64.
//
// JSON numbers and numeric strings coerce; nil, bools, non-numeric strings,
// NaN and ±Inf do not. It never panics.
func Float(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Number returns the coerced value of a single field.
func (r Record) Number(key string) (float64, bool) {
	v, ok := r.Field(key)
	if !ok {
		return 0, false
	}
	return Float(v)
}

// RankKey walks the field chain and returns the first coercible value.
// Absent and non-coercible fields fall through; an exhausted chain yields 0.
func RankKey(r Record, chain ...string) float64 {
	for _, key := range chain {
		if f, ok := r.Number(key); ok {
			return f
		}
	}
	return 0
}
