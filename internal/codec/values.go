package codec

import "math"

// Decoded values differ per codec: msgpack yields int64 or uint64, cbor
// uint64 or int64, json float64. The helpers below normalize them.

// ToInt converts a decoded number to int. Non-integral floats are rejected.
func ToInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	}
	return 0, false
}

func floatToInt(f float64) (int, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

// ToFloat converts a decoded number to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := ToInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

// ToInts converts a decoded list of numbers. A nil value yields an empty slice.
func ToInts(v any) ([]int, bool) {
	switch l := v.(type) {
	case nil:
		return []int{}, true
	case []int:
		return l, true
	case []any:
		out := make([]int, 0, len(l))
		for _, e := range l {
			i, ok := ToInt(e)
			if !ok {
				return nil, false
			}
			out = append(out, i)
		}
		return out, true
	}
	return nil, false
}

// ToMap converts a decoded map to map[string]any, accepting the
// map[any]any shape some decoders produce for non-string keys.
func ToMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	case nil:
		return nil, false
	}
	return nil, false
}

// ToString returns v as a string, accepting byte slices.
func ToString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}
