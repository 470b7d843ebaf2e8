// Package document reads semi-structured JSON document collections and
// normalizes the Mongo-export value conventions they carry.
//
// Why this exists:
//   - Input files arrive in three shapes: a whole-document JSON array, a
//     single JSON object, or line-delimited objects (JSONL). Callers should
//     not care which shape a file uses.
//   - Exported documents wrap two scalar kinds in marker objects:
//     {"$date": <ms epoch>} for timestamps and {"$oid": "<hex24>"} for
//     24-character identifiers. Downstream analysis and loading both need
//     the unwrapped scalar, so unwrapping lives here, once.
//
// Numbers are decoded with json.Number so that integers and decimals remain
// distinguishable for type classification.
package document

import (
	"encoding/json"
	"time"
)

// Document is one decoded input record. Values are json.Number for numbers,
// string, bool, nil, map[string]any for nested mappings, or []any for lists.
type Document = map[string]any

// wrapper marker fields.
const (
	dateKey = "$date"
	oidKey  = "$oid"
)

// IsWrapper reports whether m is a marker object for a timestamp or an
// opaque identifier rather than a genuinely nested mapping.
func IsWrapper(m map[string]any) bool {
	if _, ok := m[dateKey]; ok {
		return true
	}
	_, ok := m[oidKey]
	return ok
}

// WrapperTimestamp extracts a UTC time from a {"$date": ms} marker object.
//
// Edge cases:
//   - The millisecond value may arrive as json.Number, float64 or int64
//     depending on how the caller decoded it; all three are accepted.
//   - A $date whose value is not numeric yields ok=false.
func WrapperTimestamp(m map[string]any) (time.Time, bool) {
	raw, ok := m[dateKey]
	if !ok {
		return time.Time{}, false
	}
	ms, ok := asInt64(raw)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// WrapperObjectID extracts the identifier string from a {"$oid": s} marker.
func WrapperObjectID(m map[string]any) (string, bool) {
	raw, ok := m[oidKey]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// UnwrapValue maps marker objects to their scalar form and leaves every
// other value untouched. Timestamps come back as time.Time in UTC.
func UnwrapValue(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if ts, ok := WrapperTimestamp(m); ok {
		return ts
	}
	if id, ok := WrapperObjectID(m); ok {
		return id
	}
	return v
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			// Some exporters emit the epoch as a float.
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
