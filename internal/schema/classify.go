package schema

import (
	"encoding/json"
	"strings"

	"dwetl/internal/document"
)

// maxInlineString is the cutoff between VARCHAR(255) and TEXT.
const maxInlineString = 255

// ClassifyValue maps one decoded JSON value to a storage classification.
// name is the cleaned column name; string classification peeks at it so
// that date-like and money-like fields land on temporal and decimal types
// even though the source serializes them as strings.
func ClassifyValue(name string, v any) string {
	switch val := v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case string:
		return classifyString(name, val)
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return TypeInteger
		}
		return TypeDecimal
	case int, int32, int64:
		return TypeInteger
	case float32, float64:
		return TypeDecimal
	case map[string]any:
		return classifyObject(val)
	case []any:
		return TypeArray
	default:
		return TypeVarchar
	}
}

func classifyString(name, s string) string {
	if strings.Contains(name, "date") {
		return TypeTimestamp
	}
	if strings.Contains(name, "price") || strings.Contains(name, "spent") {
		return TypeDecimal
	}
	if len(s) > maxInlineString {
		return TypeText
	}
	return TypeVarchar
}

func classifyObject(obj map[string]any) string {
	if _, ok := document.WrapperTimestamp(obj); ok {
		return TypeTimestamp
	}
	if _, ok := document.WrapperObjectID(obj); ok {
		return TypeIdentifier
	}
	return TypeNested
}
