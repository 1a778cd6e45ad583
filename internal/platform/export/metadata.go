package export

import "encoding/json"

// ParseMetadata decodes the metadata column without ever failing:
// unparseable or empty input yields an empty object. Metadata shape varies
// by upstream source, and one malformed field must never abort the batch.
func ParseMetadata(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// StringField returns the named metadata field as a string, or "" when the
// field is missing or not a string.
func StringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// NestedObject returns the named metadata field as an object. The field may
// itself be JSON-encoded as a string (exports double-encode nested objects);
// both encodings are handled transparently. Missing or malformed fields
// yield nil.
func NestedObject(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	return DecodeObject(v)
}

// DecodeObject unwraps a value that is either an object already or a
// JSON-encoded string containing one, recursing through double encoding.
func DecodeObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		var inner any
		if err := json.Unmarshal([]byte(t), &inner); err != nil {
			return nil
		}
		return DecodeObject(inner)
	default:
		return nil
	}
}
