package jsonutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// FlexibleStringValue converts a json.RawMessage to a string, handling cases where
// upstream feeds return numbers or booleans instead of strings. Returns empty string for null/empty.
func FlexibleStringValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	var numVal json.Number
	if err := json.Unmarshal(raw, &numVal); err == nil {
		if i, err := numVal.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if f, err := numVal.Float64(); err == nil {
			return fmt.Sprintf("%g", f)
		}
		return numVal.String()
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return fmt.Sprintf("%t", boolVal)
	}

	// Fallback: return raw string representation
	return string(raw)
}

// FlexibleString decodes from a JSON string, number or boolean.
// List APIs are inconsistent about quoting identifiers.
type FlexibleString string

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexibleString) UnmarshalJSON(data []byte) error {
	*s = FlexibleString(strings.TrimSpace(FlexibleStringValue(data)))
	return nil
}

// String returns the decoded value.
func (s FlexibleString) String() string {
	return string(s)
}

// FlexibleInt decodes from a JSON number or a numeric string.
type FlexibleInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (n *FlexibleInt) UnmarshalJSON(data []byte) error {
	s := FlexibleStringValue(data)
	if s == "" {
		*n = 0
		return nil
	}
	i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if ferr != nil {
			return fmt.Errorf("not an integer: %s", s)
		}
		i = int64(f)
	}
	*n = FlexibleInt(i)
	return nil
}

// FlexibleStrings decodes a JSON array of strings, a single lookup object,
// or a delimited string ("a;b", "a,b") into a slice. Null decodes to nil.
type FlexibleStrings []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexibleStrings) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*s = nil
		return nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		out := make([]string, 0, len(arr))
		for _, raw := range arr {
			out = append(out, labelValue(raw))
		}
		*s = out
		return nil
	}

	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "{") {
		if v := labelValue(data); v != "" {
			*s = []string{v}
		} else {
			*s = nil
		}
		return nil
	}

	single := FlexibleStringValue(data)
	parts := strings.FieldsFunc(single, func(r rune) bool { return r == ';' || r == ',' })
	*s = parts
	return nil
}

// labelValue extracts a label from a plain value or from a lookup object
// such as {"Label": "..."} or {"LookupValue": "..."}.
func labelValue(raw json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"Label", "label", "LookupValue", "lookupValue", "Value", "value", "name"} {
			if v, ok := obj[key]; ok {
				return FlexibleStringValue(v)
			}
		}
		return ""
	}
	return FlexibleStringValue(raw)
}
