package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringSet persists a []string as a JSON array in a single text column,
// used for Policy.VendorAllowlist.
type StringSet []string

func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringSet) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("models: unsupported StringSet scan type %T", value)
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("models: unmarshal StringSet: %w", err)
	}
	*s = out
	return nil
}

// Contains reports whether vendor is present (case-sensitive, per spec's
// literal vendor string matching).
func (s StringSet) Contains(vendor string) bool {
	for _, v := range s {
		if v == vendor {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer for RailFlags.
func (f RailFlags) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *RailFlags) Scan(value any) error {
	if value == nil {
		*f = RailFlags{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("models: unsupported RailFlags scan type %T", value)
	}
	if len(raw) == 0 {
		*f = RailFlags{}
		return nil
	}
	return json.Unmarshal(raw, f)
}

// JSONBlob preserves an opaque caller-supplied object (e.g. intent metadata)
// for audit without ever being consulted for control flow.
type JSONBlob json.RawMessage

func (j JSONBlob) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "null", nil
	}
	return string(j), nil
}

func (j *JSONBlob) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = JSONBlob(append([]byte(nil), v...))
	case string:
		*j = JSONBlob(v)
	default:
		return fmt.Errorf("models: unsupported JSONBlob scan type %T", value)
	}
	return nil
}

func (j JSONBlob) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSONBlob) UnmarshalJSON(data []byte) error {
	*j = append((*j)[0:0], data...)
	return nil
}
