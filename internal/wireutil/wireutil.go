// Package wireutil implements the field-by-field validation spec.md §9 calls
// for on "dynamic typing / runtime shape checks": aggregator JSON is treated
// as an opaque map and validated before it is mapped into a typed entity,
// mirroring the teacher's liteclient/api/types.go tagged-struct boundary.
package wireutil

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// Doc wraps a decoded JSON object and offers typed, validating field access.
// It never panics; every accessor returns an error naming the offending field.
type Doc struct {
	raw map[string]any
}

// Parse decodes raw JSON bytes into a Doc.
func Parse(data []byte) (Doc, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Doc{}, fmt.Errorf("wireutil: invalid JSON: %w", err)
	}
	return Doc{raw: m}, nil
}

// FromMap wraps an already-decoded map, e.g. a sub-object from another Doc.
func FromMap(m map[string]any) Doc {
	return Doc{raw: m}
}

// Has reports whether the field is present and non-null.
func (d Doc) Has(field string) bool {
	v, ok := d.raw[field]
	return ok && v != nil
}

// String returns a required non-empty string field.
func (d Doc) String(field string) (string, error) {
	v, ok := d.raw[field]
	if !ok || v == nil {
		return "", fmt.Errorf("wireutil: field %q is missing", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("wireutil: field %q is not a string", field)
	}
	if s == "" {
		return "", fmt.Errorf("wireutil: field %q must be non-empty", field)
	}
	return s, nil
}

// OptString returns an optional string field, or "" if absent.
func (d Doc) OptString(field string) string {
	v, ok := d.raw[field]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Int returns a required integer field (JSON numbers decode as float64).
func (d Doc) Int(field string) (int, error) {
	v, ok := d.raw[field]
	if !ok || v == nil {
		return 0, fmt.Errorf("wireutil: field %q is missing", field)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("wireutil: field %q is not a number", field)
	}
	return int(f), nil
}

// NonNegativeInt returns a required integer field and validates it is ≥ 0 —
// used for decimals per spec.md §9 ("decimals a non-negative integer").
func (d Doc) NonNegativeInt(field string) (uint, error) {
	n, err := d.Int(field)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("wireutil: field %q must be non-negative, got %d", field, n)
	}
	return uint(n), nil
}

// OptBool returns an optional boolean field, defaulting to false if absent or
// of the wrong type.
func (d Doc) OptBool(field string) bool {
	v, ok := d.raw[field]
	if !ok || v == nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

// OptFloat returns an optional float64 field, or nil if absent.
func (d Doc) OptFloat(field string) *float64 {
	v, ok := d.raw[field]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return &n
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return &f
		}
	}
	return nil
}

// BigIntString parses a required decimal numeric string field into a uint256,
// rejecting non-positive values when requirePositive is set (spec.md §3:
// "amount parses to a positive integer").
func (d Doc) BigIntString(field string, requirePositive bool) (*uint256.Int, error) {
	s, err := d.String(field)
	if err != nil {
		return nil, err
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("wireutil: field %q is not a valid integer string: %w", field, err)
	}
	if requirePositive && v.IsZero() {
		return nil, fmt.Errorf("wireutil: field %q must be a positive integer, got %q", field, s)
	}
	return v, nil
}

// Object returns a required nested object field as a Doc.
func (d Doc) Object(field string) (Doc, error) {
	v, ok := d.raw[field]
	if !ok || v == nil {
		return Doc{}, fmt.Errorf("wireutil: field %q is missing", field)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Doc{}, fmt.Errorf("wireutil: field %q is not an object", field)
	}
	return Doc{raw: m}, nil
}

// OptObject returns an optional nested object field; ok is false if absent.
func (d Doc) OptObject(field string) (Doc, bool) {
	v, ok := d.raw[field]
	if !ok || v == nil {
		return Doc{}, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Doc{}, false
	}
	return Doc{raw: m}, true
}

// Array returns a required array field as a []any of its raw elements.
func (d Doc) Array(field string) ([]any, error) {
	v, ok := d.raw[field]
	if !ok || v == nil {
		return nil, fmt.Errorf("wireutil: field %q is missing", field)
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("wireutil: field %q is not an array", field)
	}
	return arr, nil
}

// OptArray returns an optional array field, or an empty slice if absent.
func (d Doc) OptArray(field string) []any {
	v, ok := d.raw[field]
	if !ok || v == nil {
		return nil
	}
	arr, _ := v.([]any)
	return arr
}
