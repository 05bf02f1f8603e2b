package sqlutil

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Helpers for storing Go values in engines without native timestamp or
// array types. Timestamps are kept as fixed-width UTC text with all nine
// fractional digits, so lexical order matches chronological order and
// values round-trip at nanosecond precision.

// TimeLayout is the text layout used for stored timestamps. Unlike
// time.RFC3339Nano it never trims trailing zeros.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime converts a time to its stored text form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime converts stored text back into a UTC time.
func ParseTime(s string) (time.Time, error) {
	// RFC3339Nano accepts any fraction width, including TimeLayout's.
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ToSqlTime converts a Go time pointer to a nullable text column value.
func ToSqlTime(val *time.Time) sql.NullString {
	if val == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: FormatTime(*val), Valid: true}
}

// FromSqlTime converts a nullable text column back to a Go time pointer.
func FromSqlTime(val sql.NullString) (*time.Time, error) {
	if !val.Valid {
		return nil, nil
	}
	t, err := ParseTime(val.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ToSqlBool converts a bool to the 0/1 integer form.
func ToSqlBool(val bool) int {
	if val {
		return 1
	}
	return 0
}

// ToJSONStrings encodes a string slice as a JSON array; nil becomes "[]".
func ToJSONStrings(vals []string) (string, error) {
	if vals == nil {
		vals = []string{}
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", fmt.Errorf("encode strings: %w", err)
	}
	return string(b), nil
}

// FromJSONStrings decodes a JSON array of strings; empty text yields an
// empty, non-nil slice.
func FromJSONStrings(s string) ([]string, error) {
	out := []string{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode strings: %w", err)
	}
	return out, nil
}
