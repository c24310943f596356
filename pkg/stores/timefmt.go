package stores

import (
	"fmt"
	"time"
)

// Timestamps are stored as fixed-width UTC text so they sort and compare
// lexically in SQL.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(src any) (time.Time, error) {
	switch v := src.(type) {
	case time.Time:
		return v, nil
	case string:
		return time.Parse(timeFormat, v)
	case []byte:
		return time.Parse(timeFormat, string(v))
	default:
		return time.Time{}, fmt.Errorf("cannot scan %T into time", src)
	}
}

// timeValue scans a stored timestamp.
type timeValue struct{ t *time.Time }

func (v timeValue) Scan(src any) error {
	if src == nil {
		*v.t = time.Time{}
		return nil
	}
	t, err := parseTime(src)
	if err != nil {
		return err
	}
	*v.t = t
	return nil
}

// nullTimeValue scans a nullable stored timestamp.
type nullTimeValue struct{ t **time.Time }

func (v nullTimeValue) Scan(src any) error {
	if src == nil {
		*v.t = nil
		return nil
	}
	t, err := parseTime(src)
	if err != nil {
		return err
	}
	*v.t = &t
	return nil
}
