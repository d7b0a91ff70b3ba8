package store

import (
	"fmt"
	"time"
)

// Drivers disagree on how DATETIME values come back, and aggregates
// such as MIN() lose the column type entirely on SQLite.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// dbTime scans any of the representations above into a UTC time.
// NULL and MySQL's zero date scan as the zero time.
type dbTime struct {
	Time time.Time
}

func (t *dbTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = x.UTC()
		return nil
	case []byte:
		return t.parse(string(x))
	case string:
		return t.parse(x)
	case int64:
		t.Time = time.Unix(x, 0).UTC()
		return nil
	}
	return fmt.Errorf("cannot scan %T into a timestamp", v)
}

func (t *dbTime) parse(s string) error {
	if s == "" || s == "0000-00-00 00:00:00" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
