package store

import (
	"strings"
	"time"
)

// ReportLog is one received occurrence of a Report.
type ReportLog struct {
	ID        int64     `json:"id"`
	ReportID  int64     `json:"report_id"`
	URL       string    `json:"url"`
	UserAgent string    `json:"user_agent"`
	Triggered time.Time `json:"triggered"` // when the browser observed the condition
	Reported  time.Time `json:"reported"`  // when the collector received it
}

// normalize applies the storage conventions: URLs end in a slash,
// timestamps are UTC with second precision, and a missing timestamp
// falls back to the other one (or to now when both are missing).
func (l ReportLog) normalize(now time.Time) ReportLog {
	if l.URL != "" {
		l.URL = trailingSlash(l.URL)
	}
	if l.Triggered.IsZero() {
		if !l.Reported.IsZero() {
			l.Triggered = l.Reported
		} else {
			l.Triggered = now
		}
	}
	if l.Reported.IsZero() {
		l.Reported = l.Triggered
	}
	l.Triggered = l.Triggered.UTC().Truncate(time.Second)
	l.Reported = l.Reported.UTC().Truncate(time.Second)
	return l
}

func trailingSlash(s string) string {
	return strings.TrimRight(s, `/\`) + "/"
}
