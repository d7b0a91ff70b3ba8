package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Report is a deduplicated report fingerprint.  Every distinct
// (Type, Body) pair is stored once; individual occurrences are
// ReportLogs pointing at it.
type Report struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Key returns the deduplication key of the report.
func (r Report) Key() string {
	return DedupKey(r.Type, r.Body)
}

// DedupKey builds the deduplication key for a report type and an
// already normalized body.
func DedupKey(reportType string, body []byte) string {
	return reportType + ":" + string(body)
}

// NormalizeBody compacts a JSON document.  Two bodies are the same
// report when their normalized bytes are equal; key order is
// significant.  An empty body normalizes to "{}".
func NormalizeBody(body []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("{}"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, fmt.Errorf("invalid report body: %w", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// IsEmptyBody reports whether a body carries no data at all.
func IsEmptyBody(body []byte) bool {
	switch string(bytes.TrimSpace(body)) {
	case "", "null", "{}", "[]", `""`, "false", "0":
		return true
	}
	return false
}
