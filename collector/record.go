package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/tidwall/gjson"
)

// See https://w3c.github.io/reporting/#serialize-reports

// ReportPostFormat is one report entry as browsers send it.  Pointers
// tell a missing field from an empty one.
type ReportPostFormat struct {
	Age       *json.Number    `json:"age"`
	Type      *string         `json:"type"`
	URL       *string         `json:"url"`
	UserAgent *string         `json:"user_agent"`
	Body      json.RawMessage `json:"body"`
}

// Entry is a validated report entry, ready for ingestion.
type Entry struct {
	Age       int64 // milliseconds between the report and its delivery
	Type      string
	URL       string
	UserAgent string
	Body      json.RawMessage // nil when the entry had no body
}

// ParseMessage takes the body of a HTTP POST and returns its report
// entries.  The Reporting API sends an array, but a single object is
// accepted too.
func ParseMessage(msg []byte) ([]ReportPostFormat, error) {
	if !gjson.ValidBytes(msg) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidRequest)
	}

	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()

	switch parsed := gjson.ParseBytes(msg); {
	case parsed.IsArray():
		var entries []ReportPostFormat
		if err := dec.Decode(&entries); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return entries, nil
	case parsed.IsObject():
		var entry ReportPostFormat
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return []ReportPostFormat{entry}, nil
	}
	return nil, fmt.Errorf("%w: data must be an array of reports", ErrInvalidRequest)
}

// Validate checks an entry against the report entry schema.  A missing
// or null body passes; the ingestion pipeline rejects it per entry.
func (p ReportPostFormat) Validate(index int, types *ReportTypes) (Entry, error) {
	invalid := func(field, msg string) error {
		return fmt.Errorf("%w: data[%d][%s] %s", ErrInvalidRequest, index, field, msg)
	}

	var e Entry

	if p.Age == nil {
		return e, invalid("age", "is required")
	}
	age, err := p.Age.Int64()
	if err != nil {
		return e, invalid("age", "is not of type integer")
	}
	e.Age = age

	if p.Type == nil {
		return e, invalid("type", "is required")
	}
	if _, ok := types.Get(*p.Type); !ok {
		return e, invalid("type", fmt.Sprintf("is not one of %v", types.Names()))
	}
	e.Type = *p.Type

	if p.URL == nil {
		return e, invalid("url", "is required")
	}
	if u, err := url.Parse(*p.URL); err != nil || !u.IsAbs() {
		return e, invalid("url", "is not a valid URI")
	}
	e.URL = *p.URL

	if p.UserAgent == nil {
		return e, invalid("user_agent", "is required")
	}
	e.UserAgent = *p.UserAgent

	body := gjson.ParseBytes(p.Body)
	switch {
	case len(bytes.TrimSpace(p.Body)) == 0 || body.Type == gjson.Null:
	case body.IsObject():
		e.Body = p.Body
	default:
		return e, invalid("body", "is not of type object")
	}
	return e, nil
}

// ParseEntries parses and validates a reports+json payload.  Any
// invalid entry rejects the whole payload.
func ParseEntries(msg []byte, types *ReportTypes) ([]Entry, error) {
	posts, err := ParseMessage(msg)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(posts))
	for i, p := range posts {
		e, err := p.Validate(i, types)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
