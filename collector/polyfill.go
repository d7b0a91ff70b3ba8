package collector

import (
	"encoding/json"
	"mime"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	ContentTypeReports   = "application/reports+json"
	ContentTypeCSPReport = "application/csp-report"
)

// MediaType returns the lower-cased media type of a Content-Type
// header, without parameters.
func MediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// cspReportEntry is the Reporting API entry synthesized from a legacy
// CSP report.
type cspReportEntry struct {
	Type      string          `json:"type"`
	Age       int             `json:"age"`
	URL       *string         `json:"url"`
	UserAgent string          `json:"user_agent"`
	Body      json.RawMessage `json:"body"`
}

// PolyfillCSPReport rewrites a legacy application/csp-report payload,
// {"csp-report": {...}}, into a single-entry application/reports+json
// payload.  It returns false when the payload has no csp-report object;
// such a request keeps its legacy content type and gets rejected.
func PolyfillCSPReport(body []byte, userAgent string) ([]byte, bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	report := gjson.GetBytes(body, "csp-report")
	if !report.IsObject() {
		return nil, false
	}

	entry := cspReportEntry{
		Type:      "csp",
		UserAgent: userAgent,
		Body:      json.RawMessage(report.Raw),
	}
	if uri := report.Get("document-uri"); uri.Type == gjson.String {
		s := uri.String()
		entry.URL = &s
	}

	out, err := json.Marshal([]cspReportEntry{entry})
	if err != nil {
		return nil, false
	}
	return out, true
}
