package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottlaird/report-collector/store"
)

func newTestHandler(t *testing.T) (*ReportingHandler, *testBackend) {
	t.Helper()
	s := newTestBackend(t)
	in := NewIngester(s.reports, s.logs)
	in.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return NewReportingHandler(in, mustTypes(t)), s
}

func post(h http.Handler, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/reports", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "Mozilla/5.0 Test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErrors(t *testing.T, rec *httptest.ResponseRecorder) []errorBody {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Errors
}

func TestReportingHandler_Success(t *testing.T) {
	h, s := newTestHandler(t)

	rec := post(h, "application/reports+json", `[
		{"age": 5000, "type": "csp", "url": "https://example.com/a", "user_agent": "UA1", "body": {"blockedURL": "https://evil.example/"}},
		{"age": 0, "type": "csp", "url": "https://example.com/b", "user_agent": "UA1", "body": {"blockedURL": "https://evil.example/"}}
	]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ids []int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	require.Len(t, ids, 2)

	l, found, err := s.logs.Get(context.Background(), ids[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, l.Triggered.Equal(time.Date(2024, 6, 1, 11, 59, 55, 0, time.UTC)), "triggered = %v", l.Triggered)
	assert.True(t, l.Reported.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)), "reported = %v", l.Reported)

	data, err := s.reports.LogData(context.Background(), l.ReportID)
	require.NoError(t, err)
	assert.Equal(t, 2, data.Count)
	assert.Equal(t, []string{"https://example.com/a/", "https://example.com/b/"}, data.URLs)
	assert.Equal(t, []string{"UA1"}, data.UserAgents)
}

func TestReportingHandler_CSPPolyfill(t *testing.T) {
	h, s := newTestHandler(t)

	rec := post(h, "application/csp-report", `{"csp-report": {"document-uri": "https://x/y", "blocked-uri": "inline"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	logs, err := s.logs.Query(context.Background(), store.LogQueryVars{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "https://x/y/", logs[0].URL)
	assert.Equal(t, "Mozilla/5.0 Test", logs[0].UserAgent)
	assert.True(t, logs[0].Triggered.Equal(logs[0].Reported))

	report, found, err := s.logs.Report(context.Background(), logs[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "csp", report.Type)
}

func TestReportingHandler_AllOrNothing(t *testing.T) {
	h, s := newTestHandler(t)

	rec := post(h, "application/reports+json", `[
		{"age": 0, "type": "csp", "url": "https://example.com/", "user_agent": "UA", "body": {"a": 1}},
		{"age": 0, "type": "csp", "url": "https://example.com/", "user_agent": "UA", "body": {}},
		{"age": 0, "type": "csp", "url": "https://example.com/", "user_agent": "UA", "body": {"a": 3}}
	]`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	index := 1
	want := []errorBody{{Code: "empty_report_body", Message: "Empty report body.", Index: &index}}
	if diff := cmp.Diff(want, decodeErrors(t, rec)); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}

	n, err := s.logs.Count(context.Background(), store.LogQueryVars{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReportingHandler_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		wantStatus  int
		wantCode    string
	}{
		{"get", http.MethodGet, "application/reports+json", "", http.StatusMethodNotAllowed, "method_not_allowed"},
		{"json content type", http.MethodPost, "application/json", `[]`, http.StatusBadRequest, "invalid_content_type"},
		{"csp-report without report", http.MethodPost, "application/csp-report", `{"other": {}}`, http.StatusBadRequest, "invalid_content_type"},
		{"invalid entry", http.MethodPost, "application/reports+json", `[{"age": 0, "type": "bogus", "url": "https://a/", "user_agent": "UA", "body": {}}]`, http.StatusBadRequest, "invalid_param"},
		{"too big", http.MethodPost, "application/reports+json", `[` + strings.Repeat(" ", 200) + `]`, http.StatusRequestEntityTooLarge, "too_large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t)
			h.MaxBytes = 100

			req := httptest.NewRequest(tt.method, "/reports", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			errs := decodeErrors(t, rec)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.wantCode, errs[0].Code)
		})
	}
}

func TestReportingHandler_EmptyBatch(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := post(h, "application/reports+json", `[]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestReportingHandler_ClientIP(t *testing.T) {
	h := &ReportingHandler{NumberOfProxies: 1}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", h.clientIP(req))

	req.Header.Set("X-Forwarded-For", "192.0.2.1, 198.51.100.7")
	assert.Equal(t, "198.51.100.7", h.clientIP(req))
}
