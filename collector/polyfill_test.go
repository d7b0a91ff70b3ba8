package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaType(t *testing.T) {
	tests := map[string]string{
		"application/reports+json":                "application/reports+json",
		"Application/Reports+JSON; charset=utf-8": "application/reports+json",
		"application/csp-report":                  "application/csp-report",
		" application/json ;":                     "application/json",
		"":                                        "",
	}
	for in, want := range tests {
		assert.Equal(t, want, MediaType(in), "MediaType(%q)", in)
	}
}

func TestPolyfillCSPReport(t *testing.T) {
	body := []byte(`{
  "csp-report": {
    "document-uri": "https://x/y",
    "referrer": "",
    "violated-directive": "script-src-elem",
    "blocked-uri": "https://evil.example/x.js"
  }
}`)

	out, ok := PolyfillCSPReport(body, "Mozilla/5.0")
	require.True(t, ok)

	entries, err := ParseEntries(out, mustTypes(t))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "csp", e.Type)
	assert.Equal(t, "https://x/y", e.URL)
	assert.Equal(t, int64(0), e.Age)
	assert.Equal(t, "Mozilla/5.0", e.UserAgent)
	assert.JSONEq(t, `{"document-uri":"https://x/y","referrer":"","violated-directive":"script-src-elem","blocked-uri":"https://evil.example/x.js"}`, string(e.Body))
}

func TestPolyfillCSPReport_NotACSPReport(t *testing.T) {
	for _, body := range []string{`{"report": {}}`, `{"csp-report": "x"}`, `not json`, `[]`} {
		_, ok := PolyfillCSPReport([]byte(body), "UA")
		assert.False(t, ok, "PolyfillCSPReport(%q)", body)
	}
}

func TestPolyfillCSPReport_MissingDocumentURI(t *testing.T) {
	out, ok := PolyfillCSPReport([]byte(`{"csp-report": {"blocked-uri": "inline"}}`), "UA")
	require.True(t, ok)

	_, err := ParseEntries(out, mustTypes(t))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
