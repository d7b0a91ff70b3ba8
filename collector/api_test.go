package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottlaird/report-collector/store"
)

type apiFixture struct {
	srv     http.Handler
	backend *testBackend
	reports []store.Report
}

// newAPIFixture stores three csp reports with one, two and zero logs.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	s := newTestBackend(t)
	ctx := context.Background()

	f := &apiFixture{backend: s}
	for i, body := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		r, err := s.reports.Insert(ctx, store.Report{Type: "csp", Body: json.RawMessage(body)})
		require.NoError(t, err)
		f.reports = append(f.reports, r)

		for j := 0; j < 2-i; j++ {
			when := time.Date(2024, 1, 1+i, j, 0, 0, 0, time.UTC)
			_, err := s.logs.Insert(ctx, store.ReportLog{
				ReportID:  r.ID,
				URL:       "https://example.com/" + strconv.Itoa(j),
				UserAgent: "UA",
				Triggered: when,
				Reported:  when,
			})
			require.NoError(t, err)
		}
	}

	r := chi.NewRouter()
	NewAPI(s.reports, s.logs).RegisterRoutes(r)
	f.srv = r
	return f
}

func (f *apiFixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestAPI_ListReports(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/reports?number=2&orderby=id&order=asc")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out listResponse[store.Report]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Items, 2)
	assert.Equal(t, f.reports[0].ID, out.Items[0].ID)
	assert.Equal(t, 3, out.FoundResults)
	assert.Equal(t, 2, out.MaxNumPages)
}

func TestAPI_ListReportsDefaultPageSize(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := f.backend.reports.Insert(ctx, store.Report{Type: "crash", Body: json.RawMessage(`{"extra":` + strconv.Itoa(i) + `}`)})
		require.NoError(t, err)
	}

	var out listResponse[store.Report]
	rec := f.do(t, http.MethodGet, "/reports?fields=ids")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.IDs, defaultPageSize)
	assert.Equal(t, 15, out.FoundResults)
	assert.Equal(t, 2, out.MaxNumPages)

	out = listResponse[store.Report]{}
	rec = f.do(t, http.MethodGet, "/reports?fields=ids&number=0")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.IDs, 15)
	assert.Equal(t, 0, out.MaxNumPages)

	// Past the last page the totals are still reported.
	out = listResponse[store.Report]{}
	rec = f.do(t, http.MethodGet, "/reports?number=10&offset=20")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Empty(t, out.Items)
	assert.Equal(t, 15, out.FoundResults)
	assert.Equal(t, 2, out.MaxNumPages)
}

func TestAPI_ListReportsFields(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/reports?fields=count&url=https://example.com/1/")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var count listResponse[store.Report]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &count))
	require.NotNil(t, count.Count)
	assert.Equal(t, 1, *count.Count)

	rec = f.do(t, http.MethodGet, "/reports?fields=ids&include="+strconv.FormatInt(f.reports[2].ID, 10)+","+strconv.FormatInt(f.reports[0].ID, 10)+"&orderby=include")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ids listResponse[store.Report]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	assert.Equal(t, []int64{f.reports[2].ID, f.reports[0].ID}, ids.IDs)
}

func TestAPI_ListReportsBadParams(t *testing.T) {
	f := newAPIFixture(t)

	for _, target := range []string{
		"/reports?number=lots",
		"/reports?fields=everything",
		"/reports?after=yesterday",
		"/reports?include=1,x",
	} {
		rec := f.do(t, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestAPI_GetReport(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/reports/"+strconv.FormatInt(f.reports[0].ID, 10))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		ID      int64           `json:"id"`
		Type    string          `json:"type"`
		Body    json.RawMessage `json:"body"`
		LogData store.LogData   `json:"log_data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, f.reports[0].ID, out.ID)
	assert.JSONEq(t, `{"n":1}`, string(out.Body))
	assert.Equal(t, 2, out.LogData.Count)
	assert.Equal(t, []string{"https://example.com/0/", "https://example.com/1/"}, out.LogData.URLs)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/reports/9999").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/reports/abc").Code)
}

func TestAPI_ReportLogs(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/reports/"+strconv.FormatInt(f.reports[0].ID, 10)+"/logs?orderby=url:asc")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out listResponse[store.ReportLog]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Items, 2)
	assert.Equal(t, "https://example.com/0/", out.Items[0].URL)
	assert.Equal(t, "https://example.com/1/", out.Items[1].URL)

	rec = f.do(t, http.MethodGet, "/logs?search=example.com/1&fields=count")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var count listResponse[store.ReportLog]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &count))
	require.NotNil(t, count.Count)
	assert.Equal(t, 1, *count.Count)
}

func TestAPI_DeleteReport(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	id := f.reports[0].ID

	rec := f.do(t, http.MethodDelete, "/reports/"+strconv.FormatInt(id, 10))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Deleted     bool `json:"deleted"`
		DeletedLogs int  `json:"deleted_logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Deleted)
	assert.Equal(t, 2, out.DeletedLogs)

	_, found, err := f.backend.reports.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)

	n, err := f.backend.logs.Count(ctx, store.LogQueryVars{ReportID: id})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/reports/"+strconv.FormatInt(id, 10)).Code)
}
