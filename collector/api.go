package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scottlaird/report-collector/store"
)

// API serves read access to stored reports and logs as JSON, for an
// admin listing.
type API struct {
	Reports *store.Reports
	Logs    *store.ReportLogs
}

// NewAPI creates the query API.
func NewAPI(reports *store.Reports, logs *store.ReportLogs) *API {
	return &API{Reports: reports, Logs: logs}
}

// RegisterRoutes sets up the query routes on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/reports", func(sub chi.Router) {
		sub.Get("/", a.listReports)
		sub.Route("/{reportID}", func(sub chi.Router) {
			sub.Get("/", a.getReport)
			sub.Delete("/", a.deleteReport)
			sub.Get("/logs", a.listReportLogs)
		})
	})
	r.Get("/logs", a.listLogs)
}

// listResponse is the body of every listing.  Which of Items, IDs and
// Count is set follows the fields parameter.
type listResponse[T any] struct {
	Items        []T     `json:"items,omitempty"`
	IDs          []int64 `json:"ids,omitempty"`
	Count        *int    `json:"count,omitempty"`
	FoundResults int     `json:"found_results"`
	MaxNumPages  int     `json:"max_num_pages"`
}

func newListResponse[T any](res store.Result[T], fields store.Fields) listResponse[T] {
	out := listResponse[T]{FoundResults: res.FoundResults, MaxNumPages: res.MaxNumPages}
	switch fields {
	case store.FieldsCount:
		out.Count = &res.Count
	case store.FieldsIDs:
		out.IDs = res.IDs
	default:
		out.Items = res.Items
		if out.Items == nil {
			out.Items = []T{}
		}
	}
	return out
}

// reportWithLogData is a report plus the rollup of its logs.
type reportWithLogData struct {
	store.Report
	LogData store.LogData `json:"log_data"`
}

func (a *API) listReports(w http.ResponseWriter, r *http.Request) {
	vars, err := parseReportQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", err.Error())
		return
	}
	q := a.Reports.NewQuery(vars)
	res, err := q.Results(r.Context())
	if err != nil {
		slog.Error("Unable to query reports", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "DB Error")
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(res, q.Vars().Fields))
}

func (a *API) getReport(w http.ResponseWriter, r *http.Request) {
	report, ok := a.loadReport(w, r)
	if !ok {
		return
	}
	data, err := a.Reports.LogData(r.Context(), report.ID)
	if err != nil {
		slog.Error("Unable to aggregate report logs", "error", err, "report_id", report.ID)
		writeError(w, http.StatusInternalServerError, "internal_error", "DB Error")
		return
	}
	writeJSON(w, http.StatusOK, reportWithLogData{Report: report, LogData: data})
}

// deleteReport removes a report and then its logs.
func (a *API) deleteReport(w http.ResponseWriter, r *http.Request) {
	report, ok := a.loadReport(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	logs, err := a.Logs.ForReport(ctx, report.ID, store.LogQueryVars{
		OrderBy:       []store.OrderBy{{Key: store.OrderByNone}},
		NoUpdateCache: true,
	})
	if err != nil {
		slog.Error("Unable to query report logs", "error", err, "report_id", report.ID)
		writeError(w, http.StatusInternalServerError, "internal_error", "DB Error")
		return
	}

	deleted, err := a.Reports.Delete(ctx, report)
	if err != nil {
		slog.Error("Unable to delete report", "error", err, "report_id", report.ID)
		writeStoreError(w, err)
		return
	}
	for _, l := range logs {
		if _, err := a.Logs.Delete(ctx, l); err != nil {
			slog.Error("Unable to delete report log", "error", err, "report_id", report.ID, "log_id", l.ID)
			writeStoreError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, struct {
		Deleted     bool         `json:"deleted"`
		Previous    store.Report `json:"previous"`
		DeletedLogs int          `json:"deleted_logs"`
	}{true, deleted, len(logs)})
}

func (a *API) listReportLogs(w http.ResponseWriter, r *http.Request) {
	report, ok := a.loadReport(w, r)
	if !ok {
		return
	}
	vars, err := parseLogQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", err.Error())
		return
	}
	vars.ReportID = report.ID
	a.runLogQuery(w, r, vars)
}

func (a *API) listLogs(w http.ResponseWriter, r *http.Request) {
	vars, err := parseLogQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", err.Error())
		return
	}
	a.runLogQuery(w, r, vars)
}

func (a *API) runLogQuery(w http.ResponseWriter, r *http.Request, vars store.LogQueryVars) {
	q := a.Logs.NewQuery(vars)
	res, err := q.Results(r.Context())
	if err != nil {
		slog.Error("Unable to query report logs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "DB Error")
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(res, q.Vars().Fields))
}

// loadReport resolves the {reportID} URL parameter, writing the error
// response itself when it cannot.
func (a *API) loadReport(w http.ResponseWriter, r *http.Request) (store.Report, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "reportID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_param", "Invalid report ID.")
		return store.Report{}, false
	}
	report, found, err := a.Reports.Get(r.Context(), id)
	if err != nil {
		slog.Error("Unable to load report", "error", err, "report_id", id)
		writeError(w, http.StatusInternalServerError, "internal_error", "DB Error")
		return store.Report{}, false
	}
	if !found {
		writeError(w, http.StatusNotFound, "report_not_exists", "Report not found.")
		return store.Report{}, false
	}
	return report, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Unable to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Errors: []errorBody{{Code: code, Message: msg}}})
}

func writeStoreError(w http.ResponseWriter, err error) {
	ee := entryError(0, err)
	status := ee.Status
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeError(w, status, ee.Code, ee.Message)
}

// Query string parsing.  List parameters may be repeated or comma
// separated: ?type=csp&type=crash or ?type=csp,crash.

// defaultPageSize applies when a listing has no number parameter.
// number=0 asks for every match.
const defaultPageSize = 10

// queryCommon holds the parameters shared by report and log queries.
type queryCommon struct {
	include, exclude []int64
	number, offset   int
	noFoundRows      bool
	orderBy          []store.OrderBy
	order            string
	url, userAgent   []string
	dateQuery        []store.DateClause
	search           string
	fields           store.Fields
}

func parseCommon(q url.Values) (queryCommon, error) {
	var (
		c   queryCommon
		err error
	)
	if c.include, err = intList(q, "include"); err != nil {
		return c, err
	}
	if c.exclude, err = intList(q, "exclude"); err != nil {
		return c, err
	}
	c.number = defaultPageSize
	if q.Has("number") {
		if c.number, err = intParam(q, "number"); err != nil {
			return c, err
		}
	}
	if c.offset, err = intParam(q, "offset"); err != nil {
		return c, err
	}
	if s := q.Get("no_found_rows"); s != "" {
		if c.noFoundRows, err = strconv.ParseBool(s); err != nil {
			return c, fmt.Errorf("no_found_rows: %w", err)
		}
	}
	for _, key := range stringList(q, "orderby") {
		k, dir, _ := strings.Cut(key, ":")
		c.orderBy = append(c.orderBy, store.OrderBy{Key: k, Order: dir})
	}
	c.order = q.Get("order")
	c.url = stringList(q, "url")
	c.userAgent = stringList(q, "user_agent")
	c.search = q.Get("search")

	switch f := store.Fields(q.Get("fields")); f {
	case "", store.FieldsAll, store.FieldsIDs, store.FieldsCount:
		c.fields = f
	default:
		return c, fmt.Errorf("fields: must be one of all, ids or count")
	}

	if c.dateQuery, err = parseDateQuery(q); err != nil {
		return c, err
	}
	return c, nil
}

// parseDateQuery reads a single date clause from after, before,
// date_column and inclusive.
func parseDateQuery(q url.Values) ([]store.DateClause, error) {
	var (
		dc  store.DateClause
		err error
	)
	if s := q.Get("after"); s != "" {
		if dc.After, err = time.Parse(time.RFC3339, s); err != nil {
			return nil, fmt.Errorf("after: %w", err)
		}
	}
	if s := q.Get("before"); s != "" {
		if dc.Before, err = time.Parse(time.RFC3339, s); err != nil {
			return nil, fmt.Errorf("before: %w", err)
		}
	}
	if dc.After.IsZero() && dc.Before.IsZero() {
		return nil, nil
	}
	dc.Column = q.Get("date_column")
	if s := q.Get("inclusive"); s != "" {
		if dc.Inclusive, err = strconv.ParseBool(s); err != nil {
			return nil, fmt.Errorf("inclusive: %w", err)
		}
	}
	return []store.DateClause{dc}, nil
}

func parseReportQuery(q url.Values) (store.ReportQueryVars, error) {
	c, err := parseCommon(q)
	if err != nil {
		return store.ReportQueryVars{}, err
	}
	return store.ReportQueryVars{
		Include:     c.include,
		Exclude:     c.exclude,
		Number:      c.number,
		Offset:      c.offset,
		NoFoundRows: c.noFoundRows,
		OrderBy:     c.orderBy,
		Order:       c.order,
		Type:        stringList(q, "type"),
		Body:        q["body"],
		URL:         c.url,
		UserAgent:   c.userAgent,
		DateQuery:   c.dateQuery,
		Search:      c.search,
		Fields:      c.fields,
	}, nil
}

func parseLogQuery(q url.Values) (store.LogQueryVars, error) {
	c, err := parseCommon(q)
	if err != nil {
		return store.LogQueryVars{}, err
	}
	vars := store.LogQueryVars{
		Include:     c.include,
		Exclude:     c.exclude,
		Number:      c.number,
		Offset:      c.offset,
		NoFoundRows: c.noFoundRows,
		OrderBy:     c.orderBy,
		Order:       c.order,
		URL:         c.url,
		UserAgent:   c.userAgent,
		DateQuery:   c.dateQuery,
		Search:      c.search,
		Fields:      c.fields,
	}
	if s := q.Get("report_id"); s != "" {
		if vars.ReportID, err = strconv.ParseInt(s, 10, 64); err != nil {
			return vars, fmt.Errorf("report_id: %w", err)
		}
	}
	return vars, nil
}

// stringList splits a repeated or comma separated parameter.  Bodies
// are JSON and may contain commas, so they are never split.
func stringList(q url.Values, key string) []string {
	var out []string
	for _, v := range q[key] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func intList(q url.Values, key string) ([]int64, error) {
	var out []int64
	for _, s := range stringList(q, key) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func intParam(q url.Values, key string) (int, error) {
	s := q.Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
