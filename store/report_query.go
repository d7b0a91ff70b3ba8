package store

import (
	"context"
	"slices"

	sq "github.com/Masterminds/squirrel"
)

// ReportQueryVars configures a report query.  The zero value matches
// every report, without a limit, most recently reported first.
type ReportQueryVars struct {
	Include []int64 `json:"include,omitempty"`
	Exclude []int64 `json:"exclude,omitempty"`

	// Number is the page size; 0 means no limit.
	Number int `json:"number,omitempty"`
	Offset int `json:"offset,omitempty"`
	// NoFoundRows skips counting the total number of matches.
	NoFoundRows bool `json:"no_found_rows,omitempty"`

	// OrderBy accepts id, type, triggered, reported, first_triggered,
	// last_triggered, first_reported, last_reported, include and none.
	// Defaults to reported.
	OrderBy []OrderBy `json:"orderby,omitempty"`
	// Order is ASC or DESC (default).
	Order string `json:"order,omitempty"`

	Type []string `json:"type,omitempty"`
	// Body matches normalized JSON bodies exactly.
	Body      []string     `json:"body,omitempty"`
	URL       []string     `json:"url,omitempty"`
	UserAgent []string     `json:"user_agent,omitempty"`
	DateQuery []DateClause `json:"date_query,omitempty"`
	Search    string       `json:"search,omitempty"`

	Fields Fields `json:"fields,omitempty"`

	NoUpdateCache        bool `json:"-"`
	NoUpdateLogDataCache bool `json:"-"`
}

func (v ReportQueryVars) withDefaults() ReportQueryVars {
	if v.Number < 0 {
		v.Number = 0
	}
	if v.Offset < 0 {
		v.Offset = 0
	}
	v.Order = normalizeOrder(v.Order)
	if len(v.OrderBy) == 0 {
		v.OrderBy = []OrderBy{{Key: "reported"}}
	}
	if v.Fields == "" {
		v.Fields = FieldsAll
	}
	if v.Number == 0 || v.Fields == FieldsCount {
		v.NoFoundRows = true
	}
	v.Type = nonEmpty(v.Type)
	v.URL = nonEmpty(v.URL)
	v.UserAgent = nonEmpty(v.UserAgent)
	bodies := nonEmpty(v.Body)
	for i, b := range bodies {
		if n, err := NormalizeBody([]byte(b)); err == nil {
			bodies[i] = string(n)
		}
	}
	v.Body = bodies
	return v
}

// Columns a report can be sorted by.  Log timestamps are aggregated
// over the report's logs; the bare names sort by the latest one.
var reportOrderColumns = map[string]orderColumn{
	"id":              {expr: "reports.id"},
	"type":            {expr: "reports.type"},
	"triggered":       {expr: "MAX(l.triggered)", join: true},
	"reported":        {expr: "MAX(l.reported)", join: true},
	"first_triggered": {expr: "MIN(l.triggered)", join: true},
	"last_triggered":  {expr: "MAX(l.triggered)", join: true},
	"first_reported":  {expr: "MIN(l.reported)", join: true},
	"last_reported":   {expr: "MAX(l.reported)", join: true},
}

var reportDateColumns = map[string]string{
	"triggered": "l.triggered",
	"reported":  "l.reported",
}

// ReportQuery is a report query ready to run.
type ReportQuery struct {
	reports *Reports
	vars    ReportQueryVars
}

// Vars returns the query vars with defaults applied.
func (q *ReportQuery) Vars() ReportQueryVars {
	return q.vars
}

// Results runs the query.
func (q *ReportQuery) Results(ctx context.Context) (Result[Report], error) {
	var res Result[Report]

	cq, err := runQuery(ctx, q.reports.db, q.reports.cache, q.cacheShape(), pagination{
		Number:      q.vars.Number,
		Fields:      q.vars.Fields,
		NoFoundRows: q.vars.NoFoundRows,
	}, q.selectIDs, q.selectCount)
	if err != nil {
		return res, err
	}

	res.FoundResults = cq.Found
	res.MaxNumPages = maxNumPages(cq.Found, q.vars.Number)

	switch q.vars.Fields {
	case FieldsCount:
		res.Count = cq.Found
		return res, nil
	case FieldsIDs:
		res.IDs = slices.Clone(cq.IDs)
		return res, nil
	}

	res.IDs = slices.Clone(cq.IDs)
	if !q.vars.NoUpdateCache {
		if err := q.reports.primeCaches(ctx, cq.IDs); err != nil {
			return res, err
		}
	}
	if !q.vars.NoUpdateLogDataCache {
		if err := q.reports.primeLogData(ctx, cq.IDs); err != nil {
			return res, err
		}
	}
	res.Items, err = materialize(ctx, cq.IDs, q.reports.Get)
	return res, err
}

// cacheShape is what identifies the query in the cache.  Everything
// but a count returns the same ids, so those share one entry.
func (q *ReportQuery) cacheShape() ReportQueryVars {
	shape := q.vars
	if shape.Fields != FieldsCount {
		shape.Fields = FieldsAll
	}
	return shape
}

// where returns the predicates on the reports table, the predicates on
// the joined log table, and whether the join is needed at all.
func (q *ReportQuery) where() (sq.And, sq.And, bool) {
	v := q.vars
	var where, joined sq.And

	if len(v.Include) > 0 {
		where = append(where, sq.Eq{"reports.id": v.Include})
	}
	if len(v.Exclude) > 0 {
		where = append(where, sq.NotEq{"reports.id": v.Exclude})
	}
	if len(v.Type) > 0 {
		where = append(where, stringFilter("reports.type", v.Type))
	}
	if len(v.Body) > 0 {
		where = append(where, stringFilter("reports.body", v.Body))
	}
	if v.Search != "" {
		where = append(where, likeExpr("reports.body", likePattern(v.Search)))
	}

	if len(v.URL) > 0 {
		joined = append(joined, stringFilter("l.url", v.URL))
	}
	if len(v.UserAgent) > 0 {
		joined = append(joined, stringFilter("l.user_agent", v.UserAgent))
	}
	if len(v.DateQuery) > 0 {
		joined = append(joined, dateFilter(v.DateQuery, reportDateColumns)...)
	}

	return where, joined, len(joined) > 0
}

func (q *ReportQuery) orderBy() ([]string, bool) {
	return parseOrderBy(q.vars.OrderBy, q.vars.Order, reportOrderColumns, "reports.id", q.vars.Include)
}

// from joins the log table when filters need it.  A join required
// only by the sort is a left join, so reports without logs still match.
func (q *ReportQuery) from(b sq.SelectBuilder, filterJoin, orderJoin bool) sq.SelectBuilder {
	b = b.From(reportsTable)
	switch {
	case filterJoin:
		b = b.Join(reportLogsTable + " AS l ON reports.id = l.report_id")
	case orderJoin:
		b = b.LeftJoin(reportLogsTable + " AS l ON reports.id = l.report_id")
	}
	return b
}

func (q *ReportQuery) selectIDs() sq.SelectBuilder {
	where, joined, join := q.where()
	order, orderJoin := q.orderBy()

	b := q.from(q.reports.db.sb.Select("reports.id"), join, orderJoin)
	if len(where) > 0 {
		b = b.Where(where)
	}
	if len(joined) > 0 {
		b = b.Where(joined)
	}
	if join || orderJoin {
		b = b.GroupBy("reports.id")
	}
	if len(order) > 0 {
		b = b.OrderBy(order...)
	}
	if q.vars.Number > 0 {
		b = b.Limit(uint64(q.vars.Number))
		if q.vars.Offset > 0 {
			b = b.Offset(uint64(q.vars.Offset))
		}
	}
	return b
}

func (q *ReportQuery) selectCount() sq.SelectBuilder {
	where, joined, join := q.where()

	b := q.from(q.reports.db.sb.Select("COUNT(DISTINCT reports.id)"), join, false)
	if len(where) > 0 {
		b = b.Where(where)
	}
	if len(joined) > 0 {
		b = b.Where(joined)
	}
	return b
}
