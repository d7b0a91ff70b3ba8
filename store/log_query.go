package store

import (
	"context"
	"slices"

	sq "github.com/Masterminds/squirrel"
)

// LogQueryVars configures a report log query.  The zero value matches
// every log, without a limit, most recently reported first.
type LogQueryVars struct {
	Include []int64 `json:"include,omitempty"`
	Exclude []int64 `json:"exclude,omitempty"`

	Number      int  `json:"number,omitempty"`
	Offset      int  `json:"offset,omitempty"`
	NoFoundRows bool `json:"no_found_rows,omitempty"`

	// OrderBy accepts id, url, user_agent, triggered, reported, include
	// and none.  Defaults to reported.
	OrderBy []OrderBy `json:"orderby,omitempty"`
	Order   string    `json:"order,omitempty"`

	ReportID  int64        `json:"report_id,omitempty"`
	URL       []string     `json:"url,omitempty"`
	UserAgent []string     `json:"user_agent,omitempty"`
	DateQuery []DateClause `json:"date_query,omitempty"`
	// Search matches against url and user_agent.
	Search string `json:"search,omitempty"`

	Fields Fields `json:"fields,omitempty"`

	NoUpdateCache bool `json:"-"`
}

func (v LogQueryVars) withDefaults() LogQueryVars {
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
	v.URL = nonEmpty(v.URL)
	v.UserAgent = nonEmpty(v.UserAgent)
	return v
}

var logOrderColumns = map[string]orderColumn{
	"id":         {expr: "report_logs.id"},
	"url":        {expr: "report_logs.url"},
	"user_agent": {expr: "report_logs.user_agent"},
	"triggered":  {expr: "report_logs.triggered"},
	"reported":   {expr: "report_logs.reported"},
}

var logDateColumns = map[string]string{
	"triggered": "report_logs.triggered",
	"reported":  "report_logs.reported",
}

// LogQuery is a report log query ready to run.
type LogQuery struct {
	logs *ReportLogs
	vars LogQueryVars
}

// Vars returns the query vars with defaults applied.
func (q *LogQuery) Vars() LogQueryVars {
	return q.vars
}

// Results runs the query.
func (q *LogQuery) Results(ctx context.Context) (Result[ReportLog], error) {
	var res Result[ReportLog]

	shape := q.vars
	if shape.Fields != FieldsCount {
		shape.Fields = FieldsAll
	}
	cq, err := runQuery(ctx, q.logs.db, q.logs.cache, shape, pagination{
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
		if err := q.logs.primeCaches(ctx, cq.IDs); err != nil {
			return res, err
		}
	}
	res.Items, err = materialize(ctx, cq.IDs, q.logs.Get)
	return res, err
}

func (q *LogQuery) where() sq.And {
	v := q.vars
	var where sq.And

	if len(v.Include) > 0 {
		where = append(where, sq.Eq{"report_logs.id": v.Include})
	}
	if len(v.Exclude) > 0 {
		where = append(where, sq.NotEq{"report_logs.id": v.Exclude})
	}
	if v.ReportID > 0 {
		where = append(where, sq.Eq{"report_logs.report_id": v.ReportID})
	}
	if len(v.URL) > 0 {
		where = append(where, stringFilter("report_logs.url", v.URL))
	}
	if len(v.UserAgent) > 0 {
		where = append(where, stringFilter("report_logs.user_agent", v.UserAgent))
	}
	if v.Search != "" {
		like := likePattern(v.Search)
		where = append(where, sq.Or{
			likeExpr("report_logs.url", like),
			likeExpr("report_logs.user_agent", like),
		})
	}
	if len(v.DateQuery) > 0 {
		where = append(where, dateFilter(v.DateQuery, logDateColumns)...)
	}
	return where
}

func (q *LogQuery) selectIDs() sq.SelectBuilder {
	b := q.logs.db.sb.Select("report_logs.id").From(reportLogsTable)
	if where := q.where(); len(where) > 0 {
		b = b.Where(where)
	}
	order, _ := parseOrderBy(q.vars.OrderBy, q.vars.Order, logOrderColumns, "report_logs.id", q.vars.Include)
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

func (q *LogQuery) selectCount() sq.SelectBuilder {
	b := q.logs.db.sb.Select("COUNT(report_logs.id)").From(reportLogsTable)
	if where := q.where(); len(where) > 0 {
		b = b.Where(where)
	}
	return b
}
