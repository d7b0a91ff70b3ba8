package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	sq "github.com/Masterminds/squirrel"

	"github.com/scottlaird/report-collector/cache"
)

const (
	reportsTable    = "reports"
	reportLogsTable = "report_logs"
)

// Reports stores report fingerprints.
type Reports struct {
	db    *DB
	cache *cache.Group
}

// NewReports creates a report store.  The cache group holds report
// rows, aggregated log data and query results.
func NewReports(db *DB, c *cache.Group) *Reports {
	return &Reports{db: db, cache: c}
}

// Query returns the reports matching vars.  Found-row counting is
// always skipped.
func (r *Reports) Query(ctx context.Context, vars ReportQueryVars) ([]Report, error) {
	vars.Fields = FieldsAll
	vars.NoFoundRows = true
	res, err := r.NewQuery(vars).Results(ctx)
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// Count returns the number of reports matching vars.
func (r *Reports) Count(ctx context.Context, vars ReportQueryVars) (int, error) {
	vars.Fields = FieldsCount
	vars.NoFoundRows = true
	res, err := r.NewQuery(vars).Results(ctx)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// NewQuery returns a report query without running it.
func (r *Reports) NewQuery(vars ReportQueryVars) *ReportQuery {
	return &ReportQuery{reports: r, vars: vars.withDefaults()}
}

// Get returns the report with the given id.  A missing report is
// reported with found == false and a nil error.
func (r *Reports) Get(ctx context.Context, id int64) (Report, bool, error) {
	if id <= 0 {
		return Report{}, false, nil
	}

	key := strconv.FormatInt(id, 10)
	if v, ok := r.cache.Get(key); ok {
		if report, ok := v.(Report); ok {
			return report, true, nil
		}
	}

	query, args, err := r.db.sb.Select("id", "type", "body").From(reportsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Report{}, false, err
	}
	report, err := scanReport(r.db.pool.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, err
	}

	r.cache.Add(key, report)
	return report, true, nil
}

// Insert stores a new report and returns it with its assigned id.
func (r *Reports) Insert(ctx context.Context, report Report) (Report, error) {
	if report.ID > 0 {
		return Report{}, newError(ErrAlreadyExists, "report_already_exists", "Cannot insert an existing report.", nil)
	}

	body, err := NormalizeBody(report.Body)
	if err != nil {
		return Report{}, newError(ErrValidation, "report_invalid_body", "Cannot insert report with an invalid body.", err)
	}

	id, err := r.db.insert(ctx, r.db.sb.Insert(reportsTable).
		Columns("type", "body").
		Values(report.Type, string(body)))
	if err != nil {
		return Report{}, newError(ErrStorage, "report_insertion_failed", "Cannot insert report due to an internal error.", err)
	}

	r.CleanCache(id)

	inserted, found, err := r.Get(ctx, id)
	if err != nil || !found {
		return Report{}, newError(ErrStorage, "report_insertion_failed", "Cannot insert report due to an internal error.", err)
	}
	return inserted, nil
}

// Update overwrites the type and body of an existing report.
func (r *Reports) Update(ctx context.Context, report Report) (Report, error) {
	if report.ID <= 0 {
		return Report{}, newError(ErrNotFound, "report_not_exists", "Cannot update a non-existing report.", nil)
	}

	body, err := NormalizeBody(report.Body)
	if err != nil {
		return Report{}, newError(ErrValidation, "report_invalid_body", "Cannot update report with an invalid body.", err)
	}

	_, err = r.db.exec(ctx, r.db.sb.Update(reportsTable).
		Set("type", report.Type).
		Set("body", string(body)).
		Where(sq.Eq{"id": report.ID}))
	if err != nil {
		return Report{}, newError(ErrStorage, "report_update_failed", "Cannot update report due to an internal error.", err)
	}

	r.CleanCache(report.ID)

	updated, found, err := r.Get(ctx, report.ID)
	if err != nil {
		return Report{}, newError(ErrStorage, "report_update_failed", "Cannot update report due to an internal error.", err)
	}
	if !found {
		return Report{}, newError(ErrNotFound, "report_not_exists", "Cannot update a non-existing report.", nil)
	}
	return updated, nil
}

// Delete removes a report.  Its logs are left alone; removing them
// is up to the caller.  The returned snapshot is built from the
// argument, not re-read, and carries no id.
func (r *Reports) Delete(ctx context.Context, report Report) (Report, error) {
	if report.ID <= 0 {
		return Report{}, newError(ErrNotFound, "report_not_exists", "Cannot delete a non-existing report.", nil)
	}

	_, err := r.db.exec(ctx, r.db.sb.Delete(reportsTable).Where(sq.Eq{"id": report.ID}))
	if err != nil {
		return Report{}, newError(ErrStorage, "report_deletion_failed", "Cannot delete report due to an internal error.", err)
	}

	r.CleanCache(report.ID)

	body, err := NormalizeBody(report.Body)
	if err != nil {
		body = report.Body
	}
	return Report{Type: report.Type, Body: body}, nil
}

// CleanCache drops the cached row and log data for a report and
// invalidates every cached report query.
func (r *Reports) CleanCache(id int64) {
	key := strconv.FormatInt(id, 10)
	r.cache.Delete(key)
	r.cache.Delete(logDataKey(id))
	r.cache.Bump()
}

// primeCaches loads every report in ids that is not cached yet with a
// single query.
func (r *Reports) primeCaches(ctx context.Context, ids []int64) error {
	var missing []int64
	for _, id := range ids {
		if _, ok := r.cache.Get(strconv.FormatInt(id, 10)); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	query, args, err := r.db.sb.Select("id", "type", "body").From(reportsTable).Where(sq.Eq{"id": missing}).ToSql()
	if err != nil {
		return err
	}
	rows, err := r.db.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return err
		}
		r.cache.Add(strconv.FormatInt(report.ID, 10), report)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (Report, error) {
	var (
		report Report
		body   []byte
	)
	if err := row.Scan(&report.ID, &report.Type, &body); err != nil {
		return Report{}, err
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	report.Body = body
	return report, nil
}
