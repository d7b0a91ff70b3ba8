package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/scottlaird/report-collector/cache"
)

var reportLogColumns = []string{"id", "report_id", "url", "user_agent", "triggered", "reported"}

// ReportLogs stores report occurrences.  Every mutation also
// invalidates the aggregated log data of the owning report.
type ReportLogs struct {
	db      *DB
	cache   *cache.Group
	reports *Reports

	// Now supplies the fallback timestamp for logs stored without
	// any.  Defaults to time.Now.
	Now func() time.Time
}

// NewReportLogs creates a report log store.
func NewReportLogs(db *DB, c *cache.Group, reports *Reports) *ReportLogs {
	return &ReportLogs{db: db, cache: c, reports: reports, Now: time.Now}
}

// Query returns the logs matching vars.  Found-row counting is
// always skipped.
func (rl *ReportLogs) Query(ctx context.Context, vars LogQueryVars) ([]ReportLog, error) {
	vars.Fields = FieldsAll
	vars.NoFoundRows = true
	res, err := rl.NewQuery(vars).Results(ctx)
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// Count returns the number of logs matching vars.
func (rl *ReportLogs) Count(ctx context.Context, vars LogQueryVars) (int, error) {
	vars.Fields = FieldsCount
	vars.NoFoundRows = true
	res, err := rl.NewQuery(vars).Results(ctx)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// NewQuery returns a log query without running it.
func (rl *ReportLogs) NewQuery(vars LogQueryVars) *LogQuery {
	return &LogQuery{logs: rl, vars: vars.withDefaults()}
}

// ForReport queries the logs of a single report.
func (rl *ReportLogs) ForReport(ctx context.Context, reportID int64, vars LogQueryVars) ([]ReportLog, error) {
	if reportID <= 0 {
		return nil, nil
	}
	vars.ReportID = reportID
	return rl.Query(ctx, vars)
}

// Report returns the report a log belongs to.
func (rl *ReportLogs) Report(ctx context.Context, l ReportLog) (Report, bool, error) {
	if l.ReportID <= 0 {
		return Report{}, false, nil
	}
	return rl.reports.Get(ctx, l.ReportID)
}

// Get returns the log with the given id.  A missing log is reported
// with found == false and a nil error.
func (rl *ReportLogs) Get(ctx context.Context, id int64) (ReportLog, bool, error) {
	if id <= 0 {
		return ReportLog{}, false, nil
	}

	key := strconv.FormatInt(id, 10)
	if v, ok := rl.cache.Get(key); ok {
		if l, ok := v.(ReportLog); ok {
			return l, true, nil
		}
	}

	query, args, err := rl.db.sb.Select(reportLogColumns...).From(reportLogsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return ReportLog{}, false, err
	}
	l, err := scanReportLog(rl.db.pool.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ReportLog{}, false, nil
	}
	if err != nil {
		return ReportLog{}, false, err
	}

	rl.cache.Add(key, l)
	return l, true, nil
}

// Insert stores a new log and returns it with its assigned id.
func (rl *ReportLogs) Insert(ctx context.Context, l ReportLog) (ReportLog, error) {
	if l.ID > 0 {
		return ReportLog{}, newError(ErrAlreadyExists, "report_log_already_exists", "Cannot insert an existing report log.", nil)
	}
	if l.ReportID <= 0 {
		return ReportLog{}, newError(ErrValidation, "report_log_missing_report", "Cannot insert a report log without a report.", nil)
	}

	l = l.normalize(rl.Now())
	id, err := rl.db.insert(ctx, rl.db.sb.Insert(reportLogsTable).
		Columns("report_id", "url", "user_agent", "triggered", "reported").
		Values(l.ReportID, l.URL, l.UserAgent, l.Triggered, l.Reported))
	if err != nil {
		return ReportLog{}, newError(ErrStorage, "report_log_insertion_failed", "Cannot insert report log due to an internal error.", err)
	}

	rl.CleanCache(id)
	rl.reports.CleanCache(l.ReportID)

	inserted, found, err := rl.Get(ctx, id)
	if err != nil || !found {
		return ReportLog{}, newError(ErrStorage, "report_log_insertion_failed", "Cannot insert report log due to an internal error.", err)
	}
	return inserted, nil
}

// Update overwrites an existing log.
func (rl *ReportLogs) Update(ctx context.Context, l ReportLog) (ReportLog, error) {
	if l.ID <= 0 {
		return ReportLog{}, newError(ErrNotFound, "report_log_not_exists", "Cannot update a non-existing report log.", nil)
	}
	if l.ReportID <= 0 {
		return ReportLog{}, newError(ErrValidation, "report_log_missing_report", "Cannot update a report log without a report.", nil)
	}

	// The log may move to another report; both aggregates go stale.
	previous, _, err := rl.Get(ctx, l.ID)
	if err != nil {
		return ReportLog{}, newError(ErrStorage, "report_log_update_failed", "Cannot update report log due to an internal error.", err)
	}

	l = l.normalize(rl.Now())
	_, err = rl.db.exec(ctx, rl.db.sb.Update(reportLogsTable).
		Set("report_id", l.ReportID).
		Set("url", l.URL).
		Set("user_agent", l.UserAgent).
		Set("triggered", l.Triggered).
		Set("reported", l.Reported).
		Where(sq.Eq{"id": l.ID}))
	if err != nil {
		return ReportLog{}, newError(ErrStorage, "report_log_update_failed", "Cannot update report log due to an internal error.", err)
	}

	rl.CleanCache(l.ID)
	rl.reports.CleanCache(l.ReportID)
	if previous.ReportID > 0 && previous.ReportID != l.ReportID {
		rl.reports.CleanCache(previous.ReportID)
	}

	updated, found, err := rl.Get(ctx, l.ID)
	if err != nil {
		return ReportLog{}, newError(ErrStorage, "report_log_update_failed", "Cannot update report log due to an internal error.", err)
	}
	if !found {
		return ReportLog{}, newError(ErrNotFound, "report_log_not_exists", "Cannot update a non-existing report log.", nil)
	}
	return updated, nil
}

// Delete removes a log.  The returned snapshot is built from the
// argument, not re-read, and carries no id.
func (rl *ReportLogs) Delete(ctx context.Context, l ReportLog) (ReportLog, error) {
	if l.ID <= 0 {
		return ReportLog{}, newError(ErrNotFound, "report_log_not_exists", "Cannot delete a non-existing report log.", nil)
	}

	_, err := rl.db.exec(ctx, rl.db.sb.Delete(reportLogsTable).Where(sq.Eq{"id": l.ID}))
	if err != nil {
		return ReportLog{}, newError(ErrStorage, "report_log_deletion_failed", "Cannot delete report log due to an internal error.", err)
	}

	rl.CleanCache(l.ID)
	rl.reports.CleanCache(l.ReportID)

	l = l.normalize(rl.Now())
	l.ID = 0
	return l, nil
}

// CleanCache drops the cached row for a log and invalidates every
// cached log query.
func (rl *ReportLogs) CleanCache(id int64) {
	rl.cache.Delete(strconv.FormatInt(id, 10))
	rl.cache.Bump()
}

func (rl *ReportLogs) primeCaches(ctx context.Context, ids []int64) error {
	var missing []int64
	for _, id := range ids {
		if _, ok := rl.cache.Get(strconv.FormatInt(id, 10)); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	query, args, err := rl.db.sb.Select(reportLogColumns...).From(reportLogsTable).Where(sq.Eq{"id": missing}).ToSql()
	if err != nil {
		return err
	}
	rows, err := rl.db.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		l, err := scanReportLog(rows)
		if err != nil {
			return err
		}
		rl.cache.Add(strconv.FormatInt(l.ID, 10), l)
	}
	return rows.Err()
}

func scanReportLog(row rowScanner) (ReportLog, error) {
	var (
		l                   ReportLog
		triggered, reported dbTime
	)
	if err := row.Scan(&l.ID, &l.ReportID, &l.URL, &l.UserAgent, &triggered, &reported); err != nil {
		return ReportLog{}, err
	}
	l.Triggered = triggered.Time
	l.Reported = reported.Time
	return l, nil
}
