package store

import (
	"context"
	"sort"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// LogData is the rollup of a report's logs.
type LogData struct {
	Count          int       `json:"count"`
	URLs           []string  `json:"urls"`
	UserAgents     []string  `json:"user_agents"`
	FirstTriggered time.Time `json:"first_triggered"`
	LastTriggered  time.Time `json:"last_triggered"`
	FirstReported  time.Time `json:"first_reported"`
	LastReported   time.Time `json:"last_reported"`
}

func emptyLogData() LogData {
	return LogData{URLs: []string{}, UserAgents: []string{}}
}

func logDataKey(reportID int64) string {
	return strconv.FormatInt(reportID, 10) + "_log_data"
}

// LogData returns the aggregated log data of a report.  A report
// without logs, or an unsaved one, yields the zero rollup.
func (r *Reports) LogData(ctx context.Context, reportID int64) (LogData, error) {
	if reportID <= 0 {
		return emptyLogData(), nil
	}
	if v, ok := r.cache.Get(logDataKey(reportID)); ok {
		if data, ok := v.(LogData); ok {
			return data, nil
		}
	}

	datasets, err := r.fetchLogData(ctx, []int64{reportID})
	if err != nil {
		return LogData{}, err
	}
	data := datasets[reportID]
	r.cache.Add(logDataKey(reportID), data)
	return data, nil
}

// primeLogData computes and caches the log data of every report in
// ids that has none cached, with three queries in total.
func (r *Reports) primeLogData(ctx context.Context, ids []int64) error {
	var missing []int64
	for _, id := range ids {
		if _, ok := r.cache.Get(logDataKey(id)); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	datasets, err := r.fetchLogData(ctx, missing)
	if err != nil {
		return err
	}
	for id, data := range datasets {
		r.cache.Add(logDataKey(id), data)
	}
	return nil
}

// fetchLogData aggregates the logs of the given reports.  Every
// requested id is present in the result.
func (r *Reports) fetchLogData(ctx context.Context, ids []int64) (map[int64]LogData, error) {
	datasets := make(map[int64]LogData, len(ids))
	for _, id := range ids {
		datasets[id] = emptyLogData()
	}

	query, args, err := r.db.sb.
		Select("report_id", "COUNT(*)", "MIN(triggered)", "MAX(triggered)", "MIN(reported)", "MAX(reported)").
		From(reportLogsTable).
		Where(sq.Eq{"report_id": ids}).
		GroupBy("report_id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			id                               int64
			count                            int
			firstT, lastT, firstRep, lastRep dbTime
		)
		if err := rows.Scan(&id, &count, &firstT, &lastT, &firstRep, &lastRep); err != nil {
			rows.Close()
			return nil, err
		}
		data := datasets[id]
		data.Count = count
		data.FirstTriggered = firstT.Time
		data.LastTriggered = lastT.Time
		data.FirstReported = firstRep.Time
		data.LastReported = lastRep.Time
		datasets[id] = data
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.collectDistinct(ctx, ids, "url", func(id int64, v string) {
		data := datasets[id]
		data.URLs = append(data.URLs, v)
		datasets[id] = data
	}); err != nil {
		return nil, err
	}
	if err := r.collectDistinct(ctx, ids, "user_agent", func(id int64, v string) {
		data := datasets[id]
		data.UserAgents = append(data.UserAgents, v)
		datasets[id] = data
	}); err != nil {
		return nil, err
	}

	for id, data := range datasets {
		sort.Strings(data.URLs)
		sort.Strings(data.UserAgents)
		datasets[id] = data
	}
	return datasets, nil
}

// collectDistinct calls add for every distinct (report_id, column)
// pair among the logs of ids.
func (r *Reports) collectDistinct(ctx context.Context, ids []int64, column string, add func(int64, string)) error {
	query, args, err := r.db.sb.
		Select("report_id", column).
		From(reportLogsTable).
		Where(sq.Eq{"report_id": ids}).
		GroupBy("report_id", column).
		ToSql()
	if err != nil {
		return err
	}
	rows, err := r.db.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int64
			value string
		)
		if err := rows.Scan(&id, &value); err != nil {
			return err
		}
		add(id, value)
	}
	return rows.Err()
}
