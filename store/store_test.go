package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scottlaird/report-collector/cache"
)

type testStores struct {
	db      *DB
	reports *Reports
	logs    *ReportLogs
}

// newTestStores migrates a private in-memory SQLite database.  A single
// connection keeps the shared-cache database alive and serializes
// access the way the stores expect.
func newTestStores(t *testing.T) *testStores {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	pool, err := sql.Open("sqlite3", "file:"+name+"?mode=memory&cache=shared")
	require.NoError(t, err)
	pool.SetMaxOpenConns(1)
	t.Cleanup(func() { pool.Close() })

	d, err := DialectFor("sqlite3")
	require.NoError(t, err)
	db := NewDB(pool, d)
	require.NoError(t, Migrate(db))

	reports := NewReports(db, cache.NewGroup("reports", time.Minute, time.Minute))
	logs := NewReportLogs(db, cache.NewGroup("report_logs", time.Minute, time.Minute), reports)
	return &testStores{db: db, reports: reports, logs: logs}
}

func (s *testStores) addReport(t *testing.T, typ, body string) Report {
	t.Helper()
	r, err := s.reports.Insert(context.Background(), Report{Type: typ, Body: json.RawMessage(body)})
	require.NoError(t, err)
	return r
}

func (s *testStores) addLog(t *testing.T, reportID int64, url, ua string, triggered, reported time.Time) ReportLog {
	t.Helper()
	l, err := s.logs.Insert(context.Background(), ReportLog{
		ReportID:  reportID,
		URL:       url,
		UserAgent: ua,
		Triggered: triggered,
		Reported:  reported,
	})
	require.NoError(t, err)
	return l
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}
