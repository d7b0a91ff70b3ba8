package collector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scottlaird/report-collector/cache"
	"github.com/scottlaird/report-collector/store"
)

type testBackend struct {
	reports *store.Reports
	logs    *store.ReportLogs
}

// newTestBackend returns stores on a private, migrated in-memory
// SQLite database.
func newTestBackend(t *testing.T) *testBackend {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := store.Open(context.Background(), "sqlite3", "file:"+name+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.Pool().SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Migrate(db))

	reports := store.NewReports(db, cache.NewGroup("reports", time.Minute, time.Minute))
	logs := store.NewReportLogs(db, cache.NewGroup("report_logs", time.Minute, time.Minute), reports)
	return &testBackend{reports: reports, logs: logs}
}
