package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportLogNormalize(t *testing.T) {
	now := ts("2024-05-05T05:05:05Z")

	tests := []struct {
		name string
		in   ReportLog
		want ReportLog
	}{
		{
			name: "both missing",
			in:   ReportLog{URL: "https://a.example"},
			want: ReportLog{URL: "https://a.example/", Triggered: now, Reported: now},
		},
		{
			name: "reported missing",
			in:   ReportLog{URL: "https://a.example//", Triggered: ts("2024-01-01T00:00:00Z")},
			want: ReportLog{URL: "https://a.example/", Triggered: ts("2024-01-01T00:00:00Z"), Reported: ts("2024-01-01T00:00:00Z")},
		},
		{
			name: "triggered missing",
			in:   ReportLog{URL: `https://a.example/x\`, Reported: ts("2024-01-01T00:00:00Z")},
			want: ReportLog{URL: "https://a.example/x/", Triggered: ts("2024-01-01T00:00:00Z"), Reported: ts("2024-01-01T00:00:00Z")},
		},
		{
			name: "sub-second precision dropped",
			in: ReportLog{
				Triggered: time.Date(2024, 1, 1, 1, 0, 0, 999, time.FixedZone("X", 3600)),
				Reported:  time.Date(2024, 1, 1, 0, 0, 1, 500_000_000, time.UTC),
			},
			want: ReportLog{Triggered: ts("2024-01-01T00:00:00Z"), Reported: ts("2024-01-01T00:00:01Z")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.normalize(now)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("normalize mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReportLogs_InsertGet(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	r := s.addReport(t, "csp", `{"a":1}`)

	s.logs.Now = func() time.Time { return ts("2024-05-05T05:05:05Z") }
	l, err := s.logs.Insert(ctx, ReportLog{ReportID: r.ID, URL: "https://a.example", UserAgent: "UA"})
	require.NoError(t, err)

	got, found, err := s.logs.Get(ctx, l.ID)
	require.NoError(t, err)
	require.True(t, found)
	want := ReportLog{
		ID:        l.ID,
		ReportID:  r.ID,
		URL:       "https://a.example/",
		UserAgent: "UA",
		Triggered: ts("2024-05-05T05:05:05Z"),
		Reported:  ts("2024-05-05T05:05:05Z"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReportLog mismatch (-want +got):\n%s", diff)
	}
}

func TestReportLogs_InsertWithoutReport(t *testing.T) {
	s := newTestStores(t)

	_, err := s.logs.Insert(context.Background(), ReportLog{URL: "https://a.example/"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "report_log_missing_report", serr.Code)
}

func TestReportLogs_UpdateMovesAggregates(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	r1 := s.addReport(t, "csp", `{"a":1}`)
	r2 := s.addReport(t, "csp", `{"a":2}`)
	now := ts("2024-01-01T10:00:00Z")
	l := s.addLog(t, r1.ID, "https://a.example/", "UA", now, now)

	data, err := s.reports.LogData(ctx, r1.ID)
	require.NoError(t, err)
	require.Equal(t, 1, data.Count)

	l.ReportID = r2.ID
	_, err = s.logs.Update(ctx, l)
	require.NoError(t, err)

	data, err = s.reports.LogData(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, data.Count)
	data, err = s.reports.LogData(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, data.Count)

	_, err = s.logs.Update(ctx, ReportLog{ReportID: r1.ID})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReportLogs_Delete(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	r := s.addReport(t, "csp", `{"a":1}`)
	now := ts("2024-01-01T10:00:00Z")
	l := s.addLog(t, r.ID, "https://a.example/", "UA", now, now)

	snapshot, err := s.logs.Delete(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snapshot.ID)
	assert.Equal(t, r.ID, snapshot.ReportID)

	_, found, err := s.logs.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.False(t, found)

	n, err := s.logs.Count(ctx, LogQueryVars{ReportID: r.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
