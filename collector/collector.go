// Package collector receives browser reports sent through the
// Reporting API, deduplicates them into the report store and records
// every occurrence as a report log.
package collector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/scottlaird/report-collector/store"
)

var tracer = otel.Tracer("github.com/scottlaird/report-collector/collector")

// ReportStore is the part of *store.Reports the ingester needs.
type ReportStore interface {
	Query(context.Context, store.ReportQueryVars) ([]store.Report, error)
	Insert(context.Context, store.Report) (store.Report, error)
}

// LogStore is the part of *store.ReportLogs the ingester needs.
type LogStore interface {
	Insert(context.Context, store.ReportLog) (store.ReportLog, error)
}

// Batch is one delivery of reports.
type Batch struct {
	// ContentType is the media type the batch was sent as, after
	// the csp-report polyfill.
	ContentType string
	Entries     []Entry
}

// Ingester stores batches of report entries.
type Ingester struct {
	Reports ReportStore
	Logs    LogStore

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewIngester creates an Ingester writing to the given stores.
func NewIngester(reports ReportStore, logs LogStore) *Ingester {
	return &Ingester{Reports: reports, Logs: logs, Now: time.Now}
}

// Ingest stores every entry of a batch and returns the ids of the new
// report logs, in entry order.
//
// Entries are independent: a failing entry does not stop the others,
// and nothing is rolled back.  If any entry failed, Ingest returns a
// *BatchError and no ids.
func (in *Ingester) Ingest(ctx context.Context, b Batch) ([]int64, error) {
	ctx, span := tracer.Start(ctx, "collector.ingest")
	defer span.End()
	span.SetAttributes(attribute.Int("entries", len(b.Entries)))

	if MediaType(b.ContentType) != ContentTypeReports {
		span.SetStatus(codes.Error, "invalid content type")
		return nil, ErrInvalidContentType
	}

	now := in.Now().UTC().Truncate(time.Second)

	known, err := in.prefetch(ctx, b.Entries)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prefetch failed")
		return nil, err
	}

	var (
		ids  []int64
		errs []*EntryError
	)
	for i, e := range b.Entries {
		if store.IsEmptyBody(e.Body) {
			errs = append(errs, &EntryError{
				Index:   i,
				Code:    "empty_report_body",
				Message: "Empty report body.",
				Status:  http.StatusBadRequest,
			})
			continue
		}
		body, err := store.NormalizeBody(e.Body)
		if err != nil {
			errs = append(errs, &EntryError{
				Index:   i,
				Code:    "invalid_report_body",
				Message: "Invalid report body.",
				Status:  http.StatusBadRequest,
				Err:     err,
			})
			continue
		}

		key := store.DedupKey(e.Type, body)
		report, ok := known[key]
		if !ok {
			report, err = in.Reports.Insert(ctx, store.Report{Type: e.Type, Body: body})
			if err != nil {
				errs = append(errs, entryError(i, err))
				continue
			}
			reportsCreated.Inc()
			known[report.Key()] = report
		}

		l, err := in.Logs.Insert(ctx, store.ReportLog{
			ReportID:  report.ID,
			URL:       e.URL,
			UserAgent: e.UserAgent,
			Triggered: now.Add(-time.Duration(e.Age) * time.Millisecond).Truncate(time.Second),
			Reported:  now,
		})
		if err != nil {
			errs = append(errs, entryError(i, err))
			continue
		}
		logsCreated.Inc()
		ids = append(ids, l.ID)
	}

	if len(errs) > 0 {
		for _, ee := range errs {
			entryErrors.WithLabelValues(ee.Code).Inc()
		}
		berr := &BatchError{Errors: errs}
		span.RecordError(berr)
		span.SetStatus(codes.Error, "entries failed")
		return nil, berr
	}

	span.SetStatus(codes.Ok, "")
	return ids, nil
}

// prefetch loads, in one query, the stored reports whose body matches
// one in the batch, keyed by their dedup key.
func (in *Ingester) prefetch(ctx context.Context, entries []Entry) (map[string]store.Report, error) {
	known := make(map[string]store.Report)

	seen := make(map[string]bool)
	var bodies []string
	for _, e := range entries {
		if store.IsEmptyBody(e.Body) {
			continue
		}
		body, err := store.NormalizeBody(e.Body)
		if err != nil || seen[string(body)] {
			continue
		}
		seen[string(body)] = true
		bodies = append(bodies, string(body))
	}
	if len(bodies) == 0 {
		return known, nil
	}

	// Ordering would join the log table for nothing.
	reports, err := in.Reports.Query(ctx, store.ReportQueryVars{
		Body:    bodies,
		OrderBy: []store.OrderBy{{Key: store.OrderByNone}},
	})
	if err != nil {
		return nil, fmt.Errorf("looking up existing reports: %w", err)
	}
	for _, r := range reports {
		known[r.Key()] = r
	}
	return known, nil
}
