package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scottlaird/report-collector/cache"
)

var tracer = otel.Tracer("github.com/scottlaird/report-collector/store")

// Fields selects what a query returns.
type Fields string

const (
	FieldsAll   Fields = "all"   // full entities
	FieldsIDs   Fields = "ids"   // ids only
	FieldsCount Fields = "count" // number of matches only
)

// Special order keys.
const (
	OrderByNone    = "none"    // disables ordering
	OrderByInclude = "include" // keeps the order of the Include list
)

// OrderBy is one sort key.  An empty Order falls back to the query's
// Order.
type OrderBy struct {
	Key   string `json:"key"`
	Order string `json:"order,omitempty"`
}

// DateClause restricts a timestamp column to a range.  Zero bounds
// are open.
type DateClause struct {
	Column    string    `json:"column,omitempty"` // "triggered" or "reported" (default)
	After     time.Time `json:"after,omitempty"`
	Before    time.Time `json:"before,omitempty"`
	Inclusive bool      `json:"inclusive,omitempty"`
}

// Result holds the output of a query.  Which of Items, IDs and Count
// is populated depends on the Fields option.
type Result[T any] struct {
	Items []T
	IDs   []int64
	Count int

	// FoundResults is the number of matches ignoring pagination.
	FoundResults int
	// MaxNumPages is ceil(FoundResults / Number) when Number > 0.
	MaxNumPages int
}

// cachedQuery is what lands in the cache for a query shape.
type cachedQuery struct {
	IDs   []int64
	Found int
}

// pagination is the part of the query vars the engine needs.
type pagination struct {
	Number      int
	Fields      Fields
	NoFoundRows bool
}

// runQuery executes steps shared by report and log queries: look up
// the cached id list for this query shape, otherwise select ids (or
// count) and the found-row total and cache them.
func runQuery(ctx context.Context, db *DB, group *cache.Group, shape any, p pagination,
	selectIDs func() sq.SelectBuilder, selectCount func() sq.SelectBuilder) (cachedQuery, error) {

	ctx, span := tracer.Start(ctx, "store.query")
	defer span.End()

	key, err := queryCacheKey(shape)
	if err != nil {
		return cachedQuery{}, err
	}
	cacheKey := "query:" + key + ":" + group.LastChanged()
	span.SetAttributes(attribute.String("cache_group", group.Name()), attribute.String("fields", string(p.Fields)))

	if v, ok := group.Get(cacheKey); ok {
		if cq, ok := v.(cachedQuery); ok {
			queryCacheHits.WithLabelValues(group.Name()).Inc()
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return cq, nil
		}
	}
	queryCacheMisses.WithLabelValues(group.Name()).Inc()
	span.SetAttributes(attribute.Bool("cache_hit", false))

	var cq cachedQuery
	if p.Fields == FieldsCount {
		n, err := db.selectCount(ctx, selectCount())
		if err != nil {
			span.RecordError(err)
			return cachedQuery{}, fmt.Errorf("counting %s: %w", group.Name(), err)
		}
		cq.Found = n
	} else {
		ids, err := db.selectIDs(ctx, selectIDs())
		if err != nil {
			span.RecordError(err)
			return cachedQuery{}, fmt.Errorf("querying %s: %w", group.Name(), err)
		}
		cq.IDs = ids
		cq.Found = len(ids)
		if p.Number > 0 && !p.NoFoundRows {
			n, err := db.selectCount(ctx, selectCount())
			if err != nil {
				span.RecordError(err)
				return cachedQuery{}, fmt.Errorf("counting %s: %w", group.Name(), err)
			}
			cq.Found = n
		}
	}

	group.Add(cacheKey, cq)
	return cq, nil
}

// queryCacheKey hashes the normalized query vars.
func queryCacheKey(shape any) (string, error) {
	b, err := json.Marshal(shape)
	if err != nil {
		return "", fmt.Errorf("hashing query: %w", err)
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

func maxNumPages(found, number int) int {
	if found == 0 || number <= 0 {
		return 0
	}
	return (found + number - 1) / number
}

// materialize resolves ids into entities, dropping ids that vanished
// since the query ran.
func materialize[T any](ctx context.Context, ids []int64, get func(context.Context, int64) (T, bool, error)) ([]T, error) {
	items := make([]T, 0, len(ids))
	for _, id := range ids {
		item, found, err := get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func normalizeOrder(order string) string {
	if strings.EqualFold(order, "ASC") {
		return "ASC"
	}
	return "DESC"
}

// orderColumn maps a whitelisted sort key to an SQL expression.
type orderColumn struct {
	expr string
	// join is set when the expression reads the report_logs table.
	join bool
}

// parseOrderBy turns sort keys into ORDER BY expressions.  Unknown keys
// are dropped.  Unless the order is already unique, the id column in
// the direction of the last key is appended so pages never overlap.
// A leading "none" disables ordering.
func parseOrderBy(keys []OrderBy, order string, columns map[string]orderColumn, idColumn string, include []int64) (clauses []string, join bool) {
	if len(keys) > 0 && keys[0].Key == OrderByNone {
		return nil, false
	}

	unique := false
	lastDir := normalizeOrder(order)
	for _, k := range keys {
		if k.Key == OrderByInclude {
			if len(include) > 0 {
				clauses = append(clauses, includeOrder(idColumn, include))
				unique = true
			}
			continue
		}
		col, ok := columns[k.Key]
		if !ok {
			continue
		}
		dir := order
		if k.Order != "" {
			dir = k.Order
		}
		lastDir = normalizeOrder(dir)
		clauses = append(clauses, col.expr+" "+lastDir)
		join = join || col.join
		unique = unique || col.expr == idColumn
	}

	if !unique {
		clauses = append(clauses, idColumn+" "+lastDir)
	}
	return clauses, join
}

// includeOrder sorts rows by their position in the include list.  The
// ids are integers, so they are safe to inline.
func includeOrder(idColumn string, include []int64) string {
	var b strings.Builder
	b.WriteString("CASE ")
	b.WriteString(idColumn)
	for i, id := range include {
		b.WriteString(" WHEN ")
		b.WriteString(strconv.FormatInt(id, 10))
		b.WriteString(" THEN ")
		b.WriteString(strconv.Itoa(i))
	}
	b.WriteString(" ELSE ")
	b.WriteString(strconv.Itoa(len(include)))
	b.WriteString(" END")
	return b.String()
}

// stringFilter matches a column against one value or a list.
func stringFilter(column string, values []string) sq.Sqlizer {
	if len(values) == 1 {
		return sq.Eq{column: values[0]}
	}
	return sq.Eq{column: values}
}

// likeEscape is used instead of a backslash, which MySQL would treat
// as an escape inside the string literal itself.
const likeEscape = "!"

// likePattern turns a search term into a LIKE pattern matching it as
// a substring.  '*' in the term matches any run of characters.
func likePattern(search string) string {
	parts := strings.Split(search, "*")
	r := strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")
	for i, p := range parts {
		parts[i] = r.Replace(p)
	}
	return "%" + strings.Join(parts, "%") + "%"
}

func likeExpr(column, pattern string) sq.Sqlizer {
	return sq.Expr(column+" LIKE ? ESCAPE '"+likeEscape+"'", pattern)
}

// dateFilter builds the predicates for a list of date clauses.
// Unknown columns fall back to "reported".
func dateFilter(clauses []DateClause, columns map[string]string) sq.And {
	var preds sq.And
	for _, c := range clauses {
		col, ok := columns[c.Column]
		if !ok {
			col = columns["reported"]
		}
		if !c.After.IsZero() {
			after := c.After.UTC().Truncate(time.Second)
			if c.Inclusive {
				preds = append(preds, sq.GtOrEq{col: after})
			} else {
				preds = append(preds, sq.Gt{col: after})
			}
		}
		if !c.Before.IsZero() {
			before := c.Before.UTC().Truncate(time.Second)
			if c.Inclusive {
				preds = append(preds, sq.LtOrEq{col: before})
			} else {
				preds = append(preds, sq.Lt{col: before})
			}
		}
	}
	return preds
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
