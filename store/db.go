package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect captures the differences between the supported SQL
// engines that matter to the stores.
type Dialect struct {
	// Driver is the database/sql driver name.
	Driver string

	placeholder sq.PlaceholderFormat
	// returning is set for engines without LastInsertId support.
	returning bool
}

var dialects = map[string]Dialect{
	"sqlite3": {Driver: "sqlite3", placeholder: sq.Question},
	"mysql":   {Driver: "mysql", placeholder: sq.Question},
	"pgx":     {Driver: "pgx", placeholder: sq.Dollar, returning: true},
}

// DialectFor looks up the dialect for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return Dialect{}, fmt.Errorf("unsupported database driver %q (want sqlite3, mysql or pgx)", driver)
	}
	return d, nil
}

// DB is a connection pool plus the dialect-aware statement builder
// shared by the stores.
type DB struct {
	pool    *sql.DB
	dialect Dialect
	sb      sq.StatementBuilderType
}

// Open connects to a database and validates that we're able to
// access it.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	pool, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to db (driver=%q): %w", driver, err)
	}
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping db (driver=%q): %w", driver, err)
	}
	slog.Info("Connected to database", "driver", driver)
	return NewDB(pool, d), nil
}

// NewDB wraps an already opened pool.
func NewDB(pool *sql.DB, d Dialect) *DB {
	return &DB{
		pool:    pool,
		dialect: d,
		sb:      sq.StatementBuilder.PlaceholderFormat(d.placeholder),
	}
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *sql.DB {
	return db.pool
}

// Dialect returns the dialect in use.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close closes the pool.
func (db *DB) Close() error {
	return db.pool.Close()
}

// insert runs an INSERT and returns the id assigned to the new row.
func (db *DB) insert(ctx context.Context, b sq.InsertBuilder) (int64, error) {
	if db.dialect.returning {
		query, args, err := b.Suffix("RETURNING id").ToSql()
		if err != nil {
			return 0, err
		}
		var id int64
		if err := db.pool.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := db.pool.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type execer interface {
	ToSql() (string, []any, error)
}

// exec runs an UPDATE or DELETE.
func (db *DB) exec(ctx context.Context, b execer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := db.pool.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// selectIDs runs a query returning a single integer column.
func (db *DB) selectIDs(ctx context.Context, b sq.SelectBuilder) ([]int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// selectCount runs a query returning a single integer.
func (db *DB) selectCount(ctx context.Context, b sq.SelectBuilder) (int, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.pool.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
