// Package database provides the storage adapter used by the record
// repositories. One adapter surface (statements, transactions and two
// dialect hooks) targets both SQLite and PostgreSQL so the repositories
// never branch on the active engine.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/tracekeeper/pkg/config"
)

// ErrNoRows is returned by Statement.Get when the query yields no row.
var ErrNoRows = errors.New("no rows in result set")

// Adapter is the storage surface the repositories are written against.
type Adapter interface {
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// Prepare compiles a parameterised statement.
	Prepare(ctx context.Context, query string) (Statement, error)
	// Transaction runs fn inside one all-or-nothing block. Nested calls
	// join the outer transaction.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Adapter) error) error
	// StringAgg returns the aggregation expression concatenating column
	// values with delim.
	StringAgg(column string, distinct bool, delim string) string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	// Dialect names the active engine.
	Dialect() string
}

// Statement is a prepared statement.
type Statement interface {
	// Run executes the statement and returns the number of affected rows.
	Run(ctx context.Context, args ...any) (int64, error)
	// Get decodes the first row into dest and returns ErrNoRows when the
	// result is empty.
	Get(ctx context.Context, dest any, args ...any) error
	// All decodes every row into dest, a pointer to a slice.
	All(ctx context.Context, dest any, args ...any) error
	Close() error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Compile-time interface checks.
var (
	_ Adapter = (*DB)(nil)
	_ Adapter = (*txAdapter)(nil)
)

// DB is the connection-backed adapter.
type DB struct {
	log     logrus.FieldLogger
	gorm    *gorm.DB
	sql     *sql.DB
	dialect dialect
}

// Open connects to the configured engine and migrates the schema.
func Open(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) (*DB, error) {
	var (
		dialector gorm.Dialector
		d         dialect
	)

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLite.Path)
		d = sqliteDialect{}
	case "postgres":
		dialector = postgres.Open(cfg.Postgres.DSN())
		d = postgresDialect{}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying db: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps an
	// in-memory database alive across statements.
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := migrate(ctx, gdb); err != nil {
		_ = sqlDB.Close()

		return nil, err
	}

	db := &DB{
		log:     log.WithField("component", "database"),
		gorm:    gdb,
		sql:     sqlDB,
		dialect: d,
	}

	db.log.WithField("driver", cfg.Driver).Info("Database connected")

	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	if db == nil || db.sql == nil {
		return nil
	}

	return db.sql.Close()
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Exec implements Adapter.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execOn(ctx, db.sql, query, args...)
}

// Prepare implements Adapter.
func (db *DB) Prepare(ctx context.Context, query string) (Statement, error) {
	return prepareOn(ctx, db.sql, query)
}

// Transaction implements Adapter.
func (db *DB) Transaction(
	ctx context.Context,
	fn func(ctx context.Context, tx Adapter) error,
) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()

			panic(p)
		}
	}()

	if err := fn(ctx, &txAdapter{tx: tx, dialect: db.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.log.WithError(rbErr).Warn("Failed to roll back transaction")
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// StringAgg implements Adapter.
func (db *DB) StringAgg(column string, distinct bool, delim string) string {
	return db.dialect.stringAgg(column, distinct, delim)
}

// Placeholder implements Adapter.
func (db *DB) Placeholder(n int) string {
	return db.dialect.placeholder(n)
}

// Dialect implements Adapter.
func (db *DB) Dialect() string {
	return db.dialect.name()
}

// txAdapter scopes every call to one open transaction.
type txAdapter struct {
	tx      *sql.Tx
	dialect dialect
}

func (t *txAdapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execOn(ctx, t.tx, query, args...)
}

func (t *txAdapter) Prepare(ctx context.Context, query string) (Statement, error) {
	return prepareOn(ctx, t.tx, query)
}

func (t *txAdapter) Transaction(
	ctx context.Context,
	fn func(ctx context.Context, tx Adapter) error,
) error {
	return fn(ctx, t)
}

func (t *txAdapter) StringAgg(column string, distinct bool, delim string) string {
	return t.dialect.stringAgg(column, distinct, delim)
}

func (t *txAdapter) Placeholder(n int) string {
	return t.dialect.placeholder(n)
}

func (t *txAdapter) Dialect() string {
	return t.dialect.name()
}

func execOn(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // some drivers do not report affected rows
	}

	return n, nil
}

func prepareOn(ctx context.Context, q querier, query string) (Statement, error) {
	s, err := q.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}

	return &statement{stmt: s}, nil
}

type statement struct {
	stmt *sql.Stmt
}

func (s *statement) Run(ctx context.Context, args ...any) (int64, error) {
	res, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // some drivers do not report affected rows
	}

	return n, nil
}

func (s *statement) Get(ctx context.Context, dest any, args ...any) error {
	rows, err := s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("reading columns: %w", err)
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}

		return ErrNoRows
	}

	row, err := scanRow(rows, cols)
	if err != nil {
		return err
	}

	return decodeRow(row, cols, dest)
}

func (s *statement) All(ctx context.Context, dest any, args ...any) error {
	rows, err := s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("reading columns: %w", err)
	}

	out := make([]map[string]any, 0, 16)

	for rows.Next() {
		row, err := scanRow(rows, cols)
		if err != nil {
			return err
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return err
	}

	return decodeRows(out, dest)
}

func (s *statement) Close() error {
	return s.stmt.Close()
}
