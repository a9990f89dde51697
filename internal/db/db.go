// Package db opens the sqlite database behind the sync journal.
package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftsync/internal/utils"
)

const memoryPath = ":memory:"

// journal writes are small and frequent; WAL lets the status server read
// while the engines write
var defaultPragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA temp_store=MEMORY;",
}

type options struct {
	path         string
	pragmas      []string
	schema       []string
	maxOpenConns int
}

type SqliteOption func(*options)

// WithPath sets the database file. The default keeps everything in memory.
func WithPath(path string) SqliteOption {
	return func(o *options) {
		o.path = path
	}
}

// WithPragmas runs pragmas in addition to the defaults. Later pragmas win.
func WithPragmas(pragmas ...string) SqliteOption {
	return func(o *options) {
		o.pragmas = append(o.pragmas, pragmas...)
	}
}

// WithSchema runs idempotent DDL statements once the connection is up.
func WithSchema(stmts ...string) SqliteOption {
	return func(o *options) {
		o.schema = append(o.schema, stmts...)
	}
}

func WithMaxOpenConns(n int) SqliteOption {
	return func(o *options) {
		o.maxOpenConns = n
	}
}

func dsn(path string) string {
	if path == memoryPath {
		return memoryPath
	}
	return fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path)
}

// NewSqliteDB opens a sqlite database with the driver selected at build time,
// applies pragmas and then the schema.
func NewSqliteDB(opts ...SqliteOption) (*sqlx.DB, error) {
	o := &options{
		path:    memoryPath,
		pragmas: append([]string(nil), defaultPragmas...),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.path != memoryPath {
		if err := utils.EnsureParent(o.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
	}

	conn, err := sqlx.Connect(driverName, dsn(o.path))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", o.path, err)
	}
	if o.maxOpenConns > 0 {
		conn.SetMaxOpenConns(o.maxOpenConns)
	}

	for _, stmt := range append(o.pragmas, o.schema...) {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("exec %q: %w", stmt, err)
		}
	}

	slog.Debug("db open", "driver", driverID, "path", o.path)
	return conn, nil
}
