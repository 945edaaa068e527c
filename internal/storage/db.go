// Package storage persists the trace graph: schema management, primary-key
// reservation, the ordered bulk saver, and the small read-side stores
// (warning messages, saved filters).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/sapp/internal/logging"
)

var log = logging.For("storage")

// DB wraps a database handle with its dialect.
type DB struct {
	sqldb   *sql.DB
	dialect Dialect
}

// Open connects to a database. dialect is "sqlite" or "mysql"; dsn is a
// file path for sqlite or a driver DSN for mysql.
func Open(dialectName, dsn string) (*DB, error) {
	dialect, err := DialectByName(dialectName)
	if err != nil {
		return nil, err
	}
	sqldb, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, wrapDBError("opening database", err)
	}
	db := &DB{sqldb: sqldb, dialect: dialect}
	if err := db.ping(); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	return db, nil
}

// Transient operational errors on session creation are retried once.
func (db *DB) ping() error {
	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return db.sqldb.PingContext(ctx)
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 1))
}

// Dialect returns the database's dialect.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// SQL exposes the underlying handle for the read path.
func (db *DB) SQL() *sql.DB {
	return db.sqldb
}

// Session checks out a dedicated connection, retrying once on transient
// failure. MySQL sessions get their wait_timeout raised: merging data can
// take longer than the server default allows.
func (db *DB) Session(ctx context.Context) (*sql.Conn, error) {
	var conn *sql.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, err = db.sqldb.Conn(ctx)
		return err
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 1))
	if err != nil {
		return nil, wrapDBError("acquiring session", err)
	}
	if db.dialect.Name() == "mysql" {
		if _, err := conn.ExecContext(ctx, "SET SESSION wait_timeout = 60"); err != nil {
			_ = conn.Close()
			return nil, wrapDBError("configuring session", err)
		}
	}
	return conn, nil
}

// Close releases the database handle, retrying once on transient failure.
func (db *DB) Close() error {
	return backoff.Retry(func() error {
		return db.sqldb.Close()
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 1))
}

func (db *DB) String() string {
	return fmt.Sprintf("DB(%s)", db.dialect.Name())
}
