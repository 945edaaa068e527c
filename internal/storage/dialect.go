package storage

import (
	"fmt"
	"strings"
)

// Dialect abstracts the SQL differences between the supported backends.
// The one that matters is the conflict-safe insert: SQLite skips
// conflicting rows with ON CONFLICT DO NOTHING, MySQL with a no-op
// ON DUPLICATE KEY UPDATE. Setting a field to itself is the standard no-op
// and is better than INSERT IGNORE, which swallows unrelated errors too.
type Dialect interface {
	Name() string
	DriverName() string
	// Insert renders a plain single-row insert.
	Insert(table string, columns []string) string
	// InsertIgnoreConflicts renders a single-row insert that silently
	// skips rows violating a unique constraint.
	InsertIgnoreConflicts(table string, columns []string) string
	// ForUpdate is the row-lock suffix for the primary-key counter select.
	ForUpdate() string
	// TableOptions is appended to CREATE TABLE statements.
	TableOptions() string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite3" }

func (sqliteDialect) Insert(table string, columns []string) string {
	return insertSQL(table, columns)
}

func (sqliteDialect) InsertIgnoreConflicts(table string, columns []string) string {
	return insertSQL(table, columns) + " ON CONFLICT DO NOTHING"
}

// SQLite locks at the database level inside a write transaction; there is
// no per-row lock to take.
func (sqliteDialect) ForUpdate() string { return "" }

func (sqliteDialect) TableOptions() string { return "" }

type mysqlDialect struct{}

func (mysqlDialect) Name() string       { return "mysql" }
func (mysqlDialect) DriverName() string { return "mysql" }

func (mysqlDialect) Insert(table string, columns []string) string {
	return insertSQL(table, columns)
}

func (mysqlDialect) InsertIgnoreConflicts(table string, columns []string) string {
	return insertSQL(table, columns) + " ON DUPLICATE KEY UPDATE id = id"
}

func (mysqlDialect) ForUpdate() string { return " FOR UPDATE" }

func (mysqlDialect) TableOptions() string {
	return " ENGINE=InnoDB DEFAULT CHARSET=latin1 COLLATE=latin1_bin"
}

func insertSQL(table string, columns []string) string {
	placeholders := strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders)
}

// DialectByName returns the dialect for "sqlite" or "mysql".
func DialectByName(name string) (Dialect, error) {
	switch name {
	case "sqlite":
		return sqliteDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	}
	return nil, fmt.Errorf("database dialect was %q but only `mysql` or `sqlite` are supported", name)
}
