package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/steveyegge/sapp/internal/filters"
)

// ErrFilterNotFound indicates the named filter does not exist.
var ErrFilterNotFound = errors.New("filter not found")

// SaveFilter upserts a stored filter under its name.
func SaveFilter(ctx context.Context, db *DB, filter *filters.StoredFilter) error {
	doc, err := filter.ToJSON()
	if err != nil {
		return err
	}
	conn, err := db.Session(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	var upsert string
	if db.dialect.Name() == "mysql" {
		upsert = `INSERT INTO filters (name, description, json) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE description = VALUES(description), json = VALUES(json)`
	} else {
		upsert = `INSERT INTO filters (name, description, json) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET description = excluded.description, json = excluded.json`
	}
	if _, err := conn.ExecContext(ctx, upsert, filter.Name, filter.Description, doc); err != nil {
		return wrapDBError("saving filter", err)
	}
	return nil
}

// ListFilters returns all stored filters in name order.
func ListFilters(ctx context.Context, db *DB) ([]*filters.StoredFilter, error) {
	conn, err := db.Session(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	rows, err := conn.QueryContext(ctx, "SELECT name, description, json FROM filters ORDER BY name")
	if err != nil {
		return nil, wrapDBError("listing filters", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*filters.StoredFilter
	for rows.Next() {
		var name, doc string
		var description sql.NullString
		if err := rows.Scan(&name, &description, &doc); err != nil {
			return nil, wrapDBError("scanning filter", err)
		}
		f, err := filters.ParseFilter([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, &filters.StoredFilter{
			Name:        name,
			Description: description.String,
			Filter:      *f,
		})
	}
	return out, rows.Err()
}

// GetFilter returns one stored filter by name.
func GetFilter(ctx context.Context, db *DB, name string) (*filters.StoredFilter, error) {
	conn, err := db.Session(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	var doc string
	var description sql.NullString
	err = conn.QueryRowContext(ctx,
		"SELECT description, json FROM filters WHERE name = ?", name).Scan(&description, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%q: %w", name, ErrFilterNotFound)
	}
	if err != nil {
		return nil, wrapDBError("reading filter", err)
	}
	f, err := filters.ParseFilter([]byte(doc))
	if err != nil {
		return nil, err
	}
	return &filters.StoredFilter{Name: name, Description: description.String, Filter: *f}, nil
}

// DeleteFilter removes a stored filter by name.
func DeleteFilter(ctx context.Context, db *DB, name string) error {
	conn, err := db.Session(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	result, err := conn.ExecContext(ctx, "DELETE FROM filters WHERE name = ?", name)
	if err != nil {
		return wrapDBError("deleting filter", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%q: %w", name, ErrFilterNotFound)
	}
	return nil
}
