package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const pkLockRetries = 6

// PrimaryKeyGenerator tracks primary keys ourselves rather than relying on
// database auto-increment, so ids can be handed to association records
// before their rows exist. Ranges are reserved per table through the
// row-locked primary_keys counter, which is the only globally contested
// state between concurrent runs.
type PrimaryKeyGenerator struct {
	allowedMin int64
	allowedMax int64
	ranges     map[string]*idRange
}

type idRange struct {
	next int64
	max  int64
}

// NewPrimaryKeyGenerator returns a generator allowing all positive signed
// 63-bit ids.
func NewPrimaryKeyGenerator() *PrimaryKeyGenerator {
	return &PrimaryKeyGenerator{
		allowedMin: 1,
		allowedMax: 1<<63 - 1,
		ranges:     make(map[string]*idRange),
	}
}

// NewPrimaryKeyGeneratorWithRange bounds ids to [min, max], inclusive.
func NewPrimaryKeyGeneratorWithRange(min, max int64) *PrimaryKeyGenerator {
	return &PrimaryKeyGenerator{allowedMin: min, allowedMax: max, ranges: make(map[string]*idRange)}
}

// Reserve allocates a half-open id range per table for the given item
// counts. Tables with zero items are skipped without touching their
// counter rows.
func (g *PrimaryKeyGenerator) Reserve(ctx context.Context, db *DB, counts map[string]int) error {
	tables := make([]string, 0, len(counts))
	for table := range counts {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		count := counts[table]
		switch {
		case count == 0:
			continue
		case count < 0:
			return reservationErrorf("%s count must be >= 0", table)
		}
		if err := g.reserveRange(ctx, db, table, int64(count)); err != nil {
			return err
		}
	}
	return nil
}

func (g *PrimaryKeyGenerator) reserveRange(ctx context.Context, db *DB, table string, count int64) error {
	conn, err := db.Session(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	var next, max int64
	// Failures to take the row lock are transient under concurrent
	// writers; retry before giving up.
	attempt := func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return wrapDBError("beginning reservation transaction", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, found, err := lockCounterRow(ctx, tx, db.dialect, table)
		if err != nil {
			return err
		}
		if !found {
			// No counter row yet: seed it from the highest existing id and
			// read it back under the lock. Another process may win the
			// insert; that is fine, the re-read picks up its row.
			initial, err := highestExistingID(ctx, tx, table)
			if err != nil {
				return err
			}
			if initial != 0 && (initial < g.allowedMin || initial > g.allowedMax) {
				return backoff.Permanent(reservationErrorf(
					"an existing row in %s has id=%d outside the allowed [%d, %d]",
					table, initial, g.allowedMin, g.allowedMax))
			}
			if initial == 0 {
				initial = g.allowedMin - 1
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO primary_keys (table_name, current_id) VALUES (?, ?)",
				table, initial); err != nil {
				log.WithField("table", table).WithField("error", err.Error()).
					Error("Writing into the primary keys table failed")
				return wrapDBError("seeding primary key counter", err)
			}
			current = initial
		}

		next = current + 1
		max = current + count
		if next < g.allowedMin || next > g.allowedMax {
			return backoff.Permanent(reservationErrorf(
				"cannot reserve primary keys for %s: next id=%d outside the allowed [%d, %d]",
				table, next, g.allowedMin, g.allowedMax))
		}
		if max < g.allowedMin || max > g.allowedMax {
			return backoff.Permanent(reservationErrorf(
				"cannot reserve %d primary keys for %s: max id=%d outside the allowed [%d, %d]",
				count, table, max, g.allowedMin, g.allowedMax))
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE primary_keys SET current_id = ? WHERE table_name = ?", max, table); err != nil {
			return wrapDBError("advancing primary key counter", err)
		}
		return tx.Commit()
	}
	if err := backoff.Retry(attempt,
		backoff.WithMaxRetries(backoff.NewConstantBackOff(250*time.Millisecond), pkLockRetries-1)); err != nil {
		return err
	}

	g.ranges[table] = &idRange{next: next, max: max}
	return nil
}

func lockCounterRow(ctx context.Context, tx *sql.Tx, dialect Dialect, table string) (int64, bool, error) {
	query := "SELECT current_id FROM primary_keys WHERE table_name = ?" + dialect.ForUpdate()
	var current int64
	err := tx.QueryRowContext(ctx, query, table).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapDBError("locking primary key counter", err)
	}
	return current, true, nil
}

func highestExistingID(ctx context.Context, tx *sql.Tx, table string) (int64, error) {
	var id sql.NullInt64
	err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(id) FROM %s", table)).Scan(&id)
	if err != nil {
		return 0, wrapDBError(fmt.Sprintf("reading highest id of %s", table), err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// Next returns the next id from the table's reserved range. Exceeding the
// range is a programming error in the caller's item counting.
func (g *PrimaryKeyGenerator) Next(table string) (int64, error) {
	r, ok := g.ranges[table]
	if !ok {
		return 0, reservationErrorf("%s primary key needs to be reserved before use", table)
	}
	if r.next > r.max {
		return 0, reservationErrorf("%s reserved primary key range exhausted", table)
	}
	if r.next < g.allowedMin || r.next > g.allowedMax {
		return 0, reservationErrorf("%s primary key %d outside the allowed [%d, %d]",
			table, r.next, g.allowedMin, g.allowedMax)
	}
	id := r.next
	r.next++
	return id, nil
}
