package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/steveyegge/sapp/internal/graph"
	"github.com/steveyegge/sapp/internal/metrics"
)

// Insert batches are capped so a single transaction stays bounded.
const batchSize = 30000

// Merge queries stay well under the drivers' bind-parameter limits.
const mergeQueryBatch = 10000

// BulkSaver stores new records created within a run and bulk saves them in
// the fixed class order. Records merge against previously-persisted rows
// by natural key before insert; race-prone classes additionally go through
// the conflict-safe insert and a post-insert re-merge.
type BulkSaver struct {
	pkgen    *PrimaryKeyGenerator
	specs    []*TableSpec
	items    map[string][]any
	prepared bool
}

// NewBulkSaver returns a saver with the default class order. Extra specs
// are saved ahead of the default classes.
func NewBulkSaver(pkgen *PrimaryKeyGenerator, extraSpecs ...*TableSpec) *BulkSaver {
	if pkgen == nil {
		pkgen = NewPrimaryKeyGenerator()
	}
	specs := append(append([]*TableSpec{}, extraSpecs...), defaultTableSpecs()...)
	items := make(map[string][]any, len(specs))
	for _, spec := range specs {
		items[spec.Name] = nil
	}
	return &BulkSaver{pkgen: pkgen, specs: specs, items: items}
}

// Add queues one item for its class.
func (s *BulkSaver) Add(table string, item any) {
	if _, ok := s.items[table]; !ok {
		panic(fmt.Sprintf("bulk saver has no spec for table %s", table))
	}
	s.items[table] = append(s.items[table], item)
}

// AddGraph queues everything a trace graph holds.
func (s *BulkSaver) AddGraph(g *graph.TraceGraph) {
	for _, st := range g.SharedTexts() {
		s.Add("shared_texts", st)
	}
	for _, issue := range g.Issues() {
		s.Add("issues", issue)
	}
	for _, fixInfo := range g.FixInfos() {
		s.Add("issue_instance_fix_info", fixInfo)
	}
	for _, instance := range g.IssueInstances() {
		s.Add("issue_instances", instance)
	}
	for _, assoc := range g.InstanceTextAssocs() {
		s.Add("issue_instance_shared_text_assoc", assoc)
	}
	for _, frame := range g.Frames() {
		s.Add("trace_frames", frame)
	}
	for _, assoc := range g.InstanceFrameAssocs() {
		s.Add("issue_instance_trace_frame_assoc", assoc)
	}
	for _, annotation := range g.Annotations() {
		s.Add("trace_frame_annotations", annotation)
	}
	for _, assoc := range g.LeafAssocs() {
		s.Add("trace_frame_leaf_assoc", assoc)
	}
	for _, assoc := range g.AnnotationFrameAssocs() {
		s.Add("trace_frame_annotation_trace_frame_assoc", assoc)
	}
	for _, interval := range g.ClassTypeIntervals() {
		s.Add("class_type_intervals", interval)
	}
	for _, entry := range g.MetaRunIndex() {
		s.Add("meta_run_issue_instance_index", entry)
	}
}

// ItemCount reports the queued items for one class.
func (s *BulkSaver) ItemCount(table string) int {
	return len(s.items[table])
}

// TotalItemCount reports all queued items.
func (s *BulkSaver) TotalItemCount() int {
	total := 0
	for _, items := range s.items {
		total += len(items)
	}
	return total
}

// DumpStats renders per-class counts for logging.
func (s *BulkSaver) DumpStats() string {
	var b strings.Builder
	for _, spec := range s.specs {
		fmt.Fprintf(&b, "%s: %d\n", spec.Name, len(s.items[spec.Name]))
	}
	return b.String()
}

// PrepareAll reserves id ranges, merges each class against existing rows,
// and assigns ids to the really-new items.
func (s *BulkSaver) PrepareAll(ctx context.Context, db *DB) error {
	counts := make(map[string]int)
	for _, spec := range s.specs {
		if n := len(s.items[spec.Name]); n > 0 && spec.ID != nil {
			counts[spec.Name] = n
		}
	}
	if err := s.pkgen.Reserve(ctx, db, counts); err != nil {
		return err
	}

	for _, spec := range s.specs {
		items := s.items[spec.Name]
		if len(items) == 0 {
			continue
		}
		log.WithFields(map[string]any{"table": spec.Name, "items": len(items)}).
			Info("Merging and generating ids")
		if spec.BeforePrepare != nil {
			spec.BeforePrepare(items)
		}
		prepared, err := s.prepare(ctx, db, spec, items)
		if err != nil {
			return specError(spec.Name, err)
		}
		s.items[spec.Name] = prepared
	}
	s.prepared = true
	return nil
}

// prepare merges a class's items and assigns reserved ids to the new ones.
func (s *BulkSaver) prepare(ctx context.Context, db *DB, spec *TableSpec, items []any) ([]any, error) {
	merged, err := s.merge(ctx, db, spec, items)
	if err != nil {
		return nil, err
	}
	if spec.ID != nil {
		for _, item := range merged {
			id, err := s.pkgen.Next(spec.Name)
			if err != nil {
				return nil, err
			}
			spec.ID(item).Resolve(id, true)
		}
	}
	sortForInsert(spec, merged)
	return merged, nil
}

// merge deduplicates items against previously-persisted rows by natural
// key, and against the current batch. Items pointing at an existing row
// resolve to that row's id with is_new false; in-batch duplicates point at
// their first occurrence. Only really-new items are returned.
func (s *BulkSaver) merge(ctx context.Context, db *DB, spec *TableSpec, items []any) ([]any, error) {
	switch {
	case spec.Key != nil:
		return s.mergeByKeys(ctx, db, spec, items)
	case spec.AssocIDs != nil:
		return mergeAssocs(spec, items), nil
	default:
		return items, nil
	}
}

func keyString(key []any) string {
	parts := make([]string, len(key))
	for i, k := range key {
		parts[i] = fmt.Sprint(k)
	}
	return strings.Join(parts, "\x00")
}

func (s *BulkSaver) mergeByKeys(ctx context.Context, db *DB, spec *TableSpec, items []any) ([]any, error) {
	keys := make(map[string][]any)
	for _, item := range items {
		key := spec.Key(item)
		keys[keyString(key)] = key
	}

	existing, err := s.fetchExistingIDs(ctx, db, spec, keys)
	if err != nil {
		return nil, err
	}

	var reallyNew []any
	firstSeen := make(map[string]any)
	for _, item := range items {
		key := keyString(spec.Key(item))
		if existingID, ok := existing[key]; ok {
			spec.ID(item).Resolve(existingID, false)
		} else if first, ok := firstSeen[key]; ok {
			spec.ID(item).ResolveTo(spec.ID(first), false)
		} else {
			firstSeen[key] = item
			reallyNew = append(reallyNew, item)
		}
	}
	return reallyNew, nil
}

// fetchExistingIDs queries the class's table for rows matching any of the
// keys, in bounded batches.
func (s *BulkSaver) fetchExistingIDs(ctx context.Context, db *DB, spec *TableSpec, keys map[string][]any) (map[string]int64, error) {
	ordered := make([][]any, 0, len(keys))
	for _, key := range keys {
		ordered = append(ordered, key)
	}

	existing := make(map[string]int64)
	for start := 0; start < len(ordered); start += mergeQueryBatch {
		end := min(start+mergeQueryBatch, len(ordered))
		batch := ordered[start:end]

		var clauses []string
		var args []any
		for _, key := range batch {
			var parts []string
			for i, column := range spec.KeyColumns {
				parts = append(parts, column+" = ?")
				args = append(args, key[i])
			}
			clauses = append(clauses, "("+strings.Join(parts, " AND ")+")")
		}
		query := fmt.Sprintf("SELECT id, %s FROM %s WHERE %s",
			strings.Join(spec.KeyColumns, ", "), spec.Name, strings.Join(clauses, " OR "))

		conn, err := db.Session(ctx)
		if err != nil {
			return nil, err
		}
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			_ = conn.Close()
			return nil, wrapDBError("querying existing rows", err)
		}
		for rows.Next() {
			var id int64
			parts := make([]string, len(spec.KeyColumns))
			scanned := make([]any, 1+len(parts))
			scanned[0] = &id
			for i := range parts {
				scanned[i+1] = &parts[i]
			}
			if err := rows.Scan(scanned...); err != nil {
				_ = rows.Close()
				_ = conn.Close()
				return nil, wrapDBError("scanning existing rows", err)
			}
			existing[strings.Join(parts, "\x00")] = id
		}
		err = rows.Err()
		_ = rows.Close()
		_ = conn.Close()
		if err != nil {
			return nil, wrapDBError("reading existing rows", err)
		}
	}
	return existing, nil
}

// mergeAssocs deduplicates association rows by their resolved id pair.
func mergeAssocs(spec *TableSpec, items []any) []any {
	type pair struct{ a, b int64 }
	seen := make(map[pair]bool)
	var out []any
	for _, item := range items {
		id1, id2 := spec.AssocIDs(item)
		a, okA := id1.Resolved()
		b, okB := id2.Resolved()
		if okA && okB {
			key := pair{a: a, b: b}
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, item)
	}
	return out
}

// sortForInsert orders items by natural key so batched inserts group
// identical statements.
func sortForInsert(spec *TableSpec, items []any) {
	if spec.Key == nil {
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		return keyString(spec.Key(items[i])) < keyString(spec.Key(items[j]))
	})
}

// SaveAll writes every queued class in order, returning the number of
// items saved.
func (s *BulkSaver) SaveAll(ctx context.Context, db *DB) (int, error) {
	if !s.prepared {
		return 0, fmt.Errorf("PrepareAll must succeed before calling SaveAll")
	}
	saved := 0
	for _, spec := range s.specs {
		items := s.items[spec.Name]
		if len(items) == 0 {
			continue
		}
		log.WithFields(map[string]any{"table": spec.Name, "items": len(items)}).Info("Saving")
		s.items[spec.Name] = nil
		for start := 0; start < len(items); start += batchSize {
			end := min(start+batchSize, len(items))
			batch := items[start:end]
			var err error
			if spec.Racy {
				err = s.saveBatchHandlingConflicts(ctx, db, spec, batch)
			} else {
				err = s.saveBatch(ctx, db, spec, batch)
			}
			if err != nil {
				return saved, specError(spec.Name, err)
			}
		}
		saved += len(items)
		metrics.SavedRows.WithLabelValues(spec.Name).Add(float64(len(items)))
	}
	return saved, nil
}

// saveBatch inserts a batch with a plain prepared statement, failing on
// duplicate keys. Cheaper than the conflict-safe path because nothing has
// to be read back.
func (s *BulkSaver) saveBatch(ctx context.Context, db *DB, spec *TableSpec, batch []any) error {
	return s.insertBatch(ctx, db, spec, batch, db.dialect.Insert(spec.Name, spec.Columns))
}

// saveBatchHandlingConflicts inserts a batch skipping duplicate-key rows,
// then re-runs the merge: another writer may have inserted a duplicate
// between prepare and save, and the insert cannot report which rows were
// ours. The re-merge re-reads keys and repoints losers at the winning
// rows; anything still unsaved afterwards is a consistency failure. All
// ids freeze once settled.
func (s *BulkSaver) saveBatchHandlingConflicts(ctx context.Context, db *DB, spec *TableSpec, batch []any) error {
	if err := s.insertBatch(ctx, db, spec, batch, db.dialect.InsertIgnoreConflicts(spec.Name, spec.Columns)); err != nil {
		return err
	}

	unsaved, err := s.mergeByKeys(ctx, db, spec, batch)
	if err != nil {
		return err
	}
	if len(unsaved) > 0 {
		return consistencyErrorf("there are still %d unsaved %s records", len(unsaved), spec.Name)
	}
	for _, item := range batch {
		spec.ID(item).Freeze()
	}
	return nil
}

func (s *BulkSaver) insertBatch(ctx context.Context, db *DB, spec *TableSpec, batch []any, insertSQL string) error {
	conn, err := db.Session(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError("beginning insert transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return wrapDBError("preparing insert", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, item := range batch {
		values, err := spec.Values(item)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return wrapDBError("inserting row", err)
		}
	}
	return tx.Commit()
}
