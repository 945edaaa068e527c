package storage

import (
	"context"
	"database/sql"

	"github.com/steveyegge/sapp/internal/filters"
)

// QueryIssues materializes the issue instances of a run, evaluating query
// predicates in SQL and issue predicates over the returned rows.
func QueryIssues(ctx context.Context, db *DB, runID int64, predicates []any) ([]*filters.IssueResult, error) {
	query := &filters.SQLQuery{}
	query.Where("issue_instances.run_id = ?", runID)
	for _, predicate := range predicates {
		if qp, ok := predicate.(filters.QueryPredicate); ok {
			qp.Apply(query)
		}
	}

	sqlText := `
		SELECT issue_instances.id, issues.id, issues.code, issues.handle,
			filenames.contents, callables.contents, messages.contents,
			issue_instances.min_trace_length_to_sources,
			issue_instances.min_trace_length_to_sinks,
			issue_instances.is_new
		FROM issue_instances
		JOIN issues ON issues.id = issue_instances.issue_id
		JOIN shared_texts AS filenames ON filenames.id = issue_instances.filename_id
		JOIN shared_texts AS callables ON callables.id = issue_instances.callable_id
		JOIN shared_texts AS messages ON messages.id = issue_instances.message_id
		WHERE ` + query.Clause()

	conn, err := db.Session(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	rows, err := conn.QueryContext(ctx, sqlText, query.Args...)
	if err != nil {
		return nil, wrapDBError("querying issues", err)
	}
	defer func() { _ = rows.Close() }()

	byInstance := make(map[int64]*filters.IssueResult)
	var results []*filters.IssueResult
	for rows.Next() {
		var instanceID int64
		result := &filters.IssueResult{
			Features:    make(map[string]bool),
			SourceNames: make(map[string]bool),
			SinkNames:   make(map[string]bool),
		}
		if err := rows.Scan(&instanceID, &result.IssueID, &result.Code, &result.Handle,
			&result.Filename, &result.Callable, &result.Message,
			&result.MinTraceLengthToSources, &result.MinTraceLengthToSinks,
			&result.IsNew); err != nil {
			return nil, wrapDBError("scanning issue", err)
		}
		byInstance[instanceID] = result
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("reading issues", err)
	}

	if err := attachTextSets(ctx, conn, runID, byInstance); err != nil {
		return nil, err
	}

	out := results
	for _, predicate := range predicates {
		if ip, ok := predicate.(filters.IssuePredicate); ok {
			out = ip.ApplyToIssues(out)
		}
	}
	return out, nil
}

// attachTextSets fills in each instance's feature and source/sink name
// sets from the shared-text associations.
func attachTextSets(ctx context.Context, conn *sql.Conn, runID int64, byInstance map[int64]*filters.IssueResult) error {
	rows, err := conn.QueryContext(ctx, `
		SELECT assoc.issue_instance_id, shared_texts.kind, shared_texts.contents
		FROM issue_instance_shared_text_assoc AS assoc
		JOIN shared_texts ON shared_texts.id = assoc.shared_text_id
		JOIN issue_instances ON issue_instances.id = assoc.issue_instance_id
		WHERE issue_instances.run_id = ?`, runID)
	if err != nil {
		return wrapDBError("querying instance texts", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var instanceID int64
		var kind, contents string
		if err := rows.Scan(&instanceID, &kind, &contents); err != nil {
			return wrapDBError("scanning instance text", err)
		}
		result, ok := byInstance[instanceID]
		if !ok {
			continue
		}
		switch kind {
		case "feature":
			result.Features[contents] = true
		case "source_detail", "source":
			result.SourceNames[contents] = true
		case "sink_detail", "sink":
			result.SinkNames[contents] = true
		}
	}
	return rows.Err()
}
