package storage

import (
	"context"
	"fmt"
	"strings"
)

// Table definitions shared by both dialects. Primary keys come from the
// reservation protocol, so no auto-increment columns exist anywhere.
var schemaTables = []struct {
	name string
	body string
}{
	{"runs", `
		id BIGINT NOT NULL PRIMARY KEY,
		job_id VARCHAR(255),
		date BIGINT NOT NULL,
		status VARCHAR(32) NOT NULL,
		commit_hash VARCHAR(255),
		branch VARCHAR(255),
		repository VARCHAR(255),
		kind VARCHAR(255),
		purge_status VARCHAR(32) NOT NULL,
		finished_time BIGINT`},
	{"shared_texts", `
		id BIGINT NOT NULL PRIMARY KEY,
		kind VARCHAR(32) NOT NULL,
		contents VARCHAR(2048) NOT NULL`},
	{"issues", `
		id BIGINT NOT NULL PRIMARY KEY,
		handle VARCHAR(255) NOT NULL,
		code INTEGER NOT NULL,
		callable_id BIGINT NOT NULL,
		status VARCHAR(32) NOT NULL,
		detected_time BIGINT NOT NULL,
		run_id BIGINT,
		first_instance_id BIGINT`},
	{"issue_instance_fix_info", `
		id BIGINT NOT NULL PRIMARY KEY,
		fix_info VARCHAR(4096) NOT NULL`},
	{"issue_instances", `
		id BIGINT NOT NULL PRIMARY KEY,
		issue_id BIGINT NOT NULL,
		location VARCHAR(64) NOT NULL,
		filename_id BIGINT NOT NULL,
		callable_id BIGINT NOT NULL,
		run_id BIGINT NOT NULL,
		fix_info_id BIGINT,
		message_id BIGINT NOT NULL,
		` + "`rank`" + ` INTEGER NOT NULL,
		min_trace_length_to_sources INTEGER NOT NULL,
		min_trace_length_to_sinks INTEGER NOT NULL,
		callable_count INTEGER NOT NULL,
		is_new BOOLEAN NOT NULL`},
	{"issue_instance_shared_text_assoc", `
		issue_instance_id BIGINT NOT NULL,
		shared_text_id BIGINT NOT NULL,
		PRIMARY KEY (issue_instance_id, shared_text_id)`},
	{"trace_frames", `
		id BIGINT NOT NULL PRIMARY KEY,
		kind VARCHAR(32) NOT NULL,
		caller_id BIGINT NOT NULL,
		caller_port VARCHAR(255) NOT NULL,
		callee_id BIGINT NOT NULL,
		callee_port VARCHAR(255) NOT NULL,
		callee_location VARCHAR(64) NOT NULL,
		filename_id BIGINT NOT NULL,
		run_id BIGINT NOT NULL,
		titos VARCHAR(8192),
		type_interval_lower BIGINT,
		type_interval_upper BIGINT,
		preserves_type_context BOOLEAN NOT NULL,
		reachability VARCHAR(32) NOT NULL`},
	{"issue_instance_trace_frame_assoc", `
		issue_instance_id BIGINT NOT NULL,
		trace_frame_id BIGINT NOT NULL,
		PRIMARY KEY (issue_instance_id, trace_frame_id)`},
	{"trace_frame_annotations", `
		id BIGINT NOT NULL PRIMARY KEY,
		trace_frame_id BIGINT NOT NULL,
		location VARCHAR(64) NOT NULL,
		kind VARCHAR(255),
		message VARCHAR(4096) NOT NULL,
		leaf_id BIGINT,
		link VARCHAR(4096),
		trace_key VARCHAR(255)`},
	{"trace_frame_leaf_assoc", `
		trace_frame_id BIGINT NOT NULL,
		leaf_id BIGINT NOT NULL,
		trace_length INTEGER,
		PRIMARY KEY (trace_frame_id, leaf_id)`},
	{"trace_frame_annotation_trace_frame_assoc", `
		trace_frame_annotation_id BIGINT NOT NULL,
		trace_frame_id BIGINT NOT NULL,
		PRIMARY KEY (trace_frame_annotation_id, trace_frame_id)`},
	{"class_type_intervals", `
		id BIGINT NOT NULL PRIMARY KEY,
		run_id BIGINT NOT NULL,
		class_name VARCHAR(1024) NOT NULL,
		lower BIGINT NOT NULL,
		upper BIGINT NOT NULL`},
	{"meta_run_issue_instance_index", `
		issue_instance_id BIGINT NOT NULL PRIMARY KEY,
		meta_run_id BIGINT NOT NULL,
		issue_instance_hash VARCHAR(255) NOT NULL`},
	{"primary_keys", `
		table_name VARCHAR(100) NOT NULL PRIMARY KEY,
		current_id BIGINT NOT NULL`},
	{"warning_messages", `
		code INTEGER NOT NULL PRIMARY KEY,
		message VARCHAR(4096) NOT NULL`},
	{"filters", `
		name VARCHAR(255) NOT NULL PRIMARY KEY,
		description VARCHAR(1024),
		json VARCHAR(16384) NOT NULL`},
}

var schemaIndexes = []string{
	"CREATE UNIQUE INDEX IF NOT EXISTS ix_issues_handle ON issues (handle)",
	"CREATE UNIQUE INDEX IF NOT EXISTS ix_shared_texts_kind_contents ON shared_texts (kind, contents)",
	"CREATE INDEX IF NOT EXISTS ix_issue_instances_run ON issue_instances (run_id)",
	"CREATE INDEX IF NOT EXISTS ix_trace_frames_run ON trace_frames (run_id)",
	"CREATE INDEX IF NOT EXISTS ix_trace_frames_caller ON trace_frames (caller_id, caller_port)",
}

// CreateSchema ensures all tables and indexes exist.
func CreateSchema(ctx context.Context, db *DB) error {
	conn, err := db.Session(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	for _, table := range schemaTables {
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)%s",
			table.name, table.body, db.dialect.TableOptions())
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return wrapDBError(fmt.Sprintf("creating table %s", table.name), err)
		}
	}
	for _, index := range schemaIndexes {
		stmt := index
		if db.dialect.Name() == "mysql" {
			// MySQL has no CREATE INDEX IF NOT EXISTS; tolerate the
			// duplicate-name error on re-runs instead.
			stmt = strings.Replace(stmt, "IF NOT EXISTS ", "", 1)
		}
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			if db.dialect.Name() == "mysql" && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return wrapDBError("creating index", err)
		}
	}
	return nil
}
