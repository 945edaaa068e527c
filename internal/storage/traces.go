package storage

import (
	"context"
	"database/sql"

	"github.com/steveyegge/sapp/internal/graph"
	"github.com/steveyegge/sapp/internal/models"
)

// TraceFrameRow is a persisted frame as the navigation queries return it.
type TraceFrameRow struct {
	ID                   int64
	Kind                 models.TraceKind
	Caller               string
	CallerPort           string
	CalleeID             int64
	Callee               string
	CalleePort           string
	CalleeLocation       models.SourceLocation
	Filename             string
	TypeIntervalLower    *int64
	TypeIntervalUpper    *int64
	PreservesTypeContext bool
}

const traceFrameSelect = `
	SELECT trace_frames.id, trace_frames.kind,
		callers.contents, trace_frames.caller_port,
		trace_frames.callee_id, callees.contents, trace_frames.callee_port,
		trace_frames.callee_location, filenames.contents,
		trace_frames.type_interval_lower, trace_frames.type_interval_upper,
		trace_frames.preserves_type_context
	FROM trace_frames
	JOIN shared_texts AS callers ON callers.id = trace_frames.caller_id
	JOIN shared_texts AS callees ON callees.id = trace_frames.callee_id
	JOIN shared_texts AS filenames ON filenames.id = trace_frames.filename_id`

// InitialTraceFrames returns an instance's root frames of the given kind:
// the synthetic edges out of the issue's callable.
func InitialTraceFrames(ctx context.Context, db *DB, instanceID int64, kind models.TraceKind) ([]*TraceFrameRow, error) {
	conn, err := db.Session(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	rows, err := conn.QueryContext(ctx, traceFrameSelect+`
		JOIN issue_instance_trace_frame_assoc AS assoc
			ON assoc.trace_frame_id = trace_frames.id
		WHERE assoc.issue_instance_id = ? AND trace_frames.kind = ?`,
		instanceID, string(kind))
	if err != nil {
		return nil, wrapDBError("querying initial trace frames", err)
	}
	return scanTraceFrames(rows)
}

// NextTraceFrames returns the frames following one frame during
// navigation: same kind, caller matching the frame's callee and port, and
// a compatible type interval. Frames with incompatible intervals are
// skipped.
func NextTraceFrames(ctx context.Context, db *DB, frame *TraceFrameRow) ([]*TraceFrameRow, error) {
	if graph.IsLeafPort(frame.CalleePort) {
		return nil, nil
	}
	conn, err := db.Session(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	rows, err := conn.QueryContext(ctx, traceFrameSelect+`
		WHERE trace_frames.kind = ?
			AND trace_frames.caller_id = ?
			AND trace_frames.caller_port = ?`,
		string(frame.Kind), frame.CalleeID, frame.CalleePort)
	if err != nil {
		return nil, wrapDBError("querying next trace frames", err)
	}
	candidates, err := scanTraceFrames(rows)
	if err != nil {
		return nil, err
	}

	out := candidates[:0]
	for _, candidate := range candidates {
		if graph.IntervalsCompatible(frame.asFrame(), candidate.asFrame()) {
			out = append(out, candidate)
		}
	}
	return out, nil
}

// LeafNames returns the distinct leaf texts associated with a frame,
// excluding features.
func LeafNames(ctx context.Context, db *DB, frameID int64, kind models.SharedTextKind) ([]string, error) {
	conn, err := db.Session(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	rows, err := conn.QueryContext(ctx, `
		SELECT DISTINCT shared_texts.contents
		FROM trace_frame_leaf_assoc AS assoc
		JOIN shared_texts ON shared_texts.id = assoc.leaf_id
		WHERE assoc.trace_frame_id = ? AND shared_texts.kind = ?
		ORDER BY shared_texts.contents`, frameID, string(kind))
	if err != nil {
		return nil, wrapDBError("querying frame leaves", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapDBError("scanning frame leaf", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func scanTraceFrames(rows *sql.Rows) ([]*TraceFrameRow, error) {
	defer func() { _ = rows.Close() }()
	var out []*TraceFrameRow
	for rows.Next() {
		frame := &TraceFrameRow{}
		var kind, location string
		var lower, upper sql.NullInt64
		if err := rows.Scan(&frame.ID, &kind, &frame.Caller, &frame.CallerPort,
			&frame.CalleeID, &frame.Callee, &frame.CalleePort,
			&location, &frame.Filename, &lower, &upper,
			&frame.PreservesTypeContext); err != nil {
			return nil, wrapDBError("scanning trace frame", err)
		}
		frame.Kind = models.TraceKind(kind)
		loc, err := models.DecodeSourceLocation(location)
		if err != nil {
			return nil, err
		}
		frame.CalleeLocation = loc
		if lower.Valid {
			frame.TypeIntervalLower = &lower.Int64
		}
		if upper.Valid {
			frame.TypeIntervalUpper = &upper.Int64
		}
		out = append(out, frame)
	}
	return out, rows.Err()
}

// asFrame adapts the row for the shared interval predicate.
func (r *TraceFrameRow) asFrame() *models.TraceFrame {
	return &models.TraceFrame{
		TypeIntervalLower:    r.TypeIntervalLower,
		TypeIntervalUpper:    r.TypeIntervalUpper,
		PreservesTypeContext: r.PreservesTypeContext,
	}
}
