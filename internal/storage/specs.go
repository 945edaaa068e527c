package storage

import (
	"fmt"

	"github.com/steveyegge/sapp/internal/dbid"
	"github.com/steveyegge/sapp/internal/models"
)

// TableSpec describes how one record class persists: its columns, value
// rendering, natural key for merging, and whether concurrent writers can
// race on its unique index.
type TableSpec struct {
	Name    string
	Columns []string

	// Values renders an item to driver-ready column values, in Columns
	// order. Every column is rendered so partial records from different
	// code paths null out the same way.
	Values func(item any) ([]any, error)

	// ID returns the item's primary-key placeholder; nil for pure
	// association classes.
	ID func(item any) *dbid.ID

	// Key returns the natural-key tuple used to merge against existing
	// rows; nil when the class has no natural key.
	Key        func(item any) []any
	KeyColumns []string

	// AssocIDs returns the two reference placeholders of an association
	// row, for in-batch deduplication.
	AssocIDs func(item any) (*dbid.ID, *dbid.ID)

	// BeforePrepare runs once over the class's items before merging, with
	// all earlier classes in the save order already prepared.
	BeforePrepare func(items []any)

	// Racy marks classes whose unique index can collide with concurrent
	// writers, requiring the conflict-safe insert and post-insert
	// re-merge.
	Racy bool
}

// bindID renders a placeholder for binding: nil stays NULL, everything
// else must resolve.
func bindID(id *dbid.ID) (any, error) {
	if id == nil {
		return nil, nil
	}
	v, err := id.Int()
	if err != nil {
		return nil, err
	}
	return v, nil
}

func bindNullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func bindNullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func bindIDs(ids ...*dbid.ID) ([]any, error) {
	out := make([]any, len(ids))
	for i, id := range ids {
		v, err := bindID(id)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func sharedTextSpec() *TableSpec {
	return &TableSpec{
		Name:    "shared_texts",
		Columns: []string{"id", "kind", "contents"},
		ID:      func(item any) *dbid.ID { return item.(*models.SharedText).ID },
		Key: func(item any) []any {
			st := item.(*models.SharedText)
			return []any{string(st.Kind), st.Contents}
		},
		KeyColumns: []string{"kind", "contents"},
		Racy:       true,
		Values: func(item any) ([]any, error) {
			st := item.(*models.SharedText)
			id, err := bindID(st.ID)
			if err != nil {
				return nil, err
			}
			return []any{id, string(st.Kind), st.Contents}, nil
		},
	}
}

func issueSpec() *TableSpec {
	return &TableSpec{
		Name: "issues",
		Columns: []string{"id", "handle", "code", "callable_id", "status",
			"detected_time", "run_id", "first_instance_id"},
		ID: func(item any) *dbid.ID { return item.(*models.Issue).ID },
		Key: func(item any) []any {
			return []any{item.(*models.Issue).Handle}
		},
		KeyColumns: []string{"handle"},
		Racy:       true,
		Values: func(item any) ([]any, error) {
			issue := item.(*models.Issue)
			ids, err := bindIDs(issue.ID, issue.CallableID, issue.RunID, issue.FirstInstanceID)
			if err != nil {
				return nil, err
			}
			return []any{ids[0], issue.Handle, issue.Code, ids[1], string(issue.Status),
				issue.DetectedTime, ids[2], ids[3]}, nil
		},
	}
}

func fixInfoSpec() *TableSpec {
	return &TableSpec{
		Name:    "issue_instance_fix_info",
		Columns: []string{"id", "fix_info"},
		ID:      func(item any) *dbid.ID { return item.(*models.IssueInstanceFixInfo).ID },
		Values: func(item any) ([]any, error) {
			fixInfo := item.(*models.IssueInstanceFixInfo)
			id, err := bindID(fixInfo.ID)
			if err != nil {
				return nil, err
			}
			return []any{id, fixInfo.FixInfo}, nil
		},
	}
}

func issueInstanceSpec() *TableSpec {
	return &TableSpec{
		Name: "issue_instances",
		Columns: []string{"id", "issue_id", "location", "filename_id", "callable_id",
			"run_id", "fix_info_id", "message_id", "`rank`",
			"min_trace_length_to_sources", "min_trace_length_to_sinks",
			"callable_count", "is_new"},
		ID: func(item any) *dbid.ID { return item.(*models.IssueInstance).ID },
		// Issues were merged just before; instances of adopted issues are
		// sightings of old issues.
		BeforePrepare: func(items []any) {
			for _, item := range items {
				instance := item.(*models.IssueInstance)
				instance.IsNew = instance.IssueID.IsNew()
			}
		},
		Values: func(item any) ([]any, error) {
			instance := item.(*models.IssueInstance)
			ids, err := bindIDs(instance.ID, instance.IssueID, instance.FilenameID,
				instance.CallableID, instance.RunID, instance.FixInfoID, instance.MessageID)
			if err != nil {
				return nil, err
			}
			return []any{ids[0], ids[1], instance.Location.Encode(), ids[2], ids[3],
				ids[4], ids[5], ids[6], instance.Rank,
				instance.MinTraceLengthToSources, instance.MinTraceLengthToSinks,
				instance.CallableCount, instance.IsNew}, nil
		},
	}
}

func instanceTextAssocSpec() *TableSpec {
	return &TableSpec{
		Name:    "issue_instance_shared_text_assoc",
		Columns: []string{"issue_instance_id", "shared_text_id"},
		AssocIDs: func(item any) (*dbid.ID, *dbid.ID) {
			assoc := item.(*models.IssueInstanceSharedTextAssoc)
			return assoc.IssueInstanceID, assoc.SharedTextID
		},
		Values: func(item any) ([]any, error) {
			assoc := item.(*models.IssueInstanceSharedTextAssoc)
			return bindIDs(assoc.IssueInstanceID, assoc.SharedTextID)
		},
	}
}

func traceFrameSpec() *TableSpec {
	return &TableSpec{
		Name: "trace_frames",
		Columns: []string{"id", "kind", "caller_id", "caller_port", "callee_id",
			"callee_port", "callee_location", "filename_id", "run_id", "titos",
			"type_interval_lower", "type_interval_upper", "preserves_type_context",
			"reachability"},
		ID: func(item any) *dbid.ID { return item.(*models.TraceFrame).ID },
		Values: func(item any) ([]any, error) {
			frame := item.(*models.TraceFrame)
			ids, err := bindIDs(frame.ID, frame.CallerID, frame.CalleeID, frame.FilenameID, frame.RunID)
			if err != nil {
				return nil, err
			}
			return []any{ids[0], string(frame.Kind), ids[1], frame.CallerPort, ids[2],
				frame.CalleePort, frame.CalleeLocation.Encode(), ids[3], ids[4],
				models.EncodeLocations(frame.Titos),
				bindNullableInt(frame.TypeIntervalLower), bindNullableInt(frame.TypeIntervalUpper),
				frame.PreservesTypeContext, string(frame.Reachability)}, nil
		},
	}
}

func instanceFrameAssocSpec() *TableSpec {
	return &TableSpec{
		Name:    "issue_instance_trace_frame_assoc",
		Columns: []string{"issue_instance_id", "trace_frame_id"},
		AssocIDs: func(item any) (*dbid.ID, *dbid.ID) {
			assoc := item.(*models.IssueInstanceTraceFrameAssoc)
			return assoc.IssueInstanceID, assoc.TraceFrameID
		},
		Values: func(item any) ([]any, error) {
			assoc := item.(*models.IssueInstanceTraceFrameAssoc)
			return bindIDs(assoc.IssueInstanceID, assoc.TraceFrameID)
		},
	}
}

func annotationSpec() *TableSpec {
	return &TableSpec{
		Name: "trace_frame_annotations",
		Columns: []string{"id", "trace_frame_id", "location", "kind", "message",
			"leaf_id", "link", "trace_key"},
		ID: func(item any) *dbid.ID { return item.(*models.TraceFrameAnnotation).ID },
		Values: func(item any) ([]any, error) {
			annotation := item.(*models.TraceFrameAnnotation)
			ids, err := bindIDs(annotation.ID, annotation.TraceFrameID, annotation.LeafID)
			if err != nil {
				return nil, err
			}
			return []any{ids[0], ids[1], annotation.Location.Encode(),
				bindNullableString(annotation.Kind), annotation.Message, ids[2],
				bindNullableString(annotation.Link), bindNullableString(annotation.TraceKey)}, nil
		},
	}
}

func leafAssocSpec() *TableSpec {
	return &TableSpec{
		Name:    "trace_frame_leaf_assoc",
		Columns: []string{"trace_frame_id", "leaf_id", "trace_length"},
		AssocIDs: func(item any) (*dbid.ID, *dbid.ID) {
			assoc := item.(*models.TraceFrameLeafAssoc)
			return assoc.TraceFrameID, assoc.LeafID
		},
		Values: func(item any) ([]any, error) {
			assoc := item.(*models.TraceFrameLeafAssoc)
			ids, err := bindIDs(assoc.TraceFrameID, assoc.LeafID)
			if err != nil {
				return nil, err
			}
			return []any{ids[0], ids[1], bindNullableInt(assoc.TraceLength)}, nil
		},
	}
}

func annotationFrameAssocSpec() *TableSpec {
	return &TableSpec{
		Name:    "trace_frame_annotation_trace_frame_assoc",
		Columns: []string{"trace_frame_annotation_id", "trace_frame_id"},
		AssocIDs: func(item any) (*dbid.ID, *dbid.ID) {
			assoc := item.(*models.TraceFrameAnnotationTraceFrameAssoc)
			return assoc.TraceFrameAnnotationID, assoc.TraceFrameID
		},
		Values: func(item any) ([]any, error) {
			assoc := item.(*models.TraceFrameAnnotationTraceFrameAssoc)
			return bindIDs(assoc.TraceFrameAnnotationID, assoc.TraceFrameID)
		},
	}
}

func classTypeIntervalSpec() *TableSpec {
	return &TableSpec{
		Name:    "class_type_intervals",
		Columns: []string{"id", "run_id", "class_name", "lower", "upper"},
		ID:      func(item any) *dbid.ID { return item.(*models.ClassTypeInterval).ID },
		Values: func(item any) ([]any, error) {
			interval := item.(*models.ClassTypeInterval)
			ids, err := bindIDs(interval.ID, interval.RunID)
			if err != nil {
				return nil, err
			}
			return []any{ids[0], ids[1], interval.ClassName, interval.Lower, interval.Upper}, nil
		},
	}
}

func metaRunIndexSpec() *TableSpec {
	return &TableSpec{
		Name:    "meta_run_issue_instance_index",
		Columns: []string{"issue_instance_id", "meta_run_id", "issue_instance_hash"},
		Values: func(item any) ([]any, error) {
			entry := item.(*models.MetaRunIssueInstanceIndex)
			id, err := bindID(entry.IssueInstanceID)
			if err != nil {
				return nil, err
			}
			return []any{id, entry.MetaRunID, entry.IssueInstanceHash}, nil
		},
	}
}

// defaultTableSpecs is the fixed topological save order: every foreign key
// points at a row already written or an id already reserved.
func defaultTableSpecs() []*TableSpec {
	return []*TableSpec{
		sharedTextSpec(),
		issueSpec(),
		fixInfoSpec(),
		issueInstanceSpec(),
		instanceTextAssocSpec(),
		traceFrameSpec(),
		instanceFrameAssocSpec(),
		annotationSpec(),
		leafAssocSpec(),
		annotationFrameAssocSpec(),
		classTypeIntervalSpec(),
		metaRunIndexSpec(),
	}
}

func specError(table string, err error) error {
	return fmt.Errorf("table %s: %w", table, err)
}
