// Package models defines the records persisted by the ingestion pipeline.
//
// Every cross-record reference is a *dbid.ID: unresolved while the trace
// graph is being built, resolved by the bulk saver before the row is
// written.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/sapp/internal/dbid"
)

// RunStatus tracks the lifecycle of an ingestion run.
type RunStatus string

const (
	RunIncomplete RunStatus = "incomplete"
	RunFinished   RunStatus = "finished"
)

// PurgeStatus marks whether a run's rows have been purged.
type PurgeStatus string

const (
	Unpurged PurgeStatus = "unpurged"
	Purged   PurgeStatus = "purged"
)

// IssueStatus is the triage state of a stable issue.
type IssueStatus string

const (
	StatusUncategorized IssueStatus = "uncategorized"
	StatusBadPractice   IssueStatus = "bad_practice"
	StatusFalsePositive IssueStatus = "false_positive"
	StatusValidBug      IssueStatus = "valid_bug"
	StatusDoNotCare     IssueStatus = "do_not_care"
)

// TraceKind is the direction of a trace frame.
type TraceKind string

const (
	Precondition  TraceKind = "precondition"
	Postcondition TraceKind = "postcondition"
)

// FrameReachability is computed by the trim step before saving.
type FrameReachability string

const (
	Unreachable FrameReachability = "unreachable"
	Reachable   FrameReachability = "reachable"
)

// SharedTextKind tags interned strings by their semantic role.
type SharedTextKind string

const (
	TextCallable     SharedTextKind = "callable"
	TextFilename     SharedTextKind = "filename"
	TextMessage      SharedTextKind = "message"
	TextFeature      SharedTextKind = "feature"
	TextSource       SharedTextKind = "source"
	TextSourceDetail SharedTextKind = "source_detail"
	TextSink         SharedTextKind = "sink"
	TextSinkDetail   SharedTextKind = "sink_detail"
)

// SourceLocation is a position within a file. Columns are one-based.
type SourceLocation struct {
	Line        int
	BeginColumn int
	EndColumn   int
}

// Encode renders the location in the stored "line|begin|end" form.
func (l SourceLocation) Encode() string {
	return fmt.Sprintf("%d|%d|%d", l.Line, l.BeginColumn, l.EndColumn)
}

// DecodeSourceLocation parses the stored "line|begin|end" form.
func DecodeSourceLocation(s string) (SourceLocation, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return SourceLocation{}, fmt.Errorf("malformed source location %q", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return SourceLocation{}, fmt.Errorf("malformed source location %q: %w", s, err)
		}
		nums[i] = n
	}
	return SourceLocation{Line: nums[0], BeginColumn: nums[1], EndColumn: nums[2]}, nil
}

// EncodeLocations renders tito positions in the stored comma-joined form.
func EncodeLocations(locs []SourceLocation) string {
	parts := make([]string, len(locs))
	for i, l := range locs {
		parts[i] = l.Encode()
	}
	return strings.Join(parts, ",")
}

// SharedText is an interned (kind, contents) pair. A given pair exists at
// most once per run and at most once in the persisted table.
type SharedText struct {
	ID       *dbid.ID
	Kind     SharedTextKind
	Contents string
}

// Run is one ingestion of an analysis output.
type Run struct {
	ID           *dbid.ID
	JobID        string
	Date         time.Time
	Status       RunStatus
	CommitHash   string
	Branch       string
	Repository   string
	Kind         string
	PurgeStatus  PurgeStatus
	FinishedTime int64 // epoch seconds, zero until finished
}

// Issue is a stable issue identified by a deterministic handle.
type Issue struct {
	ID              *dbid.ID
	Code            int
	Handle          string
	CallableID      *dbid.ID
	Status          IssueStatus
	DetectedTime    int64
	RunID           *dbid.ID
	FirstInstanceID *dbid.ID
}

// IssueInstance is one sighting of an Issue within a Run.
type IssueInstance struct {
	ID                      *dbid.ID
	IssueID                 *dbid.ID
	Location                SourceLocation
	FilenameID              *dbid.ID
	CallableID              *dbid.ID
	RunID                   *dbid.ID
	FixInfoID               *dbid.ID // nil when no fix info
	MessageID               *dbid.ID
	Rank                    int
	MinTraceLengthToSources int
	MinTraceLengthToSinks   int
	CallableCount           int
	IsNew                   bool
}

// IssueInstanceFixInfo carries the analyzer's suggested fix as JSON.
type IssueInstanceFixInfo struct {
	ID      *dbid.ID
	FixInfo string
}

// TraceFrame is a directed call edge in the trace graph.
//
// LeafMapping is in-memory state used during graph construction; it is not
// persisted with the frame (leaf links go through TraceFrameLeafAssoc).
type TraceFrame struct {
	ID                   *dbid.ID
	Kind                 TraceKind
	CallerID             *dbid.ID
	CallerPort           string
	CalleeID             *dbid.ID
	CalleePort           string
	CalleeLocation       SourceLocation
	FilenameID           *dbid.ID
	RunID                *dbid.ID
	Titos                []SourceLocation
	TypeIntervalLower    *int64
	TypeIntervalUpper    *int64
	PreservesTypeContext bool
	Reachability         FrameReachability
	LeafMapping          []LeafMapping
}

// LeafMapping relates a caller-side leaf kind to the callee-side leaf kind
// it becomes across this frame, attributed to a transform. All three fields
// are local ids of interned kind texts.
type LeafMapping struct {
	CallerLeaf int64
	CalleeLeaf int64
	Transform  int64
}

// TraceFrameLeafAssoc links a frame to a leaf kind with the remaining trace
// length at that frame. A nil TraceLength means unknown (features use 0).
type TraceFrameLeafAssoc struct {
	TraceFrameID *dbid.ID
	LeafID       *dbid.ID
	TraceLength  *int64
}

// IssueInstanceSharedTextAssoc links an instance to a feature, a source or
// sink kind, or a source/sink detail.
type IssueInstanceSharedTextAssoc struct {
	IssueInstanceID *dbid.ID
	SharedTextID    *dbid.ID
}

// IssueInstanceTraceFrameAssoc links an instance to its root frames.
type IssueInstanceTraceFrameAssoc struct {
	IssueInstanceID *dbid.ID
	TraceFrameID    *dbid.ID
}

// TraceFrameAnnotation is a side-trace annotation attached to a frame.
type TraceFrameAnnotation struct {
	ID           *dbid.ID
	TraceFrameID *dbid.ID
	Location     SourceLocation
	Kind         string // empty when the annotation has no kind
	Message      string
	LeafID       *dbid.ID // nil when no linked leaf
	Link         string
	TraceKey     string
}

// TraceFrameAnnotationTraceFrameAssoc links an annotation to the subtrace
// frames it leads into.
type TraceFrameAnnotationTraceFrameAssoc struct {
	TraceFrameAnnotationID *dbid.ID
	TraceFrameID           *dbid.ID
}

// ClassTypeInterval records a class's position in the type hierarchy
// numbering used by interval filtering.
type ClassTypeInterval struct {
	ID        *dbid.ID
	RunID     *dbid.ID
	ClassName string
	Lower     int64
	Upper     int64
}

// MetaRunIssueInstanceIndex deduplicates issue instances across meta runs.
type MetaRunIssueInstanceIndex struct {
	IssueInstanceID   *dbid.ID
	MetaRunID         int64
	IssueInstanceHash string
}

// WarningMessage is operator-facing documentation for an issue code.
type WarningMessage struct {
	Code    int
	Message string
}
