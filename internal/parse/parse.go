// Package parse normalizes per-tool analyzer output into tool-independent
// parse records: issues, preconditions, and postconditions. Variant parsers
// (pysa, mariana-trench) share only the record types and the base helpers
// here.
package parse

import (
	"fmt"

	"github.com/steveyegge/sapp/internal/analysis"
	"github.com/steveyegge/sapp/internal/models"
)

// Type discriminates parse records.
type Type string

const (
	TypeIssue         Type = "issue"
	TypePrecondition  Type = "precondition"
	TypePostcondition Type = "postcondition"
)

// Error reports a schema or version mismatch in analyzer output. Received
// carries the offending fragment for diagnostics.
type Error struct {
	Message  string
	Received string
}

func (e *Error) Error() string {
	if e.Received == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (received: %s)", e.Message, e.Received)
}

func errorf(received string, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Received: received}
}

// TraceFeature is a breadcrumb attached to a condition, optionally pinned
// to source locations.
type TraceFeature struct {
	Name      string
	Locations []models.SourceLocation
}

// TypeInterval is the callee's position in the type hierarchy numbering.
type TypeInterval struct {
	Start                int64
	Finish               int64
	PreservesTypeContext bool
}

// AnnotationSubtrace is the first hop of a side trace.
type AnnotationSubtrace struct {
	Callee   string
	Port     string
	Position models.SourceLocation
}

// TraceAnnotation is a side-trace annotation carried on a condition.
type TraceAnnotation struct {
	Location     models.SourceLocation
	Kind         string
	Msg          string
	LeafKind     string // empty when absent
	LeafDepth    int64
	TypeInterval *TypeInterval
	Link         string
	TraceKey     string
	Titos        []models.SourceLocation
	Subtraces    []AnnotationSubtrace
}

// Leaf is a (kind, distance) pair on a condition.
type Leaf struct {
	Kind     string
	Distance int64
}

// IssueLeaf is a (callee name, kind, distance) triple collected from an
// issue's initial sources or final sinks.
type IssueLeaf struct {
	Name     string
	Kind     string
	Distance int64
}

// Condition is a normalized pre- or postcondition model entry.
type Condition struct {
	Type           Type
	Caller         string
	CallerPort     string
	Filename       string
	Callee         string
	CalleePort     string
	CalleeLocation models.SourceLocation
	Titos          []models.SourceLocation
	Leaves         []Leaf
	TypeInterval   *TypeInterval
	Features       []TraceFeature
	Annotations    []TraceAnnotation
}

// IssueCondition is a condition carried directly on an issue: the first hop
// out of the issue's callable.
type IssueCondition struct {
	Callee       string
	Port         string
	RootPort     string // caller-side port override; empty means "root"
	Location     models.SourceLocation
	Leaves       []Leaf
	Titos        []models.SourceLocation
	Features     []TraceFeature
	TypeInterval *TypeInterval
	Annotations  []TraceAnnotation
}

// Issue is a normalized issue record.
type Issue struct {
	Code           int
	Line           int
	CallableLine   int
	Start          int
	End            int
	Callable       string
	Handle         string
	Message        string
	Filename       string
	Preconditions  []IssueCondition
	Postconditions []IssueCondition
	InitialSources []IssueLeaf
	FinalSinks     []IssueLeaf
	Features       []string
	FixInfo        string // JSON, empty when absent
}

// Stream is the flat result of parsing one file.
type Stream struct {
	Issues     []Issue
	Conditions []Condition
}

func (s *Stream) append(o *Stream) {
	s.Issues = append(s.Issues, o.Issues...)
	s.Conditions = append(s.Conditions, o.Conditions...)
}

// ConditionKey buckets conditions by caller and caller port.
type ConditionKey struct {
	Caller string
	Port   string
}

// Entries is the parse stream partitioned for the model generator.
type Entries struct {
	Issues         []Issue
	Preconditions  map[ConditionKey][]Condition
	Postconditions map[ConditionKey][]Condition
}

// Parser is a variant-specific front end. Initialize is called once with
// run metadata before parsing; ParseFile parses one analysis file.
type Parser interface {
	Initialize(md *analysis.Metadata)
	ParseFile(name string, data []byte) (*Stream, error)
}

// New selects the parser variant for the run's metadata.
func New(md *analysis.Metadata) (Parser, error) {
	switch {
	case md != nil && md.Tool == "pysa":
		return NewPysaParser(), nil
	case md != nil && md.Tool == "mariana_trench" && md.AnalysisToolVersion == "0.2":
		return NewMarianaTrenchParser(), nil
	case md == nil || md.Tool == "":
		// Bare files with no metadata default to pysa jsonlines.
		return NewPysaParser(), nil
	}
	return nil, fmt.Errorf("no parser for tool %q version %q", md.Tool, md.AnalysisToolVersion)
}
