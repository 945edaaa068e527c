// Package graph holds the in-memory trace graph built from one analysis
// run: interned shared texts, issues and their instances, trace frames
// keyed by caller, and the association records that tie them together.
// Everything references everything else through dbid placeholders; nothing
// here touches the database.
package graph

import (
	"strings"

	"github.com/steveyegge/sapp/internal/dbid"
	"github.com/steveyegge/sapp/internal/models"
)

type frameKey struct {
	kind       models.TraceKind
	callerText int64
	callerPort string
}

// TraceGraph is the run-scoped trace graph.
type TraceGraph struct {
	texts *interner

	issues         []*models.Issue
	issueInstances []*models.IssueInstance
	fixInfos       []*models.IssueInstanceFixInfo

	frames       []*models.TraceFrame
	framesByKey  map[frameKey][]*models.TraceFrame
	framesByID   map[int64]*models.TraceFrame
	annotations  []*models.TraceFrameAnnotation
	leafAssocs   []*models.TraceFrameLeafAssoc
	instTexts    []*models.IssueInstanceSharedTextAssoc
	instFrames   []*models.IssueInstanceTraceFrameAssoc
	annFrames    []*models.TraceFrameAnnotationTraceFrameAssoc
	intervals    []*models.ClassTypeInterval
	metaRunIndex []*models.MetaRunIssueInstanceIndex
}

// New returns an empty trace graph.
func New() *TraceGraph {
	return &TraceGraph{
		texts:       newInterner(),
		framesByKey: make(map[frameKey][]*models.TraceFrame),
		framesByID:  make(map[int64]*models.TraceFrame),
	}
}

// GetOrAddSharedText interns (kind, contents) and returns the unique record.
func (g *TraceGraph) GetOrAddSharedText(kind models.SharedTextKind, contents string) *models.SharedText {
	return g.texts.getOrAdd(kind, contents)
}

// GetText returns the contents behind a shared-text placeholder.
func (g *TraceGraph) GetText(id *dbid.ID) string {
	if st := g.texts.lookupLocal(id.LocalID()); st != nil {
		return st.Contents
	}
	return ""
}

// SharedTextCount reports how many distinct texts were interned.
func (g *TraceGraph) SharedTextCount() int {
	return len(g.texts.all())
}

// AddIssue records a stable issue.
func (g *TraceGraph) AddIssue(issue *models.Issue) {
	g.issues = append(g.issues, issue)
}

// AddIssueInstance records an issue sighting.
func (g *TraceGraph) AddIssueInstance(instance *models.IssueInstance) {
	g.issueInstances = append(g.issueInstances, instance)
}

// AddIssueInstanceFixInfo attaches fix info to an instance.
func (g *TraceGraph) AddIssueInstanceFixInfo(instance *models.IssueInstance, fixInfo *models.IssueInstanceFixInfo) {
	instance.FixInfoID = fixInfo.ID
	g.fixInfos = append(g.fixInfos, fixInfo)
}

// Issues returns all issues added so far.
func (g *TraceGraph) Issues() []*models.Issue {
	return g.issues
}

// IssueInstances returns all instances added so far.
func (g *TraceGraph) IssueInstances() []*models.IssueInstance {
	return g.issueInstances
}

// Frames returns all trace frames added so far.
func (g *TraceGraph) Frames() []*models.TraceFrame {
	return g.frames
}

// SharedTexts returns the interned texts in insertion order.
func (g *TraceGraph) SharedTexts() []*models.SharedText {
	return g.texts.all()
}

// FixInfos returns all fix-info records.
func (g *TraceGraph) FixInfos() []*models.IssueInstanceFixInfo {
	return g.fixInfos
}

// LeafAssocs returns all frame-leaf association records.
func (g *TraceGraph) LeafAssocs() []*models.TraceFrameLeafAssoc {
	return g.leafAssocs
}

// InstanceTextAssocs returns all instance-text association records.
func (g *TraceGraph) InstanceTextAssocs() []*models.IssueInstanceSharedTextAssoc {
	return g.instTexts
}

// InstanceFrameAssocs returns all instance-frame association records.
func (g *TraceGraph) InstanceFrameAssocs() []*models.IssueInstanceTraceFrameAssoc {
	return g.instFrames
}

// Annotations returns all trace frame annotations.
func (g *TraceGraph) Annotations() []*models.TraceFrameAnnotation {
	return g.annotations
}

// AnnotationFrameAssocs returns all annotation-frame association records.
func (g *TraceGraph) AnnotationFrameAssocs() []*models.TraceFrameAnnotationTraceFrameAssoc {
	return g.annFrames
}

// ClassTypeIntervals returns the run's class interval records.
func (g *TraceGraph) ClassTypeIntervals() []*models.ClassTypeInterval {
	return g.intervals
}

// MetaRunIndex returns the run's meta-run index records.
func (g *TraceGraph) MetaRunIndex() []*models.MetaRunIssueInstanceIndex {
	return g.metaRunIndex
}

// AddTraceFrame indexes a frame under (kind, caller, caller_port).
func (g *TraceGraph) AddTraceFrame(frame *models.TraceFrame) {
	key := frameKey{kind: frame.Kind, callerText: frame.CallerID.LocalID(), callerPort: frame.CallerPort}
	g.framesByKey[key] = append(g.framesByKey[key], frame)
	g.framesByID[frame.ID.LocalID()] = frame
	g.frames = append(g.frames, frame)
}

// HasTraceFramesWithCaller reports whether frames exist for the key.
func (g *TraceGraph) HasTraceFramesWithCaller(kind models.TraceKind, callerID *dbid.ID, callerPort string) bool {
	key := frameKey{kind: kind, callerText: callerID.LocalID(), callerPort: callerPort}
	return len(g.framesByKey[key]) > 0
}

// TraceFramesFromCaller returns the frames indexed under the key.
func (g *TraceGraph) TraceFramesFromCaller(kind models.TraceKind, callerID *dbid.ID, callerPort string) []*models.TraceFrame {
	key := frameKey{kind: kind, callerText: callerID.LocalID(), callerPort: callerPort}
	return g.framesByKey[key]
}

// AddTraceFrameLeafAssoc links a frame to a leaf kind with its remaining
// trace length.
func (g *TraceGraph) AddTraceFrameLeafAssoc(frame *models.TraceFrame, leaf *models.SharedText, length *int64) {
	g.leafAssocs = append(g.leafAssocs, &models.TraceFrameLeafAssoc{
		TraceFrameID: frame.ID,
		LeafID:       leaf.ID,
		TraceLength:  length,
	})
}

// AddIssueInstanceSharedTextAssoc links an instance to a shared text.
func (g *TraceGraph) AddIssueInstanceSharedTextAssoc(instance *models.IssueInstance, text *models.SharedText) {
	g.instTexts = append(g.instTexts, &models.IssueInstanceSharedTextAssoc{
		IssueInstanceID: instance.ID,
		SharedTextID:    text.ID,
	})
}

// AddIssueInstanceSharedTextAssocID is AddIssueInstanceSharedTextAssoc for
// a leaf known only by its interned local id.
func (g *TraceGraph) AddIssueInstanceSharedTextAssocID(instance *models.IssueInstance, textLocal int64) {
	if st := g.texts.lookupLocal(textLocal); st != nil {
		g.AddIssueInstanceSharedTextAssoc(instance, st)
	}
}

// AddIssueInstanceTraceFrameAssoc links an instance to one of its root
// frames.
func (g *TraceGraph) AddIssueInstanceTraceFrameAssoc(instance *models.IssueInstance, frame *models.TraceFrame) {
	g.instFrames = append(g.instFrames, &models.IssueInstanceTraceFrameAssoc{
		IssueInstanceID: instance.ID,
		TraceFrameID:    frame.ID,
	})
}

// AddTraceAnnotation records a side-trace annotation.
func (g *TraceGraph) AddTraceAnnotation(annotation *models.TraceFrameAnnotation) {
	g.annotations = append(g.annotations, annotation)
}

// AddTraceFrameAnnotationTraceFrameAssoc links an annotation to a subtrace
// frame.
func (g *TraceGraph) AddTraceFrameAnnotationTraceFrameAssoc(annotation *models.TraceFrameAnnotation, frame *models.TraceFrame) {
	g.annFrames = append(g.annFrames, &models.TraceFrameAnnotationTraceFrameAssoc{
		TraceFrameAnnotationID: annotation.ID,
		TraceFrameID:           frame.ID,
	})
}

// AddClassTypeInterval records a class interval row for this run.
func (g *TraceGraph) AddClassTypeInterval(interval *models.ClassTypeInterval) {
	g.intervals = append(g.intervals, interval)
}

// AddMetaRunIssueInstance records a meta-run index entry.
func (g *TraceGraph) AddMetaRunIssueInstance(entry *models.MetaRunIssueInstanceIndex) {
	g.metaRunIndex = append(g.metaRunIndex, entry)
}

var leafPortPrefixes = []string{"anchor:", "producer:", "leaf:", "source:", "sink:"}

// IsLeafPort reports whether a port terminates a trace: exactly leaf,
// source or sink, or carrying one of the CRTEX/leaf prefixes.
func IsLeafPort(port string) bool {
	switch port {
	case "leaf", "source", "sink":
		return true
	}
	for _, prefix := range leafPortPrefixes {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	return false
}

// GetTransformNormalizedCallerKindID returns the interned id of the
// caller-side view of a leaf kind: the kind text with its local transform
// component stripped. "LocalT@GlobalT:Base" is seen by the caller as
// "GlobalT:Base".
func (g *TraceGraph) GetTransformNormalizedCallerKindID(leaf *models.SharedText) int64 {
	if at := strings.Index(leaf.Contents, "@"); at >= 0 {
		normalized := g.GetOrAddSharedText(leaf.Kind, leaf.Contents[at+1:])
		return normalized.ID.LocalID()
	}
	return leaf.ID.LocalID()
}

// GetTransformedCalleeKindID returns the interned id of the callee-side
// view of a leaf kind: the full transformed kind.
func (g *TraceGraph) GetTransformedCalleeKindID(leaf *models.SharedText) int64 {
	return leaf.ID.LocalID()
}

// ComputeNextLeafKinds applies a frame's leaf mapping to an outgoing leaf
// set: a trace entering the frame with caller_leaf continues with
// callee_leaf.
func ComputeNextLeafKinds(outgoing map[int64]bool, mapping []models.LeafMapping) map[int64]bool {
	next := make(map[int64]bool)
	for _, lm := range mapping {
		if outgoing[lm.CallerLeaf] {
			next[lm.CalleeLeaf] = true
		}
	}
	return next
}

// IntervalsCompatible reports whether two adjacent frames agree on type
// intervals: true when either side lacks an interval or ignores intervals,
// otherwise when the intervals overlap.
func IntervalsCompatible(a, b *models.TraceFrame) bool {
	if intervalIgnored(a) || intervalIgnored(b) {
		return true
	}
	return *a.TypeIntervalLower <= *b.TypeIntervalUpper && *b.TypeIntervalLower <= *a.TypeIntervalUpper
}

func intervalIgnored(f *models.TraceFrame) bool {
	return f.TypeIntervalLower == nil || f.TypeIntervalUpper == nil || !f.PreservesTypeContext
}

// NextFrames returns the frames following f during trace navigation: frames
// of the same kind whose caller matches f's callee and whose type interval
// is compatible with f's.
func (g *TraceGraph) NextFrames(f *models.TraceFrame) []*models.TraceFrame {
	var out []*models.TraceFrame
	for _, next := range g.TraceFramesFromCaller(f.Kind, f.CalleeID, f.CalleePort) {
		if IntervalsCompatible(f, next) {
			out = append(out, next)
		}
	}
	return out
}
