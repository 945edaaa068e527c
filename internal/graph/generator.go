package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/sapp/internal/dbid"
	"github.com/steveyegge/sapp/internal/logging"
	"github.com/steveyegge/sapp/internal/metrics"
	"github.com/steveyegge/sapp/internal/models"
	"github.com/steveyegge/sapp/internal/parse"
)

var log = logging.For("model-generator")

// Conditions keeping more tito positions than this are truncated.
const maxTitos = 200

// BigTito identifies a condition whose tito positions were truncated.
type BigTito struct {
	Filename string
	Callable string
	Count    int
}

// GeneratorOptions carries the run attributes and optional meta-run
// recording configuration.
type GeneratorOptions struct {
	JobID      string
	Repository string
	Branch     string
	CommitHash string
	RunKind    string

	// RecordMetaRunIssueInstances indexes instances under MetaRunID for
	// cross-meta-run deduplication.
	RecordMetaRunIssueInstances bool
	MetaRunID                   int64

	// StoreUnusedModels materializes frames for conditions no issue
	// reached.
	StoreUnusedModels bool
}

// GeneratorResult is the trace graph plus the per-run summary leftovers.
type GeneratorResult struct {
	Graph *TraceGraph
	Run   *models.Run

	// TraceEntries holds conditions never consumed by frame generation.
	TraceEntries map[models.TraceKind]map[parse.ConditionKey][]parse.Condition
	// MissingTraces holds (callable, port) keys that were requested but
	// had no conditions.
	MissingTraces map[models.TraceKind]map[parse.ConditionKey]bool
	// BigTito holds the conditions whose titos were truncated.
	BigTito map[BigTito]bool
}

// Generator builds a trace graph from partitioned parse entries.
type Generator struct {
	opts  GeneratorOptions
	graph *TraceGraph
	run   *models.Run

	traceEntries  map[models.TraceKind]map[parse.ConditionKey][]parse.Condition
	missingTraces map[models.TraceKind]map[parse.ConditionKey]bool
	bigTito       map[BigTito]bool

	// frame local id -> leaf ids already propagated through it
	visitedFrames map[int64]map[int64]bool
}

// NewGenerator returns a generator for one run.
func NewGenerator(opts GeneratorOptions) *Generator {
	return &Generator{
		opts:  opts,
		graph: New(),
		missingTraces: map[models.TraceKind]map[parse.ConditionKey]bool{
			models.Precondition:  {},
			models.Postcondition: {},
		},
		bigTito:       make(map[BigTito]bool),
		visitedFrames: make(map[int64]map[int64]bool),
	}
}

// Generate builds the graph: one issue (with synthetic root frames and
// their transitive closure) per parse issue.
func (g *Generator) Generate(entries *parse.Entries) (*GeneratorResult, error) {
	g.run = &models.Run{
		ID:          dbid.New(),
		JobID:       g.opts.JobID,
		Date:        time.Now(),
		Status:      models.RunIncomplete,
		CommitHash:  g.opts.CommitHash,
		Branch:      g.opts.Branch,
		Repository:  g.opts.Repository,
		Kind:        g.opts.RunKind,
		PurgeStatus: models.Unpurged,
	}
	g.traceEntries = map[models.TraceKind]map[parse.ConditionKey][]parse.Condition{
		models.Precondition:  entries.Preconditions,
		models.Postcondition: entries.Postconditions,
	}

	callables := computeCallablesCount(entries.Issues)

	log.Info("Generating issues and traces")
	for i := range entries.Issues {
		if err := g.generateIssue(&entries.Issues[i], callables); err != nil {
			return nil, err
		}
	}

	if g.opts.StoreUnusedModels {
		for kind, buckets := range g.traceEntries {
			for _, conditions := range buckets {
				for i := range conditions {
					g.generateTraceFrame(kind, &conditions[i])
				}
			}
		}
	}

	return &GeneratorResult{
		Graph:         g.graph,
		Run:           g.run,
		TraceEntries:  g.traceEntries,
		MissingTraces: g.missingTraces,
		BigTito:       g.bigTito,
	}, nil
}

func computeCallablesCount(issues []parse.Issue) map[string]int {
	count := make(map[string]int)
	for _, issue := range issues {
		count[issue.Callable]++
	}
	return count
}

func minimumTraceLength(conditions []parse.IssueCondition) int {
	var length *int64
	for _, cond := range conditions {
		for _, leaf := range cond.Leaves {
			if length == nil || *length > leaf.Distance {
				d := leaf.Distance
				length = &d
			}
		}
	}
	if length == nil {
		return 0
	}
	return int(*length)
}

// generateIssue inserts the issue instance into the run, creating the
// stable Issue to associate, its sink/source details, and the synthetic
// root frames into each first hop.
func (g *Generator) generateIssue(entry *parse.Issue, callablesCount map[string]int) error {
	var traceFrames []*models.TraceFrame
	finalSinkKinds := make(map[int64]bool)
	initialSourceKinds := make(map[int64]bool)

	for i := range entry.Preconditions {
		frame, newSinkIDs := g.generateIssueTraces(models.Precondition, entry, &entry.Preconditions[i])
		for id := range newSinkIDs {
			finalSinkKinds[id] = true
		}
		traceFrames = append(traceFrames, frame)
	}
	for i := range entry.Postconditions {
		frame, newSourceIDs := g.generateIssueTraces(models.Postcondition, entry, &entry.Postconditions[i])
		for id := range newSourceIDs {
			initialSourceKinds[id] = true
		}
		traceFrames = append(traceFrames, frame)
	}

	var sourceDetails, sinkDetails []*models.SharedText
	for _, leaf := range entry.InitialSources {
		if leaf.Name != "" {
			sourceDetails = append(sourceDetails, g.graph.GetOrAddSharedText(models.TextSourceDetail, leaf.Name))
		}
	}
	for _, leaf := range entry.FinalSinks {
		if leaf.Name != "" {
			sinkDetails = append(sinkDetails, g.graph.GetOrAddSharedText(models.TextSinkDetail, leaf.Name))
		}
	}

	callableRecord := g.graph.GetOrAddSharedText(models.TextCallable, entry.Callable)

	// Create the instance id ahead so the issue can link to it. Issues are
	// only saved when their handle is first seen, so first_instance_id is
	// always safe to set.
	instanceID := dbid.New()

	issue := &models.Issue{
		ID:              dbid.New(),
		Code:            entry.Code,
		Handle:          entry.Handle,
		CallableID:      callableRecord.ID,
		Status:          models.StatusUncategorized,
		DetectedTime:    g.run.Date.Unix(),
		RunID:           g.run.ID,
		FirstInstanceID: instanceID,
	}
	g.graph.AddIssue(issue)

	var fixInfo *models.IssueInstanceFixInfo
	if entry.FixInfo != "" {
		fixInfo = &models.IssueInstanceFixInfo{ID: dbid.New(), FixInfo: entry.FixInfo}
	}

	message := g.graph.GetOrAddSharedText(models.TextMessage, entry.Message)
	filenameRecord := g.graph.GetOrAddSharedText(models.TextFilename, entry.Filename)

	instance := &models.IssueInstance{
		ID:         instanceID,
		IssueID:    issue.ID,
		Location:   models.SourceLocation{Line: entry.Line, BeginColumn: entry.Start, EndColumn: entry.End},
		FilenameID: filenameRecord.ID,
		CallableID: callableRecord.ID,
		RunID:      g.run.ID,
		MessageID:  message.ID,
		Rank:       0,
		MinTraceLengthToSources: minimumTraceLength(entry.Postconditions),
		MinTraceLengthToSinks:   minimumTraceLength(entry.Preconditions),
		CallableCount:           callablesCount[entry.Callable],
	}

	for sink := range finalSinkKinds {
		g.graph.AddIssueInstanceSharedTextAssocID(instance, sink)
	}
	for _, detail := range sinkDetails {
		g.graph.AddIssueInstanceSharedTextAssoc(instance, detail)
	}
	for source := range initialSourceKinds {
		g.graph.AddIssueInstanceSharedTextAssocID(instance, source)
	}
	for _, detail := range sourceDetails {
		g.graph.AddIssueInstanceSharedTextAssoc(instance, detail)
	}

	if fixInfo != nil {
		g.graph.AddIssueInstanceFixInfo(instance, fixInfo)
	}
	for _, frame := range traceFrames {
		g.graph.AddIssueInstanceTraceFrameAssoc(instance, frame)
	}
	for _, feature := range entry.Features {
		record := g.graph.GetOrAddSharedText(models.TextFeature, feature)
		g.graph.AddIssueInstanceSharedTextAssoc(instance, record)
	}

	g.graph.AddIssueInstance(instance)

	if g.opts.RecordMetaRunIssueInstances {
		g.graph.AddMetaRunIssueInstance(&models.MetaRunIssueInstanceIndex{
			IssueInstanceID:   instance.ID,
			MetaRunID:         g.opts.MetaRunID,
			IssueInstanceHash: computeIssueInstanceHash(entry),
		})
	}
	return nil
}

// computeIssueInstanceHash keys an instance for deduplication across the
// runs of one meta run.
func computeIssueInstanceHash(entry *parse.Issue) string {
	key := fmt.Sprintf("%s:%d:%d:%d:%d", entry.Filename, entry.Code, entry.Line, entry.Start, entry.End)
	return parse.ComputeHandleFromKey(key)
}

// generateTito truncates oversized tito lists, reporting each offender
// once.
func (g *Generator) generateTito(filename string, titos []models.SourceLocation, callable string) []models.SourceLocation {
	if len(titos) <= maxTitos {
		return titos
	}
	key := BigTito{Filename: filename, Callable: callable, Count: len(titos)}
	if !g.bigTito[key] {
		log.WithFields(map[string]any{
			"filename": filename,
			"callable": callable,
			"titos":    len(titos),
		}).Info("Big Tito")
		g.bigTito[key] = true
		metrics.BigTitos.Inc()
	}
	return titos[:maxTitos]
}

// generateIssueTraces emits the synthetic frame for the call edge from the
// issue's callable into the start of a trace, then everything reachable
// from it. Returns the frame and the caller-side leaf ids it exposes.
func (g *Generator) generateIssueTraces(kind models.TraceKind, issue *parse.Issue, cond *parse.IssueCondition) (*models.TraceFrame, map[int64]bool) {
	callerPort := cond.RootPort
	if callerPort == "" {
		callerPort = "root"
	}
	titos := g.generateTito(issue.Filename, cond.Titos, issue.Callable)
	frame := g.generateRawTraceFrame(rawFrame{
		kind:         kind,
		filename:     issue.Filename,
		caller:       issue.Callable,
		callerPort:   callerPort,
		callee:       cond.Callee,
		calleePort:   cond.Port,
		location:     cond.Location,
		titos:        titos,
		leaves:       cond.Leaves,
		typeInterval: cond.TypeInterval,
		annotations:  cond.Annotations,
		features:     cond.Features,
	})
	callerLeafIDs := make(map[int64]bool)
	calleeLeafIDs := make(map[int64]bool)
	for _, lm := range frame.LeafMapping {
		callerLeafIDs[lm.CallerLeaf] = true
		calleeLeafIDs[lm.CalleeLeaf] = true
	}
	g.generateTransitiveTraceFrames(frame, calleeLeafIDs)
	return frame, callerLeafIDs
}

// generateTransitiveTraceFrames generates all frames reachable from
// startFrame that carry a leaf id from the outgoing set. Each hop maps the
// outgoing set through the next frame's leaf mapping: a leaf entering as
// the caller-side kind continues as the callee-side kind, which carries
// that frame's local transform.
func (g *Generator) generateTransitiveTraceFrames(startFrame *models.TraceFrame, outgoingLeafIDs map[int64]bool) {
	kind := startFrame.Kind
	type queueItem struct {
		frame    *models.TraceFrame
		outgoing map[int64]bool
	}
	queue := []queueItem{{frame: startFrame, outgoing: outgoingLeafIDs}}
	for len(queue) > 0 {
		item := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		frame, outgoing := item.frame, item.outgoing
		if len(outgoing) == 0 {
			continue
		}

		frameID := frame.ID.LocalID()
		if seen, ok := g.visitedFrames[frameID]; ok {
			remaining := make(map[int64]bool)
			for id := range outgoing {
				if !seen[id] {
					remaining[id] = true
				}
			}
			if len(remaining) == 0 {
				continue
			}
			for id := range remaining {
				seen[id] = true
			}
			outgoing = remaining
		} else {
			g.visitedFrames[frameID] = copySet(outgoing)
		}

		for _, next := range g.getOrPopulateTraceFrames(kind, frame.CalleeID, frame.CalleePort) {
			queue = append(queue, queueItem{
				frame:    next,
				outgoing: ComputeNextLeafKinds(outgoing, next.LeafMapping),
			})
		}
	}
}

func copySet(s map[int64]bool) map[int64]bool {
	out := make(map[int64]bool, len(s))
	for k := range s {
		out[k] = true
	}
	return out
}

// getOrPopulateTraceFrames returns the frames outgoing from (caller, port),
// consuming parse entries to create them on first need. Requests for
// non-leaf ports with no conditions are recorded as missing traces.
func (g *Generator) getOrPopulateTraceFrames(kind models.TraceKind, callerID *dbid.ID, callerPort string) []*models.TraceFrame {
	if g.graph.HasTraceFramesWithCaller(kind, callerID, callerPort) {
		return g.graph.TraceFramesFromCaller(kind, callerID, callerPort)
	}
	key := parse.ConditionKey{Caller: g.graph.GetText(callerID), Port: callerPort}
	entries := g.traceEntries[kind][key]
	delete(g.traceEntries[kind], key)
	frames := make([]*models.TraceFrame, 0, len(entries))
	for i := range entries {
		frames = append(frames, g.generateTraceFrame(kind, &entries[i]))
	}
	if len(frames) == 0 && !IsLeafPort(callerPort) {
		g.missingTraces[kind][key] = true
	}
	return frames
}

func (g *Generator) generateTraceFrame(kind models.TraceKind, entry *parse.Condition) *models.TraceFrame {
	titos := g.generateTito(entry.Filename, entry.Titos, entry.Caller)
	return g.generateRawTraceFrame(rawFrame{
		kind:         kind,
		filename:     entry.Filename,
		caller:       entry.Caller,
		callerPort:   entry.CallerPort,
		callee:       entry.Callee,
		calleePort:   entry.CalleePort,
		location:     entry.CalleeLocation,
		titos:        titos,
		leaves:       entry.Leaves,
		typeInterval: entry.TypeInterval,
		annotations:  entry.Annotations,
		features:     entry.Features,
	})
}

type rawFrame struct {
	kind         models.TraceKind
	filename     string
	caller       string
	callerPort   string
	callee       string
	calleePort   string
	location     models.SourceLocation
	titos        []models.SourceLocation
	leaves       []parse.Leaf
	typeInterval *parse.TypeInterval
	annotations  []parse.TraceAnnotation
	features     []parse.TraceFeature
}

func (g *Generator) generateRawTraceFrame(raw rawFrame) *models.TraceFrame {
	leafKind := models.TextSink
	if raw.kind == models.Postcondition {
		leafKind = models.TextSource
	}

	var lower, upper *int64
	preserves := false
	if raw.typeInterval != nil {
		start, finish := raw.typeInterval.Start, raw.typeInterval.Finish
		lower, upper = &start, &finish
		preserves = raw.typeInterval.PreservesTypeContext
	}

	callerRecord := g.graph.GetOrAddSharedText(models.TextCallable, raw.caller)
	calleeRecord := g.graph.GetOrAddSharedText(models.TextCallable, raw.callee)
	filenameRecord := g.graph.GetOrAddSharedText(models.TextFilename, raw.filename)

	type leafWithDepth struct {
		record *models.SharedText
		depth  int64
	}
	var leafRecords []leafWithDepth
	mappingSet := make(map[models.LeafMapping]bool)
	var mapping []models.LeafMapping
	for _, leaf := range raw.leaves {
		leafRecord := g.graph.GetOrAddSharedText(leafKind, leaf.Kind)
		lm := models.LeafMapping{
			CallerLeaf: g.graph.GetTransformNormalizedCallerKindID(leafRecord),
			CalleeLeaf: g.graph.GetTransformedCalleeKindID(leafRecord),
			Transform:  leafRecord.ID.LocalID(),
		}
		if !mappingSet[lm] {
			mappingSet[lm] = true
			mapping = append(mapping, lm)
		}
		leafRecords = append(leafRecords, leafWithDepth{record: leafRecord, depth: leaf.Distance})
	}

	frame := &models.TraceFrame{
		ID:                   dbid.New(),
		Kind:                 raw.kind,
		CallerID:             callerRecord.ID,
		CallerPort:           raw.callerPort,
		CalleeID:             calleeRecord.ID,
		CalleePort:           raw.calleePort,
		CalleeLocation:       raw.location,
		FilenameID:           filenameRecord.ID,
		RunID:                g.run.ID,
		Titos:                raw.titos,
		TypeIntervalLower:    lower,
		TypeIntervalUpper:    upper,
		PreservesTypeContext: preserves,
		Reachability:         models.Unreachable,
		LeafMapping:          mapping,
	}

	for _, leaf := range leafRecords {
		depth := leaf.depth
		g.graph.AddTraceFrameLeafAssoc(frame, leaf.record, &depth)
	}

	// Features ride the frame-leaf assoc table with zero trace length.
	zero := int64(0)
	for _, feature := range raw.features {
		featureRecord := g.graph.GetOrAddSharedText(models.TextFeature, feature.Name)
		g.graph.AddTraceFrameLeafAssoc(frame, featureRecord, &zero)

		if len(feature.Locations) > 0 {
			// Annotate a single feature per line to keep traces readable.
			byLine := make(map[int]models.SourceLocation)
			var lines []int
			for _, loc := range feature.Locations {
				if _, ok := byLine[loc.Line]; !ok {
					lines = append(lines, loc.Line)
				}
				byLine[loc.Line] = loc
			}
			for _, line := range lines {
				g.graph.AddTraceAnnotation(&models.TraceFrameAnnotation{
					ID:           dbid.New(),
					TraceFrameID: frame.ID,
					Location:     byLine[line],
					Message:      feature.Name,
				})
			}
		}
	}

	g.graph.AddTraceFrame(frame)
	g.generateTraceAnnotations(frame, raw.filename, raw.caller, raw.annotations)
	return frame
}

func (g *Generator) generateTraceAnnotations(frame *models.TraceFrame, parentFilename, parentCaller string, annotations []parse.TraceAnnotation) {
	for i := range annotations {
		annotation := &annotations[i]
		traceLeafKind, traceKind := models.TextSource, models.Postcondition
		if annotation.Kind == "tito_transform" || annotation.Kind == "sink" {
			traceLeafKind, traceKind = models.TextSink, models.Precondition
		}
		record := &models.TraceFrameAnnotation{
			ID:           dbid.New(),
			TraceFrameID: frame.ID,
			Location:     annotation.Location,
			Kind:         annotation.Kind,
			Message:      annotation.Msg,
			Link:         annotation.Link,
			TraceKey:     annotation.TraceKey,
		}
		if annotation.LeafKind != "" {
			record.LeafID = g.graph.GetOrAddSharedText(traceLeafKind, annotation.LeafKind).ID
		}
		g.graph.AddTraceAnnotation(record)

		for _, subtrace := range annotation.Subtraces {
			tf := g.generateAnnotationTrace(traceKind, parentFilename, parentCaller, subtrace, annotation)
			g.graph.AddTraceFrameAnnotationTraceFrameAssoc(record, tf)
		}
	}
}

// generateAnnotationTrace emits the first-hop frame of an annotation's
// subtrace plus everything reachable from it.
func (g *Generator) generateAnnotationTrace(traceKind models.TraceKind, parentFilename, parentCaller string, subtrace parse.AnnotationSubtrace, annotation *parse.TraceAnnotation) *models.TraceFrame {
	titos := g.generateTito(parentFilename, annotation.Titos, parentCaller)
	frame := g.generateRawTraceFrame(rawFrame{
		kind:         traceKind,
		filename:     parentFilename,
		caller:       parentCaller,
		callerPort:   "root",
		callee:       subtrace.Callee,
		calleePort:   subtrace.Port,
		location:     annotation.Location,
		titos:        titos,
		leaves:       []parse.Leaf{{Kind: annotation.LeafKind, Distance: annotation.LeafDepth}},
		typeInterval: annotation.TypeInterval,
	})
	calleeLeafIDs := make(map[int64]bool)
	for _, lm := range frame.LeafMapping {
		calleeLeafIDs[lm.CalleeLeaf] = true
	}
	g.generateTransitiveTraceFrames(frame, calleeLeafIDs)
	return frame
}

// AddClassTypeIntervals loads class interval rows for this run's graph.
func (g *GeneratorResult) AddClassTypeIntervals(intervals []ClassInterval) {
	for _, iv := range intervals {
		g.Graph.AddClassTypeInterval(&models.ClassTypeInterval{
			ID:        dbid.New(),
			RunID:     g.Run.ID,
			ClassName: iv.ClassName,
			Lower:     iv.Lower,
			Upper:     iv.Upper,
		})
	}
}

// ClassInterval is one row of a class_type_intervals file.
type ClassInterval struct {
	ClassName string `json:"class_name"`
	Lower     int64  `json:"lower"`
	Upper     int64  `json:"upper"`
}

// ParseClassIntervals reads a class intervals JSON document: a list of
// {class_name, lower, upper} objects.
func ParseClassIntervals(data []byte) ([]ClassInterval, error) {
	var intervals []ClassInterval
	if err := json.Unmarshal(data, &intervals); err != nil {
		return nil, fmt.Errorf("parsing class type intervals: %w", err)
	}
	return intervals, nil
}
