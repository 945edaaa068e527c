package parse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/steveyegge/sapp/internal/analysis"
	"github.com/steveyegge/sapp/internal/models"
)

// PysaParser reads Pysa/Taint jsonlines output: a file_version header line
// followed by one model or issue record per line.
type PysaParser struct {
	repoDirs []string
}

// NewPysaParser returns a parser for Pysa jsonlines version 3.
func NewPysaParser() *PysaParser {
	return &PysaParser{}
}

// Initialize stashes the repo roots used to relativize filenames.
func (p *PysaParser) Initialize(md *analysis.Metadata) {
	if md == nil {
		return
	}
	for root := range md.RepoRoots {
		if root != "" {
			p.repoDirs = append(p.repoDirs, root)
		}
	}
	sort.Strings(p.repoDirs)
}

type pysaEntry struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type pysaVersionHeader struct {
	FileVersion *int `json:"file_version"`
}

// ParseFile parses one jsonlines analysis file.
func (p *PysaParser) ParseFile(name string, data []byte) (*Stream, error) {
	stream := &Stream{}
	first := true
	err := scanLines(data, func(_ int64, line []byte) error {
		if first {
			first = false
			return p.checkFileVersion(line)
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			return nil
		}
		var entry pysaEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return errorf(truncateForError(line), "entry is not valid JSON: %v", err)
		}
		switch entry.Kind {
		case "model":
			return p.parseModel(entry.Data, stream)
		case "issue":
			return p.parseIssue(entry.Data, stream)
		default:
			return errorf(entry.Kind, "unexpected kind in entry")
		}
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (p *PysaParser) checkFileVersion(line []byte) error {
	var header pysaVersionHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return errorf(truncateForError(line), "first line is not valid JSON")
	}
	if header.FileVersion == nil {
		return errorf(truncateForError(line), "first entry must have a `file_version` attribute")
	}
	if *header.FileVersion < 3 {
		return errorf("", "file version `%d` is no longer supported", *header.FileVersion)
	}
	if *header.FileVersion > 3 {
		return errorf("", "unknown file version `%d`", *header.FileVersion)
	}
	return nil
}

// fileOffsets indexes the jsonlines file by callable, skipping the version
// header. The offsets allow later random access into sharded output.
func (p *PysaParser) fileOffsets(name string, data []byte) (map[string][]int64, error) {
	offsets := make(map[string][]int64)
	first := true
	err := scanLines(data, func(offset int64, line []byte) error {
		if first {
			first = false
			return p.checkFileVersion(line)
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			return nil
		}
		var entry struct {
			Data struct {
				Callable string `json:"callable"`
			} `json:"data"`
		}
		if err := json.Unmarshal(line, &entry); err != nil {
			return errorf(truncateForError(line), "entry is not valid JSON: %v", err)
		}
		callable := strings.TrimLeft(entry.Data.Callable, "\\")
		offsets[callable] = append(offsets[callable], offset)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offsets, nil
}

type pysaPosition struct {
	Filename string `json:"filename"`
	Line     *int   `json:"line"`
	Start    *int   `json:"start"`
	End      *int   `json:"end"`
}

func (pos *pysaPosition) location() (models.SourceLocation, error) {
	if pos.Line == nil || pos.Start == nil || pos.End == nil {
		return models.SourceLocation{}, errMissingKey("line/start/end in position")
	}
	return models.SourceLocation{
		Line: *pos.Line,
		// Pysa emits zero-based start columns; end columns are already
		// one-based.
		BeginColumn: *pos.Start + 1,
		EndColumn:   *pos.End,
	}, nil
}

type pysaCall struct {
	Position   *pysaPosition `json:"position"`
	ResolvesTo []string      `json:"resolves_to"`
	Port       string        `json:"port"`
}

type pysaLeaf struct {
	Name string `json:"name"`
	Port string `json:"port"`
}

type pysaKind struct {
	Kind   string     `json:"kind"`
	Length int64      `json:"length"`
	Leaves []pysaLeaf `json:"leaves"`
}

type pysaInterval struct {
	Lower int64 `json:"lower"`
	Upper int64 `json:"upper"`
}

type pysaExtraTraceCall struct {
	Position   *pysaPosition `json:"position"`
	ResolvesTo []string      `json:"resolves_to"`
	Port       string        `json:"port"`
}

type pysaExtraTrace struct {
	Call      *pysaExtraTraceCall `json:"call"`
	Origin    *pysaPosition       `json:"origin"`
	TraceKind string              `json:"trace_kind"`
	LeafKind  string              `json:"leaf_kind"`
	Kind      string              `json:"kind"`
	Message   string              `json:"message"`
}

type pysaFragment struct {
	Origin           *pysaPosition     `json:"origin"`
	Root             *pysaPosition     `json:"root"`
	Call             *pysaCall         `json:"call"`
	Declaration      json.RawMessage   `json:"declaration"`
	TitoPositions    []pysaPosition    `json:"tito_positions"`
	Tito             []pysaPosition    `json:"tito"`
	LocalFeatures    []json.RawMessage `json:"local_features"`
	Kinds            []pysaKind        `json:"kinds"`
	ReceiverInterval []pysaInterval    `json:"receiver_interval"`
	IsSelfCall       bool              `json:"is_self_call"`
	ExtraTraces      []pysaExtraTrace  `json:"extra_traces"`
}

type pysaTaintTree struct {
	Port  string         `json:"port"`
	Taint []pysaFragment `json:"taint"`
}

type pysaModelData struct {
	Callable *string         `json:"callable"`
	Sources  []pysaTaintTree `json:"sources"`
	Sinks    []pysaTaintTree `json:"sinks"`
}

// missingKeyError marks a record-level schema fault: the record is logged
// and skipped, the file keeps parsing.
type missingKeyError struct {
	key string
}

func (e *missingKeyError) Error() string {
	return fmt.Sprintf("missing key %s", e.key)
}

func errMissingKey(key string) error {
	return &missingKeyError{key: key}
}

func isMissingKey(err error) bool {
	var mk *missingKeyError
	return errors.As(err, &mk)
}

func (p *PysaParser) parseModel(data json.RawMessage, stream *Stream) error {
	var model pysaModelData
	if err := json.Unmarshal(data, &model); err != nil {
		return errorf(truncateForError(data), "model is not valid JSON: %v", err)
	}
	if model.Callable == nil {
		logSkippedRecord(data, errMissingKey("callable"))
		return nil
	}
	err := p.parseModelTraces(*model.Callable, model.Sources, "source", TypePostcondition, stream)
	if err == nil {
		err = p.parseModelTraces(*model.Callable, model.Sinks, "sink", TypePrecondition, stream)
	}
	if isMissingKey(err) {
		logSkippedRecord(data, err)
		return nil
	}
	return err
}

func (p *PysaParser) parseModelTraces(callable string, trees []pysaTaintTree, leafPort string, typ Type, stream *Stream) error {
	for _, tree := range trees {
		for _, fragment := range tree.Taint {
			parsed, err := p.parseFragment(leafPort, &fragment)
			if err != nil {
				return err
			}
			for _, frag := range parsed {
				stream.Conditions = append(stream.Conditions, Condition{
					Type:           typ,
					Caller:         callable,
					CallerPort:     tree.Port,
					Filename:       frag.filename,
					Callee:         frag.callee,
					CalleePort:     frag.port,
					CalleeLocation: frag.location,
					Titos:          frag.titos,
					Leaves:         dropNames(frag.leaves),
					TypeInterval:   frag.typeInterval,
					Features:       frag.features,
					Annotations:    frag.annotations,
				})
			}
		}
	}
	return nil
}

type pysaIssueTrace struct {
	Name  string          `json:"name"`
	Roots []pysaFragment  `json:"roots"`
}

type pysaIssueData struct {
	Code         *int              `json:"code"`
	Callable     *string           `json:"callable"`
	CallableLine *int              `json:"callable_line"`
	Line         *int              `json:"line"`
	Start        *int              `json:"start"`
	End          *int              `json:"end"`
	Filename     *string           `json:"filename"`
	Message      *string           `json:"message"`
	MasterHandle string            `json:"master_handle"`
	Traces       []pysaIssueTrace  `json:"traces"`
	Features     []json.RawMessage `json:"features"`
}

func (p *PysaParser) parseIssue(data json.RawMessage, stream *Stream) error {
	var issue pysaIssueData
	if err := json.Unmarshal(data, &issue); err != nil {
		return errorf(truncateForError(data), "issue is not valid JSON: %v", err)
	}
	parsed, err := p.convertIssue(&issue)
	if isMissingKey(err) {
		logSkippedRecord(data, err)
		return nil
	}
	if err != nil {
		return err
	}
	stream.Issues = append(stream.Issues, *parsed)
	return nil
}

func (p *PysaParser) convertIssue(issue *pysaIssueData) (*Issue, error) {
	for _, field := range []struct {
		ok  bool
		key string
	}{
		{issue.Code != nil, "code"},
		{issue.Callable != nil, "callable"},
		{issue.CallableLine != nil, "callable_line"},
		{issue.Line != nil, "line"},
		{issue.Start != nil, "start"},
		{issue.End != nil, "end"},
		{issue.Filename != nil, "filename"},
		{issue.Message != nil, "message"},
	} {
		if !field.ok {
			return nil, errMissingKey(field.key)
		}
	}

	preconditions, finalSinks, err := p.parseIssueTraces(issue.Traces, "backward", "sink")
	if err != nil {
		return nil, err
	}
	postconditions, initialSources, err := p.parseIssueTraces(issue.Traces, "forward", "source")
	if err != nil {
		return nil, err
	}

	filename, err := p.extractFilename(*issue.Filename)
	if err != nil {
		return nil, err
	}

	handle := issue.MasterHandle
	if handle == "" {
		// Backward compatibility: derive the handle from the issue's raw
		// position relative to its callable.
		handle = ComputeMasterHandle(
			*issue.Callable, *issue.Line-*issue.CallableLine, *issue.Start, *issue.End, *issue.Code)
	}

	return &Issue{
		Code:           *issue.Code,
		Line:           *issue.Line,
		CallableLine:   *issue.CallableLine,
		Start:          *issue.Start + 1,
		End:            *issue.End,
		Callable:       *issue.Callable,
		Handle:         handle,
		Message:        *issue.Message,
		Filename:       filename,
		Preconditions:  preconditions,
		Postconditions: postconditions,
		InitialSources: initialSources,
		FinalSinks:     finalSinks,
		Features:       flattenFeatureNames(issue.Features),
	}, nil
}

func (p *PysaParser) parseIssueTraces(traces []pysaIssueTrace, name, leafPort string) ([]IssueCondition, []IssueLeaf, error) {
	for _, trace := range traces {
		if trace.Name != name {
			continue
		}
		var conditions []IssueCondition
		leafSet := make(map[IssueLeaf]bool)
		var leaves []IssueLeaf
		for _, root := range trace.Roots {
			fragments, err := p.parseFragment(leafPort, &root)
			if err != nil {
				return nil, nil, err
			}
			for _, frag := range fragments {
				conditions = append(conditions, IssueCondition{
					Callee:       frag.callee,
					Port:         frag.port,
					Location:     frag.location,
					Leaves:       dropNames(frag.leaves),
					Titos:        frag.titos,
					Features:     frag.features,
					TypeInterval: frag.typeInterval,
					Annotations:  frag.annotations,
				})
				for _, leaf := range frag.leaves {
					key := IssueLeaf{Name: leaf.name, Kind: leaf.kind, Distance: leaf.distance}
					if !leafSet[key] {
						leafSet[key] = true
						leaves = append(leaves, key)
					}
				}
			}
		}
		return conditions, leaves, nil
	}
	return nil, nil, errorf(name, "could not find trace")
}

type namedLeaf struct {
	name     string
	kind     string
	port     string
	distance int64
}

type parsedFragment struct {
	callee       string
	port         string
	filename     string
	location     models.SourceLocation
	leaves       []namedLeaf
	titos        []models.SourceLocation
	features     []TraceFeature
	typeInterval *TypeInterval
	annotations  []TraceAnnotation
}

// parseFragment normalizes one trace fragment. Origin fragments expand to
// one fragment per distinct (leaf name, leaf port); call fragments to one
// per resolved callee; declaration fragments are user-declared and dropped.
func (p *PysaParser) parseFragment(leafPort string, fragment *pysaFragment) ([]parsedFragment, error) {
	titoJSON := fragment.TitoPositions
	if len(titoJSON) == 0 {
		titoJSON = fragment.Tito
	}
	var titos []models.SourceLocation
	for _, pos := range titoJSON {
		loc, err := pos.location()
		if err != nil {
			return nil, err
		}
		titos = append(titos, loc)
	}
	features := flattenFeatures(fragment.LocalFeatures)
	interval := parseTypeInterval(fragment)
	annotations, err := p.parseExtraTraces(fragment.ExtraTraces)
	if err != nil {
		return nil, err
	}

	origin := fragment.Origin
	if origin == nil {
		origin = fragment.Root
	}

	switch {
	case origin != nil:
		if origin.Filename == "" {
			return nil, errMissingKey("filename in origin")
		}
		loc, err := origin.location()
		if err != nil {
			return nil, err
		}
		// Leaves become direct callees, grouped by (callee, port).
		type calleeKey struct{ name, port string }
		grouped := make(map[calleeKey][]namedLeaf)
		var order []calleeKey
		for _, leaf := range parseLeaves(fragment.Kinds) {
			key := calleeKey{name: leaf.name, port: leaf.port}
			if key.name == "" {
				key.name = "leaf"
			}
			if key.port == "" {
				key.port = leafPort
			}
			if _, ok := grouped[key]; !ok {
				order = append(order, key)
			}
			grouped[key] = append(grouped[key], leaf)
		}
		out := make([]parsedFragment, 0, len(order))
		for _, key := range order {
			out = append(out, parsedFragment{
				callee:       key.name,
				port:         key.port,
				filename:     origin.Filename,
				location:     loc,
				leaves:       grouped[key],
				titos:        titos,
				features:     features,
				typeInterval: interval,
				annotations:  annotations,
			})
		}
		return out, nil

	case fragment.Call != nil:
		call := fragment.Call
		if call.Position == nil || call.Position.Filename == "" {
			return nil, errMissingKey("position in call")
		}
		loc, err := call.Position.location()
		if err != nil {
			return nil, err
		}
		leaves := parseLeaves(fragment.Kinds)
		out := make([]parsedFragment, 0, len(call.ResolvesTo))
		for _, resolved := range call.ResolvesTo {
			out = append(out, parsedFragment{
				callee:       resolved,
				port:         call.Port,
				filename:     call.Position.Filename,
				location:     loc,
				leaves:       leaves,
				titos:        titos,
				features:     features,
				typeInterval: interval,
				annotations:  annotations,
			})
		}
		return out, nil

	case fragment.Declaration != nil:
		return nil, nil

	default:
		return nil, errorf("", "unexpected trace fragment")
	}
}

func parseLeaves(kinds []pysaKind) []namedLeaf {
	var leaves []namedLeaf
	for _, kind := range kinds {
		kindLeaves := kind.Leaves
		if len(kindLeaves) == 0 {
			kindLeaves = []pysaLeaf{{}}
		}
		for _, leaf := range kindLeaves {
			leaves = append(leaves, namedLeaf{
				name:     leaf.Name,
				kind:     kind.Kind,
				port:     leaf.Port,
				distance: kind.Length,
			})
		}
	}
	return leaves
}

func dropNames(leaves []namedLeaf) []Leaf {
	out := make([]Leaf, len(leaves))
	for i, leaf := range leaves {
		out[i] = Leaf{Kind: leaf.kind, Distance: leaf.distance}
	}
	return out
}

func parseTypeInterval(fragment *pysaFragment) *TypeInterval {
	if len(fragment.ReceiverInterval) == 0 && !fragment.IsSelfCall {
		return nil
	}
	start, finish := int64(0), int64(math.MaxInt64)
	if len(fragment.ReceiverInterval) > 0 {
		start, finish = fragment.ReceiverInterval[0].Lower, fragment.ReceiverInterval[0].Upper
		for _, iv := range fragment.ReceiverInterval[1:] {
			start = min(start, iv.Lower)
			finish = max(finish, iv.Upper)
		}
	}
	return &TypeInterval{Start: start, Finish: finish, PreservesTypeContext: fragment.IsSelfCall}
}

func (p *PysaParser) parseExtraTraces(extraTraces []pysaExtraTrace) ([]TraceAnnotation, error) {
	var annotations []TraceAnnotation
	for _, extra := range extraTraces {
		var location models.SourceLocation
		var firstHops []AnnotationSubtrace
		switch {
		case extra.Call != nil:
			call := extra.Call
			if call.Position == nil {
				return nil, errMissingKey("position in extra_traces call")
			}
			pos, err := call.Position.location()
			if err != nil {
				return nil, err
			}
			for _, resolved := range call.ResolvesTo {
				firstHops = append(firstHops, AnnotationSubtrace{
					Callee:   resolved,
					Port:     call.Port,
					Position: pos,
				})
			}
			if len(firstHops) == 0 {
				continue
			}
			location = pos
		case extra.Origin != nil:
			pos, err := extra.Origin.location()
			if err != nil {
				return nil, err
			}
			location = pos
		default:
			return nil, errorf("", `expect key "call" or "origin" in "extra_traces"`)
		}
		traceKind := extra.TraceKind
		if traceKind == "" {
			traceKind = "tito_transform"
		}
		leafKind := extra.LeafKind
		if leafKind == "" {
			leafKind = extra.Kind
		}
		annotations = append(annotations, TraceAnnotation{
			Location:  location,
			Kind:      traceKind,
			Msg:       extra.Message,
			LeafKind:  leafKind,
			Subtraces: firstHops,
		})
	}
	return annotations, nil
}

// extractFilename relativizes an absolute filename against the known repo
// roots.
func (p *PysaParser) extractFilename(complete string) (string, error) {
	if len(p.repoDirs) == 0 || !strings.HasPrefix(complete, "/") {
		return complete, nil
	}
	for _, repoDir := range p.repoDirs {
		repoDir = strings.TrimRight(repoDir, "/")
		if repoDir != "" && strings.HasPrefix(complete, repoDir+"/") {
			return complete[len(repoDir)+1:], nil
		}
	}
	return "", fmt.Errorf(
		"expected filename (%s) to start with a repo root (%v); check the repo roots in the metadata",
		complete, p.repoDirs)
}

// flattenFeatures renders feature objects as "key" or "key:value" names.
func flattenFeatures(raw []json.RawMessage) []TraceFeature {
	var out []TraceFeature
	for _, name := range flattenFeatureNames(raw) {
		out = append(out, TraceFeature{Name: name})
	}
	return out
}

func flattenFeatureNames(raw []json.RawMessage) []string {
	var names []string
	for _, entry := range raw {
		var asString string
		if err := json.Unmarshal(entry, &asString); err == nil {
			names = append(names, asString)
			continue
		}
		var asMap map[string]any
		if err := json.Unmarshal(entry, &asMap); err != nil {
			continue
		}
		keys := make([]string, 0, len(asMap))
		for k := range asMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v, ok := asMap[k].(string); ok && v != "" {
				names = append(names, k+":"+v)
			} else {
				names = append(names, k)
			}
		}
	}
	return names
}

func truncateForError(data []byte) string {
	const limit = 200
	s := string(data)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// The most common parse problem is a record missing an expected field;
// those are logged with the offending JSON and skipped rather than failing
// the whole file.
func logSkippedRecord(data json.RawMessage, err error) {
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") != nil {
		pretty.Write(data)
	}
	log.WithField("error", err.Error()).Warnf("unable to parse trace for the following:\n%s", pretty.String())
}
