package parse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/steveyegge/sapp/internal/models"
)

const (
	mtUnknownPath = "unknown"
	mtUnknownLine = -1
)

// Kind names canonicalize to flat strings so that traces connect across
// frames: partial kinds as "Partial:<name>:<label>", transform kinds as
// "<local>@<global>:<base>" with each component optional except base.
func mtParseKindName(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var obj struct {
		Base         *string `json:"base"`
		Local        string  `json:"local"`
		Global       string  `json:"global"`
		Name         *string `json:"name"`
		PartialLabel *string `json:"partial_label"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", errorf(truncateForError(raw), "unable to parse kind object: %v", err)
	}
	if obj.Base != nil {
		name := ""
		if obj.Local != "" {
			name += obj.Local + "@"
		}
		if obj.Global != "" {
			name += obj.Global + ":"
		}
		if name == "" {
			return "", errorf(truncateForError(raw), "transform kind must have a local or global transform")
		}
		return name + *obj.Base, nil
	}
	if obj.PartialLabel != nil {
		// Applies to both partial and triggered-partial kinds; the string
		// form must match for their traces to connect.
		if obj.Name == nil {
			return "", errorf(truncateForError(raw), "partial kind must have a name")
		}
		return fmt.Sprintf("Partial:%s:%s", *obj.Name, *obj.PartialLabel), nil
	}
	return "", errorf(truncateForError(raw), "unable to parse kind object: need 'base' or 'partial_label'")
}

// mtMethodFromJSON canonicalizes a method reference, folding parameter type
// overrides into the name.
func mtMethodFromJSON(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var obj struct {
		Name                   string `json:"name"`
		ParameterTypeOverrides []struct {
			Parameter int    `json:"parameter"`
			Type      string `json:"type"`
		} `json:"parameter_type_overrides"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", errorf(truncateForError(raw), "unable to parse method: %v", err)
	}
	name := obj.Name
	if len(obj.ParameterTypeOverrides) > 0 {
		overrides := make([]string, len(obj.ParameterTypeOverrides))
		for i, o := range obj.ParameterTypeOverrides {
			overrides[i] = fmt.Sprintf("%d: %s", o.Parameter, o.Type)
		}
		name += "[" + strings.Join(overrides, ", ") + "]"
	}
	return name, nil
}

var crtexArgumentRe = regexp.MustCompile(`argument\((-?\d+)\)`)

// mtPortToCrtex converts 'argument(n)' to 'formal(n)'; other CRTEX tools
// use 'formal' to denote argument positions.
func mtPortToCrtex(port string) string {
	return crtexArgumentRe.ReplaceAllString(port, "formal($1)")
}

// mtPortFromJSON canonicalizes a port: lowercase root segment, leaf mapped
// to the surrounding leaf kind, return mapped to result, and CRTEX
// anchor/producer ports re-encoded with formal() argument positions.
func mtPortFromJSON(port, leafKind string) (string, error) {
	elements := strings.Split(port, ".")
	if len(elements) == 0 || elements[0] == "" {
		return "", errorf(port, "invalid port")
	}
	elements[0] = strings.ToLower(elements[0])
	switch {
	case elements[0] == "leaf":
		elements[0] = leafKind
	case elements[0] == "return":
		elements[0] = "result"
	case elements[0] == "anchor":
		// Anchor.<MT port, e.g. Argument(0)> becomes "anchor:formal(0)".
		canonical, err := mtPortFromJSON(strings.Join(elements[1:], "."), "unreachable_leaf_kind_anchor")
		if err != nil {
			return "", err
		}
		return elements[0] + ":" + mtPortToCrtex(canonical), nil
	case elements[0] == "producer" && len(elements) >= 3:
		// Producer.<producer_id>.<MT port> becomes
		// "producer:<producer_id>:<canonical port>".
		canonical, err := mtPortFromJSON(strings.Join(elements[2:], "."), "unreachable_leaf_kind_producer")
		if err != nil {
			return "", err
		}
		return elements[0] + ":" + elements[1] + ":" + mtPortToCrtex(canonical), nil
	}
	return strings.Join(elements, "."), nil
}

func mtPortIsLeaf(port string) bool {
	return strings.HasPrefix(port, "source") ||
		strings.HasPrefix(port, "sink") ||
		strings.HasPrefix(port, "anchor:") ||
		strings.HasPrefix(port, "producer:")
}

type mtPositionJSON struct {
	Path  *string `json:"path"`
	Line  *int    `json:"line"`
	Start int     `json:"start"`
	End   int     `json:"end"`
}

type mtPosition struct {
	path  string
	line  int
	start int
	end   int
}

func mtDefaultPosition() mtPosition {
	return mtPosition{path: mtUnknownPath, line: mtUnknownLine, start: 0, end: 0}
}

// mtPositionFromJSON normalizes a position. A missing path is derived from
// the method's JVM signature: strip the leading 'L', everything from the
// first ';', and any '$' suffix.
func mtPositionFromJSON(pos *mtPositionJSON, method string) mtPosition {
	out := mtDefaultPosition()
	if pos == nil {
		if out.path == mtUnknownPath && method != "" {
			out.path = mtPathFromMethod(method)
		}
		return out
	}
	if pos.Path != nil {
		out.path = *pos.Path
	}
	if pos.Line != nil {
		out.line = *pos.Line
	}
	out.start = pos.Start + 1
	out.end = max(pos.End+1, out.start)
	if out.path == mtUnknownPath && method != "" {
		out.path = mtPathFromMethod(method)
	}
	return out
}

func mtPathFromMethod(method string) string {
	path := strings.SplitN(method, ";", 2)[0]
	path = strings.SplitN(path, "$", 2)[0]
	if len(path) > 0 {
		path = path[1:]
	}
	return path
}

func (p mtPosition) location() models.SourceLocation {
	return models.SourceLocation{Line: p.line, BeginColumn: p.start, EndColumn: p.end}
}

func mtPositionLess(a, b mtPosition) bool {
	if a.path != b.path {
		return a.path < b.path
	}
	if a.line != b.line {
		return a.line < b.line
	}
	if a.start != b.start {
		return a.start < b.start
	}
	return a.end < b.end
}

// mtOrigin is a call to a leaf/terminal trace.
type mtOrigin struct {
	calleeName string
	calleePort string
}

type mtOriginJSON struct {
	Method        json.RawMessage `json:"method"`
	Field         json.RawMessage `json:"field"`
	CanonicalName json.RawMessage `json:"canonical_name"`
	Port          *string         `json:"port"`
	Exploitability json.RawMessage `json:"exploitability_root"`
}

// mtOriginFromJSON normalizes an origin. The origin's port must indicate a
// terminal trace so downstream reachability knows when to stop; non-CRTEX
// ports always become <leaf_kind>[:<actual port>].
func mtOriginFromJSON(origin *mtOriginJSON, leafKind string) (mtOrigin, error) {
	calleeRaw := origin.Method
	if calleeRaw == nil {
		calleeRaw = origin.Field
	}
	if calleeRaw == nil {
		calleeRaw = origin.CanonicalName
	}
	if calleeRaw == nil {
		return mtOrigin{}, errorf("", "no callee found in origin")
	}
	calleeName, err := mtMethodFromJSON(calleeRaw)
	if err != nil {
		return mtOrigin{}, err
	}

	var calleePort string
	if origin.CanonicalName != nil {
		// All CRTEX ports are considered leaf ports.
		if origin.Port == nil {
			return mtOrigin{}, errorf("", "no port found in CRTEX origin")
		}
		calleePort, err = mtPortFromJSON(*origin.Port, leafKind)
	} else if origin.Port != nil {
		var actual string
		actual, err = mtPortFromJSON(*origin.Port, leafKind)
		if err == nil {
			calleePort, err = mtPortFromJSON(leafKind+":"+actual, leafKind)
		}
	} else {
		calleePort, err = mtPortFromJSON(leafKind, leafKind)
	}
	if err != nil {
		return mtOrigin{}, err
	}
	if !mtPortIsLeaf(calleePort) {
		return mtOrigin{}, errorf(calleePort, "encountered non-leaf port in origin")
	}
	return mtOrigin{calleeName: calleeName, calleePort: calleePort}, nil
}

// mtCallInfo mirrors the analysis's CallInfo object.
type mtCallInfo struct {
	callKind string
	method   string // empty when absent
	port     string
	position mtPosition
}

type mtCallInfoJSON struct {
	CallKind   *string         `json:"call_kind"`
	ResolvesTo json.RawMessage `json:"resolves_to"`
	Port       *string         `json:"port"`
	Position   *mtPositionJSON `json:"position"`
}

func mtCallInfoFromJSON(raw *mtCallInfoJSON, leafKind string, callerPosition mtPosition) (mtCallInfo, error) {
	if raw == nil || raw.CallKind == nil {
		return mtCallInfo{}, errMissingKey("call_info.call_kind")
	}
	info := mtCallInfo{callKind: *raw.CallKind}
	if raw.ResolvesTo != nil {
		method, err := mtMethodFromJSON(raw.ResolvesTo)
		if err != nil {
			return mtCallInfo{}, err
		}
		info.method = method
	}
	portJSON := leafKind
	if raw.Port != nil {
		portJSON = *raw.Port
	}
	port, err := mtPortFromJSON(portJSON, leafKind)
	if err != nil {
		return mtCallInfo{}, err
	}
	info.port = port
	if raw.Position == nil {
		info.position = callerPosition
	} else {
		info.position = mtPositionFromJSON(raw.Position, info.method)
	}
	return info, nil
}

// A declaration covers source/sink declarations (Declaration) and
// propagation declarations (PropagationWithTrace:Declaration).
func (c mtCallInfo) isDeclaration() bool {
	return strings.Contains(c.callKind, "Declaration")
}

func (c mtCallInfo) isOrigin() bool {
	return strings.Contains(c.callKind, "Origin")
}

func (c mtCallInfo) isCallSite() bool {
	return strings.Contains(c.callKind, "CallSite")
}

func (c mtCallInfo) isPropagationWithoutTrace() bool {
	return c.callKind == "Propagation"
}

func (c mtCallInfo) isPropagationWithTrace() bool {
	return strings.Contains(c.callKind, "PropagationWithTrace")
}

// mtLocalPositions reads a taint's local positions, sorted.
func mtLocalPositions(positions []*mtPositionJSON, method string) []models.SourceLocation {
	parsed := make([]mtPosition, 0, len(positions))
	for _, pos := range positions {
		parsed = append(parsed, mtPositionFromJSON(pos, method))
	}
	sort.Slice(parsed, func(i, j int) bool { return mtPositionLess(parsed[i], parsed[j]) })
	out := make([]models.SourceLocation, len(parsed))
	for i, pos := range parsed {
		out[i] = pos.location()
	}
	return out
}

type mtFeaturesJSON struct {
	MayFeatures    []string `json:"may_features"`
	AlwaysFeatures []string `json:"always_features"`
}

// mtFeatures renders may/always feature sets as sorted names, with always
// features prefixed "always-".
func mtFeatures(sets ...*mtFeaturesJSON) []string {
	seen := make(map[string]bool)
	for _, set := range sets {
		if set == nil {
			continue
		}
		for _, f := range set.MayFeatures {
			seen[f] = true
		}
		for _, f := range set.AlwaysFeatures {
			seen["always-"+f] = true
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func mtFeaturesAsTraceFeatures(sets ...*mtFeaturesJSON) []TraceFeature {
	names := mtFeatures(sets...)
	out := make([]TraceFeature, len(names))
	for i, name := range names {
		out[i] = TraceFeature{Name: name}
	}
	return out
}

// mtTypeInterval is the callee's class interval from the kind JSON. When
// "callee_interval" exists, "preserves_type_context" must exist too.
type mtTypeInterval struct {
	lower     int64
	upper     int64
	preserves bool
}

func (ti *mtTypeInterval) toParse() *TypeInterval {
	if ti == nil {
		return nil
	}
	return &TypeInterval{Start: ti.lower, Finish: ti.upper, PreservesTypeContext: ti.preserves}
}

// mtIntervalKey partitions kinds; the zero key means "no interval".
type mtIntervalKey struct {
	present   bool
	lower     int64
	upper     int64
	preserves bool
}

func (ti *mtTypeInterval) key() mtIntervalKey {
	if ti == nil {
		return mtIntervalKey{}
	}
	return mtIntervalKey{present: true, lower: ti.lower, upper: ti.upper, preserves: ti.preserves}
}

type mtExtraTraceJSON struct {
	Kind      json.RawMessage `json:"kind"`
	CallInfo  *mtCallInfoJSON `json:"call_info"`
	FrameType *string         `json:"frame_type"`
}

type mtExtraTrace struct {
	kind      string
	callee    mtCallInfo
	frameType string
}

func mtExtraTraceFromJSON(raw *mtExtraTraceJSON, callerPosition mtPosition) (mtExtraTrace, error) {
	if raw.FrameType == nil {
		return mtExtraTrace{}, errMissingKey("extra_traces.frame_type")
	}
	kind, err := mtParseKindName(raw.Kind)
	if err != nil {
		return mtExtraTrace{}, err
	}
	callee, err := mtCallInfoFromJSON(raw.CallInfo, *raw.FrameType, callerPosition)
	if err != nil {
		return mtExtraTrace{}, err
	}
	return mtExtraTrace{kind: kind, callee: callee, frameType: *raw.FrameType}, nil
}

func (e mtExtraTrace) toAnnotation() TraceAnnotation {
	var subtraces []AnnotationSubtrace
	if e.callee.method != "" {
		subtraces = []AnnotationSubtrace{{
			Callee:   e.callee.method,
			Port:     e.callee.port,
			Position: e.callee.position.location(),
		}}
	}
	// Origins carry no callee method, so no subtrace can be attached;
	// only callsites announce one.
	message := ""
	if e.callee.isCallSite() {
		message = "Subtrace: "
	}
	if e.callee.isPropagationWithTrace() {
		message += "Propagation through " + e.kind
	} else {
		message += fmt.Sprintf("To %s kind: %s", e.frameType, e.kind)
	}
	return TraceAnnotation{
		Location:  e.callee.position.location(),
		Kind:      e.frameType,
		Msg:       message,
		LeafKind:  e.kind,
		Subtraces: subtraces,
	}
}

type mtKindJSON struct {
	Kind                 json.RawMessage     `json:"kind"`
	Distance             int64               `json:"distance"`
	Origins              []*mtOriginJSON     `json:"origins"`
	ExtraTraces          []*mtExtraTraceJSON `json:"extra_traces"`
	CalleeInterval       []int64             `json:"callee_interval"`
	PreservesTypeContext *bool               `json:"preserves_type_context"`
	CanonicalNames       []json.RawMessage   `json:"canonical_names"`
	FieldCallee          *string             `json:"field_callee"`
}

type mtKind struct {
	name        string
	distance    int64
	origins     []mtOrigin
	extraTraces []mtExtraTrace
	interval    *mtTypeInterval
}

func mtKindFromJSON(raw *mtKindJSON, leafKind string, callerPosition mtPosition) (mtKind, error) {
	name, err := mtParseKindName(raw.Kind)
	if err != nil {
		return mtKind{}, err
	}
	kind := mtKind{name: name, distance: raw.Distance}
	for _, origin := range raw.Origins {
		// Exploitability roots are internal to the analysis.
		if origin.Exploitability != nil {
			continue
		}
		parsed, err := mtOriginFromJSON(origin, leafKind)
		if err != nil {
			return mtKind{}, err
		}
		kind.origins = append(kind.origins, parsed)
	}
	for _, extra := range raw.ExtraTraces {
		parsed, err := mtExtraTraceFromJSON(extra, callerPosition)
		if err != nil {
			return mtKind{}, err
		}
		kind.extraTraces = append(kind.extraTraces, parsed)
	}
	if len(raw.CalleeInterval) >= 2 {
		if raw.PreservesTypeContext == nil {
			return mtKind{}, errMissingKey("preserves_type_context")
		}
		kind.interval = &mtTypeInterval{
			lower:     raw.CalleeInterval[0],
			upper:     raw.CalleeInterval[1],
			preserves: *raw.PreservesTypeContext,
		}
	}
	return kind, nil
}

// mtPartitionByInterval groups kinds by type interval, preserving first-seen
// order of intervals.
func mtPartitionByInterval(kinds []mtKind) []struct {
	interval *mtTypeInterval
	kinds    []mtKind
} {
	var order []mtIntervalKey
	grouped := make(map[mtIntervalKey][]mtKind)
	intervals := make(map[mtIntervalKey]*mtTypeInterval)
	for _, kind := range kinds {
		key := kind.interval.key()
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
			intervals[key] = kind.interval
		}
		grouped[key] = append(grouped[key], kind)
	}
	out := make([]struct {
		interval *mtTypeInterval
		kinds    []mtKind
	}, len(order))
	for i, key := range order {
		out[i].interval = intervals[key]
		out[i].kinds = grouped[key]
	}
	return out
}

// Compiler-generated anonymous class numbers churn with unrelated changes;
// for handles they are stripped and replaced with the issue's line relative
// to its callable.
var mtSyntheticLambdaPatterns = []string{
	"$$ExternalSyntheticLambda",
	"$$Lambda$",
	"$",
}

func mtSplitClassNameAtLambdaPattern(className string) (string, string) {
	idx := strings.Index(className, "$")
	if idx < 0 {
		return className, ""
	}
	// Keep the $ in the prefix to separate nested anonymous classes.
	prefix := className[:idx+1]
	remaining := className[idx:]
	for _, pattern := range mtSyntheticLambdaPatterns {
		if strings.HasPrefix(remaining, pattern) {
			remaining = remaining[len(pattern):]
			break
		}
	}
	i := 0
	for i < len(remaining) && remaining[i] >= '0' && remaining[i] <= '9' {
		i++
	}
	return prefix, remaining[i:]
}

// StripAnonymousClassNumbers removes compiler-generated digit runs from a
// callee signature's class name, recording the issue's relative line so the
// handle stays stable when unrelated code moves.
func StripAnonymousClassNumbers(calleeSignature string, callableLine, issueLine int) string {
	firstSemicolon := strings.Index(calleeSignature, ";")
	if firstSemicolon < 0 {
		return calleeSignature
	}
	className := calleeSignature[:firstSemicolon]
	stripped, remaining := mtSplitClassNameAtLambdaPattern(className)
	for len(remaining) > 0 {
		var prefix string
		prefix, remaining = mtSplitClassNameAtLambdaPattern(remaining)
		stripped += prefix
	}
	if stripped == className {
		return calleeSignature
	}
	relativeLine := -1
	if issueLine > -1 && issueLine >= callableLine {
		relativeLine = issueLine - callableLine
	}
	return fmt.Sprintf("%s#%d%s", stripped, relativeLine, calleeSignature[firstSemicolon:])
}
