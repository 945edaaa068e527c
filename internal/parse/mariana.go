package parse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/steveyegge/sapp/internal/analysis"
)

// MarianaTrenchParser reads Mariana-Trench 0.2 output: one method model
// per JSON line. Non-method (field) models are skipped since traces show
// methods only.
type MarianaTrenchParser struct {
	rules       map[int]analysis.Rule
	initialized bool
}

// NewMarianaTrenchParser returns a parser for Mariana-Trench 0.2.
func NewMarianaTrenchParser() *MarianaTrenchParser {
	return &MarianaTrenchParser{rules: make(map[int]analysis.Rule)}
}

// Initialize stashes the rule dictionary used to build issue messages.
func (p *MarianaTrenchParser) Initialize(md *analysis.Metadata) {
	if p.initialized {
		return
	}
	if md != nil && len(md.Rules) > 0 {
		p.rules = md.Rules
	}
	p.initialized = true
}

type mtModel struct {
	Method      json.RawMessage    `json:"method"`
	Position    *mtPositionJSON    `json:"position"`
	Issues      []json.RawMessage  `json:"issues"`
	Sinks       []mtConditionModel `json:"sinks"`
	EffectSinks []mtConditionModel `json:"effect_sinks"`
	Generations []mtConditionModel `json:"generations"`
	Propagation []mtConditionModel `json:"propagation"`
}

type mtConditionModel struct {
	Port   *string     `json:"port"`
	Input  *string     `json:"input"`
	Taint  []mtTaint   `json:"taint"`
	Output []mtTaint   `json:"output"`
}

type mtTaint struct {
	CallInfo       *mtCallInfoJSON   `json:"call_info"`
	Kinds          []*mtKindJSON     `json:"kinds"`
	LocalPositions []*mtPositionJSON `json:"local_positions"`
	LocalFeatures  *mtFeaturesJSON   `json:"local_features"`
	// User-declared features are reported as local features so they show
	// up on the trace frame.
	LocalUserFeatures *mtFeaturesJSON `json:"local_user_features"`
}

// ParseFile parses one line-delimited model file. Lines starting with //
// are comments.
func (p *MarianaTrenchParser) ParseFile(name string, data []byte) (*Stream, error) {
	stream := &Stream{}
	err := scanLines(data, func(_ int64, line []byte) error {
		if len(line) == 0 || strings.HasPrefix(string(line), "//") {
			return nil
		}
		var model mtModel
		if err := json.Unmarshal(line, &model); err != nil {
			return errorf(truncateForError(line), "model is not valid JSON: %v", err)
		}
		if model.Method == nil {
			// Field models have no traces.
			return nil
		}
		if err := p.parseModel(&model, stream); err != nil {
			if isMissingKey(err) {
				logSkippedRecord(line, err)
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (p *MarianaTrenchParser) parseModel(model *mtModel, stream *Stream) error {
	callable, err := mtMethodFromJSON(model.Method)
	if err != nil {
		return err
	}
	callablePosition := mtPositionFromJSON(model.Position, callable)

	if err := p.parseIssues(model, callable, callablePosition, stream); err != nil {
		return err
	}
	conditionSets := []struct {
		conditions []mtConditionModel
		portKey    string
		leafKind   string
		typ        Type
	}{
		{model.Sinks, "port", "sink", TypePrecondition},
		{model.EffectSinks, "port", "sink", TypePrecondition},
		{model.Generations, "port", "source", TypePostcondition},
		{model.Propagation, "input", "sink", TypePrecondition},
	}
	for _, set := range conditionSets {
		if err := p.parseConditions(set.conditions, set.portKey, set.leafKind, set.typ,
			callable, callablePosition, stream); err != nil {
			return err
		}
	}
	return nil
}

type mtIssueJSON struct {
	Rule      *int              `json:"rule"`
	Callee    *string           `json:"callee"`
	SinkIndex *int              `json:"sink_index"`
	Position  *mtPositionJSON   `json:"position"`
	Sinks     []mtTaint         `json:"sinks"`
	Sources   []mtTaint         `json:"sources"`
	mtFeaturesJSON
}

func (p *MarianaTrenchParser) parseIssues(model *mtModel, callable string, callablePosition mtPosition, stream *Stream) error {
	for _, raw := range model.Issues {
		var issue mtIssueJSON
		if err := json.Unmarshal(raw, &issue); err != nil {
			return errorf(truncateForError(raw), "issue is not valid JSON: %v", err)
		}
		if issue.Rule == nil {
			return errMissingKey("rule")
		}
		if issue.Callee == nil {
			return errMissingKey("callee")
		}
		if issue.SinkIndex == nil {
			return errMissingKey("sink_index")
		}
		rule, ok := p.rules[*issue.Rule]
		if !ok {
			return errorf(fmt.Sprintf("%d", *issue.Rule), "unknown rule code in issue")
		}
		issuePosition := mtPositionFromJSON(issue.Position, callable)

		preconditions, finalSinks, err := p.parseIssueConditions(issue.Sinks, callable, callablePosition, "sink")
		if err != nil {
			return err
		}
		postconditions, initialSources, err := p.parseIssueConditions(issue.Sources, callable, callablePosition, "source")
		if err != nil {
			return err
		}

		handle := ComputeHandleFromKey(fmt.Sprintf("%s:%s:%d:%d",
			callable,
			StripAnonymousClassNumbers(*issue.Callee, callablePosition.line, issuePosition.line),
			*issue.SinkIndex, *issue.Rule))

		stream.Issues = append(stream.Issues, Issue{
			Code:           *issue.Rule,
			Message:        fmt.Sprintf("%s: %s", rule.Name, rule.Description),
			Callable:       callable,
			Handle:         handle,
			Filename:       callablePosition.path,
			CallableLine:   callablePosition.line,
			Line:           issuePosition.line,
			Start:          issuePosition.start,
			End:            issuePosition.end,
			Preconditions:  preconditions,
			Postconditions: postconditions,
			InitialSources: initialSources,
			FinalSinks:     finalSinks,
			Features:       mtFeatures(&issue.mtFeaturesJSON),
		})
	}
	return nil
}

func (p *MarianaTrenchParser) parseIssueConditions(taints []mtTaint, callable string, callablePosition mtPosition, leafKind string) ([]IssueCondition, []IssueLeaf, error) {
	var conditions []IssueCondition
	leafSet := make(map[IssueLeaf]bool)
	var leaves []IssueLeaf

	for _, taint := range taints {
		localPositions := mtLocalPositions(taint.LocalPositions, callable)
		features := mtFeaturesAsTraceFeatures(taint.LocalUserFeatures, taint.LocalFeatures)
		callInfo, err := mtCallInfoFromJSON(taint.CallInfo, leafKind, callablePosition)
		if err != nil {
			return nil, nil, err
		}

		kinds := make([]mtKind, 0, len(taint.Kinds))
		for _, kindJSON := range taint.Kinds {
			kind, err := mtKindFromJSON(kindJSON, leafKind, callablePosition)
			if err != nil {
				return nil, nil, err
			}
			kinds = append(kinds, kind)
			for _, origin := range kind.origins {
				leaf := IssueLeaf{Name: origin.calleeName, Kind: kind.name, Distance: kind.distance}
				if !leafSet[leaf] {
					leafSet[leaf] = true
					leaves = append(leaves, leaf)
				}
			}
		}

		if callInfo.isDeclaration() {
			return nil, nil, errorf(callInfo.callKind, "unexpected declaration frame at issue %s", leafKind)
		}

		if callInfo.isOrigin() {
			for _, group := range mtPartitionByInterval(kinds) {
				for _, kind := range group.kinds {
					for _, origin := range kind.origins {
						conditions = append(conditions, IssueCondition{
							Callee:       origin.calleeName,
							Port:         origin.calleePort,
							Location:     callInfo.position.location(),
							Leaves:       []Leaf{{Kind: kind.name, Distance: kind.distance}},
							Titos:        localPositions,
							Features:     features,
							TypeInterval: group.interval.toParse(),
							Annotations:  extraTraceAnnotations(kind.extraTraces),
						})
					}
				}
			}
		} else {
			for _, group := range mtPartitionByInterval(kinds) {
				var condLeaves []Leaf
				var extraTraces []mtExtraTrace
				for _, kind := range group.kinds {
					condLeaves = append(condLeaves, Leaf{Kind: kind.name, Distance: kind.distance})
					extraTraces = append(extraTraces, kind.extraTraces...)
				}
				conditions = append(conditions, IssueCondition{
					Callee:       callInfo.method,
					Port:         callInfo.port,
					Location:     callInfo.position.location(),
					Leaves:       condLeaves,
					Titos:        localPositions,
					Features:     features,
					TypeInterval: group.interval.toParse(),
					Annotations:  extraTraceAnnotations(extraTraces),
				})
			}
		}
	}
	return conditions, leaves, nil
}

func (p *MarianaTrenchParser) parseConditions(conditionModels []mtConditionModel, portKey, leafKind string, typ Type, callable string, callerPosition mtPosition, stream *Stream) error {
	for _, conditionModel := range conditionModels {
		var portJSON *string
		switch portKey {
		case "input":
			portJSON = conditionModel.Input
		default:
			portJSON = conditionModel.Port
		}
		if portJSON == nil {
			return errMissingKey(portKey)
		}
		callerPort, err := mtPortFromJSON(*portJSON, leafKind)
		if err != nil {
			return err
		}

		taints := conditionModel.Taint
		if portKey == "input" {
			taints = conditionModel.Output
		}
		for _, unnormalized := range taints {
			// CRTEX and field-callee frames carry callee information inside
			// the kind objects; normalize them one callee per frame first.
			var normalized []mtTaint
			for _, taint := range normalizeFieldCallees(unnormalized) {
				normalized = append(normalized, normalizeCrtexConditions(taint, callable, *portJSON)...)
			}

			for _, taint := range normalized {
				callInfo, err := mtCallInfoFromJSON(taint.CallInfo, leafKind, callerPosition)
				if err != nil {
					return err
				}
				// (User-)declarations do not translate into trace frames;
				// propagations without traces can also be ignored.
				if callInfo.isDeclaration() || callInfo.isPropagationWithoutTrace() {
					continue
				}

				localPositions := mtLocalPositions(taint.LocalPositions, callable)
				features := mtFeaturesAsTraceFeatures(taint.LocalUserFeatures, taint.LocalFeatures)

				kinds := make([]mtKind, 0, len(taint.Kinds))
				for _, kindJSON := range taint.Kinds {
					kind, err := mtKindFromJSON(kindJSON, leafKind, callerPosition)
					if err != nil {
						return err
					}
					kinds = append(kinds, kind)
				}

				if callInfo.isOrigin() {
					for _, group := range mtPartitionByInterval(kinds) {
						type calleeKey struct{ name, port string }
						var order []calleeKey
						grouped := make(map[calleeKey]*Condition)
						for _, kind := range group.kinds {
							for _, origin := range kind.origins {
								key := calleeKey{name: origin.calleeName, port: origin.calleePort}
								cond, ok := grouped[key]
								if !ok {
									cond = &Condition{
										Type:           typ,
										Caller:         callable,
										CallerPort:     callerPort,
										Filename:       callerPosition.path,
										Callee:         origin.calleeName,
										CalleePort:     origin.calleePort,
										CalleeLocation: callInfo.position.location(),
										Titos:          localPositions,
										Features:       features,
										TypeInterval:   group.interval.toParse(),
									}
									grouped[key] = cond
									order = append(order, key)
								}
								cond.Leaves = append(cond.Leaves, Leaf{Kind: kind.name, Distance: kind.distance})
								cond.Annotations = append(cond.Annotations, extraTraceAnnotations(kind.extraTraces)...)
							}
						}
						for _, key := range order {
							stream.Conditions = append(stream.Conditions, *grouped[key])
						}
					}
				} else {
					if callInfo.method == "" {
						return errorf(callInfo.callKind, "cannot construct a condition call without a valid method")
					}
					for _, group := range mtPartitionByInterval(kinds) {
						var condLeaves []Leaf
						var extraTraces []mtExtraTrace
						for _, kind := range group.kinds {
							condLeaves = append(condLeaves, Leaf{Kind: kind.name, Distance: kind.distance})
							extraTraces = append(extraTraces, kind.extraTraces...)
						}
						stream.Conditions = append(stream.Conditions, Condition{
							Type:           typ,
							Caller:         callable,
							CallerPort:     callerPort,
							Filename:       callerPosition.path,
							Callee:         callInfo.method,
							CalleePort:     callInfo.port,
							CalleeLocation: callInfo.position.location(),
							Titos:          localPositions,
							Leaves:         condLeaves,
							TypeInterval:   group.interval.toParse(),
							Features:       features,
							Annotations:    extraTraceAnnotations(extraTraces),
						})
					}
				}
			}
		}
	}
	return nil
}

func extraTraceAnnotations(extraTraces []mtExtraTrace) []TraceAnnotation {
	var out []TraceAnnotation
	for _, extra := range extraTraces {
		out = append(out, extra.toAnnotation())
	}
	return out
}

const (
	mtProgrammaticLeafNamePlaceholder = "%programmatic_leaf_name%"
	mtSourceViaTypePlaceholder        = "%source_via_type_of%"
)

// normalizeFieldCallees splits kinds carrying a field_callee into their own
// taints with the field as the resolved callee. Field callees only appear
// at the leaf.
func normalizeFieldCallees(taint mtTaint) []mtTaint {
	if taint.CallInfo != nil && taint.CallInfo.ResolvesTo != nil {
		return []mtTaint{taint}
	}
	var plainKinds []*mtKindJSON
	var normalized []mtTaint
	for _, kind := range taint.Kinds {
		if kind.FieldCallee != nil && *kind.FieldCallee != "" {
			callInfo := &mtCallInfoJSON{}
			if taint.CallInfo != nil {
				copied := *taint.CallInfo
				callInfo = &copied
			}
			fieldCallee, _ := json.Marshal(*kind.FieldCallee)
			callInfo.ResolvesTo = fieldCallee
			normalized = append(normalized, mtTaint{
				CallInfo:          callInfo,
				Kinds:             []*mtKindJSON{kind},
				LocalPositions:    taint.LocalPositions,
				LocalFeatures:     taint.LocalFeatures,
				LocalUserFeatures: taint.LocalUserFeatures,
			})
		} else {
			plainKinds = append(plainKinds, kind)
		}
	}
	if len(plainKinds) > 0 {
		rest := taint
		rest.Kinds = plainKinds
		normalized = append(normalized, rest)
	}
	return normalized
}

// normalizeCrtexConditions rewrites CRTEX frames, whose callee lives inside
// the kind's canonical names, into one taint per instantiated name.
func normalizeCrtexConditions(taint mtTaint, callerMethod, callerPort string) []mtTaint {
	if taint.CallInfo == nil || taint.CallInfo.Port == nil {
		return []mtTaint{taint}
	}
	port := *taint.CallInfo.Port
	if !strings.HasPrefix(port, "Anchor") && !strings.HasPrefix(port, "Producer") {
		return []mtTaint{taint}
	}
	var out []mtTaint
	for _, kind := range taint.Kinds {
		if len(kind.CanonicalNames) == 0 {
			out = append(out, mtTaint{
				CallInfo:          taint.CallInfo,
				Kinds:             []*mtKindJSON{kind},
				LocalPositions:    taint.LocalPositions,
				LocalFeatures:     taint.LocalFeatures,
				LocalUserFeatures: taint.LocalUserFeatures,
			})
			continue
		}
		for _, canonicalRaw := range kind.CanonicalNames {
			var canonical struct {
				Instantiated *string `json:"instantiated"`
				Template     *string `json:"template"`
			}
			if err := json.Unmarshal(canonicalRaw, &canonical); err != nil {
				continue
			}
			callInfo := *taint.CallInfo
			var resolvesTo string
			switch {
			case canonical.Instantiated != nil:
				resolvesTo = *canonical.Instantiated
			case canonical.Template != nil && strings.Contains(*canonical.Template, mtSourceViaTypePlaceholder):
				resolvesTo = strings.ReplaceAll(*canonical.Template, mtProgrammaticLeafNamePlaceholder, callerMethod)
				// Uninstantiated canonical names have uninstantiated ports;
				// only Return sinks reach this, so default the anchor there.
				anchorPort := "Anchor." + callerPort
				if callerPort == "" {
					anchorPort = "Anchor.Return"
				}
				callInfo.Port = &anchorPort
			default:
				// Uninstantiated canonical names are user-defined CRTEX
				// leaves; they do not show up as a frame.
				continue
			}
			resolved, _ := json.Marshal(resolvesTo)
			callInfo.ResolvesTo = resolved
			kindCopy := *kind
			kindCopy.CanonicalNames = nil
			out = append(out, mtTaint{
				CallInfo:          &callInfo,
				Kinds:             []*mtKindJSON{&kindCopy},
				LocalPositions:    taint.LocalPositions,
				LocalFeatures:     taint.LocalFeatures,
				LocalUserFeatures: taint.LocalUserFeatures,
			})
		}
	}
	return out
}
