package parse

import (
	"strings"
	"testing"

	"github.com/steveyegge/sapp/internal/analysis"
)

func TestMtPortFromJSON(t *testing.T) {
	tests := []struct {
		port     string
		leafKind string
		want     string
	}{
		{"Return", "sink", "result"},
		{"Argument(0)", "sink", "argument(0)"},
		{"Leaf", "sink", "sink"},
		{"Leaf", "source", "source"},
		{"Anchor.Argument(0)", "sink", "anchor:formal(0)"},
		{"Anchor.Argument(-1)", "sink", "anchor:formal(-1)"},
		{"Anchor.Return", "sink", "anchor:result"},
		{"Producer.1234.Argument(2)", "sink", "producer:1234:formal(2)"},
		{"Argument(1).x.y", "sink", "argument(1).x.y"},
	}
	for _, tt := range tests {
		got, err := mtPortFromJSON(tt.port, tt.leafKind)
		if err != nil {
			t.Errorf("mtPortFromJSON(%q): %v", tt.port, err)
			continue
		}
		if got != tt.want {
			t.Errorf("mtPortFromJSON(%q) = %q, want %q", tt.port, got, tt.want)
		}
	}
}

func TestMtParseKindName(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain string", `"RCE"`, "RCE"},
		{"transform local and global", `{"local":"LocalT","global":"GlobalT","base":"Base"}`, "LocalT@GlobalT:Base"},
		{"transform local only", `{"local":"LocalT","base":"Base"}`, "LocalT@Base"},
		{"transform global only", `{"global":"GlobalT","base":"Base"}`, "GlobalT:Base"},
		{"partial", `{"name":"SQLi","partial_label":"lhs"}`, "Partial:SQLi:lhs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mtParseKindName([]byte(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := mtParseKindName([]byte(`{"base":"Base"}`)); err == nil {
		t.Fatal("transform kind without local or global should fail")
	}
	if _, err := mtParseKindName([]byte(`{"what":"ever"}`)); err == nil {
		t.Fatal("kind object without base or partial_label should fail")
	}
}

func TestMtPositionPathFromMethod(t *testing.T) {
	line := 5
	pos := mtPositionFromJSON(&mtPositionJSON{Line: &line, Start: 3, End: 1},
		"Lcom/example/Widget$Inner;.onClick:(Landroid/view/View;)V")
	if pos.path != "com/example/Widget" {
		t.Fatalf("derived path = %q", pos.path)
	}
	if pos.start != 4 {
		t.Fatalf("start = %d, want 4 (zero-based adjusted)", pos.start)
	}
	// End never precedes start.
	if pos.end != 4 {
		t.Fatalf("end = %d, want 4", pos.end)
	}
}

func TestStripAnonymousClassNumbers(t *testing.T) {
	tests := []struct {
		name     string
		sig      string
		callable int
		issue    int
		want     string
	}{
		{
			"anonymous class number",
			"Lcom/example/Activity$1;.onClick:(Landroid/view/View;)V",
			10, 13,
			"Lcom/example/Activity$#3;.onClick:(Landroid/view/View;)V",
		},
		{
			"lambda",
			"Lcom/example/Activity$$Lambda$5;.run:()V",
			10, 12,
			"Lcom/example/Activity$#2;.run:()V",
		},
		{
			"external synthetic lambda",
			"Lcom/example/Activity$$ExternalSyntheticLambda7;.run:()V",
			10, 10,
			"Lcom/example/Activity$#0;.run:()V",
		},
		{
			"no dollar",
			"Lcom/example/Activity;.onCreate:()V",
			10, 13,
			"Lcom/example/Activity;.onCreate:()V",
		},
		{
			"no semicolon",
			"plain-name",
			10, 13,
			"plain-name",
		},
		{
			"issue line before callable",
			"Lcom/example/Activity$1;.onClick:()V",
			10, 5,
			"Lcom/example/Activity$#-1;.onClick:()V",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripAnonymousClassNumbers(tt.sig, tt.callable, tt.issue)
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

const mtModelWithIssue = `{"method":"Lcom/example/Activity;.onCreate:()V","position":{"path":"com/example/Activity.java","line":10,"start":0,"end":0},"issues":[{"rule":1,"callee":"Lcom/example/Sink;.sink:()V","sink_index":0,"position":{"line":13,"start":4,"end":9},"sinks":[{"call_info":{"call_kind":"Origin","position":{"line":13,"start":4,"end":9}},"kinds":[{"kind":"RCE","origins":[{"method":"Lcom/example/Sink;.sink:()V","port":"Argument(0)"}]}]}],"sources":[{"call_info":{"call_kind":"Origin","position":{"line":12,"start":4,"end":9}},"kinds":[{"kind":"UserControlled","origins":[{"method":"Lcom/example/Source;.source:()V"}]}]}],"may_features":["via-obscure"]}]}
`

func mtParserWithRules(t *testing.T) *MarianaTrenchParser {
	t.Helper()
	parser := NewMarianaTrenchParser()
	parser.Initialize(&analysis.Metadata{
		Tool:                "mariana_trench",
		AnalysisToolVersion: "0.2",
		Rules: map[int]analysis.Rule{
			1: {Code: 1, Name: "TestRule", Description: "Test rule description"},
		},
	})
	return parser
}

func TestMtParseIssue(t *testing.T) {
	parser := mtParserWithRules(t)
	stream, err := parser.ParseFile("model.json", []byte(mtModelWithIssue))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(stream.Issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(stream.Issues))
	}
	issue := stream.Issues[0]
	if issue.Code != 1 {
		t.Fatalf("code = %d", issue.Code)
	}
	if issue.Message != "TestRule: Test rule description" {
		t.Fatalf("message = %q", issue.Message)
	}
	if issue.Callable != "Lcom/example/Activity;.onCreate:()V" {
		t.Fatalf("callable = %q", issue.Callable)
	}
	if issue.Filename != "com/example/Activity.java" {
		t.Fatalf("filename = %q", issue.Filename)
	}
	if issue.Line != 13 || issue.CallableLine != 10 {
		t.Fatalf("lines = (%d, %d)", issue.Line, issue.CallableLine)
	}

	if len(issue.Preconditions) != 1 {
		t.Fatalf("preconditions = %v", issue.Preconditions)
	}
	pre := issue.Preconditions[0]
	if pre.Callee != "Lcom/example/Sink;.sink:()V" {
		t.Fatalf("pre callee = %q", pre.Callee)
	}
	// Origin ports fold the actual port under the leaf kind.
	if pre.Port != "sink:argument(0)" {
		t.Fatalf("pre port = %q", pre.Port)
	}
	post := issue.Postconditions[0]
	if post.Port != "source" {
		t.Fatalf("post port = %q", post.Port)
	}

	if len(issue.FinalSinks) != 1 || issue.FinalSinks[0].Kind != "RCE" {
		t.Fatalf("final sinks = %v", issue.FinalSinks)
	}
	if len(issue.Features) != 1 || issue.Features[0] != "via-obscure" {
		t.Fatalf("features = %v", issue.Features)
	}

	// The handle composes callable, stripped callee signature, sink
	// index, and code.
	if !strings.Contains(issue.Handle, ":") || len(issue.Handle) < 17 {
		t.Fatalf("handle = %q", issue.Handle)
	}
}

func TestMtAnchorPortNormalization(t *testing.T) {
	// A sink with callee port Anchor.Argument(0) persists as
	// anchor:formal(0).
	input := `{"method":"Lcom/example/Activity;.onCreate:()V","position":{"path":"com/example/Activity.java","line":10},"sinks":[{"port":"Argument(1)","taint":[{"call_info":{"call_kind":"Origin","port":"Anchor.Argument(0)","position":{"line":20,"start":1,"end":2}},"kinds":[{"kind":"CRTEXSink","origins":[{"canonical_name":"Remote:Endpoint","port":"Anchor.Argument(0)"}]}]}]}]}
`
	parser := mtParserWithRules(t)
	stream, err := parser.ParseFile("model.json", []byte(input))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(stream.Conditions) != 1 {
		t.Fatalf("expected 1 condition, got %d", len(stream.Conditions))
	}
	cond := stream.Conditions[0]
	if cond.CalleePort != "anchor:formal(0)" {
		t.Fatalf("callee port = %q, want anchor:formal(0)", cond.CalleePort)
	}
	if cond.Callee != "Remote:Endpoint" {
		t.Fatalf("callee = %q", cond.Callee)
	}
	if cond.CallerPort != "argument(1)" {
		t.Fatalf("caller port = %q", cond.CallerPort)
	}
}

func TestMtSkipsDeclarationsAndFieldModels(t *testing.T) {
	input := `// comment line
{"field":"Lcom/example/Activity;.field:Ljava/lang/String;"}
{"method":"Lcom/example/A;.m:()V","position":{"path":"A.java","line":1},"sinks":[{"port":"Argument(0)","taint":[{"call_info":{"call_kind":"Declaration"},"kinds":[{"kind":"RCE"}]}]}]}
{"method":"Lcom/example/B;.m:()V","position":{"path":"B.java","line":1},"sinks":[{"port":"Argument(0)","taint":[{"call_info":{"call_kind":"Propagation"},"kinds":[{"kind":"RCE"}]}]}]}
`
	parser := mtParserWithRules(t)
	stream, err := parser.ParseFile("model.json", []byte(input))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(stream.Issues) != 0 || len(stream.Conditions) != 0 {
		t.Fatalf("declarations and field models should be skipped, got %+v", stream)
	}
}

func TestMtCallSiteCondition(t *testing.T) {
	input := `{"method":"Lcom/example/A;.caller:()V","position":{"path":"A.java","line":1},"generations":[{"port":"Return","taint":[{"call_info":{"call_kind":"CallSite","resolves_to":"Lcom/example/B;.source:()V","port":"Return","position":{"line":7,"start":2,"end":5}},"kinds":[{"kind":"UserControlled","distance":2}]}]}]}
`
	parser := mtParserWithRules(t)
	stream, err := parser.ParseFile("model.json", []byte(input))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(stream.Conditions) != 1 {
		t.Fatalf("expected 1 condition, got %d", len(stream.Conditions))
	}
	cond := stream.Conditions[0]
	if cond.Type != TypePostcondition {
		t.Fatalf("type = %s", cond.Type)
	}
	if cond.Caller != "Lcom/example/A;.caller:()V" || cond.CallerPort != "result" {
		t.Fatalf("caller = %s:%s", cond.Caller, cond.CallerPort)
	}
	if cond.Callee != "Lcom/example/B;.source:()V" || cond.CalleePort != "result" {
		t.Fatalf("callee = %s:%s", cond.Callee, cond.CalleePort)
	}
	if len(cond.Leaves) != 1 || cond.Leaves[0] != (Leaf{Kind: "UserControlled", Distance: 2}) {
		t.Fatalf("leaves = %v", cond.Leaves)
	}
}

func TestMtMethodParameterTypeOverrides(t *testing.T) {
	raw := `{"name":"Lcom/example/A;.m:()V","parameter_type_overrides":[{"parameter":0,"type":"Lcom/example/Widget;"}]}`
	got, err := mtMethodFromJSON([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	want := "Lcom/example/A;.m:()V[0: Lcom/example/Widget;]"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestMtFeatures(t *testing.T) {
	got := mtFeatures(&mtFeaturesJSON{
		MayFeatures:    []string{"via-cast"},
		AlwaysFeatures: []string{"via-obscure"},
	})
	if len(got) != 2 || got[0] != "always-via-obscure" || got[1] != "via-cast" {
		t.Fatalf("features = %v", got)
	}
}
