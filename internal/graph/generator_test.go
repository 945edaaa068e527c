package graph

import (
	"strings"
	"testing"

	"github.com/steveyegge/sapp/internal/models"
	"github.com/steveyegge/sapp/internal/parse"
)

func minimalIssue() parse.Issue {
	return parse.Issue{
		Code:         1,
		Callable:     "foo.bar",
		Handle:       "foo.bar:1|12|13:1:abcdef0123456789",
		Message:      "m",
		Filename:     "foo.py",
		CallableLine: 10,
		Line:         11,
		Start:        13,
		End:          13,
		Postconditions: []parse.IssueCondition{{
			Callee:   "_u",
			Port:     "source",
			Location: models.SourceLocation{Line: 100, BeginColumn: 102, EndColumn: 102},
			Leaves:   []parse.Leaf{{Kind: "UserControlled", Distance: 1}},
		}},
		Preconditions: []parse.IssueCondition{{
			Callee:   "_r",
			Port:     "sink",
			Location: models.SourceLocation{Line: 200, BeginColumn: 202, EndColumn: 202},
			Leaves:   []parse.Leaf{{Kind: "RCE", Distance: 2}},
		}},
		InitialSources: []parse.IssueLeaf{{Name: "_u", Kind: "UserControlled", Distance: 1}},
		FinalSinks:     []parse.IssueLeaf{{Name: "_r", Kind: "RCE", Distance: 2}},
	}
}

func generate(t *testing.T, entries *parse.Entries) *GeneratorResult {
	t.Helper()
	generator := NewGenerator(GeneratorOptions{JobID: "test-job"})
	result, err := generator.Generate(entries)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return result
}

func emptyEntries() *parse.Entries {
	return &parse.Entries{
		Preconditions:  make(map[parse.ConditionKey][]parse.Condition),
		Postconditions: make(map[parse.ConditionKey][]parse.Condition),
	}
}

func TestGenerateMinimalIssue(t *testing.T) {
	entries := emptyEntries()
	entries.Issues = []parse.Issue{minimalIssue()}
	result := generate(t, entries)
	g := result.Graph

	if len(g.Issues()) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(g.Issues()))
	}
	if len(g.IssueInstances()) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(g.IssueInstances()))
	}
	instance := g.IssueInstances()[0]
	want := models.SourceLocation{Line: 11, BeginColumn: 13, EndColumn: 13}
	if instance.Location != want {
		t.Fatalf("instance location = %+v, want %+v", instance.Location, want)
	}
	if instance.MinTraceLengthToSources != 1 || instance.MinTraceLengthToSinks != 2 {
		t.Fatalf("min trace lengths = (%d, %d), want (1, 2)",
			instance.MinTraceLengthToSources, instance.MinTraceLengthToSinks)
	}
	if instance.CallableCount != 1 {
		t.Fatalf("callable count = %d, want 1", instance.CallableCount)
	}

	frames := g.Frames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 synthetic root frames, got %d", len(frames))
	}
	var post, pre *models.TraceFrame
	for _, frame := range frames {
		switch frame.Kind {
		case models.Postcondition:
			post = frame
		case models.Precondition:
			pre = frame
		}
	}
	if post == nil || pre == nil {
		t.Fatal("expected one postcondition and one precondition frame")
	}
	if g.GetText(post.CallerID) != "foo.bar" || post.CallerPort != "root" {
		t.Fatalf("postcondition caller = %s:%s", g.GetText(post.CallerID), post.CallerPort)
	}
	if g.GetText(post.CalleeID) != "_u" || post.CalleePort != "source" {
		t.Fatalf("postcondition callee = %s:%s", g.GetText(post.CalleeID), post.CalleePort)
	}
	if g.GetText(pre.CalleeID) != "_r" || pre.CalleePort != "sink" {
		t.Fatalf("precondition callee = %s:%s", g.GetText(pre.CalleeID), pre.CalleePort)
	}

	if result.Run.Status != models.RunIncomplete {
		t.Fatalf("run status = %s, want incomplete", result.Run.Status)
	}
}

func TestTransitiveFrameGeneration(t *testing.T) {
	// An issue with a sink into foo.sink:formal(y), plus a model edge
	// foo.sink[formal(y)] -> foo.further_sink[formal(z)], yields a
	// two-edge chain from the synthetic root.
	issue := minimalIssue()
	issue.Preconditions = []parse.IssueCondition{{
		Callee:   "foo.sink",
		Port:     "formal(y)",
		Location: models.SourceLocation{Line: 20, BeginColumn: 22, EndColumn: 22},
		Leaves:   []parse.Leaf{{Kind: "RCE", Distance: 2}},
	}}

	entries := emptyEntries()
	entries.Issues = []parse.Issue{issue}
	entries.Preconditions[parse.ConditionKey{Caller: "foo.sink", Port: "formal(y)"}] = []parse.Condition{{
		Type:           parse.TypePrecondition,
		Caller:         "foo.sink",
		CallerPort:     "formal(y)",
		Filename:       "foo.py",
		Callee:         "foo.further_sink",
		CalleePort:     "formal(z)",
		CalleeLocation: models.SourceLocation{Line: 30, BeginColumn: 32, EndColumn: 32},
		Leaves:         []parse.Leaf{{Kind: "RCE", Distance: 1}},
	}}
	entries.Preconditions[parse.ConditionKey{Caller: "foo.further_sink", Port: "formal(z)"}] = []parse.Condition{{
		Type:           parse.TypePrecondition,
		Caller:         "foo.further_sink",
		CallerPort:     "formal(z)",
		Filename:       "foo.py",
		Callee:         "_r",
		CalleePort:     "sink",
		CalleeLocation: models.SourceLocation{Line: 40, BeginColumn: 42, EndColumn: 42},
		Leaves:         []parse.Leaf{{Kind: "RCE", Distance: 0}},
	}}

	result := generate(t, entries)
	g := result.Graph

	// Root precondition plus two hops; the postcondition root is not counted.
	pre := 0
	for _, frame := range g.Frames() {
		if frame.Kind == models.Precondition {
			pre++
		}
	}
	if pre != 3 {
		t.Fatalf("expected 3 precondition frames in the chain, got %d", pre)
	}

	// Both condition buckets were consumed.
	if len(result.TraceEntries[models.Precondition]) != 0 {
		t.Fatalf("expected all preconditions consumed, %d left",
			len(result.TraceEntries[models.Precondition]))
	}
	// The chain ends on a leaf port, so nothing is missing.
	if len(result.MissingTraces[models.Precondition]) != 0 {
		t.Fatalf("unexpected missing traces: %v", result.MissingTraces[models.Precondition])
	}
}

func TestMissingTraceRecorded(t *testing.T) {
	issue := minimalIssue()
	// The callee port is not a leaf port and no model provides frames
	// for it.
	issue.Preconditions = []parse.IssueCondition{{
		Callee:   "foo.sink",
		Port:     "formal(y)",
		Location: models.SourceLocation{Line: 20, BeginColumn: 22, EndColumn: 22},
		Leaves:   []parse.Leaf{{Kind: "RCE", Distance: 2}},
	}}
	entries := emptyEntries()
	entries.Issues = []parse.Issue{issue}

	result := generate(t, entries)
	key := parse.ConditionKey{Caller: "foo.sink", Port: "formal(y)"}
	if !result.MissingTraces[models.Precondition][key] {
		t.Fatalf("expected %v in missing traces, got %v", key, result.MissingTraces[models.Precondition])
	}
}

func TestTransformTraversal(t *testing.T) {
	// A frame whose leaf kind carries a local transform is entered with
	// the caller-side view and exited with the full transformed kind.
	issue := minimalIssue()
	issue.Preconditions = []parse.IssueCondition{{
		Callee:   "foo.transformer",
		Port:     "formal(x)",
		Location: models.SourceLocation{Line: 20, BeginColumn: 22, EndColumn: 22},
		Leaves:   []parse.Leaf{{Kind: "GlobalT:Base", Distance: 2}},
	}}
	entries := emptyEntries()
	entries.Issues = []parse.Issue{issue}
	entries.Preconditions[parse.ConditionKey{Caller: "foo.transformer", Port: "formal(x)"}] = []parse.Condition{{
		Type:           parse.TypePrecondition,
		Caller:         "foo.transformer",
		CallerPort:     "formal(x)",
		Filename:       "foo.py",
		Callee:         "_r",
		CalleePort:     "sink",
		CalleeLocation: models.SourceLocation{Line: 40, BeginColumn: 42, EndColumn: 42},
		Leaves:         []parse.Leaf{{Kind: "LocalT@GlobalT:Base", Distance: 1}},
	}}

	result := generate(t, entries)
	g := result.Graph

	var transformer *models.TraceFrame
	for _, frame := range g.Frames() {
		if g.GetText(frame.CallerID) == "foo.transformer" {
			transformer = frame
		}
	}
	if transformer == nil {
		t.Fatal("transformer frame not generated")
	}
	lm := transformer.LeafMapping[0]
	caller := g.texts.lookupLocal(lm.CallerLeaf)
	callee := g.texts.lookupLocal(lm.CalleeLeaf)
	if caller.Contents != "GlobalT:Base" {
		t.Fatalf("caller leaf = %q, want GlobalT:Base", caller.Contents)
	}
	if callee.Contents != "LocalT@GlobalT:Base" {
		t.Fatalf("callee leaf = %q, want LocalT@GlobalT:Base", callee.Contents)
	}

	outgoing := map[int64]bool{caller.ID.LocalID(): true}
	next := ComputeNextLeafKinds(outgoing, transformer.LeafMapping)
	if len(next) != 1 || !next[callee.ID.LocalID()] {
		t.Fatalf("traversal of transform frame yielded %v", next)
	}
}

func TestTitoTruncation(t *testing.T) {
	issue := minimalIssue()
	titos := make([]models.SourceLocation, 250)
	for i := range titos {
		titos[i] = models.SourceLocation{Line: i + 1, BeginColumn: 1, EndColumn: 1}
	}
	issue.Preconditions[0].Titos = titos

	entries := emptyEntries()
	entries.Issues = []parse.Issue{issue}
	result := generate(t, entries)

	var pre *models.TraceFrame
	for _, frame := range result.Graph.Frames() {
		if frame.Kind == models.Precondition {
			pre = frame
		}
	}
	if len(pre.Titos) != maxTitos {
		t.Fatalf("expected titos truncated to %d, got %d", maxTitos, len(pre.Titos))
	}
	if !result.BigTito[BigTito{Filename: "foo.py", Callable: "foo.bar", Count: 250}] {
		t.Fatalf("expected big tito entry, got %v", result.BigTito)
	}
}

func TestCallableCount(t *testing.T) {
	first := minimalIssue()
	second := minimalIssue()
	second.Handle = strings.Replace(second.Handle, ":1:", ":2:", 1)
	second.Line = 15

	entries := emptyEntries()
	entries.Issues = []parse.Issue{first, second}
	result := generate(t, entries)

	for _, instance := range result.Graph.IssueInstances() {
		if instance.CallableCount != 2 {
			t.Fatalf("callable count = %d, want 2", instance.CallableCount)
		}
	}
}

func TestTrimDropsUnreachableFrames(t *testing.T) {
	entries := emptyEntries()
	entries.Issues = []parse.Issue{minimalIssue()}
	generator := NewGenerator(GeneratorOptions{StoreUnusedModels: true})
	entries.Preconditions[parse.ConditionKey{Caller: "unrelated", Port: "formal(0)"}] = []parse.Condition{{
		Type:           parse.TypePrecondition,
		Caller:         "unrelated",
		CallerPort:     "formal(0)",
		Filename:       "bar.py",
		Callee:         "_x",
		CalleePort:     "sink",
		CalleeLocation: models.SourceLocation{Line: 1, BeginColumn: 1, EndColumn: 1},
		Leaves:         []parse.Leaf{{Kind: "RCE", Distance: 0}},
	}}
	result, err := generator.Generate(entries)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	g := result.Graph
	if len(g.Frames()) != 3 {
		t.Fatalf("expected 3 frames before trim, got %d", len(g.Frames()))
	}

	dropped := g.Trim()
	if dropped != 1 {
		t.Fatalf("expected 1 frame dropped, got %d", dropped)
	}
	for _, frame := range g.Frames() {
		if frame.Reachability != models.Reachable {
			t.Fatalf("surviving frame still %s", frame.Reachability)
		}
		if g.GetText(frame.CallerID) == "unrelated" {
			t.Fatal("unreachable frame survived the trim")
		}
	}
}
