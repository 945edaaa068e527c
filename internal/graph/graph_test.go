package graph

import (
	"testing"

	"github.com/steveyegge/sapp/internal/models"
)

func TestInterning(t *testing.T) {
	g := New()
	a := g.GetOrAddSharedText(models.TextFeature, "via:tito")
	b := g.GetOrAddSharedText(models.TextFeature, "via:tito")
	if a != b {
		t.Fatal("same (kind, contents) should intern to the same record")
	}
	c := g.GetOrAddSharedText(models.TextSource, "via:tito")
	if a == c {
		t.Fatal("different kinds with same contents should not collide")
	}
	if got := g.SharedTextCount(); got != 2 {
		t.Fatalf("expected 2 distinct texts, got %d", got)
	}
	if got := g.GetText(a.ID); got != "via:tito" {
		t.Fatalf("GetText returned %q", got)
	}
}

func TestIsLeafPort(t *testing.T) {
	tests := []struct {
		port string
		want bool
	}{
		{"leaf", true},
		{"source", true},
		{"sink", true},
		{"anchor:formal(0)", true},
		{"producer:1234:formal(-1)", true},
		{"leaf:x", true},
		{"source:result", true},
		{"sink:formal(2)", true},
		{"root", false},
		{"result", false},
		{"formal(0)", false},
		{"sinkhole", false},
		{"anchored", false},
	}
	for _, tt := range tests {
		if got := IsLeafPort(tt.port); got != tt.want {
			t.Errorf("IsLeafPort(%q) = %v, want %v", tt.port, got, tt.want)
		}
	}
}

func TestTransformKindDecomposition(t *testing.T) {
	g := New()
	leaf := g.GetOrAddSharedText(models.TextSink, "LocalT@GlobalT:Base")

	callerID := g.GetTransformNormalizedCallerKindID(leaf)
	calleeID := g.GetTransformedCalleeKindID(leaf)

	caller := g.texts.lookupLocal(callerID)
	if caller == nil || caller.Contents != "GlobalT:Base" {
		t.Fatalf("caller-side kind = %v, want GlobalT:Base", caller)
	}
	if calleeID != leaf.ID.LocalID() {
		t.Fatal("callee-side kind should be the full transformed kind")
	}

	// Kinds without a local transform normalize to themselves.
	plain := g.GetOrAddSharedText(models.TextSink, "GlobalT:Base")
	if got := g.GetTransformNormalizedCallerKindID(plain); got != plain.ID.LocalID() {
		t.Fatal("plain kind should normalize to itself")
	}
}

func TestComputeNextLeafKinds(t *testing.T) {
	g := New()
	transformed := g.GetOrAddSharedText(models.TextSink, "LocalT@GlobalT:Base")
	mapping := []models.LeafMapping{{
		CallerLeaf: g.GetTransformNormalizedCallerKindID(transformed),
		CalleeLeaf: g.GetTransformedCalleeKindID(transformed),
		Transform:  transformed.ID.LocalID(),
	}}

	plain := g.texts.byKey[textKey{kind: models.TextSink, contents: "GlobalT:Base"}]
	outgoing := map[int64]bool{plain.ID.LocalID(): true}
	next := ComputeNextLeafKinds(outgoing, mapping)
	if len(next) != 1 || !next[transformed.ID.LocalID()] {
		t.Fatalf("expected traversal to yield the transformed kind, got %v", next)
	}

	// Leaves not in the outgoing set do not pass through.
	if got := ComputeNextLeafKinds(map[int64]bool{}, mapping); len(got) != 0 {
		t.Fatalf("empty outgoing set should yield nothing, got %v", got)
	}

	// No spurious kinds appear: results are a subset of mapping callee
	// leaves.
	for id := range next {
		found := false
		for _, lm := range mapping {
			if lm.CalleeLeaf == id {
				found = true
			}
		}
		if !found {
			t.Fatalf("spurious kind %d", id)
		}
	}
}

func interval(lower, upper int64, preserves bool) *models.TraceFrame {
	return &models.TraceFrame{
		TypeIntervalLower:    &lower,
		TypeIntervalUpper:    &upper,
		PreservesTypeContext: preserves,
	}
}

func TestIntervalsCompatible(t *testing.T) {
	none := &models.TraceFrame{}
	tests := []struct {
		name string
		a, b *models.TraceFrame
		want bool
	}{
		{"both missing", none, none, true},
		{"one missing", none, interval(1, 5, true), true},
		{"overlap", interval(1, 5, true), interval(4, 9, true), true},
		{"disjoint", interval(1, 3, true), interval(4, 9, true), false},
		{"disjoint but ignored", interval(1, 3, false), interval(4, 9, true), true},
		{"touching bounds", interval(1, 4, true), interval(4, 9, true), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IntervalsCompatible(tt.a, tt.b); got != tt.want {
				t.Fatalf("IntervalsCompatible = %v, want %v", got, tt.want)
			}
			// The predicate is symmetric.
			if got := IntervalsCompatible(tt.b, tt.a); got != tt.want {
				t.Fatalf("IntervalsCompatible not symmetric for %s", tt.name)
			}
		})
	}
}
