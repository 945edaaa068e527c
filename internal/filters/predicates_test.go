package filters

import (
	"testing"
)

func issueWithFeatures(handle string, features ...string) *IssueResult {
	set := make(map[string]bool)
	for _, f := range features {
		set[f] = true
	}
	return &IssueResult{Handle: handle, Callable: "foo.bar", Features: set}
}

func handles(issues []*IssueResult) []string {
	var out []string
	for _, issue := range issues {
		out = append(out, issue.Handle)
	}
	return out
}

func TestQueryPredicatesLowerToSQL(t *testing.T) {
	query := &SQLQuery{}
	lower, upper := int64(1), int64(5)
	InRange{Column: "issues.code", Lower: &lower, Upper: &upper}.Apply(query)
	Equals{Column: "issues.status", To: "uncategorized"}.Apply(query)
	IsNull{Column: "issue_instances.fix_info_id"}.Apply(query)
	Like{Column: "callables.contents", Patterns: []string{"foo.%", "bar.%"}}.Apply(query)

	want := "issues.code >= ? AND issues.code <= ? AND issues.status = ? AND " +
		"issue_instances.fix_info_id IS NULL AND " +
		"(callables.contents LIKE ? OR callables.contents LIKE ?)"
	if got := query.Clause(); got != want {
		t.Fatalf("clause = %q, want %q", got, want)
	}
	if len(query.Args) != 5 {
		t.Fatalf("args = %v", query.Args)
	}
}

func TestHasAll(t *testing.T) {
	issues := []*IssueResult{
		issueWithFeatures("a", "via:tito", "always-via:obscure"),
		issueWithFeatures("b", "via:tito"),
	}
	got := HasAll{Features: []string{"via:tito", "always-via:obscure"}}.ApplyToIssues(issues)
	if len(got) != 1 || got[0].Handle != "a" {
		t.Fatalf("got %v", handles(got))
	}
}

func TestHasAny(t *testing.T) {
	issues := []*IssueResult{
		issueWithFeatures("a", "via:tito"),
		issueWithFeatures("b", "via:cast"),
		issueWithFeatures("c"),
	}
	got := HasAny{Values: []string{"via:tito", "via:cast"}, Attribute: "features"}.ApplyToIssues(issues)
	if len(got) != 2 {
		t.Fatalf("got %v", handles(got))
	}
}

func TestHasNone(t *testing.T) {
	issues := []*IssueResult{
		issueWithFeatures("a", "via:tito"),
		issueWithFeatures("b"),
	}
	got := HasNone{Features: []string{"via:tito"}}.ApplyToIssues(issues)
	if len(got) != 1 || got[0].Handle != "b" {
		t.Fatalf("got %v", handles(got))
	}
}

func TestMatches(t *testing.T) {
	issues := []*IssueResult{
		issueWithFeatures("a"),
		{Handle: "b", Callable: "other.callable", Features: map[string]bool{}},
	}
	matches, err := NewMatches(`foo\..*`, "callable")
	if err != nil {
		t.Fatal(err)
	}
	got := matches.ApplyToIssues(issues)
	if len(got) != 1 || got[0].Handle != "a" {
		t.Fatalf("got %v", handles(got))
	}

	if _, err := NewMatches("(", "callable"); err == nil {
		t.Fatal("bad regex should fail to compile")
	}
}

func TestApplyOrdersQueryThenIssuePredicates(t *testing.T) {
	query := &SQLQuery{}
	issues := []*IssueResult{
		issueWithFeatures("a", "via:tito"),
		issueWithFeatures("b"),
	}
	got, err := Apply([]any{
		Equals{Column: "issues.code", To: 1},
		HasAll{Features: []string{"via:tito"}},
	}, query, issues)
	if err != nil {
		t.Fatal(err)
	}
	if query.Clause() != "issues.code = ?" {
		t.Fatalf("clause = %q", query.Clause())
	}
	if len(got) != 1 || got[0].Handle != "a" {
		t.Fatalf("got %v", handles(got))
	}
}
