package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/steveyegge/sapp/internal/analysis"
	"github.com/steveyegge/sapp/internal/filters"
	"github.com/steveyegge/sapp/internal/parse"
	"github.com/steveyegge/sapp/internal/storage"
)

const pysaMinimalIssue = `{"file_version":3}
{"kind":"issue","data":{"code":1,"callable":"foo.bar","callable_line":10,"line":11,"start":12,"end":13,"filename":"foo.py","message":"m","traces":[{"name":"forward","roots":[{"root":{"filename":"foo.py","line":100,"start":101,"end":102},"kinds":[{"kind":"UserControlled","leaves":[{"name":"_u"}]}]}]},{"name":"backward","roots":[{"root":{"filename":"foo.py","line":200,"start":201,"end":202},"kinds":[{"kind":"RCE","leaves":[{"name":"_r"}]}]}]}],"features":[]}}
`

func testDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "sapp.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func pysaOutput(content string) *analysis.Output {
	out := analysis.FromHandle(&analysis.Handle{Name: "taint-output.json", Data: []byte(content)})
	out.Metadata = &analysis.Metadata{Tool: "pysa", AnalysisToolVersion: "3"}
	return out
}

func TestIngestMinimalPysaIssue(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	summary, err := Ingest(ctx, db, pysaOutput(pysaMinimalIssue), IngestOptions{
		JobID:   "test-job",
		RunKind: "master",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if summary.NumTotalIssues != 1 || summary.NumNewIssues != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.RunID == 0 {
		t.Fatal("run id not recorded")
	}

	sqldb := db.SQL()
	var status string
	if err := sqldb.QueryRow("SELECT status FROM runs WHERE id = ?", summary.RunID).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != "finished" {
		t.Fatalf("run status = %q, want finished", status)
	}

	var handle string
	if err := sqldb.QueryRow("SELECT handle FROM issues").Scan(&handle); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(handle, "foo.bar:1|12|13:1:") {
		t.Fatalf("handle = %q", handle)
	}

	var location string
	if err := sqldb.QueryRow("SELECT location FROM issue_instances").Scan(&location); err != nil {
		t.Fatal(err)
	}
	if location != "11|13|13" {
		t.Fatalf("instance location = %q, want 11|13|13", location)
	}

	// One postcondition to the source, one precondition to the sink.
	rows, err := sqldb.Query(`
		SELECT trace_frames.kind, callees.contents, trace_frames.callee_port
		FROM trace_frames
		JOIN shared_texts AS callees ON callees.id = trace_frames.callee_id`)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rows.Close() }()
	frames := make(map[string]string)
	for rows.Next() {
		var kind, callee, port string
		if err := rows.Scan(&kind, &callee, &port); err != nil {
			t.Fatal(err)
		}
		frames[kind] = callee + ":" + port
	}
	if frames["postcondition"] != "_u:source" {
		t.Fatalf("postcondition frame = %q", frames["postcondition"])
	}
	if frames["precondition"] != "_r:sink" {
		t.Fatalf("precondition frame = %q", frames["precondition"])
	}
}

func TestIngestTwiceSameIssue(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first, err := Ingest(ctx, db, pysaOutput(pysaMinimalIssue), IngestOptions{JobID: "one"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Ingest(ctx, db, pysaOutput(pysaMinimalIssue), IngestOptions{JobID: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if first.NumNewIssues != 1 || second.NumNewIssues != 0 {
		t.Fatalf("new issues = (%d, %d), want (1, 0)", first.NumNewIssues, second.NumNewIssues)
	}

	var issues, instances int
	if err := db.SQL().QueryRow("SELECT COUNT(*) FROM issues").Scan(&issues); err != nil {
		t.Fatal(err)
	}
	if err := db.SQL().QueryRow("SELECT COUNT(*) FROM issue_instances").Scan(&instances); err != nil {
		t.Fatal(err)
	}
	if issues != 1 || instances != 2 {
		t.Fatalf("issues = %d, instances = %d, want 1 and 2", issues, instances)
	}
}

func TestIngestDryRun(t *testing.T) {
	db := testDB(t)
	summary, err := Ingest(context.Background(), db, pysaOutput(pysaMinimalIssue), IngestOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if !summary.DryRun || summary.NumTotalIssues != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	var runs int
	if err := db.SQL().QueryRow("SELECT COUNT(*) FROM runs").Scan(&runs); err != nil {
		t.Fatal(err)
	}
	if runs != 0 {
		t.Fatalf("dry run wrote %d runs", runs)
	}
}

func TestIngestPreviouslySeenSuppression(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	handle := parse.ComputeMasterHandle("foo.bar", 1, 12, 13, 1)
	summary, err := Ingest(ctx, db, pysaOutput(pysaMinimalIssue), IngestOptions{
		PreviousIssueHandles: map[string]bool{handle: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if summary.NumTotalIssues != 0 {
		t.Fatalf("suppressed issue still ingested: %+v", summary)
	}
}

func TestIngestAddsExtraFeatures(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	summary, err := Ingest(ctx, db, pysaOutput(pysaMinimalIssue), IngestOptions{
		ExtraFeatures: []string{"from-ci"},
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := storage.QueryIssues(ctx, db, summary.RunID, []any{
		filters.HasAll{Features: []string{"from-ci"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the decorated issue back, got %d results", len(results))
	}
	if !results[0].SourceNames["_u"] || !results[0].SinkNames["_r"] {
		t.Fatalf("source/sink names = %v / %v", results[0].SourceNames, results[0].SinkNames)
	}

	// A feature filter that matches nothing.
	none, err := storage.QueryIssues(ctx, db, summary.RunID, []any{
		filters.HasAll{Features: []string{"not-there"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no results, got %d", len(none))
	}
}

const pysaChainedIssue = `{"file_version":3}
{"kind":"issue","data":{"code":1,"callable":"foo.bar","callable_line":10,"line":11,"start":12,"end":13,"filename":"foo.py","message":"m","traces":[{"name":"forward","roots":[{"root":{"filename":"foo.py","line":100,"start":101,"end":102},"kinds":[{"kind":"UserControlled","leaves":[{"name":"_u"}]}]}]},{"name":"backward","roots":[{"call":{"position":{"filename":"foo.py","line":20,"start":21,"end":22},"resolves_to":["foo.sink"],"port":"formal(y)"},"kinds":[{"kind":"RCE","length":2,"leaves":[{"name":"_r"}]}]}]}],"features":[]}}
{"kind":"model","data":{"callable":"foo.sink","sinks":[{"port":"formal(y)","taint":[{"origin":{"filename":"foo.py","line":30,"start":31,"end":32},"kinds":[{"kind":"RCE","leaves":[{"name":"_r"}]}]}]}]}}
`

func TestTraceNavigationOverStore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	summary, err := Ingest(ctx, db, pysaOutput(pysaChainedIssue), IngestOptions{JobID: "nav"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	var instanceID int64
	if err := db.SQL().QueryRow(
		"SELECT id FROM issue_instances WHERE run_id = ?", summary.RunID).Scan(&instanceID); err != nil {
		t.Fatal(err)
	}

	roots, err := storage.InitialTraceFrames(ctx, db, instanceID, "precondition")
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 {
		t.Fatalf("expected 1 precondition root, got %d", len(roots))
	}
	root := roots[0]
	if root.Caller != "foo.bar" || root.Callee != "foo.sink" || root.CalleePort != "formal(y)" {
		t.Fatalf("root frame = %s:%s -> %s:%s", root.Caller, root.CallerPort, root.Callee, root.CalleePort)
	}

	leaves, err := storage.LeafNames(ctx, db, root.ID, "sink")
	if err != nil {
		t.Fatal(err)
	}
	if len(leaves) != 1 || leaves[0] != "RCE" {
		t.Fatalf("root leaves = %v", leaves)
	}

	next, err := storage.NextTraceFrames(ctx, db, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 {
		t.Fatalf("expected 1 next frame, got %d", len(next))
	}
	hop := next[0]
	if hop.Caller != "foo.sink" || hop.Callee != "_r" || hop.CalleePort != "sink" {
		t.Fatalf("hop = %s:%s -> %s:%s", hop.Caller, hop.CallerPort, hop.Callee, hop.CalleePort)
	}

	// Navigation terminates on the leaf port.
	final, err := storage.NextTraceFrames(ctx, db, hop)
	if err != nil {
		t.Fatal(err)
	}
	if len(final) != 0 {
		t.Fatalf("expected navigation to stop at the leaf, got %d frames", len(final))
	}
}

func TestIngestParseErrorAbortsRun(t *testing.T) {
	db := testDB(t)
	_, err := Ingest(context.Background(), db, pysaOutput(`{"file_version":9}`+"\n"), IngestOptions{})
	if err == nil {
		t.Fatal("expected parse error")
	}
	// Nothing was written; the schema may not even exist yet.
	var runs int
	if scanErr := db.SQL().QueryRow("SELECT COUNT(*) FROM runs").Scan(&runs); scanErr == nil && runs != 0 {
		t.Fatalf("aborted run left %d runs", runs)
	}
}
