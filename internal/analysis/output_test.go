package analysis

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFromDirectoryWithFilenameSpec(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "metadata.json", `{
		"version": "0.2",
		"tool": "mariana_trench",
		"repo_root": "/repo",
		"commit": "abc123",
		"filename_spec": "/somewhere/else/taint-output.json",
		"rules": [{"code": 1, "name": "R", "description": "D"}]
	}`)
	writeFile(t, dir, "taint-output.json", "{}\n")

	output, err := FromDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Absolute paths in the metadata are remapped into the bundle.
	want := filepath.Join(dir, "taint-output.json")
	if len(output.FilenameSpecs) != 1 || output.FilenameSpecs[0] != want {
		t.Fatalf("specs = %v, want [%s]", output.FilenameSpecs, want)
	}
	md := output.Metadata
	if md.Tool != "mariana_trench" || md.AnalysisToolVersion != "0.2" {
		t.Fatalf("metadata = %+v", md)
	}
	if !md.RepoRoots["/repo"] {
		t.Fatalf("repo roots = %v", md.RepoRoots)
	}
	if md.Rules[1].Name != "R" {
		t.Fatalf("rules = %v", md.Rules)
	}
}

func TestFromDirectoryMergesMetadataFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1_metadata.json", `{"version":"3","tool":"pysa","root":"/repo","filename_glob":"taint-*.json"}`)
	writeFile(t, dir, "2_metadata.json", `{"commit":"def456"}`)
	writeFile(t, dir, "taint-a.json", "{}\n")
	writeFile(t, dir, "taint-b.json", "{}\n")

	output, err := FromDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	if output.Metadata.CommitHash != "def456" {
		t.Fatalf("commit = %q", output.Metadata.CommitHash)
	}
	names, err := output.FileNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("names = %v", names)
	}
}

func TestFromDirectoryEmptyGlobRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "metadata.json", `{"version":"3","tool":"pysa","root":"/repo","filename_glob":""}`)
	if _, err := FromDirectory(dir); err == nil {
		t.Fatal("empty filename_glob should be rejected")
	}
}

func TestFromDirectoryLegacyFilenames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "metadata.json", `{"version":"3","tool":"pysa","root":"/repo","filenames":["/old/host/taint-output.json"]}`)
	output, err := FromDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "taint-output.json")
	if len(output.FilenameSpecs) != 1 || output.FilenameSpecs[0] != want {
		t.Fatalf("specs = %v", output.FilenameSpecs)
	}
}

func TestFromStringUnrecognized(t *testing.T) {
	_, err := FromString(filepath.Join(t.TempDir(), "missing", "nope.json"))
	if err == nil {
		t.Fatal("expected error")
	}
	var outputErr *OutputError
	if !asOutputError(err, &outputErr) {
		t.Fatalf("expected *OutputError, got %T", err)
	}
}

func asOutputError(err error, target **OutputError) bool {
	oe, ok := err.(*OutputError)
	if ok {
		*target = oe
	}
	return ok
}

func TestShardedFilenames(t *testing.T) {
	names, err := shardedFilenames("/out/taint-output@2.json")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"/out/taint-output-00000-of-00002.json",
		"/out/taint-output-00001-of-00002.json",
	}
	if len(names) != 2 || names[0] != want[0] || names[1] != want[1] {
		t.Fatalf("names = %v, want %v", names, want)
	}

	if _, err := shardedFilenames("/out/taint-output@0.json"); err == nil {
		t.Fatal("zero shard count should be rejected")
	}
}

func TestShardedGlob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "taint-output-00000-of-00002.json", "{}\n")
	writeFile(t, dir, "taint-output-00001-of-00002.json", "{}\n")

	names, err := shardedFilenames(filepath.Join(dir, "taint-output@*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("names = %v", names)
	}
}

func TestMetadataMerge(t *testing.T) {
	a := &Metadata{
		RepoRoots: map[string]bool{"/a": true},
		Tool:      "pysa",
		Rules:     map[int]Rule{1: {Code: 1, Name: "A"}},
	}
	b := &Metadata{
		RepoRoots:      map[string]bool{"/b": true},
		Tool:           "ignored",
		RepositoryName: "repo",
		Rules:          map[int]Rule{2: {Code: 2, Name: "B"}},
	}
	merged := a.Merge(b)
	if !merged.RepoRoots["/a"] || !merged.RepoRoots["/b"] {
		t.Fatalf("repo roots = %v", merged.RepoRoots)
	}
	if merged.Tool != "pysa" {
		t.Fatalf("tool = %q, scalars keep the first non-empty value", merged.Tool)
	}
	if merged.RepositoryName != "repo" {
		t.Fatalf("repository = %q", merged.RepositoryName)
	}
	if len(merged.Rules) != 2 {
		t.Fatalf("rules = %v", merged.Rules)
	}
}

func TestFromHandleNameBecomesSpec(t *testing.T) {
	output := FromHandle(&Handle{Name: "in-memory.json", Data: []byte("{}\n")})
	if len(output.FilenameSpecs) != 1 || output.FilenameSpecs[0] != "in-memory.json" {
		t.Fatalf("specs = %v", output.FilenameSpecs)
	}
	files, err := output.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || string(files[0].Data) != "{}\n" {
		t.Fatalf("files = %v", files)
	}
}
