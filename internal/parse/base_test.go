package parse

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
)

func TestComputeHandleFromKey(t *testing.T) {
	handle := ComputeHandleFromKey("foo.bar:1|12|13:1")
	if !strings.HasPrefix(handle, "foo.bar:1|12|13:1:") {
		t.Fatalf("handle %q should start with its key", handle)
	}
	suffix := handle[strings.LastIndex(handle, ":"):]
	if len(suffix) != 17 {
		t.Fatalf("suffix %q should be 17 chars including the separator", suffix)
	}
	want := fmt.Sprintf(":%016x", xxhash.Sum64String("foo.bar:1|12|13:1"))
	if suffix != want {
		t.Fatalf("suffix = %q, want %q", suffix, want)
	}

	// Deterministic across calls.
	if handle != ComputeHandleFromKey("foo.bar:1|12|13:1") {
		t.Fatal("handle not deterministic")
	}
}

func TestComputeHandleTruncation(t *testing.T) {
	long := strings.Repeat("x", 300)
	handle := ComputeHandleFromKey(long)
	if len(handle) != 255 {
		t.Fatalf("handle length = %d, want 255", len(handle))
	}
	if !strings.HasPrefix(handle, long[:255-17]) {
		t.Fatal("truncated handle should keep the key prefix")
	}
}

func TestComputeMasterHandle(t *testing.T) {
	handle := ComputeMasterHandle("foo.bar", 1, 12, 13, 1)
	if !strings.HasPrefix(handle, "foo.bar:1|12|13:1:") {
		t.Fatalf("master handle = %q", handle)
	}
}

func TestComputeDiffHandle(t *testing.T) {
	handle := ComputeDiffHandle("foo.py", 9, 1)
	if !strings.HasPrefix(handle, "foo.py:9:1:") {
		t.Fatalf("diff handle = %q", handle)
	}
}

func TestParseHandlesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handles")
	content := "# comment\nhandle1\n\nhandle2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	handles, err := ParseHandlesFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 2 || !handles["handle1"] || !handles["handle2"] {
		t.Fatalf("handles = %v", handles)
	}
}

func TestPreviouslySeenSuppression(t *testing.T) {
	issue := &Issue{
		Code:     1,
		Filename: "foo.py",
		Line:     11,
		Handle:   "H",
	}

	// Suppressed when the new handle was previously seen.
	if !isExistingIssue(nil, map[string]bool{"H": true}, issue) {
		t.Fatal("issue with previously seen handle should be suppressed")
	}

	// Suppressed when a diff handle from a remapped old line was seen.
	linemap := LineMap{"foo.py": {"11": {9, 10}}}
	oldHandles := map[string]bool{ComputeDiffHandle("foo.py", 9, 1): true}
	issue.Handle = "H2"
	if !isExistingIssue(linemap, oldHandles, issue) {
		t.Fatal("issue matching a remapped old line should be suppressed")
	}
	oldHandles = map[string]bool{ComputeDiffHandle("foo.py", 10, 1): true}
	if !isExistingIssue(linemap, oldHandles, issue) {
		t.Fatal("any remapped old line should suppress")
	}

	// Not suppressed otherwise.
	if isExistingIssue(linemap, map[string]bool{ComputeDiffHandle("foo.py", 8, 1): true}, issue) {
		t.Fatal("unrelated old line should not suppress")
	}
	if isExistingIssue(nil, nil, issue) {
		t.Fatal("no old handles should never suppress")
	}
}
