package parse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/sapp/internal/analysis"
	"github.com/steveyegge/sapp/internal/logging"
	"github.com/steveyegge/sapp/internal/metrics"
)

var log = logging.For("parser")

// ComputeHandleFromKey hashes a key into a bounded deterministic handle:
// the key truncated to fit, a separator, and 16 hex chars of xxhash64.
func ComputeHandleFromKey(key string) string {
	hash := fmt.Sprintf("%016x", xxhash.Sum64String(key))
	prefix := key
	if max := 255 - len(hash) - 1; len(prefix) > max {
		prefix = prefix[:max]
	}
	return prefix + ":" + hash
}

// ComputeMasterHandle derives an issue's stable handle from its position
// within its callable.
func ComputeMasterHandle(callable string, line, start, end, code int) string {
	return ComputeHandleFromKey(fmt.Sprintf("%s:%d|%d|%d:%d", callable, line, start, end, code))
}

// ComputeDiffHandle uses the absolute line and ignores callable and
// character offsets. Used only to recognize moved issues as old.
func ComputeDiffHandle(filename string, oldLine, code int) string {
	return ComputeHandleFromKey(fmt.Sprintf("%s:%d:%d", filename, oldLine, code))
}

// ParseHandlesFile reads a previous run's issue handles, one per line,
// skipping comment lines starting with '#'.
func ParseHandlesFile(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading handles file: %w", err)
	}
	handles := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		handles[line] = true
	}
	return handles, nil
}

// LineMap maps, per filename, each new-file line to the old-file lines it
// may have come from.
type LineMap map[string]map[string][]int

// LoadLineMap reads a line-remap JSON file.
func LoadLineMap(path string) (LineMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading linemap file: %w", err)
	}
	var lm LineMap
	if err := json.Unmarshal(data, &lm); err != nil {
		return nil, fmt.Errorf("parsing linemap file: %w", err)
	}
	return lm, nil
}

// Options configures parse-stream assembly.
type Options struct {
	// PreviousIssueHandles suppresses issues already seen by an earlier run.
	PreviousIssueHandles map[string]bool
	// LineMap adjusts handles for moved code when checking suppression.
	LineMap LineMap
	// Workers bounds the shard worker pool; zero means GOMAXPROCS.
	Workers int
}

// EntriesFromOutput parses all files of an analysis output and partitions
// the records: issues in order, conditions bucketed by (caller, port).
// Sharded outputs parse on a worker pool; workers share no state and their
// streams merge on the calling goroutine.
func EntriesFromOutput(ctx context.Context, p Parser, output *analysis.Output, opts Options) (*Entries, error) {
	p.Initialize(output.Metadata)

	files, err := output.Files()
	if err != nil {
		return nil, err
	}

	merged := &Stream{}
	if len(files) <= 1 {
		for _, f := range files {
			stream, err := p.ParseFile(f.Name, f.Data)
			if err != nil {
				return nil, err
			}
			merged.append(stream)
		}
	} else {
		workers := opts.Workers
		if workers <= 0 {
			workers = runtime.GOMAXPROCS(0)
		}
		streams := make([]*Stream, len(files))
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, f := range files {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				stream, err := p.ParseFile(f.Name, f.Data)
				if err != nil {
					return fmt.Errorf("%s: %w", f.Name, err)
				}
				streams[i] = stream
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, stream := range streams {
			merged.append(stream)
		}
	}

	entries := &Entries{
		Preconditions:  make(map[ConditionKey][]Condition),
		Postconditions: make(map[ConditionKey][]Condition),
	}
	for _, issue := range merged.Issues {
		metrics.ParsedIssues.Inc()
		if isExistingIssue(opts.LineMap, opts.PreviousIssueHandles, &issue) {
			metrics.SuppressedIssues.Inc()
			continue
		}
		entries.Issues = append(entries.Issues, issue)
	}
	for _, cond := range merged.Conditions {
		metrics.ParsedFrames.Inc()
		key := ConditionKey{Caller: cond.Caller, Port: cond.CallerPort}
		switch cond.Type {
		case TypePrecondition:
			entries.Preconditions[key] = append(entries.Preconditions[key], cond)
		case TypePostcondition:
			entries.Postconditions[key] = append(entries.Postconditions[key], cond)
		default:
			return nil, fmt.Errorf("unhandled condition type %q", cond.Type)
		}
	}
	log.WithFields(map[string]any{
		"issues": len(entries.Issues),
		"frames": len(merged.Conditions),
	}).Info("Parsed analysis output")
	return entries, nil
}

// An issue is existing when its handle was previously seen, or when any
// diff handle derived from the remapped old lines was.
func isExistingIssue(linemap LineMap, oldHandles map[string]bool, issue *Issue) bool {
	if len(oldHandles) == 0 {
		return false
	}
	if oldHandles[issue.Handle] {
		return true
	}
	if linemap == nil {
		return false
	}
	oldLines := linemap[issue.Filename][strconv.Itoa(issue.Line)]
	for _, oldLine := range oldLines {
		if oldHandles[ComputeDiffHandle(issue.Filename, oldLine, issue.Code)] {
			return true
		}
	}
	return false
}

// EntryPosition locates a callable's record inside a (sharded) analysis
// file, for later random access.
type EntryPosition struct {
	Callable string
	Shard    int
	Offset   int64
}

// FileOffsets maps each callable in one analysis file to the byte offsets
// of its records.
type FileOffsets struct {
	Path    string
	Offsets map[string][]int64
}

// offsetScanner is implemented by parsers that can report record offsets.
type offsetScanner interface {
	fileOffsets(name string, data []byte) (map[string][]int64, error)
}

// CollectFileOffsets indexes every analysis file by callable. Files index
// on a worker pool with no shared state; each worker returns its own
// (path, callable → offsets) result, merged here in file order.
func CollectFileOffsets(ctx context.Context, p Parser, output *analysis.Output, workers int) ([]FileOffsets, error) {
	scanner, ok := p.(offsetScanner)
	if !ok {
		return nil, fmt.Errorf("parser does not support file offsets")
	}
	files, err := output.Files()
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([]FileOffsets, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			offsets, err := scanner.fileOffsets(f.Name, f.Data)
			if err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
			results[i] = FileOffsets{Path: f.Name, Offsets: offsets}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// scanLines iterates a jsonlines buffer, reporting each line's byte offset.
// Lines can be large; the buffer cap matches the largest observed outputs.
func scanLines(data []byte, fn func(offset int64, line []byte) error) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	var offset int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if err := fn(offset, line); err != nil {
			return err
		}
		offset += int64(len(line)) + 1
	}
	return scanner.Err()
}
