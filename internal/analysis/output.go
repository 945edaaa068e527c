// Package analysis locates and describes analyzer output on disk: the
// analysis files themselves (possibly sharded) and the metadata that tells
// the pipeline which tool produced them.
package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const metadataGlob = "*metadata.json"

// OutputError reports an unresolvable analysis output identifier.
type OutputError struct {
	Message string
}

func (e *OutputError) Error() string {
	return e.Message
}

func outputErrorf(format string, args ...any) *OutputError {
	return &OutputError{Message: fmt.Sprintf(format, args...)}
}

// Rule is one entry from the metadata rules list.
type Rule struct {
	Code        int    `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// PartialFlowToMark asks the pipeline to mark partial flows that prefix or
// suffix a full flow through the named transform.
type PartialFlowToMark struct {
	PartialIssueCode  int    `json:"partial_issue_code"`
	FullIssueCode     int    `json:"full_issue_code"`
	FullIssueTransform string `json:"full_issue_transform"`
	IsPrefixFlow      bool   `json:"is_prefix_flow"`
	Feature           string `json:"feature"`
}

// Metadata describes one analyzer run, assembled from *metadata.json files.
type Metadata struct {
	RepoRoots                   map[string]bool
	RepositoryName              string
	Tool                        string
	AnalysisToolVersion         string
	CommitHash                  string
	JobInstance                 int64
	Project                     string
	Rules                       map[int]Rule
	ClassTypeIntervalsFilenames []string
	CategoryCoverage            json.RawMessage
	PartialFlowsToMark          []PartialFlowToMark
}

// Merge combines two metadata records: sets union, scalars keep the first
// non-empty value, rule maps overlay.
func (m *Metadata) Merge(o *Metadata) *Metadata {
	merged := &Metadata{
		RepoRoots:           make(map[string]bool),
		RepositoryName:      firstNonEmpty(m.RepositoryName, o.RepositoryName),
		Tool:                firstNonEmpty(m.Tool, o.Tool),
		AnalysisToolVersion: firstNonEmpty(m.AnalysisToolVersion, o.AnalysisToolVersion),
		CommitHash:          firstNonEmpty(m.CommitHash, o.CommitHash),
		Project:             firstNonEmpty(m.Project, o.Project),
		JobInstance:         m.JobInstance,
		Rules:               make(map[int]Rule),
		CategoryCoverage:    m.CategoryCoverage,
	}
	if merged.JobInstance == 0 {
		merged.JobInstance = o.JobInstance
	}
	for root := range m.RepoRoots {
		merged.RepoRoots[root] = true
	}
	for root := range o.RepoRoots {
		merged.RepoRoots[root] = true
	}
	for code, rule := range m.Rules {
		merged.Rules[code] = rule
	}
	for code, rule := range o.Rules {
		merged.Rules[code] = rule
	}
	merged.ClassTypeIntervalsFilenames = append(
		append([]string{}, m.ClassTypeIntervalsFilenames...),
		o.ClassTypeIntervalsFilenames...,
	)
	merged.PartialFlowsToMark = append(
		append([]PartialFlowToMark{}, m.PartialFlowsToMark...),
		o.PartialFlowsToMark...,
	)
	return merged
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Output represents analyzer output. Ways to define, high to low
// precedence: an in-memory handle (testing), explicit filename specs
// (single files or sharded patterns), or a glob under a directory.
type Output struct {
	Directory     string
	FilenameSpecs []string
	FilenameGlob  string
	Handle        *Handle
	Metadata      *Metadata
}

// Handle is an in-memory analysis file, used for testing.
type Handle struct {
	Name string
	Data []byte
}

// FromHandle wraps an in-memory file. When the handle carries a name it
// doubles as the output's filename spec.
func FromHandle(h *Handle) *Output {
	out := &Output{Handle: h}
	if h.Name != "" {
		out.FilenameSpecs = []string{h.Name}
	}
	return out
}

// FromFile wraps a single file name or sharded file pattern.
func FromFile(name string) *Output {
	return &Output{FilenameSpecs: []string{name}}
}

// FromString resolves an identifier: a directory, a file, or a sharded
// pattern whose directory exists.
func FromString(identifier string) (*Output, error) {
	if info, err := os.Stat(identifier); err == nil {
		if info.IsDir() {
			return FromDirectory(identifier)
		}
		return FromFile(identifier), nil
	}
	dir := filepath.Dir(identifier)
	if info, err := os.Stat(dir); err == nil && info.IsDir() &&
		strings.Contains(filepath.Base(identifier), "@") {
		return FromFile(identifier), nil
	}
	return nil, outputErrorf("unrecognized identifier `%s`", identifier)
}

// FromDirectory reads the directory's *metadata.json files (merged
// shallowly) and resolves the analysis files they declare.
func FromDirectory(directory string) (*Output, error) {
	raw, err := readMetadataFiles(directory)
	if err != nil {
		return nil, err
	}

	out := &Output{Directory: directory}
	out.FilenameSpecs = remappedFilenames(raw, "filename_spec", directory)
	if len(out.FilenameSpecs) == 0 {
		if globValue, ok := raw["filename_glob"]; ok {
			var glob string
			if err := json.Unmarshal(globValue, &glob); err != nil || glob == "" {
				return nil, outputErrorf(
					"empty 'filename_glob' not allowed; use 'filename_spec' or a non-empty 'filename_glob'")
			}
			out.FilenameGlob = glob
		} else {
			// Legacy single-file declaration.
			var filenames []string
			if err := json.Unmarshal(raw["filenames"], &filenames); err != nil || len(filenames) == 0 {
				return nil, outputErrorf("metadata in `%s` declares no analysis files", directory)
			}
			out.FilenameSpecs = []string{filepath.Join(directory, filepath.Base(filenames[0]))}
		}
	}

	md, err := metadataFromJSON(raw, directory)
	if err != nil {
		return nil, err
	}
	out.Metadata = md
	return out, nil
}

// FromDirectories aggregates several output directories into one Output.
// Only filename_spec declarations are supported; metadata is merged
// pairwise.
func FromDirectories(directories []string) (*Output, error) {
	var main *Metadata
	var specs []string
	for _, directory := range directories {
		info, err := os.Stat(directory)
		if err != nil || !info.IsDir() {
			return nil, outputErrorf("`%s` is not a directory", directory)
		}
		raw, err := readMetadataFiles(directory)
		if err != nil {
			return nil, err
		}
		specs = append(specs, remappedFilenames(raw, "filename_spec", directory)...)
		md, err := metadataFromJSON(raw, directory)
		if err != nil {
			return nil, err
		}
		if main == nil {
			main = md
		} else {
			main = main.Merge(md)
		}
	}
	return &Output{FilenameSpecs: specs, Metadata: main}, nil
}

// FileNames expands specs and globs to the concrete analysis files.
func (o *Output) FileNames() ([]string, error) {
	var names []string
	for _, spec := range o.FilenameSpecs {
		if isSharded(spec) {
			shards, err := shardedFilenames(spec)
			if err != nil {
				return nil, err
			}
			names = append(names, shards...)
		} else {
			names = append(names, spec)
		}
	}
	if o.FilenameGlob != "" {
		matches, err := filepath.Glob(filepath.Join(o.Directory, o.FilenameGlob))
		if err != nil {
			return nil, outputErrorf("bad filename_glob `%s`: %v", o.FilenameGlob, err)
		}
		names = append(names, matches...)
	}
	return names, nil
}

// Files returns the analysis files with their contents. An in-memory
// handle yields exactly one file.
func (o *Output) Files() ([]Handle, error) {
	if o.Handle != nil {
		return []Handle{*o.Handle}, nil
	}
	names, err := o.FileNames()
	if err != nil {
		return nil, err
	}
	handles := make([]Handle, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, outputErrorf("cannot read analysis file `%s`: %v", name, err)
		}
		handles = append(handles, Handle{Name: name, Data: data})
	}
	return handles, nil
}

// HasSharded reports whether any spec is a sharded pattern.
func (o *Output) HasSharded() bool {
	for _, spec := range o.FilenameSpecs {
		if isSharded(spec) {
			return true
		}
	}
	return false
}

func (o *Output) String() string {
	if o.Directory != "" {
		return fmt.Sprintf("AnalysisOutput(%q)", o.Directory)
	}
	return fmt.Sprintf("AnalysisOutput(%v)", o.FilenameSpecs)
}

func readMetadataFiles(directory string) (map[string]json.RawMessage, error) {
	matches, err := filepath.Glob(filepath.Join(directory, metadataGlob))
	if err != nil {
		return nil, outputErrorf("cannot scan `%s` for metadata: %v", directory, err)
	}
	merged := make(map[string]json.RawMessage)
	for _, file := range matches {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, outputErrorf("cannot read metadata `%s`: %v", file, err)
		}
		var one map[string]json.RawMessage
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, outputErrorf("malformed metadata `%s`: %v", file, err)
		}
		for k, v := range one {
			merged[k] = v
		}
	}
	return merged, nil
}

func metadataFromJSON(raw map[string]json.RawMessage, directory string) (*Metadata, error) {
	md := &Metadata{
		RepoRoots: make(map[string]bool),
		Rules:     make(map[int]Rule),
	}
	// Tools disagree on whether version is a string or a number.
	var version string
	if err := json.Unmarshal(raw["version"], &version); err != nil {
		var numeric json.Number
		if err := json.Unmarshal(raw["version"], &numeric); err != nil {
			return nil, outputErrorf("metadata in `%s` has no usable 'version'", directory)
		}
		version = numeric.String()
	}
	md.AnalysisToolVersion = version

	repoRoot := stringField(raw, "repo_root")
	if repoRoot == "" {
		repoRoot = stringField(raw, "root")
	}
	if repoRoot != "" {
		md.RepoRoots[repoRoot] = true
	}
	md.CommitHash = stringField(raw, "commit")
	md.Tool = stringField(raw, "tool")
	md.RepositoryName = stringField(raw, "repository_name")
	md.Project = stringField(raw, "project")
	if v, ok := raw["job_instance"]; ok {
		_ = json.Unmarshal(v, &md.JobInstance)
	}
	if v, ok := raw["rules"]; ok {
		var rules []Rule
		if err := json.Unmarshal(v, &rules); err != nil {
			return nil, outputErrorf("malformed 'rules' in metadata: %v", err)
		}
		for _, rule := range rules {
			md.Rules[rule.Code] = rule
		}
	}
	md.ClassTypeIntervalsFilenames = remappedFilenames(raw, "class_type_intervals_filename", directory)
	if v, ok := raw["category_coverage"]; ok {
		md.CategoryCoverage = v
	}
	if v, ok := raw["partial_flows"]; ok {
		if err := json.Unmarshal(v, &md.PartialFlowsToMark); err != nil {
			return nil, outputErrorf("malformed 'partial_flows' in metadata: %v", err)
		}
	}
	return md, nil
}

func stringField(raw map[string]json.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// Bundles can be created on one host and processed on another; absolute
// paths inside the metadata are rewritten into the bundle directory.
func remappedFilenames(raw map[string]json.RawMessage, key, directory string) []string {
	var name string
	if v, ok := raw[key]; ok {
		_ = json.Unmarshal(v, &name)
	}
	if name == "" {
		return nil
	}
	return []string{filepath.Join(directory, filepath.Base(name))}
}

var errNotSharded = errors.New("not a sharded pattern")

func isSharded(spec string) bool {
	return strings.Contains(spec, "@")
}
