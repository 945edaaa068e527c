package filters

import (
	"fmt"
	"regexp"
	"strings"
)

// SQLQuery accumulates WHERE clauses for the issue query. Query predicates
// lower into it; the read path renders it against its base select.
type SQLQuery struct {
	Conditions []string
	Args       []any
}

// Where appends a condition.
func (q *SQLQuery) Where(condition string, args ...any) {
	q.Conditions = append(q.Conditions, condition)
	q.Args = append(q.Args, args...)
}

// Clause renders the accumulated conditions as one AND-joined clause.
func (q *SQLQuery) Clause() string {
	if len(q.Conditions) == 0 {
		return ""
	}
	return strings.Join(q.Conditions, " AND ")
}

// QueryPredicate lowers into the underlying SQL.
type QueryPredicate interface {
	Apply(query *SQLQuery)
}

// IssueResult is a materialized issue row with its full-text sets, as the
// issue predicates see it.
type IssueResult struct {
	IssueID             int64
	Code                int
	Handle              string
	Filename            string
	Callable            string
	Message             string
	MinTraceLengthToSources int
	MinTraceLengthToSinks   int
	IsNew               bool
	Features            map[string]bool
	SourceNames         map[string]bool
	SinkNames           map[string]bool
}

// Attribute returns the named attribute as a value set, for the
// attribute-generic predicates.
func (r *IssueResult) Attribute(name string) map[string]bool {
	switch name {
	case "callable":
		return map[string]bool{r.Callable: true}
	case "filename":
		return map[string]bool{r.Filename: true}
	case "message":
		return map[string]bool{r.Message: true}
	case "features":
		return r.Features
	case "source_names":
		return r.SourceNames
	case "sink_names":
		return r.SinkNames
	}
	return nil
}

// IssuePredicate operates on materialized result rows.
type IssuePredicate interface {
	ApplyToIssues(issues []*IssueResult) []*IssueResult
}

// InRange filters a column to [lower, upper]; either bound may be absent.
type InRange struct {
	Column string
	Lower  *int64
	Upper  *int64
}

func (p InRange) Apply(query *SQLQuery) {
	if p.Lower != nil {
		query.Where(p.Column+" >= ?", *p.Lower)
	}
	if p.Upper != nil {
		query.Where(p.Column+" <= ?", *p.Upper)
	}
}

// Equals filters a column to an exact value.
type Equals struct {
	Column string
	To     any
}

func (p Equals) Apply(query *SQLQuery) {
	query.Where(p.Column+" = ?", p.To)
}

// IsNull filters a column to NULL.
type IsNull struct {
	Column string
}

func (p IsNull) Apply(query *SQLQuery) {
	query.Where(p.Column + " IS NULL")
}

// Like filters a column to match any of the patterns.
type Like struct {
	Column   string
	Patterns []string
}

func (p Like) Apply(query *SQLQuery) {
	if len(p.Patterns) == 0 {
		return
	}
	var parts []string
	var args []any
	for _, pattern := range p.Patterns {
		parts = append(parts, p.Column+" LIKE ?")
		args = append(args, pattern)
	}
	query.Where("("+strings.Join(parts, " OR ")+")", args...)
}

// HasAll keeps issues carrying every one of the features.
type HasAll struct {
	Features []string
}

func (p HasAll) ApplyToIssues(issues []*IssueResult) []*IssueResult {
	var out []*IssueResult
	for _, issue := range issues {
		all := true
		for _, feature := range p.Features {
			if !issue.Features[feature] {
				all = false
				break
			}
		}
		if all {
			out = append(out, issue)
		}
	}
	return out
}

// HasAny keeps issues whose named attribute intersects the value list.
type HasAny struct {
	Values    []string
	Attribute string
}

func (p HasAny) ApplyToIssues(issues []*IssueResult) []*IssueResult {
	var out []*IssueResult
	for _, issue := range issues {
		attribute := issue.Attribute(p.Attribute)
		for _, value := range p.Values {
			if attribute[value] {
				out = append(out, issue)
				break
			}
		}
	}
	return out
}

// HasNone keeps issues carrying none of the features.
type HasNone struct {
	Features []string
}

func (p HasNone) ApplyToIssues(issues []*IssueResult) []*IssueResult {
	var out []*IssueResult
	for _, issue := range issues {
		none := true
		for _, feature := range p.Features {
			if issue.Features[feature] {
				none = false
				break
			}
		}
		if none {
			out = append(out, issue)
		}
	}
	return out
}

// Matches keeps issues whose named attribute matches the regex.
type Matches struct {
	regex     *regexp.Regexp
	attribute string
}

// NewMatches compiles the regex; the match anchors at the start of each
// attribute value.
func NewMatches(pattern, attribute string) (*Matches, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad filter regex %q: %w", pattern, err)
	}
	return &Matches{regex: regex, attribute: attribute}, nil
}

func (p *Matches) ApplyToIssues(issues []*IssueResult) []*IssueResult {
	var out []*IssueResult
	for _, issue := range issues {
		for value := range issue.Attribute(p.attribute) {
			if loc := p.regex.FindStringIndex(value); loc != nil && loc[0] == 0 {
				out = append(out, issue)
				break
			}
		}
	}
	return out
}

// Apply runs an ordered predicate list: query predicates lower to SQL
// first, then issue predicates filter the materialized rows.
func Apply(predicates []any, query *SQLQuery, issues []*IssueResult) ([]*IssueResult, error) {
	for _, predicate := range predicates {
		if qp, ok := predicate.(QueryPredicate); ok {
			qp.Apply(query)
		}
	}
	out := issues
	for _, predicate := range predicates {
		if ip, ok := predicate.(IssuePredicate); ok {
			out = ip.ApplyToIssues(out)
		}
	}
	return out, nil
}
