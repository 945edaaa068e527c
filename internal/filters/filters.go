// Package filters is the read path's predicate DSL over issues: query
// predicates lower into SQL, issue predicates run over materialized rows
// where full feature sets are available. Saved filters are named JSON
// documents of filtering conditions.
package filters

import (
	"encoding/json"
	"fmt"
)

// ValidationError reports a malformed filter document.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Filter is a saved set of filtering conditions. At least one condition
// must be present.
type Filter struct {
	Features               []FeatureCondition `json:"features,omitempty"`
	Codes                  []int              `json:"codes,omitempty"`
	Paths                  []string           `json:"paths,omitempty"`
	Callables              []string           `json:"callables,omitempty"`
	TraceLengthFromSources []int              `json:"traceLengthFromSources,omitempty"`
	TraceLengthToSinks     []int              `json:"traceLengthToSinks,omitempty"`
	IsNewIssue             *bool              `json:"is_new_issue,omitempty"`
}

// FeatureCondition matches features by mode: "all of", "any of", or
// "none of".
type FeatureCondition struct {
	Mode     string   `json:"mode"`
	Features []string `json:"features"`
}

// Validate checks that the filter has at least one condition.
func (f *Filter) Validate() error {
	if len(f.Features) == 0 && len(f.Codes) == 0 && len(f.Paths) == 0 &&
		len(f.Callables) == 0 && len(f.TraceLengthFromSources) == 0 &&
		len(f.TraceLengthToSinks) == 0 && f.IsNewIssue == nil {
		return &ValidationError{Message: "filter must have at least one filtering condition"}
	}
	return nil
}

// ToJSON renders the filter's conditions as a JSON document.
func (f *Filter) ToJSON() (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encoding filter: %w", err)
	}
	return string(data), nil
}

// StoredFilter is a filter saved under a name.
type StoredFilter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Filter
}

// NewStoredFilter validates and wraps a named filter.
func NewStoredFilter(name, description string, filter Filter) (*StoredFilter, error) {
	if name == "" {
		return nil, &ValidationError{Message: "a stored filter must have a name"}
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return &StoredFilter{Name: name, Description: description, Filter: filter}, nil
}

// ParseFilter reads a bare conditions document (the form stored in the
// filters table, which carries name and description in their own columns).
func ParseFilter(data []byte) (*Filter, error) {
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing filter: %w", err)
	}
	return &f, nil
}

// ParseStoredFilter reads a stored filter from its JSON document.
func ParseStoredFilter(data []byte) (*StoredFilter, error) {
	var sf StoredFilter
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parsing filter: %w", err)
	}
	if sf.Name == "" {
		return nil, &ValidationError{Message: "a stored filter must have a name"}
	}
	if err := sf.Validate(); err != nil {
		return nil, err
	}
	return &sf, nil
}
