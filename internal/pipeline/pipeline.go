// Package pipeline sequences the ingestion steps: parse the analysis
// output, build the trace graph, trim it, and bulk save it. Each step is
// typed input → output with a shared summary flowing through.
package pipeline

import (
	"context"

	"github.com/steveyegge/sapp/internal/graph"
	"github.com/steveyegge/sapp/internal/logging"
	"github.com/steveyegge/sapp/internal/models"
	"github.com/steveyegge/sapp/internal/parse"
)

var log = logging.For("pipeline")

// Step transforms its input into the next step's input. The summary is
// threaded through each step unchanged or augmented.
type Step[In, Out any] interface {
	Name() string
	Run(ctx context.Context, input In, summary *Summary) (Out, error)
}

// Summary carries run-wide state between steps and out of the pipeline.
type Summary struct {
	// Inputs to the spine.
	JobID                string
	Repository           string
	Branch               string
	CommitHash           string
	RunKind              string
	PreviousIssueHandles map[string]bool
	OldLineMap           parse.LineMap

	// Filled by the model generator.
	Run           *models.Run
	TraceEntries  map[models.TraceKind]map[parse.ConditionKey][]parse.Condition
	MissingTraces map[models.TraceKind]map[parse.ConditionKey]bool
	BigTito       map[graph.BigTito]bool

	// Filled by the database saver.
	RunSummary *RunSummary
}

// RunSummary is the typed result of a finished (or dry) run.
type RunSummary struct {
	RunID                    int64
	JobID                    string
	CommitHash               string
	NumTotalIssues           int
	NumNewIssues             int
	AlarmCounts              map[int]int
	NumMissingPreconditions  int
	NumMissingPostconditions int
	SavedItems               int
	DryRun                   bool
}

// runStep executes one step with progress logging.
func runStep[In, Out any](ctx context.Context, step Step[In, Out], input In, summary *Summary) (Out, error) {
	log.WithField("step", step.Name()).Debug("Step starting")
	output, err := step.Run(ctx, input, summary)
	if err != nil {
		log.WithField("step", step.Name()).WithField("error", err.Error()).Error("Step failed")
		var zero Out
		return zero, err
	}
	log.WithField("step", step.Name()).Debug("Step finished")
	return output, nil
}
