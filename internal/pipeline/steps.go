package pipeline

import (
	"context"

	"github.com/steveyegge/sapp/internal/analysis"
	"github.com/steveyegge/sapp/internal/graph"
	"github.com/steveyegge/sapp/internal/models"
	"github.com/steveyegge/sapp/internal/parse"
	"github.com/steveyegge/sapp/internal/storage"
)

// ParseStep turns analyzer output into partitioned parse entries.
type ParseStep struct {
	Parser parse.Parser
}

func (s *ParseStep) Name() string { return "parser" }

func (s *ParseStep) Run(ctx context.Context, input *analysis.Output, summary *Summary) (*parse.Entries, error) {
	return parse.EntriesFromOutput(ctx, s.Parser, input, parse.Options{
		PreviousIssueHandles: summary.PreviousIssueHandles,
		LineMap:              summary.OldLineMap,
	})
}

// CreateDatabaseStep ensures the schema exists. The parse entries pass
// through untouched.
type CreateDatabaseStep struct {
	DB *storage.DB
}

func (s *CreateDatabaseStep) Name() string { return "create-database" }

func (s *CreateDatabaseStep) Run(ctx context.Context, input *parse.Entries, summary *Summary) (*parse.Entries, error) {
	if err := storage.CreateSchema(ctx, s.DB); err != nil {
		return nil, err
	}
	return input, nil
}

// AddFeaturesStep decorates every parsed issue with caller-supplied extra
// features.
type AddFeaturesStep struct {
	Features []string
}

func (s *AddFeaturesStep) Name() string { return "add-features" }

func (s *AddFeaturesStep) Run(_ context.Context, input *parse.Entries, summary *Summary) (*parse.Entries, error) {
	if len(s.Features) == 0 {
		return input, nil
	}
	for i := range input.Issues {
		input.Issues[i].Features = append(input.Issues[i].Features, s.Features...)
	}
	return input, nil
}

// ModelGeneratorStep builds the trace graph from the parse entries.
type ModelGeneratorStep struct {
	Options graph.GeneratorOptions
	// ClassIntervals attaches class interval rows to the run.
	ClassIntervals []graph.ClassInterval
}

func (s *ModelGeneratorStep) Name() string { return "model-generator" }

func (s *ModelGeneratorStep) Run(_ context.Context, input *parse.Entries, summary *Summary) (*graph.TraceGraph, error) {
	opts := s.Options
	opts.JobID = summary.JobID
	opts.Repository = summary.Repository
	opts.Branch = summary.Branch
	opts.CommitHash = summary.CommitHash
	opts.RunKind = summary.RunKind

	generator := graph.NewGenerator(opts)
	result, err := generator.Generate(input)
	if err != nil {
		return nil, err
	}
	result.AddClassTypeIntervals(s.ClassIntervals)

	summary.Run = result.Run
	summary.TraceEntries = result.TraceEntries
	summary.MissingTraces = result.MissingTraces
	summary.BigTito = result.BigTito
	return result.Graph, nil
}

// TrimTraceGraphStep drops frames not reachable from any issue.
type TrimTraceGraphStep struct{}

func (s *TrimTraceGraphStep) Name() string { return "trim-trace-graph" }

func (s *TrimTraceGraphStep) Run(_ context.Context, input *graph.TraceGraph, _ *Summary) (*graph.TraceGraph, error) {
	dropped := input.Trim()
	if dropped > 0 {
		log.WithField("frames", dropped).Info("Trimmed unreachable frames")
	}
	return input, nil
}

// DatabaseSaverStep persists the trace graph and finishes the run.
type DatabaseSaverStep struct {
	DB     *storage.DB
	PKGen  *storage.PrimaryKeyGenerator
	DryRun bool
	// ExtraSpecs save ahead of the default classes.
	ExtraSpecs []*storage.TableSpec
	// RecordCentralIssues is a hook point invoked with the prepared
	// issues before the run finishes; the default is a no-op.
	RecordCentralIssues func(ctx context.Context, run *models.Run, issues []*models.Issue) error
}

func (s *DatabaseSaverStep) Name() string { return "database-saver" }

func (s *DatabaseSaverStep) Run(ctx context.Context, input *graph.TraceGraph, summary *Summary) (*RunSummary, error) {
	pkgen := s.PKGen
	if pkgen == nil {
		pkgen = storage.NewPrimaryKeyGenerator()
	}
	saver := storage.NewBulkSaver(pkgen, s.ExtraSpecs...)
	saver.AddGraph(input)

	numPre, numPost := 0, 0
	for _, frame := range input.Frames() {
		switch frame.Kind {
		case models.Precondition:
			numPre++
		case models.Postcondition:
			numPost++
		}
	}
	log.WithFields(map[string]any{
		"issues":         len(input.Issues()),
		"frames":         len(input.Frames()),
		"preconditions":  numPre,
		"postconditions": numPost,
	}).Info("Preparing bulk save")
	for kind, unused := range summary.TraceEntries {
		total := 0
		for _, conditions := range unused {
			total += len(conditions)
		}
		log.WithFields(map[string]any{
			"kind":    string(kind),
			"dropped": total,
			"missing": len(summary.MissingTraces[kind]),
		}).Info("Dropped unused trace entries")
	}

	runSummary := &RunSummary{
		JobID:          summary.JobID,
		CommitHash:     summary.CommitHash,
		NumTotalIssues: len(input.Issues()),
		AlarmCounts:    make(map[int]int),
		DryRun:         s.DryRun,
	}
	for _, issue := range input.Issues() {
		runSummary.AlarmCounts[issue.Code]++
	}
	runSummary.NumMissingPreconditions = len(summary.MissingTraces[models.Precondition])
	runSummary.NumMissingPostconditions = len(summary.MissingTraces[models.Postcondition])

	if s.DryRun {
		summary.RunSummary = runSummary
		return runSummary, nil
	}

	if err := storage.SaveRun(ctx, s.DB, pkgen, summary.Run); err != nil {
		return nil, err
	}

	if err := saver.PrepareAll(ctx, s.DB); err != nil {
		return nil, err
	}

	// Central issues are recorded before local issues are saved, so new
	// local issues can sync against existing central ones.
	if s.RecordCentralIssues != nil {
		if err := s.RecordCentralIssues(ctx, summary.Run, input.Issues()); err != nil {
			return nil, err
		}
	}

	for _, issue := range input.Issues() {
		if issue.ID.IsNew() {
			runSummary.NumNewIssues++
		}
	}

	saved, err := saver.SaveAll(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	runSummary.SavedItems = saved

	if err := storage.FinishRun(ctx, s.DB, summary.Run); err != nil {
		return nil, err
	}
	runSummary.RunID, _ = summary.Run.ID.Resolved()

	summary.RunSummary = runSummary
	return runSummary, nil
}
