package pipeline

import (
	"context"

	"github.com/steveyegge/sapp/internal/analysis"
	"github.com/steveyegge/sapp/internal/graph"
	"github.com/steveyegge/sapp/internal/parse"
	"github.com/steveyegge/sapp/internal/storage"
)

// IngestOptions configures one pipeline run.
type IngestOptions struct {
	JobID                string
	Repository           string
	Branch               string
	CommitHash           string
	RunKind              string
	PreviousIssueHandles map[string]bool
	OldLineMap           parse.LineMap
	ExtraFeatures        []string
	ClassIntervals       []graph.ClassInterval
	DryRun               bool
	StoreUnusedModels    bool
	MetaRunID            int64
}

// Ingest runs the fixed ingestion spine over one analysis output:
//
//	Parser → CreateDatabase → AddFeatures → ModelGenerator →
//	TrimTraceGraph → DatabaseSaver
//
// On error the run is aborted; an already-created run row stays
// incomplete and is ignored by the read path.
func Ingest(ctx context.Context, db *storage.DB, output *analysis.Output, opts IngestOptions) (*RunSummary, error) {
	parser, err := parse.New(output.Metadata)
	if err != nil {
		return nil, err
	}
	if opts.CommitHash == "" && output.Metadata != nil {
		opts.CommitHash = output.Metadata.CommitHash
	}
	if opts.Repository == "" && output.Metadata != nil {
		opts.Repository = output.Metadata.RepositoryName
	}

	summary := &Summary{
		JobID:                opts.JobID,
		Repository:           opts.Repository,
		Branch:               opts.Branch,
		CommitHash:           opts.CommitHash,
		RunKind:              opts.RunKind,
		PreviousIssueHandles: opts.PreviousIssueHandles,
		OldLineMap:           opts.OldLineMap,
	}

	entries, err := runStep[*analysis.Output, *parse.Entries](ctx, &ParseStep{Parser: parser}, output, summary)
	if err != nil {
		return nil, err
	}
	entries, err = runStep[*parse.Entries, *parse.Entries](ctx, &CreateDatabaseStep{DB: db}, entries, summary)
	if err != nil {
		return nil, err
	}
	entries, err = runStep[*parse.Entries, *parse.Entries](ctx, &AddFeaturesStep{Features: opts.ExtraFeatures}, entries, summary)
	if err != nil {
		return nil, err
	}
	traceGraph, err := runStep[*parse.Entries, *graph.TraceGraph](ctx, &ModelGeneratorStep{
		Options: graph.GeneratorOptions{
			StoreUnusedModels:           opts.StoreUnusedModels,
			RecordMetaRunIssueInstances: opts.MetaRunID != 0,
			MetaRunID:                   opts.MetaRunID,
		},
		ClassIntervals: opts.ClassIntervals,
	}, entries, summary)
	if err != nil {
		return nil, err
	}
	traceGraph, err = runStep[*graph.TraceGraph, *graph.TraceGraph](ctx, &TrimTraceGraphStep{}, traceGraph, summary)
	if err != nil {
		return nil, err
	}
	return runStep[*graph.TraceGraph, *RunSummary](ctx, &DatabaseSaverStep{
		DB:     db,
		DryRun: opts.DryRun,
	}, traceGraph, summary)
}
