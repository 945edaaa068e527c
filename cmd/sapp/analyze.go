package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/sapp/internal/analysis"
	"github.com/steveyegge/sapp/internal/graph"
	"github.com/steveyegge/sapp/internal/parse"
	"github.com/steveyegge/sapp/internal/pipeline"
	"github.com/steveyegge/sapp/internal/storage"
)

func newAnalyzeCmd() *cobra.Command {
	var (
		jobID             string
		repository        string
		branch            string
		commitHash        string
		runKind           string
		previousHandles   string
		linemapFile       string
		extraFeatures     []string
		dryRun            bool
		storeUnusedModels bool
		metaRunID         int64
	)

	cmd := &cobra.Command{
		Use:   "analyze <analysis-output>",
		Short: "Ingest analyzer output into the database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var output *analysis.Output
			var err error
			if len(args) > 1 {
				output, err = analysis.FromDirectories(args)
			} else {
				output, err = analysis.FromString(args[0])
			}
			if err != nil {
				return &UserError{Message: err.Error()}
			}

			opts := pipeline.IngestOptions{
				JobID:             jobID,
				Repository:        repository,
				Branch:            branch,
				CommitHash:        commitHash,
				RunKind:           runKind,
				ExtraFeatures:     extraFeatures,
				DryRun:            dryRun,
				StoreUnusedModels: storeUnusedModels,
				MetaRunID:         metaRunID,
			}
			if previousHandles != "" {
				handles, err := parse.ParseHandlesFile(previousHandles)
				if err != nil {
					return &UserError{Message: err.Error()}
				}
				opts.PreviousIssueHandles = handles
			}
			if linemapFile != "" {
				linemap, err := parse.LoadLineMap(linemapFile)
				if err != nil {
					return &UserError{Message: err.Error()}
				}
				opts.OldLineMap = linemap
			}
			if output.Metadata != nil {
				for _, name := range output.Metadata.ClassTypeIntervalsFilenames {
					data, err := os.ReadFile(name)
					if err != nil {
						return &UserError{Message: fmt.Sprintf("cannot read class intervals file %s: %v", name, err)}
					}
					intervals, err := graph.ParseClassIntervals(data)
					if err != nil {
						return err
					}
					opts.ClassIntervals = append(opts.ClassIntervals, intervals...)
				}
			}

			db, err := storage.Open(dbDialect, dbName)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			summary, err := pipeline.Ingest(rootCtx, db, output, opts)
			if err != nil {
				return err
			}
			if summary.DryRun {
				fmt.Printf("Dry run: %d issues (%d codes), nothing written\n",
					summary.NumTotalIssues, len(summary.AlarmCounts))
				return nil
			}
			fmt.Printf("Run %d finished: %d issues (%d new), %d rows saved\n",
				summary.RunID, summary.NumTotalIssues, summary.NumNewIssues, summary.SavedItems)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job-id", "", "job identifier recorded on the run")
	cmd.Flags().StringVar(&repository, "repository", "", "repository name recorded on the run")
	cmd.Flags().StringVar(&branch, "branch", "", "branch recorded on the run")
	cmd.Flags().StringVar(&commitHash, "commit-hash", "", "commit hash recorded on the run")
	cmd.Flags().StringVar(&runKind, "run-kind", "", "kind recorded on the run")
	cmd.Flags().StringVar(&previousHandles, "previous-issue-handles", "", "file of handles from a previous run; matching issues are suppressed")
	cmd.Flags().StringVar(&linemapFile, "linemap", "", "line-remap JSON file for the previously-seen filter")
	cmd.Flags().StringSliceVar(&extraFeatures, "extra-features", nil, "features added to every issue instance")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be saved without writing")
	cmd.Flags().BoolVar(&storeUnusedModels, "store-unused-models", false, "also generate frames for conditions no issue reached; the trim step still drops them before saving")
	cmd.Flags().Int64Var(&metaRunID, "meta-run-id", 0, "meta run to index issue instances under")
	return cmd
}
