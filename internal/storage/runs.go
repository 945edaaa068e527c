package storage

import (
	"context"
	"time"

	"github.com/steveyegge/sapp/internal/models"
)

// SaveRun reserves the run's id and inserts its row with its current
// (incomplete) status.
func SaveRun(ctx context.Context, db *DB, pkgen *PrimaryKeyGenerator, run *models.Run) error {
	if err := pkgen.Reserve(ctx, db, map[string]int{"runs": 1}); err != nil {
		return err
	}
	id, err := pkgen.Next("runs")
	if err != nil {
		return err
	}
	run.ID.Resolve(id, true)

	conn, err := db.Session(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	_, err = conn.ExecContext(ctx, `
		INSERT INTO runs (
			id, job_id, date, status, commit_hash, branch, repository, kind,
			purge_status, finished_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, run.JobID, run.Date.Unix(), string(run.Status), run.CommitHash,
		run.Branch, run.Repository, run.Kind, string(run.PurgeStatus), nil,
	)
	if err != nil {
		return wrapDBError("inserting run", err)
	}
	log.WithField("run_id", id).Info("Created run")
	return nil
}

// FinishRun transitions the run to finished with the current time, in its
// own commit. An aborted run never reaches this and stays incomplete.
func FinishRun(ctx context.Context, db *DB, run *models.Run) error {
	id, err := run.ID.Int()
	if err != nil {
		return err
	}
	run.Status = models.RunFinished
	run.FinishedTime = time.Now().Unix()

	conn, err := db.Session(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	_, err = conn.ExecContext(ctx,
		"UPDATE runs SET status = ?, finished_time = ? WHERE id = ?",
		string(run.Status), run.FinishedTime, id)
	if err != nil {
		return wrapDBError("finishing run", err)
	}
	return nil
}
