package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/inviterr/inviterr/internal/model"
)

// ImportJobRepo provides data access to import_jobs. Status
// transitions use the same conditional-update discipline as invitation
// links so two runners can never pick up the same queued job.
type ImportJobRepo struct {
	DB *sql.DB
}

// NewImportJobRepo returns a new ImportJobRepo bound to the provided database.
func NewImportJobRepo(db *sql.DB) *ImportJobRepo { return &ImportJobRepo{DB: db} }

// Create queues a new historical import job.
func (r *ImportJobRepo) Create(ctx context.Context, j *model.HistoricalImportJob) error {
	if j.PublicID == "" {
		j.PublicID = uuid.NewString()
	}
	j.Status = model.ImportQueued
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO import_jobs (public_id, server_id, window_from, window_to, status) VALUES (?,?,?,?,?)`,
		j.PublicID, j.ServerID, j.WindowFrom.UTC(), j.WindowTo.UTC(), j.Status)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	j.ID = uint64(id)
	return nil
}

// GetByPublicID loads a job by its UUID.
func (r *ImportJobRepo) GetByPublicID(ctx context.Context, publicID string) (model.HistoricalImportJob, error) {
	var j model.HistoricalImportJob
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, public_id, server_id, window_from, window_to, status,
		        total_fetched, total_processed, total_stored, error_message,
		        created_at, started_at, finished_at
		 FROM import_jobs WHERE public_id = ? LIMIT 1`,
		publicID).
		Scan(&j.ID, &j.PublicID, &j.ServerID, &j.WindowFrom, &j.WindowTo, &j.Status,
			&j.TotalFetched, &j.TotalProcessed, &j.TotalStored, &j.ErrorMessage,
			&j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	return j, err
}

// MarkRunning transitions queued -> running. Exactly one caller wins;
// the rest get ErrConflict.
func (r *ImportJobRepo) MarkRunning(ctx context.Context, jobID uint64, now time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE import_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		model.ImportRunning, now.UTC(), jobID, model.ImportQueued)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// AddProgress accumulates the monotone counters. Deltas are only ever
// added, never assigned, so stored <= processed <= fetched holds as
// long as the runner honors it per batch.
func (r *ImportJobRepo) AddProgress(ctx context.Context, jobID uint64, fetched, processed, stored int64) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE import_jobs
		 SET total_fetched = total_fetched + ?,
		     total_processed = total_processed + ?,
		     total_stored = total_stored + ?
		 WHERE id = ?`,
		fetched, processed, stored, jobID)
	return err
}

// Finish moves a running job to a terminal status. Progress already
// stored is retained regardless of the outcome; there is no
// compensating delete.
func (r *ImportJobRepo) Finish(ctx context.Context, jobID uint64, status string, errorMessage *string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE import_jobs SET status = ?, error_message = ?, finished_at = ? WHERE id = ? AND status = ?`,
		status, errorMessage, now.UTC(), jobID, model.ImportRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ListByServer returns a server's jobs, newest first.
func (r *ImportJobRepo) ListByServer(ctx context.Context, serverID uint64) ([]model.HistoricalImportJob, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, public_id, server_id, window_from, window_to, status,
		        total_fetched, total_processed, total_stored, error_message,
		        created_at, started_at, finished_at
		 FROM import_jobs WHERE server_id = ? ORDER BY id DESC`,
		serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.HistoricalImportJob
	for rows.Next() {
		var j model.HistoricalImportJob
		if err := rows.Scan(&j.ID, &j.PublicID, &j.ServerID, &j.WindowFrom, &j.WindowTo, &j.Status,
			&j.TotalFetched, &j.TotalProcessed, &j.TotalStored, &j.ErrorMessage,
			&j.CreatedAt, &j.StartedAt, &j.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
