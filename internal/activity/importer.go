package activity

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/queue"
)

// HistoryEvent is one finished playback event fetched from a server's
// history API.
type HistoryEvent struct {
	SessionID       string
	UserRef         string
	MediaTitle      string
	MediaType       string
	StartedAt       time.Time
	EndedAt         time.Time
	FinalPositionMs int64
	ProgressPercent float64
}

// Fetcher pages historical events out of an external server. It is the
// only blocking collaborator of an import run; everything else is local
// storage.
type Fetcher interface {
	FetchPage(ctx context.Context, serverID uint64, from, to time.Time, offset, limit int) ([]HistoryEvent, error)
}

// JobStore is the import-job persistence surface.
// *repository.ImportJobRepo satisfies it.
type JobStore interface {
	MarkRunning(ctx context.Context, jobID uint64, now time.Time) error
	AddProgress(ctx context.Context, jobID uint64, fetched, processed, stored int64) error
	Finish(ctx context.Context, jobID uint64, status string, errorMessage *string, now time.Time) error
}

// Notifier publishes import lifecycle events. May be nil.
type Notifier interface {
	Publish(ctx context.Context, queueName string, event any) error
}

// Runner executes historical import jobs. A run claims the job with a
// conditional queued-to-running transition, so two workers picking up
// the same job resolve to a single runner.
type Runner struct {
	jobs      JobStore
	ingest    *Ingestor
	fetcher   Fetcher
	notify    Notifier
	batchSize int
	log       zerolog.Logger
	now       func() time.Time
}

// NewRunner wires a Runner. batchSize <= 0 falls back to 200.
func NewRunner(jobs JobStore, ingest *Ingestor, fetcher Fetcher, notify Notifier, batchSize int, log zerolog.Logger) *Runner {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Runner{
		jobs:      jobs,
		ingest:    ingest,
		fetcher:   fetcher,
		notify:    notify,
		batchSize: batchSize,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one job to a terminal status. Cancellation is honored
// between batches only; progress already stored is kept. Overlapping
// windows are safe because stored sessions deduplicate on the same
// (server_id, session_id) key the live path uses.
func (r *Runner) Run(ctx context.Context, job model.HistoricalImportJob) error {
	// Job bookkeeping must outlive cancellation: a cancelled run still
	// records its progress and terminal status.
	persist := context.WithoutCancel(ctx)

	if err := r.jobs.MarkRunning(persist, job.ID, r.now()); err != nil {
		return err
	}
	r.log.Info().Str("job", job.PublicID).Uint64("server_id", job.ServerID).Msg("import started")

	var fetched, processed, stored int64
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return r.finish(job, model.ImportCancelled, nil, fetched, processed, stored)
		}

		events, err := r.fetcher.FetchPage(ctx, job.ServerID, job.WindowFrom, job.WindowTo, offset, r.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return r.finish(job, model.ImportCancelled, nil, fetched, processed, stored)
			}
			return r.finish(job, model.ImportFailed, err, fetched, processed, stored)
		}
		if len(events) == 0 {
			break
		}

		var batchStored int64
		for i := range events {
			created, err := r.storeEvent(ctx, job.ServerID, &events[i])
			if err != nil {
				fetched += int64(len(events))
				processed += int64(i)
				stored += batchStored
				_ = r.jobs.AddProgress(persist, job.ID, int64(len(events)), int64(i), batchStored)
				if ctx.Err() != nil {
					return r.finish(job, model.ImportCancelled, nil, fetched, processed, stored)
				}
				return r.finish(job, model.ImportFailed, err, fetched, processed, stored)
			}
			if created {
				batchStored++
			}
		}

		n := int64(len(events))
		fetched += n
		processed += n
		stored += batchStored
		if err := r.jobs.AddProgress(persist, job.ID, n, n, batchStored); err != nil {
			return r.finish(job, model.ImportFailed, err, fetched, processed, stored)
		}

		if len(events) < r.batchSize {
			break
		}
		offset += len(events)
	}

	return r.finish(job, model.ImportCompleted, nil, fetched, processed, stored)
}

// storeEvent writes one historical event as a closed session. Already
// known sessions are left alone; created reports whether a new row was
// stored.
func (r *Runner) storeEvent(ctx context.Context, serverID uint64, ev *HistoryEvent) (bool, error) {
	_, created, err := r.ingest.OpenSession(ctx, OpenRequest{
		ServerID:   serverID,
		SessionID:  ev.SessionID,
		UserRef:    ev.UserRef,
		MediaTitle: ev.MediaTitle,
		MediaType:  ev.MediaType,
		StartedAt:  ev.StartedAt,
	})
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}
	err = r.ingest.CloseSession(ctx, CloseRequest{
		ServerID:        serverID,
		SessionID:       ev.SessionID,
		EndedAt:         ev.EndedAt,
		FinalPositionMs: ev.FinalPositionMs,
		ProgressPercent: ev.ProgressPercent,
	})
	return true, err
}

// finish stamps the terminal status and publishes import.completed. The
// stamp uses a context detached from cancellation; a cancelled run must
// still record its cancellation.
func (r *Runner) finish(job model.HistoricalImportJob, status string, cause error, fetched, processed, stored int64) error {
	ctx := context.Background()
	var msg *string
	if cause != nil {
		s := cause.Error()
		msg = &s
	}
	if err := r.jobs.Finish(ctx, job.ID, status, msg, r.now()); err != nil {
		r.log.Error().Err(err).Str("job", job.PublicID).Msg("finish import job failed")
	}
	ev := queue.ImportCompletedEvent{
		JobID:          job.PublicID,
		ServerID:       job.ServerID,
		Status:         status,
		TotalFetched:   fetched,
		TotalProcessed: processed,
		TotalStored:    stored,
		FinishedAt:     r.now().Format(time.RFC3339),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if r.notify != nil {
		_ = r.notify.Publish(ctx, queue.ImportCompletedQueue, ev)
	}
	r.log.Info().Str("job", job.PublicID).Str("status", status).
		Int64("fetched", fetched).Int64("processed", processed).Int64("stored", stored).
		Msg("import finished")
	return cause
}
