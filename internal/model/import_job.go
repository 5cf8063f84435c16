package model

import "time"

// Historical import job statuses.
const (
	ImportQueued    = "queued"
	ImportRunning   = "running"
	ImportCompleted = "completed"
	ImportFailed    = "failed"
	ImportCancelled = "cancelled"
)

// HistoricalImportJob is a bounded backfill of past playback events for
// one server over a time window.  Jobs are safely re-runnable: stored
// sessions are deduplicated by the same (server_id, session_id) key the
// live path uses, so overlapping windows never duplicate rows.
// Counters only ever grow and satisfy stored <= processed <= fetched.
type HistoricalImportJob struct {
	ID             uint64     // import_jobs.id
	PublicID       string     // import_jobs.public_id (uuid)
	ServerID       uint64     // import_jobs.server_id
	WindowFrom     time.Time  // import_jobs.window_from
	WindowTo       time.Time  // import_jobs.window_to
	Status         string     // import_jobs.status
	TotalFetched   int64      // import_jobs.total_fetched
	TotalProcessed int64      // import_jobs.total_processed
	TotalStored    int64      // import_jobs.total_stored
	ErrorMessage   *string    // import_jobs.error_message (nullable)
	CreatedAt      time.Time  // import_jobs.created_at
	StartedAt      *time.Time // import_jobs.started_at (nullable)
	FinishedAt     *time.Time // import_jobs.finished_at (nullable)
}

// Terminal reports whether the job reached a terminal status.
func (j *HistoricalImportJob) Terminal() bool {
	switch j.Status {
	case ImportCompleted, ImportFailed, ImportCancelled:
		return true
	}
	return false
}
