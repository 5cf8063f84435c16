package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/queue"
	"github.com/inviterr/inviterr/internal/repository"
)

// memJobs is an in-memory JobStore enforcing the queued-to-running and
// running-to-terminal transitions.
type memJobs struct {
	mu  sync.Mutex
	job model.HistoricalImportJob
}

func (m *memJobs) MarkRunning(_ context.Context, jobID uint64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job.ID != jobID {
		return repository.ErrNotFound
	}
	if m.job.Status != model.ImportQueued {
		return repository.ErrConflict
	}
	m.job.Status = model.ImportRunning
	m.job.StartedAt = &now
	return nil
}

func (m *memJobs) AddProgress(_ context.Context, jobID uint64, fetched, processed, stored int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job.ID != jobID {
		return repository.ErrNotFound
	}
	m.job.TotalFetched += fetched
	m.job.TotalProcessed += processed
	m.job.TotalStored += stored
	return nil
}

func (m *memJobs) Finish(_ context.Context, jobID uint64, status string, errorMessage *string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job.ID != jobID {
		return repository.ErrNotFound
	}
	if m.job.Terminal() {
		return repository.ErrConflict
	}
	m.job.Status = status
	m.job.ErrorMessage = errorMessage
	m.job.FinishedAt = &now
	return nil
}

func (m *memJobs) snapshot() model.HistoricalImportJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job
}

// pagedFetcher serves canned events in pages.
type pagedFetcher struct {
	events []HistoryEvent
	calls  int
	errAt  int // fail the nth call (1-based); 0 = never
}

func (f *pagedFetcher) FetchPage(_ context.Context, _ uint64, _, _ time.Time, offset, limit int) ([]HistoryEvent, error) {
	f.calls++
	if f.errAt != 0 && f.calls == f.errAt {
		return nil, errors.New("history endpoint returned 500")
	}
	if offset >= len(f.events) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.events) {
		end = len(f.events)
	}
	return f.events[offset:end], nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []queue.ImportCompletedEvent
}

func (c *captureNotifier) Publish(_ context.Context, _ string, event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := event.(queue.ImportCompletedEvent); ok {
		c.events = append(c.events, ev)
	}
	return nil
}

func historyEvents(n int) []HistoryEvent {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	evs := make([]HistoryEvent, n)
	for i := range evs {
		evs[i] = HistoryEvent{
			SessionID:       fmt.Sprintf("hist-%d", i),
			MediaTitle:      "Film",
			MediaType:       "movie",
			StartedAt:       base.Add(time.Duration(i) * time.Hour),
			EndedAt:         base.Add(time.Duration(i)*time.Hour + 90*time.Minute),
			FinalPositionMs: 5400000,
			ProgressPercent: 100,
		}
	}
	return evs
}

func queuedJob() model.HistoricalImportJob {
	return model.HistoricalImportJob{
		ID:         1,
		PublicID:   "job-1",
		ServerID:   3,
		WindowFrom: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		WindowTo:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		Status:     model.ImportQueued,
	}
}

func newTestRunner(store *memStore, jobs *memJobs, f Fetcher, n Notifier, batch int) *Runner {
	ingest := NewIngestor(store, nil, zerolog.Nop())
	return NewRunner(jobs, ingest, f, n, batch, zerolog.Nop())
}

func TestRunImportsAllPages(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	jobs := &memJobs{job: queuedJob()}
	notify := &captureNotifier{}
	r := newTestRunner(store, jobs, &pagedFetcher{events: historyEvents(5)}, notify, 2)

	if err := r.Run(context.Background(), jobs.snapshot()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	j := jobs.snapshot()
	if j.Status != model.ImportCompleted {
		t.Errorf("status = %s, want completed", j.Status)
	}
	if j.TotalFetched != 5 || j.TotalProcessed != 5 || j.TotalStored != 5 {
		t.Errorf("counters = %d/%d/%d, want 5/5/5", j.TotalFetched, j.TotalProcessed, j.TotalStored)
	}
	if len(store.sessions) != 5 {
		t.Errorf("sessions stored = %d, want 5", len(store.sessions))
	}
	for _, s := range store.sessions {
		if s.Active {
			t.Errorf("imported session %s left active", s.SessionID)
		}
	}
	if len(notify.events) != 1 || notify.events[0].Status != model.ImportCompleted {
		t.Errorf("events = %+v, want one completed", notify.events)
	}
}

func TestRunOverlappingWindowSkipsDuplicates(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	events := historyEvents(4)

	jobs1 := &memJobs{job: queuedJob()}
	r1 := newTestRunner(store, jobs1, &pagedFetcher{events: events}, nil, 10)
	if err := r1.Run(context.Background(), jobs1.snapshot()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	job2 := queuedJob()
	job2.ID = 2
	job2.PublicID = "job-2"
	jobs2 := &memJobs{job: job2}
	r2 := newTestRunner(store, jobs2, &pagedFetcher{events: events}, nil, 10)
	if err := r2.Run(context.Background(), jobs2.snapshot()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(store.sessions) != 4 {
		t.Errorf("sessions = %d, want 4 (no duplicates)", len(store.sessions))
	}
	j := jobs2.snapshot()
	if j.TotalStored != 0 {
		t.Errorf("second run stored = %d, want 0", j.TotalStored)
	}
	if j.TotalProcessed != 4 || j.TotalFetched != 4 {
		t.Errorf("second run counters = %d/%d, want 4/4", j.TotalFetched, j.TotalProcessed)
	}
}

func TestRunFetchFailureMarksFailed(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	jobs := &memJobs{job: queuedJob()}
	notify := &captureNotifier{}
	r := newTestRunner(store, jobs, &pagedFetcher{events: historyEvents(6), errAt: 2}, notify, 2)

	if err := r.Run(context.Background(), jobs.snapshot()); err == nil {
		t.Fatal("Run should surface the fetch error")
	}
	j := jobs.snapshot()
	if j.Status != model.ImportFailed {
		t.Errorf("status = %s, want failed", j.Status)
	}
	if j.ErrorMessage == nil {
		t.Error("error message not recorded")
	}
	// The first page's progress is retained.
	if j.TotalStored != 2 {
		t.Errorf("stored = %d, want 2", j.TotalStored)
	}
	if len(notify.events) != 1 || notify.events[0].Status != model.ImportFailed {
		t.Errorf("events = %+v, want one failed", notify.events)
	}
}

func TestRunCancelledBetweenBatches(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	jobs := &memJobs{job: queuedJob()}

	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &cancellingFetcher{inner: &pagedFetcher{events: historyEvents(6)}, cancelAfter: 1, cancel: cancel}
	r := newTestRunner(store, jobs, fetcher, nil, 2)

	if err := r.Run(ctx, jobs.snapshot()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	j := jobs.snapshot()
	if j.Status != model.ImportCancelled {
		t.Errorf("status = %s, want cancelled", j.Status)
	}
	// Progress from completed batches stays.
	if j.TotalStored != 2 {
		t.Errorf("stored = %d, want 2", j.TotalStored)
	}
	if j.TotalStored > j.TotalProcessed || j.TotalProcessed > j.TotalFetched {
		t.Errorf("counter invariant violated: %d/%d/%d", j.TotalFetched, j.TotalProcessed, j.TotalStored)
	}
}

func TestRunRefusesNonQueuedJob(t *testing.T) {
	t.Parallel()
	job := queuedJob()
	job.Status = model.ImportRunning
	jobs := &memJobs{job: job}
	r := newTestRunner(newMemStore(), jobs, &pagedFetcher{}, nil, 2)

	if err := r.Run(context.Background(), jobs.snapshot()); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

// cancellingFetcher cancels the run's context after n successful pages.
type cancellingFetcher struct {
	inner       *pagedFetcher
	cancelAfter int
	cancel      context.CancelFunc
}

func (f *cancellingFetcher) FetchPage(ctx context.Context, serverID uint64, from, to time.Time, offset, limit int) ([]HistoryEvent, error) {
	evs, err := f.inner.FetchPage(ctx, serverID, from, to, offset, limit)
	if err == nil && f.inner.calls == f.cancelAfter {
		f.cancel()
	}
	return evs, err
}
