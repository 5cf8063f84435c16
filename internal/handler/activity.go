package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/inviterr/inviterr/internal/activity"
	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/repository"
)

// ActivityHandler receives playback callbacks from media servers and
// manages historical import jobs.
type ActivityHandler struct {
	Ingest   *activity.Ingestor
	Sessions *repository.ActivityRepo
	Jobs     *repository.ImportJobRepo
	Runner   *activity.Runner
	Log      zerolog.Logger

	// running tracks cancel functions of in-process import runs, keyed
	// by job public id.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewActivityHandler(ingest *activity.Ingestor, sessions *repository.ActivityRepo, jobs *repository.ImportJobRepo, runner *activity.Runner, log zerolog.Logger) *ActivityHandler {
	return &ActivityHandler{
		Ingest:   ingest,
		Sessions: sessions,
		Jobs:     jobs,
		Runner:   runner,
		Log:      log,
		running:  make(map[string]context.CancelFunc),
	}
}

// OpenSession handles a session-start callback. Duplicate opens of the
// same (server, session) pair are a success, not an error.
func (h *ActivityHandler) OpenSession(c echo.Context) error {
	var req activity.OpenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.ServerID == 0 || req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "server_id/session_id required"})
	}
	if req.StartedAt.IsZero() {
		req.StartedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	session, created, err := h.Ingest.OpenSession(ctx, req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "open session failed"})
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, session)
}

// AppendSnapshot records a point-in-time playback state.
func (h *ActivityHandler) AppendSnapshot(c echo.Context) error {
	var req activity.SnapshotRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.ServerID == 0 || req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "server_id/session_id required"})
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Ingest.AppendSnapshot(ctx, req); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "append snapshot failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

// CloseSession handles a session-end callback; idempotent.
func (h *ActivityHandler) CloseSession(c echo.Context) error {
	var req activity.CloseRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.ServerID == 0 || req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "server_id/session_id required"})
	}
	if req.EndedAt.IsZero() {
		req.EndedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Ingest.CloseSession(ctx, req); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "close session failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

// GetSession returns one session with its snapshots ordered by
// timestamp.
func (h *ActivityHandler) GetSession(c echo.Context) error {
	serverID, err := strconv.ParseUint(c.Param("server_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid server id"})
	}
	sessionID := c.Param("session_id")

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	session, err := h.Sessions.GetSession(ctx, serverID, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load session failed"})
	}
	snaps, err := h.Sessions.SnapshotsBySession(ctx, session.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load snapshots failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"session": session, "snapshots": snaps})
}

type createImportReq struct {
	ServerID   uint64    `json:"server_id"`
	WindowFrom time.Time `json:"window_from"`
	WindowTo   time.Time `json:"window_to"`
}

// CreateImport queues a historical import job and starts it in the
// background. The response carries the job's public id for polling.
func (h *ActivityHandler) CreateImport(c echo.Context) error {
	var req createImportReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.ServerID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "server_id required"})
	}
	if req.WindowFrom.IsZero() || req.WindowTo.IsZero() || !req.WindowTo.After(req.WindowFrom) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "window_from must precede window_to"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	job := model.HistoricalImportJob{
		ServerID:   req.ServerID,
		WindowFrom: req.WindowFrom.UTC(),
		WindowTo:   req.WindowTo.UTC(),
	}
	if err := h.Jobs.Create(ctx, &job); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create import job failed"})
	}

	// The run outlives the request; the job row is the progress handle
	// and the registered cancel func allows an admin to stop it.
	runCtx, cancelRun := context.WithCancel(context.Background())
	h.mu.Lock()
	h.running[job.PublicID] = cancelRun
	h.mu.Unlock()
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.running, job.PublicID)
			h.mu.Unlock()
			cancelRun()
		}()
		if err := h.Runner.Run(runCtx, job); err != nil {
			h.Log.Warn().Err(err).Str("job", job.PublicID).Msg("import run ended with error")
		}
	}()

	return c.JSON(http.StatusAccepted, job)
}

// CancelImport stops an in-process import run. The runner records the
// progress made so far and marks the job cancelled.
func (h *ActivityHandler) CancelImport(c echo.Context) error {
	jobID := c.Param("job_id")

	h.mu.Lock()
	cancelRun, ok := h.running[jobID]
	h.mu.Unlock()
	if ok {
		cancelRun()
		return c.NoContent(http.StatusAccepted)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if _, err := h.Jobs.GetByPublicID(ctx, jobID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "job not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load job failed"})
	}
	return c.JSON(http.StatusConflict, echo.Map{"error": "job is not running"})
}

// GetImport returns a job's current status and counters.
func (h *ActivityHandler) GetImport(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	job, err := h.Jobs.GetByPublicID(ctx, c.Param("job_id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "job not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load job failed"})
	}
	return c.JSON(http.StatusOK, job)
}

// Summary returns the session count of a server over a time window.
// The window defaults to the last 30 days.
func (h *ActivityHandler) Summary(c echo.Context) error {
	serverID, err := strconv.ParseUint(c.Param("server_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid server id"})
	}
	to := time.Now().UTC()
	from := to.Add(-30 * 24 * time.Hour)
	if v := c.QueryParam("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid from"})
		}
	}
	if v := c.QueryParam("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid to"})
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	n, err := h.Sessions.CountSessions(ctx, serverID, from, to)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "count sessions failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"server_id": serverID,
		"from":      from,
		"to":        to,
		"sessions":  n,
	})
}

// ListImports returns a server's import jobs, newest first.
func (h *ActivityHandler) ListImports(c echo.Context) error {
	serverID, err := strconv.ParseUint(c.Param("server_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid server id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	jobs, err := h.Jobs.ListByServer(ctx, serverID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "list jobs failed"})
	}
	return c.JSON(http.StatusOK, jobs)
}
