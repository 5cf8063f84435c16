package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/inviterr/inviterr/internal/model"
)

// ActivityRepo provides data access to activity_sessions and
// activity_snapshots. The tables are append/idempotent-upsert only: no
// row-level locking exists here, correctness hangs entirely on the
// (server_id, session_id) unique key and conditional updates.
type ActivityRepo struct {
	DB *sql.DB
}

// NewActivityRepo returns a new ActivityRepo bound to the provided database.
func NewActivityRepo(db *sql.DB) *ActivityRepo { return &ActivityRepo{DB: db} }

// OpenSession inserts a session if absent and reports whether a row was
// created. A duplicate open is a successful no-op that returns the
// existing primary key; live ingestion and historical import both go
// through this call, which is what deduplicates the two paths against
// each other.
func (r *ActivityRepo) OpenSession(ctx context.Context, s *model.ActivitySession) (created bool, err error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO activity_sessions
		   (server_id, session_id, account_id, identity_id, media_title, media_type, active, started_at)
		 VALUES (?,?,?,?,?,?,1,?)
		 ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)`,
		s.ServerID, s.SessionID, s.AccountID, s.IdentityID, s.MediaTitle, s.MediaType, s.StartedAt.UTC())
	if err != nil {
		return false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	s.ID = uint64(id)
	// MySQL reports 1 affected row for a fresh insert and 0 when the
	// duplicate-key branch changed nothing.
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AppendSnapshot inserts one point-in-time state. Snapshots are
// append-only; there is no update path.
func (r *ActivityRepo) AppendSnapshot(ctx context.Context, snap *model.ActivitySnapshot) error {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO activity_snapshots (session_pk, state, position_ms, ts) VALUES (?,?,?,?)`,
		snap.SessionPK, snap.State, snap.PositionMs, snap.Timestamp.UTC())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	snap.ID = uint64(id)
	return nil
}

// CloseSession sets the terminal fields and flips active off. The
// WHERE active = 1 guard makes a second close a no-op; ErrNotFound is
// only returned when the session does not exist at all.
func (r *ActivityRepo) CloseSession(ctx context.Context, serverID uint64, sessionID string, endedAt time.Time, finalPositionMs int64, progressPercent float64) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE activity_sessions
		 SET active = 0, ended_at = ?, final_position_ms = ?, progress_percent = ?
		 WHERE server_id = ? AND session_id = ? AND active = 1`,
		endedAt.UTC(), finalPositionMs, progressPercent, serverID, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM activity_sessions WHERE server_id = ? AND session_id = ? LIMIT 1`,
		serverID, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err // nil: already closed, treated as success
}

// GetSession loads a session by its logical (server, session) key.
func (r *ActivityRepo) GetSession(ctx context.Context, serverID uint64, sessionID string) (model.ActivitySession, error) {
	var s model.ActivitySession
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, server_id, session_id, account_id, identity_id, media_title, media_type, active,
		        started_at, ended_at, final_position_ms, progress_percent
		 FROM activity_sessions WHERE server_id = ? AND session_id = ? LIMIT 1`,
		serverID, sessionID).
		Scan(&s.ID, &s.ServerID, &s.SessionID, &s.AccountID, &s.IdentityID, &s.MediaTitle, &s.MediaType,
			&s.Active, &s.StartedAt, &s.EndedAt, &s.FinalPositionMs, &s.ProgressPercent)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// SnapshotsBySession returns a session's snapshots ordered by their
// timestamp, not by insertion order: live and backfilled snapshots may
// have been interleaved.
func (r *ActivityRepo) SnapshotsBySession(ctx context.Context, sessionPK uint64) ([]model.ActivitySnapshot, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, session_pk, state, position_ms, ts FROM activity_snapshots WHERE session_pk = ? ORDER BY ts`,
		sessionPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ActivitySnapshot
	for rows.Next() {
		var s model.ActivitySnapshot
		if err := rows.Scan(&s.ID, &s.SessionPK, &s.State, &s.PositionMs, &s.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSessions reports how many sessions exist for a server inside a
// window. Used to verify import idempotence and for job summaries.
func (r *ActivityRepo) CountSessions(ctx context.Context, serverID uint64, from, to time.Time) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_sessions WHERE server_id = ? AND started_at >= ? AND started_at < ?`,
		serverID, from.UTC(), to.UTC()).Scan(&n)
	return n, err
}
