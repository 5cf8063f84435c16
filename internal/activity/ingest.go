// Package activity implements the playback activity pipeline: live
// session ingestion from server callbacks and historical backfill jobs.
// Both paths insert through the unique (server_id, session_id) key, so
// a replayed open or an overlapping import window is a no-op, never a
// duplicate.
package activity

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/repository"
)

// SessionStore is the persistence surface the ingestor needs.
// *repository.ActivityRepo satisfies it.
type SessionStore interface {
	OpenSession(ctx context.Context, s *model.ActivitySession) (created bool, err error)
	AppendSnapshot(ctx context.Context, snap *model.ActivitySnapshot) error
	CloseSession(ctx context.Context, serverID uint64, sessionID string, endedAt time.Time, finalPositionMs int64, progressPercent float64) error
	GetSession(ctx context.Context, serverID uint64, sessionID string) (model.ActivitySession, error)
}

// AccountLookup cross-links sessions to local accounts at open time.
type AccountLookup interface {
	FindByServerUser(ctx context.Context, serverID uint64, externalRef string) (model.Account, error)
}

// OpenRequest describes a session-start callback from a media server.
type OpenRequest struct {
	ServerID   uint64    `json:"server_id"`
	SessionID  string    `json:"session_id"`
	UserRef    string    `json:"user_ref,omitempty"` // server-side user id, if known
	MediaTitle string    `json:"media_title"`
	MediaType  string    `json:"media_type"`
	StartedAt  time.Time `json:"started_at"`
}

// SnapshotRequest is one point-in-time state report inside a session.
type SnapshotRequest struct {
	ServerID   uint64    `json:"server_id"`
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	PositionMs int64     `json:"position_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// CloseRequest carries the terminal state of a session.
type CloseRequest struct {
	ServerID        uint64    `json:"server_id"`
	SessionID       string    `json:"session_id"`
	EndedAt         time.Time `json:"ended_at"`
	FinalPositionMs int64     `json:"final_position_ms"`
	ProgressPercent float64   `json:"progress_percent"`
}

// Ingestor handles live activity callbacks.
type Ingestor struct {
	store    SessionStore
	accounts AccountLookup
	log      zerolog.Logger
}

// NewIngestor wires an Ingestor. accounts may be nil when account
// cross-linking is not wanted.
func NewIngestor(store SessionStore, accounts AccountLookup, log zerolog.Logger) *Ingestor {
	return &Ingestor{store: store, accounts: accounts, log: log}
}

// OpenSession records a session start. A duplicate open of the same
// (server, session) pair returns the existing session with created
// false; that is a success, not an error. When the server-side user is
// known and maps to a local account, the session is linked to that
// account and its identity.
func (in *Ingestor) OpenSession(ctx context.Context, req OpenRequest) (model.ActivitySession, bool, error) {
	s := model.ActivitySession{
		ServerID:   req.ServerID,
		SessionID:  req.SessionID,
		MediaTitle: req.MediaTitle,
		MediaType:  req.MediaType,
		Active:     true,
		StartedAt:  req.StartedAt.UTC(),
	}
	if in.accounts != nil && req.UserRef != "" {
		acct, err := in.accounts.FindByServerUser(ctx, req.ServerID, req.UserRef)
		switch {
		case err == nil:
			s.AccountID = &acct.ID
			s.IdentityID = acct.IdentityID
		case err == repository.ErrNotFound:
			// Unknown server-side users still get their activity recorded.
		default:
			return model.ActivitySession{}, false, err
		}
	}
	created, err := in.store.OpenSession(ctx, &s)
	if err != nil {
		return model.ActivitySession{}, false, err
	}
	if !created {
		// Replayed open: hand back what is already stored.
		existing, err := in.store.GetSession(ctx, req.ServerID, req.SessionID)
		if err != nil {
			return model.ActivitySession{}, false, err
		}
		return existing, false, nil
	}
	in.log.Debug().Uint64("server_id", s.ServerID).Str("session_id", s.SessionID).Msg("session opened")
	return s, true, nil
}

// AppendSnapshot stores one state report. Snapshots are append-only;
// ordering inside a session is by timestamp, not arrival.
func (in *Ingestor) AppendSnapshot(ctx context.Context, req SnapshotRequest) error {
	s, err := in.store.GetSession(ctx, req.ServerID, req.SessionID)
	if err != nil {
		return err
	}
	return in.store.AppendSnapshot(ctx, &model.ActivitySnapshot{
		SessionPK:  s.ID,
		State:      req.State,
		PositionMs: req.PositionMs,
		Timestamp:  req.Timestamp.UTC(),
	})
}

// CloseSession marks a session finished. Closing an already-closed
// session is a no-op success; closing an unknown one is ErrNotFound.
func (in *Ingestor) CloseSession(ctx context.Context, req CloseRequest) error {
	return in.store.CloseSession(ctx, req.ServerID, req.SessionID, req.EndedAt.UTC(), req.FinalPositionMs, req.ProgressPercent)
}
