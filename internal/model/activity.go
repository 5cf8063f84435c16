package model

import "time"

// ActivitySession is one playback occurrence on a media server.  The
// pair (ServerID, SessionID) is unique; live ingestion and historical
// import both insert through that key, which is the single dedup
// mechanism for the whole pipeline.
//
// Fields:
//  ID              – primary key identifier.
//  ServerID        – server the playback happened on.
//  SessionID       – server-assigned session key.
//  AccountID       – optional link to the local account.
//  IdentityID      – optional link to the cross-server identity.
//  MediaTitle      – what was played.
//  MediaType       – movie/episode/track/...
//  Active          – false once the session is closed.
//  StartedAt       – when playback began.
//  EndedAt         – set on close.
//  FinalPositionMs – terminal playback position, set on close.
//  ProgressPercent – terminal progress, set on close.
type ActivitySession struct {
	ID              uint64     // activity_sessions.id
	ServerID        uint64     // activity_sessions.server_id
	SessionID       string     // activity_sessions.session_id
	AccountID       *uint64    // activity_sessions.account_id (nullable)
	IdentityID      *uint64    // activity_sessions.identity_id (nullable)
	MediaTitle      string     // activity_sessions.media_title
	MediaType       string     // activity_sessions.media_type
	Active          bool       // activity_sessions.active
	StartedAt       time.Time  // activity_sessions.started_at
	EndedAt         *time.Time // activity_sessions.ended_at (nullable)
	FinalPositionMs *int64     // activity_sessions.final_position_ms (nullable)
	ProgressPercent *float64   // activity_sessions.progress_percent (nullable)
}

// ActivitySnapshot is a point-in-time state inside a session.  Rows are
// append-only and never mutated after insert.  Ordering within a
// session is by Timestamp only; live and backfilled snapshots may
// arrive interleaved.
type ActivitySnapshot struct {
	ID         uint64    // activity_snapshots.id
	SessionPK  uint64    // activity_snapshots.session_pk (FK to activity_sessions.id)
	State      string    // activity_snapshots.state (playing/paused/buffering)
	PositionMs int64     // activity_snapshots.position_ms
	Timestamp  time.Time // activity_snapshots.ts
}
