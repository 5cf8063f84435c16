// Package mediaserver defines the capability contract the engine
// assumes of an external media-serving backend. The engine depends on
// nothing vendor-specific: any adapter that can create an account and
// list libraries can be provisioned against.
package mediaserver

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy of the external contract. Adapters must map their
// vendor failures onto these so the provisioning coordinator can apply
// a uniform retry/rollback policy.
var (
	// ErrAuthFailed means our credentials were rejected. Retrying
	// without operator action is pointless.
	ErrAuthFailed = errors.New("media server: authentication failed")

	// ErrQuotaExceeded means the server refused to create another
	// account. The link is rolled back so the attempt can be retried
	// after quota changes.
	ErrQuotaExceeded = errors.New("media server: account quota exceeded")

	// ErrUnreachable covers network failures and timeouts.
	ErrUnreachable = errors.New("media server: unreachable")
)

// DesiredProfile describes the account to create, built from the
// resolved entitlement set plus invitation-specific overrides.
type DesiredProfile struct {
	Username       string     `json:"username"`
	Email          string     `json:"email,omitempty"`
	Libraries      []string   `json:"libraries,omitempty"` // empty slice = all libraries
	AllowDownloads bool       `json:"allow_downloads"`
	AllowLiveTV    bool       `json:"allow_live_tv"`
	AllowUploads   bool       `json:"allow_uploads"`
	SessionLimit   int        `json:"session_limit,omitempty"` // 0 = unlimited
	Expires        *time.Time `json:"expires,omitempty"`
}

// AccountRef identifies a created account on the external server.
type AccountRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Library is one shareable library on the external server.
type Library struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client is the external-client capability interface. Calls may block
// on the network; both take a context and must honor cancellation.
type Client interface {
	// CreateAccount provisions an account matching the profile and
	// returns its reference, or one of the taxonomy errors above.
	CreateAccount(ctx context.Context, profile DesiredProfile) (AccountRef, error)

	// ListLibraries enumerates the libraries available for scoping.
	ListLibraries(ctx context.Context) ([]Library, error)
}

// HistoryEntry is one finished playback event from a server's history
// API, used by the backfill importer.
type HistoryEntry struct {
	SessionID       string    `json:"session_id"`
	UserRef         string    `json:"user_ref"`
	MediaTitle      string    `json:"media_title"`
	MediaType       string    `json:"media_type"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	FinalPositionMs int64     `json:"final_position_ms"`
	ProgressPercent float64   `json:"progress_percent"`
}

// HistorySource pages playback history out of a server. Separate from
// Client because not every backend exposes history.
type HistorySource interface {
	FetchHistory(ctx context.Context, from, to time.Time, offset, limit int) ([]HistoryEntry, error)
}
