// Package queue defines message payloads exchanged over the message broker.
package queue

// Queue names. One durable queue per event kind keeps consumers simple
// and lets operators bind auditing or notification tooling per event.
const (
	InvitationRedeemedQueue = "invitation.redeemed"
	ProvisioningFailedQueue = "provisioning.failed"
	ImportCompletedQueue    = "import.completed"
)

// InvitationRedeemedEvent is published after a redemption call finishes
// with at least one provisioned server. It carries enough for
// downstream consumers to notify or audit without querying the primary
// database. Delivery is fire-and-forget; the redemption outcome never
// waits on the broker.
type InvitationRedeemedEvent struct {
	Code       string   `json:"code"`
	Username   string   `json:"username"`
	ServerIDs  []uint64 `json:"server_ids"`
	FailedIDs  []uint64 `json:"failed_server_ids,omitempty"`
	TierID     *uint64  `json:"tier_id,omitempty"`
	Exhausted  bool     `json:"exhausted"`
	RedeemedAt string   `json:"redeemed_at"`
}

// ProvisioningFailedEvent is published when account creation on one
// server fails and the link is rolled back for retry.
type ProvisioningFailedEvent struct {
	Code     string `json:"code"`
	Username string `json:"username"`
	ServerID uint64 `json:"server_id"`
	Reason   string `json:"reason"`
	FailedAt string `json:"failed_at"`
}

// ImportCompletedEvent is published when a historical import job
// reaches a terminal status.
type ImportCompletedEvent struct {
	JobID          string `json:"job_id"`
	ServerID       uint64 `json:"server_id"`
	Status         string `json:"status"`
	TotalFetched   int64  `json:"total_fetched"`
	TotalProcessed int64  `json:"total_processed"`
	TotalStored    int64  `json:"total_stored"`
	Error          string `json:"error,omitempty"`
	FinishedAt     string `json:"finished_at"`
}
