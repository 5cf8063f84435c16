package model

import "time"

// Invitation is a redeemable code that provisions accounts on one or
// more media servers.  An invitation is never physically deleted; once
// exhausted or expired it is only ever marked as such so that the audit
// trail in invitation_users stays resolvable.
//
// Fields:
//  ID        – primary key identifier.
//  Code      – unique, URL-safe invitation code.
//  TierID    – optional subscription tier bound to the invitation.
//  Unlimited – when true the invitation never flips to used.
//  Used      – aggregate used flag; per-server state lives on the links.
//  Expires   – optional absolute expiry of the whole invitation.
//  CreatedAt – creation timestamp.
type Invitation struct {
	ID        uint64     // invitations.id
	Code      string     // invitations.code (unique)
	TierID    *uint64    // invitations.tier_id (nullable)
	Unlimited bool       // invitations.unlimited
	Used      bool       // invitations.used
	Expires   *time.Time // invitations.expires (nullable)
	CreatedAt time.Time  // invitations.created_at

	// Links holds the per-server redemption state when loaded together
	// with the invitation.  It is not populated by every query.
	Links []InvitationServerLink
}

// Expired reports whether the invitation's global expiry has passed at
// the given instant.  Invitations without an expiry never expire.
func (i *Invitation) Expired(now time.Time) bool {
	return i.Expires != nil && now.After(*i.Expires)
}

// InvitationServerLink is the per-(invitation, server) redemption
// record.  Each link transitions unused -> used exactly once; the
// conditional update in the repository guarantees a single winner under
// concurrent redemption.  A link may carry its own expiry independent
// of the invitation's global one.
type InvitationServerLink struct {
	ID       uint64     // invitation_servers.id
	InviteID uint64     // invitation_servers.invite_id
	ServerID uint64     // invitation_servers.server_id
	Used     bool       // invitation_servers.used
	UsedAt   *time.Time // invitation_servers.used_at (nullable)
	Expires  *time.Time // invitation_servers.expires (nullable)
}

// Expired reports whether this link's own expiry has passed.
func (l *InvitationServerLink) Expired(now time.Time) bool {
	return l.Expires != nil && now.After(*l.Expires)
}

// InvitationUserLink is the append-only audit trail of redemption: which
// account was created from which invitation, at which server, and when.
// It is distinct from the link's boolean state; a provisioning failure
// marks the row failed instead of deleting it so the attempt stays
// diagnosable.
type InvitationUserLink struct {
	ID        uint64    // invitation_users.id
	InviteID  uint64    // invitation_users.invite_id
	ServerID  uint64    // invitation_users.server_id
	AccountID *uint64   // invitation_users.account_id (nullable until provisioned)
	Username  string    // invitation_users.username
	Failed    bool      // invitation_users.failed
	UsedAt    time.Time // invitation_users.used_at
}
