package model

import "time"

// Subscription statuses.  Only an active subscription whose half-open
// interval [ActiveFrom, ActiveUntil) contains "now" is honored.
const (
	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"
	SubscriptionExpired   = "expired"
)

// UserSubscription binds an identity to one subscription tier for a
// half-open active interval.  Rows arrive pre-validated from the
// payment collaborator; the engine never parses provider wire formats.
type UserSubscription struct {
	ID          uint64     // user_subscriptions.id
	IdentityID  uint64     // user_subscriptions.identity_id
	TierID      uint64     // user_subscriptions.tier_id
	Status      string     // user_subscriptions.status
	ExternalRef *string    // user_subscriptions.external_ref (nullable provider id)
	ActiveFrom  time.Time  // user_subscriptions.active_from
	ActiveUntil *time.Time // user_subscriptions.active_until (nullable, exclusive bound)
	CreatedAt   time.Time  // user_subscriptions.created_at
}

// ActiveAt reports whether the subscription is honored at the given
// instant: status must be active and now must fall inside the half-open
// interval.
func (s *UserSubscription) ActiveAt(now time.Time) bool {
	if s.Status != SubscriptionActive {
		return false
	}
	if now.Before(s.ActiveFrom) {
		return false
	}
	return s.ActiveUntil == nil || now.Before(*s.ActiveUntil)
}
