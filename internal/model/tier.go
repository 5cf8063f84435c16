package model

import "time"

// SubscriptionTier is a node in the tier tree.  Tiers inherit
// entitlements from their parent chain; the chain must be acyclic and
// terminate at a root tier whose ParentTierID is nil.  TierLevel is
// strictly increasing with tier power by convention and orders tiers in
// listings.
type SubscriptionTier struct {
	ID           uint64    // subscription_tiers.id
	Name         string    // subscription_tiers.name (unique)
	Description  string    // subscription_tiers.description
	TierLevel    int       // subscription_tiers.tier_level (unique)
	ParentTierID *uint64   // subscription_tiers.parent_tier_id (nullable self-reference)
	CreatedAt    time.Time // subscription_tiers.created_at
}

// TierEntitlement grants a (resource_type, resource_id) capability to a
// tier.  An is_tier_exclusive grant belongs to its tier alone and is
// not inherited by descendant tiers.
type TierEntitlement struct {
	ID              uint64 // tier_entitlements.id
	TierID          uint64 // tier_entitlements.tier_id
	ResourceType    string // tier_entitlements.resource_type
	ResourceID      string // tier_entitlements.resource_id
	IsTierExclusive bool   // tier_entitlements.is_tier_exclusive
}
