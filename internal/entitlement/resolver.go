// Package entitlement resolves the effective feature set of a
// subscription tier. The tier tree is loaded once into an immutable
// Snapshot and indexed by id; resolution never walks live database
// relationships, and cycle detection happens at build time rather than
// per call.
package entitlement

import (
	"errors"
	"fmt"

	"github.com/inviterr/inviterr/internal/model"
)

// ErrUnknownTier is returned when resolving a tier id the snapshot does
// not contain.
var ErrUnknownTier = errors.New("unknown tier")

// ConfigurationError marks a broken tier tree: a cycle in the parent
// chain, a dangling parent reference, or a grant pointing at a missing
// tier. It is fatal at load time and never silently ignored.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "entitlement configuration: " + e.Reason
}

// Grant is one resolved capability token.
type Grant struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	TierID       uint64 `json:"tier_id"` // tier that contributed the grant
	Exclusive    bool   `json:"tier_exclusive"`
}

// key identifies a grant independent of the tier that defined it.
type grantKey struct {
	resourceType string
	resourceID   string
}

type node struct {
	tier   model.SubscriptionTier
	parent *node
	grants []model.TierEntitlement
}

// Snapshot is an immutable view of the whole tier tree. Resolving the
// same tier id against the same snapshot always yields the same set,
// which makes results safe to cache at any layer above.
type Snapshot struct {
	nodes map[uint64]*node
}

// BuildSnapshot indexes tiers and entitlements and validates the tree.
// Validation failures return *ConfigurationError; callers must treat
// them as fatal.
func BuildSnapshot(tiers []model.SubscriptionTier, ents []model.TierEntitlement) (*Snapshot, error) {
	nodes := make(map[uint64]*node, len(tiers))
	for _, t := range tiers {
		nodes[t.ID] = &node{tier: t}
	}
	for _, n := range nodes {
		if n.tier.ParentTierID == nil {
			continue
		}
		parent, ok := nodes[*n.tier.ParentTierID]
		if !ok {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("tier %d references missing parent %d", n.tier.ID, *n.tier.ParentTierID)}
		}
		n.parent = parent
	}
	// A parent chain longer than the tier count can only mean a cycle.
	for id, n := range nodes {
		steps := 0
		for cur := n; cur != nil; cur = cur.parent {
			steps++
			if steps > len(nodes) {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("cycle in parent chain of tier %d", id)}
			}
		}
	}
	for _, e := range ents {
		n, ok := nodes[e.TierID]
		if !ok {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("entitlement %d references missing tier %d", e.ID, e.TierID)}
		}
		n.grants = append(n.grants, e)
	}
	return &Snapshot{nodes: nodes}, nil
}

// Tier returns the tier carried by the snapshot, if present.
func (s *Snapshot) Tier(tierID uint64) (model.SubscriptionTier, bool) {
	n, ok := s.nodes[tierID]
	if !ok {
		return model.SubscriptionTier{}, false
	}
	return n.tier, true
}

// EffectiveEntitlements resolves the full grant set of a tier by
// walking from the tier up to the root. A grant found closer to the
// requested tier shadows the same (resource_type, resource_id) on any
// ancestor, and an is_tier_exclusive grant is honored only on the
// requested tier itself: exclusivity is an override boundary, not part
// of the inherited union.
func (s *Snapshot) EffectiveEntitlements(tierID uint64) ([]Grant, error) {
	start, ok := s.nodes[tierID]
	if !ok {
		return nil, ErrUnknownTier
	}
	seen := make(map[grantKey]struct{})
	var out []Grant
	for cur, depth := start, 0; cur != nil; cur, depth = cur.parent, depth+1 {
		for _, g := range cur.grants {
			if g.IsTierExclusive && depth > 0 {
				continue // ancestor-exclusive grants do not propagate down
			}
			k := grantKey{g.ResourceType, g.ResourceID}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, Grant{
				ResourceType: g.ResourceType,
				ResourceID:   g.ResourceID,
				TierID:       cur.tier.ID,
				Exclusive:    g.IsTierExclusive,
			})
		}
	}
	return out, nil
}

// IsEntitled reports whether the tier's effective set contains the
// given resource.
func (s *Snapshot) IsEntitled(tierID uint64, resourceType, resourceID string) (bool, error) {
	grants, err := s.EffectiveEntitlements(tierID)
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		if g.ResourceType == resourceType && g.ResourceID == resourceID {
			return true, nil
		}
	}
	return false, nil
}

// HasLibraryAccess reports whether the tier's effective set grants the
// given library.
func (s *Snapshot) HasLibraryAccess(tierID uint64, libraryID string) (bool, error) {
	return s.IsEntitled(tierID, ResourceLibrary, libraryID)
}
