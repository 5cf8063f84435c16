package entitlement

import (
	"errors"
	"testing"

	"github.com/inviterr/inviterr/internal/model"
)

func u64(v uint64) *uint64 { return &v }

func grantSet(t *testing.T, s *Snapshot, tierID uint64) map[string]bool {
	t.Helper()
	grants, err := s.EffectiveEntitlements(tierID)
	if err != nil {
		t.Fatalf("EffectiveEntitlements(%d): %v", tierID, err)
	}
	set := make(map[string]bool, len(grants))
	for _, g := range grants {
		set[g.ResourceType+"/"+g.ResourceID] = true
	}
	return set
}

func TestEffectiveEntitlementsInheritance(t *testing.T) {
	t.Parallel()

	// Silver (level 1) grants stream; Gold (level 2, child) grants download.
	tiers := []model.SubscriptionTier{
		{ID: 1, Name: "Silver", TierLevel: 1},
		{ID: 2, Name: "Gold", TierLevel: 2, ParentTierID: u64(1)},
	}
	ents := []model.TierEntitlement{
		{ID: 10, TierID: 1, ResourceType: "feature", ResourceID: "stream"},
		{ID: 11, TierID: 2, ResourceType: "feature", ResourceID: "download"},
	}
	snap, err := BuildSnapshot(tiers, ents)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	gold := grantSet(t, snap, 2)
	if !gold["feature/stream"] || !gold["feature/download"] {
		t.Errorf("Gold should resolve {stream, download}, got %v", gold)
	}
	silver := grantSet(t, snap, 1)
	if !silver["feature/stream"] || silver["feature/download"] {
		t.Errorf("Silver should resolve {stream} only, got %v", silver)
	}
}

func TestExclusiveGrantsDoNotPropagate(t *testing.T) {
	t.Parallel()

	// Root grants a library plus an exclusive perk. The child inherits
	// the library but not the exclusive grant; its own exclusive grant
	// is visible to itself.
	tiers := []model.SubscriptionTier{
		{ID: 1, Name: "Base", TierLevel: 1},
		{ID: 2, Name: "Plus", TierLevel: 2, ParentTierID: u64(1)},
	}
	ents := []model.TierEntitlement{
		{ID: 1, TierID: 1, ResourceType: "plex_library", ResourceID: "movies"},
		{ID: 2, TierID: 1, ResourceType: "feature", ResourceID: "founder-badge", IsTierExclusive: true},
		{ID: 3, TierID: 2, ResourceType: "feature", ResourceID: "live-tv", IsTierExclusive: true},
	}
	snap, err := BuildSnapshot(tiers, ents)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	plus := grantSet(t, snap, 2)
	if !plus["plex_library/movies"] {
		t.Error("child should inherit non-exclusive library grant")
	}
	if plus["feature/founder-badge"] {
		t.Error("ancestor-exclusive grant leaked to descendant")
	}
	if !plus["feature/live-tv"] {
		t.Error("tier's own exclusive grant should be visible to itself")
	}
	base := grantSet(t, snap, 1)
	if !base["feature/founder-badge"] {
		t.Error("exclusive grant should be visible on its own tier")
	}
}

func TestCloserTierShadowsAncestorGrant(t *testing.T) {
	t.Parallel()

	tiers := []model.SubscriptionTier{
		{ID: 1, Name: "Root", TierLevel: 1},
		{ID: 2, Name: "Mid", TierLevel: 2, ParentTierID: u64(1)},
		{ID: 3, Name: "Top", TierLevel: 3, ParentTierID: u64(2)},
	}
	ents := []model.TierEntitlement{
		{ID: 1, TierID: 1, ResourceType: "limit", ResourceID: "sessions"},
		{ID: 2, TierID: 2, ResourceType: "limit", ResourceID: "sessions"},
	}
	snap, err := BuildSnapshot(tiers, ents)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	grants, err := snap.EffectiveEntitlements(3)
	if err != nil {
		t.Fatalf("EffectiveEntitlements: %v", err)
	}
	var hits []Grant
	for _, g := range grants {
		if g.ResourceType == "limit" && g.ResourceID == "sessions" {
			hits = append(hits, g)
		}
	}
	if len(hits) != 1 {
		t.Fatalf("want exactly one resolved grant for limit/sessions, got %d", len(hits))
	}
	if hits[0].TierID != 2 {
		t.Errorf("closest tier should win: want contributor 2, got %d", hits[0].TierID)
	}
}

func TestChildSupersetOfParentMinusExclusives(t *testing.T) {
	t.Parallel()

	tiers := []model.SubscriptionTier{
		{ID: 1, Name: "Bronze", TierLevel: 1},
		{ID: 2, Name: "Silver", TierLevel: 2, ParentTierID: u64(1)},
		{ID: 3, Name: "Gold", TierLevel: 3, ParentTierID: u64(2)},
	}
	ents := []model.TierEntitlement{
		{ID: 1, TierID: 1, ResourceType: "feature", ResourceID: "stream"},
		{ID: 2, TierID: 1, ResourceType: "feature", ResourceID: "bronze-perk", IsTierExclusive: true},
		{ID: 3, TierID: 2, ResourceType: "feature", ResourceID: "download"},
		{ID: 4, TierID: 3, ResourceType: "feature", ResourceID: "live-tv"},
	}
	snap, err := BuildSnapshot(tiers, ents)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	parent := grantSet(t, snap, 2)
	child := grantSet(t, snap, 3)
	for key := range parent {
		if key == "feature/bronze-perk" {
			continue // exclusive on an ancestor, not inherited
		}
		if !child[key] {
			t.Errorf("child missing inherited grant %s", key)
		}
	}
}

func TestBuildSnapshotDetectsCycle(t *testing.T) {
	t.Parallel()

	tiers := []model.SubscriptionTier{
		{ID: 1, Name: "A", TierLevel: 1, ParentTierID: u64(2)},
		{ID: 2, Name: "B", TierLevel: 2, ParentTierID: u64(1)},
	}
	_, err := BuildSnapshot(tiers, nil)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigurationError for cyclic tree, got %v", err)
	}
}

func TestBuildSnapshotDetectsDanglingParent(t *testing.T) {
	t.Parallel()

	tiers := []model.SubscriptionTier{
		{ID: 1, Name: "Orphan", TierLevel: 1, ParentTierID: u64(99)},
	}
	_, err := BuildSnapshot(tiers, nil)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigurationError for dangling parent, got %v", err)
	}
}

func TestUnknownTier(t *testing.T) {
	t.Parallel()

	snap, err := BuildSnapshot(nil, nil)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	if _, err := snap.EffectiveEntitlements(42); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("want ErrUnknownTier, got %v", err)
	}
}

func TestIsEntitled(t *testing.T) {
	t.Parallel()

	tiers := []model.SubscriptionTier{{ID: 1, Name: "Solo", TierLevel: 1}}
	ents := []model.TierEntitlement{{ID: 1, TierID: 1, ResourceType: "plex_library", ResourceID: "anime"}}
	snap, err := BuildSnapshot(tiers, ents)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	ok, err := snap.IsEntitled(1, "plex_library", "anime")
	if err != nil || !ok {
		t.Errorf("want entitled, got ok=%v err=%v", ok, err)
	}
	ok, err = snap.IsEntitled(1, "plex_library", "horror")
	if err != nil || ok {
		t.Errorf("want not entitled, got ok=%v err=%v", ok, err)
	}
}
