package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/inviterr/inviterr/internal/model"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	tiers []model.SubscriptionTier
	ents  []model.TierEntitlement
	err   error
}

func (f *fakeSource) LoadAll(context.Context) ([]model.SubscriptionTier, []model.TierEntitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.tiers, f.ents, f.err
}

func (f *fakeSource) loadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) set(tiers []model.SubscriptionTier, ents []model.TierEntitlement, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiers, f.ents, f.err = tiers, ents, err
}

func oneTierSource() *fakeSource {
	return &fakeSource{
		tiers: []model.SubscriptionTier{{ID: 1, Name: "Basic", TierLevel: 1}},
		ents:  []model.TierEntitlement{{ID: 10, TierID: 1, ResourceType: "feature", ResourceID: "downloads"}},
	}
}

func TestLoaderCachesSnapshot(t *testing.T) {
	t.Parallel()

	src := oneTierSource()
	l := NewLoader(src, nil)

	first, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	second, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot (cached): %v", err)
	}
	if first != second {
		t.Error("second Snapshot rebuilt instead of serving the cache")
	}
	if n := src.loadCalls(); n != 1 {
		t.Errorf("LoadAll called %d times, want 1", n)
	}
}

func TestLoaderInvalidateForcesReload(t *testing.T) {
	t.Parallel()

	src := oneTierSource()
	l := NewLoader(src, nil)

	snap, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if ok, _ := snap.IsEntitled(1, "feature", "live_tv"); ok {
		t.Fatal("stale tree already grants live_tv")
	}

	src.set(
		[]model.SubscriptionTier{{ID: 1, Name: "Basic", TierLevel: 1}},
		[]model.TierEntitlement{
			{ID: 10, TierID: 1, ResourceType: "feature", ResourceID: "downloads"},
			{ID: 11, TierID: 1, ResourceType: "feature", ResourceID: "live_tv"},
		}, nil)
	l.Invalidate(context.Background())

	snap, err = l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot after Invalidate: %v", err)
	}
	if ok, _ := snap.IsEntitled(1, "feature", "live_tv"); !ok {
		t.Error("reloaded tree should grant live_tv")
	}
	if n := src.loadCalls(); n != 2 {
		t.Errorf("LoadAll called %d times, want 2", n)
	}
}

func TestLoaderPropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("tier tables unavailable")
	src := oneTierSource()
	src.set(nil, nil, boom)
	l := NewLoader(src, nil)

	if _, err := l.Snapshot(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Snapshot error = %v, want %v", err, boom)
	}

	// Nothing was cached, so a recovered source serves the next call.
	src.set(oneTierSource().tiers, oneTierSource().ents, nil)
	snap, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot after recovery: %v", err)
	}
	if ok, _ := snap.IsEntitled(1, "feature", "downloads"); !ok {
		t.Error("recovered tree should grant downloads")
	}
}

func TestLoaderSurfacesBuildErrors(t *testing.T) {
	t.Parallel()

	// Two tiers forming a parent cycle never produce a snapshot.
	src := &fakeSource{
		tiers: []model.SubscriptionTier{
			{ID: 1, Name: "A", TierLevel: 1, ParentTierID: u64(2)},
			{ID: 2, Name: "B", TierLevel: 2, ParentTierID: u64(1)},
		},
	}
	l := NewLoader(src, nil)

	if _, err := l.Snapshot(context.Background()); err == nil {
		t.Fatal("expected configuration error for cyclic tiers, got nil")
	}
}
