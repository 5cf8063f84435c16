package entitlement

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/inviterr/inviterr/internal/model"
)

// genKey is the Redis key holding the entitlement generation counter.
// Every mutation of the tier or entitlement tables bumps it; a cached
// snapshot is discarded as soon as the counter moves, so all processes
// sharing the Redis instance converge on the new tree.
const genKey = "entitlements:gen"

// Source loads the raw tier tree. *repository.TierRepo satisfies it.
type Source interface {
	LoadAll(ctx context.Context) ([]model.SubscriptionTier, []model.TierEntitlement, error)
}

// Loader caches one Snapshot process-wide. The tree is read-mostly, so
// the cache only reloads when Invalidate is called or when the shared
// Redis generation counter says another process mutated the tables.
// With a nil Redis client invalidation is local-only.
type Loader struct {
	src Source
	rdb *redis.Client

	mu   sync.RWMutex
	snap *Snapshot
	gen  int64
}

// NewLoader builds a Loader over the given source. rdb may be nil.
func NewLoader(src Source, rdb *redis.Client) *Loader {
	return &Loader{src: src, rdb: rdb}
}

// Snapshot returns the current tier tree snapshot, reloading it when
// stale. Build errors (cyclic tree, dangling references) propagate
// unchanged so callers can fail hard.
func (l *Loader) Snapshot(ctx context.Context) (*Snapshot, error) {
	gen := l.currentGen(ctx)

	l.mu.RLock()
	if l.snap != nil && l.gen == gen {
		snap := l.snap
		l.mu.RUnlock()
		return snap, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.snap != nil && l.gen == gen {
		return l.snap, nil
	}
	tiers, ents, err := l.src.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := BuildSnapshot(tiers, ents)
	if err != nil {
		return nil, err
	}
	l.snap = snap
	l.gen = gen
	return snap, nil
}

// Invalidate drops the cached snapshot and bumps the shared generation
// counter. Call after any entitlement-table mutation.
func (l *Loader) Invalidate(ctx context.Context) {
	if l.rdb != nil {
		_ = l.rdb.Incr(ctx, genKey).Err()
	}
	l.mu.Lock()
	l.snap = nil
	l.mu.Unlock()
}

func (l *Loader) currentGen(ctx context.Context) int64 {
	if l.rdb == nil {
		return l.gen
	}
	gen, err := l.rdb.Get(ctx, genKey).Int64()
	if err != nil {
		// Missing key or Redis trouble: fall back to the local
		// generation so resolution keeps working degraded.
		return l.gen
	}
	return gen
}
