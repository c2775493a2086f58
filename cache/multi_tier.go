package cache

import (
	"context"
	"time"

	"github.com/justbytecode/velocity/observability"
)

// MultiTierCache combines memory (L1) and disk (L2) caching with automatic promotion.
// When data is found in L2, it's promoted to L1 for faster subsequent access.
type MultiTierCache struct {
	l1 *MemoryCache
	l2 *DiskCache
}

// NewMultiTierCache creates a new multi-tier cache. l2 may be nil for a
// memory-only cache.
func NewMultiTierCache(l1 *MemoryCache, l2 *DiskCache) *MultiTierCache {
	return &MultiTierCache{l1: l1, l2: l2}
}

// Get retrieves from L1 first, then L2, promoting to L1 on an L2 hit.
// Cache controls come from the Context attached to ctx, if any.
func (mtc *MultiTierCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cc := FromContext(ctx)
	if cc.NoCache && !cc.Offline {
		return nil, false, nil
	}
	maxAge := cc.MaxAge
	if cc.Offline {
		maxAge = AnyAge
	}

	if data, ok := mtc.l1.Get(key, maxAge); ok {
		observability.CacheHitsTotal.WithLabelValues("memory").Inc()
		observability.RecordCacheHit(ctx, true)
		return data, true, nil
	}
	observability.CacheMissesTotal.WithLabelValues("memory").Inc()

	if mtc.l2 == nil {
		observability.RecordCacheHit(ctx, false)
		return nil, false, nil
	}

	data, ok, err := mtc.l2.Get(key, maxAge)
	if err != nil || !ok {
		observability.CacheMissesTotal.WithLabelValues("disk").Inc()
		observability.RecordCacheHit(ctx, false)
		return nil, false, err
	}
	observability.CacheHitsTotal.WithLabelValues("disk").Inc()
	observability.RecordCacheHit(ctx, true)

	mtc.l1.Set(key, data)
	return data, true, nil
}

// Set writes to both tiers unless the Context marks the session read-only.
func (mtc *MultiTierCache) Set(ctx context.Context, key string, data []byte) error {
	mtc.l1.Set(key, data)
	if mtc.l2 == nil || FromContext(ctx).ReadOnly {
		return nil
	}
	return mtc.l2.Set(key, data)
}

// Invalidate drops key from both tiers.
func (mtc *MultiTierCache) Invalidate(key string) error {
	mtc.l1.Delete(key)
	if mtc.l2 == nil {
		return nil
	}
	return mtc.l2.Delete(key)
}

// DefaultMaxAge is the metadata time-to-live when none is configured.
const DefaultMaxAge = 5 * time.Minute
