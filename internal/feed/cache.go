package feed

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"warden.gg/internal/obs"
)

// DefaultTTL bounds how long a rendered feed serves without a rebuild.
const DefaultTTL = 60 * time.Second

// SnapshotSource produces a full feed generation on demand.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Cache serves rendered feed text with a TTL, write-through invalidation,
// and stale fallback. The cache is never authoritative: entries expire or
// get purged, and the next read regenerates from committed grant state.
type Cache struct {
	source SnapshotSource
	ttl    time.Duration

	// fresh holds within-TTL generations; lastGood survives purges and
	// expiry so a failing rebuild still has something to serve.
	fresh *expirable.LRU[Tier, []byte]

	regenMu sync.Mutex

	mu          sync.RWMutex
	lastGood    map[Tier][]byte
	generatedAt time.Time
}

// NewCache builds a cache over the source. Non-positive ttl falls back to
// DefaultTTL.
func NewCache(source SnapshotSource, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		source:   source,
		ttl:      ttl,
		fresh:    expirable.NewLRU[Tier, []byte](len(Tiers)*2, nil, ttl),
		lastGood: make(map[Tier][]byte),
	}
}

// TTL reports the configured freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the tier's payload: cached within TTL, freshly regenerated on
// expiry, or the last good value when regeneration fails. Regeneration runs
// on a context detached from the caller so a dropped poll cannot abort a
// rebuild other readers are waiting on.
func (c *Cache) Get(ctx context.Context, tier Tier) ([]byte, error) {
	if text, ok := c.fresh.Get(tier); ok {
		obs.FeedCacheHit(string(tier))
		return text, nil
	}
	obs.FeedCacheMiss(string(tier))

	c.regenMu.Lock()
	defer c.regenMu.Unlock()

	// Another reader may have rebuilt while this one waited.
	if text, ok := c.fresh.Get(tier); ok {
		obs.FeedCacheHit(string(tier))
		return text, nil
	}

	snap, err := c.source.Snapshot(context.WithoutCancel(ctx))
	if err != nil {
		obs.FeedRegenFailure(string(tier))
		obs.LogRequest(map[string]any{
			"type":  "feed_regen_failed",
			"tier":  string(tier),
			"error": err.Error(),
		})
		if stale, ok := c.staleText(tier); ok {
			obs.FeedStaleServed(string(tier))
			return stale, nil
		}
		return nil, err
	}

	for _, t := range Tiers {
		c.fresh.Add(t, snap.Text(t))
	}
	c.storeLastGood(snap)
	return snap.Text(tier), nil
}

// Invalidate drops every fresh entry. The next read regenerates. The last
// good generation is kept for stale fallback.
func (c *Cache) Invalidate() {
	c.fresh.Purge()
}

// GeneratedAt reports when the last successful generation was built.
func (c *Cache) GeneratedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generatedAt
}

func (c *Cache) staleText(tier Tier) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	text, ok := c.lastGood[tier]
	return text, ok
}

func (c *Cache) storeLastGood(snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range Tiers {
		c.lastGood[t] = snap.Text(t)
	}
	c.generatedAt = snap.GeneratedAt
}
