package store

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedRegistry memoizes entity snapshots for the scoring loop.
// Every write made through it drops the affected snapshots. Candidate
// lookups are never cached so entities created by other writers stay visible.
type CachedRegistry struct {
	Registry
	cache *gocache.Cache
}

// NewCachedRegistry wraps inner with a snapshot cache of the given TTL.
func NewCachedRegistry(inner Registry, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		Registry: inner,
		cache:    gocache.New(ttl, 2*ttl),
	}
}

func cacheKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (c *CachedRegistry) GetEntity(ctx context.Context, id int64) (*CanonicalEntity, error) {
	if v, ok := c.cache.Get(cacheKey(id)); ok {
		return v.(*CanonicalEntity).Clone(), nil
	}
	e, err := c.Registry.GetEntity(ctx, id)
	if err != nil || e == nil {
		return e, err
	}
	c.cache.Set(cacheKey(id), e.Clone(), gocache.DefaultExpiration)
	return e, nil
}

// invalidate drops id and, if it was merged away, its target
func (c *CachedRegistry) invalidate(id int64) {
	if v, ok := c.cache.Get(cacheKey(id)); ok {
		if target := v.(*CanonicalEntity).MergedInto; target != 0 {
			c.cache.Delete(cacheKey(target))
		}
	}
	c.cache.Delete(cacheKey(id))
}

func (c *CachedRegistry) MergeAlias(ctx context.Context, entityID int64, alias string, prov []Provenance) error {
	defer c.invalidate(entityID)
	return c.Registry.MergeAlias(ctx, entityID, alias, prov)
}

func (c *CachedRegistry) AddExternalID(ctx context.Context, entityID int64, source, externalID string) error {
	defer c.invalidate(entityID)
	return c.Registry.AddExternalID(ctx, entityID, source, externalID)
}

func (c *CachedRegistry) MergeEntities(ctx context.Context, from, into int64) error {
	defer c.cache.Flush()
	return c.Registry.MergeEntities(ctx, from, into)
}

// ItemCount reports how many snapshots are cached
func (c *CachedRegistry) ItemCount() int {
	return c.cache.ItemCount()
}
