package service

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
)

// PolicyCache is a read-through LRU over the single-record lookups of a
// PolicyReader, with a TTL so writes made by other instances become visible.
// List queries pass straight through. Cached values are shared and must not
// be mutated by callers.
//
// A load that started before Invalidate is never added afterwards: every
// Invalidate bumps gen, and a loaded value is only added under mu when gen
// is unchanged since the load began.
type PolicyCache struct {
	store.PolicyReader

	mu  sync.Mutex
	gen uint64

	persons    *expirable.LRU[string, policy.Person]
	keys       *expirable.LRU[string, policy.Key]
	profiles   *expirable.LRU[string, policy.Profile]
	exceptions *expirable.LRU[string, *policy.Exception] // nil = no override
}

func NewPolicyCache(next store.PolicyReader, size int, ttl time.Duration) *PolicyCache {
	if size <= 0 {
		size = 1024
	}
	return &PolicyCache{
		PolicyReader: next,
		persons:      expirable.NewLRU[string, policy.Person](size, nil, ttl),
		keys:         expirable.NewLRU[string, policy.Key](size, nil, ttl),
		profiles:     expirable.NewLRU[string, policy.Profile](size, nil, ttl),
		exceptions:   expirable.NewLRU[string, *policy.Exception](size, nil, ttl),
	}
}

func (c *PolicyCache) Person(ctx context.Context, id string) (policy.Person, error) {
	return cached(c, c.persons, id, func() (policy.Person, error) { return c.PolicyReader.Person(ctx, id) })
}

func (c *PolicyCache) Key(ctx context.Context, id string) (policy.Key, error) {
	return cached(c, c.keys, id, func() (policy.Key, error) { return c.PolicyReader.Key(ctx, id) })
}

func (c *PolicyCache) Profile(ctx context.Context, id string) (policy.Profile, error) {
	return cached(c, c.profiles, id, func() (policy.Profile, error) { return c.PolicyReader.Profile(ctx, id) })
}

func (c *PolicyCache) Exception(ctx context.Context, keyID, personID string) (*policy.Exception, error) {
	return cached(c, c.exceptions, keyID+"\x00"+personID, func() (*policy.Exception, error) {
		return c.PolicyReader.Exception(ctx, keyID, personID)
	})
}

// Invalidate drops every cached record.
func (c *PolicyCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.persons.Purge()
	c.keys.Purge()
	c.profiles.Purge()
	c.exceptions.Purge()
}

func (c *PolicyCache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Errors are not cached, so a missing record is looked up again next time.
func cached[V any](c *PolicyCache, lru *expirable.LRU[string, V], key string, load func() (V, error)) (V, error) {
	if v, ok := lru.Get(key); ok {
		policyCacheHitsTotal.Inc()
		return v, nil
	}
	policyCacheMissesTotal.Inc()

	gen := c.generation()
	v, err := load()
	if err != nil {
		return v, err
	}

	c.mu.Lock()
	if c.gen == gen {
		lru.Add(key, v)
	}
	c.mu.Unlock()
	return v, nil
}
