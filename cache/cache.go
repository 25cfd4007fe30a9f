/*
   Copyright The regfs Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package cache implements the expiring, single-flighted key-value cache
// backing the meta-size, scope-token and url-info caches. Concurrent
// misses on the same key collapse into one constructor call; entries carry
// their own per-value TTL (set by the constructor, not the cache) and can
// be poisoned by a caller that discovers the cached value no longer holds.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// entry is the internal bookkeeping record for one cached key.
type entry[V any] struct {
	key      any
	value    V
	expireAt time.Time
	refs     int
	poisoned bool
}

func (e *entry[V]) expired(now time.Time) bool {
	return e.poisoned || now.After(e.expireAt)
}

// ExpiringCache is a generic, concurrency-safe, TTL-expiring cache with
// single-flighted misses. K must be comparable; V can be any type,
// including one with release semantics of its own (the caller is
// responsible for that via the poisoned flag on Release).
type ExpiringCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	group   singleflight.Group
	now     func() time.Time
}

// New constructs an empty ExpiringCache. There is no global TTL: each
// constructor passed to Acquire returns its own TTL, so a single cache can
// hold values with heterogeneous lifetimes (this module always uses one
// ExpiringCache per cache role, but nothing in the type enforces that).
func New[K comparable, V any]() *ExpiringCache[K, V] {
	return &ExpiringCache[K, V]{
		entries: make(map[K]*entry[V]),
		now:     time.Now,
	}
}

// Handle is a live reference to a cached value. Every Handle returned by
// Acquire must eventually be released with Release; until it is, the
// entry it points to will not be evicted even past its TTL, so a slow
// reader does not have the ground pulled out from under it.
//
// A Handle holds its own entry pointer rather than re-looking the key up
// in the map at release time: a key can be rebuilt (new *entry) while an
// older Handle for the same key is still outstanding (e.g. a poisoned
// entry being replaced while a concurrent reader still holds the stale
// one), and releasing must affect the entry the Handle actually came from.
type Handle[V any] struct {
	c     refReleaser[V]
	e     *entry[V]
	value V
}

// refReleaser is the subset of ExpiringCache's behavior Handle needs,
// erasing the key type so Handle[V] doesn't need to also carry K.
type refReleaser[V any] interface {
	release(e *entry[V], poisoned bool)
}

// Value returns the cached value. It remains valid until Release is called.
func (h *Handle[V]) Value() V {
	return h.value
}

// Release gives up this reference to the cached value. Pass poisoned=true
// if the caller has learned the value is no longer usable (e.g. a token
// was rejected, a redirect URL expired) — a poisoned entry is evicted
// immediately once its last reference is released, rather than lingering
// until its TTL lapses.
func (h *Handle[V]) Release(poisoned bool) {
	h.c.release(h.e, poisoned)
}

// Constructor builds a fresh value for a cache miss. It returns the value,
// the duration for which it should be considered fresh, and an error if
// the value could not be constructed (in which case nothing is cached).
type Constructor[V any] func(ctx context.Context) (V, time.Duration, error)

// Acquire returns a live Handle for key, constructing it via ctor on a
// miss (including a miss caused by expiry or poisoning). Concurrent
// Acquire calls for the same key that land during a miss share one ctor
// invocation. The returned Handle must be released by the caller. If ctx
// is done while this call waits on a constructor, Acquire returns
// ctx.Err(); the constructor keeps running and its result is still
// cached for other callers.
func (c *ExpiringCache[K, V]) Acquire(ctx context.Context, key K, ctor Constructor[V]) (*Handle[V], error) {
	for {
		c.mu.Lock()
		e, ok := c.entries[key]
		if ok && !e.expired(c.now()) {
			e.refs++
			c.mu.Unlock()
			return &Handle[V]{c: c, e: e, value: e.value}, nil
		}
		c.mu.Unlock()

		ch := c.group.DoChan(singleflightKey(key), func() (interface{}, error) {
			value, ttl, cerr := ctor(ctx)
			if cerr != nil {
				return nil, cerr
			}
			c.mu.Lock()
			c.entries[key] = &entry[V]{
				key:      key,
				value:    value,
				expireAt: c.now().Add(ttl),
				refs:     0,
			}
			c.mu.Unlock()
			return value, nil
		})
		var err error
		select {
		case res := <-ch:
			err = res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		e, ok = c.entries[key]
		if !ok || e.expired(c.now()) {
			// The entry we just built was immediately invalidated by a
			// concurrent poisoning Release before we could grab a ref.
			// Loop around and rebuild.
			c.mu.Unlock()
			continue
		}
		e.refs++
		value := e.value
		c.mu.Unlock()
		return &Handle[V]{c: c, e: e, value: value}, nil
	}
}

func (c *ExpiringCache[K, V]) release(e *entry[V], poisoned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if poisoned {
		e.poisoned = true
	}
	e.refs--
	if e.refs > 0 || !e.expired(c.now()) {
		return
	}
	// Only delete the map slot if it still points at this exact entry: the
	// key may already have been rebuilt into a new entry while this one
	// was still outstanding.
	key, ok := e.key.(K)
	if !ok {
		return
	}
	if cur, exists := c.entries[key]; exists && cur == e {
		delete(c.entries, key)
	}
}

// Invalidate forcibly evicts key regardless of its TTL or outstanding
// references. A reference already held via a Handle remains valid (it
// holds a copy of the value, not a pointer into the map) but will not be
// returned to a future Acquire call.
func (c *ExpiringCache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		if e.refs <= 0 {
			delete(c.entries, key)
		} else {
			e.poisoned = true
		}
	}
}

// Len reports the number of entries currently tracked, live or stale but
// still referenced. Intended for tests and metrics, not control flow.
func (c *ExpiringCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// singleflightKey renders a comparable key to the string singleflight.Group
// requires. String keys (all three of this module's caches use them: URL,
// scope string, URL) pass through as-is; other key types render via %+v.
func singleflightKey[K comparable](key K) string {
	return stringify(key)
}
