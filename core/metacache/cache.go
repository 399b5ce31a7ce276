// Package metacache caches shard (tablet) routing descriptors on the client.
// Descriptors are looked up by id for transaction status traffic and by key
// range for the data path; both views are fed by a single fetcher that
// queries the cluster master.
package metacache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
)

// RemoteShard is the routing descriptor of one shard: its id, the key range
// it owns and the addresses of its replicas.
type RemoteShard struct {
	ID        string   `json:"shard_id"`
	KeyStart  string   `json:"key_start"`
	KeyEnd    string   `json:"key_end"` // empty means +inf
	LeaderAdr string   `json:"leader_addr"`
	Replicas  []string `json:"replicas,omitempty"`
}

// Fetcher retrieves a shard descriptor from the cluster master.
type Fetcher interface {
	FetchShard(ctx context.Context, id string) (*RemoteShard, error)
}

// LookupCallback receives the result of an asynchronous shard lookup.
type LookupCallback func(shard *RemoteShard, err error)

const (
	cacheNumCounters = 1 << 14
	cacheMaxCost     = 1 << 12 // descriptors, not bytes
)

// Cache is the client-side shard metadata cache.
type Cache struct {
	log     *zap.Logger
	fetcher Fetcher

	byID *ristretto.Cache[string, *RemoteShard]

	mu    sync.RWMutex
	byKey btree.Map[string, *RemoteShard] // key range start -> descriptor
}

// New creates an empty cache backed by the given fetcher.
func New(fetcher Fetcher, log *zap.Logger) (*Cache, error) {
	byID, err := ristretto.NewCache(&ristretto.Config[string, *RemoteShard]{
		NumCounters: cacheNumCounters,
		MaxCost:     cacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create shard descriptor cache: %w", err)
	}
	return &Cache{log: log, fetcher: fetcher, byID: byID}, nil
}

// Put stores a descriptor in both views. Used after lookups and by tests
// that seed the cache directly.
func (c *Cache) Put(shard *RemoteShard) {
	c.byID.Set(shard.ID, shard, 1)
	c.byID.Wait()

	c.mu.Lock()
	c.byKey.Set(shard.KeyStart, shard)
	c.mu.Unlock()
}

// Invalidate drops a descriptor, forcing the next lookup to refetch. Called
// when a request is rejected because leadership or ownership moved.
func (c *Cache) Invalidate(id string) {
	shard, ok := c.byID.Get(id)
	c.byID.Del(id)
	if !ok {
		return
	}
	c.mu.Lock()
	if cur, found := c.byKey.Get(shard.KeyStart); found && cur.ID == id {
		c.byKey.Delete(shard.KeyStart)
	}
	c.mu.Unlock()
}

// LookupShardByID resolves a shard descriptor and delivers it to cb. With
// fastPath set, a cached descriptor is delivered synchronously from the
// calling goroutine; otherwise, and on a miss, the fetch runs asynchronously
// bounded by deadline.
func (c *Cache) LookupShardByID(id string, deadline time.Time, fastPath bool, cb LookupCallback) {
	if fastPath {
		if shard, ok := c.byID.Get(id); ok {
			cb(shard, nil)
			return
		}
	}

	go func() {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()

		shard, err := c.fetcher.FetchShard(ctx, id)
		if err != nil {
			c.log.Warn("shard lookup failed", zap.String("shard", id), zap.Error(err))
			cb(nil, fmt.Errorf("lookup shard %s: %w", id, err))
			return
		}
		c.Put(shard)
		cb(shard, nil)
	}()
}

// LookupShardByKey returns the cached shard owning key, or nil when the
// owning range is not cached. It never fetches; the data path falls back to
// the master on a miss.
func (c *Cache) LookupShardByKey(key string) *RemoteShard {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var found *RemoteShard
	c.byKey.Descend(key, func(_ string, shard *RemoteShard) bool {
		found = shard
		return false
	})
	if found == nil {
		return nil
	}
	if found.KeyEnd != "" && key >= found.KeyEnd {
		return nil
	}
	return found
}
