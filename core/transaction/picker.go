package transaction

import (
	"errors"
	"math/rand/v2"
	"sync"
)

// FixedStatusShardPicker picks uniformly among a known set of status shard
// ids. The set can be refreshed when the cluster adds status shards.
type FixedStatusShardPicker struct {
	mu  sync.RWMutex
	ids []string
}

// NewFixedStatusShardPicker creates a picker over the given shard ids.
func NewFixedStatusShardPicker(ids ...string) *FixedStatusShardPicker {
	return &FixedStatusShardPicker{ids: ids}
}

// SetShards replaces the candidate set.
func (p *FixedStatusShardPicker) SetShards(ids ...string) {
	p.mu.Lock()
	p.ids = ids
	p.mu.Unlock()
}

// PickStatusShard implements StatusShardPicker. The callback runs on the
// calling goroutine.
func (p *FixedStatusShardPicker) PickStatusShard(cb func(shardID string, err error)) {
	p.mu.RLock()
	ids := p.ids
	p.mu.RUnlock()

	if len(ids) == 0 {
		cb("", errors.New("no status shards available"))
		return
	}
	cb(ids[rand.IntN(len(ids))], nil)
}
