package transaction

import (
	"sync"

	"github.com/jlulx9/yugabyte-db/core/hybridtime"
)

// ConsistentReadPoint pins the snapshot a transaction reads: a read time
// plus per-shard local limits below which each shard is known to have no
// unapplied writes. When a shard reports a committed value newer than the
// read time, the read point becomes invalid and the transaction must be
// restarted with an advanced read time.
//
// Safe for concurrent use: the batcher updates limits from reactor threads
// while the coordinator reads.
type ConsistentReadPoint struct {
	clock *hybridtime.Clock

	mu sync.Mutex

	readTime    hybridtime.HybridTime
	localLimits map[string]hybridtime.HybridTime

	// restartTime is the highest conflicting observation reported so far.
	restartTime     hybridtime.HybridTime
	restartRequired bool
}

// NewConsistentReadPoint creates an unset read point on the given clock.
func NewConsistentReadPoint(clock *hybridtime.Clock) *ConsistentReadPoint {
	return &ConsistentReadPoint{
		clock:       clock,
		localLimits: make(map[string]hybridtime.HybridTime),
	}
}

// SetCurrentReadTime samples the clock as the read time. Snapshot isolation
// calls this at construction; serializable isolation when the first read
// executes.
func (rp *ConsistentReadPoint) SetCurrentReadTime() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.readTime = rp.clock.Now()
}

// SetReadTime installs a read time and local limits taken from a parent
// transaction's envelope.
func (rp *ConsistentReadPoint) SetReadTime(readTime hybridtime.HybridTime, localLimits map[string]hybridtime.HybridTime) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.readTime = readTime
	rp.localLimits = make(map[string]hybridtime.HybridTime, len(localLimits))
	for shard, limit := range localLimits {
		rp.localLimits[shard] = limit
	}
}

// ReadTime returns the current read time; invalid if not yet chosen.
func (rp *ConsistentReadPoint) ReadTime() hybridtime.HybridTime {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.readTime
}

// LocalLimit returns the recorded limit for a shard; invalid if none.
func (rp *ConsistentReadPoint) LocalLimit(shardID string) hybridtime.HybridTime {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.localLimits[shardID]
}

// UpdateLocalLimit records the safe time a shard reported with a response.
// A later batch to the same shard may read up to this limit without an
// extra safety wait.
func (rp *ConsistentReadPoint) UpdateLocalLimit(shardID string, limit hybridtime.HybridTime) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if cur, ok := rp.localLimits[shardID]; !ok || limit > cur {
		rp.localLimits[shardID] = limit
	}
}

// RestartRequired records a conflicting observation: shardID saw a value
// committed at observed, which is later than the read time.
func (rp *ConsistentReadPoint) RestartRequired(shardID string, observed hybridtime.HybridTime) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.restartRequired = true
	if observed > rp.restartTime {
		rp.restartTime = observed
	}
}

// IsRestartRequired reports whether the snapshot is invalid.
func (rp *ConsistentReadPoint) IsRestartRequired() bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.restartRequired
}

// MoveTo transfers this read point into dst, which must belong to the
// restarted sibling. The source is left unset.
func (rp *ConsistentReadPoint) MoveTo(dst *ConsistentReadPoint) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	dst.readTime = rp.readTime
	dst.localLimits = rp.localLimits
	dst.restartTime = rp.restartTime
	dst.restartRequired = rp.restartRequired
	rp.localLimits = make(map[string]hybridtime.HybridTime)
	rp.readTime = hybridtime.Invalid
	rp.restartTime = hybridtime.Invalid
	rp.restartRequired = false
}

// Restart advances the read time past the highest conflicting observation
// and clears the restart flag. Called on the sibling after MoveTo.
func (rp *ConsistentReadPoint) Restart() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.restartTime > rp.readTime {
		rp.readTime = rp.restartTime
	} else {
		rp.readTime = rp.readTime.Increment()
	}
	rp.restartTime = hybridtime.Invalid
	rp.restartRequired = false
}

// PrepareChildTransactionData writes the snapshot into a child envelope.
func (rp *ConsistentReadPoint) PrepareChildTransactionData(data *ChildTransactionData) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	data.ReadTime = rp.readTime
	data.LocalLimits = make(map[string]hybridtime.HybridTime, len(rp.localLimits))
	for shard, limit := range rp.localLimits {
		data.LocalLimits[shard] = limit
	}
}

// FinishChildTransactionResult writes the updates this (child) read point
// accumulated into the result handed back to the parent.
func (rp *ConsistentReadPoint) FinishChildTransactionResult(result *ChildTransactionResult) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	result.ReadPointDelta.RestartRequired = rp.restartRequired
	result.ReadPointDelta.RestartTime = rp.restartTime
	result.ReadPointDelta.LocalLimits = make(map[string]hybridtime.HybridTime, len(rp.localLimits))
	for shard, limit := range rp.localLimits {
		result.ReadPointDelta.LocalLimits[shard] = limit
	}
}

// ApplyChildTransactionResult merges a child's read point updates into this
// (parent) read point. Limits union; where both sides know a shard, the
// smaller limit wins. Restart requirements accumulate.
func (rp *ConsistentReadPoint) ApplyChildTransactionResult(result *ChildTransactionResult) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	for shard, limit := range result.ReadPointDelta.LocalLimits {
		if cur, ok := rp.localLimits[shard]; !ok || limit < cur {
			rp.localLimits[shard] = limit
		}
	}
	if result.ReadPointDelta.RestartRequired {
		rp.restartRequired = true
		if result.ReadPointDelta.RestartTime > rp.restartTime {
			rp.restartTime = result.ReadPointDelta.RestartTime
		}
	}
}
