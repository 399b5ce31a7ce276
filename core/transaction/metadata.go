package transaction

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/jlulx9/yugabyte-db/core/hybridtime"
)

// IsolationLevel selects the concurrency control mode of a transaction.
type IsolationLevel int

const (
	// SnapshotIsolation reads a snapshot fixed at transaction start.
	SnapshotIsolation IsolationLevel = iota
	// SerializableIsolation reads at a time chosen when the first read
	// executes.
	SerializableIsolation
)

func (l IsolationLevel) String() string {
	switch l {
	case SnapshotIsolation:
		return "snapshot"
	case SerializableIsolation:
		return "serializable"
	default:
		return fmt.Sprintf("isolation(%d)", int(l))
	}
}

// TransactionMetadata identifies one transaction attempt to every shard it
// touches. StatusShardID stays empty until the status shard is resolved.
type TransactionMetadata struct {
	TransactionID uuid.UUID             `json:"transaction_id"`
	Isolation     IsolationLevel        `json:"isolation"`
	StatusShardID string                `json:"status_shard_id,omitempty"`
	Priority      uint64                `json:"priority"`
	StartTime     hybridtime.HybridTime `json:"start_time"`
}

// newMetadata allocates the identity of a new transaction attempt. Priority
// is random; the server uses it to break deadlocks deterministically.
func newMetadata(isolation IsolationLevel, startTime hybridtime.HybridTime) TransactionMetadata {
	return TransactionMetadata{
		TransactionID: uuid.New(),
		Isolation:     isolation,
		Priority:      rand.Uint64(),
		StartTime:     startTime,
	}
}

// ChildTransactionData is the envelope a parent hands to a child so the
// child runs under the parent's identity and snapshot.
type ChildTransactionData struct {
	Metadata    TransactionMetadata              `json:"metadata"`
	ReadTime    hybridtime.HybridTime            `json:"read_time"`
	LocalLimits map[string]hybridtime.HybridTime `json:"local_limits,omitempty"`
}

// ChildTransactionDataFromJSON decodes a serialized child envelope.
func ChildTransactionDataFromJSON(data []byte) (ChildTransactionData, error) {
	var out ChildTransactionData
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode child transaction data: %w", err)
	}
	return out, nil
}

// ToJSON serializes the envelope for transfer to the process running the child.
func (d ChildTransactionData) ToJSON() ([]byte, error) {
	return json.Marshal(d)
}

// ParticipantShard is one participant entry of a child transaction result.
type ParticipantShard struct {
	TabletID      string `json:"tablet_id"`
	HasParameters bool   `json:"has_parameters"`
}

// ReadPointDelta carries the read point updates a child made, to be merged
// into the parent.
type ReadPointDelta struct {
	RestartRequired bool                             `json:"restart_required,omitempty"`
	RestartTime     hybridtime.HybridTime            `json:"restart_time,omitempty"`
	LocalLimits     map[string]hybridtime.HybridTime `json:"local_limits,omitempty"`
}

// ChildTransactionResult is the envelope a finished child hands back to its
// parent: the shards it touched and its read point adjustments.
type ChildTransactionResult struct {
	Tablets        []ParticipantShard `json:"tablets,omitempty"`
	ReadPointDelta ReadPointDelta     `json:"read_point_delta"`
}

// ChildTransactionResultFromJSON decodes a serialized child result.
func ChildTransactionResultFromJSON(data []byte) (ChildTransactionResult, error) {
	var out ChildTransactionResult
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode child transaction result: %w", err)
	}
	return out, nil
}

// ToJSON serializes the result for transfer back to the parent's process.
func (r ChildTransactionResult) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// shardState tracks what the transaction has told one participant shard.
// hasParameters flips once a successful write delivered the full metadata;
// from then on batches carry only the transaction id.
type shardState struct {
	hasParameters bool
}

// InFlightOp is the coordinator's view of one operation in a batch: the
// shard it targets and, after the flush, whether it succeeded.
type InFlightOp struct {
	ShardID string
	// Err is filled in by the batcher once the batch completes.
	Err error
}
