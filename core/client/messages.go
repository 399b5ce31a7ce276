// Package client carries the wire messages of the transaction status
// protocol and the TCP transport that delivers them to tablet servers.
package client

import "encoding/json"

// TransactionStatus is the status carried by an UpdateTransaction request.
type TransactionStatus string

const (
	// StatusCreated registers the transaction on its status shard.
	StatusCreated TransactionStatus = "CREATED"
	// StatusPending is the keep-alive heartbeat.
	StatusPending TransactionStatus = "PENDING"
	// StatusCommitted commits the transaction.
	StatusCommitted TransactionStatus = "COMMITTED"
)

// TransactionState is the state block of an UpdateTransaction request.
type TransactionState struct {
	TransactionID string            `json:"transaction_id"`
	Status        TransactionStatus `json:"status"`
	// Tablets lists every participant shard. Only present on COMMITTED.
	Tablets []string `json:"tablets,omitempty"`
}

// UpdateTransactionRequest drives the status record of a transaction on its
// status shard: CREATED registers it, PENDING keeps it alive, COMMITTED
// commits it.
type UpdateTransactionRequest struct {
	TabletID             string           `json:"tablet_id"`
	PropagatedHybridTime uint64           `json:"propagated_hybrid_time,omitempty"`
	State                TransactionState `json:"state"`
}

// UpdateTransactionResponse acknowledges an update.
type UpdateTransactionResponse struct {
	PropagatedHybridTime uint64 `json:"propagated_hybrid_time,omitempty"`
}

// AbortTransactionRequest asks the status shard to abort the transaction.
type AbortTransactionRequest struct {
	TabletID             string `json:"tablet_id"`
	PropagatedHybridTime uint64 `json:"propagated_hybrid_time,omitempty"`
	TransactionID        string `json:"transaction_id"`
}

// AbortTransactionResponse acknowledges an abort.
type AbortTransactionResponse struct {
	PropagatedHybridTime uint64 `json:"propagated_hybrid_time,omitempty"`
}

// GetShardRequest asks the master for one shard descriptor.
type GetShardRequest struct {
	ShardID string `json:"shard_id"`
}

// Envelope frames one request on the wire: the method name plus the encoded
// request body, newline-terminated.
type Envelope struct {
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply frames one response. A non-empty Error carries the gRPC status code
// classifying the failure.
type Reply struct {
	Code    uint32          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Wire method names.
const (
	MethodUpdateTransaction = "UpdateTransaction"
	MethodAbortTransaction  = "AbortTransaction"
	MethodGetShard          = "GetShard"
)
