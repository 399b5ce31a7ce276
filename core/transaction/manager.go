package transaction

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.opentelemetry.io/otel/metric"

	"github.com/jlulx9/yugabyte-db/config"
	"github.com/jlulx9/yugabyte-db/core/client"
	"github.com/jlulx9/yugabyte-db/core/hybridtime"
	"github.com/jlulx9/yugabyte-db/core/metacache"
	internaltelemetry "github.com/jlulx9/yugabyte-db/internal/telemetry"
	"github.com/jlulx9/yugabyte-db/pkg/rpcs"
)

// StatusShardPicker chooses the status shard hosting a new transaction's
// status record. The callback may be invoked from the calling goroutine.
type StatusShardPicker interface {
	PickStatusShard(cb func(shardID string, err error))
}

// ShardLookup resolves shard ids to routing descriptors. Implemented by the
// metadata cache.
type ShardLookup interface {
	LookupShardByID(id string, deadline time.Time, fastPath bool, cb metacache.LookupCallback)
}

// StatusClient sends transaction status RPCs to a shard leader.
type StatusClient interface {
	UpdateTransaction(ctx context.Context, shard *metacache.RemoteShard, req *client.UpdateTransactionRequest) (*client.UpdateTransactionResponse, error)
	AbortTransaction(ctx context.Context, shard *metacache.RemoteShard, req *client.AbortTransactionRequest) (*client.AbortTransactionResponse, error)
}

// TransactionManager bundles the collaborators shared by every transaction
// of one client: the clock, the shard metadata cache, the status RPC client,
// the RPC registry and the timer scheduler. It is created once per client
// and is safe for concurrent use.
type TransactionManager struct {
	cfg       config.Config
	clock     *hybridtime.Clock
	picker    StatusShardPicker
	lookup    ShardLookup
	client    StatusClient
	registry  *rpcs.Registry
	scheduler rpcs.Scheduler
	log       *zap.Logger
	metrics   *internaltelemetry.TxnMetrics
}

// NewTransactionManager wires a manager from its collaborators. The meter
// may come from pkg/telemetry or be a no-op meter.
func NewTransactionManager(
	cfg config.Config,
	clock *hybridtime.Clock,
	picker StatusShardPicker,
	lookup ShardLookup,
	statusClient StatusClient,
	registry *rpcs.Registry,
	scheduler rpcs.Scheduler,
	log *zap.Logger,
	meter metric.Meter,
) (*TransactionManager, error) {
	metrics, err := internaltelemetry.NewTxnMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &TransactionManager{
		cfg:       cfg,
		clock:     clock,
		picker:    picker,
		lookup:    lookup,
		client:    statusClient,
		registry:  registry,
		scheduler: scheduler,
		log:       log,
		metrics:   metrics,
	}, nil
}

// Clock returns the hybrid logical clock.
func (m *TransactionManager) Clock() *hybridtime.Clock {
	return m.clock
}

// Now samples the hybrid logical clock.
func (m *TransactionManager) Now() hybridtime.HybridTime {
	return m.clock.Now()
}

// UpdateClock folds a timestamp propagated by a server response into the
// local clock.
func (m *TransactionManager) UpdateClock(ht hybridtime.HybridTime) {
	m.clock.Update(ht)
}

// PickStatusShard asks the picker for a status shard id.
func (m *TransactionManager) PickStatusShard(cb func(shardID string, err error)) {
	m.picker.PickStatusShard(cb)
}

// Rpcs returns the in-flight call registry.
func (m *TransactionManager) Rpcs() *rpcs.Registry {
	return m.registry
}

// Config returns the immutable client configuration.
func (m *TransactionManager) Config() config.Config {
	return m.cfg
}

// Close cancels every in-flight call started through the manager's registry
// and waits for them to drain.
func (m *TransactionManager) Close() {
	m.registry.Close()
}
