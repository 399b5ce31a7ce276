// Package transaction implements the client-side coordinator for
// distributed transactions: it resolves the status shard arbitrating the
// transaction's fate, keeps the transaction alive with heartbeats, tracks
// participant shards across batches and drives commit, abort, restart and
// child transaction flows.
package transaction

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jlulx9/yugabyte-db/core/client"
	"github.com/jlulx9/yugabyte-db/core/hybridtime"
	"github.com/jlulx9/yugabyte-db/core/metacache"
	"github.com/jlulx9/yugabyte-db/pkg/logger"
	"github.com/jlulx9/yugabyte-db/pkg/rpcs"
)

// TxnState is the lifecycle state of a transaction. It only moves forward:
// Running, then exactly one of Committed or Aborted.
type TxnState int32

const (
	TxnStateRunning TxnState = iota
	TxnStateCommitted
	TxnStateAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Waiter is a continuation fired once the transaction becomes ready, or
// with an error if status shard resolution fails.
type Waiter func(err error)

// CommitCallback receives the outcome of Commit.
type CommitCallback func(err error)

// PrepareChildCallback receives the child envelope from PrepareChild.
type PrepareChildCallback func(data *ChildTransactionData, err error)

// Transaction is one transaction attempt. All methods are safe for
// concurrent use; callbacks run on RPC reactor goroutines.
type Transaction struct {
	manager   *TransactionManager
	log       *zap.Logger
	readPoint *ConsistentReadPoint
	child     bool

	// state is atomic so read-only checks skip the mutex. Stores use
	// release ordering, loads acquire (the Go atomic default).
	state atomic.Int32

	// requestedStatusShard coalesces concurrent resolution demands into
	// one pick.
	requestedStatusShard atomic.Bool

	mu             sync.Mutex
	metadata       TransactionMetadata
	ready          bool
	statusShard    *metacache.RemoteShard
	err            error
	commitCallback CommitCallback
	waiters        []Waiter
	participants   map[string]*shardState

	heartbeatHandle rpcs.Handle
	commitHandle    rpcs.Handle
	abortHandle     rpcs.Handle
}

// NewTransaction starts a new top-level transaction. No RPC is sent until
// the first operation that needs the status shard.
func NewTransaction(manager *TransactionManager, isolation IsolationLevel) *Transaction {
	readPoint := NewConsistentReadPoint(manager.clock)
	var startTime hybridtime.HybridTime
	if isolation == SnapshotIsolation {
		readPoint.SetCurrentReadTime()
		startTime = readPoint.ReadTime()
	} else {
		startTime = manager.Now()
	}

	t := &Transaction{
		manager:      manager,
		readPoint:    readPoint,
		metadata:     newMetadata(isolation, startTime),
		participants: make(map[string]*shardState),
	}
	t.log = logger.ForTransaction(manager.log, t.metadata.TransactionID.String())
	t.log.Debug("started", zap.Stringer("isolation", isolation))

	manager.metrics.TxnsStartedCounter.Add(context.Background(), 1)
	manager.metrics.ActiveTxnsUpDown.Add(context.Background(), 1)
	return t
}

// NewChildTransaction starts a child running under a parent's identity and
// snapshot. A child is ready immediately: the parent already resolved the
// status shard and keeps the transaction alive.
func NewChildTransaction(manager *TransactionManager, data ChildTransactionData) *Transaction {
	readPoint := NewConsistentReadPoint(manager.clock)
	readPoint.SetReadTime(data.ReadTime, data.LocalLimits)

	t := &Transaction{
		manager:      manager,
		readPoint:    readPoint,
		metadata:     data.Metadata,
		child:        true,
		ready:        true,
		participants: make(map[string]*shardState),
	}
	t.log = logger.ForTransaction(manager.log, t.metadata.TransactionID.String())
	t.log.Debug("started child")

	manager.metrics.TxnsStartedCounter.Add(context.Background(), 1)
	manager.metrics.ActiveTxnsUpDown.Add(context.Background(), 1)
	return t
}

// ID returns the transaction id of this attempt.
func (t *Transaction) ID() string {
	return t.metadata.TransactionID.String()
}

// Metadata returns a copy of the current metadata.
func (t *Transaction) Metadata() TransactionMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metadata
}

// ReadPoint exposes the transaction's read point to the batcher. Callers
// must not retain it past the transaction.
func (t *Transaction) ReadPoint() *ConsistentReadPoint {
	return t.readPoint
}

// State returns the current lifecycle state.
func (t *Transaction) State() TxnState {
	return TxnState(t.state.Load())
}

// IsRestartRequired reports whether the read point has been invalidated by
// a conflicting observation.
func (t *Transaction) IsRestartRequired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readPoint.IsRestartRequired()
}

// Prepare is called before each batch. If the transaction is not ready yet
// it queues waiter, triggers status shard resolution and returns false; the
// caller postpones the batch until the waiter fires. When ready, it records
// every destination shard as a participant and fills metadata: the full
// metadata when some touched shard has not been told it yet, otherwise just
// the transaction id.
func (t *Transaction) Prepare(ops []InFlightOp, waiter Waiter, metadata *TransactionMetadata) bool {
	hasShardsWithoutParameters := false

	t.mu.Lock()
	if !t.ready {
		if waiter != nil {
			t.waiters = append(t.waiters, waiter)
		}
		t.mu.Unlock()
		t.requestStatusShard()
		t.log.Debug("prepare rejected, not ready")
		return false
	}

	for _, op := range ops {
		state, ok := t.participants[op.ShardID]
		if !ok {
			t.participants[op.ShardID] = &shardState{}
			hasShardsWithoutParameters = true
		} else if !hasShardsWithoutParameters {
			hasShardsWithoutParameters = !state.hasParameters
		}
	}
	meta := t.metadata
	t.mu.Unlock()

	if metadata != nil {
		if hasShardsWithoutParameters {
			*metadata = meta
		} else {
			*metadata = TransactionMetadata{TransactionID: meta.TransactionID}
		}
	}
	return true
}

// Flushed is called after a batch completes. Successful ops mark their
// shard as informed of the transaction parameters. A retriable conflict
// aborts the transaction and latches the error for the commit path; any
// other batch error is handled by the batch's own callbacks, not here.
func (t *Transaction) Flushed(ops []InFlightOp, batchErr error) {
	if batchErr == nil {
		t.mu.Lock()
		for _, op := range ops {
			if op.Err != nil {
				continue
			}
			if state, ok := t.participants[op.ShardID]; ok {
				state.hasParameters = true
			}
		}
		t.mu.Unlock()
		return
	}
	if IsTryAgain(batchErr) {
		t.setError(batchErr)
	}
}

// Commit finishes the transaction. The callback fires once the status shard
// acknowledged the commit, or immediately with an error when committing is
// not allowed. A transaction with no participants has written nothing; its
// status record is released with an abort while the caller still sees Ok.
func (t *Transaction) Commit(callback CommitCallback) {
	t.mu.Lock()
	if err := t.checkRunningLocked(); err != nil {
		t.mu.Unlock()
		callback(err)
		return
	}
	if t.child {
		t.mu.Unlock()
		callback(ErrCommitOfChild)
		return
	}
	if t.readPoint.IsRestartRequired() {
		t.mu.Unlock()
		callback(ErrCommitRestartRequired)
		return
	}
	t.state.Store(int32(TxnStateCommitted))
	t.manager.metrics.TxnsCommittedCounter.Add(context.Background(), 1)
	t.manager.metrics.ActiveTxnsUpDown.Add(context.Background(), -1)
	t.commitCallback = callback
	if !t.ready {
		t.waiters = append(t.waiters, func(err error) { t.doCommit(err) })
		t.mu.Unlock()
		t.requestStatusShard()
		return
	}
	t.mu.Unlock()
	t.doCommit(nil)
}

// CommitChan is a channel-based wrapper over Commit.
func (t *Transaction) CommitChan() <-chan error {
	done := make(chan error, 1)
	t.Commit(func(err error) { done <- err })
	return done
}

// Abort finishes the transaction without committing. Fire and forget: the
// caller gets no acknowledgment, and heartbeats stopping would expire the
// status record anyway.
func (t *Transaction) Abort() {
	t.mu.Lock()
	state := TxnState(t.state.Load())
	if state != TxnStateRunning {
		t.log.Warn("abort of completed transaction", zap.Stringer("state", state))
		t.mu.Unlock()
		return
	}
	if t.child {
		t.log.Warn("abort of child transaction")
		t.mu.Unlock()
		return
	}
	t.state.Store(int32(TxnStateAborted))
	t.manager.metrics.TxnsAbortedCounter.Add(context.Background(), 1)
	t.manager.metrics.ActiveTxnsUpDown.Add(context.Background(), -1)
	if !t.ready {
		t.waiters = append(t.waiters, func(err error) { t.doAbort(err) })
		t.mu.Unlock()
		t.requestStatusShard()
		return
	}
	t.mu.Unlock()
	t.manager.registry.Abort(&t.heartbeatHandle)
	t.doAbort(nil)
}

// CreateRestartedTransaction builds the sibling that reruns this
// transaction with an advanced read point. This transaction is aborted; the
// sibling carries the moved read point with the restart flag cleared.
func (t *Transaction) CreateRestartedTransaction() (*Transaction, error) {
	sibling := NewTransaction(t.manager, t.metadata.Isolation)

	t.mu.Lock()
	if TxnState(t.state.Load()) != TxnStateRunning {
		err := t.err
		t.mu.Unlock()
		if err == nil {
			err = ErrAlreadyCompleted
		}
		return nil, err
	}
	if !t.readPoint.IsRestartRequired() {
		t.mu.Unlock()
		return nil, ErrRestartNotRequired
	}
	t.readPoint.MoveTo(sibling.readPoint)
	sibling.readPoint.Restart()
	t.state.Store(int32(TxnStateAborted))
	t.manager.metrics.TxnsAbortedCounter.Add(context.Background(), 1)
	t.manager.metrics.ActiveTxnsUpDown.Add(context.Background(), -1)
	t.mu.Unlock()

	t.doAbort(nil)
	return sibling, nil
}

// PrepareChild serializes the envelope a child transaction is constructed
// from. Queued behind readiness like any other operation that needs the
// status shard resolved.
func (t *Transaction) PrepareChild(callback PrepareChildCallback) {
	t.mu.Lock()
	if err := t.checkRunningLocked(); err != nil {
		t.mu.Unlock()
		callback(nil, err)
		return
	}
	if t.readPoint.IsRestartRequired() {
		t.mu.Unlock()
		callback(nil, ErrRestartRequired)
		return
	}
	if !t.ready {
		t.waiters = append(t.waiters, func(err error) { t.doPrepareChild(err, callback) })
		t.mu.Unlock()
		t.requestStatusShard()
		return
	}
	data := t.childDataLocked()
	t.mu.Unlock()
	callback(&data, nil)
}

// FinishChild completes a child transaction and returns the envelope to be
// merged into the parent. The child moves to Committed as a sentinel; the
// actual commit is the parent's job.
func (t *Transaction) FinishChild() (*ChildTransactionResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkRunningLocked(); err != nil {
		return nil, err
	}
	if !t.child {
		return nil, ErrFinishChildOfNonChild
	}
	t.state.Store(int32(TxnStateCommitted))
	t.manager.metrics.ActiveTxnsUpDown.Add(context.Background(), -1)

	result := &ChildTransactionResult{}
	for id, state := range t.participants {
		result.Tablets = append(result.Tablets, ParticipantShard{
			TabletID:      id,
			HasParameters: state.hasParameters,
		})
	}
	sort.Slice(result.Tablets, func(i, j int) bool {
		return result.Tablets[i].TabletID < result.Tablets[j].TabletID
	})
	t.readPoint.FinishChildTransactionResult(result)
	return result, nil
}

// ApplyChildResult merges a finished child's participants and read point
// updates into this (parent) transaction.
func (t *Transaction) ApplyChildResult(result *ChildTransactionResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkRunningLocked(); err != nil {
		return err
	}
	if t.child {
		return ErrApplyChildResultOnChild
	}

	for _, tablet := range result.Tablets {
		state, ok := t.participants[tablet.TabletID]
		if !ok {
			state = &shardState{}
			t.participants[tablet.TabletID] = state
		}
		state.hasParameters = state.hasParameters || tablet.HasParameters
	}
	t.readPoint.ApplyChildTransactionResult(result)
	return nil
}

// Close cancels the contexts of every outstanding RPC of this transaction.
// A call already under way still returns and runs its completion handler,
// so a pending commit callback can still fire, with the call's error; a
// heartbeat already handed to the scheduler is not stopped.
func (t *Transaction) Close() {
	t.manager.registry.Abort(&t.heartbeatHandle, &t.commitHandle, &t.abortHandle)
}

// checkRunningLocked returns the reason the transaction cannot accept new
// work, preferring the latched error over the generic one.
func (t *Transaction) checkRunningLocked() error {
	if TxnState(t.state.Load()) != TxnStateRunning {
		if t.err != nil {
			return t.err
		}
		return ErrAlreadyCompleted
	}
	return nil
}

func (t *Transaction) childDataLocked() ChildTransactionData {
	data := ChildTransactionData{Metadata: t.metadata}
	t.readPoint.PrepareChildTransactionData(&data)
	return data
}

func (t *Transaction) doPrepareChild(err error, callback PrepareChildCallback) {
	if err != nil {
		callback(nil, err)
		return
	}
	t.mu.Lock()
	data := t.childDataLocked()
	t.mu.Unlock()
	callback(&data, nil)
}

// doCommit sends the COMMITTED update naming every participant. Runs either
// directly from Commit or from the waiter queue once ready.
func (t *Transaction) doCommit(err error) {
	if err != nil {
		t.deliverCommitResult(err)
		return
	}

	t.mu.Lock()
	shard := t.statusShard
	tablets := make([]string, 0, len(t.participants))
	for id := range t.participants {
		tablets = append(tablets, id)
	}
	sort.Strings(tablets)
	meta := t.metadata
	t.mu.Unlock()

	t.log.Debug("commit", zap.Strings("tablets", tablets))

	// No writes happened, so there is nothing to commit. Release the
	// status record with an abort; the caller still sees success.
	if len(tablets) == 0 {
		t.doAbort(nil)
		t.deliverCommitResult(nil)
		return
	}

	req := &client.UpdateTransactionRequest{
		TabletID:             shard.ID,
		PropagatedHybridTime: uint64(t.manager.Now()),
		State: client.TransactionState{
			TransactionID: meta.TransactionID.String(),
			Status:        client.StatusCommitted,
			Tablets:       tablets,
		},
	}
	deadline := t.manager.cfg.TransactionRpcDeadline()
	t.manager.registry.RegisterAndStart(&t.commitHandle, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()

		start := time.Now()
		resp, rpcErr := t.manager.client.UpdateTransaction(ctx, shard, req)
		t.manager.metrics.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds())

		var propagated hybridtime.HybridTime
		if resp != nil {
			propagated = hybridtime.HybridTime(resp.PropagatedHybridTime)
		}
		t.commitDone(rpcErr, propagated)
	})
}

func (t *Transaction) commitDone(err error, propagated hybridtime.HybridTime) {
	t.log.Debug("committed", zap.Error(err))
	t.manager.UpdateClock(propagated)
	t.manager.registry.Unregister(&t.commitHandle)
	t.deliverCommitResult(err)
}

// deliverCommitResult fires the commit callback at most once.
func (t *Transaction) deliverCommitResult(err error) {
	t.mu.Lock()
	callback := t.commitCallback
	t.commitCallback = nil
	t.mu.Unlock()
	if callback != nil {
		callback(err)
	}
}

// doAbort sends the fire-and-forget abort. A resolution error means the
// status shard never learned about us; with heartbeats stopped the server
// side expires the record on its own.
func (t *Transaction) doAbort(err error) {
	if err != nil {
		t.log.Warn("failed to abort transaction", zap.Error(err))
		return
	}

	t.mu.Lock()
	shard := t.statusShard
	meta := t.metadata
	t.mu.Unlock()
	if shard == nil {
		return
	}

	req := &client.AbortTransactionRequest{
		TabletID:             shard.ID,
		PropagatedHybridTime: uint64(t.manager.Now()),
		TransactionID:        meta.TransactionID.String(),
	}
	deadline := t.manager.cfg.TransactionRpcDeadline()
	t.manager.registry.RegisterAndStart(&t.abortHandle, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()

		resp, rpcErr := t.manager.client.AbortTransaction(ctx, shard, req)
		var propagated hybridtime.HybridTime
		if resp != nil {
			propagated = hybridtime.HybridTime(resp.PropagatedHybridTime)
		}
		t.abortDone(rpcErr, propagated)
	})
}

func (t *Transaction) abortDone(err error, propagated hybridtime.HybridTime) {
	t.log.Debug("aborted", zap.Error(err))
	t.manager.UpdateClock(propagated)
	t.manager.registry.Unregister(&t.abortHandle)
}

// requestStatusShard starts resolution at most once per transaction.
func (t *Transaction) requestStatusShard() {
	if !t.requestedStatusShard.CompareAndSwap(false, true) {
		return
	}
	t.manager.PickStatusShard(t.statusShardPicked)
}

func (t *Transaction) statusShardPicked(shardID string, err error) {
	t.log.Debug("picked status shard", zap.String("shard", shardID), zap.Error(err))
	if err != nil {
		t.setError(err)
		return
	}
	deadline := time.Now().Add(t.manager.cfg.TransactionRpcDeadline())
	t.manager.lookup.LookupShardByID(shardID, deadline, true, t.lookupShardDone)
}

func (t *Transaction) lookupShardDone(shard *metacache.RemoteShard, err error) {
	t.log.Debug("lookup status shard done", zap.Error(err))
	if err != nil {
		t.setError(err)
		return
	}
	t.mu.Lock()
	t.statusShard = shard
	t.metadata.StatusShardID = shard.ID
	t.mu.Unlock()
	t.sendHeartbeat(client.StatusCreated)
}

// sendHeartbeat sends one status update. The CREATED heartbeat is sent even
// after a Commit or Abort queued before readiness: it is what makes the
// transaction ready and drains the waiters running those operations.
// PENDING keep-alives only flow while the transaction is running.
func (t *Transaction) sendHeartbeat(status client.TransactionStatus) {
	state := TxnState(t.state.Load())
	if status == client.StatusPending && state != TxnStateRunning {
		return
	}

	t.mu.Lock()
	failed := t.err != nil
	shard := t.statusShard
	meta := t.metadata
	t.mu.Unlock()
	if failed {
		return
	}

	if status != client.StatusCreated && t.manager.cfg.TransactionDisableHeartbeatInTests {
		t.heartbeatDone(nil, hybridtime.Invalid, status)
		return
	}

	req := &client.UpdateTransactionRequest{
		TabletID:             shard.ID,
		PropagatedHybridTime: uint64(t.manager.Now()),
		State: client.TransactionState{
			TransactionID: meta.TransactionID.String(),
			Status:        status,
		},
	}
	t.manager.metrics.HeartbeatsSentCounter.Add(context.Background(), 1)
	deadline := t.manager.cfg.TransactionRpcDeadline()
	t.manager.registry.RegisterAndStart(&t.heartbeatHandle, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()

		start := time.Now()
		resp, rpcErr := t.manager.client.UpdateTransaction(ctx, shard, req)
		t.manager.metrics.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds())

		var propagated hybridtime.HybridTime
		if resp != nil {
			propagated = hybridtime.HybridTime(resp.PropagatedHybridTime)
		}
		t.heartbeatDone(rpcErr, propagated, status)
	})
}

func (t *Transaction) heartbeatDone(err error, propagated hybridtime.HybridTime, sent client.TransactionStatus) {
	t.manager.UpdateClock(propagated)
	t.manager.registry.Unregister(&t.heartbeatHandle)

	if err != nil {
		t.log.Warn("send heartbeat failed", zap.Error(err))
		if IsExpired(err) {
			t.setError(err)
			return
		}
		// Heartbeats are idempotent; whatever else went wrong, resend.
		t.sendHeartbeat(sent)
		return
	}

	if sent == client.StatusCreated {
		var waiters []Waiter
		t.mu.Lock()
		t.ready = true
		waiters, t.waiters = t.waiters, nil
		t.mu.Unlock()
		t.log.Debug("created, notifying waiters", zap.Int("waiters", len(waiters)))
		for _, waiter := range waiters {
			waiter(nil)
		}
	}
	t.manager.scheduler.Schedule(t.manager.cfg.HeartbeatInterval(), func() {
		t.sendHeartbeat(client.StatusPending)
	})
}

// setError latches the first fatal error, aborts the transaction and fails
// every pending waiter. Later errors are dropped.
func (t *Transaction) setError(err error) {
	var waiters []Waiter
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return
	}
	t.err = err
	if TxnState(t.state.Load()) == TxnStateRunning {
		t.manager.metrics.TxnsAbortedCounter.Add(context.Background(), 1)
		t.manager.metrics.ActiveTxnsUpDown.Add(context.Background(), -1)
	}
	t.state.Store(int32(TxnStateAborted))
	waiters, t.waiters = t.waiters, nil
	t.mu.Unlock()

	t.log.Warn("transaction failed", zap.Error(err))
	for _, waiter := range waiters {
		waiter(err)
	}
}
