package transaction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jlulx9/yugabyte-db/config"
	"github.com/jlulx9/yugabyte-db/core/client"
	"github.com/jlulx9/yugabyte-db/core/hybridtime"
	"github.com/jlulx9/yugabyte-db/core/metacache"
	"github.com/jlulx9/yugabyte-db/pkg/rpcs"
)

const statusShardID = "status-shard-1"

var errUnavailable = status.Error(codes.Unavailable, "leader stepping down")

// --- Test fakes ---

// manualScheduler collects scheduled closures; tests fire them explicitly.
type manualScheduler struct {
	mu      sync.Mutex
	pending []func()
}

func (s *manualScheduler) Schedule(_ time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, fn)
}

func (s *manualScheduler) fire() {
	s.mu.Lock()
	fns := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *manualScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// scriptedPicker counts picks and can be made to fail.
type scriptedPicker struct {
	calls atomic.Int64
	err   error
}

func (p *scriptedPicker) PickStatusShard(cb func(string, error)) {
	p.calls.Add(1)
	if p.err != nil {
		cb("", p.err)
		return
	}
	cb(statusShardID, nil)
}

// scriptedLookup resolves any shard id to a descriptor, or fails.
type scriptedLookup struct {
	calls atomic.Int64
	err   error
}

func (l *scriptedLookup) LookupShardByID(id string, _ time.Time, _ bool, cb metacache.LookupCallback) {
	l.calls.Add(1)
	if l.err != nil {
		cb(nil, l.err)
		return
	}
	cb(&metacache.RemoteShard{ID: id, LeaderAdr: "127.0.0.1:0"}, nil)
}

// recordingClient records status RPCs and replays scripted errors in call
// order. An optional gate blocks UpdateTransaction until released.
type recordingClient struct {
	mu         sync.Mutex
	gate       chan struct{}
	updates    []*client.UpdateTransactionRequest
	aborts     []*client.AbortTransactionRequest
	updateErrs []error
}

func (c *recordingClient) UpdateTransaction(_ context.Context, _ *metacache.RemoteShard, req *client.UpdateTransactionRequest) (*client.UpdateTransactionResponse, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	c.updates = append(c.updates, req)
	var err error
	if len(c.updateErrs) > 0 {
		err = c.updateErrs[0]
		c.updateErrs = c.updateErrs[1:]
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &client.UpdateTransactionResponse{}, nil
}

func (c *recordingClient) AbortTransaction(_ context.Context, _ *metacache.RemoteShard, req *client.AbortTransactionRequest) (*client.AbortTransactionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborts = append(c.aborts, req)
	return &client.AbortTransactionResponse{}, nil
}

func (c *recordingClient) countStatus(s client.TransactionStatus) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, u := range c.updates {
		if u.State.Status == s {
			n++
		}
	}
	return n
}

func (c *recordingClient) abortCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.aborts)
}

func (c *recordingClient) lastUpdate() *client.UpdateTransactionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.updates) == 0 {
		return nil
	}
	return c.updates[len(c.updates)-1]
}

// --- Harness ---

type testEnv struct {
	t         *testing.T
	cfg       config.Config
	clock     *hybridtime.Clock
	picker    *scriptedPicker
	lookup    *scriptedLookup
	client    *recordingClient
	scheduler *manualScheduler
	manager   *TransactionManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		t:         t,
		cfg:       config.Default(),
		clock:     hybridtime.NewClock(),
		picker:    &scriptedPicker{},
		lookup:    &scriptedLookup{},
		client:    &recordingClient{},
		scheduler: &manualScheduler{},
	}
	registry := rpcs.NewRegistry(zap.NewNop())
	t.Cleanup(registry.Close)

	manager, err := NewTransactionManager(
		env.cfg, env.clock, env.picker, env.lookup, env.client,
		registry, env.scheduler, zap.NewNop(), noop.NewMeterProvider().Meter("test"),
	)
	require.NoError(t, err)
	env.manager = manager
	return env
}

// awaitReady drives the transaction through status shard resolution.
func (e *testEnv) awaitReady(txn *Transaction) {
	e.t.Helper()
	done := make(chan error, 1)
	if txn.Prepare(nil, func(err error) { done <- err }, nil) {
		return
	}
	select {
	case err := <-done:
		require.NoError(e.t, err)
	case <-time.After(10 * time.Second):
		e.t.Fatal("transaction never became ready")
	}
}

func (e *testEnv) eventually(cond func() bool, msg string) {
	e.t.Helper()
	require.Eventually(e.t, cond, 10*time.Second, time.Millisecond, msg)
}

func awaitCommit(t *testing.T, txn *Transaction) error {
	t.Helper()
	select {
	case err := <-txn.CommitChan():
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("commit callback never fired")
		return nil
	}
}

// --- Construction ---

func TestSnapshotIsolationCapturesReadTime(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	require.True(t, txn.ReadPoint().ReadTime().Valid())
	require.Equal(t, TxnStateRunning, txn.State())

	serializable := NewTransaction(env.manager, SerializableIsolation)
	require.False(t, serializable.ReadPoint().ReadTime().Valid())
}

func TestConstructionSendsNoRpcs(t *testing.T) {
	env := newTestEnv(t)
	NewTransaction(env.manager, SnapshotIsolation)
	require.Equal(t, int64(0), env.picker.calls.Load())
	require.Equal(t, 0, env.client.countStatus(client.StatusCreated))
}

// --- Prepare / readiness ---

func TestPrepareBeforeReadyQueuesWaiter(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)

	done := make(chan error, 1)
	ok := txn.Prepare([]InFlightOp{{ShardID: "shard-a"}}, func(err error) { done <- err }, nil)
	require.False(t, ok, "first prepare must be rejected until ready")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("waiter never fired")
	}

	var md TransactionMetadata
	ok = txn.Prepare([]InFlightOp{{ShardID: "shard-a"}}, nil, &md)
	require.True(t, ok)
	require.Equal(t, txn.Metadata().TransactionID, md.TransactionID)
	require.Equal(t, statusShardID, md.StatusShardID, "rerun prepare must carry full metadata")
	require.Equal(t, 1, env.client.countStatus(client.StatusCreated))
}

func TestSingleStatusShardPick(t *testing.T) {
	env := newTestEnv(t)
	env.client.gate = make(chan struct{})
	txn := NewTransaction(env.manager, SnapshotIsolation)

	const racers = 16
	var wg sync.WaitGroup
	fired := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn.Prepare([]InFlightOp{{ShardID: "shard-a"}}, func(err error) { fired <- err }, nil)
		}()
	}
	wg.Wait()
	close(env.client.gate)

	for i := 0; i < racers; i++ {
		require.NoError(t, <-fired)
	}
	require.Equal(t, int64(1), env.picker.calls.Load(), "concurrent demands must coalesce into one pick")
	require.Equal(t, 1, env.client.countStatus(client.StatusCreated))
}

func TestWaiterOrdering(t *testing.T) {
	env := newTestEnv(t)
	env.client.gate = make(chan struct{})
	txn := NewTransaction(env.manager, SnapshotIsolation)

	const waiters = 8
	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		idx := i
		ok := txn.Prepare(nil, func(err error) {
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
			done <- struct{}{}
		}, nil)
		require.False(t, ok)
	}
	close(env.client.gate)
	for i := 0; i < waiters; i++ {
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	for i, idx := range order {
		require.Equal(t, i, idx, "waiters must fire in insertion order")
	}
}

func TestPrepareTracksParticipants(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	ops := []InFlightOp{{ShardID: "shard-a"}, {ShardID: "shard-b"}}
	var md TransactionMetadata
	require.True(t, txn.Prepare(ops, nil, &md))
	require.Equal(t, statusShardID, md.StatusShardID, "new participants need full metadata")

	txn.Flushed(ops, nil)

	// All touched shards informed: only the id travels with the batch.
	require.True(t, txn.Prepare(ops, nil, &md))
	require.Equal(t, txn.Metadata().TransactionID, md.TransactionID)
	require.Empty(t, md.StatusShardID)
	require.Zero(t, md.Priority)

	// A new shard forces full metadata again.
	require.True(t, txn.Prepare([]InFlightOp{{ShardID: "shard-c"}}, nil, &md))
	require.Equal(t, statusShardID, md.StatusShardID)
}

func TestFlushedMarksOnlySucceededOps(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	ops := []InFlightOp{{ShardID: "shard-a"}, {ShardID: "shard-b", Err: errors.New("row conflict")}}
	var md TransactionMetadata
	require.True(t, txn.Prepare(ops, nil, &md))
	txn.Flushed(ops, nil)

	// shard-b failed its op, so it still needs the parameters.
	require.True(t, txn.Prepare([]InFlightOp{{ShardID: "shard-b"}}, nil, &md))
	require.Equal(t, statusShardID, md.StatusShardID)

	require.True(t, txn.Prepare([]InFlightOp{{ShardID: "shard-a"}}, nil, &md))
	require.Empty(t, md.StatusShardID)
}

func TestFlushedTryAgainAborts(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	ops := []InFlightOp{{ShardID: "shard-a"}}
	require.True(t, txn.Prepare(ops, nil, nil))
	txn.Flushed(ops, status.Error(codes.Aborted, "write conflict"))

	require.Equal(t, TxnStateAborted, txn.State())
	err := awaitCommit(t, txn)
	require.Error(t, err)
	require.True(t, IsTryAgain(err), "commit must surface the latched conflict")
}

func TestFlushedOtherErrorsIgnored(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	ops := []InFlightOp{{ShardID: "shard-a"}}
	require.True(t, txn.Prepare(ops, nil, nil))
	txn.Flushed(ops, errUnavailable)
	require.Equal(t, TxnStateRunning, txn.State())
}

// --- Commit ---

func TestCommitCarriesParticipants(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	ops := []InFlightOp{{ShardID: "shard-b"}, {ShardID: "shard-a"}}
	require.True(t, txn.Prepare(ops, nil, nil))
	txn.Flushed(ops, nil)

	require.NoError(t, awaitCommit(t, txn))
	require.Equal(t, TxnStateCommitted, txn.State())

	last := env.client.lastUpdate()
	require.NotNil(t, last)
	require.Equal(t, client.StatusCommitted, last.State.Status)
	require.Equal(t, []string{"shard-a", "shard-b"}, last.State.Tablets)
	require.Equal(t, statusShardID, last.TabletID)
	require.Zero(t, env.client.abortCount())
}

func TestEmptyCommitAbortsButReportsOk(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	require.NoError(t, awaitCommit(t, txn))
	env.eventually(func() bool { return env.client.abortCount() == 1 },
		"read-only commit must release the status record with an abort")
	require.Equal(t, 0, env.client.countStatus(client.StatusCommitted))
}

func TestCommitBeforeReady(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)

	// Immediate commit: resolution has not even started yet.
	require.NoError(t, awaitCommit(t, txn))
	require.Equal(t, 1, env.client.countStatus(client.StatusCreated))
	env.eventually(func() bool { return env.client.abortCount() == 1 },
		"no-op transaction releases its status record")
	require.Equal(t, int64(1), env.picker.calls.Load())
}

func TestCommitRejectsChild(t *testing.T) {
	env := newTestEnv(t)
	parent := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(parent)

	envelope := prepareChildEnvelope(t, parent)
	child := NewChildTransaction(env.manager, envelope)

	err := awaitCommit(t, child)
	require.ErrorIs(t, err, ErrCommitOfChild)
}

func TestCommitRejectsRestartRequired(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	txn.ReadPoint().RestartRequired("shard-a", env.clock.Now())
	err := awaitCommit(t, txn)
	require.ErrorIs(t, err, ErrCommitRestartRequired)
}

func TestCommitAfterAbortRejected(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	txn.Abort()
	err := awaitCommit(t, txn)
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestDoubleCommitRejected(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	ops := []InFlightOp{{ShardID: "shard-a"}}
	require.True(t, txn.Prepare(ops, nil, nil))
	txn.Flushed(ops, nil)
	require.NoError(t, awaitCommit(t, txn))

	err := awaitCommit(t, txn)
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestCommitRpcFailureSurfaced(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	ops := []InFlightOp{{ShardID: "shard-a"}}
	require.True(t, txn.Prepare(ops, nil, nil))
	txn.Flushed(ops, nil)

	env.client.mu.Lock()
	env.client.updateErrs = []error{errUnavailable}
	env.client.mu.Unlock()

	err := awaitCommit(t, txn)
	require.Error(t, err)
	// The transaction stays committed; retrying by id is the server's job.
	require.Equal(t, TxnStateCommitted, txn.State())
}

// --- Abort ---

func TestAbortFireAndForget(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	txn.Abort()
	require.Equal(t, TxnStateAborted, txn.State())
	env.eventually(func() bool { return env.client.abortCount() == 1 }, "abort rpc must go out")

	// Repeat aborts and aborts of finished transactions are no-ops.
	txn.Abort()
	require.Equal(t, TxnStateAborted, txn.State())
}

func TestAbortDoesNotRegressCommitted(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	ops := []InFlightOp{{ShardID: "shard-a"}}
	require.True(t, txn.Prepare(ops, nil, nil))
	txn.Flushed(ops, nil)
	require.NoError(t, awaitCommit(t, txn))

	txn.Abort()
	require.Equal(t, TxnStateCommitted, txn.State(), "state only moves forward")
}

func TestAbortBeforeReady(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)

	txn.Abort()
	require.Equal(t, TxnStateAborted, txn.State())
	env.eventually(func() bool { return env.client.abortCount() == 1 },
		"abort queued behind readiness must still reach the status shard")
	require.Equal(t, 1, env.client.countStatus(client.StatusCreated))
}

// --- Heartbeats ---

func TestHeartbeatPendingAfterReady(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	env.eventually(func() bool { return env.scheduler.pendingCount() == 1 },
		"first keep-alive must be scheduled once ready")
	env.scheduler.fire()
	env.eventually(func() bool { return env.client.countStatus(client.StatusPending) == 1 },
		"keep-alive must follow the created heartbeat")
	env.eventually(func() bool { return env.scheduler.pendingCount() == 1 },
		"next keep-alive must be scheduled")
}

func TestHeartbeatStopsAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	ops := []InFlightOp{{ShardID: "shard-a"}}
	require.True(t, txn.Prepare(ops, nil, nil))
	txn.Flushed(ops, nil)
	require.NoError(t, awaitCommit(t, txn))

	env.scheduler.fire()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 0, env.client.countStatus(client.StatusPending))
}

func TestHeartbeatTransientFailuresRetried(t *testing.T) {
	env := newTestEnv(t)
	env.client.updateErrs = []error{nil, errUnavailable, errUnavailable} // CREATED ok, two flaky PENDING
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	env.eventually(func() bool { return env.scheduler.pendingCount() == 1 },
		"first keep-alive must be scheduled once ready")
	env.scheduler.fire()
	env.eventually(func() bool { return env.client.countStatus(client.StatusPending) == 3 },
		"failed keep-alives must be resent until one sticks")
	require.Equal(t, TxnStateRunning, txn.State())

	ops := []InFlightOp{{ShardID: "shard-a"}}
	require.True(t, txn.Prepare(ops, nil, nil))
	txn.Flushed(ops, nil)
	require.NoError(t, awaitCommit(t, txn))
}

func TestHeartbeatExpiredAbortsAndSurfacesOnCommit(t *testing.T) {
	env := newTestEnv(t)
	env.client.updateErrs = []error{nil, status.Error(codes.NotFound, "transaction expired")}
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	ops := []InFlightOp{{ShardID: "shard-a"}}
	require.True(t, txn.Prepare(ops, nil, nil))
	txn.Flushed(ops, nil)

	env.eventually(func() bool { return env.scheduler.pendingCount() == 1 },
		"first keep-alive must be scheduled once ready")
	env.scheduler.fire()
	env.eventually(func() bool { return txn.State() == TxnStateAborted }, "expiry must abort")

	err := awaitCommit(t, txn)
	require.Error(t, err)
	require.True(t, IsExpired(err), "commit must observe the expiry")
}

func TestHeartbeatDisabledInTests(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.TransactionDisableHeartbeatInTests = true
	registry := rpcs.NewRegistry(zap.NewNop())
	t.Cleanup(registry.Close)
	manager, err := NewTransactionManager(
		env.cfg, env.clock, env.picker, env.lookup, env.client,
		registry, env.scheduler, zap.NewNop(), noop.NewMeterProvider().Meter("test"),
	)
	require.NoError(t, err)

	txn := NewTransaction(manager, SnapshotIsolation)
	done := make(chan error, 1)
	require.False(t, txn.Prepare(nil, func(err error) { done <- err }, nil))
	require.NoError(t, <-done)

	env.scheduler.fire()
	env.eventually(func() bool { return env.scheduler.pendingCount() == 1 },
		"short-circuited keep-alive still re-arms")
	require.Equal(t, 0, env.client.countStatus(client.StatusPending))
	require.Equal(t, 1, env.client.countStatus(client.StatusCreated))
}

// --- Resolution failures ---

func TestPickFailureFailsWaiters(t *testing.T) {
	env := newTestEnv(t)
	env.picker.err = errors.New("no status shards")
	txn := NewTransaction(env.manager, SnapshotIsolation)

	done := make(chan error, 1)
	require.False(t, txn.Prepare(nil, func(err error) { done <- err }, nil))
	err := <-done
	require.ErrorContains(t, err, "no status shards")
	require.Equal(t, TxnStateAborted, txn.State())
}

func TestLookupFailureFailsWaiters(t *testing.T) {
	env := newTestEnv(t)
	env.lookup.err = errors.New("descriptor not found")
	txn := NewTransaction(env.manager, SnapshotIsolation)

	done := make(chan error, 1)
	require.False(t, txn.Prepare(nil, func(err error) { done <- err }, nil))
	require.ErrorContains(t, <-done, "descriptor not found")

	// The latched error also rejects commit.
	err := awaitCommit(t, txn)
	require.ErrorContains(t, err, "descriptor not found")
}

// --- Restart ---

func TestCreateRestartedTransaction(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	before := txn.ReadPoint().ReadTime()
	txn.ReadPoint().RestartRequired("shard-a", before+1000)

	sibling, err := txn.CreateRestartedTransaction()
	require.NoError(t, err)
	require.NotEqual(t, txn.ID(), sibling.ID())
	require.Equal(t, txn.Metadata().Isolation, sibling.Metadata().Isolation)
	require.False(t, sibling.IsRestartRequired())
	require.Greater(t, sibling.ReadPoint().ReadTime(), before)
	require.Equal(t, TxnStateAborted, txn.State())
	require.Equal(t, TxnStateRunning, sibling.State())
	env.eventually(func() bool { return env.client.abortCount() == 1 },
		"superseded attempt must be aborted on the status shard")
}

func TestRestartWithoutConflictRejected(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	_, err := txn.CreateRestartedTransaction()
	require.ErrorIs(t, err, ErrRestartNotRequired)
	require.Equal(t, TxnStateRunning, txn.State())
}

// --- Child transactions ---

func prepareChildEnvelope(t *testing.T, parent *Transaction) ChildTransactionData {
	t.Helper()
	type result struct {
		data *ChildTransactionData
		err  error
	}
	ch := make(chan result, 1)
	parent.PrepareChild(func(data *ChildTransactionData, err error) {
		ch <- result{data, err}
	})
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		require.NotNil(t, r.data)
		return *r.data
	case <-time.After(10 * time.Second):
		t.Fatal("prepare child callback never fired")
		return ChildTransactionData{}
	}
}

func TestPrepareChildBeforeReady(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)

	envelope := prepareChildEnvelope(t, txn)
	require.Equal(t, txn.Metadata().TransactionID, envelope.Metadata.TransactionID)
	require.Equal(t, statusShardID, envelope.Metadata.StatusShardID)
	require.Equal(t, txn.ReadPoint().ReadTime(), envelope.ReadTime)
}

func TestChildLifecycle(t *testing.T) {
	env := newTestEnv(t)
	parent := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(parent)

	parentOps := []InFlightOp{{ShardID: "shard-a"}}
	require.True(t, parent.Prepare(parentOps, nil, nil))
	parent.Flushed(parentOps, nil)

	envelope := prepareChildEnvelope(t, parent)
	raw, err := envelope.ToJSON()
	require.NoError(t, err)
	decoded, err := ChildTransactionDataFromJSON(raw)
	require.NoError(t, err)

	picksBefore := env.picker.calls.Load()
	child := NewChildTransaction(env.manager, decoded)
	require.Equal(t, parent.Metadata().TransactionID, child.Metadata().TransactionID)

	// Children are ready immediately and never resolve a status shard.
	childOps := []InFlightOp{{ShardID: "shard-b"}}
	var md TransactionMetadata
	require.True(t, child.Prepare(childOps, nil, &md))
	require.Equal(t, statusShardID, md.StatusShardID)
	child.Flushed(childOps, nil)
	require.Equal(t, picksBefore, env.picker.calls.Load())

	result, err := child.FinishChild()
	require.NoError(t, err)
	require.Equal(t, TxnStateCommitted, child.State())
	require.Equal(t, []ParticipantShard{{TabletID: "shard-b", HasParameters: true}}, result.Tablets)

	require.NoError(t, parent.ApplyChildResult(result))
	// Applying the same result twice must not change the outcome.
	require.NoError(t, parent.ApplyChildResult(result))

	require.NoError(t, awaitCommit(t, parent))
	last := env.client.lastUpdate()
	require.Equal(t, client.StatusCommitted, last.State.Status)
	require.Equal(t, []string{"shard-a", "shard-b"}, last.State.Tablets)
}

func TestFinishChildOnNonChild(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	_, err := txn.FinishChild()
	require.ErrorIs(t, err, ErrFinishChildOfNonChild)
}

func TestApplyChildResultOnChild(t *testing.T) {
	env := newTestEnv(t)
	parent := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(parent)

	child := NewChildTransaction(env.manager, prepareChildEnvelope(t, parent))
	err := child.ApplyChildResult(&ChildTransactionResult{})
	require.ErrorIs(t, err, ErrApplyChildResultOnChild)
}

func TestAbortOfChildIgnored(t *testing.T) {
	env := newTestEnv(t)
	parent := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(parent)

	child := NewChildTransaction(env.manager, prepareChildEnvelope(t, parent))
	child.Abort()
	require.Equal(t, TxnStateRunning, child.State())
	require.Zero(t, env.client.abortCount())
}

func TestPrepareChildWhileRestartRequired(t *testing.T) {
	env := newTestEnv(t)
	txn := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(txn)

	txn.ReadPoint().RestartRequired("shard-a", env.clock.Now())
	done := make(chan error, 1)
	txn.PrepareChild(func(_ *ChildTransactionData, err error) { done <- err })
	require.ErrorIs(t, <-done, ErrRestartRequired)
}

func TestChildReadPointMergesIntoParent(t *testing.T) {
	env := newTestEnv(t)
	parent := NewTransaction(env.manager, SnapshotIsolation)
	env.awaitReady(parent)

	child := NewChildTransaction(env.manager, prepareChildEnvelope(t, parent))
	child.ReadPoint().UpdateLocalLimit("shard-b", hybridtime.FromMicros(7000))
	conflict := parent.ReadPoint().ReadTime() + 500
	child.ReadPoint().RestartRequired("shard-b", conflict)

	result, err := child.FinishChild()
	require.NoError(t, err)
	require.NoError(t, parent.ApplyChildResult(result))

	require.True(t, parent.IsRestartRequired())
	require.Equal(t, hybridtime.FromMicros(7000), parent.ReadPoint().LocalLimit("shard-b"))
}
