package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// TxnMetrics holds all the metric instruments for the transaction client.
type TxnMetrics struct {
	TxnsStartedCounter    metric.Int64Counter
	TxnsCommittedCounter  metric.Int64Counter
	TxnsAbortedCounter    metric.Int64Counter
	HeartbeatsSentCounter metric.Int64Counter
	RpcLatencyHistogram   metric.Int64Histogram
	ActiveTxnsUpDown      metric.Int64UpDownCounter
}

// NewTxnMetrics creates and registers all the metrics for the transaction client.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	txnsStartedCounter, err := meter.Int64Counter(
		"ybclient.txn.started_total",
		metric.WithDescription("Total number of transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsCommittedCounter, err := meter.Int64Counter(
		"ybclient.txn.committed_total",
		metric.WithDescription("Total number of transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsAbortedCounter, err := meter.Int64Counter(
		"ybclient.txn.aborted_total",
		metric.WithDescription("Total number of transactions aborted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	heartbeatsSentCounter, err := meter.Int64Counter(
		"ybclient.txn.heartbeats_total",
		metric.WithDescription("Total number of transaction status heartbeats sent."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"ybclient.txn.rpc.duration",
		metric.WithDescription("The latency of transaction status RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeTxnsUpDown, err := meter.Int64UpDownCounter(
		"ybclient.txn.active",
		metric.WithDescription("Number of transactions currently running."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		TxnsStartedCounter:    txnsStartedCounter,
		TxnsCommittedCounter:  txnsCommittedCounter,
		TxnsAbortedCounter:    txnsAbortedCounter,
		HeartbeatsSentCounter: heartbeatsSentCounter,
		RpcLatencyHistogram:   rpcLatencyHistogram,
		ActiveTxnsUpDown:      activeTxnsUpDown,
	}, nil
}
