package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jlulx9/yugabyte-db/core/metacache"
	"github.com/jlulx9/yugabyte-db/pkg/connection"
)

const (
	defaultPoolSize    = 8
	defaultDialTimeout = 5 * time.Second
	defaultDialRate    = 20 // dials per second per host
)

// RemoteClient sends transaction status RPCs to tablet servers and shard
// descriptor fetches to the master, over pooled TCP connections carrying
// newline-delimited JSON frames.
type RemoteClient struct {
	log        *zap.Logger
	pool       *connection.PoolManager
	masterAddr string
}

// NewRemoteClient creates a client talking to the cluster whose master
// listens on masterAddr.
func NewRemoteClient(masterAddr string, log *zap.Logger, opts ...connection.Option) *RemoteClient {
	opts = append([]connection.Option{connection.WithDialRate(defaultDialRate)}, opts...)
	return &RemoteClient{
		log:        log,
		pool:       connection.NewPoolManager(defaultPoolSize, defaultDialTimeout, opts...),
		masterAddr: masterAddr,
	}
}

// Close releases all pooled connections.
func (c *RemoteClient) Close() {
	c.pool.Close()
}

// UpdateTransaction sends an UpdateTransaction request to the shard leader.
func (c *RemoteClient) UpdateTransaction(ctx context.Context, shard *metacache.RemoteShard, req *UpdateTransactionRequest) (*UpdateTransactionResponse, error) {
	var resp UpdateTransactionResponse
	if err := c.call(ctx, shard.LeaderAdr, MethodUpdateTransaction, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AbortTransaction sends an AbortTransaction request to the shard leader.
func (c *RemoteClient) AbortTransaction(ctx context.Context, shard *metacache.RemoteShard, req *AbortTransactionRequest) (*AbortTransactionResponse, error) {
	var resp AbortTransactionResponse
	if err := c.call(ctx, shard.LeaderAdr, MethodAbortTransaction, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchShard implements metacache.Fetcher against the master.
func (c *RemoteClient) FetchShard(ctx context.Context, id string) (*metacache.RemoteShard, error) {
	var shard metacache.RemoteShard
	if err := c.call(ctx, c.masterAddr, MethodGetShard, &GetShardRequest{ShardID: id}, &shard); err != nil {
		return nil, err
	}
	return &shard, nil
}

// call performs one framed request/response exchange with addr.
func (c *RemoteClient) call(ctx context.Context, addr, method string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	frame, err := json.Marshal(Envelope{Method: method, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", method, err)
	}
	frame = append(frame, '\n')

	conn, err := c.pool.Get(ctx, addr)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(frame); err != nil {
		conn.ForceClose()
		return wireError(ctx, method, err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		conn.ForceClose()
		return wireError(ctx, method, err)
	}
	conn.SetDeadline(time.Time{})
	conn.Close()

	var reply Reply
	if err := json.Unmarshal(line, &reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	if reply.Error != "" {
		return status.Error(codes.Code(reply.Code), reply.Error)
	}
	if resp != nil && len(reply.Payload) > 0 {
		if err := json.Unmarshal(reply.Payload, resp); err != nil {
			return fmt.Errorf("decode %s payload: %w", method, err)
		}
	}
	return nil
}

// wireError classifies a transport failure so retry policy upstream can
// distinguish deadlines from connection loss.
func wireError(ctx context.Context, method string, err error) error {
	if ctx.Err() != nil {
		return status.Error(codes.DeadlineExceeded, fmt.Sprintf("%s: %v", method, ctx.Err()))
	}
	return status.Error(codes.Unavailable, fmt.Sprintf("%s: %v", method, err))
}
