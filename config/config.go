// Package config defines the configuration surface of the transaction
// client. All tunables live here; there are no process-wide flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jlulx9/yugabyte-db/pkg/logger"
	"github.com/jlulx9/yugabyte-db/pkg/telemetry"
)

// Per-RPC deadlines are derived from the maximum clock skew: a status shard
// cannot have acted on a request later than skew allows, so waiting longer
// than a small multiple of it only delays the retry.
const transactionRpcTimeoutFactor = 3

// Config holds every tunable of the transaction client. It is passed to the
// transaction manager at construction and treated as immutable afterwards.
type Config struct {
	// TransactionHeartbeatUsec is the interval between keep-alive
	// heartbeats to the status shard, in microseconds.
	TransactionHeartbeatUsec uint64 `yaml:"transaction_heartbeat_usec"`
	// MaxClockSkewUsec bounds the physical clock skew between any two
	// nodes of the cluster, in microseconds. It also bounds per-RPC
	// deadlines.
	MaxClockSkewUsec uint64 `yaml:"max_clock_skew_usec"`
	// TransactionDisableHeartbeatInTests short-circuits PENDING
	// heartbeats. Test-only.
	TransactionDisableHeartbeatInTests bool `yaml:"transaction_disable_heartbeat_in_tests"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when none is supplied.
func Default() Config {
	return Config{
		TransactionHeartbeatUsec: 500000,
		MaxClockSkewUsec:         500000,
		Logger:                   logger.Config{Level: "info", Format: "json"},
		Telemetry:                telemetry.Config{ServiceName: "ybclient"},
	}
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.TransactionHeartbeatUsec) * time.Microsecond
}

// MaxClockSkew returns the skew bound as a duration.
func (c Config) MaxClockSkew() time.Duration {
	return time.Duration(c.MaxClockSkewUsec) * time.Microsecond
}

// TransactionRpcDeadline returns the deadline applied to every transaction
// status RPC at enqueue time.
func (c Config) TransactionRpcDeadline() time.Duration {
	return c.MaxClockSkew() * transactionRpcTimeoutFactor
}
