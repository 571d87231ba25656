// Package config holds process-wide configuration, populated from flags
// and environment variables by cmd/timerd: a plain Options struct filled
// in by os.LookupEnv rather than a config file format.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/zbysir/timerd/internal/timerstore"
)

// Options is every setting the process needs to start serving. It is
// assembled once at startup and handed, read-only, to the components that
// need it.
type Options struct {
	// DeploymentID and InstanceID identify this process for unique timer
	// id generation (internal/idgen); they must be stable across restarts
	// of the same logical node but distinct across the cluster.
	DeploymentID uint32
	InstanceID   uint32

	// ListenAddr is the HTTP bind address, e.g. ":8080".
	ListenAddr string
	// BindPort is the port embedded in timer URLs, usually matching the
	// port half of ListenAddr; kept separate because a node may sit
	// behind a load balancer or NAT that remaps the externally visible
	// port.
	BindPort int

	// LocalAddress is this node's own address as it appears in
	// ClusterAddresses.
	LocalAddress string
	// ClusterAddresses lists every node's address, including this one.
	ClusterAddresses []string

	// ReplicationFactor is the default number of replicas for a timer
	// whose creation request does not specify its own replica list or
	// replication factor.
	ReplicationFactor uint32

	// SecondWheelBuckets sizes the store's second wheel; 0 defaults to
	// timerstore.DefaultSecondBuckets.
	SecondWheelBuckets int
	// TickIntervalMS is the dispatcher's poll period in milliseconds; 0
	// defaults to dispatch.DefaultTick.
	TickIntervalMS int

	// RedisURL backs the asynq-based delayed queue, e.g.
	// "redis://localhost:6379/0".
	RedisURL string

	// CallbackTimeoutMS bounds how long the HTTP callback client waits
	// for a single delivery attempt.
	CallbackTimeoutMS int
}

// FromEnv builds Options from environment variables, filling in defaults
// for anything unset. Flags parsed by cmd/timerd's cobra command override
// whatever this returns.
func FromEnv() (Options, error) {
	o := Options{
		ListenAddr:        envOr("TIMERD_LISTEN_ADDR", ":8080"),
		BindPort:          8080,
		ReplicationFactor: 2,
		RedisURL:          envOr("TIMERD_REDIS_URL", "redis://localhost:6379/0"),
		CallbackTimeoutMS: 5000,
	}

	if v, ok := os.LookupEnv("TIMERD_BIND_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Options{}, fmt.Errorf("TIMERD_BIND_PORT: %w", err)
		}
		o.BindPort = port
	}

	if v, ok := os.LookupEnv("TIMERD_DEPLOYMENT_ID"); ok {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Options{}, fmt.Errorf("TIMERD_DEPLOYMENT_ID: %w", err)
		}
		o.DeploymentID = uint32(id)
	}

	if v, ok := os.LookupEnv("TIMERD_INSTANCE_ID"); ok {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Options{}, fmt.Errorf("TIMERD_INSTANCE_ID: %w", err)
		}
		o.InstanceID = uint32(id)
	}

	o.LocalAddress = envOr("TIMERD_LOCAL_ADDRESS", "")

	if v, ok := os.LookupEnv("TIMERD_CLUSTER_ADDRESSES"); ok {
		o.ClusterAddresses = splitNonEmpty(v, ",")
	}
	if len(o.ClusterAddresses) == 0 && o.LocalAddress != "" {
		o.ClusterAddresses = []string{o.LocalAddress}
	}

	if v, ok := os.LookupEnv("TIMERD_REPLICATION_FACTOR"); ok {
		f, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Options{}, fmt.Errorf("TIMERD_REPLICATION_FACTOR: %w", err)
		}
		o.ReplicationFactor = uint32(f)
	}

	if v, ok := os.LookupEnv("TIMERD_SECOND_WHEEL_BUCKETS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Options{}, fmt.Errorf("TIMERD_SECOND_WHEEL_BUCKETS: %w", err)
		}
		o.SecondWheelBuckets = n
	} else {
		o.SecondWheelBuckets = timerstore.DefaultSecondBuckets
	}

	if v, ok := os.LookupEnv("TIMERD_TICK_INTERVAL_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Options{}, fmt.Errorf("TIMERD_TICK_INTERVAL_MS: %w", err)
		}
		o.TickIntervalMS = n
	} else {
		o.TickIntervalMS = 10
	}

	return o, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
