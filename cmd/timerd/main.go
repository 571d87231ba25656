// Command timerd runs a single node of the distributed timer service: it
// derives its cluster view and timer store from configuration, starts the
// dispatcher's tick loop against a Redis-backed queue, and serves the
// client and peer-facing HTTP API until asked to stop.
package main

import (
	"log"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/zbysir/timerd/internal/api"
	"github.com/zbysir/timerd/internal/cluster"
	"github.com/zbysir/timerd/internal/config"
	"github.com/zbysir/timerd/internal/dispatch"
	"github.com/zbysir/timerd/internal/idgen"
	"github.com/zbysir/timerd/internal/metrics"
	"github.com/zbysir/timerd/internal/signalctx"
	"github.com/zbysir/timerd/internal/timerstore"
)

var (
	flagLocalAddress   string
	flagClusterAddrs   []string
	flagListenAddr     string
	flagBindPort       int
	flagRedisURL       string
	flagDeploymentID   uint32
	flagInstanceID     uint32
	flagRepFactor      uint32
	flagRateLimitRPS   float64
	flagRateLimitBurst int
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timerd",
		Short: "Run a distributed timer service node",
		RunE:  runServe,
	}

	cmd.Flags().StringVar(&flagLocalAddress, "local-address", "", "this node's own cluster address (overrides TIMERD_LOCAL_ADDRESS)")
	cmd.Flags().StringSliceVar(&flagClusterAddrs, "cluster-addresses", nil, "every node's address, including this one (overrides TIMERD_CLUSTER_ADDRESSES)")
	cmd.Flags().StringVar(&flagListenAddr, "listen-addr", "", "HTTP bind address (overrides TIMERD_LISTEN_ADDR)")
	cmd.Flags().IntVar(&flagBindPort, "bind-port", 0, "port embedded in timer URLs (overrides TIMERD_BIND_PORT)")
	cmd.Flags().StringVar(&flagRedisURL, "redis-url", "", "redis URL backing the delayed queue (overrides TIMERD_REDIS_URL)")
	cmd.Flags().Uint32Var(&flagDeploymentID, "deployment-id", 0, "8-bit deployment identity (overrides TIMERD_DEPLOYMENT_ID)")
	cmd.Flags().Uint32Var(&flagInstanceID, "instance-id", 0, "8-bit instance identity (overrides TIMERD_INSTANCE_ID)")
	cmd.Flags().Uint32Var(&flagRepFactor, "replication-factor", 0, "default replica count for client requests (overrides TIMERD_REPLICATION_FACTOR)")
	cmd.Flags().Float64Var(&flagRateLimitRPS, "rate-limit-rps", 0, "client-creation rate limit, requests per second (0 disables)")
	cmd.Flags().IntVar(&flagRateLimitBurst, "rate-limit-burst", 0, "client-creation rate limit burst")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	opts, err := config.FromEnv()
	if err != nil {
		return err
	}
	applyFlagOverrides(&opts)

	view := cluster.New(opts.LocalAddress, opts.BindPort, opts.ClusterAddresses)

	metricsRegistry := metrics.New(prometheus.DefaultRegisterer)

	// timerstore.New panics if it cannot read the system clock at startup;
	// that is the one condition this service treats as fatal rather than
	// degraded, since nothing downstream can schedule without it.
	store := timerstore.New(opts.LocalAddress, opts.SecondWheelBuckets, systemClock{})

	ids := idgen.New(opts.DeploymentID, opts.InstanceID, idgenSystemClock{})

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return err
	}
	redisCli := redis.NewClient(redisOpts)
	queue := dispatch.NewAsynqQueue(redisCli, asynq.Config{})
	callback := dispatch.NewHTTPClient(time.Duration(opts.CallbackTimeoutMS) * time.Millisecond)

	tick := time.Duration(opts.TickIntervalMS) * time.Millisecond
	d := dispatch.New(store, view, queue, callback, metricsRegistry, tick)

	server := api.New(opts.ListenAddr, view, store, ids, metricsRegistry, flagRateLimitRPS, flagRateLimitBurst, opts.ReplicationFactor)

	ctx, stop := signalctx.New()
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := queue.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func applyFlagOverrides(o *config.Options) {
	if flagLocalAddress != "" {
		o.LocalAddress = flagLocalAddress
	}
	if len(flagClusterAddrs) > 0 {
		o.ClusterAddresses = flagClusterAddrs
	}
	if flagListenAddr != "" {
		o.ListenAddr = flagListenAddr
	}
	if flagBindPort != 0 {
		o.BindPort = flagBindPort
	}
	if flagRedisURL != "" {
		o.RedisURL = flagRedisURL
	}
	if flagDeploymentID != 0 {
		o.DeploymentID = flagDeploymentID
	}
	if flagInstanceID != 0 {
		o.InstanceID = flagInstanceID
	}
	if flagRepFactor != 0 {
		o.ReplicationFactor = flagRepFactor
	}
}

// systemClock backs timerstore.Store with wall-clock time.
type systemClock struct{}

func (systemClock) NowMS() (uint64, error) {
	return uint64(time.Now().UnixMilli()), nil
}

// idgenSystemClock backs idgen.Source with wall-clock time; idgen.New falls
// back to its own internal system clock when passed nil, but this keeps
// the wiring here explicit.
type idgenSystemClock struct{}

// idgenEpochMS is idgen's timestamp anchor, 2020-01-01 UTC in Unix ms.
const idgenEpochMS = 1577836800000

func (idgenSystemClock) NowMS() uint64 {
	ms := time.Now().UnixMilli()
	if ms < idgenEpochMS {
		return 0
	}
	return uint64(ms - idgenEpochMS)
}
