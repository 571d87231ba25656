package dispatch

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// AsynqQueue is a Queue backed by asynq's Redis-scheduled task server,
// adapted from the workflow engine's delayed-queue abstraction to carry
// timer replication messages instead of workflow events. Each topic gets a
// standard-priority queue and a "_critical" variant that asynq's server
// polls with nine times the weight (weighted, not strict, priority).
type AsynqQueue struct {
	cfg      asynq.Config
	client   *asynq.Client
	redisCli redis.UniversalClient

	handlers map[string][]func(ctx context.Context, data []byte) error
}

// NewAsynqQueue builds a Queue against the given Redis client. cfg.Queues
// is populated by Start once every topic has been subscribed.
func NewAsynqQueue(redisCli redis.UniversalClient, cfg asynq.Config) *AsynqQueue {
	return &AsynqQueue{
		cfg:      cfg,
		client:   asynq.NewClient(&rawRedisClient{redisCli}),
		redisCli: redisCli,
		handlers: map[string][]func(ctx context.Context, data []byte) error{},
	}
}

func (q *AsynqQueue) Subscribe(topic string, h func(ctx context.Context, data []byte) error) {
	q.handlers[topic] = append(q.handlers[topic], h)
}

func (q *AsynqQueue) Publish(ctx context.Context, topic string, data []byte, delay time.Duration, opt PublishOption) error {
	queue := topic
	if opt.Critical {
		queue += "_critical"
	}
	_, err := q.client.EnqueueContext(ctx, asynq.NewTask(topic, data),
		asynq.ProcessAt(time.Now().Add(delay)),
		asynq.Queue(queue),
	)
	return err
}

// Start runs the asynq server until ctx is cancelled, dispatching each
// task to every handler subscribed to its topic.
func (q *AsynqQueue) Start(ctx context.Context) error {
	queues := map[string]int{}
	for topic := range q.handlers {
		queues[topic] = 1
		queues[topic+"_critical"] = 9
	}
	q.cfg.Queues = queues
	if q.cfg.Concurrency == 0 {
		q.cfg.Concurrency = 10
	}
	if q.cfg.DelayedTaskCheckInterval == 0 {
		q.cfg.DelayedTaskCheckInterval = 100 * time.Millisecond
	}

	srv := asynq.NewServer(&rawRedisClient{q.redisCli}, q.cfg)

	err := srv.Start(asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		for _, h := range q.handlers[task.Type()] {
			if err := h(ctx, task.Payload()); err != nil {
				return err
			}
		}
		return nil
	}))
	if err != nil {
		return err
	}

	<-ctx.Done()

	srv.Shutdown()
	return q.client.Close()
}

var _ Queue = (*AsynqQueue)(nil)

type rawRedisClient struct {
	c redis.UniversalClient
}

func (r *rawRedisClient) MakeRedisClient() interface{} {
	return r.c
}
