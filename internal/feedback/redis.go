package feedback

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// resqueJob is the envelope a Resque worker pops from its queue list
type resqueJob struct {
	Class string        `json:"class"`
	Args  []interface{} `json:"args"`
}

// RedisPublisher enqueues messages the way Resque clients do
type RedisPublisher struct {
	client    *redis.Client
	namespace string
}

// NewRedisPublisher creates a publisher writing under namespace, "resque" when empty
func NewRedisPublisher(client *redis.Client, namespace string) *RedisPublisher {
	if namespace == "" {
		namespace = "resque"
	}
	return &RedisPublisher{client: client, namespace: namespace}
}

// Publish registers the queue and appends the job atomically
func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(resqueJob{Class: msg.Class, Args: msg.Args})
	if err != nil {
		return errors.Wrap(err, "marshal feedback")
	}

	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, p.namespace+":queues", msg.Queue)
	pipe.RPush(ctx, p.QueueKey(msg.Queue), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "push feedback")
	}
	return nil
}

// QueueKey is the list holding queue's pending jobs
func (p *RedisPublisher) QueueKey(queue string) string {
	return p.namespace + ":queue:" + queue
}
