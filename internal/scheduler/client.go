package scheduler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"lead_router_backend/platform/config"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Client enqueues deferred actions on asynq.
type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(cfg config.SchedulerConfig) (*Client, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return &Client{
		client: asynq.NewClient(opt),
		queue:  queueName(cfg),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Enqueue schedules action at its NotBefore time with a single retry. The
// action id doubles as the asynq task id so a repeated enqueue is a no-op.
func (c *Client) Enqueue(ctx context.Context, action DeferredAction) error {
	if c == nil || c.client == nil {
		return nil
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}

	task, err := NewDeferredActionTask(action)
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.ProcessAt(action.NotBefore),
		asynq.MaxRetry(MaxAttempts-1),
		asynq.TaskID(action.ID),
		asynq.Queue(c.queue),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func queueName(cfg config.SchedulerConfig) string {
	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}
	return queue
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
