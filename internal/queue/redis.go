package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultBlock = 5 * time.Second

// RedisQueue keeps webhook jobs in a Redis stream read through a consumer
// group, so jobs survive API restarts and several workers share the load.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	ensureMu sync.Mutex
	ensured  bool
}

func NewRedisQueue(addr, stream, consumer string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  defaultBlock + 5*time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return NewRedisQueueFromClient(client, stream, consumer), nil
}

func NewRedisQueueFromClient(client *redis.Client, stream, consumer string) *RedisQueue {
	if consumer == "" {
		consumer = "worker"
	}
	return &RedisQueue{
		client:   client,
		stream:   stream,
		group:    stream + ":group",
		consumer: consumer,
		block:    defaultBlock,
	}
}

func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) EnqueueWebhook(ctx context.Context, job WebhookJob) error {
	if err := q.ensureStream(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"payload": string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("enqueue webhook job: %w", err)
	}
	return nil
}

// Dequeue acknowledges and deletes an entry before handing it out. A crash
// during delivery loses that webhook instead of sending it twice.
func (q *RedisQueue) Dequeue(ctx context.Context) (WebhookJob, error) {
	if err := q.ensureStream(ctx); err != nil {
		return WebhookJob{}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return WebhookJob{}, err
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return WebhookJob{}, fmt.Errorf("read webhook stream: %w", err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				if err := q.ack(ctx, message.ID); err != nil {
					return WebhookJob{}, err
				}

				raw, _ := message.Values["payload"].(string)
				var job WebhookJob
				if err := json.Unmarshal([]byte(raw), &job); err != nil {
					return WebhookJob{}, fmt.Errorf("decode webhook job %s: %w", message.ID, err)
				}
				return job, nil
			}
		}
	}
}

func (q *RedisQueue) QueueStats(ctx context.Context) (QueueStats, error) {
	depth, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return QueueStats{}, err
	}

	stats := QueueStats{Depth: depth}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		if isMissingGroup(err) {
			return stats, nil
		}
		return QueueStats{}, err
	}
	stats.Pending = pending.Count
	return stats, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, id)
	pipe.XDel(ctx, q.stream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack webhook job %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) ensureStream(ctx context.Context) error {
	q.ensureMu.Lock()
	defer q.ensureMu.Unlock()
	if q.ensured {
		return nil
	}

	keyType, err := q.client.Type(ctx, q.stream).Result()
	if err != nil {
		return err
	}
	if keyType != "none" && keyType != "stream" {
		return fmt.Errorf("unsupported redis key type=%s for %s", keyType, q.stream)
	}

	err = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create webhook consumer group: %w", err)
	}

	q.ensured = true
	return nil
}

func isMissingGroup(err error) bool {
	message := err.Error()
	return strings.Contains(message, "NOGROUP") || strings.Contains(message, "no such key")
}
