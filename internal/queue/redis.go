package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cryguy/offload/internal/job"
)

const (
	readBlock    = 2 * time.Second
	readBackoff  = time.Second
	jobField     = "job"
	resultSuffix = ":results"
)

// RedisQueue implements Queue with a Redis stream consumed through a
// consumer group. Results go to a pub/sub channel named after the
// stream.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	log      *slog.Logger
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client *redis.Client, stream, group string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}
	return &RedisQueue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: host + "-" + uuid.NewString()[:8],
		log:      logger.With("component", "queue", "stream", stream),
	}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, stream, group string, logger *slog.Logger) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return NewRedisQueue(rdb, stream, group, logger), nil
}

// Close closes the underlying client.
func (r *RedisQueue) Close() error { return r.client.Close() }

// Publish appends req to the stream with XADD.
func (r *RedisQueue) Publish(ctx context.Context, req job.Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling job: %w", err)
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{jobField: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis publish failed: %w", err)
	}
	return id, nil
}

func (r *RedisQueue) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

// Subscribe reads new messages for this consumer with XREADGROUP.
func (r *RedisQueue) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.group,
				Consumer: r.consumer,
				Streams:  []string{r.stream, ">"},
				Count:    1,
				Block:    readBlock,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				r.log.Error("redis read error", "error", err)
				time.Sleep(readBackoff)
				continue
			}
			for _, s := range streams {
				if !r.deliver(ctx, out, s.Messages) {
					return
				}
			}
		}
	}()
	return out, nil
}

// Reclaim claims messages left pending longer than minIdle by crashed
// consumers and delivers them again.
func (r *RedisQueue) Reclaim(ctx context.Context, minIdle time.Duration, out chan<- Delivery) error {
	start := "0-0"
	for {
		msgs, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			Consumer: r.consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			return fmt.Errorf("reclaiming stale jobs: %w", err)
		}
		if len(msgs) > 0 {
			r.log.Info("reclaimed stale jobs", "count", len(msgs))
		}
		if !r.deliver(ctx, out, msgs) {
			return ctx.Err()
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

func (r *RedisQueue) deliver(ctx context.Context, out chan<- Delivery, msgs []redis.XMessage) bool {
	for _, msg := range msgs {
		raw, ok := msg.Values[jobField].(string)
		if !ok {
			r.log.Error("invalid message format", "msg_id", msg.ID)
			_ = r.Ack(ctx, msg.ID)
			continue
		}
		var req job.Request
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			r.log.Error("failed to unmarshal job", "msg_id", msg.ID, "error", err)
			_ = r.Ack(ctx, msg.ID)
			continue
		}
		select {
		case out <- Delivery{ID: msg.ID, Request: req}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Ack confirms processing with XACK.
func (r *RedisQueue) Ack(ctx context.Context, id string) error {
	return r.client.XAck(ctx, r.stream, r.group, id).Err()
}

// Broadcast publishes resp on the results channel.
func (r *RedisQueue) Broadcast(ctx context.Context, resp job.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	return r.client.Publish(ctx, r.stream+resultSuffix, data).Err()
}

// Results subscribes to the results channel.
func (r *RedisQueue) Results(ctx context.Context) (<-chan job.Response, error) {
	pubsub := r.client.Subscribe(ctx, r.stream+resultSuffix)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to results: %w", err)
	}
	out := make(chan job.Response)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var resp job.Response
				if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
					r.log.Error("failed to unmarshal result", "error", err)
					continue
				}
				select {
				case out <- resp:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
