package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

// RedisBackend keeps a queue in Redis:
//
//	{queue}:pending   list of message ids ready for delivery
//	{queue}:msg:{id}  hash with body, attrs and receive_count
//	{queue}:inflight  sorted set of delivery handles scored by visibility deadline (ms)
//	{queue}:handles   hash of delivery handle -> message id
type RedisBackend struct {
	client            redis.UniversalClient
	visibilityTimeout time.Duration
}

func NewRedisBackend(client redis.UniversalClient, visibilityTimeout time.Duration) *RedisBackend {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	return &RedisBackend{client: client, visibilityTimeout: visibilityTimeout}
}

// NewRedisBackendFromURL parses a redis:// URL and checks the connection.
func NewRedisBackendFromURL(ctx context.Context, url string, visibilityTimeout time.Duration) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisBackend(client, visibilityTimeout), nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func pendingKey(queue string) string {
	return queue + ":pending"
}

func inflightKey(queue string) string {
	return queue + ":inflight"
}

func handlesKey(queue string) string {
	return queue + ":handles"
}

func messageKey(queue, id string) string {
	return queue + ":msg:" + id
}

func (b *RedisBackend) Send(ctx context.Context, queue, body string, attrs map[string]string) (string, error) {
	id := uuid.New().String()

	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to encode attributes: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, messageKey(queue, id), "body", body, "attrs", string(attrsJSON), "receive_count", 0)
		pipe.RPush(ctx, pendingKey(queue), id)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// claimScript pops up to len(ARGV)-2 ids from the pending list and registers
// each one as in flight under the handle passed for it, in one step, so an id
// is always either pending or in flight.
//
//	KEYS: pending, inflight, handles
//	ARGV: message key prefix, visibility deadline (ms), handle...
var claimScript = redis.NewScript(`
local out = {}
for i = 3, #ARGV do
	local id = redis.call('LPOP', KEYS[1])
	if not id then
		break
	end
	local key = ARGV[1] .. id
	if redis.call('EXISTS', key) == 1 then
		local count = redis.call('HINCRBY', key, 'receive_count', 1)
		redis.call('ZADD', KEYS[2], ARGV[2], ARGV[i])
		redis.call('HSET', KEYS[3], ARGV[i], id)
		local fields = redis.call('HMGET', key, 'body', 'attrs')
		table.insert(out, {id, ARGV[i], fields[1] or '', fields[2] or '', count})
	end
end
return out
`)

// requeueScript moves deliveries whose deadline passed back to the head of
// the pending list.
//
//	KEYS: pending, inflight, handles
//	ARGV: now (ms)
var requeueScript = redis.NewScript(`
local handles = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local requeued = 0
for _, handle in ipairs(handles) do
	local id = redis.call('HGET', KEYS[3], handle)
	redis.call('ZREM', KEYS[2], handle)
	redis.call('HDEL', KEYS[3], handle)
	if id then
		redis.call('LPUSH', KEYS[1], id)
		requeued = requeued + 1
	end
end
return requeued
`)

func (b *RedisBackend) keys(queue string) []string {
	return []string{pendingKey(queue), inflightKey(queue), handlesKey(queue)}
}

func (b *RedisBackend) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]Message, error) {
	if err := b.requeueExpired(ctx, queue); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	for {
		msgs, err := b.claim(ctx, queue, max)
		if err != nil || len(msgs) > 0 || wait <= 0 {
			return msgs, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		// rotating the head onto itself blocks until an id is pending without taking it
		if err := b.client.BLMove(ctx, pendingKey(queue), pendingKey(queue), "LEFT", "LEFT", remaining).Err(); err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, err
		}
	}
}

func (b *RedisBackend) claim(ctx context.Context, queue string, max int) ([]Message, error) {
	if max < 1 {
		return nil, ErrInvalidMax
	}
	deadline := time.Now().Add(b.visibilityTimeout).UnixMilli()
	args := make([]interface{}, 0, max+2)
	args = append(args, messageKey(queue, ""), deadline)
	for i := 0; i < max; i++ {
		args = append(args, xid.New().String())
	}

	rows, err := claimScript.Run(ctx, b.client, b.keys(queue), args...).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		msg, err := parseClaimed(row)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func parseClaimed(row interface{}) (Message, error) {
	fields, ok := row.([]interface{})
	if !ok || len(fields) != 5 {
		return Message{}, fmt.Errorf("unexpected claim reply %v", row)
	}
	id, _ := fields[0].(string)
	handle, _ := fields[1].(string)
	body, _ := fields[2].(string)
	rawAttrs, _ := fields[3].(string)
	count, _ := fields[4].(int64)

	msg := Message{
		ID:            id,
		Body:          body,
		ReceiptHandle: handle,
		ReceiveCount:  int(count),
	}
	if rawAttrs != "" && rawAttrs != "null" {
		if err := json.Unmarshal([]byte(rawAttrs), &msg.Attributes); err != nil {
			// the delivery is already in flight, hand it over without attributes
			log.Warn().Err(err).Str("message_id", id).Msg("Failed to decode message attributes")
			msg.Attributes = nil
		}
	}
	return msg, nil
}

func (b *RedisBackend) requeueExpired(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := requeueScript.Run(ctx, b.client, b.keys(queue), now).Int()
	if err != nil {
		return fmt.Errorf("failed to requeue expired deliveries: %w", err)
	}
	if n > 0 {
		log.Debug().Str("queue", queue).Int("count", n).Msg("Visibility timeout expired, messages requeued")
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, queue, handle string) error {
	removed, err := b.client.ZRem(ctx, inflightKey(queue), handle).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrStaleHandle
	}

	id, err := b.client.HGet(ctx, handlesKey(queue), handle).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrStaleHandle
		}
		return err
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, messageKey(queue, id))
		pipe.HDel(ctx, handlesKey(queue), handle)
		return nil
	})
	return err
}

// ChangeVisibility moves the visibility deadline of an in-flight delivery.
func (b *RedisBackend) ChangeVisibility(ctx context.Context, queue, handle string, timeout time.Duration) error {
	if _, err := b.client.ZScore(ctx, inflightKey(queue), handle).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrStaleHandle
		}
		return err
	}
	deadline := time.Now().Add(timeout).UnixMilli()
	return b.client.ZAddXX(ctx, inflightKey(queue), redis.Z{Score: float64(deadline), Member: handle}).Err()
}

func (b *RedisBackend) Stats(ctx context.Context, queue string) (Stats, error) {
	pending, err := b.client.LLen(ctx, pendingKey(queue)).Result()
	if err != nil {
		return Stats{}, err
	}
	inflight, err := b.client.ZCard(ctx, inflightKey(queue)).Result()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Available: pending, InFlight: inflight}, nil
}
