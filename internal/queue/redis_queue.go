package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/streamforge/transcoder/internal/config"
)

type redisQueue struct {
	client *redis.Client
	group  string
	prefix string
	block  time.Duration
	idle   time.Duration
	maxLen int64
	dlqMax int64
}

func newRedisQueue(ctx context.Context, cfg *config.Config, client *redis.Client) (*redisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("nil redis client")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	q := &redisQueue{
		client: client,
		group:  groupNameOrDefault(cfg.Queue.ConsumerGroup),
		prefix: prefixOrDefault(cfg.Queue.StreamPrefix),
		block:  cfg.Queue.BlockDuration,
		idle:   cfg.Queue.PendingTimeout,
		maxLen: cfg.Queue.StreamMaxLen,
		dlqMax: cfg.Queue.DeadLetterMaxLen,
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	if q.idle <= 0 {
		q.idle = 60 * time.Second
	}

	for _, p := range priorityOrder {
		if err := q.ensureGroup(ctx, q.key(p)); err != nil {
			return nil, err
		}
	}
	if err := q.ensureGroup(ctx, q.dlqKey()); err != nil {
		return nil, err
	}

	return q, nil
}

func groupNameOrDefault(name string) string {
	if name == "" {
		return groupName
	}
	return name
}

func prefixOrDefault(prefix string) string {
	if prefix == "" {
		return defaultStreamPrefix
	}
	return prefix
}

func (q *redisQueue) key(p Priority) string { return streamKey(q.prefix, p) }
func (q *redisQueue) dlqKey() string        { return deadLetterKey(q.prefix) }

// ensureGroup creates the consumer group with MKSTREAM, tolerating the
// BUSYGROUP error the redis server returns when it already exists.
func (q *redisQueue) ensureGroup(ctx context.Context, stream string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	return nil
}

func (q *redisQueue) Enqueue(ctx context.Context, d JobDispatch) error {
	values, err := marshalDispatch(d)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: q.key(d.Priority),
		Values: values,
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", q.key(d.Priority), err)
	}
	return nil
}

// Dequeue first tries to reclaim an abandoned pending message on each
// stream (priority order), then falls back to a blocking read across all
// three streams.
func (q *redisQueue) Dequeue(ctx context.Context, consumerName string) (*Delivery, error) {
	for _, p := range priorityOrder {
		d, err := q.reclaimOne(ctx, q.key(p), consumerName)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}

	streams := make([]string, 0, len(priorityOrder)*2)
	for _, p := range priorityOrder {
		streams = append(streams, q.key(p))
	}
	for range priorityOrder {
		streams = append(streams, ">")
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumerName,
		Streams:  streams,
		Count:    1,
		Block:    q.block,
	}).Result()
	if err == redis.Nil {
		return nil, ErrNoDispatch
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	for _, streamRes := range res {
		for _, msg := range streamRes.Messages {
			d, err := unmarshalDispatch(msg.Values)
			if err != nil {
				// Corrupt message: ack it so it never blocks the group again.
				_ = q.client.XAck(ctx, streamRes.Stream, q.group, msg.ID).Err()
				continue
			}
			return &Delivery{Stream: streamRes.Stream, MessageID: msg.ID, Dispatch: d}, nil
		}
	}
	return nil, ErrNoDispatch
}

// reclaimOne inspects the stream's pending entries for one older than the
// idle threshold and claims it under consumerName. Returns (nil, nil) if
// nothing is eligible.
func (q *redisQueue) reclaimOne(ctx context.Context, stream, consumerName string) (*Delivery, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  1,
		Idle:   q.idle,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xpending %s: %w", stream, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := []string{pending[0].ID}
	claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    q.group,
		Consumer: consumerName,
		MinIdle:  q.idle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	d, err := unmarshalDispatch(claimed[0].Values)
	if err != nil {
		_ = q.client.XAck(ctx, stream, q.group, claimed[0].ID).Err()
		return nil, nil
	}
	return &Delivery{Stream: stream, MessageID: claimed[0].ID, Dispatch: d}, nil
}

func (q *redisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.XAck(ctx, d.Stream, q.group, d.MessageID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", d.Stream, d.MessageID, err)
	}
	return nil
}

// DeadLetter appends the rejected dispatch plus its truncated error to the
// dead-letter stream, acknowledges the original message, and trims the
// sink to its configured cap.
func (q *redisQueue) DeadLetter(ctx context.Context, d *Delivery, failureErr string) error {
	if err := q.appendDeadLetter(ctx, d.Dispatch, d.Stream, failureErr); err != nil {
		return err
	}
	return q.Ack(ctx, d)
}

// DeadLetterDispatch records a dispatch without acknowledging its stream
// message; the worker holding the delivery (if any) acks it afterwards.
func (q *redisQueue) DeadLetterDispatch(ctx context.Context, d JobDispatch, failureErr string) error {
	return q.appendDeadLetter(ctx, d, q.key(d.Priority), failureErr)
}

func (q *redisQueue) appendDeadLetter(ctx context.Context, d JobDispatch, originStream, failureErr string) error {
	payload, err := marshalDispatch(d)
	if err != nil {
		return err
	}
	payload["error"] = truncateErr(failureErr, 500)
	payload["failed_at"] = time.Now().UTC().Format(time.RFC3339)
	payload["origin_stream"] = originStream

	args := &redis.XAddArgs{Stream: q.dlqKey(), Values: payload}
	if q.dlqMax > 0 {
		args.MaxLen = q.dlqMax
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd dead-letter: %w", err)
	}
	return nil
}

func (q *redisQueue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error

	if s.High, err = q.client.XLen(ctx, q.key(PriorityHigh)).Result(); err != nil {
		return s, fmt.Errorf("xlen high: %w", err)
	}
	if s.Normal, err = q.client.XLen(ctx, q.key(PriorityNormal)).Result(); err != nil {
		return s, fmt.Errorf("xlen normal: %w", err)
	}
	if s.Low, err = q.client.XLen(ctx, q.key(PriorityLow)).Result(); err != nil {
		return s, fmt.Errorf("xlen low: %w", err)
	}
	if s.DeadLetter, err = q.client.XLen(ctx, q.dlqKey()).Result(); err != nil {
		return s, fmt.Errorf("xlen dead-letter: %w", err)
	}
	return s, nil
}

func (q *redisQueue) Close() error {
	return nil
}
