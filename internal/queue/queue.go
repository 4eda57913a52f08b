// Package queue is the job queue and dispatch layer: three priority-ordered
// Redis Streams plus one dead-letter sink, with a database-polling fallback
// when Redis is unavailable. It never owns the claim decision — the store's
// claim CAS is always authoritative — streams only carry a hint of which
// job to try first.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/streamforge/transcoder/internal/config"
)

// Priority selects which of the three streams a dispatch lands on.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// priorityOrder lists priorities from highest to lowest; every blocking
// read and pending-reclaim scan walks them in this order.
var priorityOrder = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

const defaultStreamPrefix = "transcode"

func (p Priority) suffix() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

func streamKey(prefix string, p Priority) string {
	return prefix + ":stream:" + p.suffix()
}

func deadLetterKey(prefix string) string {
	return prefix + ":stream:dead-letter"
}

const groupName = "transcoder-workers"

// JobDispatch is the opaque push-dispatch payload carried on a stream
// message.
type JobDispatch struct {
	JobID      int64     `json:"job_id"`
	VideoID    uuid.UUID `json:"video_id"`
	Slug       string    `json:"slug"`
	SourceHint string    `json:"source_hint,omitempty"`
	Priority   Priority  `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
}

// Delivery is one stream message handed to a consumer: the dispatch plus
// enough bookkeeping to ack or dead-letter it.
type Delivery struct {
	Stream    string
	MessageID string
	Dispatch  JobDispatch
}

// ErrNoDispatch is returned by Dequeue when nothing was available within
// the block window — callers fall back to polling the store directly.
var ErrNoDispatch = errors.New("queue: no dispatch available")

// Stats reports the depth of every stream, for the metrics exporter.
type Stats struct {
	High       int64
	Normal     int64
	Low        int64
	DeadLetter int64
}

// Queue is the dispatch contract. Enqueue/Dequeue/Ack/DeadLetter are the
// push path; a database-mode Queue makes Enqueue a no-op and Dequeue always
// return ErrNoDispatch so callers immediately fall back to store polling.
type Queue interface {
	Enqueue(ctx context.Context, d JobDispatch) error
	// Dequeue blocks up to the configured window looking for a dispatch,
	// reclaiming any abandoned pending message first. Returns
	// ErrNoDispatch if nothing turned up.
	Dequeue(ctx context.Context, consumerName string) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery, failureErr string) error
	// DeadLetterDispatch appends a dispatch to the dead-letter sink without
	// acknowledging any stream message; a pending delivery is acked by the
	// worker holding it. The coordinator's permanent-failure path, a local
	// worker's permanent failure and the janitor's stale-claim escalation
	// land here.
	DeadLetterDispatch(ctx context.Context, d JobDispatch, failureErr string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// New selects a Queue implementation per cfg.Queue.Mode, falling back to
// the database mode automatically in "hybrid" mode if Redis cannot be
// reached at startup.
func New(ctx context.Context, cfg *config.Config, client *redis.Client) (Queue, error) {
	switch cfg.Queue.Mode {
	case "database":
		return &dbQueue{}, nil
	case "redis":
		rq, err := newRedisQueue(ctx, cfg, client)
		if err != nil {
			return nil, fmt.Errorf("redis queue unavailable in redis mode: %w", err)
		}
		return rq, nil
	case "hybrid":
		rq, err := newRedisQueue(ctx, cfg, client)
		if err != nil {
			return &dbQueue{}, nil
		}
		return rq, nil
	default:
		return nil, fmt.Errorf("unknown queue mode %q", cfg.Queue.Mode)
	}
}

// dbQueue is the database-only fallback: no push dispatch, claim() always
// polls the store for the oldest eligible job.
type dbQueue struct{}

func (q *dbQueue) Enqueue(ctx context.Context, d JobDispatch) error { return nil }

func (q *dbQueue) Dequeue(ctx context.Context, consumerName string) (*Delivery, error) {
	return nil, ErrNoDispatch
}

func (q *dbQueue) Ack(ctx context.Context, d *Delivery) error { return nil }

func (q *dbQueue) DeadLetter(ctx context.Context, d *Delivery, failureErr string) error { return nil }

func (q *dbQueue) DeadLetterDispatch(ctx context.Context, d JobDispatch, failureErr string) error {
	return nil
}

func (q *dbQueue) Stats(ctx context.Context) (Stats, error) { return Stats{}, nil }

func (q *dbQueue) Close() error { return nil }

func marshalDispatch(d JobDispatch) (map[string]interface{}, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal job dispatch: %w", err)
	}
	return map[string]interface{}{"payload": string(payload)}, nil
}

func unmarshalDispatch(values map[string]interface{}) (JobDispatch, error) {
	var d JobDispatch
	raw, ok := values["payload"].(string)
	if !ok {
		return d, fmt.Errorf("dispatch message missing payload field")
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return d, fmt.Errorf("unmarshal job dispatch: %w", err)
	}
	return d, nil
}

func truncateErr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
