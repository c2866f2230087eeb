// Package store keeps sampled records until they can be replayed over the
// air.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/jkaberg/bangle-hass/internal/sensors"
)

// ErrEmpty is returned by Pop when nothing is stored.
var ErrEmpty = errors.New("replay queue empty")

// Queue is a bounded FIFO of records. When full, the oldest records are
// dropped.
type Queue interface {
	Push(ctx context.Context, rec *sensors.SensorRecord) error
	Pop(ctx context.Context) (*sensors.SensorRecord, error)
	Len(ctx context.Context) (int, error)
}

// RedisQueue stores records in a Redis list so samples survive restarts.
type RedisQueue struct {
	c   *redis.Client
	key string
	max int
}

// NewRedisClient creates a client for the given server.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisQueue wraps c. max <= 0 means unbounded.
func NewRedisQueue(c *redis.Client, key string, max int) *RedisQueue {
	return &RedisQueue{c: c, key: key, max: max}
}

// Ping checks the connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.c.Ping(ctx).Err()
}

func (q *RedisQueue) Push(ctx context.Context, rec *sensors.SensorRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	pipe := q.c.TxPipeline()
	pipe.LPush(ctx, q.key, data)
	if q.max > 0 {
		pipe.LTrim(ctx, q.key, 0, int64(q.max-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (*sensors.SensorRecord, error) {
	data, err := q.c.RPop(ctx, q.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("pop %s: %w", q.key, err)
	}

	var rec sensors.SensorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.c.LLen(ctx, q.key).Result()
	return int(n), err
}

// MemoryQueue is the in-process fallback used when no Redis is configured.
type MemoryQueue struct {
	mu   sync.Mutex
	recs []*sensors.SensorRecord
	max  int
}

// NewMemoryQueue creates a queue holding at most max records. max <= 0 means
// unbounded.
func NewMemoryQueue(max int) *MemoryQueue {
	return &MemoryQueue{max: max}
}

func (q *MemoryQueue) Push(_ context.Context, rec *sensors.SensorRecord) error {
	cp := *rec
	q.mu.Lock()
	defer q.mu.Unlock()

	q.recs = append(q.recs, &cp)
	if q.max > 0 && len(q.recs) > q.max {
		q.recs = q.recs[len(q.recs)-q.max:]
	}
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (*sensors.SensorRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.recs) == 0 {
		return nil, ErrEmpty
	}
	rec := q.recs[0]
	q.recs[0] = nil
	q.recs = q.recs[1:]
	return rec, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.recs), nil
}
