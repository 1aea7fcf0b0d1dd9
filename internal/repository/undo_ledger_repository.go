package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/sma-group-change/internal/models"
)

const (
	defaultUndoKeyPrefix = "undo:"
	defaultUndoDepth     = 50
)

// redisLister is the subset of the go-redis client used by the ledger.
type redisLister interface {
	LPop(ctx context.Context, key string) *redis.StringCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisUndoLedger keeps one Redis list per subject, newest snapshot at the head.
type RedisUndoLedger struct {
	client   redisLister
	prefix   string
	maxDepth int64
	ttl      time.Duration
}

// RedisUndoLedgerOption customises the ledger.
type RedisUndoLedgerOption func(*RedisUndoLedger)

// WithUndoKeyPrefix overrides the key namespace.
func WithUndoKeyPrefix(prefix string) RedisUndoLedgerOption {
	return func(l *RedisUndoLedger) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithUndoDepth caps how many snapshots are retained per subject.
func WithUndoDepth(depth int) RedisUndoLedgerOption {
	return func(l *RedisUndoLedger) {
		if depth > 0 {
			l.maxDepth = int64(depth)
		}
	}
}

// WithUndoTTL expires idle stacks.
func WithUndoTTL(ttl time.Duration) RedisUndoLedgerOption {
	return func(l *RedisUndoLedger) {
		l.ttl = ttl
	}
}

// NewRedisUndoLedger constructs a ledger on top of a go-redis client.
func NewRedisUndoLedger(client redisLister, opts ...RedisUndoLedgerOption) *RedisUndoLedger {
	l := &RedisUndoLedger{client: client, prefix: defaultUndoKeyPrefix, maxDepth: defaultUndoDepth}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Push stores snapshot on top of the subject's stack.
func (l *RedisUndoLedger) Push(ctx context.Context, subjectID string, snapshot models.Snapshot) error {
	if l.client == nil {
		return errors.New("undo ledger: redis client not configured")
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := l.key(subjectID)
	// One MULTI/EXEC round trip.
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, l.maxDepth-1)
		if l.ttl > 0 {
			pipe.Expire(ctx, key, l.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis push %s: %w", key, err)
	}
	return nil
}

// Pop removes the newest snapshot. An empty stack yields (nil, nil).
func (l *RedisUndoLedger) Pop(ctx context.Context, subjectID string) (*models.Snapshot, error) {
	if l.client == nil {
		return nil, errors.New("undo ledger: redis client not configured")
	}
	key := l.key(subjectID)
	raw, err := l.client.LPop(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis lpop %s: %w", key, err)
	}
	var snapshot models.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot for %s: %w", key, err)
	}
	return &snapshot, nil
}

// Depth returns the number of snapshots held for subjectID.
func (l *RedisUndoLedger) Depth(ctx context.Context, subjectID string) (int64, error) {
	if l.client == nil {
		return 0, nil
	}
	return l.client.LLen(ctx, l.key(subjectID)).Result()
}

func (l *RedisUndoLedger) key(subjectID string) string {
	return l.prefix + subjectID
}
