package numbering

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// MemoryCounter keeps sequences in process memory.
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemoryCounter builds an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: make(map[string]int64)}
}

// Increment implements Counter.
func (c *MemoryCounter) Increment(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key]++
	return c.values[key], nil
}

// RedisCounter keeps sequences as redis integers.
type RedisCounter struct {
	client redis.Cmdable
}

// NewRedisCounter wraps a redis client.
func NewRedisCounter(client redis.Cmdable) *RedisCounter {
	return &RedisCounter{client: client}
}

// Increment implements Counter using INCR.
func (c *RedisCounter) Increment(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// Schema creates the table used by PostgresCounter.
const Schema = `
CREATE TABLE IF NOT EXISTS document_sequences (
	key TEXT PRIMARY KEY,
	seq BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresCounter keeps sequences in the document_sequences table.
type PostgresCounter struct {
	db dbtx
}

// NewPostgresCounter wraps a pool or transaction.
func NewPostgresCounter(db dbtx) *PostgresCounter {
	return &PostgresCounter{db: db}
}

// Increment implements Counter with an upsert.
func (c *PostgresCounter) Increment(ctx context.Context, key string) (int64, error) {
	var seq int64
	err := c.db.QueryRow(ctx, `
		INSERT INTO document_sequences (key, seq)
		VALUES ($1, 1)
		ON CONFLICT (key)
		DO UPDATE SET seq = document_sequences.seq + 1, updated_at = NOW()
		RETURNING seq
	`, key).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}
