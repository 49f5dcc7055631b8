package repository

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLocker serializes sweeps of one mode across worker instances with
// PostgreSQL session advisory locks. The lock lives on a dedicated pooled
// connection that is held until release.
type AdvisoryLocker struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewAdvisoryLocker creates a locker whose keys are derived from namespace and the lock name
func NewAdvisoryLocker(pool *pgxpool.Pool, namespace string) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, namespace: namespace}
}

// TryLock attempts to take the lock without waiting
func (l *AdvisoryLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}

	key := AdvisoryKey(l.namespace, name)

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// unlock even when the sweep context is already cancelled
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			// session locks die with the connection
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}
	return release, true, nil
}

// AdvisoryKey maps a lock name to a stable 64-bit advisory lock key
func AdvisoryKey(namespace, name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(name))
	return int64(h.Sum64())
}
