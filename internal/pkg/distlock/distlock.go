// Package distlock serializes contact imports across server instances.
// Two imports writing the same organization's contact space at once would
// race each other's classification snapshots, so the API layer takes an
// org-scoped lock for the duration of an Execute call.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a non-blocking distributed lock. A single goroutine owns one
// Lock instance; concurrent acquirers build their own.
type Lock interface {
	// TryAcquire attempts to take the lock without blocking and reports
	// whether it succeeded.
	TryAcquire(ctx context.Context) (bool, error)
	// Release frees the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// ForImport builds the lock guarding one organization's import pipeline.
// Redis is preferred when available since it locks across hosts with a
// TTL safety net; otherwise a Postgres advisory lock serves, which frees
// itself if the session dies.
func ForImport(redisClient *redis.Client, db *sql.DB, orgID string, ttl time.Duration) Lock {
	key := "crm:import:lock:" + orgID
	if redisClient != nil {
		return newRedisLock(redisClient, key, ttl)
	}
	return newAdvisoryLock(db, key)
}

// advisoryLock maps the lock key onto a pg_try_advisory_lock id. The lock
// is session scoped: it releases automatically when the connection drops.
type advisoryLock struct {
	db     *sql.DB
	lockID int64
}

func newAdvisoryLock(db *sql.DB, key string) *advisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &advisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *advisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

func (l *advisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
