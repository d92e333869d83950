package lease

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for atomic claim: write the record unless a live lease exists.
// ARGV[1] = now (unix millis), ARGV[2] = lockUntil millis, ARGV[3] = lockedBy.
var claimScript = redis.NewScript(`
local until_ = redis.call("HGET", KEYS[1], "lock_until")
if until_ and tonumber(until_) > tonumber(ARGV[1]) then
	return 0
end
redis.call("HSET", KEYS[1], "lock_until", ARGV[2], "locked_at", ARGV[1], "locked_by", ARGV[3])
return 1
`)

// Lua script for atomic release: move lock_until, but only while the record
// still carries the releasing claim.
// ARGV[1] = lockedBy, ARGV[2] = claimed lockUntil millis, ARGV[3] = new millis.
var unlockScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "locked_by") == ARGV[1] and redis.call("HGET", KEYS[1], "lock_until") == ARGV[2] then
	redis.call("HSET", KEYS[1], "lock_until", ARGV[3])
	return 1
end
return 0
`)

// RedisStore keeps lease records in Redis hashes. Timestamps are stored as
// unix milliseconds; the claim time is passed in by the client rather than
// read from the server so that all clocks in play are fleet clocks.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed store. Keys are prefix + "lock:" + name.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *RedisStore) key(name string) string {
	return fmt.Sprintf("%slock:%s", r.keyPrefix, name)
}

// Claim implements Store.Claim.
func (r *RedisStore) Claim(ctx context.Context, rec Record) error {
	result, err := claimScript.Run(ctx, r.client, []string{r.key(rec.Name)},
		rec.LockedAt.UnixMilli(),
		rec.LockUntil.UnixMilli(),
		rec.LockedBy,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to claim lock: %w", err)
	}
	if result == 0 {
		return ErrLockHeld
	}
	return nil
}

// Unlock implements Store.Unlock.
func (r *RedisStore) Unlock(ctx context.Context, rec Record, until time.Time) error {
	result, err := unlockScript.Run(ctx, r.client, []string{r.key(rec.Name)},
		rec.LockedBy,
		strconv.FormatInt(rec.LockUntil.UnixMilli(), 10),
		until.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		return ErrLockHeld
	}
	return nil
}

// Get reads the stored record for name. Used by tests and diagnostics.
func (r *RedisStore) Get(ctx context.Context, name string) (Record, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.key(name)).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}

	rec := Record{Name: name, LockedBy: fields["locked_by"]}
	if v, err := strconv.ParseInt(fields["lock_until"], 10, 64); err == nil {
		rec.LockUntil = time.UnixMilli(v)
	}
	if v, err := strconv.ParseInt(fields["locked_at"], 10, 64); err == nil {
		rec.LockedAt = time.UnixMilli(v)
	}
	return rec, true, nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
