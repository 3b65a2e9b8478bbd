package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the optional fast path. Every caller must tolerate a nil Cache
// and any error from these methods by falling back to the durable store;
// correctness never depends on this layer. Implementations must be safe for
// concurrent use.
type Cache interface {
	// SetNX atomically sets key=value with a TTL only if the key is absent.
	// Returns whether the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error
	// DelIfEqual deletes the key only while it still holds value. Used for
	// token-checked lock release so an expired-and-reacquired lock is not
	// released by the old holder.
	DelIfEqual(ctx context.Context, key, value string) (bool, error)
	// IncrWindow increments a counter by n, stamping the window TTL when the
	// counter is created. Returns the value after the increment.
	IncrWindow(ctx context.Context, key string, n int64, window time.Duration) (int64, error)
	DecrBy(ctx context.Context, key string, n int64) error
	// Expire refreshes a key's TTL, reporting whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
}

// Redis implements Cache on go-redis/v9.
type Redis struct {
	client *redis.Client
}

// NewRedis builds a cache client.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisFromClient wraps an existing client, mainly for tests.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	res, err := delIfEqualScript.Run(ctx, r.client, []string{key}, value).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (r *Redis) IncrWindow(ctx context.Context, key string, n int64, window time.Duration) (int64, error) {
	res, err := incrWindowScript.Run(ctx, r.client, []string{key}, n, window.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, nil
	}
	return n, nil
}

func (r *Redis) DecrBy(ctx context.Context, key string, n int64) error {
	return decrIfExistsScript.Run(ctx, r.client, []string{key}, n).Err()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.PExpire(ctx, key, ttl).Result()
}

var delIfEqualScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// The window TTL is stamped only when the key is created, never when an
// increment lands on a counter a rollback drained to zero: the window is
// fixed from first use, not sliding.
var incrWindowScript = redis.NewScript(`
redis.call('SET', KEYS[1], 0, 'NX', 'PX', ARGV[2])
return redis.call('INCRBY', KEYS[1], ARGV[1])
`)

// A rollback racing the key's expiry must not resurrect it as a TTL-less
// negative counter; an absent key means the window already rolled over and
// there is nothing to give back.
var decrIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('DECRBY', KEYS[1], ARGV[1])
end
return 0
`)
