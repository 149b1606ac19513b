// Package redisx wraps the shared Redis client used by the room store and
// the rate limiter behind a circuit breaker, so a failing Redis degrades
// callers to fast typed errors instead of blocking the event loop.
package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tokenboard/server/internal/v1/logging"
	"github.com/tokenboard/server/internal/v1/metrics"
)

// ErrUnavailable is returned when the circuit breaker is open and a call is
// rejected without reaching Redis at all.
var ErrUnavailable = errors.New("redisx: circuit breaker open")

// Client is a thin, resilient wrapper around *redis.Client.
type Client struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker
}

// NewClient dials Redis, verifies connectivity, and wraps the connection in
// a circuit breaker scoped to this process.
func NewClient(addr, password string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisx: connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(v)
		},
	}

	return &Client{rdb: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// NewClientFromExisting wraps an already-constructed *redis.Client, used by
// tests to point the breaker at a miniredis instance.
func NewClientFromExisting(rdb *redis.Client) *Client {
	st := gobreaker.Settings{Name: "redis-test"}
	return &Client{rdb: rdb, cb: gobreaker.NewCircuitBreaker(st)}
}

// Raw returns the underlying *redis.Client for callers that need to build
// pipelines or libraries (e.g. ulule/limiter's redis store) directly.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

func (c *Client) execute(ctx context.Context, name string, fn func() (any, error)) (any, error) {
	res, err := c.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open, call rejected", zap.String("op", name))
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return res, nil
}

// Ping verifies connectivity through the breaker.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	_, err := c.execute(ctx, "ping", func() (any, error) {
		return nil, c.rdb.Ping(ctx).Err()
	})
	return err
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// SetAdd adds a member to a Redis set, used for the server-liveness set.
func (c *Client) SetAdd(ctx context.Context, key, member string) error {
	_, err := c.execute(ctx, "sadd", func() (any, error) {
		return nil, c.rdb.SAdd(ctx, key, member).Err()
	})
	return err
}

// SetRem removes a member from a Redis set.
func (c *Client) SetRem(ctx context.Context, key, member string) error {
	_, err := c.execute(ctx, "srem", func() (any, error) {
		return nil, c.rdb.SRem(ctx, key, member).Err()
	})
	return err
}

// SetMembers returns all members of a Redis set.
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := c.execute(ctx, "smembers", func() (any, error) {
		return c.rdb.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// Expire refreshes the TTL on a key, used for liveness-set TTL renewal.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.execute(ctx, "expire", func() (any, error) {
		return nil, c.rdb.Expire(ctx, key, ttl).Err()
	})
	return err
}

// incrWithExpiryScript increments a counter and, only on the first
// increment (the key was just created), attaches a TTL — so repeated
// increments within the window never reset the expiry.
var incrWithExpiryScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// IncrWithExpiry increments key and, if this increment created the key,
// sets its expiry to ttl. Used for the per-IP/per-room live-connection
// counts.
func (c *Client) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := c.execute(ctx, "incr_with_expiry", func() (any, error) {
		return incrWithExpiryScript.Run(ctx, c.rdb, []string{key}, ttl.Milliseconds()).Int64()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// decrFloorScript decrements a counter but never takes it below zero,
// guarding against a double-release leaving a negative count.
var decrFloorScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
	redis.call('SET', KEYS[1], 0)
	return 0
end
return v
`)

// DecrFloor decrements key, clamped at zero.
func (c *Client) DecrFloor(ctx context.Context, key string) error {
	_, err := c.execute(ctx, "decr_floor", func() (any, error) {
		return decrFloorScript.Run(ctx, c.rdb, []string{key}).Int64()
	})
	return err
}

// GetInt reads a counter key, returning 0 if it does not exist.
func (c *Client) GetInt(ctx context.Context, key string) (int64, error) {
	res, err := c.execute(ctx, "get_int", func() (any, error) {
		v, err := c.rdb.Get(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			return int64(0), nil
		}
		return v, err
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("redisx: key not found")

// Get reads a string value, returning ErrNotFound if the key is unset.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	res, err := c.execute(ctx, "get", func() (any, error) {
		v, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return v, err
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Set writes a string value with no expiry, used for room snapshots which
// live as long as the room exists.
func (c *Client) Set(ctx context.Context, key, value string) error {
	_, err := c.execute(ctx, "set", func() (any, error) {
		return nil, c.rdb.Set(ctx, key, value, 0).Err()
	})
	return err
}

// Lock attempts to acquire an advisory lock on key, held by token, with
// lease ttl. Returns false (no error) if another holder already has it.
func (c *Client) Lock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := c.execute(ctx, "lock", func() (any, error) {
		return c.rdb.SetNX(ctx, key, token, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// unlockScript releases the lock only if the caller still holds it,
// preventing a slow writer from clearing a newer holder's lock.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Unlock releases key only if it is still held by token (check-and-delete
// via Lua for atomicity). A mismatch or missing key is not an error: the
// lease may have already expired or been taken over.
func (c *Client) Unlock(ctx context.Context, key, token string) error {
	_, err := c.execute(ctx, "unlock", func() (any, error) {
		return unlockScript.Run(ctx, c.rdb, []string{key}, token).Result()
	})
	return err
}

// XAdd appends an entry to a stream, returning its assigned id.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]any) (string, error) {
	res, err := c.execute(ctx, "xadd", func() (any, error) {
		return c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// EvalScript runs an arbitrary Lua script through the circuit breaker,
// for callers (the room store's commit protocol) that need an atomic
// check-and-write beyond the primitives above.
func (c *Client) EvalScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	return c.execute(ctx, "eval", func() (any, error) {
		return script.Run(ctx, c.rdb, keys, args...).Result()
	})
}

// XRead reads entries committed after lastID, blocking up to block for at
// least one entry. lastID "0" reads from the start of the stream; "$"
// reads only entries committed after the call begins.
func (c *Client) XRead(ctx context.Context, stream, lastID string, block time.Duration) ([]redis.XMessage, error) {
	res, err := c.execute(ctx, "xread", func() (any, error) {
		streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Block:   block,
			Count:   256,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return []redis.XMessage{}, nil
		}
		if err != nil {
			return nil, err
		}
		if len(streams) == 0 {
			return []redis.XMessage{}, nil
		}
		return streams[0].Messages, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]redis.XMessage), nil
}
