// Package ratelimit bounds connection volume: concurrent connections per
// IP, occupancy per room, and rooms created per IP per day, plus the
// server-liveness set used to reconcile counters after a node dies.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/tokenboard/server/internal/v1/logging"
	"github.com/tokenboard/server/internal/v1/metrics"
	"github.com/tokenboard/server/internal/v1/redisx"
)

// Sentinel errors returned by the scoped acquisition operations; the
// connection manager (C7) maps these to dedicated close codes.
var (
	ErrTooManyConnections  = fmt.Errorf("ratelimit: too many connections for this client")
	ErrRoomFull            = fmt.Errorf("ratelimit: room is full")
	ErrTooManyRoomsCreated = fmt.Errorf("ratelimit: too many rooms created recently")
)

// Config carries the constants a Limiter enforces.
type Config struct {
	MaxUsersPerRoom      int
	MaxConnectionsPerIP  int
	MaxRoomsPerIPPerDay  int
	ServerLivenessExpiry time.Duration
}

// Limiter implements acquire_new_room, rate_limited_connection, and
// refresh_server_liveness. Counters are backed by Redis in production
// (shared with C5 through the same circuit-breaker-wrapped client) or by
// an in-memory store for single-process/test use.
type Limiter struct {
	cfg Config

	counters counterStore

	// newRoomLimiter enforces the 24h rooms-per-IP window via ulule/limiter,
	// the teacher's fixed-window rate-limiting library, which fits this one
	// scoped counter cleanly (it is a pure increment-and-check with no
	// guaranteed-decrement requirement).
	newRoomLimiter *limiter.Limiter

	serverID string
}

// NewRedisLimiter builds a Limiter backed by Redis, sharing client (the C10
// circuit-breaker-wrapped client) with the room store for the connection
// counters. rdb is the underlying raw client, used by the ulule/limiter
// store for the rooms-per-day counter, whose calls bypass the breaker.
func NewRedisLimiter(cfg Config, client *redisx.Client, rdb *redis.Client, serverID string) (*Limiter, error) {
	store, err := sredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: "tokenboard:ratelimit:"})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: build redis store: %w", err)
	}
	rate := limiter.Rate{Period: 24 * time.Hour, Limit: int64(cfg.MaxRoomsPerIPPerDay)}
	return &Limiter{
		cfg:            cfg,
		counters:       &redisCounterStore{client: client},
		newRoomLimiter: limiter.New(store, rate),
		serverID:       serverID,
	}, nil
}

// NewMemoryLimiter builds a Limiter backed by an in-process store, used in
// tests and single-process/no-Redis deployments.
func NewMemoryLimiter(cfg Config, serverID string) *Limiter {
	store := memory.NewStore()
	rate := limiter.Rate{Period: 24 * time.Hour, Limit: int64(cfg.MaxRoomsPerIPPerDay)}
	return &Limiter{
		cfg:            cfg,
		counters:       newMemoryCounterStore(),
		newRoomLimiter: limiter.New(store, rate),
		serverID:       serverID,
	}
}

// AcquireNewRoom fails with ErrTooManyRoomsCreated once ip has created more
// than MaxRoomsPerIPPerDay rooms in its current 24h window. The window is
// fixed, not sliding: it starts at the ip's first counted attempt and the
// count resets when it ends.
func (l *Limiter) AcquireNewRoom(ctx context.Context, ip string) error {
	res, err := l.newRoomLimiter.Get(ctx, ip)
	if err != nil {
		// Fail open: availability of the connect path takes priority over
		// strict enforcement of the creation cap when the backing store
		// is unreachable.
		logging.Warn(ctx, "rate limiter store failed for acquire_new_room, failing open", zap.Error(err))
		return nil
	}

	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("too_many_rooms_created").Inc()
		return ErrTooManyRoomsCreated
	}
	metrics.RateLimitRequests.WithLabelValues("acquire_new_room").Inc()
	return nil
}

// release decrements the two counters acquired by RateLimitedConnection.
// Calling it more than once is safe: only the first call decrements.
type release func()

// owedSetKey names the set tracking which scoped counter keys this server
// has incremented and not yet released. The reconciliation sweeper diffs
// its members against the liveness set to recover counters a crashed
// server left behind.
func owedSetKey(serverID string) string { return "ratelimit:owed:" + serverID }

// owedServersKey is the registry of every server id that has ever tagged an
// increment, checked by the sweeper against the liveness set.
const owedServersKey = "ratelimit:owed-servers"

// RateLimitedConnection acquires a scoped slot for (ip, roomID), returning
// a release function that must be called exactly once when the connection
// ends (including on panic recovery), guaranteeing the counters return to
// their pre-acquisition values. Every increment is additionally tagged
// under this server's id so a crash that skips release() can still be
// reconciled by another node's sweeper.
func (l *Limiter) RateLimitedConnection(ctx context.Context, ip, roomID string) (release, error) {
	ipKey := "conns:ip:" + ip
	roomKey := "conns:room:" + roomID

	ipCount, err := l.counters.incrWithExpiry(ctx, ipKey, l.cfg.ServerLivenessExpiry)
	if err != nil {
		logging.Warn(ctx, "rate limiter store failed checking per-IP cap, failing open", zap.Error(err))
		return func() {}, nil
	}
	if ipCount > int64(l.cfg.MaxConnectionsPerIP) {
		_ = l.counters.decrFloor(ctx, ipKey)
		metrics.RateLimitExceeded.WithLabelValues("too_many_connections").Inc()
		return nil, ErrTooManyConnections
	}

	roomCount, err := l.counters.incrWithExpiry(ctx, roomKey, l.cfg.ServerLivenessExpiry)
	if err != nil {
		_ = l.counters.decrFloor(ctx, ipKey)
		logging.Warn(ctx, "rate limiter store failed checking room occupancy cap, failing open", zap.Error(err))
		return func() {}, nil
	}
	if roomCount > int64(l.cfg.MaxUsersPerRoom) {
		_ = l.counters.decrFloor(ctx, ipKey)
		_ = l.counters.decrFloor(ctx, roomKey)
		metrics.RateLimitExceeded.WithLabelValues("room_full").Inc()
		return nil, ErrRoomFull
	}

	metrics.RateLimitRequests.WithLabelValues("rate_limited_connection").Inc()

	owed := owedSetKey(l.serverID)
	_ = l.counters.setAdd(ctx, owed, ipKey)
	_ = l.counters.setAdd(ctx, owed, roomKey)
	_ = l.counters.setAdd(ctx, owedServersKey, l.serverID)

	var released bool
	return func() {
		if released {
			return
		}
		released = true
		_ = l.counters.decrFloor(context.Background(), ipKey)
		_ = l.counters.decrFloor(context.Background(), roomKey)
		_ = l.counters.setRem(context.Background(), owed, ipKey)
		_ = l.counters.setRem(context.Background(), owed, roomKey)
	}, nil
}

// RefreshServerLiveness refreshes the TTL on this server's liveness set,
// adding ips as its currently-held members. Call on a jittered interval
// no longer than ServerLivenessExpiry/3.
func (l *Limiter) RefreshServerLiveness(ctx context.Context, ips []string) error {
	key := "live:server:" + l.serverID
	for _, ip := range ips {
		if err := l.counters.setAdd(ctx, key, ip); err != nil {
			return fmt.Errorf("ratelimit: refresh liveness set add: %w", err)
		}
	}
	if err := l.counters.expire(ctx, key, l.cfg.ServerLivenessExpiry); err != nil {
		return fmt.Errorf("ratelimit: refresh liveness expire: %w", err)
	}
	if err := l.counters.setAdd(ctx, "live:servers", l.serverID); err != nil {
		return fmt.Errorf("ratelimit: refresh known-servers set: %w", err)
	}
	return l.counters.expire(ctx, "live:servers", l.cfg.ServerLivenessExpiry)
}

// LiveServers returns the set of server ids currently within their
// liveness TTL, used by the reconciliation sweeper to discard counters
// tagged with a departed server.
func (l *Limiter) LiveServers(ctx context.Context) ([]string, error) {
	return l.counters.setMembers(ctx, "live:servers")
}

// ReconcileStaleServers diffs the servers holding tagged rate-limit
// counters against the current liveness set, and decrements any counter a
// crashed server incremented but never released. It is safe to call from
// every node on an interval: a server only ever reconciles another
// server's counters, never its own, and the diff is idempotent.
func (l *Limiter) ReconcileStaleServers(ctx context.Context) error {
	owedServers, err := l.counters.setMembers(ctx, owedServersKey)
	if err != nil {
		return fmt.Errorf("ratelimit: list owed servers: %w", err)
	}

	liveServers, err := l.LiveServers(ctx)
	if err != nil {
		return fmt.Errorf("ratelimit: list live servers: %w", err)
	}
	live := make(map[string]struct{}, len(liveServers))
	for _, id := range liveServers {
		live[id] = struct{}{}
	}

	for _, id := range owedServers {
		if id == l.serverID {
			continue
		}
		if _, ok := live[id]; ok {
			continue
		}

		owed := owedSetKey(id)
		keys, err := l.counters.setMembers(ctx, owed)
		if err != nil {
			logging.Warn(ctx, "ratelimit: reconcile list owed counters failed", zap.String("server_id", id), zap.Error(err))
			continue
		}
		for _, key := range keys {
			if err := l.counters.decrFloor(ctx, key); err != nil {
				logging.Warn(ctx, "ratelimit: reconcile decrement failed", zap.String("key", key), zap.Error(err))
				continue
			}
			_ = l.counters.setRem(ctx, owed, key)
		}
		_ = l.counters.setRem(ctx, owedServersKey, id)

		if len(keys) > 0 {
			logging.Info(ctx, "ratelimit: reconciled stale server counters",
				zap.String("server_id", id), zap.Int("counters", len(keys)))
		}
	}
	return nil
}

// RunReconciliationLoop calls ReconcileStaleServers once every interval
// (no jitter) until ctx is cancelled, the C8 bootstrap counterpart to
// Server.RunLivenessLoop.
func (l *Limiter) RunReconciliationLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.cfg.ServerLivenessExpiry / 2
	}

	for {
		select {
		case <-time.After(interval):
			if err := l.ReconcileStaleServers(ctx); err != nil {
				logging.Warn(ctx, "rate limit reconciliation sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
