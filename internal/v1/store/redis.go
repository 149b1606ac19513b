package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tokenboard/server/internal/v1/board"
	"github.com/tokenboard/server/internal/v1/logging"
	"github.com/tokenboard/server/internal/v1/redisx"
)

const roomIndexKey = "tokenboard:rooms:index"

func dataKey(roomID string) string   { return "tokenboard:room:" + roomID + ":data" }
func lockKey(roomID string) string   { return "tokenboard:room:" + roomID + ":lock" }
func streamKey(roomID string) string { return "tokenboard:room:" + roomID + ":changes" }

// commitScript persists the new entity list, appends it to the change
// feed, and releases the lock, all atomically and only if token still
// holds the lock. Redis's own PX expiry already makes an expired lease's
// key disappear, so "GET lock == token" alone correctly captures both
// "another writer holds it" and "our lease expired" — no separate
// wall-clock check is needed inside the script.
var commitScript = redis.NewScript(`
if redis.call('GET', KEYS[2]) ~= ARGV[2] then
	return nil
end
redis.call('SET', KEYS[1], ARGV[1])
local id = redis.call('XADD', KEYS[3], '*', 'data', ARGV[1], 'request_id', ARGV[3])
redis.call('DEL', KEYS[2])
return id
`)

// RedisStore is the durable, cross-node Store backend: entity lists live
// as a JSON value per room key, the advisory lock is SET NX PX plus a
// check-and-delete Lua release, and the change-feed is a Redis Stream
// every subscribing node tails from its own last-delivered id.
type RedisStore struct {
	client         *redisx.Client
	lockExpiration time.Duration
}

// NewRedisStore constructs a Store backed by client, leasing mutation
// locks for lockExpiration.
func NewRedisStore(client *redisx.Client, lockExpiration time.Duration) *RedisStore {
	if lockExpiration <= 0 {
		lockExpiration = DefaultLockExpiration
	}
	return &RedisStore{client: client, lockExpiration: lockExpiration}
}

// Read returns the room's current entity list, or nil if never written.
func (s *RedisStore) Read(ctx context.Context, roomID string) ([]board.Entity, error) {
	raw, err := s.client.Get(ctx, dataKey(roomID))
	if errors.Is(err, redisx.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entities []board.Entity
	if err := json.Unmarshal([]byte(raw), &entities); err != nil {
		return nil, err
	}
	return entities, nil
}

// ReadRaw returns the room's persisted JSON value exactly as stored, with
// no decode into board.Entity. The migration CLI (C11) uses this to
// inspect entities in a shape Store.Read would otherwise silently empty
// out: a legacy token has no "token"/"ping" wrapper and no "contents"
// field, so unmarshaling it straight into board.Entity leaves a
// zero-valued, data-losing result instead of an error.
func (s *RedisStore) ReadRaw(ctx context.Context, roomID string) ([]byte, error) {
	raw, err := s.client.Get(ctx, dataKey(roomID))
	if errors.Is(err, redisx.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// ListRoomIDs returns the full room-id index in one page. The index is a
// Redis set maintained on every committed mutation; callers needing true
// cursor-based pagination over very large deployments would swap this for
// SSCAN, but the membership contract (restartable, may return in any
// order) is unchanged either way.
func (s *RedisStore) ListRoomIDs(ctx context.Context, cursor string) ([]string, string, error) {
	if cursor != "" {
		return nil, "", nil
	}
	ids, err := s.client.SetMembers(ctx, roomIndexKey)
	if err != nil {
		return nil, "", err
	}
	return ids, "", nil
}

// ApplyMutation implements the lock/read/mutate/commit protocol described
// in Store.ApplyMutation, using a Lua script for the atomic commit step.
func (s *RedisStore) ApplyMutation(ctx context.Context, roomID string, fn MutateFunc) (MutationResult, error) {
	token := uuid.NewString()

	acquired, err := s.client.Lock(ctx, lockKey(roomID), token, s.lockExpiration)
	if err != nil {
		return MutationResult{}, err
	}
	if !acquired {
		return MutationResult{}, ErrTransactionFailed
	}

	acquiredAt := time.Now()

	current, err := s.Read(ctx, roomID)
	if err != nil {
		_ = s.client.Unlock(ctx, lockKey(roomID), token)
		return MutationResult{}, err
	}

	result, err := fn(current)
	if err != nil {
		_ = s.client.Unlock(ctx, lockKey(roomID), token)
		return MutationResult{}, err
	}

	if time.Since(acquiredAt) > s.lockExpiration {
		// The lease is already gone (Redis will have expired the key);
		// no write must occur.
		return MutationResult{}, ErrTransactionFailed
	}

	data, err := json.Marshal(result.Entities)
	if err != nil {
		_ = s.client.Unlock(ctx, lockKey(roomID), token)
		return MutationResult{}, err
	}

	res, err := s.client.EvalScript(ctx, commitScript,
		[]string{dataKey(roomID), lockKey(roomID), streamKey(roomID)},
		string(data), token, result.RequestID)
	if err != nil {
		return MutationResult{}, err
	}
	if res == nil {
		return MutationResult{}, ErrTransactionFailed
	}

	if err := s.client.SetAdd(ctx, roomIndexKey, roomID); err != nil {
		logging.Warn(ctx, "room store: failed to index room id after commit")
	}

	return result, nil
}

// Changes tails roomID's Redis Stream, starting from entries committed
// from now on, and resumes from its own last-delivered id across read
// errors, retrying with a backoff that doubles from 100ms up to a 5s cap.
// It retries indefinitely and closes the channel only when ctx is done or
// cancel is called; it does not detect or report lost entries. An entry
// whose data does not parse is logged and skipped, and until the first
// entry is delivered each read starts at "$", so entries committed while
// a read is failing are not delivered.
func (s *RedisStore) Changes(ctx context.Context, roomID string) (<-chan Change, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Change, subscriberBuffer)

	go func() {
		defer close(out)

		lastID := "$"
		backoff := 100 * time.Millisecond
		const maxBackoff = 5 * time.Second

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msgs, err := s.client.XRead(ctx, streamKey(roomID), lastID, 2*time.Second)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logging.Warn(ctx, "room store: change-feed read failed, retrying")
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			backoff = 100 * time.Millisecond

			for _, m := range msgs {
				raw, _ := m.Values["data"].(string)
				var entities []board.Entity
				if err := json.Unmarshal([]byte(raw), &entities); err != nil {
					logging.Warn(ctx, "room store: dropping unparsable change-feed entry")
					lastID = m.ID
					continue
				}
				requestID, _ := m.Values["request_id"].(string)
				select {
				case out <- Change{RoomID: roomID, RequestID: requestID, Entities: entities, CursorID: m.ID}:
				case <-ctx.Done():
					return
				}
				lastID = m.ID
			}
		}
	}()

	return out, cancel, nil
}
