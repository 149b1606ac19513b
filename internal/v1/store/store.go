// Package store provides the durable, per-room entity list with
// transactional mutation and a change-feed, backed by either an
// in-process map (tests, single-node mode) or Redis (production).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tokenboard/server/internal/v1/board"
)

// ErrTransactionFailed is returned by ApplyMutation when the room's lock
// could not be acquired, or was lost to lease expiry before commit. The
// caller (C6) is responsible for bounded retry; the store never retries
// internally and a failed attempt leaves no trace.
var ErrTransactionFailed = errors.New("store: transaction failed")

// MutationResult bundles the entity list a mutation produces together with
// the request id that produced it and opaque per-call metadata (e.g.
// per-update replies) the caller needs after commit. RequestID, unlike
// Meta, is carried through the change-feed by every backend, so a room
// actor on any node can recognize the commit it itself requested.
type MutationResult struct {
	Entities  []board.Entity
	RequestID string
	Meta      any
}

// MutateFunc computes the next entity list from the currently committed
// one. It must be side-effect free beyond its return value: it may be
// invoked again in a future call if this attempt loses the race.
type MutateFunc func(current []board.Entity) (MutationResult, error)

// Change is one committed mutation observed on a room's change-feed.
type Change struct {
	RoomID string
	// RequestID, when non-empty, is the request id of the commit that
	// produced this change. Every backend carries it through the
	// change-feed (Redis Streams included), so a subscriber on any node
	// can recognize a commit it itself requested.
	RequestID string
	Entities  []board.Entity
	// Meta is opaque per-call metadata that is only ever populated for a
	// same-process observer (MemoryStore); it is never serialized onto
	// the change-feed wire format, so a RedisStore subscriber always sees
	// it nil.
	Meta any
	// CursorID is the backend-assigned change-feed position (a Redis
	// Stream entry id, or a monotonic counter for the in-memory backend),
	// sufficient to resume a subscription without loss.
	CursorID string
}

// Store is the durable room-store contract shared by C4 (none), C6, and
// the migration CLI.
type Store interface {
	// Read returns the current entity list for roomID, or nil if the room
	// has never been written.
	Read(ctx context.Context, roomID string) ([]board.Entity, error)

	// ListRoomIDs returns up to a page of room ids starting at cursor (the
	// empty string for the first page), and the cursor to pass for the
	// next page (empty when exhausted). Restartable: a caller may resume
	// from any previously-returned cursor.
	ListRoomIDs(ctx context.Context, cursor string) (ids []string, nextCursor string, err error)

	// ApplyMutation performs a single transactional read-modify-write: it
	// acquires a per-room lock leased for lockExpiration, invokes fn with
	// the current entities, and commits the result iff the lease is still
	// held at commit time. Returns ErrTransactionFailed (no write) if the
	// lock could not be acquired or the lease expired before commit.
	ApplyMutation(ctx context.Context, roomID string, fn MutateFunc) (MutationResult, error)

	// Changes starts tailing roomID's change-feed from "now or shortly
	// before" and returns a channel of committed mutations plus a cancel
	// func. The channel is closed after cancel is called. Neither backend
	// in this package closes it or reports an error when an entry is lost.
	Changes(ctx context.Context, roomID string) (<-chan Change, context.CancelFunc, error)
}

// DefaultLockExpiration is the default mutation lock lease, overridable per
// Store constructor from config.
const DefaultLockExpiration = 5 * time.Second
