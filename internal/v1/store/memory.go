package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenboard/server/internal/v1/board"
)

// subscriberBuffer bounds how far a subscriber may lag before its changes
// are dropped. The in-memory backend is for tests and single-node mode;
// production loss-free delivery is the Redis Streams backend's job.
const subscriberBuffer = 256

type roomRecord struct {
	mu sync.Mutex

	entities []board.Entity

	lockHolder string
	lockExpiry time.Time

	version     int64
	nextSubID   int
	subscribers map[int]chan Change
}

// MemoryStore is the in-process Store implementation used by tests and
// single-node/no-Redis deployments.
type MemoryStore struct {
	mu             sync.Mutex
	rooms          map[string]*roomRecord
	lockExpiration time.Duration
}

// NewMemoryStore constructs an empty MemoryStore whose mutation locks are
// leased for lockExpiration.
func NewMemoryStore(lockExpiration time.Duration) *MemoryStore {
	if lockExpiration <= 0 {
		lockExpiration = DefaultLockExpiration
	}
	return &MemoryStore{
		rooms:          make(map[string]*roomRecord),
		lockExpiration: lockExpiration,
	}
}

func (s *MemoryStore) getOrCreate(roomID string) *roomRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rooms[roomID]
	if !ok {
		rec = &roomRecord{subscribers: make(map[int]chan Change)}
		s.rooms[roomID] = rec
	}
	return rec
}

// Read returns a copy of the room's current entities, or nil if the room
// has never been written.
func (s *MemoryStore) Read(ctx context.Context, roomID string) ([]board.Entity, error) {
	s.mu.Lock()
	rec, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]board.Entity(nil), rec.entities...), nil
}

// ListRoomIDs returns every known room id in a single page; the in-memory
// backend never has enough rooms to need real pagination.
func (s *MemoryStore) ListRoomIDs(ctx context.Context, cursor string) ([]string, string, error) {
	if cursor != "" {
		return nil, "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids, "", nil
}

// ApplyMutation implements the single-writer transactional update. See
// Store.ApplyMutation for the commit protocol.
func (s *MemoryStore) ApplyMutation(ctx context.Context, roomID string, fn MutateFunc) (MutationResult, error) {
	rec := s.getOrCreate(roomID)

	rec.mu.Lock()
	now := time.Now()
	if rec.lockHolder != "" && now.Before(rec.lockExpiry) {
		rec.mu.Unlock()
		return MutationResult{}, ErrTransactionFailed
	}
	holder := uuid.NewString()
	rec.lockHolder = holder
	acquiredAt := now
	deadline := acquiredAt.Add(s.lockExpiration)
	rec.lockExpiry = deadline
	current := append([]board.Entity(nil), rec.entities...)
	rec.mu.Unlock()

	result, err := fn(current)
	if err != nil {
		rec.mu.Lock()
		if rec.lockHolder == holder {
			rec.lockHolder = ""
		}
		rec.mu.Unlock()
		return MutationResult{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.lockHolder != holder || time.Now().After(deadline) {
		return MutationResult{}, ErrTransactionFailed
	}

	rec.entities = result.Entities
	rec.version++
	rec.lockHolder = ""

	change := Change{
		RoomID:    roomID,
		RequestID: result.RequestID,
		Entities:  result.Entities,
		Meta:      result.Meta,
		CursorID:  strconv.FormatInt(rec.version, 10),
	}
	for _, sub := range rec.subscribers {
		select {
		case sub <- change:
		default:
			// A stalled subscriber never blocks the writer; it simply
			// falls behind, matching the documented in-memory-backend
			// limitation (production loss-free delivery is Redis Streams').
		}
	}

	return result, nil
}

// Changes subscribes to roomID's in-process change-feed.
func (s *MemoryStore) Changes(ctx context.Context, roomID string) (<-chan Change, context.CancelFunc, error) {
	rec := s.getOrCreate(roomID)

	rec.mu.Lock()
	id := rec.nextSubID
	rec.nextSubID++
	ch := make(chan Change, subscriberBuffer)
	rec.subscribers[id] = ch
	rec.mu.Unlock()

	cancel := func() {
		rec.mu.Lock()
		if sub, ok := rec.subscribers[id]; ok {
			delete(rec.subscribers, id)
			close(sub)
		}
		rec.mu.Unlock()
	}

	return ch, cancel, nil
}
