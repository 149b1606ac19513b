package gamestate

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokenboard/server/internal/v1/board"
	"github.com/tokenboard/server/internal/v1/logging"
	"github.com/tokenboard/server/internal/v1/metrics"
	"github.com/tokenboard/server/internal/v1/store"
)

// subscriber is one connection's fan-out queue.
type subscriber struct {
	ch chan Response
}

func (s *subscriber) deliver(r Response) {
	select {
	case s.ch <- r:
	default:
		// A slow reader never blocks the room actor; it will converge on
		// the next response it does receive, per the §4.4 design note.
	}
}

// mutationMeta is the MutationResult.Meta value applyRequest's mutate
// function returns: the per-update rejections to relay to the requesting
// connection. It is consumed synchronously by applyRequest's own caller
// and never needs to survive a change-feed round trip, unlike RequestID
// which every backend does carry through.
type mutationMeta struct {
	errors []string
}

// roomActor is the per-room actor described in §4.4: it holds a local
// board.Room kept in sync with the store's change feed, and fans out every
// committed change to every connection currently subscribed to the room.
type roomActor struct {
	id      string
	palette []board.RGB
	st      store.Store
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	room        *board.Room
	subscribers map[int]*subscriber
	nextSubID   int
	// pending maps an in-flight request id to the subscriber awaiting its
	// commit, so fanOut can recognize a change it observes via any
	// backend (including a Redis Stream read on this same process) as
	// one this room actor itself requested, and stamp that subscriber's
	// request_id without relying on a same-process-only identity.
	pending    map[string]*subscriber
	pingTimers []*time.Timer

	fatal chan struct{}

	evictMu    sync.Mutex
	evictTimer *time.Timer
	onEvicted  func()
}

func newRoomActor(parentCtx context.Context, roomID string, palette []board.RGB, st store.Store, cfg Config, onEvicted func()) (*roomActor, error) {
	current, err := st.Read(parentCtx, roomID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(parentCtx))

	changes, cancelChanges, err := st.Changes(ctx, roomID)
	if err != nil {
		cancel()
		return nil, err
	}

	a := &roomActor{
		id:          roomID,
		palette:     palette,
		st:          st,
		cfg:         cfg,
		ctx:         ctx,
		room:        board.LoadSnapshot(palette, current),
		subscribers: make(map[int]*subscriber),
		pending:     make(map[string]*subscriber),
		fatal:       make(chan struct{}),
		onEvicted:   onEvicted,
	}
	// cancel marks ctx done before tearing down the change-feed
	// subscription, so fanOut's post-loop ctx.Done() check can never race
	// against its own shutdown: ctx is always already cancelled by the
	// time the channel closes as a result of it.
	a.cancel = func() { cancel(); cancelChanges() }

	go a.fanOut(changes)

	return a, nil
}

// fanOut applies every committed change to the local room copy and
// broadcasts exactly one state response to every registered subscriber,
// stamping the committing subscriber's own request_id on its copy and
// leaving every other subscriber's copy unstamped. This is the sole path a
// state response reaches a connection through: applyRequest never delivers
// one directly, so each commit produces one response per subscriber, not
// two.
//
// The committer is identified by matching change.RequestID against
// a.pending, not by any per-process subscriber identity, because
// RedisStore's change-feed is a Stream every node tails: the commit this
// actor observes here may be the same one another node's actor issued, in
// which case change.RequestID simply won't be a key in this actor's own
// pending map and every subscriber here gets the blank request_id, exactly
// as the spec's broadcast invariant requires for onlookers.
//
// A closed changes channel that wasn't caused by our own shutdown is an
// unrecoverable loss of sync: the actor declares itself fatal and every
// subscriber is torn down with ERR_INVALID_ROOM.
func (a *roomActor) fanOut(changes <-chan store.Change) {
	for change := range changes {
		a.mu.Lock()
		a.room = board.LoadSnapshot(a.palette, change.Entities)
		subs := make([]*subscriber, 0, len(a.subscribers))
		for _, s := range a.subscribers {
			subs = append(subs, s)
		}
		var committer *subscriber
		if change.RequestID != "" {
			if s, ok := a.pending[change.RequestID]; ok {
				committer = s
				delete(a.pending, change.RequestID)
			}
		}
		a.mu.Unlock()

		for _, s := range subs {
			requestID := ""
			if s == committer {
				requestID = change.RequestID
			}
			s.deliver(stateResponse(change.Entities, requestID))
		}
	}

	select {
	case <-a.ctx.Done():
		// Ordinary shutdown: the last subscriber left and we cancelled.
	default:
		logging.Error(a.ctx, "room actor lost its change feed", zap.String("room_id", a.id))
		close(a.fatal)
	}
}

// register adds a new subscriber and returns it along with the room's
// current snapshot, for the caller to emit as the initial connected
// response.
func (a *roomActor) register() (*subscriber, []board.Entity) {
	a.cancelEviction()

	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextSubID
	a.nextSubID++
	sub := &subscriber{ch: make(chan Response, 64)}
	a.subscribers[id] = sub

	metrics.RoomOccupancy.WithLabelValues(a.id).Inc()

	return sub, a.room.Snapshot()
}

// deregister removes sub from the fan-out list. When it was the last
// subscriber, eviction begins after the configured grace period.
func (a *roomActor) deregister(sub *subscriber) {
	a.mu.Lock()
	for id, s := range a.subscribers {
		if s == sub {
			delete(a.subscribers, id)
			break
		}
	}
	close(sub.ch)
	empty := len(a.subscribers) == 0
	a.mu.Unlock()

	metrics.RoomOccupancy.WithLabelValues(a.id).Dec()

	if empty {
		a.scheduleEviction()
	}
}

func (a *roomActor) scheduleEviction() {
	a.evictMu.Lock()
	defer a.evictMu.Unlock()
	a.evictTimer = time.AfterFunc(a.cfg.EvictionGrace, func() {
		a.mu.Lock()
		stillEmpty := len(a.subscribers) == 0
		a.mu.Unlock()
		if !stillEmpty {
			return
		}
		a.shutdown()
		a.onEvicted()
	})
}

// cancelEviction cancels a pending eviction, used when a new connection
// arrives during the grace period.
func (a *roomActor) cancelEviction() {
	a.evictMu.Lock()
	defer a.evictMu.Unlock()
	if a.evictTimer != nil {
		a.evictTimer.Stop()
		a.evictTimer = nil
	}
}

// shutdown cancels the change-feed subscription and every scheduled ping
// expiry, mirroring the teacher's room cancellation-cascade pattern.
func (a *roomActor) shutdown() {
	a.mu.Lock()
	timers := a.pingTimers
	a.pingTimers = nil
	a.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	a.cancel()
}

// applyRequest runs req through apply_mutation, retrying up to
// cfg.MaxUpdateRetries times on transaction contention with no backoff,
// per §4.4. Returns ErrInvalidRoom once retries are exhausted. sub
// identifies the requesting subscriber: it is registered under req.RequestID
// before the first attempt so fanOut can recognize the eventual commit and
// stamp the response sub is owed, however many attempts it took.
func (a *roomActor) applyRequest(ctx context.Context, sub *subscriber, req Request) (store.MutationResult, error) {
	if req.RequestID != "" {
		a.mu.Lock()
		a.pending[req.RequestID] = sub
		a.mu.Unlock()
	}

	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxUpdateRetries; attempt++ {
		result, err := a.st.ApplyMutation(ctx, a.id, a.mutateFunc(req))
		if err == nil {
			a.afterCommit(req)
			return result, nil
		}
		if !errors.Is(err, store.ErrTransactionFailed) {
			a.clearPending(req.RequestID)
			return store.MutationResult{}, err
		}
		lastErr = err
		metrics.MutationRetries.WithLabelValues("retried").Inc()
	}
	a.clearPending(req.RequestID)
	logging.Warn(ctx, "apply_mutation exhausted retries", zap.String("room_id", a.id), zap.Error(lastErr))
	metrics.MutationRetries.WithLabelValues("exhausted").Inc()
	return store.MutationResult{}, ErrInvalidRoom
}

// clearPending removes a never-committed request's pending entry so it
// cannot be left around to wrongly match an unrelated future commit that
// happens to reuse the same request id.
func (a *roomActor) clearPending(requestID string) {
	if requestID == "" {
		return
	}
	a.mu.Lock()
	delete(a.pending, requestID)
	a.mu.Unlock()
}

// mutateFunc builds the store.MutateFunc for req: it replays every update
// against an ephemeral board.Room seeded from the store's current entity
// list, so a retry after TransactionFailed always validates against fresh
// state rather than a stale local copy.
func (a *roomActor) mutateFunc(req Request) store.MutateFunc {
	return func(current []board.Entity) (store.MutationResult, error) {
		r := board.LoadSnapshot(a.palette, current)
		var errs []string

		for _, u := range req.Updates {
			switch u.Action {
			case ActionCreate, ActionUpdate:
				t, err := u.Token()
				if err != nil {
					errs = append(errs, "That update could not be read")
					metrics.MutationsTotal.WithLabelValues(string(u.Action), "rejected").Inc()
					continue
				}
				if !r.IsValidPosition(t) {
					errs = append(errs, "That position is occupied")
					metrics.MutationsTotal.WithLabelValues(string(u.Action), "rejected").Inc()
					continue
				}
				if err := r.Upsert(t); err != nil {
					errs = append(errs, "That position is occupied")
					metrics.MutationsTotal.WithLabelValues(string(u.Action), "rejected").Inc()
					continue
				}
				metrics.MutationsTotal.WithLabelValues(string(u.Action), "applied").Inc()

			case ActionDelete:
				id, err := u.TokenID()
				if err != nil {
					errs = append(errs, "Cannot delete token because it does not exist")
					metrics.MutationsTotal.WithLabelValues("delete", "rejected").Inc()
					continue
				}
				if err := r.Delete(id); err != nil {
					errs = append(errs, "Cannot delete token because it does not exist")
					metrics.MutationsTotal.WithLabelValues("delete", "rejected").Inc()
					continue
				}
				metrics.MutationsTotal.WithLabelValues("delete", "applied").Inc()

			case ActionPing:
				p, err := u.Ping()
				if err != nil {
					errs = append(errs, "That ping could not be read")
					metrics.MutationsTotal.WithLabelValues("ping", "rejected").Inc()
					continue
				}
				p.RequestID = req.RequestID
				r.PlacePing(p)
				metrics.MutationsTotal.WithLabelValues("ping", "applied").Inc()

			default:
				errs = append(errs, "Unknown update action")
			}
		}

		meta := mutationMeta{errors: errs}
		return store.MutationResult{Entities: r.Snapshot(), RequestID: req.RequestID, Meta: meta}, nil
	}
}

// afterCommit schedules the ping-expiry follow-up mutation for req, if it
// contained a ping update.
func (a *roomActor) afterCommit(req Request) {
	hasPing := false
	for _, u := range req.Updates {
		if u.Action == ActionPing {
			hasPing = true
			break
		}
	}
	if !hasPing {
		return
	}

	requestID := req.RequestID
	timer := time.AfterFunc(a.cfg.PingLength, func() {
		_, err := a.st.ApplyMutation(a.ctx, a.id, func(current []board.Entity) (store.MutationResult, error) {
			r := board.LoadSnapshot(a.palette, current)
			r.RemovePingsByRequest(requestID)
			return store.MutationResult{Entities: r.Snapshot()}, nil
		})
		if err != nil && !errors.Is(err, store.ErrTransactionFailed) {
			logging.Warn(a.ctx, "ping expiry mutation failed", zap.String("room_id", a.id), zap.Error(err))
		}
	})

	a.mu.Lock()
	a.pingTimers = append(a.pingTimers, timer)
	a.mu.Unlock()
}
