package gamestate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokenboard/server/internal/v1/board"
	"github.com/tokenboard/server/internal/v1/logging"
	"github.com/tokenboard/server/internal/v1/metrics"
	"github.com/tokenboard/server/internal/v1/ratelimit"
	"github.com/tokenboard/server/internal/v1/store"
)

// ErrInvalidRoom is the terminal error surfaced to a connection when its
// room actor can no longer make progress: apply_mutation exhausted its
// retries under contention, or the change-feed subscription was lost
// without a way to resume losslessly.
var ErrInvalidRoom = errors.New("gamestate: room is no longer usable")

var tracer = otel.Tracer("tokenboard/gamestate")

// Config holds the constants §4.4 names for the game state server.
type Config struct {
	MaxUpdateRetries int
	PingLength       time.Duration
	EvictionGrace    time.Duration
}

// Hub owns every room actor currently held in memory on this node,
// creating one on first connection and evicting it once local occupancy
// has stayed at zero through the grace period.
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]*roomActor
	store   store.Store
	limiter *ratelimit.Limiter
	palette []board.RGB
	cfg     Config
}

// NewHub constructs a Hub backed by st and limiter.
func NewHub(st store.Store, limiter *ratelimit.Limiter, palette []board.RGB, cfg Config) *Hub {
	return &Hub{
		rooms:   make(map[string]*roomActor),
		store:   st,
		limiter: limiter,
		palette: palette,
		cfg:     cfg,
	}
}

// HandleConnection implements the §4.4 per-connection protocol: it acquires
// a rate-limit slot, ensures a room actor exists, registers a fan-out
// queue, and pumps requests/responses until ctx is done or requests is
// closed. The returned error channel carries at most one terminal error
// (an upstream close-code cause) before closing; a clean disconnect closes
// it without ever sending a value.
func (h *Hub) HandleConnection(ctx context.Context, roomID, clientIP string, requests <-chan Request) (<-chan Response, <-chan error, error) {
	ctx, span := tracer.Start(ctx, "handle_connection", trace.WithAttributes(
		attribute.String("room_id", roomID),
	))
	defer span.End()
	ctx = logging.WithRoomID(ctx, roomID)

	sessionID := uuid.New().String()
	ctx = logging.WithSessionID(ctx, sessionID)
	span.SetAttributes(attribute.String("session_id", sessionID))

	release, err := h.limiter.RateLimitedConnection(ctx, clientIP, roomID)
	if err != nil {
		return nil, nil, err
	}

	actor, err := h.getOrCreateActor(ctx, roomID, clientIP)
	if err != nil {
		release()
		return nil, nil, err
	}

	sub, snapshot := actor.register()

	out := make(chan Response, 64)
	errc := make(chan error, 1)
	out <- connectedResponse(snapshot)

	// A terminal room error stops both pumps, so out closes and the caller
	// reads the error from errc without waiting for its own disconnect.
	ctx, stop := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case resp, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- resp:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-actor.fatal:
				select {
				case errc <- ErrInvalidRoom:
				default:
				}
				stop()
				return
			case <-ctx.Done():
				return
			case req, ok := <-requests:
				if !ok {
					return
				}
				h.processRequest(ctx, actor, sub, req, sessionID, errc)
				if len(errc) > 0 {
					stop()
					return
				}
			}
		}
	}()

	go func() {
		wg.Wait()
		stop()
		actor.deregister(sub)
		release()
		close(out)
		close(errc)
	}()

	return out, errc, nil
}

func (h *Hub) processRequest(ctx context.Context, actor *roomActor, sub *subscriber, req Request, sessionID string, errc chan<- error) {
	ctx, span := tracer.Start(ctx, "apply_mutation")
	defer span.End()

	start := time.Now()
	result, err := actor.applyRequest(ctx, sub, req)
	if err != nil {
		metrics.MutationDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		select {
		case errc <- ErrInvalidRoom:
		default:
		}
		return
	}
	metrics.MutationDuration.WithLabelValues("committed").Observe(time.Since(start).Seconds())

	// The committed state itself reaches sub through actor.fanOut, the sole
	// broadcast path: delivering it here too would double it up for this
	// connection. Per-update errors are never broadcast, so they still go
	// straight to the requester.
	meta, _ := result.Meta.(mutationMeta)
	for _, msg := range meta.errors {
		sub.deliver(errorResponse(msg, req.RequestID, sessionID))
	}
}

// getOrCreateActor returns the existing room actor for roomID, or
// constructs one: acquire_new_room, read the current entity list, build a
// Room, and subscribe to the change feed.
func (h *Hub) getOrCreateActor(ctx context.Context, roomID, clientIP string) (*roomActor, error) {
	h.mu.Lock()
	if a, ok := h.rooms[roomID]; ok {
		a.cancelEviction()
		h.mu.Unlock()
		return a, nil
	}
	h.mu.Unlock()

	if err := h.limiter.AcquireNewRoom(ctx, clientIP); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.rooms[roomID]; ok {
		a.cancelEviction()
		return a, nil
	}

	actor, err := newRoomActor(ctx, roomID, h.palette, h.store, h.cfg, func() {
		h.mu.Lock()
		delete(h.rooms, roomID)
		h.mu.Unlock()
		metrics.ActiveRooms.Dec()
		metrics.RoomOccupancy.DeleteLabelValues(roomID)
	})
	if err != nil {
		return nil, err
	}

	h.rooms[roomID] = actor
	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "room actor created", zap.String("room_id", roomID))
	return actor, nil
}
