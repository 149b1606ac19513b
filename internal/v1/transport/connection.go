// Package transport hosts the per-connection WebSocket plumbing: origin
// validation, the room-id/UUID check, JSON frame (de)serialization, and the
// readPump/writePump pair that bridges a connection onto the game state
// hub (C6).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokenboard/server/internal/v1/gamestate"
	"github.com/tokenboard/server/internal/v1/logging"
	"github.com/tokenboard/server/internal/v1/metrics"
	"github.com/tokenboard/server/internal/v1/ratelimit"
)

// Close codes for the error conditions §4.5/§6 names. These live in the
// private-use range (4000-4999) since none of them are standard WebSocket
// close codes.
const (
	CloseInvalidUUID         = 4001
	CloseInvalidRequest      = 4002
	CloseTooManyConnections  = 4003
	CloseRoomFull            = 4004
	CloseTooManyRoomsCreated = 4005
	CloseInvalidRoom         = 4006
)

// ErrInvalidRequest is raised when an inbound frame is malformed or names
// an unrecognized update action.
var ErrInvalidRequest = errors.New("transport: invalid request frame")

// wsConnection is the subset of *websocket.Conn a Connection depends on,
// narrowed for testability the way the teacher's transport package does.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const writeWait = 10 * time.Second

// ValidateRoomID reports whether id is a valid UUIDv4 room identifier.
func ValidateRoomID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.Version() == 4
}

// Serve drives one connection end to end: it registers with hub, then pumps
// inbound frames into requests and outbound responses back to the client
// until the connection closes, returning the close code/reason to send.
func Serve(ctx context.Context, conn wsConnection, hub *gamestate.Hub, roomID, clientIP string) (code int, reason string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	requests := make(chan gamestate.Request)

	out, errc, err := hub.HandleConnection(ctx, roomID, clientIP, requests)
	if err != nil {
		return mapConnectError(err)
	}

	metrics.IncConnection()
	defer metrics.DecConnection()

	readErr := make(chan error, 1)
	go readPump(ctx, conn, requests, readErr)

	return writePump(ctx, cancel, conn, out, errc, readErr)
}

// readPump decodes inbound frames into typed requests. A malformed frame
// or unknown action reports ErrInvalidRequest and stops; any other read
// error (including a clean client close) reports nil.
func readPump(ctx context.Context, conn wsConnection, requests chan<- gamestate.Request, errOut chan<- error) {
	defer close(requests)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			errOut <- nil
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req gamestate.Request
		if jsonErr := json.Unmarshal(data, &req); jsonErr != nil {
			logging.Warn(ctx, "malformed request frame", zap.Error(jsonErr))
			errOut <- ErrInvalidRequest
			return
		}
		if !validActions(req) {
			logging.Warn(ctx, "request frame names an unknown update action")
			errOut <- ErrInvalidRequest
			return
		}

		select {
		case requests <- req:
		case <-ctx.Done():
			return
		}
	}
}

func validActions(req gamestate.Request) bool {
	for _, u := range req.Updates {
		switch u.Action {
		case gamestate.ActionCreate, gamestate.ActionUpdate, gamestate.ActionDelete, gamestate.ActionPing:
		default:
			return false
		}
	}
	return true
}

// writePump forwards every hub response as a JSON frame until out closes.
// The moment the read side finishes (client disconnect or a malformed
// frame), it cancels ctx so the hub's own goroutines unwind and close out;
// the close code reported favors a malformed-frame/fatal-room cause over a
// clean disconnect.
func writePump(ctx context.Context, cancel context.CancelFunc, conn wsConnection, out <-chan gamestate.Response, errc <-chan error, readErr <-chan error) (int, string) {
	var pending error
	for {
		select {
		case resp, ok := <-out:
			if !ok {
				return closeReason(pending, errc)
			}
			data, err := json.Marshal(resp)
			if err != nil {
				logging.Error(ctx, "failed to marshal response frame", zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cancel()
				readErr = nil
			}
		case err, ok := <-readErr:
			if !ok {
				continue
			}
			pending = err
			readErr = nil
			cancel()
		}
	}
}

func closeReason(pending error, errc <-chan error) (int, string) {
	if pending != nil {
		return mapConnectError(pending)
	}
	select {
	case err := <-errc:
		if err != nil {
			return mapConnectError(err)
		}
	default:
	}
	return websocket.CloseNormalClosure, ""
}

// mapConnectError implements the §4.5 upstream-error-to-close-code table.
func mapConnectError(err error) (int, string) {
	switch {
	case errors.Is(err, ratelimit.ErrTooManyConnections):
		return CloseTooManyConnections, "ERR_TOO_MANY_CONNECTIONS"
	case errors.Is(err, ratelimit.ErrRoomFull):
		return CloseRoomFull, "ERR_ROOM_FULL"
	case errors.Is(err, ratelimit.ErrTooManyRoomsCreated):
		return CloseTooManyRoomsCreated, "ERR_TOO_MANY_ROOMS_CREATED"
	case errors.Is(err, gamestate.ErrInvalidRoom):
		return CloseInvalidRoom, "ERR_INVALID_ROOM"
	case errors.Is(err, ErrInvalidRequest):
		return CloseInvalidRequest, "ERR_INVALID_REQUEST"
	default:
		return websocket.CloseInternalServerErr, err.Error()
	}
}
