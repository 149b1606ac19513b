package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tokenboard/server/internal/v1/board"
	"github.com/tokenboard/server/internal/v1/gamestate"
	"github.com/tokenboard/server/internal/v1/ratelimit"
	"github.com/tokenboard/server/internal/v1/store"
)

func testHub() *gamestate.Hub {
	st := store.NewMemoryStore(time.Second)
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{
		MaxUsersPerRoom:      8,
		MaxConnectionsPerIP:  4,
		MaxRoomsPerIPPerDay:  20,
		ServerLivenessExpiry: time.Minute,
	}, "test-server")
	cfg := gamestate.Config{MaxUpdateRetries: 3, PingLength: 50 * time.Millisecond, EvictionGrace: 50 * time.Millisecond}
	return gamestate.NewHub(st, limiter, board.DefaultColors, cfg)
}

// queuedConnection feeds ReadMessage from a fixed sequence of frames, then
// returns a read error (simulating a clean client disconnect) forever
// after.
func queuedConnection(frames ...[]byte) *MockConnection {
	var mu sync.Mutex
	i := 0
	return &MockConnection{
		ReadMessageFunc: func() (int, []byte, error) {
			mu.Lock()
			defer mu.Unlock()
			if i >= len(frames) {
				return 0, nil, errors.New("connection closed")
			}
			f := frames[i]
			i++
			return websocket.TextMessage, f, nil
		},
	}
}

func TestValidateRoomID(t *testing.T) {
	require.True(t, ValidateRoomID(uuid.New().String()))
	require.False(t, ValidateRoomID("not-a-uuid"))
	require.False(t, ValidateRoomID(""))
}

func TestServeSendsConnectedSnapshotThenClosesOnDisconnect(t *testing.T) {
	hub := testHub()
	roomID := uuid.New().String()

	conn := queuedConnection()

	code, reason := Serve(context.Background(), conn, hub, roomID, "1.2.3.4")

	require.Equal(t, websocket.CloseNormalClosure, code)
	require.Empty(t, reason)

	frames := conn.writtenFrames()
	require.NotEmpty(t, frames)

	var resp gamestate.Response
	require.NoError(t, json.Unmarshal(frames[0], &resp))
	require.Equal(t, gamestate.ResponseConnected, resp.Type)
}

func TestServeAppliesCreateRequest(t *testing.T) {
	hub := testHub()
	roomID := uuid.New().String()

	tok := board.Token{
		ID:       "tok-1",
		Kind:     board.TokenKindFloor,
		Contents: board.Contents{Type: board.ContentKindIcon, IconID: "x"},
		EndX:     1, EndY: 1, EndZ: 1,
	}
	tokData, err := json.Marshal(tok)
	require.NoError(t, err)

	req := gamestate.Request{
		RequestID: "req-1",
		Updates:   []gamestate.Update{{Action: gamestate.ActionCreate, Data: tokData}},
	}
	reqData, err := json.Marshal(req)
	require.NoError(t, err)

	conn := queuedConnection(reqData)

	code, _ := Serve(context.Background(), conn, hub, roomID, "1.2.3.4")
	require.Equal(t, websocket.CloseNormalClosure, code)

	var found bool
	for _, f := range conn.writtenFrames() {
		var resp gamestate.Response
		require.NoError(t, json.Unmarshal(f, &resp))
		if resp.Type == gamestate.ResponseState && resp.RequestID == "req-1" {
			found = true
		}
	}
	require.True(t, found, "expected a state response acking req-1")
}

func TestServeClosesWithInvalidRequestOnMalformedFrame(t *testing.T) {
	hub := testHub()
	roomID := uuid.New().String()

	conn := queuedConnection([]byte("not json"))

	code, reason := Serve(context.Background(), conn, hub, roomID, "1.2.3.4")
	require.Equal(t, CloseInvalidRequest, code)
	require.Equal(t, "ERR_INVALID_REQUEST", reason)
}

func TestServeClosesWithInvalidRequestOnUnknownAction(t *testing.T) {
	hub := testHub()
	roomID := uuid.New().String()

	req := gamestate.Request{
		RequestID: "req-1",
		Updates:   []gamestate.Update{{Action: "teleport", Data: json.RawMessage(`{}`)}},
	}
	reqData, err := json.Marshal(req)
	require.NoError(t, err)

	conn := queuedConnection(reqData)

	code, reason := Serve(context.Background(), conn, hub, roomID, "1.2.3.4")
	require.Equal(t, CloseInvalidRequest, code)
	require.Equal(t, "ERR_INVALID_REQUEST", reason)
}

func TestServeRejectsOverConnectionCap(t *testing.T) {
	st := store.NewMemoryStore(time.Second)
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{
		MaxUsersPerRoom:      8,
		MaxConnectionsPerIP:  0,
		MaxRoomsPerIPPerDay:  20,
		ServerLivenessExpiry: time.Minute,
	}, "test-server")
	cfg := gamestate.Config{MaxUpdateRetries: 3, PingLength: time.Second, EvictionGrace: time.Second}
	hub := gamestate.NewHub(st, limiter, board.DefaultColors, cfg)

	roomID := uuid.New().String()
	conn := queuedConnection()

	code, reason := Serve(context.Background(), conn, hub, roomID, "1.2.3.4")
	require.Equal(t, CloseTooManyConnections, code)
	require.Equal(t, "ERR_TOO_MANY_CONNECTIONS", reason)
}
